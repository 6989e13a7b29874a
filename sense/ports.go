package sense

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// Port is a serial port found on the host
type Port struct {
	Name         string
	USB          bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

func (p Port) String() string {
	if !p.USB {
		return p.Name
	}
	s := fmt.Sprintf("%v\tUSB %v:%v", p.Name, p.VID, p.PID)
	if p.SerialNumber != "" {
		s += " serial " + p.SerialNumber
	}
	if p.Product != "" {
		s += " (" + p.Product + ")"
	}
	return s
}

// Candidate reports whether the port looks like a paired ScientISST, i.e. a
// bluetooth serial port or a USB serial adapter
func (p Port) Candidate() bool {
	name := strings.ToLower(p.Name)
	return p.USB || strings.Contains(name, "rfcomm") || strings.Contains(name, "scientisst")
}

// ListPorts returns the serial ports of the host, candidates first
func ListPorts() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("listing serial ports: %w", err)
	}

	var candidates, others []Port
	for _, d := range details {
		p := Port{
			Name:         d.Name,
			USB:          d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		}
		if p.Candidate() {
			candidates = append(candidates, p)
		} else {
			others = append(others, p)
		}
	}
	return append(candidates, others...), nil
}
