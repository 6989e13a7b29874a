package scientisst

import (
	"encoding/binary"
	"fmt"
)

// StatusSize is the length of the status block sent in reply to a state command
const StatusSize = 16

// Status is a snapshot of the device inputs and battery
type Status struct {
	Analog           [6]uint16 `json:"analog"`
	Battery          uint16    `json:"battery"`
	BatteryThreshold uint8     `json:"battery_threshold"`
	Digital          [4]bool   `json:"digital"`
}

func parseStatus(b []byte) (*Status, error) {
	if len(b) != StatusSize {
		return nil, fmt.Errorf("status block of %d bytes: %w", len(b), ErrContactingDevice)
	}
	if !checkCRC4(b) {
		return nil, fmt.Errorf("status block CRC mismatch: %w", ErrContactingDevice)
	}

	s := &Status{}
	for i := range s.Analog {
		s.Analog[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	s.Battery = binary.LittleEndian.Uint16(b[12:])
	s.BatteryThreshold = b[14]
	for i := range s.Digital {
		s.Digital[i] = b[15]&(0x80>>i) != 0
	}
	return s, nil
}

// Bytes encodes the status block as the firmware sends it
func (s *Status) Bytes() []byte {
	b := make([]byte, StatusSize)
	for i, v := range s.Analog {
		binary.LittleEndian.PutUint16(b[2*i:], v)
	}
	binary.LittleEndian.PutUint16(b[12:], s.Battery)
	b[14] = s.BatteryThreshold
	for i, on := range s.Digital {
		if on {
			b[15] |= 0x80 >> i
		}
	}
	sealCRC4(b)
	return b
}
