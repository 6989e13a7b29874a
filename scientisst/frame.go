package scientisst

import (
	"strconv"
	"strings"
)

// Frame is one decoded acquisition sample.
//
// Raw holds one value per active channel, in the order the channels were
// passed to Start. MV is nil unless conversion to millivolts was requested.
type Frame struct {
	Seq     uint8     `json:"seq"`
	Digital [4]bool   `json:"digital"`
	Raw     []uint32  `json:"raw"`
	MV      []float64 `json:"mv,omitempty"`
}

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func formatMV(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// String renders the frame as a tab separated line: sequence number, the four
// digital ports, then the channel values. With conversion each raw value is
// followed by its millivolt value.
func (f Frame) String() string {
	fields := make([]string, 0, 5+2*len(f.Raw))
	fields = append(fields, strconv.Itoa(int(f.Seq)))
	for _, d := range f.Digital {
		fields = append(fields, boolDigit(d))
	}
	for i, v := range f.Raw {
		fields = append(fields, strconv.FormatUint(uint64(v), 10))
		if f.MV != nil {
			fields = append(fields, formatMV(f.MV[i]))
		}
	}
	return strings.Join(fields, "\t")
}

// Values returns the frame as a numeric row in the same column order as String
func (f Frame) Values() []float64 {
	row := make([]float64, 0, 5+2*len(f.Raw))
	row = append(row, float64(f.Seq))
	for _, d := range f.Digital {
		if d {
			row = append(row, 1)
		} else {
			row = append(row, 0)
		}
	}
	for i, v := range f.Raw {
		row = append(row, float64(v))
		if f.MV != nil {
			row = append(row, f.MV[i])
		}
	}
	return row
}
