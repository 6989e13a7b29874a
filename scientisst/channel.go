package scientisst

import "fmt"

// Channel is an analog input of the device. AI1..AI6 are the internal 12bit
// inputs, AX1 and AX2 the external 24bit ones.
type Channel uint8

const (
	AI1 Channel = iota + 1
	AI2
	AI3
	AI4
	AI5
	AI6
	AX1
	AX2
)

// AllChannels is used when Start is called without a channel list
var AllChannels = []Channel{AI1, AI2, AI3, AI4, AI5, AI6, AX1, AX2}

// Valid reports whether c is one of the eight analog inputs
func (c Channel) Valid() bool {
	return c >= AI1 && c <= AX2
}

// External reports whether c carries 24bit samples
func (c Channel) External() bool {
	return c == AX1 || c == AX2
}

// Resolution in bits of the raw samples of c
func (c Channel) Resolution() int {
	if c.External() {
		return 24
	}
	return 12
}

func (c Channel) String() string {
	if c.External() {
		return fmt.Sprintf("AX%d", uint8(c))
	}
	return fmt.Sprintf("AI%d", uint8(c))
}

// channelMask builds the start command bitmask and rejects out of range and
// duplicate channels.
func channelMask(chs []Channel) (byte, error) {
	var mask byte
	for _, ch := range chs {
		if !ch.Valid() {
			return 0, fmt.Errorf("channel %d out of range 1..8: %w", uint8(ch), ErrInvalidParameter)
		}
		m := byte(1) << (ch - 1)
		if mask&m != 0 {
			return 0, fmt.Errorf("duplicate channel %v: %w", ch, ErrInvalidParameter)
		}
		mask |= m
	}
	return mask, nil
}
