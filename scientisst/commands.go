package scientisst

import (
	"fmt"
	"math"
)

// Command bytes understood by the firmware. Multi byte commands carry their
// argument in the upper bytes, little endian.
const (
	cmdIdle       uint32 = 0x00
	cmdLive       uint32 = 0x01
	cmdSimulated  uint32 = 0x02
	cmdAPI        uint32 = 0x03 // (mode << 4) | 0b11
	cmdVersion    uint32 = 0x07
	cmdState      uint32 = 0x0B
	cmdSampleRate uint32 = 0x43 // 0b01000011 | rate << 8
	cmdDAC        uint32 = 0xA3 // 1 0 1 0 0 0 1 1
	cmdTrigger    uint32 = 0xB3 // 1 0 1 1 O2 O1 1 1
)

const maxCommandWidth = 4

// MaxSampleRate is the largest rate that fits the 3 argument bytes of the sample rate command
const MaxSampleRate = 1<<24 - 1

// encodeCommand turns cmd into the minimum number of little endian bytes
// (at least one) and zero pads the result to width bytes.
func encodeCommand(cmd uint32, width int) ([]byte, error) {
	if width > maxCommandWidth {
		return nil, fmt.Errorf("command width %d exceeds %d bytes: %w", width, maxCommandWidth, ErrInvalidParameter)
	}

	b := []byte{byte(cmd)}
	for v := cmd >> 8; v > 0; v >>= 8 {
		b = append(b, byte(v))
	}
	for len(b) < width {
		b = append(b, 0x00)
	}
	return b, nil
}

func apiCommand(mode APIMode) (uint32, error) {
	if mode < APIBitalino || mode > APIJSON {
		return 0, fmt.Errorf("api mode %d: %w", mode, ErrInvalidParameter)
	}
	return uint32(mode)<<4 | cmdAPI, nil
}

func sampleRateCommand(rate int) (uint32, error) {
	if rate <= 0 || rate > MaxSampleRate {
		return 0, fmt.Errorf("sample rate %d Hz: %w", rate, ErrInvalidParameter)
	}
	return cmdSampleRate | uint32(rate)<<8, nil
}

func startCommand(mask byte, simulated bool) uint32 {
	cmd := cmdLive
	if simulated {
		cmd = cmdSimulated
	}
	return cmd | uint32(mask)<<8
}

func batteryCommand(value int) (uint32, error) {
	if value < 0 || value > 63 {
		return 0, fmt.Errorf("battery threshold %d not in 0..63: %w", value, ErrInvalidParameter)
	}
	return uint32(value) << 2, nil
}

func triggerCommand(outputs [2]bool) uint32 {
	cmd := cmdTrigger
	for i, on := range outputs {
		if on {
			cmd |= 0b100 << i
		}
	}
	return cmd
}

// dacRaw converts an output voltage to the 8bit DAC code
func dacRaw(voltage float64) (uint8, error) {
	if math.IsNaN(voltage) || voltage < 0 || voltage > 3.3 {
		return 0, fmt.Errorf("dac voltage %v not in 0..3.3 V: %w", voltage, ErrInvalidParameter)
	}
	return uint8(math.Round(voltage * 255 / 3.3)), nil
}

func dacCommand(voltage float64) (uint32, error) {
	raw, err := dacRaw(voltage)
	if err != nil {
		return 0, err
	}
	return cmdDAC | uint32(raw)<<8, nil
}
