package scientisst

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestEncodeCommand(t *testing.T) {
	tests := []struct {
		name  string
		cmd   uint32
		width int
		want  []byte
		err   error
	}{
		{"idle", cmdIdle, 0, []byte{0x00}, nil},
		{"version", cmdVersion, 0, []byte{0x07}, nil},
		{"padded", cmdVersion, 4, []byte{0x07, 0x00, 0x00, 0x00}, nil},
		{"minimal wins over width", 0x0103, 1, []byte{0x03, 0x01}, nil},
		{"sample rate 1000", cmdSampleRate | 1000<<8, 4, []byte{0x43, 0xE8, 0x03, 0x00}, nil},
		{"width too large", cmdIdle, 5, nil, ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeCommand(tt.cmd, tt.width)
			if !errors.Is(err, tt.err) {
				t.Fatalf("encodeCommand() error = %v, want %v", err, tt.err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("encodeCommand() = % x, want % x", got, tt.want)
			}
		})
	}
}

func TestCommandArguments(t *testing.T) {
	if cmd, _ := apiCommand(APIScientISST); cmd != 0x23 {
		t.Errorf("apiCommand(ScientISST) = %#x, want 0x23", cmd)
	}
	if _, err := apiCommand(APIMode(4)); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("apiCommand(4) error = %v", err)
	}

	if cmd := startCommand(0b11, false); cmd != 0x0301 {
		t.Errorf("startCommand(live) = %#x, want 0x0301", cmd)
	}
	if cmd := startCommand(0b11, true); cmd != 0x0302 {
		t.Errorf("startCommand(simulated) = %#x, want 0x0302", cmd)
	}

	for _, rate := range []int{0, -1, MaxSampleRate + 1} {
		if _, err := sampleRateCommand(rate); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("sampleRateCommand(%d) error = %v", rate, err)
		}
	}

	if cmd, _ := batteryCommand(63); cmd != 0xFC {
		t.Errorf("batteryCommand(63) = %#x, want 0xfc", cmd)
	}
	if _, err := batteryCommand(64); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("batteryCommand(64) error = %v", err)
	}

	triggers := map[[2]bool]uint32{
		{false, false}: 0xB3,
		{true, false}:  0xB7,
		{false, true}:  0xBB,
		{true, true}:   0xBF,
	}
	for outputs, want := range triggers {
		if got := triggerCommand(outputs); got != want {
			t.Errorf("triggerCommand(%v) = %#x, want %#x", outputs, got, want)
		}
	}
}

func TestDAC(t *testing.T) {
	tests := []struct {
		voltage float64
		want    uint8
		err     error
	}{
		{0, 0, nil},
		{3.3, 255, nil},
		{1.0, 77, nil},
		{-0.1, 0, ErrInvalidParameter},
		{3.4, 0, ErrInvalidParameter},
		{math.NaN(), 0, ErrInvalidParameter},
	}
	for _, tt := range tests {
		got, err := dacRaw(tt.voltage)
		if !errors.Is(err, tt.err) {
			t.Errorf("dacRaw(%v) error = %v, want %v", tt.voltage, err, tt.err)
			continue
		}
		if got != tt.want {
			t.Errorf("dacRaw(%v) = %d, want %d", tt.voltage, got, tt.want)
		}
	}

	cmd, err := dacCommand(3.3)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := encodeCommand(cmd, 2)
	if !bytes.Equal(b, []byte{0xA3, 0xFF}) {
		t.Errorf("dac 3.3V encodes to % x", b)
	}
}

func TestChannelMask(t *testing.T) {
	mask, err := channelMask([]Channel{AI1, AX2, AI3})
	if err != nil {
		t.Fatal(err)
	}
	if mask != 0b10000101 {
		t.Errorf("channelMask() = %08b", mask)
	}

	for _, chs := range [][]Channel{{AI1, AI1}, {0}, {9}, {AX1, AI2, AX1}} {
		if _, err := channelMask(chs); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("channelMask(%v) error = %v, want ErrInvalidParameter", chs, err)
		}
	}
}
