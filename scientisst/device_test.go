package scientisst

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

// mockBoard answers commands like the firmware and generates acquisition
// packets on demand, so nothing is lost to Drain.
type mockBoard struct {
	mu sync.Mutex

	header string
	cal    *Calibration
	status Status
	// ignore this many version requests
	silent int
	// streaming but no packets
	mute bool
	// returned by the next Send
	sendErr error

	sent      [][]byte
	rx        []byte
	chs       []Channel
	seq       int
	streaming bool
	closed    bool
	dials     int
}

func newMockBoard() *mockBoard {
	return &mockBoard{header: "ScientISST v1.0.2", cal: testCalibration()}
}

func (m *mockBoard) dial(mode ComMode, address string, opts LinkOptions) (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dials++
	m.closed = false
	m.rx = nil
	return m, nil
}

func mockFrame(seq int, n int) Frame {
	f := Frame{Seq: uint8(seq % 16), Raw: make([]uint32, n)}
	for i := range f.Raw {
		f.Raw[i] = uint32(seq*10 + i)
	}
	f.Digital[0] = seq%2 == 1
	return f
}

func (m *mockBoard) Send(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("closed: %w", ErrContactingDevice)
	}
	if err := m.sendErr; err != nil {
		m.sendErr = nil
		return err
	}
	m.sent = append(m.sent, append([]byte(nil), b...))

	switch {
	case b[0] == byte(cmdVersion):
		if m.silent > 0 {
			m.silent--
			return nil
		}
		m.rx = append(m.rx, m.header...)
		m.rx = append(m.rx, 0x00)
		m.rx = append(m.rx, m.cal.Bytes()...)
	case b[0] == byte(cmdState):
		m.rx = append(m.rx, m.status.Bytes()...)
	case b[0] == byte(cmdIdle) && len(b) == 1:
		m.streaming = false
		m.rx = nil
	case (b[0] == byte(cmdLive) || b[0] == byte(cmdSimulated)) && len(b) == 2:
		m.chs = nil
		for i := 0; i < 8; i++ {
			if b[1]&(1<<i) != 0 {
				m.chs = append(m.chs, Channel(i+1))
			}
		}
		m.seq = 0
		m.streaming = true
	}
	return nil
}

func (m *mockBoard) Recv(n int, exact bool) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.streaming && !m.mute && len(m.rx) < n {
		pkt, _ := EncodePacket(m.chs, mockFrame(m.seq, len(m.chs)))
		m.rx = append(m.rx, pkt...)
		m.seq++
	}

	if len(m.rx) < n {
		b := m.rx
		m.rx = nil
		if exact {
			return b, fmt.Errorf("timed out: %w", ErrContactingDevice)
		}
		return b, nil
	}
	b := m.rx[:n]
	m.rx = m.rx[n:]
	return b, nil
}

func (m *mockBoard) Drain() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rx = nil
	return nil
}

func (m *mockBoard) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockBoard) lastSent() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[len(m.sent)-1]
}

func newTestDevice(t *testing.T, m *mockBoard, tries int) *Device {
	t.Helper()
	return NewDevice(Config{
		Address:         "5000",
		Mode:            ComModeTCP,
		ConnectionTries: tries,
		SettleDelay:     time.Microsecond,
		Dial:            m.dial,
	})
}

func connectedDevice(t *testing.T) (*Device, *mockBoard) {
	t.Helper()
	m := newMockBoard()
	d := newTestDevice(t, m, 0)
	if err := d.Connect(); err != nil {
		t.Fatal(err)
	}
	return d, m
}

func TestConnect(t *testing.T) {
	d, m := connectedDevice(t)

	if d.SessionState() != Idle {
		t.Errorf("SessionState() = %v, want Idle", d.SessionState())
	}
	if d.Version() != "v1.0.2" {
		t.Errorf("Version() = %q", d.Version())
	}
	if *d.Calibration() != *m.cal {
		t.Errorf("Calibration() = %+v, want %+v", d.Calibration(), m.cal)
	}
	if !reflect.DeepEqual(m.sent, [][]byte{{0x23}, {0x07}}) {
		t.Errorf("handshake sent % x", m.sent)
	}

	if err := d.Connect(); !errors.Is(err, ErrDeviceNotIdle) {
		t.Errorf("second Connect() error = %v", err)
	}
}

func TestConnectRetries(t *testing.T) {
	m := newMockBoard()
	m.silent = 2
	d := newTestDevice(t, m, 5)
	if err := d.Connect(); err != nil {
		t.Fatal(err)
	}
	if got := d.Stats().Handshakes.Load(); got != 3 {
		t.Errorf("%d handshakes, want 3", got)
	}
	if m.dials != 3 {
		t.Errorf("%d dials, want 3", m.dials)
	}

	m = newMockBoard()
	m.silent = 10
	d = newTestDevice(t, m, 2)
	if err := d.Connect(); !errors.Is(err, ErrContactingDevice) {
		t.Errorf("Connect() error = %v, want ErrContactingDevice", err)
	}
	if d.SessionState() != Disconnected {
		t.Errorf("SessionState() = %v after failed Connect", d.SessionState())
	}
}

func TestConnectOtherErrorClosesLink(t *testing.T) {
	m := newMockBoard()
	errUnplugged := errors.New("adapter unplugged")
	m.sendErr = errUnplugged
	d := newTestDevice(t, m, 5)

	if err := d.Connect(); !errors.Is(err, errUnplugged) {
		t.Fatalf("Connect() error = %v, want %v", err, errUnplugged)
	}
	if m.dials != 1 {
		t.Errorf("%d dials, want 1 (not retried)", m.dials)
	}
	if !m.closed {
		t.Error("transport left open after a failed handshake")
	}
	if d.SessionState() != Disconnected || d.API() != 0 {
		t.Errorf("after failed Connect: state %v, api %v", d.SessionState(), d.API())
	}

	if err := d.Connect(); err != nil {
		t.Fatal(err)
	}
	if m.dials != 2 {
		t.Errorf("%d dials, want a fresh one for the second Connect", m.dials)
	}
}

func TestConnectWrongHeader(t *testing.T) {
	m := newMockBoard()
	m.header = "BITalino v5.1"
	d := newTestDevice(t, m, 0)
	if err := d.Connect(); !errors.Is(err, ErrContactingDevice) {
		t.Errorf("Connect() error = %v, want ErrContactingDevice", err)
	}
}

func TestConnectInvalidAddress(t *testing.T) {
	m := newMockBoard()
	d := NewDevice(Config{Address: "zz", Mode: ComModeBluetooth, Dial: m.dial})
	if err := d.Connect(); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Connect() error = %v, want ErrInvalidAddress", err)
	}
	if m.dials != 0 {
		t.Errorf("dialed %d times with an invalid address", m.dials)
	}
}

func TestStartInvalid(t *testing.T) {
	d, _ := connectedDevice(t)

	tests := []struct {
		name string
		rate int
		chs  []Channel
	}{
		{"duplicate channel", 1000, []Channel{AI1, AI2, AI1}},
		{"channel out of range", 1000, []Channel{AI1, 9}},
		{"zero rate", 0, []Channel{AI1}},
		{"rate too large", MaxSampleRate + 1, []Channel{AI1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := d.Start(tt.rate, tt.chs, false); !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("Start() error = %v, want ErrInvalidParameter", err)
			}
			if d.SessionState() != Idle {
				t.Errorf("SessionState() = %v, want Idle", d.SessionState())
			}
		})
	}
}

func TestAcquisition(t *testing.T) {
	d, m := connectedDevice(t)

	if _, err := d.Read(1, false); !errors.Is(err, ErrDeviceNotInAcquisition) {
		t.Errorf("Read() while idle, error = %v", err)
	}
	if err := d.Stop(); !errors.Is(err, ErrDeviceNotInAcquisition) {
		t.Errorf("Stop() while idle, error = %v", err)
	}

	chs := []Channel{AI1, AI2, AX1}
	if err := d.Start(1000, chs, false); err != nil {
		t.Fatal(err)
	}
	if d.SessionState() != Acquiring || d.SampleRate() != 1000 || d.PacketSize() != 8 {
		t.Errorf("after Start: state %v, rate %d, packet size %d", d.SessionState(), d.SampleRate(), d.PacketSize())
	}
	if !reflect.DeepEqual(m.sent[2], []byte{0x43, 0xE8, 0x03, 0x00}) {
		t.Errorf("sample rate command % x", m.sent[2])
	}
	if !reflect.DeepEqual(m.lastSent(), []byte{0x01, 0b01000011}) {
		t.Errorf("start command % x", m.lastSent())
	}

	frames, err := d.Read(20, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 20 {
		t.Fatalf("Read(20) returned %d frames", len(frames))
	}
	for i, f := range frames {
		if want := mockFrame(i, len(chs)); !reflect.DeepEqual(f, want) {
			t.Errorf("frame %d = %+v, want %+v", i, f, want)
		}
	}
	if got := d.Stats().Frames.Load(); got != 20 {
		t.Errorf("Stats().Frames = %d", got)
	}

	frames, err = d.Read(1, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames[0].MV) != len(chs) {
		t.Errorf("converted frame has %d mV values", len(frames[0].MV))
	}

	if err := d.Start(1000, chs, false); !errors.Is(err, ErrDeviceNotIdle) {
		t.Errorf("Start() while acquiring, error = %v", err)
	}
	if err := d.Battery(10); !errors.Is(err, ErrDeviceNotIdle) {
		t.Errorf("Battery() while acquiring, error = %v", err)
	}
	if _, err := d.State(); !errors.Is(err, ErrDeviceNotIdle) {
		t.Errorf("State() while acquiring, error = %v", err)
	}
	if err := d.Trigger([2]bool{true, false}); err != nil {
		t.Errorf("Trigger() while acquiring, error = %v", err)
	}

	if err := d.Stop(); err != nil {
		t.Fatal(err)
	}
	if d.SessionState() != Idle || d.PacketSize() != 0 {
		t.Errorf("after Stop: state %v, packet size %d", d.SessionState(), d.PacketSize())
	}
	if !reflect.DeepEqual(m.lastSent(), []byte{0x00}) {
		t.Errorf("stop command % x", m.lastSent())
	}
}

func TestStartAllChannels(t *testing.T) {
	d, m := connectedDevice(t)
	if err := d.Start(100, nil, true); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(d.Channels(), AllChannels) {
		t.Errorf("Channels() = %v", d.Channels())
	}
	if d.PacketSize() != 17 {
		t.Errorf("PacketSize() = %d, want 17", d.PacketSize())
	}
	if !reflect.DeepEqual(m.lastSent(), []byte{0x02, 0xFF}) {
		t.Errorf("start command % x", m.lastSent())
	}

	frames, err := d.ReadFor(50*time.Millisecond, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 5 {
		t.Errorf("ReadFor(50ms) at 100 Hz returned %d frames", len(frames))
	}
}

func TestReadSilentDevice(t *testing.T) {
	d, m := connectedDevice(t)
	if err := d.Start(10, []Channel{AI1}, false); err != nil {
		t.Fatal(err)
	}
	m.mute = true
	if _, err := d.Read(5, false); !errors.Is(err, ErrUnknown) {
		t.Errorf("Read() from silent device, error = %v, want ErrUnknown", err)
	}
}

func TestIdleCommands(t *testing.T) {
	d, m := connectedDevice(t)

	if err := d.Battery(63); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(m.lastSent(), []byte{0xFC}) {
		t.Errorf("battery command % x", m.lastSent())
	}
	if err := d.Battery(64); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("Battery(64) error = %v", err)
	}

	if err := d.DAC(3.3); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(m.lastSent(), []byte{0xA3, 0xFF}) {
		t.Errorf("dac command % x", m.lastSent())
	}
	if err := d.DAC(3.4); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("DAC(3.4) error = %v", err)
	}

	if err := d.Trigger([2]bool{false, true}); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(m.lastSent(), []byte{0xBB}) {
		t.Errorf("trigger command % x", m.lastSent())
	}

	m.status = Status{
		Analog:           [6]uint16{1, 2, 3, 4, 5, 4095},
		Battery:          3000,
		BatteryThreshold: 20,
		Digital:          [4]bool{true, false, false, true},
	}
	st, err := d.State()
	if err != nil {
		t.Fatal(err)
	}
	if *st != m.status {
		t.Errorf("State() = %+v, want %+v", st, m.status)
	}
}

func TestDisconnect(t *testing.T) {
	d, m := connectedDevice(t)
	if err := d.Start(1000, []Channel{AI3}, false); err != nil {
		t.Fatal(err)
	}
	if err := d.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if d.SessionState() != Disconnected {
		t.Errorf("SessionState() = %v", d.SessionState())
	}
	if !m.closed {
		t.Error("transport not closed")
	}
	if !reflect.DeepEqual(m.lastSent(), []byte{0x00}) {
		t.Errorf("acquisition not stopped before disconnect, last command % x", m.lastSent())
	}

	if err := d.Disconnect(); err != nil {
		t.Errorf("Disconnect() while disconnected, error = %v", err)
	}
	if err := d.Battery(1); !errors.Is(err, ErrDeviceNotIdle) {
		t.Errorf("Battery() while disconnected, error = %v", err)
	}
}

func TestStatusCRC(t *testing.T) {
	s := Status{Battery: 1234, Digital: [4]bool{false, true, false, false}}
	b := s.Bytes()
	if _, err := parseStatus(b); err != nil {
		t.Fatal(err)
	}
	b[3] ^= 0x01
	if _, err := parseStatus(b); !errors.Is(err, ErrContactingDevice) {
		t.Errorf("parseStatus() with corrupt byte, error = %v", err)
	}
}
