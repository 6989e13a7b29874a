package scientisst

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultSettleDelay precedes every command, the firmware drops commands
	// sent back to back
	DefaultSettleDelay = 250 * time.Millisecond
	// DefaultConnectionTries is the number of handshake retries
	DefaultConnectionTries = 5

	versionReplyMax = 1024
)

// Config describes how to reach a device
type Config struct {
	Address string
	Mode    ComMode
	API     APIMode

	// ConnectionTries is the number of extra handshake attempts made when
	// the device does not answer
	ConnectionTries int
	Timeout         time.Duration
	Baud            int
	SettleDelay     time.Duration

	// Dial opens the transport, Dial from this package if nil
	Dial DialFunc
}

// Stats are running counters of a Device, safe to read from other goroutines
type Stats struct {
	Frames     atomic.Uint64
	Bytes      atomic.Uint64
	Resyncs    atomic.Uint64
	Reads      atomic.Uint64
	Truncated  atomic.Uint64
	Handshakes atomic.Uint64
}

// Device is a session with one ScientISST board. It is not safe for
// concurrent use: all operations must come from the same goroutine.
type Device struct {
	cfg   Config
	state DeviceState
	link  Transport

	api        APIMode
	version    string
	cal        *Calibration
	sampleRate int
	channels   []Channel
	decoder    *Decoder

	stats Stats
}

// NewDevice is the factory method to create a new, disconnected Device
func NewDevice(cfg Config) *Device {
	if cfg.API == 0 {
		cfg.API = APIScientISST
	}
	if cfg.ConnectionTries < 0 {
		cfg.ConnectionTries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.Dial == nil {
		cfg.Dial = Dial
	}
	return &Device{cfg: cfg, state: Disconnected}
}

// SessionState returns the protocol state of the session
func (d *Device) SessionState() DeviceState { return d.state }

// API returns the protocol mode in use
func (d *Device) API() APIMode { return d.api }

// Version returns the firmware version string read during Connect
func (d *Device) Version() string { return d.version }

// Calibration returns the ADC characteristics read during Connect
func (d *Device) Calibration() *Calibration { return d.cal }

// SampleRate returns the rate of the running acquisition, 0 when not acquiring
func (d *Device) SampleRate() int { return d.sampleRate }

// Channels returns the active channels in activation order
func (d *Device) Channels() []Channel { return append([]Channel(nil), d.channels...) }

// PacketSize returns the acquisition packet length, 0 when not acquiring
func (d *Device) PacketSize() int {
	if d.decoder == nil {
		return 0
	}
	return d.decoder.PacketSize()
}

// Stats returns the running counters of the session
func (d *Device) Stats() *Stats { return &d.stats }

// Address returns the configured device address
func (d *Device) Address() string { return d.cfg.Address }

func (d *Device) send(cmd uint32, width int) error {
	b, err := encodeCommand(cmd, width)
	if err != nil {
		return err
	}
	time.Sleep(d.cfg.SettleDelay)
	return d.link.Send(b)
}

func (d *Device) requireIdle() error {
	switch d.state {
	case Idle:
		return nil
	case Acquiring:
		return ErrDeviceNotIdle
	}
	return fmt.Errorf("not connected: %w", ErrDeviceNotIdle)
}

// Connect opens the transport and performs the version handshake, retrying
// up to Config.ConnectionTries times when the device does not answer.
func (d *Device) Connect() error {
	if d.state != Disconnected {
		return fmt.Errorf("already connected: %w", ErrDeviceNotIdle)
	}
	if _, err := ValidateAddress(d.cfg.Mode, d.cfg.Address); err != nil {
		return err
	}
	if d.cfg.API < APIBitalino || d.cfg.API > APIJSON {
		return fmt.Errorf("api mode %d: %w", d.cfg.API, ErrInvalidParameter)
	}

	var err error
	for attempt := 0; attempt <= d.cfg.ConnectionTries; attempt++ {
		if attempt > 0 {
			log.Warnf("Handshake attempt %d failed: %v, retrying", attempt, err)
		}
		d.stats.Handshakes.Add(1)
		err = d.handshake()
		if err == nil {
			d.state = Idle
			log.Infof("Connected to %v, firmware %q, vref %d mV, attenuation %d", d.cfg.Address, d.version, d.cal.Vref, d.cal.Attenuation)
			return nil
		}
		if !errors.Is(err, ErrContactingDevice) {
			return err
		}
	}
	return err
}

func (d *Device) handshake() error {
	if d.link == nil {
		link, err := d.cfg.Dial(d.cfg.Mode, d.cfg.Address, LinkOptions{Baud: d.cfg.Baud, Timeout: d.cfg.Timeout})
		if err != nil {
			return err
		}
		d.link = link
	}

	if err := d.changeAPI(d.cfg.API); err != nil {
		return d.dropLink(err)
	}
	version, cal, err := d.readVersion()
	if err != nil {
		return d.dropLink(err)
	}
	d.version, d.cal = version, cal
	return nil
}

// dropLink closes a transport that failed the handshake, whatever the error,
// so the next attempt or Connect call redials
func (d *Device) dropLink(err error) error {
	d.link.Close()
	d.link = nil
	d.api = 0
	return err
}

// readVersion asks for the version string, which is terminated by a NUL byte
// and followed by the calibration payload
func (d *Device) readVersion() (string, *Calibration, error) {
	if err := d.link.Drain(); err != nil {
		return "", nil, err
	}
	if err := d.send(cmdVersion, 0); err != nil {
		return "", nil, err
	}

	var reply []byte
	for {
		idx := bytes.IndexByte(reply, 0x00)
		if idx >= 0 && len(reply) >= idx+1+CalibrationSize {
			break
		}
		if len(reply) > versionReplyMax {
			return "", nil, fmt.Errorf("version reply exceeds %d bytes: %w", versionReplyMax, ErrContactingDevice)
		}
		b, err := d.link.Recv(versionReplyMax, false)
		if err != nil {
			return "", nil, err
		}
		if len(b) == 0 {
			return "", nil, fmt.Errorf("no version reply: %w", ErrContactingDevice)
		}
		reply = append(reply, b...)
	}

	idx := bytes.IndexByte(reply, 0x00)
	header := d.api.header()
	if !bytes.HasPrefix(reply, []byte(header)) {
		return "", nil, fmt.Errorf("unexpected version header %q, expected %v: %w", reply[:idx], header, ErrContactingDevice)
	}
	version := strings.TrimSpace(string(reply[len(header):idx]))

	cal, err := ParseCalibration(reply[idx+1 : idx+1+CalibrationSize])
	if err != nil {
		return "", nil, err
	}
	return version, cal, nil
}

// ChangeAPI switches the protocol mode of the firmware
func (d *Device) ChangeAPI(mode APIMode) error {
	if err := d.requireIdle(); err != nil {
		return err
	}
	return d.changeAPI(mode)
}

func (d *Device) changeAPI(mode APIMode) error {
	cmd, err := apiCommand(mode)
	if err != nil {
		return err
	}
	if err := d.send(cmd, 0); err != nil {
		return err
	}
	d.api = mode
	return nil
}

// Start begins an acquisition of chs at sampleRate Hz. Channels keep the
// given order in every Frame; an empty list selects all eight. A failed
// Start leaves the device idle.
func (d *Device) Start(sampleRate int, chs []Channel, simulated bool) error {
	if err := d.requireIdle(); err != nil {
		return err
	}
	if d.api != APIScientISST {
		return fmt.Errorf("acquisition in %v mode: %w", d.api, ErrNotSupported)
	}
	if len(chs) == 0 {
		chs = AllChannels
	}
	mask, err := channelMask(chs)
	if err != nil {
		return err
	}
	srCmd, err := sampleRateCommand(sampleRate)
	if err != nil {
		return err
	}

	if err := d.link.Drain(); err != nil {
		return err
	}
	if err := d.send(srCmd, 4); err != nil {
		return err
	}
	// Cleanup existing data in the link
	if err := d.link.Drain(); err != nil {
		return err
	}
	if err := d.send(startCommand(mask, simulated), 0); err != nil {
		return err
	}

	d.channels = append([]Channel(nil), chs...)
	d.sampleRate = sampleRate
	d.decoder = NewDecoder(d.channels, d.cal)
	d.state = Acquiring
	log.Debugf("Acquisition started: %d Hz, channels %v, packet size %d", sampleRate, d.channels, d.decoder.PacketSize())
	return nil
}

// Read returns up to n frames. It blocks until the packets arrive; if the
// stream breaks off during CRC resynchronization the frames decoded so far
// are returned. ErrUnknown means the device sent nothing at all.
func (d *Device) Read(n int, convert bool) ([]Frame, error) {
	if d.state != Acquiring {
		return nil, ErrDeviceNotInAcquisition
	}
	if n <= 0 {
		return nil, fmt.Errorf("frame count %d: %w", n, ErrInvalidParameter)
	}
	d.stats.Reads.Add(1)

	buf, err := d.link.Recv(n*d.decoder.PacketSize(), true)
	if len(buf) == 0 {
		return nil, fmt.Errorf("device stopped sending frames: %v: %w", err, ErrUnknown)
	}
	if err != nil {
		log.Warnf("Short read: %v", err)
	}

	bytesRead := len(buf)
	more := func() ([]byte, error) {
		b, err := d.link.Recv(1, true)
		bytesRead += len(b)
		return b, err
	}
	frames, resyncs := d.decoder.decodeFrames(buf, n, more, convert)

	d.stats.Bytes.Add(uint64(bytesRead))
	d.stats.Frames.Add(uint64(len(frames)))
	d.stats.Resyncs.Add(uint64(resyncs))
	if len(frames) < n {
		d.stats.Truncated.Add(1)
	}
	return frames, nil
}

// ReadFor reads the frames covering duration dur at the current sample rate
func (d *Device) ReadFor(dur time.Duration, convert bool) ([]Frame, error) {
	if d.state != Acquiring {
		return nil, ErrDeviceNotInAcquisition
	}
	n := int(dur.Seconds() * float64(d.sampleRate))
	if n < 1 {
		n = 1
	}
	return d.Read(n, convert)
}

// Stop ends the acquisition and returns to idle
func (d *Device) Stop() error {
	if d.state != Acquiring {
		return ErrDeviceNotInAcquisition
	}

	err := d.send(cmdIdle, 0)
	d.state = Idle
	d.channels = nil
	d.sampleRate = 0
	d.decoder = nil
	if err != nil {
		return err
	}
	return d.link.Drain()
}

// Battery sets the low battery LED threshold, 0 (3.4V) to 63 (3.8V)
func (d *Device) Battery(value int) error {
	if err := d.requireIdle(); err != nil {
		return err
	}
	cmd, err := batteryCommand(value)
	if err != nil {
		return err
	}
	return d.send(cmd, 0)
}

// Trigger sets the digital outputs O1 and O2. It is accepted while acquiring.
func (d *Device) Trigger(outputs [2]bool) error {
	if d.state == Disconnected {
		return fmt.Errorf("not connected: %w", ErrDeviceNotIdle)
	}
	return d.send(triggerCommand(outputs), 0)
}

// DAC sets the analog output to voltage, 0 to 3.3V
func (d *Device) DAC(voltage float64) error {
	if err := d.requireIdle(); err != nil {
		return err
	}
	cmd, err := dacCommand(voltage)
	if err != nil {
		return err
	}
	return d.send(cmd, 2)
}

// State reads the status block of the device
func (d *Device) State() (*Status, error) {
	if err := d.requireIdle(); err != nil {
		return nil, err
	}
	if err := d.send(cmdState, 0); err != nil {
		return nil, err
	}
	b, err := d.link.Recv(StatusSize, true)
	if err != nil {
		return nil, err
	}
	return parseStatus(b)
}

// Disconnect stops a running acquisition and closes the transport. It is
// legal in any state.
func (d *Device) Disconnect() error {
	var err error
	if d.state == Acquiring {
		if err = d.Stop(); err != nil {
			log.Warnf("Stop before disconnect failed: %v", err)
		}
	}
	if d.link != nil {
		if cerr := d.link.Close(); cerr != nil && err == nil {
			err = cerr
		}
		d.link = nil
	}
	d.state = Disconnected
	d.cal = nil
	d.version = ""
	log.Infof("Disconnected from %v", d.cfg.Address)
	return err
}
