// Package emulator implements a software ScientISST Sense board speaking the
// device wire protocol over any byte stream.
package emulator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/scientisst/gosense/scientisst"
	log "github.com/sirupsen/logrus"
)

// Config describes the emulated board
type Config struct {
	Firmware    string
	Calibration *scientisst.Calibration
	// Battery is the raw battery reading reported in the status block
	Battery uint16
	// Realtime paces packets at the sample rate, otherwise they are written
	// as fast as the peer reads them
	Realtime bool
	// CorruptEvery inserts a stray byte before every n-th packet, 0 never
	CorruptEvery int
}

// DefaultCalibration is the calibration of a typical board, ADC1 at 11dB
func DefaultCalibration() *scientisst.Calibration {
	cal, _ := scientisst.ParseCalibration((&scientisst.Calibration{
		ADCUnit:     1,
		Attenuation: scientisst.Atten11dB,
		BitWidth:    3,
		CoeffA:      52798,
		CoeffB:      142,
		Vref:        1100,
	}).Bytes())
	return cal
}

const (
	batchInterval = 20 * time.Millisecond
	batchPackets  = 16
)

// Board is the state of one emulated device
type Board struct {
	cfg Config

	mu               sync.Mutex
	api              scientisst.APIMode
	sampleRate       int
	channels         []scientisst.Channel
	simulated        bool
	streaming        bool
	outputs          [2]bool
	dac              uint8
	batteryThreshold uint8
	sample           int
	packets          int
	// stream is closed to stop the packet writer
	stream chan struct{}

	wlock sync.Mutex
	w     io.Writer
}

// New returns an idle board
func New(cfg Config) *Board {
	if cfg.Firmware == "" {
		cfg.Firmware = "v1.0"
	}
	if cfg.Calibration == nil {
		cfg.Calibration = DefaultCalibration()
	}
	if cfg.Battery == 0 {
		cfg.Battery = 3100
	}
	return &Board{cfg: cfg, api: scientisst.APIScientISST, sampleRate: 1000}
}

func (b *Board) write(p []byte) error {
	b.wlock.Lock()
	defer b.wlock.Unlock()
	_, err := b.w.Write(p)
	return err
}

// Serve answers the commands read from conn until it is closed or ctx is
// done. It returns nil when the peer hangs up.
func (b *Board) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	b.w = conn
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer b.stopStreaming()

	r := bufio.NewReader(conn)
	for {
		cmd, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := b.handle(cmd, r); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}

func (b *Board) handle(cmd byte, r *bufio.Reader) error {
	args := func(n int) ([]byte, error) {
		p := make([]byte, n)
		_, err := io.ReadFull(r, p)
		return p, err
	}

	switch {
	case cmd == 0x00 && b.isStreaming():
		log.Debugf("Emulator: stop")
		b.stopStreaming()
	case cmd&0x03 == 0x00:
		b.mu.Lock()
		b.batteryThreshold = cmd >> 2
		b.mu.Unlock()
		log.Debugf("Emulator: battery threshold %d", cmd>>2)
	case cmd&0x03 == 0x01 || cmd&0x03 == 0x02:
		p, err := args(1)
		if err != nil {
			return err
		}
		b.startStreaming(p[0], cmd&0x03 == 0x02)
	case cmd == 0x07:
		return b.sendVersion()
	case cmd == 0x0B:
		return b.write(b.Status().Bytes())
	case cmd == 0x43:
		p, err := args(3)
		if err != nil {
			return err
		}
		rate := int(p[0]) | int(p[1])<<8 | int(p[2])<<16
		b.mu.Lock()
		b.sampleRate = rate
		b.mu.Unlock()
		log.Debugf("Emulator: sample rate %d Hz", rate)
	case cmd == 0xA3:
		p, err := args(1)
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.dac = p[0]
		b.mu.Unlock()
		log.Debugf("Emulator: dac %d", p[0])
	case cmd&0xF3 == 0xB3:
		b.mu.Lock()
		b.outputs = [2]bool{cmd&0x04 != 0, cmd&0x08 != 0}
		b.mu.Unlock()
		log.Debugf("Emulator: outputs %v", b.Outputs())
	case cmd&0x0F == 0x03 && cmd>>4 >= 1 && cmd>>4 <= 3:
		b.mu.Lock()
		b.api = scientisst.APIMode(cmd >> 4)
		b.mu.Unlock()
		log.Debugf("Emulator: api %v", scientisst.APIMode(cmd>>4))
	default:
		log.Warnf("Emulator: unknown command %#02x", cmd)
	}
	return nil
}

func (b *Board) sendVersion() error {
	b.mu.Lock()
	header := "ScientISST"
	if b.api == scientisst.APIBitalino {
		header = "BITalino"
	}
	b.mu.Unlock()

	reply := []byte(fmt.Sprintf("%s %s", header, b.cfg.Firmware))
	reply = append(reply, 0x00)
	reply = append(reply, b.cfg.Calibration.Bytes()...)
	return b.write(reply)
}

func (b *Board) isStreaming() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streaming
}

func (b *Board) startStreaming(mask byte, simulated bool) {
	var chs []scientisst.Channel
	for i := 0; i < 8; i++ {
		if mask&(1<<i) != 0 {
			chs = append(chs, scientisst.Channel(i+1))
		}
	}

	b.mu.Lock()
	if b.streaming || len(chs) == 0 {
		b.mu.Unlock()
		return
	}
	b.channels = chs
	b.simulated = simulated
	b.streaming = true
	b.sample = 0
	b.packets = 0
	b.stream = make(chan struct{})
	stream := b.stream
	rate := b.sampleRate
	b.mu.Unlock()

	log.Debugf("Emulator: streaming %v at %d Hz, simulated %v", chs, rate, simulated)
	go b.streamLoop(stream)
}

func (b *Board) stopStreaming() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streaming {
		close(b.stream)
		b.streaming = false
	}
}

func (b *Board) streamLoop(stream chan struct{}) {
	var tick <-chan time.Time
	if b.cfg.Realtime {
		t := time.NewTicker(batchInterval)
		defer t.Stop()
		tick = t.C
	}
	start := time.Now()
	written := 0

	for {
		n := batchPackets
		if tick != nil {
			select {
			case <-stream:
				return
			case <-tick:
			}
			due := int(time.Since(start).Seconds() * float64(b.SampleRate()))
			n = due - written
		} else {
			select {
			case <-stream:
				return
			default:
			}
		}
		if n <= 0 {
			continue
		}

		buf, err := b.nextPackets(n)
		if err != nil {
			log.Errorf("Emulator: %v", err)
			return
		}
		if err := b.write(buf); err != nil {
			log.Debugf("Emulator: stream write failed: %v", err)
			return
		}
		written += n
	}
}

// nextPackets builds the next n acquisition packets
func (b *Board) nextPackets(n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var buf []byte
	for i := 0; i < n; i++ {
		f := scientisst.Frame{
			Seq: uint8(b.sample & 0x0F),
			Raw: make([]uint32, len(b.channels)),
		}
		t := float64(b.sample) / float64(b.sampleRate)
		for k, ch := range b.channels {
			f.Raw[k] = b.value(ch, t)
		}
		f.Digital = [4]bool{int(t)%2 == 0, int(t*2)%2 == 0, b.outputs[0], b.outputs[1]}

		pkt, err := scientisst.EncodePacket(b.channels, f)
		if err != nil {
			return nil, err
		}
		b.packets++
		if b.cfg.CorruptEvery > 0 && b.packets%b.cfg.CorruptEvery == 0 {
			buf = append(buf, strayByte(pkt))
		}
		buf = append(buf, pkt...)
		b.sample++
	}
	return buf, nil
}

// strayByte returns a byte that fails the CRC check when read as the start
// of pkt, so the host has to skip it
func strayByte(pkt []byte) byte {
	window := make([]byte, len(pkt))
	copy(window[1:], pkt)
	for c := 0xFF; c > 0; c-- {
		window[0] = byte(c)
		if !scientisst.ValidPacket(window) {
			return byte(c)
		}
	}
	return 0
}

// value synthesizes a sample: a sine per channel, or a ramp in simulated mode
func (b *Board) value(ch scientisst.Channel, t float64) uint32 {
	full := float64(uint32(1)<<ch.Resolution() - 1)
	if b.simulated {
		return uint32(math.Mod(t*float64(ch), 1) * full)
	}
	freq := float64(ch)
	return uint32(full/2 + full/4*math.Sin(2*math.Pi*freq*t))
}

// SampleRate returns the last sample rate set by the host
func (b *Board) SampleRate() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sampleRate
}

// Outputs returns the state of the digital outputs O1 and O2
func (b *Board) Outputs() [2]bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outputs
}

// DAC returns the last analog output code
func (b *Board) DAC() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dac
}

// API returns the protocol mode selected by the host
func (b *Board) API() scientisst.APIMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.api
}

// Status returns the status block of the board
func (b *Board) Status() *scientisst.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &scientisst.Status{
		Battery:          b.cfg.Battery,
		BatteryThreshold: b.batteryThreshold,
		Digital:          [4]bool{false, false, b.outputs[0], b.outputs[1]},
	}
	for i := range s.Analog {
		s.Analog[i] = uint16(b.value(scientisst.Channel(i+1), 0))
	}
	return s
}
