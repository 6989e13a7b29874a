package scientisst

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

// Transport is the byte stream to the device.
//
// Recv with exact set blocks until n bytes arrived or the link timeout fires,
// in which case the bytes received so far are returned with an error. Without
// exact it waits for the first chunk and returns whatever is available,
// possibly nothing. Drain discards buffered input without blocking.
type Transport interface {
	Send(b []byte) error
	Recv(n int, exact bool) ([]byte, error)
	Drain() error
	Close() error
}

// ComMode selects how the device is reached
type ComMode byte

const (
	ComModeBluetooth ComMode = iota // RFCOMM, address is the MAC
	ComModeSerial                   // address is the port, e.g. /dev/rfcomm0 or COM3
	ComModeTCP                      // address is host:port, a bare port means scientisst.local
	ComModeTCPServer                // address is the port to listen on, the device connects to us
)

func (m ComMode) String() string {
	switch m {
	case ComModeBluetooth:
		return "bt"
	case ComModeSerial:
		return "serial"
	case ComModeTCP:
		return "tcp"
	case ComModeTCPServer:
		return "tcp-server"
	}
	return "ComMode(" + strconv.Itoa(int(m)) + ")"
}

const (
	// DefaultTimeout bounds every wait for device data
	DefaultTimeout = 3 * time.Second
	// DefaultBaud is the serial port speed of the firmware
	DefaultBaud = 115200
	// defaultTCPHost is the mDNS name the firmware announces in access point mode
	defaultTCPHost = "scientisst.local"
	rfcommChannel  = 1
)

// LinkOptions tune a Transport created by Dial
type LinkOptions struct {
	Baud    int
	Timeout time.Duration
}

// DialFunc opens a Transport. Device uses Dial unless Config.Dial is set.
type DialFunc func(mode ComMode, address string, opts LinkOptions) (Transport, error)

// ParseLink maps a connection string to a mode and address. Accepted forms are
// bt://[mac], tcp://[host]:[port] (or socket://), tcp-server://:[port],
// serial://[device], file://[device] and a plain device path.
func ParseLink(link string) (ComMode, string, error) {
	if mac, ok := strings.CutPrefix(link, "bt://"); ok {
		return ComModeBluetooth, mac, nil
	}
	if port, ok := strings.CutPrefix(link, "tcp-server://"); ok {
		return ComModeTCPServer, port, nil
	}

	u, err := url.Parse(link)
	if err != nil {
		return 0, "", fmt.Errorf("%v: %w", err, ErrInvalidAddress)
	}
	switch u.Scheme {
	case "socket", "tcp":
		return ComModeTCP, u.Host, nil
	case "serial", "file", "":
		p := u.Path
		if u.Host != "" {
			p = u.Host + p
		}
		return ComModeSerial, p, nil
	}
	return 0, "", fmt.Errorf("can not find a valid connection string in %q: %w", link, ErrInvalidAddress)
}

// ValidateAddress checks that address fits mode and returns it in the form
// used for dialing. It does no I/O.
func ValidateAddress(mode ComMode, address string) (string, error) {
	switch mode {
	case ComModeBluetooth:
		mac, err := parseMAC(address)
		if err != nil {
			return "", err
		}
		return net.HardwareAddr(mac[:]).String(), nil
	case ComModeSerial:
		if address == "" || strings.ContainsAny(address, " \t\n") {
			return "", fmt.Errorf("serial port %q: %w", address, ErrInvalidAddress)
		}
		return address, nil
	case ComModeTCP:
		if isPort(address) {
			return net.JoinHostPort(defaultTCPHost, address), nil
		}
		host, port, err := net.SplitHostPort(address)
		if err != nil || host == "" || !isPort(port) {
			return "", fmt.Errorf("tcp address %q: %w", address, ErrInvalidAddress)
		}
		return address, nil
	case ComModeTCPServer:
		port := strings.TrimPrefix(address, ":")
		if !isPort(port) {
			return "", fmt.Errorf("tcp server port %q: %w", address, ErrInvalidAddress)
		}
		return ":" + port, nil
	}
	return "", fmt.Errorf("communication mode %v: %w", mode, ErrInvalidParameter)
}

func isPort(s string) bool {
	p, err := strconv.Atoi(s)
	return err == nil && p > 0 && p <= 65535 && strconv.Itoa(p) == s
}

func parseMAC(address string) ([6]byte, error) {
	var mac [6]byte
	a := strings.ToLower(address)
	if len(a) == 12 && !strings.ContainsAny(a, ":-.") {
		var b strings.Builder
		for i := 0; i < 12; i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(a[i : i+2])
		}
		a = b.String()
	}
	hw, err := net.ParseMAC(a)
	if err != nil || len(hw) != len(mac) {
		return mac, fmt.Errorf("bluetooth address %q: %w", address, ErrInvalidAddress)
	}
	copy(mac[:], hw)
	return mac, nil
}

// Dial validates address and opens the link to the device
func Dial(mode ComMode, address string, opts LinkOptions) (Transport, error) {
	addr, err := ValidateAddress(mode, address)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Baud <= 0 {
		opts.Baud = DefaultBaud
	}

	var conn io.ReadWriteCloser
	switch mode {
	case ComModeBluetooth:
		mac, _ := parseMAC(addr)
		log.Infof("Connecting to %v via RFCOMM", addr)
		conn, err = dialRFCOMM(mac)
	case ComModeSerial:
		log.Infof("Opening serial port %v at %d baud", addr, opts.Baud)
		conn, err = openSerial(addr, opts.Baud)
	case ComModeTCP:
		log.Infof("Connecting to %v", addr)
		conn, err = dialTCP(addr, opts.Timeout)
	case ComModeTCPServer:
		conn, err = acceptTCP(addr)
	}
	if errors.Is(err, ErrNotSupported) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%v %v: %v: %w", mode, addr, err, ErrContactingDevice)
	}
	return NewLink(conn, opts.Timeout), nil
}

func dialTCP(addr string, timeout time.Duration) (io.ReadWriteCloser, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
	}
	return conn, nil
}

// acceptTCP waits for exactly one device to connect on addr
func acceptTCP(addr string) (io.ReadWriteCloser, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	defer l.Close()

	log.Infof("Listening on %v, waiting for ScientISST to connect...", l.Addr())
	conn, err := l.Accept()
	if err != nil {
		return nil, err
	}
	log.Infof("ScientISST connected from %v", conn.RemoteAddr())
	return conn, nil
}

// serialPort hides the read timeouts of the port from the reader loop
type serialPort struct {
	*serial.Port
	mu     sync.Mutex
	closed bool
}

func openSerial(name string, baud int) (io.ReadWriteCloser, error) {
	p, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud, Size: 8, Parity: serial.ParityNone, StopBits: serial.Stop1, ReadTimeout: 100 * time.Millisecond})
	if err != nil {
		return nil, err
	}
	return &serialPort{Port: p}, nil
}

func (s *serialPort) Read(b []byte) (int, error) {
	for {
		n, err := s.Port.Read(b)
		if n > 0 || (err != nil && err != io.EOF) {
			return n, err
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
	}
}

func (s *serialPort) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Port.Close()
}

// Link is a Transport over any io.ReadWriteCloser. A reader goroutine feeds
// incoming bytes to Recv, so reads can be bounded by a timeout whatever the
// underlying connection supports. Recv and Drain must not be called
// concurrently.
type Link struct {
	conn    io.ReadWriteCloser
	timeout time.Duration

	rx      chan []byte
	rerr    error
	pending []byte

	wlock     sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewLink starts reading from conn
func NewLink(conn io.ReadWriteCloser, timeout time.Duration) *Link {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	l := &Link{
		conn:    conn,
		timeout: timeout,
		rx:      make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *Link) readLoop() {
	defer close(l.rx)

	b := make([]byte, 512)
	for {
		n, err := l.conn.Read(b)
		if n > 0 {
			chunk := append([]byte(nil), b[:n]...)
			log.Debugf("Read b='%# x', n=%v", chunk, n)
			select {
			case l.rx <- chunk:
			case <-l.done:
				return
			}
		}
		if err != nil {
			select {
			case <-l.done:
				log.Debugf("Closing, returning from reading loop goroutine")
			default:
				log.Errorf("Read failed: %v", err)
			}
			l.rerr = err
			return
		}
	}
}

func (l *Link) closedErr() error {
	if l.rerr == nil || l.rerr == io.EOF {
		return fmt.Errorf("link closed: %w", ErrContactingDevice)
	}
	return fmt.Errorf("%v: %w", l.rerr, ErrContactingDevice)
}

// Send writes b to the device
func (l *Link) Send(b []byte) error {
	l.wlock.Lock()
	defer l.wlock.Unlock()

	select {
	case <-l.done:
		return fmt.Errorf("write on closed link: %w", ErrContactingDevice)
	default:
	}
	n, err := l.conn.Write(b)
	log.Debugf("Write b='%# x', n=%v, err=%v", b, n, err)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrContactingDevice)
	}
	return nil
}

// Recv reads n bytes, see Transport. The timeout restarts with every chunk.
func (l *Link) Recv(n int, exact bool) ([]byte, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for len(l.pending) < n {
		if !exact && len(l.pending) > 0 {
			// Take what is there already, without waiting
			select {
			case b, ok := <-l.rx:
				if ok {
					l.pending = append(l.pending, b...)
					continue
				}
			default:
			}
			break
		}

		if timer == nil {
			timer = time.NewTimer(l.timeout)
		}
		select {
		case b, ok := <-l.rx:
			if !ok {
				return l.take(len(l.pending)), l.closedErr()
			}
			l.pending = append(l.pending, b...)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(l.timeout)
		case <-timer.C:
			if !exact {
				return nil, nil
			}
			return l.take(len(l.pending)), fmt.Errorf("timed out after %v waiting for %d bytes, received %d: %w", l.timeout, n, len(l.pending), ErrContactingDevice)
		}
	}
	if n > len(l.pending) {
		n = len(l.pending)
	}
	return l.take(n), nil
}

func (l *Link) take(n int) []byte {
	b := append([]byte(nil), l.pending[:n]...)
	l.pending = l.pending[n:]
	return b
}

// Drain discards everything received so far
func (l *Link) Drain() error {
	n := len(l.pending)
	l.pending = nil
	for {
		select {
		case b, ok := <-l.rx:
			if !ok {
				return l.closedErr()
			}
			n += len(b)
		default:
			if n > 0 {
				log.Debugf("Drained %d stale bytes", n)
			}
			return nil
		}
	}
}

// Close stops the reader and closes the connection
func (l *Link) Close() error {
	err := io.ErrClosedPipe
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})
	return err
}
