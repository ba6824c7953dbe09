// Package serial provides the byte transport to an EBB controller
// board: a raw termios tty for real hardware, or a TCP stream for the
// mock EBB. It also finds an attached EBB by USB enumeration.
//
// Read blocks until data arrives or the port is closed. Reply timeouts
// belong to the protocol layer, which knows when a reply is due; an
// idle port between plots is not an error.
package serial

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = errors.New("serial: port closed")

// Config holds serial port configuration.
type Config struct {
	// Device path (e.g. /dev/ttyACM0).
	Device string

	// BaudRate is nominal for the EBB (a USB CDC device), but termios
	// still wants one. Default 9600.
	BaudRate int

	// RTS/DTR state to assert on connect.
	RTSOnConnect bool
	DTROnConnect bool
}

// DefaultConfig returns the standard EBB port configuration.
func DefaultConfig() Config {
	return Config{
		BaudRate:     9600,
		RTSOnConnect: true,
		DTROnConnect: true,
	}
}

// Port is one open connection to an EBB. Exactly one of fd/conn is
// active depending on how it was opened.
type Port struct {
	mu     sync.Mutex
	closed bool
	device string

	fd         int
	oldTermios *unix.Termios

	conn net.Conn
}

// Open opens and configures a serial device: raw mode, 8N1, modem
// control lines asserted per config, stale input flushed.
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}
	fail := func(op string, err error) (*Port, error) {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: %s %s: %w", op, cfg.Device, err)
	}

	oldTermios, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return fail("get termios for", err)
	}

	t := *oldTermios
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN

	speed, customBaud, err := baudSpeed(cfg.BaudRate)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	setSpeed(&t, speed)

	// VMIN=0/VTIME=1: reads return every 100ms when idle, which lets
	// Port.Read notice a concurrent Close.
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 1

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &t); err != nil {
		return fail("set termios on", err)
	}
	if customBaud > 0 {
		if err := setCustomBaudRate(fd, customBaud); err != nil {
			return fail("set baud rate on", err)
		}
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		return fail("set blocking on", err)
	}

	setModemControl(fd, cfg.RTSOnConnect, cfg.DTROnConnect)

	// Drop anything the board printed before we attached.
	unix.IoctlSetInt(fd, ioctlTCFlush, unix.TCIOFLUSH)

	return &Port{fd: fd, device: cfg.Device, oldTermios: oldTermios}, nil
}

// OpenTCP connects to a mock EBB listening on address (host:port),
// retrying while the server is not up yet until timeout elapses.
func OpenTCP(address string, timeout time.Duration) (*Port, error) {
	if address == "" {
		return nil, errors.New("serial: TCP address required")
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", address, time.Until(deadline))
		if err == nil {
			return &Port{fd: -1, device: address, conn: conn}, nil
		}
		var opErr *net.OpError
		retriable := errors.As(err, &opErr) && !opErr.Timeout()
		if !retriable || !time.Now().Before(deadline) {
			return nil, fmt.Errorf("serial: connect to %s: %w", address, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Device returns the device path or address this port was opened with.
func (p *Port) Device() string {
	return p.device
}

func (p *Port) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Read fills buf with at least one byte, blocking until data arrives.
// It returns ErrClosed once the port has been closed.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	conn, fd := p.conn, p.fd
	p.mu.Unlock()

	if conn != nil {
		n, err := conn.Read(buf)
		if err != nil && p.isClosed() {
			return n, ErrClosed
		}
		return n, err
	}

	for {
		n, err := unix.Read(fd, buf)
		switch {
		case err == unix.EINTR:
			continue
		case err != nil:
			if p.isClosed() {
				return 0, ErrClosed
			}
			return 0, fmt.Errorf("serial: read: %w", err)
		case n > 0:
			return n, nil
		}
		// VTIME expired with no data.
		if p.isClosed() {
			return 0, ErrClosed
		}
	}
}

// Write writes buf to the port.
func (p *Port) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	conn, fd := p.conn, p.fd
	p.mu.Unlock()

	if conn != nil {
		return conn.Write(buf)
	}
	n, err := unix.Write(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("serial: write: %w", err)
	}
	return n, nil
}

// Close closes the port, restoring the original tty settings, and
// unblocks any pending Read.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	if p.conn != nil {
		return p.conn.Close()
	}
	if p.oldTermios != nil {
		unix.IoctlSetTermios(p.fd, ioctlSetTermios, p.oldTermios)
	}
	return unix.Close(p.fd)
}

// setModemControl asserts or clears RTS and DTR. Some USB serial
// adapters have no modem control; failures are ignored.
func setModemControl(fd int, rts, dtr bool) {
	status, err := unix.IoctlGetInt(fd, unix.TIOCMGET)
	if err != nil {
		return
	}
	for _, bit := range []struct {
		flag int
		on   bool
	}{{unix.TIOCM_RTS, rts}, {unix.TIOCM_DTR, dtr}} {
		if bit.on {
			status |= bit.flag
		} else {
			status &^= bit.flag
		}
	}
	unix.IoctlSetInt(fd, unix.TIOCMSET, status)
}

var standardSpeeds = map[int]uint32{
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

// baudSpeed converts a baud rate to a termios speed constant. The
// second return is non-zero when the rate must instead be set with a
// platform-specific ioctl after termios configuration.
func baudSpeed(baud int) (uint32, int, error) {
	if speed, ok := standardSpeeds[baud]; ok {
		return speed, 0, nil
	}
	switch runtime.GOOS {
	case "linux":
		// BOTHER: encode the rate directly.
		return 0x1000 | uint32(baud), 0, nil
	case "darwin":
		// Configure a standard rate, then override via IOSSIOSPEED.
		return unix.B9600, baud, nil
	}
	return 0, 0, fmt.Errorf("serial: unsupported baud rate %d", baud)
}

// setCustomBaudRate applies a non-standard rate with the IOSSIOSPEED
// ioctl (_IOW('T', 2, speed_t)). Only reachable on darwin.
func setCustomBaudRate(fd, baud int) error {
	const iossiospeed = 0x80045402
	return unix.IoctlSetPointerInt(fd, iossiospeed, baud)
}
