//go:build linux

package serial

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// linuxChannel is a UART opened as a Linux tty character device, grounded
// on Daedaluz-goserial/port_linux.go's termios/ioctl handling but expressed
// through golang.org/x/sys/unix instead of hand-rolled ioctl numbers, and
// reshaped from that library's blocking Port into the deadline-driven
// Channel this gateway's pump loop needs.
type linuxChannel struct {
	fd     int
	closed atomic.Bool

	mu     sync.Mutex // guards termios read-modify-write across ApplyParams/SetModem
	params Params
}

// Open opens the UART named by b and programs it with p. Failure to
// configure the hardware leaves the file descriptor closed: the caller
// need not call Close on a failed Open.
func Open(b Binding, p Params) (Channel, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/dev/ttyS%d", b.UARTNum)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", path, err)
	}

	c := &linuxChannel{fd: fd}
	if err := c.applyParamsLocked(p); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: configure %s: %w", path, err)
	}
	return c, nil
}

func baudConst(baud int) (uint32, error) {
	// Standard termios CBAUD encodings. Only the rates this module's
	// Params.Validate accepts are mapped; anything else is rejected
	// earlier by Validate.
	switch baud {
	case 50:
		return unix.B50, nil
	case 75:
		return unix.B75, nil
	case 110:
		return unix.B110, nil
	case 134:
		return unix.B134, nil
	case 150:
		return unix.B150, nil
	case 200:
		return unix.B200, nil
	case 300:
		return unix.B300, nil
	case 600:
		return unix.B600, nil
	case 1200:
		return unix.B1200, nil
	case 1800:
		return unix.B1800, nil
	case 2400:
		return unix.B2400, nil
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	case 460800:
		return unix.B460800, nil
	case 500000:
		return unix.B500000, nil
	case 576000:
		return unix.B576000, nil
	case 921600:
		return unix.B921600, nil
	case 1000000:
		return unix.B1000000, nil
	case 1152000:
		return unix.B1152000, nil
	case 1500000:
		return unix.B1500000, nil
	case 2000000:
		return unix.B2000000, nil
	case 2500000:
		return unix.B2500000, nil
	case 3000000:
		return unix.B3000000, nil
	case 3500000:
		return unix.B3500000, nil
	case 4000000:
		return unix.B4000000, nil
	default:
		return 0, fmt.Errorf("%w: baud rate %d", ErrConfigInvalid, baud)
	}
}

// ApplyParams is atomic with respect to data transfer: TCSETSW blocks
// until pending output has drained before the new framing takes effect.
func (c *linuxChannel) ApplyParams(p Params) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyParamsLocked(p)
}

func (c *linuxChannel) applyParamsLocked(p Params) error {
	t, err := unix.IoctlGetTermios(c.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	baud, err := baudConst(p.Baud)
	if err != nil {
		return err
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CBAUD | unix.CRTSCTS
	t.Cflag |= unix.CREAD | unix.CLOCAL

	switch p.DataBits {
	case 5:
		t.Cflag |= unix.CS5
	case 6:
		t.Cflag |= unix.CS6
	case 7:
		t.Cflag |= unix.CS7
	case 8:
		t.Cflag |= unix.CS8
	}
	switch p.Parity {
	case ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	case ParityEven:
		t.Cflag |= unix.PARENB
	}
	// CSTOPB selects 2 stop bits, or 1.5 when paired with CS5.
	if p.StopBits == StopBits2 || p.StopBits == StopBits15 {
		t.Cflag |= unix.CSTOPB
	}
	if p.Flow == FlowRTSCTS {
		t.Cflag |= unix.CRTSCTS
	}
	t.Cflag |= baud
	t.Ispeed = baud
	t.Ospeed = baud

	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(c.fd, unix.TCSETSW, t); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	c.params = p
	return nil
}

func (c *linuxChannel) Read(buf []byte, deadline time.Time) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if len(buf) == 0 {
		return 0, nil
	}

	ready, err := c.poll(unix.POLLIN, deadline)
	if err != nil {
		return 0, err
	}
	if !ready {
		return 0, ErrIdle
	}

	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if c.closed.Load() {
			return 0, ErrClosed
		}
		return 0, fmt.Errorf("serial read: %w", err)
	}
	if n == 0 {
		return 0, ErrClosed
	}
	return n, nil
}

func (c *linuxChannel) Write(buf []byte, deadline time.Time) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if len(buf) == 0 {
		return 0, nil
	}

	ready, err := c.poll(unix.POLLOUT, deadline)
	if err != nil {
		return 0, err
	}
	if !ready {
		return 0, ErrWouldBlock
	}

	n, err := unix.Write(c.fd, buf)
	if err != nil {
		if c.closed.Load() {
			return 0, ErrClosed
		}
		return 0, fmt.Errorf("serial write: %w", err)
	}
	return n, nil
}

func (c *linuxChannel) poll(events int16, deadline time.Time) (bool, error) {
	timeout := -1
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d < 0 {
			d = 0
		}
		timeout = int(d.Milliseconds())
	}

	fds := []unix.PollFd{{Fd: int32(c.fd), Events: events}}
	for {
		n, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll: %w", err)
		}
		return n > 0 && fds[0].Revents&events != 0, nil
	}
}

func (c *linuxChannel) SetModem(dtr, rts bool) error {
	if c.closed.Load() {
		return ErrClosed
	}
	var set, clear int
	bit := func(on bool, mask int) {
		if on {
			set |= mask
		} else {
			clear |= mask
		}
	}
	bit(dtr, unix.TIOCM_DTR)
	bit(rts, unix.TIOCM_RTS)

	if set != 0 {
		if err := unix.IoctlSetPointerInt(c.fd, unix.TIOCMBIS, set); err != nil {
			return fmt.Errorf("set modem lines: %w", err)
		}
	}
	if clear != 0 {
		if err := unix.IoctlSetPointerInt(c.fd, unix.TIOCMBIC, clear); err != nil {
			return fmt.Errorf("clear modem lines: %w", err)
		}
	}
	return nil
}

func (c *linuxChannel) ModemStatus() (ModemStatus, error) {
	if c.closed.Load() {
		return ModemStatus{}, ErrClosed
	}
	bits, err := unix.IoctlGetInt(c.fd, unix.TIOCMGET)
	if err != nil {
		return ModemStatus{}, fmt.Errorf("get modem lines: %w", err)
	}
	return ModemStatus{
		DTR: bits&unix.TIOCM_DTR != 0,
		RTS: bits&unix.TIOCM_RTS != 0,
		CTS: bits&unix.TIOCM_CTS != 0,
		DSR: bits&unix.TIOCM_DSR != 0,
		DCD: bits&unix.TIOCM_CD != 0,
		RI:  bits&unix.TIOCM_RI != 0,
	}, nil
}

func (c *linuxChannel) SendBreak(d time.Duration) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if d <= 0 {
		return unix.IoctlSetPointerInt(c.fd, unix.TIOCSBRK, 0)
	}
	if err := unix.IoctlSetPointerInt(c.fd, unix.TIOCSBRK, 0); err != nil {
		return fmt.Errorf("set break: %w", err)
	}
	time.Sleep(d)
	return c.ClearBreak()
}

func (c *linuxChannel) ClearBreak() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return unix.IoctlSetPointerInt(c.fd, unix.TIOCCBRK, 0)
}

func (c *linuxChannel) Flush(dir FlushDirection) error {
	if c.closed.Load() {
		return ErrClosed
	}
	var queue int
	switch dir {
	case FlushRX:
		queue = unix.TCIFLUSH
	case FlushTX:
		queue = unix.TCOFLUSH
	default:
		queue = unix.TCIOFLUSH
	}
	if err := unix.IoctlSetInt(c.fd, unix.TCFLSH, queue); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func (c *linuxChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return unix.Close(c.fd)
}
