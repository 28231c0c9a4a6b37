// Package serial provides the capability layer over a UART peripheral:
// open/close, framing parameters, nonblocking byte transfer, modem control
// lines and line status. It deliberately knows nothing about TCP, RFC 2217
// or sessions — those live above it.
package serial

import (
	"errors"
	"fmt"
	"time"
)

// Parity selects the parity bit mode of a UART frame.
type Parity byte

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityOdd:
		return "odd"
	case ParityEven:
		return "even"
	default:
		return fmt.Sprintf("Parity(%d)", byte(p))
	}
}

// StopBits selects the number of stop bits. 1.5 stop bits only makes sense
// paired with 5 data bits, same as real UART hardware.
type StopBits byte

const (
	StopBits1 StopBits = iota
	StopBits15
	StopBits2
)

func (s StopBits) String() string {
	switch s {
	case StopBits1:
		return "1"
	case StopBits15:
		return "1.5"
	case StopBits2:
		return "2"
	default:
		return fmt.Sprintf("StopBits(%d)", byte(s))
	}
}

// FlowControl selects how the link paces the sender.
type FlowControl byte

const (
	FlowNone FlowControl = iota
	FlowRTSCTS
)

func (f FlowControl) String() string {
	switch f {
	case FlowNone:
		return "none"
	case FlowRTSCTS:
		return "rts_cts"
	default:
		return fmt.Sprintf("FlowControl(%d)", byte(f))
	}
}

// Params is the full set of framing parameters a Channel can be
// reprogrammed with at runtime via ApplyParams.
type Params struct {
	Baud     int
	DataBits int // 5..8
	Parity   Parity
	StopBits StopBits
	Flow     FlowControl
}

// standardBauds mirrors the fixed baud table RFC 2217 SET-BAUDRATE
// validates against: restrict to a short list of standard rates rather
// than accepting an arbitrary 32-bit value.
var standardBauds = map[int]bool{
	50: true, 75: true, 110: true, 134: true, 150: true, 200: true,
	300: true, 600: true, 1200: true, 1800: true, 2400: true, 4800: true,
	9600: true, 19200: true, 38400: true, 57600: true, 115200: true,
	230400: true, 460800: true, 500000: true, 576000: true, 921600: true,
	1000000: true, 1152000: true, 1500000: true, 2000000: true,
	2500000: true, 3000000: true, 3500000: true, 4000000: true,
}

// Validate reports whether p describes a frame this driver can program.
func (p Params) Validate() error {
	if !standardBauds[p.Baud] {
		return fmt.Errorf("%w: baud rate %d", ErrConfigInvalid, p.Baud)
	}
	switch p.DataBits {
	case 5, 6, 7, 8:
	default:
		return fmt.Errorf("%w: data bits %d", ErrConfigInvalid, p.DataBits)
	}
	switch p.Parity {
	case ParityNone, ParityOdd, ParityEven:
	default:
		return fmt.Errorf("%w: parity %v", ErrConfigInvalid, p.Parity)
	}
	switch p.StopBits {
	case StopBits1, StopBits15, StopBits2:
	default:
		return fmt.Errorf("%w: stop bits %v", ErrConfigInvalid, p.StopBits)
	}
	if p.StopBits == StopBits15 && p.DataBits != 5 {
		return fmt.Errorf("%w: 1.5 stop bits requires 5 data bits", ErrConfigInvalid)
	}
	switch p.Flow {
	case FlowNone, FlowRTSCTS:
	default:
		return fmt.Errorf("%w: flow control %v", ErrConfigInvalid, p.Flow)
	}
	return nil
}

// FlushDirection selects which queue Flush discards.
type FlushDirection int

const (
	FlushRX FlushDirection = iota
	FlushTX
	FlushBoth
)

// ModemStatus reports the live state of the modem control/status lines.
type ModemStatus struct {
	DTR, RTS, CTS, DSR, DCD, RI bool
	// Break, Overrun, ParityErr and FramingErr are the line-status flags
	// RFC 2217 NOTIFY-LINESTATE reports. Neither the Linux driver nor
	// FakeChannel sets them; they always read false.
	Break, Overrun, ParityErr, FramingErr bool
}

var (
	// ErrConfigInvalid means the requested parameters cannot be programmed
	// onto this hardware (bad pin, unsupported baud, ...).
	ErrConfigInvalid = errors.New("serial: invalid configuration")
	// ErrClosed means the channel was closed; no further I/O is possible.
	ErrClosed = errors.New("serial: channel closed")
	// ErrIdle means Read's deadline elapsed with no bytes available.
	ErrIdle = errors.New("serial: read idle")
	// ErrWouldBlock means Write could not accept any bytes without
	// blocking past the deadline.
	ErrWouldBlock = errors.New("serial: write would block")
)

// Channel is one open UART, exclusive to a single caller for its lifetime.
// Failure to configure the hardware at Open is terminal: Open releases the
// device and returns no Channel. An ApplyParams error on an open Channel
// does not close it.
type Channel interface {
	// ApplyParams reprograms framing. Pending TX drains before the new
	// framing takes effect; bytes written after ApplyParams returns use
	// the new parameters.
	ApplyParams(p Params) error

	// Read blocks until data arrives, the deadline elapses (returning
	// ErrIdle), or the channel closes (returning ErrClosed).
	Read(buf []byte, deadline time.Time) (int, error)

	// Write returns the number of bytes actually accepted. A deadline in
	// the past makes Write nonblocking, returning ErrWouldBlock if no
	// bytes could be accepted immediately.
	Write(buf []byte, deadline time.Time) (int, error)

	// SetModem asserts DTR/RTS. Only meaningful when flow control is not
	// hardware-managed; with FlowRTSCTS the driver owns RTS.
	SetModem(dtr, rts bool) error

	// ModemStatus reports the current modem control and status lines.
	ModemStatus() (ModemStatus, error)

	// SendBreak asserts a break condition for the given duration. A zero
	// duration toggles break on with no auto-clear; callers needing that
	// must call SendBreak(0) then ClearBreak.
	SendBreak(d time.Duration) error
	ClearBreak() error

	Flush(dir FlushDirection) error

	Close() error
}

// Binding names the physical UART and pins a Channel is opened against.
// PinUnchanged is the sentinel the registry uses for "leave this pin as
// currently wired" in a pin-override request.
const PinUnchanged = -1

type Binding struct {
	UARTNum int
	TXPin   int
	RXPin   int
	RTSPin  int // PinUnchanged if unused
	CTSPin  int // PinUnchanged if unused
}
