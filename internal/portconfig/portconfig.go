// Package portconfig holds the data model shared by the registry and the
// session engine: PortConfig and the read-only views derived from it. It
// is a leaf package so that both internal/registry (which owns
// PortConfig) and internal/session (which only ever sees a snapshot of
// one) can import it without an import cycle.
package portconfig

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cybroslabs/serial-gateway/internal/serial"
)

// Mode selects how a session pumps bytes between its TCP socket and UART
// channel.
type Mode int

const (
	ModeRaw Mode = iota
	ModeRawLP
	ModeTelnet
)

func (m Mode) String() string {
	switch m {
	case ModeRaw:
		return "raw"
	case ModeRawLP:
		return "rawlp"
	case ModeTelnet:
		return "telnet"
	default:
		return "unknown"
	}
}

// ParseMode accepts the lowercase spellings used on the wire (control
// port, HTTP JSON, boot document).
func ParseMode(s string) (Mode, error) {
	switch s {
	case "raw":
		return ModeRaw, nil
	case "rawlp":
		return ModeRawLP, nil
	case "telnet":
		return ModeTelnet, nil
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalid, s)
	}
}

// ErrInvalid is the sentinel wrapped by every PortConfig.Validate failure.
var ErrInvalid = errors.New("portconfig: invalid")

// PortConfig describes one configurable UART-to-TCP pairing. It is always
// passed and stored by value: no field aliases mutable state, so a copy is
// a true independent snapshot.
type PortConfig struct {
	PortID     int
	TCPPort    int
	TCPBacklog int

	Binding serial.Binding
	Params  serial.Params

	Mode                  Mode
	IdleTimeoutMS         int
	Enabled               bool
	MaxConcurrentSessions int // default 1: one peer at a time, as RS-232 implies
}

// Validate checks the invariants owned by a single PortConfig in
// isolation (uniqueness across the registry is checked by the registry).
func (c PortConfig) Validate() error {
	if c.TCPPort <= 0 || c.TCPPort > 65535 {
		return fmt.Errorf("%w: tcp_port %d out of range", ErrInvalid, c.TCPPort)
	}
	if c.TCPBacklog < 0 {
		return fmt.Errorf("%w: negative tcp_backlog", ErrInvalid)
	}
	if c.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("%w: max_concurrent_sessions must be >= 1", ErrInvalid)
	}
	if c.Binding.UARTNum < 0 {
		return fmt.Errorf("%w: uart_num must be >= 0", ErrInvalid)
	}
	switch c.Mode {
	case ModeRaw, ModeRawLP, ModeTelnet:
	default:
		return fmt.Errorf("%w: unknown mode %d", ErrInvalid, c.Mode)
	}
	if c.IdleTimeoutMS < 0 {
		return fmt.Errorf("%w: negative idle_timeout_ms", ErrInvalid)
	}
	if err := c.Params.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// UARTConflicts reports whether c and other claim the same UART
// peripheral; used by the registry to reject a second enabled port on one
// UART.
func (c PortConfig) UARTConflicts(other PortConfig) bool {
	return c.Binding.UARTNum == other.Binding.UARTNum
}

// ActiveSessionView is a read-only snapshot of one live session, safe to
// hand to HTTP/control-port callers: it never aliases session-internal
// state.
type ActiveSessionView struct {
	SessionID uuid.UUID
	PortID    int
	TCPPort   int
	Peer      string
	BytesRX   int64
	BytesTX   int64
	AgeMS     int64
}
