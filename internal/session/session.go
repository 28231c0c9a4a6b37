// Package session implements the per-client state machine: Opening,
// Negotiating, Running, Draining, Closed. One Session owns exactly one
// netio.Socket and one serial.Channel for its whole lifetime and drives
// the cooperative pump loop described in the core design's session
// engine section, using a bare state-machine style (a small int enum
// driving a single loop with one deadline per iteration) generalized
// from framing states to this engine's five lifecycle states, and a
// deadline-per-call pattern for both legs of the pump.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/cybroslabs/serial-gateway/internal/netio"
	"github.com/cybroslabs/serial-gateway/internal/portconfig"
	"github.com/cybroslabs/serial-gateway/internal/rfc2217"
	"github.com/cybroslabs/serial-gateway/internal/serial"
)

// State is one step of the session lifecycle.
type State int32

const (
	StateOpening State = iota
	StateNegotiating
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateNegotiating:
		return "negotiating"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Resource and timing constants fixed by the session engine design, not
// exposed as per-port configuration.
const (
	bufHighWatermark = 4096
	bufLowWatermark  = 2048
	bufAggregateCap  = 16384
	pumpDeadline     = 50 * time.Millisecond
	drainBudget      = 500 * time.Millisecond
	readChunk        = 1024
)

// EventKind names what a mailbox Event asks the session to do.
type EventKind int

const (
	EventCancel EventKind = iota
	EventReconfig
	EventDisable
)

// Event is one message posted to a session's mailbox. Reconfig carries
// the new framing in Params. The session does not act on PinOverride: the
// registry rejects pin overrides while a session is active and never
// posts one.
type Event struct {
	Kind        EventKind
	Params      serial.Params
	PinOverride *serial.Binding
}

// OpenFunc acquires and configures the UART channel for a session. It is
// called exactly once, from Run, so that UART acquisition failures are
// reported through the normal Opening->Closed transition rather than a
// separate constructor error path.
type OpenFunc func() (serial.Channel, error)

// Session is one accepted TCP client paired with an exclusive UART
// channel. Not safe for concurrent use except via Post, Cancel, State,
// Done and View, which are the only methods meant to be called from
// outside the goroutine running Run.
type Session struct {
	id      uuid.UUID
	portID  int
	tcpPort int
	mode    portconfig.Mode
	idle    time.Duration

	sock  *netio.Socket
	open  OpenFunc
	uart  serial.Channel

	dec rfc2217.Decoder
	enc rfc2217.Encoder

	state   stateBox
	cancel  cancelBox
	mailbox chan Event
	done    chan struct{}

	clock        clock.PassiveClock
	startTime    time.Time
	lastActivity time.Time
	modem        serial.ModemStatus
	haveModem    bool

	currentParamsCache serial.Params
	breakAsserted      bool
	pendingAck         []byte

	// pauseTCPRead/pauseUARTRead implement the high/low watermark
	// hysteresis: once a side trips its egress buffer's high watermark,
	// the opposite read stays paused until the buffer drains below the
	// low watermark, rather than resuming the instant it dips under high.
	pauseTCPRead  bool
	pauseUARTRead bool

	log *zap.SugaredLogger
}

// New constructs a Session. The session does not start running until Run
// is called.
func New(portID, tcpPort int, mode portconfig.Mode, idleTimeoutMS int, initial serial.Params, sock *netio.Socket, open OpenFunc, log *zap.SugaredLogger) *Session {
	return NewWithClock(portID, tcpPort, mode, idleTimeoutMS, initial, sock, open, log, clock.RealClock{})
}

// NewWithClock is New with an injected clock, so callers (tests included)
// can control startTime/lastActivity/idle-timeout bookkeeping without
// sleeping real time.
func NewWithClock(portID, tcpPort int, mode portconfig.Mode, idleTimeoutMS int, initial serial.Params, sock *netio.Socket, open OpenFunc, log *zap.SugaredLogger, clk clock.PassiveClock) *Session {
	return &Session{
		id:                 uuid.New(),
		portID:             portID,
		tcpPort:            tcpPort,
		mode:               mode,
		idle:               time.Duration(idleTimeoutMS) * time.Millisecond,
		sock:               sock,
		open:               open,
		dec:                *rfc2217.NewDecoder(),
		mailbox:            make(chan Event, 4),
		done:               make(chan struct{}),
		clock:              clk,
		startTime:          clk.Now(),
		currentParamsCache: initial,
		log:                log,
	}
}

// State reports the current lifecycle step.
func (s *Session) State() State { return s.state.load() }

// Done closes once the session has reached Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel requests the session end at the next pump iteration. Idempotent.
func (s *Session) Cancel() { s.cancel.set() }

// Post delivers ev to the session's mailbox without blocking. It returns
// false if the mailbox is full, matching the design's "no suspension
// while the registry mutation lock is held" constraint: a full mailbox is
// dropped rather than awaited.
func (s *Session) Post(ev Event) bool {
	select {
	case s.mailbox <- ev:
		return true
	default:
		return false
	}
}

// View returns a read-only snapshot for list_sessions/HTTP callers.
func (s *Session) View() portconfig.ActiveSessionView {
	rx, tx := s.sock.RxTx()
	age := time.Duration(0)
	if !s.startTime.IsZero() {
		age = s.clock.Since(s.startTime)
	}
	return portconfig.ActiveSessionView{
		SessionID: s.id,
		PortID:    s.portID,
		TCPPort:   s.tcpPort,
		Peer:      s.sock.Peer(),
		BytesRX:   rx,
		BytesTX:   tx,
		AgeMS:     age.Milliseconds(),
	}
}

// Run drives the session to completion: Opening, optional Negotiating,
// Running (the pump loop), Draining, Closed. It returns once Closed,
// after releasing both the UART channel and the socket.
func (s *Session) Run(ctx context.Context) {
	s.state.store(StateOpening)
	ch, err := s.open()
	if err != nil {
		s.logf("session open failed port=%d tcp_port=%d err=%v", s.portID, s.tcpPort, err)
		s.sock.Close()
		s.state.store(StateClosed)
		close(s.done)
		return
	}
	s.uart = ch
	defer s.uart.Close()
	defer s.sock.Close()

	s.lastActivity = s.clock.Now()

	var tcpEgress, uartEgress []byte
	if s.mode == portconfig.ModeTelnet {
		s.state.store(StateNegotiating)
		tcpEgress = append(tcpEgress, s.dec.Start()...)
		s.state.store(StateRunning)
	} else {
		s.state.store(StateRunning)
	}

	tcpBuf := make([]byte, readChunk)
	uartBuf := make([]byte, readChunk)

	for {
		s.drainMailbox()
		if len(s.pendingAck) > 0 {
			tcpEgress = append(tcpEgress, s.pendingAck...)
			s.pendingAck = nil
		}
		if s.cancel.isSet() || ctx.Err() != nil {
			break
		}
		moved := false

		// Step 1: TCP -> codec -> UART-egress, unless back-pressured.
		if watermarkGate(&s.pauseTCPRead, len(uartEgress)) {
			n, err := s.sock.Read(tcpBuf, time.Now().Add(pumpDeadline))
			if n > 0 {
				moved = true
				switch s.mode {
				case portconfig.ModeTelnet:
					data, replies, reqs := s.dec.Decode(tcpBuf[:n])
					uartEgress = append(uartEgress, data...)
					tcpEgress = append(tcpEgress, replies...)
					tcpEgress = s.handleRequests(reqs, tcpEgress)
				case portconfig.ModeRawLP:
					// Client->UART direction is discarded in rawlp.
				default:
					uartEgress = append(uartEgress, tcpBuf[:n]...)
				}
			}
			if err != nil && isFatalSocketErr(err) {
				break
			}
		}

		// Step 2: drain UART-egress.
		if len(uartEgress) > 0 {
			n, err := s.uart.Write(uartEgress, time.Now().Add(pumpDeadline))
			if n > 0 {
				moved = true
				uartEgress = uartEgress[n:]
			}
			if err != nil && isFatalUARTErr(err) {
				break
			}
		}

		// Step 3: UART -> codec -> TCP-egress, unless back-pressured.
		if watermarkGate(&s.pauseUARTRead, len(tcpEgress)) {
			n, err := s.uart.Read(uartBuf, time.Now().Add(pumpDeadline))
			if n > 0 {
				moved = true
				switch s.mode {
				case portconfig.ModeTelnet, portconfig.ModeRawLP:
					// rawlp also uses the plain byte path: no codec, no
					// doubling, just unidirectional pass-through.
					if s.mode == portconfig.ModeTelnet {
						tcpEgress = s.enc.EncodeData(tcpEgress, uartBuf[:n])
					} else {
						tcpEgress = append(tcpEgress, uartBuf[:n]...)
					}
				default:
					tcpEgress = append(tcpEgress, uartBuf[:n]...)
				}
			}
			if err != nil && isFatalUARTErr(err) {
				break
			}
			if s.mode == portconfig.ModeTelnet {
				tcpEgress = s.maybeNotify(tcpEgress)
			}
		}

		// Step 4: drain TCP-egress.
		if len(tcpEgress) > 0 {
			n, err := s.sock.Write(tcpEgress, time.Now().Add(pumpDeadline))
			if n > 0 {
				moved = true
				tcpEgress = tcpEgress[n:]
			}
			if err != nil && isFatalSocketErr(err) {
				break
			}
		}

		// Aggregate cap: if both buffers together exceed the per-session
		// ceiling, something downstream is stalled hard; end the session
		// rather than grow without bound.
		if len(tcpEgress)+len(uartEgress) > bufAggregateCap {
			s.logf("session buffer cap exceeded tcp_port=%d, ending session", s.tcpPort)
			break
		}

		// Step 5.
		if moved {
			s.lastActivity = s.clock.Now()
		}

		// Step 6.
		if s.idle > 0 && s.clock.Since(s.lastActivity) >= s.idle {
			break
		}
	}

	s.drain(tcpEgress, uartEgress)
	s.state.store(StateClosed)
	close(s.done)
}

func (s *Session) drainMailbox() {
	for {
		select {
		case ev := <-s.mailbox:
			s.applyEvent(ev)
		default:
			return
		}
	}
}

func (s *Session) applyEvent(ev Event) {
	switch ev.Kind {
	case EventCancel, EventDisable:
		s.cancel.set()
	case EventReconfig:
		if err := s.uart.ApplyParams(ev.Params); err != nil {
			s.logf("reconfig apply failed tcp_port=%d err=%v", s.tcpPort, err)
			return
		}
		s.currentParamsCache = ev.Params
		// Per the design's open question: only emit a NOTIFY if the peer
		// has actually negotiated COM-PORT-OPTION; don't push unsolicited
		// state at a peer that never asked for it. The ack rides out on
		// the next pump iteration's Step 4 flush.
		if s.mode == portconfig.ModeTelnet && s.dec.ComPortEnabled() {
			s.pendingAck = s.enc.AckBaud(s.pendingAck, uint32(ev.Params.Baud))
		}
	}
}

func (s *Session) handleRequests(reqs []rfc2217.Request, tcpEgress []byte) []byte {
	for _, r := range reqs {
		switch r.Kind {
		case rfc2217.ReqSetBaud:
			p := s.currentParams()
			if r.Baud != 0 {
				p.Baud = int(r.Baud)
				if err := s.uart.ApplyParams(p); err != nil {
					s.logf("set baud failed tcp_port=%d err=%v", s.tcpPort, err)
				} else {
					s.currentParamsCache = p
				}
			}
			tcpEgress = s.enc.AckBaud(tcpEgress, uint32(s.currentParams().Baud))
		case rfc2217.ReqSetDataSize:
			if r.Byte != rfc2217.DataSizeRequest {
				p := s.currentParams()
				p.DataBits = int(r.Byte)
				if err := s.uart.ApplyParams(p); err != nil {
					s.logf("set data size failed tcp_port=%d err=%v", s.tcpPort, err)
				} else {
					s.currentParamsCache = p
				}
			}
			tcpEgress = s.enc.AckByte(tcpEgress, rfc2217.SubSetDataSize, byte(s.currentParams().DataBits))
		case rfc2217.ReqSetParity:
			if r.Byte != rfc2217.ParityRequest {
				if parity, ok := parityFromWire(r.Byte); ok {
					p := s.currentParams()
					p.Parity = parity
					if err := s.uart.ApplyParams(p); err != nil {
						s.logf("set parity failed tcp_port=%d err=%v", s.tcpPort, err)
					} else {
						s.currentParamsCache = p
					}
				} else {
					s.logf("set parity failed tcp_port=%d err=unsupported wire value %d", s.tcpPort, r.Byte)
				}
			}
			tcpEgress = s.enc.AckByte(tcpEgress, rfc2217.SubSetParity, parityToWire(s.currentParams().Parity))
		case rfc2217.ReqSetStopSize:
			if r.Byte != rfc2217.StopSizeRequest {
				if stop, ok := stopBitsFromWire(r.Byte); ok {
					p := s.currentParams()
					p.StopBits = stop
					if err := s.uart.ApplyParams(p); err != nil {
						s.logf("set stop size failed tcp_port=%d err=%v", s.tcpPort, err)
					} else {
						s.currentParamsCache = p
					}
				} else {
					s.logf("set stop size failed tcp_port=%d err=unsupported wire value %d", s.tcpPort, r.Byte)
				}
			}
			tcpEgress = s.enc.AckByte(tcpEgress, rfc2217.SubSetStopSize, stopBitsToWire(s.currentParams().StopBits))
		case rfc2217.ReqSetControl:
			tcpEgress = s.applyControl(r.Byte, tcpEgress)
		case rfc2217.ReqPollLineState:
			v := s.lineStateByte()
			tcpEgress = s.enc.NotifyLineState(tcpEgress, v)
		case rfc2217.ReqPollModemState:
			v := s.modemStateByte()
			tcpEgress = s.enc.NotifyModemState(tcpEgress, v)
		case rfc2217.ReqSetLineStateMask, rfc2217.ReqSetModemStateMask:
			tcpEgress = s.enc.AckByte(tcpEgress, subFor(r.Kind), r.Byte)
		case rfc2217.ReqPurge:
			dir := serial.FlushBoth
			switch r.Byte {
			case rfc2217.PurgeRX:
				dir = serial.FlushRX
			case rfc2217.PurgeTX:
				dir = serial.FlushTX
			}
			_ = s.uart.Flush(dir)
			tcpEgress = s.enc.AckByte(tcpEgress, rfc2217.SubPurgeData, r.Byte)
		case rfc2217.ReqSignature:
			tcpEgress = s.enc.Signature(tcpEgress, "serial-gateway")
		}
	}
	return tcpEgress
}

func subFor(k rfc2217.RequestKind) byte {
	if k == rfc2217.ReqSetLineStateMask {
		return rfc2217.SubSetLineStateMask
	}
	return rfc2217.SubSetModemStateMask
}

func (s *Session) applyControl(v byte, tcpEgress []byte) []byte {
	p := s.currentParams()
	switch v {
	case rfc2217.ControlFlowNone:
		p.Flow = serial.FlowNone
		if err := s.uart.ApplyParams(p); err != nil {
			s.logf("set flow none failed tcp_port=%d err=%v", s.tcpPort, err)
		} else {
			s.currentParamsCache = p
		}
	case rfc2217.ControlFlowHardware:
		p.Flow = serial.FlowRTSCTS
		if err := s.uart.ApplyParams(p); err != nil {
			s.logf("set flow hardware failed tcp_port=%d err=%v", s.tcpPort, err)
		} else {
			s.currentParamsCache = p
		}
	case rfc2217.ControlBreakOn:
		_ = s.uart.SendBreak(0)
		s.breakAsserted = true
	case rfc2217.ControlBreakOff:
		_ = s.uart.ClearBreak()
		s.breakAsserted = false
	case rfc2217.ControlDTROn:
		_ = s.uart.SetModem(true, s.lastRTS())
	case rfc2217.ControlDTROff:
		_ = s.uart.SetModem(false, s.lastRTS())
	case rfc2217.ControlRTSOn:
		_ = s.uart.SetModem(s.lastDTR(), true)
	case rfc2217.ControlRTSOff:
		_ = s.uart.SetModem(s.lastDTR(), false)
	case rfc2217.ControlFlowRequest:
		return s.enc.AckByte(tcpEgress, rfc2217.SubSetControl, flowToWire(p.Flow))
	case rfc2217.ControlBreakRequest:
		return s.enc.AckByte(tcpEgress, rfc2217.SubSetControl, breakToWire(s.breakAsserted))
	case rfc2217.ControlDTRRequest:
		return s.enc.AckByte(tcpEgress, rfc2217.SubSetControl, dtrToWire(s.lastDTR()))
	case rfc2217.ControlRTSRequest:
		return s.enc.AckByte(tcpEgress, rfc2217.SubSetControl, rtsToWire(s.lastRTS()))
	}
	return s.enc.AckByte(tcpEgress, rfc2217.SubSetControl, v)
}

func parityFromWire(v byte) (serial.Parity, bool) {
	switch v {
	case rfc2217.ParityNone:
		return serial.ParityNone, true
	case rfc2217.ParityOdd:
		return serial.ParityOdd, true
	case rfc2217.ParityEven:
		return serial.ParityEven, true
	default:
		return 0, false
	}
}

func parityToWire(p serial.Parity) byte {
	switch p {
	case serial.ParityOdd:
		return rfc2217.ParityOdd
	case serial.ParityEven:
		return rfc2217.ParityEven
	default:
		return rfc2217.ParityNone
	}
}

func stopBitsFromWire(v byte) (serial.StopBits, bool) {
	switch v {
	case rfc2217.StopSize1:
		return serial.StopBits1, true
	case rfc2217.StopSize15:
		return serial.StopBits15, true
	case rfc2217.StopSize2:
		return serial.StopBits2, true
	default:
		return 0, false
	}
}

func stopBitsToWire(s serial.StopBits) byte {
	switch s {
	case serial.StopBits15:
		return rfc2217.StopSize15
	case serial.StopBits2:
		return rfc2217.StopSize2
	default:
		return rfc2217.StopSize1
	}
}

func flowToWire(f serial.FlowControl) byte {
	if f == serial.FlowRTSCTS {
		return rfc2217.ControlFlowHardware
	}
	return rfc2217.ControlFlowNone
}

func breakToWire(asserted bool) byte {
	if asserted {
		return rfc2217.ControlBreakOn
	}
	return rfc2217.ControlBreakOff
}

func dtrToWire(on bool) byte {
	if on {
		return rfc2217.ControlDTROn
	}
	return rfc2217.ControlDTROff
}

func rtsToWire(on bool) byte {
	if on {
		return rfc2217.ControlRTSOn
	}
	return rfc2217.ControlRTSOff
}

func (s *Session) lastDTR() bool {
	m, err := s.uart.ModemStatus()
	if err != nil {
		return false
	}
	return m.DTR
}

func (s *Session) lastRTS() bool {
	m, err := s.uart.ModemStatus()
	if err != nil {
		return false
	}
	return m.RTS
}

func (s *Session) currentParams() serial.Params { return s.currentParamsCache }

// maybeNotify compares the UART's current modem/line status against the
// last observed one and, if the peer has enabled the corresponding mask
// and COM-PORT-OPTION itself, appends a NOTIFY subnegotiation.
func (s *Session) maybeNotify(tcpEgress []byte) []byte {
	if !s.dec.ComPortEnabled() {
		return tcpEgress
	}
	cur, err := s.uart.ModemStatus()
	if err != nil {
		return tcpEgress
	}
	if s.haveModem && cur == s.modem {
		return tcpEgress
	}
	prev := s.modem
	first := !s.haveModem
	s.modem, s.haveModem = cur, true
	if first {
		return tcpEgress // nothing to compare against yet
	}
	if mask := s.dec.ModemStateMask(); mask != 0 && (cur.DTR != prev.DTR || cur.RTS != prev.RTS || cur.CTS != prev.CTS || cur.DSR != prev.DSR || cur.DCD != prev.DCD || cur.RI != prev.RI) {
		tcpEgress = s.enc.NotifyModemState(tcpEgress, s.modemStateByte())
	}
	if mask := s.dec.LineStateMask(); mask != 0 && (cur.Break != prev.Break || cur.Overrun != prev.Overrun || cur.ParityErr != prev.ParityErr || cur.FramingErr != prev.FramingErr) {
		tcpEgress = s.enc.NotifyLineState(tcpEgress, s.lineStateByte())
	}
	return tcpEgress
}

func (s *Session) modemStateByte() byte {
	m := s.modem
	var b byte
	if m.CTS {
		b |= 0x10
	}
	if m.DSR {
		b |= 0x20
	}
	if m.RI {
		b |= 0x40
	}
	if m.DCD {
		b |= 0x80
	}
	return b
}

func (s *Session) lineStateByte() byte {
	m := s.modem
	var b byte
	if m.Overrun {
		b |= 0x02
	}
	if m.ParityErr {
		b |= 0x04
	}
	if m.FramingErr {
		b |= 0x08
	}
	if m.Break {
		b |= 0x10
	}
	return b
}

// drain implements the Draining state: best-effort flush of both egress
// buffers within drainBudget, then a TCP half-close.
func (s *Session) drain(tcpEgress, uartEgress []byte) {
	s.state.store(StateDraining)
	deadline := time.Now().Add(drainBudget)
	for len(uartEgress) > 0 && time.Now().Before(deadline) {
		n, err := s.uart.Write(uartEgress, deadline)
		uartEgress = uartEgress[n:]
		if err != nil {
			break
		}
	}
	for len(tcpEgress) > 0 && time.Now().Before(deadline) {
		n, err := s.sock.Write(tcpEgress, deadline)
		tcpEgress = tcpEgress[n:]
		if err != nil {
			break
		}
	}
	_ = s.sock.Shutdown(netio.HalfWrite)
}

// watermarkGate reports whether a read gated by cur's buffer occupancy
// should proceed, applying high/low hysteresis: *paused flips true at the
// high watermark and only flips back at or below the low watermark.
func watermarkGate(paused *bool, cur int) bool {
	if !*paused && cur >= bufHighWatermark {
		*paused = true
	}
	if *paused && cur <= bufLowWatermark {
		*paused = false
	}
	return !*paused
}

func isFatalSocketErr(err error) bool {
	return err != nil && err != netio.ErrWouldBlock
}

func isFatalUARTErr(err error) bool {
	return err != nil && err != serial.ErrIdle && err != serial.ErrWouldBlock
}

func (s *Session) logf(format string, args ...any) {
	if s.log == nil {
		return
	}
	s.log.Infof(format, args...)
}
