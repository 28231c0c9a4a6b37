// Package controlport is the single-admin, line-oriented TCP endpoint:
// one connection at a time, six verbs (LIST SHOW SET DISCONNECT HELP
// QUIT), each a one-line translation to a Registry method. Built on an
// accept-loop-plus-readLine-plus-dispatch shape, cut down from a
// many-verb, many-connection session bridge protocol to this module's
// six verbs and a single admin connection at a time.
package controlport

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cybroslabs/serial-gateway/internal/netio"
	"github.com/cybroslabs/serial-gateway/internal/portconfig"
	"github.com/cybroslabs/serial-gateway/internal/registry"
	"github.com/cybroslabs/serial-gateway/internal/serial"
)

const readChunk = 256

// Server accepts exactly one administrative connection at a time and
// serves LIST/SHOW/SET/DISCONNECT/HELP/QUIT against a Registry.
type Server struct {
	reg  *registry.Registry
	log  *zap.SugaredLogger
	stop chan struct{}
}

// New wraps reg for control-port access.
func New(reg *registry.Registry, log *zap.SugaredLogger) *Server {
	return &Server{reg: reg, log: log, stop: make(chan struct{})}
}

// Serve binds tcpPort and accepts connections one at a time until Close is
// called; each connection is handled to completion before the next Accept.
func (s *Server) Serve(tcpPort, backlog int) error {
	ln, err := netio.Bind(tcpPort, backlog)
	if err != nil {
		return fmt.Errorf("controlport: bind: %w", err)
	}
	defer ln.Close()

	for {
		select {
		case <-s.stop:
			return nil
		default:
		}
		sock, err := ln.Accept(time.Now().Add(200 * time.Millisecond))
		if err != nil {
			if err == netio.ErrFatal {
				return nil
			}
			continue
		}
		s.handle(sock)
	}
}

// Close stops the accept loop. A connection already being served is not
// interrupted: Serve returns once that client sends QUIT or disconnects.
func (s *Server) Close() { close(s.stop) }

// handle reads CRLF-terminated lines off sock with a generous idle
// deadline per read (an admin typing by hand, not a high-rate link), and
// processes exactly one command per line before reading the next.
func (s *Server) handle(sock *netio.Socket) {
	defer sock.Close()
	var buf bytes.Buffer
	chunk := make([]byte, readChunk)
	for {
		line, ok := takeLine(&buf)
		if !ok {
			n, err := sock.Read(chunk, time.Now().Add(5*time.Minute))
			if n > 0 {
				buf.Write(chunk[:n])
			}
			if err != nil && err != netio.ErrWouldBlock {
				return
			}
			continue
		}
		if line == "" {
			continue
		}
		resp, quit := s.dispatch(line)
		if _, err := sock.Write([]byte(resp+"\r\n"), time.Now().Add(5*time.Second)); err != nil {
			return
		}
		if quit {
			return
		}
	}
}

// takeLine extracts one CRLF- or LF-terminated line from buf, if present.
func takeLine(buf *bytes.Buffer) (string, bool) {
	b := buf.Bytes()
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return "", false
	}
	line := string(b[:i])
	line = strings.TrimSuffix(line, "\r")
	rest := make([]byte, len(b)-i-1)
	copy(rest, b[i+1:])
	buf.Reset()
	buf.Write(rest)
	return line, true
}

func (s *Server) dispatch(line string) (resp string, quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR EMPTY", false
	}
	verb := strings.ToUpper(fields[0])
	args := fields[1:]
	switch verb {
	case "LIST":
		return s.cmdList(), false
	case "SHOW":
		return s.cmdShow(args), false
	case "SET":
		return s.cmdSet(args), false
	case "DISCONNECT":
		return s.cmdDisconnect(args), false
	case "HELP":
		return cmdHelp(), false
	case "QUIT":
		return "OK BYE", true
	default:
		return "ERR UNKNOWN_VERB " + verb, false
	}
}

func cmdHelp() string {
	return "OK LIST|SHOW <tcp_port>|SET <tcp_port> <field>=<value> ...|DISCONNECT <tcp_port>|HELP|QUIT"
}

func (s *Server) cmdList() string {
	ports := s.reg.CopyPorts()
	var b strings.Builder
	fmt.Fprintf(&b, "OK %d", len(ports))
	for _, p := range ports {
		fmt.Fprintf(&b, "\r\n%d port_id=%d mode=%s enabled=%t baud=%d",
			p.TCPPort, p.PortID, p.Mode, p.Enabled, p.Params.Baud)
	}
	return b.String()
}

func (s *Server) cmdShow(args []string) string {
	if len(args) != 1 {
		return "ERR USAGE SHOW <tcp_port>"
	}
	tcpPort, err := strconv.Atoi(args[0])
	if err != nil {
		return "ERR BAD_PORT " + args[0]
	}
	for _, p := range s.reg.CopyPorts() {
		if p.TCPPort == tcpPort {
			return fmt.Sprintf(
				"OK port_id=%d tcp_port=%d uart_num=%d baud=%d data_bits=%d mode=%s idle_timeout_ms=%d enabled=%t max_concurrent_sessions=%d",
				p.PortID, p.TCPPort, p.Binding.UARTNum, p.Params.Baud, p.Params.DataBits,
				p.Mode, p.IdleTimeoutMS, p.Enabled, p.MaxConcurrentSessions)
		}
	}
	return "ERR NOT_FOUND " + args[0]
}

// cmdSet accepts "SET <tcp_port> key=value ..." where recognized keys are
// baud, data_bits, parity, stop_bits, flow, idle_timeout_ms, mode,
// enabled, apply_active. Unknown keys are rejected outright: controlport
// never guesses at partial intents.
func (s *Server) cmdSet(args []string) string {
	if len(args) < 2 {
		return "ERR USAGE SET <tcp_port> <field>=<value> ..."
	}
	tcpPort, err := strconv.Atoi(args[0])
	if err != nil {
		return "ERR BAD_PORT " + args[0]
	}

	var current *portconfig.PortConfig
	for _, p := range s.reg.CopyPorts() {
		if p.TCPPort == tcpPort {
			cp := p
			current = &cp
			break
		}
	}
	if current == nil {
		return "ERR NOT_FOUND " + args[0]
	}

	params := current.Params
	idleMS := current.IdleTimeoutMS
	mode := current.Mode
	enabled := current.Enabled
	applyActive := false
	modeOrEnabledChanged := false

	for _, kv := range args[1:] {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return "ERR BAD_FIELD " + kv
		}
		switch key {
		case "baud":
			v, err := strconv.Atoi(val)
			if err != nil {
				return "ERR BAD_VALUE " + kv
			}
			params.Baud = v
		case "data_bits":
			v, err := strconv.Atoi(val)
			if err != nil {
				return "ERR BAD_VALUE " + kv
			}
			params.DataBits = v
		case "parity":
			p, err := parseParity(val)
			if err != nil {
				return "ERR BAD_VALUE " + kv
			}
			params.Parity = p
		case "stop_bits":
			v, err := parseStopBits(val)
			if err != nil {
				return "ERR BAD_VALUE " + kv
			}
			params.StopBits = v
		case "flow":
			v, err := parseFlow(val)
			if err != nil {
				return "ERR BAD_VALUE " + kv
			}
			params.Flow = v
		case "idle_timeout_ms":
			v, err := strconv.Atoi(val)
			if err != nil {
				return "ERR BAD_VALUE " + kv
			}
			idleMS = v
		case "mode":
			m, err := portconfig.ParseMode(val)
			if err != nil {
				return "ERR BAD_VALUE " + kv
			}
			mode = m
			modeOrEnabledChanged = true
		case "enabled":
			enabled = val == "true" || val == "1"
			modeOrEnabledChanged = true
		case "apply_active":
			applyActive = val == "true" || val == "1"
		default:
			return "ERR UNKNOWN_FIELD " + key
		}
	}

	if modeOrEnabledChanged {
		if err := s.reg.SetPortMode(tcpPort, mode, enabled); err != nil {
			return "ERR " + errCode(err)
		}
	}
	if err := s.reg.UpdateSerialConfig(tcpPort, params, idleMS, applyActive, nil); err != nil {
		return "ERR " + errCode(err)
	}
	return "OK UPDATED"
}

func (s *Server) cmdDisconnect(args []string) string {
	if len(args) != 1 {
		return "ERR USAGE DISCONNECT <tcp_port>"
	}
	tcpPort, err := strconv.Atoi(args[0])
	if err != nil {
		return "ERR BAD_PORT " + args[0]
	}
	existed, err := s.reg.DisconnectTCPPort(tcpPort)
	if err != nil {
		return "ERR " + errCode(err)
	}
	if existed {
		return "OK DISCONNECTED"
	}
	return "OK NOOP"
}

func errCode(err error) string {
	switch {
	case err == nil:
		return ""
	default:
		return strings.ToUpper(strings.ReplaceAll(strings.TrimPrefix(err.Error(), "registry: "), " ", "_"))
	}
}

func parseParity(s string) (serial.Parity, error) {
	switch s {
	case "none":
		return serial.ParityNone, nil
	case "odd":
		return serial.ParityOdd, nil
	case "even":
		return serial.ParityEven, nil
	default:
		return 0, fmt.Errorf("unknown parity %q", s)
	}
}

func parseStopBits(s string) (serial.StopBits, error) {
	switch s {
	case "1":
		return serial.StopBits1, nil
	case "1.5":
		return serial.StopBits15, nil
	case "2":
		return serial.StopBits2, nil
	default:
		return 0, fmt.Errorf("unknown stop_bits %q", s)
	}
}

func parseFlow(s string) (serial.FlowControl, error) {
	switch s {
	case "none":
		return serial.FlowNone, nil
	case "rtscts":
		return serial.FlowRTSCTS, nil
	default:
		return 0, fmt.Errorf("unknown flow %q", s)
	}
}
