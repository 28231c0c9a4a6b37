// Package registry is the single source of truth for configured ports
// and their live sessions: a lock-serialized map plus a per-port listener
// task, built on a mutex-guarded session map and an accept-loop
// lifecycle, generalized from "one session per client ID" to "one
// port, at most max_concurrent_sessions live sessions, one listener
// task".
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cybroslabs/serial-gateway/internal/netio"
	"github.com/cybroslabs/serial-gateway/internal/portconfig"
	"github.com/cybroslabs/serial-gateway/internal/serial"
	"github.com/cybroslabs/serial-gateway/internal/session"
)

// Result codes surfaced by registry operations, per the design's tagged-
// result error handling (ConfigInvalid/PortBusy/AlreadyExists/NotFound).
var (
	ErrAlreadyExists = errors.New("registry: port already exists")
	ErrNotFound      = errors.New("registry: port not found")
	ErrInvalid       = errors.New("registry: invalid configuration")
	ErrConflict      = errors.New("registry: operation conflicts with an active session")
)

// OpenUART is injected so the registry (and therefore its tests) never
// depends on a real tty; production wiring passes serial.Open.
type OpenUART func(b serial.Binding, p serial.Params) (serial.Channel, error)

// Event is published once per successful mutation, for the persistence
// collaborator to observe.
type Event struct {
	Kind string // "add", "remove", "update", "mode", "disconnect"
	Port portconfig.PortConfig
}

type portEntry struct {
	cfg      portconfig.PortConfig
	cancel   context.CancelFunc
	sessions map[*session.Session]struct{}
	stopped  chan struct{} // closed once the listener goroutine has exited
}

// Registry owns the configured-port map and dispatches listener tasks.
// All exported methods are internally serialized by mu; none perform I/O
// while mu is held (listener/session creation happens after release, per
// the design's "no suspension while the mutation lock is held").
type Registry struct {
	mu     sync.Mutex
	ports  map[int]*portEntry // keyed by tcp_port
	epoch  atomic.Uint64
	onChg  func(Event)
	open   OpenUART
	log    *zap.SugaredLogger
}

// New constructs an empty Registry. onChange is invoked once per
// successful mutation; it may be nil.
func New(open OpenUART, onChange func(Event), log *zap.SugaredLogger) *Registry {
	if onChange == nil {
		onChange = func(Event) {}
	}
	return &Registry{
		ports: make(map[int]*portEntry),
		onChg: onChange,
		open:  open,
		log:   log,
	}
}

// Epoch returns the current change counter, incremented once per
// successful mutation.
func (r *Registry) Epoch() uint64 { return r.epoch.Load() }

// CopyPorts returns an independent snapshot of every configured port,
// sorted by tcp_port, so two calls with no mutation in between return
// equal slices. The order in which ports were added is not kept. The
// content never aliases registry state.
func (r *Registry) CopyPorts() []portconfig.PortConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]portconfig.PortConfig, 0, len(r.ports))
	for _, e := range r.ports {
		out = append(out, e.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TCPPort < out[j].TCPPort })
	return out
}

// AddPort validates and installs cfg, starting its listener task on
// success.
func (r *Registry) AddPort(cfg portconfig.PortConfig) error {
	if cfg.MaxConcurrentSessions == 0 {
		cfg.MaxConcurrentSessions = 1
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	r.mu.Lock()
	if _, exists := r.ports[cfg.TCPPort]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: tcp_port %d", ErrAlreadyExists, cfg.TCPPort)
	}
	for _, e := range r.ports {
		if e.cfg.PortID == cfg.PortID {
			r.mu.Unlock()
			return fmt.Errorf("%w: port_id %d", ErrAlreadyExists, cfg.PortID)
		}
		if e.cfg.Enabled && cfg.Enabled && e.cfg.UARTConflicts(cfg) {
			r.mu.Unlock()
			return fmt.Errorf("%w: uart_num %d already bound", ErrInvalid, cfg.Binding.UARTNum)
		}
	}

	entry := &portEntry{cfg: cfg, sessions: make(map[*session.Session]struct{}), stopped: make(chan struct{})}
	r.ports[cfg.TCPPort] = entry
	r.mu.Unlock()

	if cfg.Enabled {
		r.startListener(entry)
	} else {
		close(entry.stopped)
	}
	r.publish(Event{Kind: "add", Port: cfg})
	return nil
}

// RemovePort cancels any live session, stops the listener and deletes the
// entry.
func (r *Registry) RemovePort(tcpPort int) error {
	r.mu.Lock()
	entry, ok := r.ports[tcpPort]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: tcp_port %d", ErrNotFound, tcpPort)
	}
	delete(r.ports, tcpPort)
	cancel := entry.cancel
	sessions := entry.sessionSlice()
	stopped := entry.stopped
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, s := range sessions {
		s.Cancel()
	}
	<-stopped
	r.publish(Event{Kind: "remove", Port: entry.cfg})
	return nil
}

// UpdateSerialConfig mutates the stored framing/idle-timeout for tcpPort.
// When applyActive is true and a session is running, the new params are
// dispatched live via the session's mailbox; otherwise they take effect
// for the next accepted client only.
func (r *Registry) UpdateSerialConfig(tcpPort int, params serial.Params, idleTimeoutMS int, applyActive bool, pinOverride *serial.Binding) error {
	if err := params.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	r.mu.Lock()
	entry, ok := r.ports[tcpPort]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: tcp_port %d", ErrNotFound, tcpPort)
	}
	if pinOverride != nil && len(entry.sessions) > 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: pin override requires no active session", ErrConflict)
	}
	entry.cfg.Params = params
	entry.cfg.IdleTimeoutMS = idleTimeoutMS
	if pinOverride != nil {
		entry.cfg.Binding = *pinOverride
	}
	cfg := entry.cfg
	sessions := entry.sessionSlice()
	r.mu.Unlock()

	if applyActive {
		for _, s := range sessions {
			s.Post(session.Event{Kind: session.EventReconfig, Params: params})
		}
	}
	r.publish(Event{Kind: "update", Port: cfg})
	return nil
}

// SetPortMode changes mode/enabled. Disabling or changing mode while a
// session is running cancels that session; the new mode applies to the
// next accept.
func (r *Registry) SetPortMode(tcpPort int, mode portconfig.Mode, enabled bool) error {
	r.mu.Lock()
	entry, ok := r.ports[tcpPort]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: tcp_port %d", ErrNotFound, tcpPort)
	}
	modeChanged := entry.cfg.Mode != mode
	wasEnabled := entry.cfg.Enabled
	entry.cfg.Mode = mode
	entry.cfg.Enabled = enabled
	sessions := entry.sessionSlice()
	needStop := wasEnabled && !enabled
	needStart := !wasEnabled && enabled
	cancelFn := entry.cancel
	stopped := entry.stopped
	cfg := entry.cfg
	r.mu.Unlock()

	if modeChanged || !enabled {
		for _, s := range sessions {
			s.Cancel()
		}
	}
	if needStop {
		if cancelFn != nil {
			cancelFn()
		}
		// Block until the old listener's socket is fully released before
		// reporting the port disabled, so a disable immediately followed
		// by a re-enable can't race startListener into binding the same
		// tcp_port while the old listener is still shutting down.
		<-stopped
	}
	if needStart {
		r.startListener(entry)
	}
	r.publish(Event{Kind: "mode", Port: cfg})
	return nil
}

// DisconnectTCPPort cancels any live session on tcpPort, reporting
// whether one existed.
func (r *Registry) DisconnectTCPPort(tcpPort int) (bool, error) {
	r.mu.Lock()
	entry, ok := r.ports[tcpPort]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: tcp_port %d", ErrNotFound, tcpPort)
	}
	sessions := entry.sessionSlice()
	r.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
	}
	r.publish(Event{Kind: "disconnect", Port: entry.cfg})
	return len(sessions) > 0, nil
}

// ListSessions returns a snapshot view of every currently live session
// across all ports.
func (r *Registry) ListSessions() []portconfig.ActiveSessionView {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []portconfig.ActiveSessionView
	for _, e := range r.ports {
		for s := range e.sessions {
			out = append(out, s.View())
		}
	}
	return out
}

func (e *portEntry) sessionSlice() []*session.Session {
	out := make([]*session.Session, 0, len(e.sessions))
	for s := range e.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) publish(ev Event) {
	r.epoch.Add(1)
	r.onChg(ev)
}

// startListener spawns the per-port accept loop: bind once, loop on
// Accept with a bounded deadline so the loop can observe ctx.Done.
func (r *Registry) startListener(entry *portEntry) {
	cfg := entry.cfg
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	entry.cancel = cancel
	entry.stopped = make(chan struct{})
	r.mu.Unlock()

	ln, err := netio.Bind(cfg.TCPPort, cfg.TCPBacklog)
	if err != nil {
		r.logf("listener bind failed tcp_port=%d err=%v", cfg.TCPPort, err)
		close(entry.stopped)
		return
	}

	go func() {
		defer close(entry.stopped)
		defer ln.Close()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			sock, err := ln.Accept(time.Now().Add(200 * time.Millisecond))
			if err != nil {
				if err == netio.ErrFatal {
					return
				}
				continue // ErrTimeout, or a transient accept error: retry
			}
			r.admitAndSpawn(ctx, entry, sock)
		}
	}()
}

func (r *Registry) admitAndSpawn(ctx context.Context, entry *portEntry, sock *netio.Socket) {
	r.mu.Lock()
	cfg := entry.cfg
	if len(entry.sessions) >= cfg.MaxConcurrentSessions {
		r.mu.Unlock()
		sock.Close() // over capacity: immediate close, no queueing
		return
	}
	r.mu.Unlock()

	binding, params := cfg.Binding, cfg.Params
	open := func() (serial.Channel, error) { return r.open(binding, params) }
	s := session.New(cfg.PortID, cfg.TCPPort, cfg.Mode, cfg.IdleTimeoutMS, params, sock, open, r.log)

	r.mu.Lock()
	entry.sessions[s] = struct{}{}
	r.mu.Unlock()

	go func() {
		s.Run(ctx)
		r.mu.Lock()
		delete(entry.sessions, s)
		r.mu.Unlock()
	}()
}

func (r *Registry) logf(format string, args ...any) {
	if r.log == nil {
		return
	}
	r.log.Infof(format, args...)
}
