package serial

import (
	"sync"
	"time"
)

// FakeChannel is an in-memory Channel used by tests in place of a real
// tty. Every write is appended to TXLog and, when Loopback is set, also
// looped back to its own read buffer; otherwise reads are fed only by
// Feed, letting a test script the UART side of a session independently of
// the TCP side.
type FakeChannel struct {
	mu      sync.Mutex
	cond    *sync.Cond
	closed  bool
	applied []Params // every ApplyParams call, in order, for assertions

	Loopback bool
	TXLog    []byte
	rx       []byte

	modem   ModemStatus
	breakOn bool
}

// NewFakeChannel returns a ready-to-use fake, already "opened" with p.
func NewFakeChannel(p Params) *FakeChannel {
	f := &FakeChannel{applied: []Params{p}}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *FakeChannel) ApplyParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.applied = append(f.applied, p)
	return nil
}

// AppliedParams returns every set of parameters this channel was
// configured with, in order, for test assertions.
func (f *FakeChannel) AppliedParams() []Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Params, len(f.applied))
	copy(out, f.applied)
	return out
}

// Feed injects bytes as if they had arrived on the wire, unblocking a
// pending Read.
func (f *FakeChannel) Feed(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rx = append(f.rx, b...)
	f.cond.Broadcast()
}

func (f *FakeChannel) Read(buf []byte, deadline time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(f.rx) == 0 && !f.closed {
		if deadline.IsZero() {
			f.cond.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, ErrIdle
		}
		woke := make(chan struct{})
		timer := time.AfterFunc(remaining, func() {
			f.mu.Lock()
			f.cond.Broadcast()
			f.mu.Unlock()
			close(woke)
		})
		f.cond.Wait()
		timer.Stop()
		select {
		case <-woke:
		default:
		}
	}
	if f.closed && len(f.rx) == 0 {
		return 0, ErrClosed
	}
	n := copy(buf, f.rx)
	f.rx = f.rx[n:]
	return n, nil
}

func (f *FakeChannel) Write(buf []byte, deadline time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	f.TXLog = append(f.TXLog, buf...)
	if f.Loopback {
		f.rx = append(f.rx, buf...)
		f.cond.Broadcast()
	}
	return len(buf), nil
}

func (f *FakeChannel) SetModem(dtr, rts bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.modem.DTR, f.modem.RTS = dtr, rts
	return nil
}

func (f *FakeChannel) ModemStatus() (ModemStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ModemStatus{}, ErrClosed
	}
	return f.modem, nil
}

func (f *FakeChannel) SendBreak(time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakOn = true
	return nil
}

func (f *FakeChannel) ClearBreak() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakOn = false
	return nil
}

func (f *FakeChannel) Flush(FlushDirection) error { return nil }

func (f *FakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.cond.Broadcast()
	return nil
}
