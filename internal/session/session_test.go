package session_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	faketesting "k8s.io/utils/clock/testing"

	"github.com/cybroslabs/serial-gateway/internal/netio"
	"github.com/cybroslabs/serial-gateway/internal/portconfig"
	"github.com/cybroslabs/serial-gateway/internal/serial"
	"github.com/cybroslabs/serial-gateway/internal/session"
)

func dialedSocket(t *testing.T) (*netio.Socket, net.Conn) {
	t.Helper()
	ln, err := netio.Bind(0, 1)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	accepted := make(chan *netio.Socket, 1)
	go func() {
		s, _ := ln.Accept(time.Now().Add(2 * time.Second))
		accepted <- s
	}()
	client, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	srv := <-accepted
	if srv == nil {
		t.Fatal("accept failed")
	}
	return srv, client
}

func validParams() serial.Params {
	return serial.Params{Baud: 115200, DataBits: 8, Parity: serial.ParityNone, StopBits: serial.StopBits1, Flow: serial.FlowNone}
}

func TestSessionRawModePassesBytesUnchanged(t *testing.T) {
	srv, client := dialedSocket(t)
	defer client.Close()

	fake := serial.NewFakeChannel(validParams())
	fake.Loopback = false

	s := session.New(1, 4000, portconfig.ModeRaw, 0, validParams(), srv,
		func() (serial.Channel, error) { return fake, nil }, nil)

	go s.Run(context.Background())

	if _, err := client.Write([]byte{0xFF, 0xFF, 0xAA}); err != nil {
		t.Fatalf("client write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bytes.Equal(fake.TXLog, []byte{0xFF, 0xFF, 0xAA}) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("UART never received exact bytes, got % X", fake.TXLog)
}

func TestSessionIdleTimeoutClosesSession(t *testing.T) {
	srv, client := dialedSocket(t)
	defer client.Close()

	fake := serial.NewFakeChannel(validParams())
	s := session.New(1, 4000, portconfig.ModeTelnet, 200, validParams(), srv,
		func() (serial.Channel, error) { return fake, nil }, nil)

	go s.Run(context.Background())

	// Drain the initial telnet handshake so the exchange "counts" as
	// activity once.
	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("reading handshake: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after idle timeout")
	}
	if s.State() != session.StateClosed {
		t.Fatalf("state = %v, want Closed", s.State())
	}
}

func TestSessionCancelEndsSession(t *testing.T) {
	srv, client := dialedSocket(t)
	defer client.Close()

	fake := serial.NewFakeChannel(validParams())
	s := session.New(1, 4000, portconfig.ModeRaw, 0, validParams(), srv,
		func() (serial.Channel, error) { return fake, nil }, nil)

	go s.Run(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Cancel()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after Cancel")
	}
}

func TestSessionTelnetBaudRateScenario(t *testing.T) {
	srv, client := dialedSocket(t)
	defer client.Close()

	fake := serial.NewFakeChannel(validParams())
	s := session.New(1, 4000, portconfig.ModeTelnet, 0, validParams(), srv,
		func() (serial.Channel, error) { return fake, nil }, nil)

	go s.Run(context.Background())

	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("reading handshake: %v", err)
	}
	want := []byte{0xFF, 0xFB, 0x00, 0xFF, 0xFD, 0x00, 0xFF, 0xFB, 0x03, 0xFF, 0xFD, 0x03, 0xFF, 0xFB, 0x2C}
	if !bytes.Equal(buf[:n], want) {
		t.Fatalf("handshake = % X, want % X", buf[:n], want)
	}

	clientAck := []byte{0xFF, 0xFD, 0x00, 0xFF, 0xFB, 0x00, 0xFF, 0xFD, 0x03, 0xFF, 0xFB, 0x03, 0xFF, 0xFD, 0x2C}
	if _, err := client.Write(clientAck); err != nil {
		t.Fatalf("write ack: %v", err)
	}

	setBaud := []byte{0xFF, 0xFA, 0x2C, 0x01, 0x00, 0x00, 0x96, 0x00, 0xFF, 0xF0}
	if _, err := client.Write(setBaud); err != nil {
		t.Fatalf("write set baud: %v", err)
	}

	n, err = client.Read(buf)
	if err != nil {
		t.Fatalf("reading baud ack: %v", err)
	}
	wantAck := []byte{0xFF, 0xFA, 0x2C, 0x65, 0x00, 0x00, 0x96, 0x00, 0xFF, 0xF0}
	if !bytes.Equal(buf[:n], wantAck) {
		t.Fatalf("baud ack = % X, want % X", buf[:n], wantAck)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		applied := fake.AppliedParams()
		if applied[len(applied)-1].Baud == 38400 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("UART was never reconfigured to 38400")
}

func TestSessionTelnetSetDataSizeAppliesToUART(t *testing.T) {
	srv, client := dialedSocket(t)
	defer client.Close()

	fake := serial.NewFakeChannel(validParams())
	s := session.New(1, 4000, portconfig.ModeTelnet, 0, validParams(), srv,
		func() (serial.Channel, error) { return fake, nil }, nil)

	go s.Run(context.Background())

	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("reading handshake: %v", err)
	}
	clientAck := []byte{0xFF, 0xFD, 0x00, 0xFF, 0xFB, 0x00, 0xFF, 0xFD, 0x03, 0xFF, 0xFB, 0x03, 0xFF, 0xFD, 0x2C}
	if _, err := client.Write(clientAck); err != nil {
		t.Fatalf("write ack: %v", err)
	}

	// IAC SB COM-PORT-OPTION SET-DATASIZE(2) 7 IAC SE
	setDataSize := []byte{0xFF, 0xFA, 0x2C, 0x02, 0x07, 0xFF, 0xF0}
	if _, err := client.Write(setDataSize); err != nil {
		t.Fatalf("write set data size: %v", err)
	}

	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("reading data size ack: %v", err)
	}
	wantAck := []byte{0xFF, 0xFA, 0x2C, 0x66, 0x07, 0xFF, 0xF0}
	if !bytes.Equal(buf[:n], wantAck) {
		t.Fatalf("data size ack = % X, want % X", buf[:n], wantAck)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		applied := fake.AppliedParams()
		if len(applied) > 0 && applied[len(applied)-1].DataBits == 7 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("UART was never reconfigured to 7 data bits")
}

func TestSessionIdleTimeoutDrivenByInjectedClock(t *testing.T) {
	srv, client := dialedSocket(t)
	defer client.Close()

	fakeClock := faketesting.NewFakePassiveClock(time.Now())
	fake := serial.NewFakeChannel(validParams())
	s := session.NewWithClock(1, 4000, portconfig.ModeRaw, 200, validParams(), srv,
		func() (serial.Channel, error) { return fake, nil }, nil, fakeClock)

	go s.Run(context.Background())
	time.Sleep(20 * time.Millisecond)

	select {
	case <-s.Done():
		t.Fatal("session closed before the fake clock advanced past the idle timeout")
	case <-time.After(100 * time.Millisecond):
	}

	fakeClock.SetTime(fakeClock.Now().Add(300 * time.Millisecond))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after the injected clock crossed the idle timeout")
	}
	if s.State() != session.StateClosed {
		t.Fatalf("state = %v, want Closed", s.State())
	}
}

func TestSessionTelnetSetControlFlowQueryEchoesCurrentState(t *testing.T) {
	srv, client := dialedSocket(t)
	defer client.Close()

	fake := serial.NewFakeChannel(validParams())
	s := session.New(1, 4000, portconfig.ModeTelnet, 0, validParams(), srv,
		func() (serial.Channel, error) { return fake, nil }, nil)

	go s.Run(context.Background())

	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("reading handshake: %v", err)
	}
	clientAck := []byte{0xFF, 0xFD, 0x00, 0xFF, 0xFB, 0x00, 0xFF, 0xFD, 0x03, 0xFF, 0xFB, 0x03, 0xFF, 0xFD, 0x2C}
	if _, err := client.Write(clientAck); err != nil {
		t.Fatalf("write ack: %v", err)
	}

	// IAC SB COM-PORT-OPTION SET-CONTROL(5) flow-request(0) IAC SE: a
	// "report current state" query must echo the live flow-control
	// setting, not the raw query byte.
	queryFlow := []byte{0xFF, 0xFA, 0x2C, 0x05, 0x00, 0xFF, 0xF0}
	if _, err := client.Write(queryFlow); err != nil {
		t.Fatalf("write flow query: %v", err)
	}

	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("reading flow query ack: %v", err)
	}
	// validParams() uses FlowNone, so the live state is "flow control none" (1).
	wantAck := []byte{0xFF, 0xFA, 0x2C, 0x69, 0x01, 0xFF, 0xF0}
	if !bytes.Equal(buf[:n], wantAck) {
		t.Fatalf("flow query ack = % X, want % X", buf[:n], wantAck)
	}
}
