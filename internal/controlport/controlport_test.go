package controlport_test

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cybroslabs/serial-gateway/internal/controlport"
	"github.com/cybroslabs/serial-gateway/internal/portconfig"
	"github.com/cybroslabs/serial-gateway/internal/registry"
	"github.com/cybroslabs/serial-gateway/internal/serial"
)

func fakeOpen(b serial.Binding, p serial.Params) (serial.Channel, error) {
	return serial.NewFakeChannel(p), nil
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func startControlPort(t *testing.T, reg *registry.Registry) int {
	t.Helper()
	port := freePort(t)
	srv := controlport.New(reg, nil)
	ready := make(chan struct{})
	go func() {
		close(ready)
		srv.Serve(port, 4)
	}()
	<-ready
	time.Sleep(50 * time.Millisecond)
	t.Cleanup(srv.Close)
	return port
}

func TestControlPortListAndShow(t *testing.T) {
	reg := registry.New(fakeOpen, nil, nil)
	cfg := portconfig.PortConfig{
		PortID: 1, TCPPort: freePort(t), TCPBacklog: 4,
		Binding:               serial.Binding{UARTNum: 0, TXPin: 1, RXPin: 2, RTSPin: serial.PinUnchanged, CTSPin: serial.PinUnchanged},
		Params:                serial.Params{Baud: 9600, DataBits: 8, Parity: serial.ParityNone, StopBits: serial.StopBits1, Flow: serial.FlowNone},
		Mode:                  portconfig.ModeRaw,
		Enabled:               true,
		MaxConcurrentSessions: 1,
	}
	if err := reg.AddPort(cfg); err != nil {
		t.Fatalf("AddPort: %v", err)
	}
	defer reg.RemovePort(cfg.TCPPort)

	cpPort := startControlPort(t, reg)
	conn, err := net.Dial("tcp", (&net.TCPAddr{Port: cpPort}).String())
	if err != nil {
		t.Fatalf("dial control port: %v", err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	conn.Write([]byte("LIST\r\n"))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read LIST response: %v", err)
	}
	if line[:len("OK 1")] != "OK 1" {
		t.Fatalf("LIST response = %q, want prefix OK 1", line)
	}
	// LIST follows its "OK <count>" line with one line per port.
	line, err = r.ReadString('\n')
	if err != nil {
		t.Fatalf("read LIST port line: %v", err)
	}
	if want := strconv.Itoa(cfg.TCPPort) + " port_id=1"; !strings.HasPrefix(line, want) {
		t.Fatalf("LIST port line = %q, want prefix %q", line, want)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	showCmd := "SHOW " + strconv.Itoa(cfg.TCPPort) + "\r\n"
	conn.Write([]byte(showCmd))
	line, err = r.ReadString('\n')
	if err != nil {
		t.Fatalf("read SHOW response: %v", err)
	}
	if line[:2] != "OK" {
		t.Fatalf("SHOW response = %q, want OK prefix", line)
	}
}

func TestControlPortQuitClosesConnection(t *testing.T) {
	reg := registry.New(fakeOpen, nil, nil)
	cpPort := startControlPort(t, reg)
	conn, err := net.Dial("tcp", (&net.TCPAddr{Port: cpPort}).String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	conn.Write([]byte("QUIT\r\n"))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read QUIT response: %v", err)
	}
	if line[:len("OK BYE")] != "OK BYE" {
		t.Fatalf("QUIT response = %q, want OK BYE", line)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 8)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected connection closed after QUIT")
	}
}

func TestControlPortUnknownVerb(t *testing.T) {
	reg := registry.New(fakeOpen, nil, nil)
	cpPort := startControlPort(t, reg)
	conn, err := net.Dial("tcp", (&net.TCPAddr{Port: cpPort}).String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	conn.Write([]byte("BOGUS\r\n"))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if line[:len("ERR UNKNOWN_VERB")] != "ERR UNKNOWN_VERB" {
		t.Fatalf("response = %q, want ERR UNKNOWN_VERB prefix", line)
	}
}
