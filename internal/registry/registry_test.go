package registry_test

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/cybroslabs/serial-gateway/internal/portconfig"
	"github.com/cybroslabs/serial-gateway/internal/registry"
	"github.com/cybroslabs/serial-gateway/internal/serial"
)

func fakeOpen(b serial.Binding, p serial.Params) (serial.Channel, error) {
	return serial.NewFakeChannel(p), nil
}

func basePort(tcpPort, portID, uartNum int) portconfig.PortConfig {
	return portconfig.PortConfig{
		PortID:                portID,
		TCPPort:               tcpPort,
		TCPBacklog:            4,
		Binding:               serial.Binding{UARTNum: uartNum, TXPin: 1, RXPin: 2, RTSPin: serial.PinUnchanged, CTSPin: serial.PinUnchanged},
		Params:                serial.Params{Baud: 115200, DataBits: 8, Parity: serial.ParityNone, StopBits: serial.StopBits1, Flow: serial.FlowNone},
		Mode:                  portconfig.ModeRaw,
		IdleTimeoutMS:         0,
		Enabled:               true,
		MaxConcurrentSessions: 1,
	}
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

func TestAddPortDuplicateTCPPortRejected(t *testing.T) {
	reg := registry.New(fakeOpen, nil, nil)
	port := freePort(t)
	cfg := basePort(port, 1, 0)
	if err := reg.AddPort(cfg); err != nil {
		t.Fatalf("first AddPort: %v", err)
	}
	defer reg.RemovePort(port)

	cfg2 := basePort(port, 2, 1)
	err := reg.AddPort(cfg2)
	if !errors.Is(err, registry.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCopyPortsStableWithNoMutation(t *testing.T) {
	reg := registry.New(fakeOpen, nil, nil)
	port := freePort(t)
	cfg := basePort(port, 1, 0)
	if err := reg.AddPort(cfg); err != nil {
		t.Fatalf("AddPort: %v", err)
	}
	defer reg.RemovePort(port)

	a := reg.CopyPorts()
	b := reg.CopyPorts()
	if len(a) != 1 || len(b) != 1 || a[0] != b[0] {
		t.Fatalf("CopyPorts not stable: %+v vs %+v", a, b)
	}
}

func TestRemovePortRemovesFromSnapshot(t *testing.T) {
	reg := registry.New(fakeOpen, nil, nil)
	port := freePort(t)
	cfg := basePort(port, 1, 0)
	if err := reg.AddPort(cfg); err != nil {
		t.Fatalf("AddPort: %v", err)
	}
	if err := reg.RemovePort(port); err != nil {
		t.Fatalf("RemovePort: %v", err)
	}
	for _, p := range reg.CopyPorts() {
		if p.TCPPort == port {
			t.Fatalf("port %d still present after RemovePort", port)
		}
	}

	// A new accept must not succeed: dialing should fail or time out
	// because the listener is gone.
	conn, err := net.DialTimeout("tcp", (&net.TCPAddr{Port: port}).String(), 200*time.Millisecond)
	if err == nil {
		conn.Close()
		t.Fatalf("dial succeeded after RemovePort")
	}
}

func TestSecondEnabledPortOnSameUARTRejected(t *testing.T) {
	reg := registry.New(fakeOpen, nil, nil)
	p1, p2 := freePort(t), freePort(t)
	if err := reg.AddPort(basePort(p1, 1, 0)); err != nil {
		t.Fatalf("AddPort 1: %v", err)
	}
	defer reg.RemovePort(p1)

	err := reg.AddPort(basePort(p2, 2, 0))
	if !errors.Is(err, registry.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for UART conflict, got %v", err)
	}
}

func TestDisconnectTCPPortReportsWhetherSessionExisted(t *testing.T) {
	reg := registry.New(fakeOpen, nil, nil)
	port := freePort(t)
	if err := reg.AddPort(basePort(port, 1, 0)); err != nil {
		t.Fatalf("AddPort: %v", err)
	}
	defer reg.RemovePort(port)

	existed, err := reg.DisconnectTCPPort(port)
	if err != nil {
		t.Fatalf("DisconnectTCPPort: %v", err)
	}
	if existed {
		t.Fatalf("expected no session yet")
	}
}
