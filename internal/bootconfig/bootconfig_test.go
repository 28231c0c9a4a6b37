package bootconfig_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/cybroslabs/serial-gateway/internal/bootconfig"
	"github.com/cybroslabs/serial-gateway/internal/portconfig"
)

const sampleDoc = `{
	"ports": [
		{
			"port_id": 1,
			"tcp_port": 4001,
			"tcp_backlog": 4,
			"uart_num": 1,
			"tx_pin": 17,
			"rx_pin": 16,
			"rts_pin": -1,
			"cts_pin": -1,
			"baud": 115200,
			"data_bits": 8,
			"parity": "none",
			"stop_bits": "1",
			"flow": "none",
			"mode": "telnet",
			"idle_timeout_ms": 30000,
			"enabled": true,
			"max_concurrent_sessions": 1
		}
	],
	"control_port": 4100,
	"control_backlog": 4,
	"wifi": {"ssid": "lab-net", "password": "hunter2", "ap_force_off": false}
}`

func TestDecodeSampleDocument(t *testing.T) {
	cfg, err := bootconfig.Decode(strings.NewReader(sampleDoc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(cfg.Ports) != 1 {
		t.Fatalf("got %d ports, want 1", len(cfg.Ports))
	}
	p := cfg.Ports[0]
	if p.TCPPort != 4001 || p.Mode != portconfig.ModeTelnet || p.Params.Baud != 115200 {
		t.Fatalf("unexpected port config: %+v", p)
	}
	if cfg.ControlPort != 4100 || cfg.Wifi.SSID != "lab-net" {
		t.Fatalf("unexpected top-level fields: %+v", cfg)
	}
}

func TestDecodeRejectsDuplicateTCPPort(t *testing.T) {
	doc := `{"ports": [
		{"port_id":1,"tcp_port":4001,"uart_num":0,"baud":115200,"data_bits":8,"mode":"raw","rts_pin":-1,"cts_pin":-1,"max_concurrent_sessions":1},
		{"port_id":2,"tcp_port":4001,"uart_num":1,"baud":115200,"data_bits":8,"mode":"raw","rts_pin":-1,"cts_pin":-1,"max_concurrent_sessions":1}
	]}`
	_, err := bootconfig.Decode(strings.NewReader(doc))
	if !errors.Is(err, bootconfig.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestDecodeRejectsUnknownMode(t *testing.T) {
	doc := `{"ports": [
		{"port_id":1,"tcp_port":4001,"uart_num":0,"baud":115200,"data_bits":8,"mode":"bogus","rts_pin":-1,"cts_pin":-1,"max_concurrent_sessions":1}
	]}`
	_, err := bootconfig.Decode(strings.NewReader(doc))
	if !errors.Is(err, bootconfig.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestDecodeDefaultsMaxConcurrentSessionsToOne(t *testing.T) {
	doc := `{"ports": [
		{"port_id":1,"tcp_port":4001,"uart_num":0,"baud":115200,"data_bits":8,"mode":"raw","rts_pin":-1,"cts_pin":-1}
	]}`
	cfg, err := bootconfig.Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Ports[0].MaxConcurrentSessions != 1 {
		t.Fatalf("MaxConcurrentSessions = %d, want 1", cfg.Ports[0].MaxConcurrentSessions)
	}
}

func TestDecodeRejectsUnknownField(t *testing.T) {
	doc := `{"bogus_field": true}`
	_, err := bootconfig.Decode(strings.NewReader(doc))
	if !errors.Is(err, bootconfig.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
