// Package bootconfig decodes the startup JSON document this gateway is
// handed once at process start, standing in for an embedded firmware's
// compiled-in config.json. This module reads it from a file path or an
// io.Reader instead of a compiled-in byte array; no CLI flags, no
// environment variables.
package bootconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cybroslabs/serial-gateway/internal/portconfig"
	"github.com/cybroslabs/serial-gateway/internal/serial"
)

// ErrInvalid wraps every validation failure found while decoding a boot
// document.
var ErrInvalid = errors.New("bootconfig: invalid")

// WifiCredentials mirrors config_store.c's config_store_{load,save}_wifi_credentials
// record. It is decoded from the boot document only; nothing in this
// module writes it to or reads it from the KV store.
type WifiCredentials struct {
	SSID       string `json:"ssid"`
	Password   string `json:"password"`
	APForceOff bool   `json:"ap_force_off"`
}

// portJSON is the wire shape of one port entry in the boot document; field
// names match the original firmware's config.json schema.
type portJSON struct {
	PortID                int    `json:"port_id"`
	TCPPort               int    `json:"tcp_port"`
	TCPBacklog            int    `json:"tcp_backlog"`
	UARTNum               int    `json:"uart_num"`
	TXPin                 int    `json:"tx_pin"`
	RXPin                 int    `json:"rx_pin"`
	RTSPin                int    `json:"rts_pin"`
	CTSPin                int    `json:"cts_pin"`
	Baud                  int    `json:"baud"`
	DataBits              int    `json:"data_bits"`
	Parity                string `json:"parity"`
	StopBits              string `json:"stop_bits"`
	Flow                  string `json:"flow"`
	Mode                  string `json:"mode"`
	IdleTimeoutMS         int    `json:"idle_timeout_ms"`
	Enabled               bool   `json:"enabled"`
	MaxConcurrentSessions int    `json:"max_concurrent_sessions"`
}

// BootConfig is the top-level JSON document this gateway is handed once
// at process start: its port list plus control-port and Wi-Fi settings.
type BootConfig struct {
	Ports          []portconfig.PortConfig
	ControlPort    uint16
	ControlBacklog int
	Wifi           WifiCredentials
}

type bootJSON struct {
	Ports          []portJSON      `json:"ports"`
	ControlPort    uint16          `json:"control_port"`
	ControlBacklog int             `json:"control_backlog"`
	Wifi           WifiCredentials `json:"wifi"`
}

// Load reads and decodes the boot document at path.
func Load(path string) (BootConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return BootConfig{}, fmt.Errorf("bootconfig: open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a boot document from r, validating every port entry.
func Decode(r io.Reader) (BootConfig, error) {
	var doc bootJSON
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return BootConfig{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	out := BootConfig{
		ControlPort:    doc.ControlPort,
		ControlBacklog: doc.ControlBacklog,
		Wifi:           doc.Wifi,
	}
	seenTCP := make(map[int]bool, len(doc.Ports))
	for i, p := range doc.Ports {
		cfg, err := p.toPortConfig()
		if err != nil {
			return BootConfig{}, fmt.Errorf("%w: ports[%d]: %v", ErrInvalid, i, err)
		}
		if seenTCP[cfg.TCPPort] {
			return BootConfig{}, fmt.Errorf("%w: ports[%d]: duplicate tcp_port %d", ErrInvalid, i, cfg.TCPPort)
		}
		seenTCP[cfg.TCPPort] = true
		out.Ports = append(out.Ports, cfg)
	}
	return out, nil
}

func (p portJSON) toPortConfig() (portconfig.PortConfig, error) {
	parity, err := parseParity(p.Parity)
	if err != nil {
		return portconfig.PortConfig{}, err
	}
	stop, err := parseStopBits(p.StopBits)
	if err != nil {
		return portconfig.PortConfig{}, err
	}
	flow, err := parseFlow(p.Flow)
	if err != nil {
		return portconfig.PortConfig{}, err
	}
	mode, err := portconfig.ParseMode(p.Mode)
	if err != nil {
		return portconfig.PortConfig{}, err
	}

	cfg := portconfig.PortConfig{
		PortID:     p.PortID,
		TCPPort:    p.TCPPort,
		TCPBacklog: p.TCPBacklog,
		Binding: serial.Binding{
			UARTNum: p.UARTNum,
			TXPin:   p.TXPin,
			RXPin:   p.RXPin,
			RTSPin:  p.RTSPin,
			CTSPin:  p.CTSPin,
		},
		Params: serial.Params{
			Baud:     p.Baud,
			DataBits: p.DataBits,
			Parity:   parity,
			StopBits: stop,
			Flow:     flow,
		},
		Mode:                  mode,
		IdleTimeoutMS:         p.IdleTimeoutMS,
		Enabled:               p.Enabled,
		MaxConcurrentSessions: p.MaxConcurrentSessions,
	}
	if cfg.MaxConcurrentSessions == 0 {
		cfg.MaxConcurrentSessions = 1
	}
	if err := cfg.Validate(); err != nil {
		return portconfig.PortConfig{}, err
	}
	return cfg, nil
}

func parseParity(s string) (serial.Parity, error) {
	switch s {
	case "none", "":
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
	case "1", "":
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
	case "none", "":
		return serial.FlowNone, nil
	case "rtscts":
		return serial.FlowRTSCTS, nil
	default:
		return 0, fmt.Errorf("unknown flow %q", s)
	}
}
