// Package httpapi is a thin JSON translator in front of Registry, with a
// route table (ports get/post/action/delete, system status, wifi,
// health) reimplemented on net/http.ServeMux instead of an embedded
// httpd and cJSON. No auth, no TLS: out of scope by design.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/cybroslabs/serial-gateway/internal/portconfig"
	"github.com/cybroslabs/serial-gateway/internal/registry"
	"github.com/cybroslabs/serial-gateway/internal/serial"
)

// SystemStatus reports Wi-Fi station/AP state. Populated by an injected
// SystemStatusProvider since real Wi-Fi bring-up stays outside this
// module's scope.
type SystemStatus struct {
	STAConfigured      bool   `json:"sta_configured"`
	STAConnected       bool   `json:"sta_connected"`
	STASSID            string `json:"sta_ssid"`
	STAIP              string `json:"sta_ip"`
	APActive           bool   `json:"ap_active"`
	APForceDisabled    bool   `json:"ap_force_disabled"`
	APRemainingSeconds int    `json:"ap_remaining_seconds"`
}

// SystemStatusProvider supplies live Wi-Fi/network state; this module never
// implements Wi-Fi bring-up itself.
type SystemStatusProvider interface {
	SystemStatus() SystemStatus
}

// WifiController persists and applies Wi-Fi credentials; like
// SystemStatusProvider, only the interface lives here.
type WifiController interface {
	GetWifiCredentials() (ssid, password string, apForceOff bool)
	SetWifiCredentials(ssid, password string, apForceOff bool) error
}

// Server wires Registry (and optionally Wi-Fi collaborators) onto an
// http.ServeMux.
type Server struct {
	reg    *registry.Registry
	status SystemStatusProvider
	wifi   WifiController
	log    *zap.SugaredLogger
}

// New builds the handler set. status and wifi may be nil; their routes
// then return 501 Not Implemented rather than panicking.
func New(reg *registry.Registry, status SystemStatusProvider, wifi WifiController, log *zap.SugaredLogger) *Server {
	return &Server{reg: reg, status: status, wifi: wifi, log: log}
}

// Mux builds the route table: /api/ports,
// /api/ports/{tcp_port}/{config,mode,disconnect}, /api/system, /api/wifi,
// /api/health.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/system", s.handleSystem)
	mux.HandleFunc("/api/wifi", s.handleWifi)
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/ports/", s.handlePortAction)
	return mux
}

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
	Active                bool   `json:"active"`
}

func toPortJSON(c portconfig.PortConfig, active bool) portJSON {
	return portJSON{
		PortID: c.PortID, TCPPort: c.TCPPort, TCPBacklog: c.TCPBacklog,
		UARTNum: c.Binding.UARTNum, TXPin: c.Binding.TXPin, RXPin: c.Binding.RXPin,
		RTSPin: c.Binding.RTSPin, CTSPin: c.Binding.CTSPin,
		Baud: c.Params.Baud, DataBits: c.Params.DataBits,
		Parity: parityName(c.Params.Parity), StopBits: stopBitsName(c.Params.StopBits),
		Flow: flowName(c.Params.Flow), Mode: c.Mode.String(),
		IdleTimeoutMS: c.IdleTimeoutMS, Enabled: c.Enabled,
		MaxConcurrentSessions: c.MaxConcurrentSessions, Active: active,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	ports := s.reg.CopyPorts()
	sessions := s.reg.ListSessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"configured_ports": len(ports),
		"active_sessions":  len(sessions),
	})
}

func (s *Server) handleWifi(w http.ResponseWriter, r *http.Request) {
	if s.status == nil && s.wifi == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	switch r.Method {
	case http.MethodGet:
		if s.status == nil {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		writeJSON(w, http.StatusOK, s.status.SystemStatus())
	case http.MethodPost:
		if s.wifi == nil {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		var body struct {
			SSID       string `json:"ssid"`
			Password   string `json:"password"`
			APForceOff bool   `json:"ap_force_off"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.wifi.SetWifiCredentials(body.SSID, body.Password, body.APForceOff); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfgs := s.reg.CopyPorts()
		active := make(map[int]bool)
		for _, v := range s.reg.ListSessions() {
			active[v.TCPPort] = true
		}
		out := make([]portJSON, 0, len(cfgs))
		for _, c := range cfgs {
			out = append(out, toPortJSON(c, active[c.TCPPort]))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var body portJSON
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		cfg, err := fromPortJSON(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.reg.AddPort(cfg); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusCreated, toPortJSON(cfg, false))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handlePortAction dispatches /api/ports/{tcp_port}/{config,mode,disconnect}
// and bare /api/ports/{tcp_port} (DELETE), mirroring ports_action_handler's
// and ports_delete_handler's wildcard "/api/ports/*" route.
func (s *Server) handlePortAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/ports/")
	parts := strings.SplitN(rest, "/", 2)
	tcpPort, err := strconv.Atoi(parts[0])
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("bad tcp_port %q", parts[0]))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := s.reg.RemovePort(tcpPort); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch parts[1] {
	case "config":
		s.handlePortConfig(w, r, tcpPort)
	case "mode":
		s.handlePortMode(w, r, tcpPort)
	case "disconnect":
		s.handlePortDisconnect(w, r, tcpPort)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handlePortConfig(w http.ResponseWriter, r *http.Request, tcpPort int) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Baud          int    `json:"baud"`
		DataBits      int    `json:"data_bits"`
		Parity        string `json:"parity"`
		StopBits      string `json:"stop_bits"`
		Flow          string `json:"flow"`
		IdleTimeoutMS int    `json:"idle_timeout_ms"`
		ApplyActive   bool   `json:"apply_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	parity, err := parseParity(body.Parity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	stop, err := parseStopBits(body.StopBits)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	flow, err := parseFlow(body.Flow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	params := serial.Params{Baud: body.Baud, DataBits: body.DataBits, Parity: parity, StopBits: stop, Flow: flow}
	if err := s.reg.UpdateSerialConfig(tcpPort, params, body.IdleTimeoutMS, body.ApplyActive, nil); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePortMode(w http.ResponseWriter, r *http.Request, tcpPort int) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Mode    string `json:"mode"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mode, err := portconfig.ParseMode(body.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.reg.SetPortMode(tcpPort, mode, body.Enabled); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePortDisconnect(w http.ResponseWriter, r *http.Request, tcpPort int) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	existed, err := s.reg.DisconnectTCPPort(tcpPort)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"disconnected": existed})
}

func fromPortJSON(p portJSON) (portconfig.PortConfig, error) {
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
		PortID: p.PortID, TCPPort: p.TCPPort, TCPBacklog: p.TCPBacklog,
		Binding: serial.Binding{UARTNum: p.UARTNum, TXPin: p.TXPin, RXPin: p.RXPin, RTSPin: p.RTSPin, CTSPin: p.CTSPin},
		Params:  serial.Params{Baud: p.Baud, DataBits: p.DataBits, Parity: parity, StopBits: stop, Flow: flow},
		Mode:    mode, IdleTimeoutMS: p.IdleTimeoutMS, Enabled: p.Enabled,
		MaxConcurrentSessions: p.MaxConcurrentSessions,
	}
	if cfg.MaxConcurrentSessions == 0 {
		cfg.MaxConcurrentSessions = 1
	}
	return cfg, nil
}

func parityName(p serial.Parity) string {
	switch p {
	case serial.ParityOdd:
		return "odd"
	case serial.ParityEven:
		return "even"
	default:
		return "none"
	}
}

func stopBitsName(s serial.StopBits) string {
	switch s {
	case serial.StopBits15:
		return "1.5"
	case serial.StopBits2:
		return "2"
	default:
		return "1"
	}
}

func flowName(f serial.FlowControl) string {
	if f == serial.FlowRTSCTS {
		return "rtscts"
	}
	return "none"
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
