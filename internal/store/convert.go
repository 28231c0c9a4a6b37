package store

import (
	"github.com/cybroslabs/serial-gateway/internal/portconfig"
	"github.com/cybroslabs/serial-gateway/internal/serial"
)

// ToRecord flattens a PortConfig into its fixed-size wire shape.
func ToRecord(c portconfig.PortConfig) PortRecord {
	enabled := byte(0)
	if c.Enabled {
		enabled = 1
	}
	return PortRecord{
		PortID:                int32(c.PortID),
		TCPPort:               int32(c.TCPPort),
		TCPBacklog:            int32(c.TCPBacklog),
		UARTNum:               int32(c.Binding.UARTNum),
		TXPin:                 int32(c.Binding.TXPin),
		RXPin:                 int32(c.Binding.RXPin),
		RTSPin:                int32(c.Binding.RTSPin),
		CTSPin:                int32(c.Binding.CTSPin),
		Baud:                  int32(c.Params.Baud),
		IdleTimeoutMS:         int32(c.IdleTimeoutMS),
		MaxConcurrentSessions: int32(c.MaxConcurrentSessions),
		DataBits:              byte(c.Params.DataBits),
		Parity:                byte(c.Params.Parity),
		StopBits:              byte(c.Params.StopBits),
		FlowControl:           byte(c.Params.Flow),
		Mode:                  byte(c.Mode),
		Enabled:               enabled,
	}
}

// FromRecord reconstructs the PortConfig a record describes.
func FromRecord(r PortRecord) portconfig.PortConfig {
	return portconfig.PortConfig{
		PortID:     int(r.PortID),
		TCPPort:    int(r.TCPPort),
		TCPBacklog: int(r.TCPBacklog),
		Binding: serial.Binding{
			UARTNum: int(r.UARTNum),
			TXPin:   int(r.TXPin),
			RXPin:   int(r.RXPin),
			RTSPin:  int(r.RTSPin),
			CTSPin:  int(r.CTSPin),
		},
		Params: serial.Params{
			Baud:     int(r.Baud),
			DataBits: int(r.DataBits),
			Parity:   serial.Parity(r.Parity),
			StopBits: serial.StopBits(r.StopBits),
			Flow:     serial.FlowControl(r.FlowControl),
		},
		Mode:                  portconfig.Mode(r.Mode),
		IdleTimeoutMS:         int(r.IdleTimeoutMS),
		Enabled:               r.Enabled != 0,
		MaxConcurrentSessions: int(r.MaxConcurrentSessions),
	}
}
