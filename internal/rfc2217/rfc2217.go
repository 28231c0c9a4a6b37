// Package rfc2217 implements the server side of the telnet COM-PORT-OPTION
// protocol (RFC 2217): IAC command parsing, WILL/WONT/DO/DONT option
// negotiation with Q-method semantics, and COM-PORT-OPTION subnegotiation
// decode/encode, implementing the same wire protocol a client-role codec
// would from the opposite side — a client sends WILL and interprets the
// access server's +100 replies; this package receives WILL/DO from a
// telnet client and must itself compute the Q-method reply and emit the
// +100 acks, which a client role never needs to do.
//
// Decoder and Encoder are independent: Decoder handles bytes arriving from
// the TCP client (producing UART-bound data plus any reply bytes owed back
// to the client), Encoder turns UART-bound-for-TCP bytes and COM-PORT-OPTION
// facts into wire bytes. Neither touches a net.Conn or a serial.Channel —
// the session (internal/session) owns those and drives both halves.
package rfc2217

import "encoding/binary"

// Telnet command bytes (RFC 854).
const (
	IAC  = 0xFF
	SB   = 0xFA
	SE   = 0xF0
	WILL = 0xFB
	WONT = 0xFC
	DO   = 0xFD
	DONT = 0xFE
)

// Option numbers this server negotiates.
const (
	OptBinary  = 0
	OptEcho    = 1
	OptSGA     = 3
	OptComPort = 44 // 0x2C, COM-PORT-OPTION per RFC 2217
)

// COM-PORT-OPTION subcommand numbers, client-to-server (0..12). A server
// reply to subcommand N uses N+100, per RFC 2217 §3.
const (
	SubSignature       = 0
	SubSetBaudRate     = 1
	SubSetDataSize     = 2
	SubSetParity       = 3
	SubSetStopSize     = 4
	SubSetControl      = 5
	SubNotifyLineState = 6
	SubNotifyModemState = 7
	SubFlowSuspend     = 8
	SubFlowResume      = 9
	SubSetLineStateMask  = 10
	SubSetModemStateMask = 11
	SubPurgeData       = 12

	ServerReplyOffset = 100
)

// SET-DATASIZE / response byte values (RFC 2217 §3).
const (
	DataSizeRequest = 0
	DataSize5       = 5
	DataSize6       = 6
	DataSize7       = 7
	DataSize8       = 8
)

// SET-PARITY values.
const (
	ParityRequest = 0
	ParityNone    = 1
	ParityOdd     = 2
	ParityEven    = 3
	ParityMark    = 4
	ParitySpace   = 5
)

// SET-STOPSIZE values.
const (
	StopSizeRequest = 0
	StopSize1       = 1
	StopSize2       = 2
	StopSize15      = 3
)

// SET-CONTROL values (RFC 2217 §3, "subset" per this module's scope: flow
// control selection and DTR/RTS/BREAK, not the inbound/DCD/DSR variants).
const (
	ControlFlowRequest  = 0
	ControlFlowNone     = 1
	ControlFlowXonXoff  = 2
	ControlFlowHardware = 3
	ControlBreakRequest = 4
	ControlBreakOn      = 5
	ControlBreakOff     = 6
	ControlDTRRequest   = 7
	ControlDTROn        = 8
	ControlDTROff       = 9
	ControlRTSRequest   = 10
	ControlRTSOn        = 11
	ControlRTSOff       = 12
)

// PURGE-DATA values.
const (
	PurgeRX   = 1
	PurgeTX   = 2
	PurgeBoth = 3
)

// RequestKind identifies which COM-PORT-OPTION subcommand a Request carries.
type RequestKind int

const (
	ReqSignature RequestKind = iota
	ReqSetBaud
	ReqSetDataSize
	ReqSetParity
	ReqSetStopSize
	ReqSetControl
	ReqPollLineState
	ReqPollModemState
	ReqSetLineStateMask
	ReqSetModemStateMask
	ReqPurge
)

// Request is one actionable COM-PORT-OPTION subnegotiation the session
// must apply (to the UART or to its own notify-mask state) and then
// acknowledge via the Encoder with the resulting effective value.
type Request struct {
	Kind RequestKind
	Baud uint32 // valid when Kind == ReqSetBaud
	Byte byte   // valid for all other Kinds carrying a single-byte payload
}

// isSupportedOption reports whether opt is one of the four options this
// server negotiates. Unsupported options are always refused.
func isSupportedOption(opt byte) bool {
	switch opt {
	case OptBinary, OptEcho, OptSGA, OptComPort:
		return true
	default:
		return false
	}
}

func putU32BE(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}
