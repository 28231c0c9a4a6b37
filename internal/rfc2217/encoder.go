package rfc2217

// Encoder turns UART-bound-for-TCP bytes and COM-PORT-OPTION facts into
// wire bytes: IAC doubling on the data stream and +100-offset subnegotiation
// replies/notifications, the server-side mirror of a client's Write and
// writeSubnegotiation functions. Encoder carries no negotiation state of
// its own — the session decides what is legal to send based on what the
// Decoder has recorded as enabled.
type Encoder struct{}

// EncodeData appends src to dst with every 0xFF doubled, per RFC 854's
// requirement that IAC never appear unescaped in the data stream.
func (Encoder) EncodeData(dst, src []byte) []byte {
	for _, b := range src {
		if b == IAC {
			dst = append(dst, IAC)
		}
		dst = append(dst, b)
	}
	return dst
}

func appendSubneg(dst []byte, baseCmd byte, payload []byte) []byte {
	dst = append(dst, IAC, SB, OptComPort, baseCmd+ServerReplyOffset)
	for _, b := range payload {
		if b == IAC {
			dst = append(dst, IAC)
		}
		dst = append(dst, b)
	}
	return append(dst, IAC, SE)
}

// AckBaud encodes a SET-BAUDRATE reply carrying the UART's effective rate.
func (Encoder) AckBaud(dst []byte, baud uint32) []byte {
	payload := putU32BE(nil, baud)
	return appendSubneg(dst, SubSetBaudRate, payload)
}

// AckByte encodes a single-byte-payload reply (SET-DATASIZE, SET-PARITY,
// SET-STOPSIZE, SET-CONTROL, SET-LINESTATE-MASK, SET-MODEMSTATE-MASK,
// PURGE-DATA) for the given base (non-offset) subcommand.
func (Encoder) AckByte(dst []byte, baseCmd byte, v byte) []byte {
	return appendSubneg(dst, baseCmd, []byte{v})
}

// NotifyLineState encodes an unsolicited line-state notification, valid
// only once the client has set a nonzero line-state mask.
func (Encoder) NotifyLineState(dst []byte, v byte) []byte {
	return appendSubneg(dst, SubNotifyLineState, []byte{v})
}

// NotifyModemState encodes an unsolicited modem-state notification, valid
// only once the client has set a nonzero modem-state mask.
func (Encoder) NotifyModemState(dst []byte, v byte) []byte {
	return appendSubneg(dst, SubNotifyModemState, []byte{v})
}

// Signature encodes a SIGNATURE reply carrying this server's identity
// string.
func (Encoder) Signature(dst []byte, sig string) []byte {
	return appendSubneg(dst, SubSignature, []byte(sig))
}
