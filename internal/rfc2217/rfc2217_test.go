package rfc2217_test

import (
	"bytes"
	"testing"

	"github.com/cybroslabs/serial-gateway/internal/rfc2217"
)

func TestDecoderStartSequence(t *testing.T) {
	d := rfc2217.NewDecoder()
	got := d.Start()
	want := []byte{
		0xFF, 0xFB, 0x00, // WILL BINARY
		0xFF, 0xFD, 0x00, // DO BINARY
		0xFF, 0xFB, 0x03, // WILL SGA
		0xFF, 0xFD, 0x03, // DO SGA
		0xFF, 0xFB, 0x2C, // WILL COM-PORT-OPTION
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Start() = % X, want % X", got, want)
	}
}

func TestDecoderAckOfOwnProposalsProducesNoReply(t *testing.T) {
	d := rfc2217.NewDecoder()
	d.Start()

	clientAck := []byte{
		0xFF, 0xFD, 0x00, // DO BINARY (ack of our WILL)
		0xFF, 0xFB, 0x00, // WILL BINARY (ack of our DO)
		0xFF, 0xFD, 0x03, // DO SGA
		0xFF, 0xFB, 0x03, // WILL SGA
		0xFF, 0xFD, 0x2C, // DO COM-PORT-OPTION
	}
	data, replies, reqs := d.Decode(clientAck)
	if len(data) != 0 {
		t.Fatalf("expected no data bytes, got % X", data)
	}
	if len(replies) != 0 {
		t.Fatalf("expected no reply bytes to pure acks, got % X", replies)
	}
	if len(reqs) != 0 {
		t.Fatalf("expected no requests, got %+v", reqs)
	}
}

func TestDecoderUnsupportedOptionRefused(t *testing.T) {
	d := rfc2217.NewDecoder()
	// Client proposes NAWS (31), which we don't support.
	_, replies, _ := d.Decode([]byte{0xFF, 0xFB, 31})
	want := []byte{0xFF, 0xFE, 31} // DONT 31
	if !bytes.Equal(replies, want) {
		t.Fatalf("replies = % X, want % X", replies, want)
	}
}

func TestDecoderSetBaudRateSubnegotiation(t *testing.T) {
	d := rfc2217.NewDecoder()
	// IAC SB COM-PORT-OPTION SET-BAUDRATE 00 00 96 00 IAC SE -> 38400
	in := []byte{0xFF, 0xFA, 0x2C, 0x01, 0x00, 0x00, 0x96, 0x00, 0xFF, 0xF0}
	data, replies, reqs := d.Decode(in)
	if len(data) != 0 || len(replies) != 0 {
		t.Fatalf("unexpected data/replies: % X / % X", data, replies)
	}
	if len(reqs) != 1 || reqs[0].Kind != rfc2217.ReqSetBaud || reqs[0].Baud != 38400 {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
}

func TestEncoderAckBaudMatchesWireFormat(t *testing.T) {
	var enc rfc2217.Encoder
	got := enc.AckBaud(nil, 38400)
	want := []byte{0xFF, 0xFA, 0x2C, 0x65, 0x00, 0x00, 0x96, 0x00, 0xFF, 0xF0}
	if !bytes.Equal(got, want) {
		t.Fatalf("AckBaud = % X, want % X", got, want)
	}
}

func TestEncoderDataDoublesIAC(t *testing.T) {
	var enc rfc2217.Encoder
	got := enc.EncodeData(nil, []byte{0x01, 0xFF, 0x02})
	want := []byte{0x01, 0xFF, 0xFF, 0x02}
	if !bytes.Equal(got, want) {
		t.Fatalf("EncodeData = % X, want % X", got, want)
	}
}

func TestDecoderUndoublesIACInData(t *testing.T) {
	d := rfc2217.NewDecoder()
	data, _, _ := d.Decode([]byte{0x01, 0xFF, 0xFF, 0x02})
	want := []byte{0x01, 0xFF, 0x02}
	if !bytes.Equal(data, want) {
		t.Fatalf("data = % X, want % X", data, want)
	}
}

func TestDecoderSetLineStateMaskTracksState(t *testing.T) {
	d := rfc2217.NewDecoder()
	in := []byte{0xFF, 0xFA, 0x2C, 0x0A, 0x7F, 0xFF, 0xF0} // SET-LINESTATE-MASK 0x7F
	_, _, reqs := d.Decode(in)
	if len(reqs) != 1 || reqs[0].Kind != rfc2217.ReqSetLineStateMask || reqs[0].Byte != 0x7F {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
	if d.LineStateMask() != 0x7F {
		t.Fatalf("LineStateMask() = %x, want 0x7F", d.LineStateMask())
	}
}

func TestDecoderUnknownSubcommandDroppedSilently(t *testing.T) {
	d := rfc2217.NewDecoder()
	in := []byte{0xFF, 0xFA, 0x2C, 99, 0x01, 0xFF, 0xF0}
	data, replies, reqs := d.Decode(in)
	if len(data) != 0 || len(replies) != 0 || len(reqs) != 0 {
		t.Fatalf("expected no effect, got data=% X replies=% X reqs=%+v", data, replies, reqs)
	}
}

func TestDecoderMixedDataAndSubnegInOneChunk(t *testing.T) {
	d := rfc2217.NewDecoder()
	in := append([]byte("AB"), []byte{0xFF, 0xFA, 0x2C, 0x0C, rfc2217.PurgeBoth, 0xFF, 0xF0}...)
	in = append(in, []byte("CD")...)
	data, _, reqs := d.Decode(in)
	if string(data) != "ABCD" {
		t.Fatalf("data = %q, want ABCD", data)
	}
	if len(reqs) != 1 || reqs[0].Kind != rfc2217.ReqPurge || reqs[0].Byte != rfc2217.PurgeBoth {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
}
