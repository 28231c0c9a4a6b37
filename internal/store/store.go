// Package store implements the persistence collaborator: a small KV
// abstraction plus the exact versioned byte layout of a PortConfig
// snapshot, standing in for an embedded NVS driver's load/save/clear
// shape and its fallback-to-defaults-on-mismatch behavior, reimplemented
// as a Go KV interface with an in-memory test double and a flat-file
// production implementation instead of calling into platform NVS
// partitions.
package store

import (
	"encoding/binary"
	"errors"
)

// KV is the narrow persistence primitive the registry's persistence
// collaborator depends on; config_store.c's nvs_get/nvs_set/nvs_erase
// triad collapses to exactly these three Go methods.
type KV interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Delete(key string)
}

// ErrCorrupt means a stored blob's version or record size didn't match
// what this build expects; the caller should fall back to defaults
// rather than treat it as fatal, matching config_store_load_ports's
// boolean return.
var ErrCorrupt = errors.New("store: corrupt or unrecognized snapshot")

const (
	snapshotVersion  = 1
	recordSize       = 48 // see encodePortRecord for the exact field layout
	snapshotKeyPorts = "ports"
)

// PortRecord is the fixed-size, version-1 on-disk shape of one
// PortConfig, holding exactly the fields of the port data model in a
// stable field order.
type PortRecord struct {
	PortID                int32
	TCPPort               int32
	TCPBacklog            int32
	UARTNum               int32
	TXPin                 int32
	RXPin                 int32
	RTSPin                int32
	CTSPin                int32
	Baud                  int32
	DataBits              byte
	Parity                byte
	StopBits              byte
	FlowControl           byte
	Mode                  byte
	Enabled               byte
	MaxConcurrentSessions int32
	IdleTimeoutMS         int32
}

func encodePortRecord(r PortRecord) []byte {
	b := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(r.PortID))
	binary.LittleEndian.PutUint32(b[4:8], uint32(r.TCPPort))
	binary.LittleEndian.PutUint32(b[8:12], uint32(r.TCPBacklog))
	binary.LittleEndian.PutUint32(b[12:16], uint32(r.UARTNum))
	binary.LittleEndian.PutUint32(b[16:20], uint32(r.TXPin))
	binary.LittleEndian.PutUint32(b[20:24], uint32(r.RXPin))
	binary.LittleEndian.PutUint32(b[24:28], uint32(r.RTSPin))
	binary.LittleEndian.PutUint32(b[28:32], uint32(r.CTSPin))
	binary.LittleEndian.PutUint32(b[32:36], uint32(r.Baud))
	binary.LittleEndian.PutUint32(b[36:40], uint32(r.IdleTimeoutMS))
	binary.LittleEndian.PutUint32(b[40:44], uint32(r.MaxConcurrentSessions))
	b[44] = r.DataBits
	b[45] = r.Parity
	b[46] = r.StopBits
	b[47] = (r.FlowControl & 0x0F) | (r.Mode << 4 & 0x30) | (r.Enabled << 6 & 0x40)
	return b
}

func decodePortRecord(b []byte) PortRecord {
	return PortRecord{
		PortID:                int32(binary.LittleEndian.Uint32(b[0:4])),
		TCPPort:               int32(binary.LittleEndian.Uint32(b[4:8])),
		TCPBacklog:            int32(binary.LittleEndian.Uint32(b[8:12])),
		UARTNum:               int32(binary.LittleEndian.Uint32(b[12:16])),
		TXPin:                 int32(binary.LittleEndian.Uint32(b[16:20])),
		RXPin:                 int32(binary.LittleEndian.Uint32(b[20:24])),
		RTSPin:                int32(binary.LittleEndian.Uint32(b[24:28])),
		CTSPin:                int32(binary.LittleEndian.Uint32(b[28:32])),
		Baud:                  int32(binary.LittleEndian.Uint32(b[32:36])),
		IdleTimeoutMS:         int32(binary.LittleEndian.Uint32(b[36:40])),
		MaxConcurrentSessions: int32(binary.LittleEndian.Uint32(b[40:44])),
		DataBits:              b[44],
		Parity:                b[45],
		StopBits:              b[46],
		FlowControl:           b[47] & 0x0F,
		Mode:                  (b[47] >> 4) & 0x03,
		Enabled:               (b[47] >> 6) & 0x01,
	}
}

// EncodeSnapshot produces the exact wire format: a version byte, a
// little-endian uint32 count, then count fixed-size records.
func EncodeSnapshot(records []PortRecord) []byte {
	out := make([]byte, 0, 5+len(records)*recordSize)
	out = append(out, snapshotVersion)
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(records)))
	out = append(out, countBuf[:]...)
	for _, r := range records {
		out = append(out, encodePortRecord(r)...)
	}
	return out
}

// DecodeSnapshot parses a blob written by EncodeSnapshot. A version or
// size mismatch returns ErrCorrupt rather than a partial result, so the
// caller can fall back to defaults exactly as config_store_load_ports
// does on a bad blob.
func DecodeSnapshot(blob []byte) ([]PortRecord, error) {
	if len(blob) < 5 {
		return nil, ErrCorrupt
	}
	if blob[0] != snapshotVersion {
		return nil, ErrCorrupt
	}
	count := binary.LittleEndian.Uint32(blob[1:5])
	want := 5 + int(count)*recordSize
	if len(blob) != want {
		return nil, ErrCorrupt
	}
	out := make([]PortRecord, 0, count)
	off := 5
	for i := uint32(0); i < count; i++ {
		out = append(out, decodePortRecord(blob[off:off+recordSize]))
		off += recordSize
	}
	return out, nil
}

// SavePorts writes records under the well-known ports key.
func SavePorts(kv KV, records []PortRecord) {
	kv.Set(snapshotKeyPorts, EncodeSnapshot(records))
}

// LoadPorts reads and decodes the ports key. ok is false whenever no
// blob is present or DecodeSnapshot rejects it; callers then fall back
// to boot-config defaults.
func LoadPorts(kv KV) ([]PortRecord, bool) {
	blob, present := kv.Get(snapshotKeyPorts)
	if !present {
		return nil, false
	}
	records, err := DecodeSnapshot(blob)
	if err != nil {
		return nil, false
	}
	return records, true
}
