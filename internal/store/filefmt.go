package store

import "encoding/binary"

// encodeFileBlob/decodeFileBlob serialize the whole FileKV key space as a
// flat sequence of (key, value) pairs, each length-prefixed. This is
// independent of the PortRecord snapshot format in store.go: FileKV is a
// general-purpose map, of which snapshotKeyPorts is just one entry.
func encodeFileBlob(data map[string][]byte) []byte {
	out := make([]byte, 4, 64)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(data)))
	for k, v := range data {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(k)))
		out = append(out, lenBuf[:]...)
		out = append(out, k...)
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v)))
		out = append(out, lenBuf[:]...)
		out = append(out, v...)
	}
	return out
}

func decodeFileBlob(blob []byte) (map[string][]byte, error) {
	if len(blob) < 4 {
		return nil, ErrCorrupt
	}
	count := binary.LittleEndian.Uint32(blob[0:4])
	off := 4
	out := make(map[string][]byte, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(blob) {
			return nil, ErrCorrupt
		}
		klen := int(binary.LittleEndian.Uint32(blob[off : off+4]))
		off += 4
		if off+klen > len(blob) {
			return nil, ErrCorrupt
		}
		key := string(blob[off : off+klen])
		off += klen
		if off+4 > len(blob) {
			return nil, ErrCorrupt
		}
		vlen := int(binary.LittleEndian.Uint32(blob[off : off+4]))
		off += 4
		if off+vlen > len(blob) {
			return nil, ErrCorrupt
		}
		val := make([]byte, vlen)
		copy(val, blob[off:off+vlen])
		off += vlen
		out[key] = val
	}
	return out, nil
}
