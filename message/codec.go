package message

import (
	"encoding/binary"
	"math"
)

// pad4 returns n rounded up to the next multiple of 4.
func pad4(n int) int {
	return (n + 3) &^ 3
}

// wireLen returns the padded wire length of a NUL-terminated string
// field (address or typetag), including its terminator.
func wireLen(s string) int {
	return pad4(len(s) + 1)
}

func putString(buf []byte, s string) []byte {
	n := wireLen(s)
	start := len(buf)
	buf = append(buf, make([]byte, n)...)
	copy(buf[start:], s)
	return buf
}

func argsWireLen(args []Arg) int {
	total := 0
	for _, a := range args {
		total += argWireLen(a)
	}
	return total
}

func argWireLen(a Arg) int {
	switch a.Type {
	case TypeInt32, TypeFloat32, TypeChar:
		return 4
	case TypeInt64, TypeFloat64, TypeTimetag:
		return 8
	case TypeString, TypeSymbol:
		return wireLen(a.S)
	case TypeBlob:
		return 4 + pad4(a.Blob.Len())
	case TypeMidi:
		return 4
	case TypeBool:
		return 4
	case TypeTrue, TypeFalse, TypeNil, TypeInfinity:
		return 0
	default:
		return 0
	}
}

// EncodeMessage encodes a complete message to wire bytes: the
// timestamp, followed by the OSC-compatible address/typetag/args
// layout described in the data model. The backing buffer comes from
// store's size-classed free list rather than a fresh allocation, and
// is recorded on m so a subsequent Store.Recycle(m) returns it once
// the caller is done with the encoded bytes (after the send
// completes, never before).
func EncodeMessage(store *Store, m *Message) ([]byte, error) {
	if len(m.Address) == 0 || (m.Address[0] != '/' && m.Address[0] != '!') {
		return nil, ErrAddressInvalid
	}
	n := m.Len()
	out := store.acquire(n)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], math.Float64bits(m.Timestamp))
	out = append(out, ts[:]...)
	out = putString(out, m.Address)
	out = putString(out, ","+m.Typetag)
	for _, a := range m.Args {
		out = encodeArg(out, a)
	}
	m.buf = out
	m.allocated = classFor(n)
	m.length = len(out)
	return out, nil
}

func encodeArg(out []byte, a Arg) []byte {
	switch a.Type {
	case TypeInt32, TypeChar:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(a.I))
		return append(out, b[:]...)
	case TypeInt64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(a.H))
		return append(out, b[:]...)
	case TypeFloat32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], math.Float32bits(a.F))
		return append(out, b[:]...)
	case TypeFloat64, TypeTimetag:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(a.D))
		return append(out, b[:]...)
	case TypeString, TypeSymbol:
		return putString(out, a.S)
	case TypeBlob:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(a.Blob.Len()))
		out = append(out, b[:]...)
		out = append(out, a.Blob.Bytes()...)
		pad := pad4(a.Blob.Len()) - a.Blob.Len()
		if pad > 0 {
			out = append(out, make([]byte, pad)...)
		}
		return out
	case TypeMidi:
		return append(out, a.Midi[0], a.Midi[1], a.Midi[2], a.Midi[3])
	case TypeBool:
		var b [4]byte
		if a.I != 0 {
			binary.BigEndian.PutUint32(b[:], 1)
		}
		return append(out, b[:]...)
	case TypeTrue, TypeFalse, TypeNil, TypeInfinity:
		return out
	default:
		return out
	}
}

// DecodeMessage decodes raw wire bytes into a Message. It returns a
// *MalformedError if the buffer is shorter than the timestamp field,
// the address or typetag is not NUL-terminated (or its padding runs
// past the buffer), the address or typetag has the wrong leading
// character, a typetag code is unknown, or an argument would read past
// the end of the buffer.
func DecodeMessage(raw []byte) (*Message, error) {
	if len(raw) < 8 {
		return nil, malformed(0, "buffer shorter than timestamp field")
	}
	ts := math.Float64frombits(binary.BigEndian.Uint64(raw[:8]))
	off := 8

	addr, off, err := readString(raw, off)
	if err != nil {
		return nil, err
	}
	if len(addr) == 0 || (addr[0] != '/' && addr[0] != '!') {
		return nil, malformed(8, "address must start with '/' or '!'")
	}

	tt, off, err := readString(raw, off)
	if err != nil {
		return nil, err
	}
	if len(tt) == 0 || tt[0] != ',' {
		return nil, malformed(off, "typetag must start with ','")
	}
	typetag := tt[1:]

	args := make([]Arg, 0, len(typetag))
	for i := 0; i < len(typetag); i++ {
		var a Arg
		a, off, err = readArg(raw, off, typetag[i])
		if err != nil {
			return nil, err
		}
		args = append(args, a)
	}

	return &Message{
		Timestamp: ts,
		Address:   addr,
		Typetag:   typetag,
		Args:      args,
		length:    off,
	}, nil
}

func readString(raw []byte, off int) (string, int, error) {
	nul := -1
	for i := off; i < len(raw); i++ {
		if raw[i] == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return "", off, malformed(off, "string field missing NUL terminator")
	}
	end := off + pad4(nul-off+1)
	if end > len(raw) {
		return "", off, malformed(off, "string field padding exceeds buffer")
	}
	return string(raw[off:nul]), end, nil
}

func readArg(raw []byte, off int, code byte) (Arg, int, error) {
	need := func(n int) error {
		if off+n > len(raw) {
			return malformed(off, "argument would read past end of buffer")
		}
		return nil
	}
	switch code {
	case TypeInt32, TypeChar:
		if err := need(4); err != nil {
			return Arg{}, off, err
		}
		v := int32(binary.BigEndian.Uint32(raw[off : off+4]))
		return Arg{Type: code, I: v}, off + 4, nil
	case TypeInt64:
		if err := need(8); err != nil {
			return Arg{}, off, err
		}
		v := int64(binary.BigEndian.Uint64(raw[off : off+8]))
		return Arg{Type: code, H: v}, off + 8, nil
	case TypeFloat32:
		if err := need(4); err != nil {
			return Arg{}, off, err
		}
		v := math.Float32frombits(binary.BigEndian.Uint32(raw[off : off+4]))
		return Arg{Type: code, F: v}, off + 4, nil
	case TypeFloat64, TypeTimetag:
		if err := need(8); err != nil {
			return Arg{}, off, err
		}
		v := math.Float64frombits(binary.BigEndian.Uint64(raw[off : off+8]))
		return Arg{Type: code, D: v}, off + 8, nil
	case TypeString, TypeSymbol:
		s, newOff, err := readString(raw, off)
		if err != nil {
			return Arg{}, off, err
		}
		return Arg{Type: code, S: s}, newOff, nil
	case TypeBlob:
		if err := need(4); err != nil {
			return Arg{}, off, err
		}
		n := int(binary.BigEndian.Uint32(raw[off : off+4]))
		off += 4
		if n < 0 || off+n > len(raw) {
			return Arg{}, off, malformed(off, "blob size exceeds buffer")
		}
		padded := pad4(n)
		if off+padded > len(raw) {
			return Arg{}, off, malformed(off, "blob padding exceeds buffer")
		}
		return Arg{Type: code, Blob: NewBlob(raw[off : off+n])}, off + padded, nil
	case TypeMidi:
		if err := need(4); err != nil {
			return Arg{}, off, err
		}
		var m [4]byte
		copy(m[:], raw[off:off+4])
		return Arg{Type: code, Midi: m}, off + 4, nil
	case TypeBool:
		if err := need(4); err != nil {
			return Arg{}, off, err
		}
		v := binary.BigEndian.Uint32(raw[off : off+4])
		i := int32(0)
		if v != 0 {
			i = 1
		}
		return Arg{Type: code, I: i}, off + 4, nil
	case TypeTrue, TypeFalse, TypeNil, TypeInfinity:
		return Arg{Type: code}, off, nil
	default:
		return Arg{}, off, malformed(off, "unknown typetag code")
	}
}
