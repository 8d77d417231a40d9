// Package binary is the reference implementation of decoder.Decoder: a
// forward-only reader over a Wasm MVP binary module, tokenizing sections
// and function-body operators and feeding them to a decoder.ModuleCallbacks
// / decoder.SegmentCallbacks implementation (spec.md §1, §6, §9). LEB128
// primitives are grounded on wippyai-wasm-runtime's wasm/leb128.go, adapted
// from an io.ByteReader to a position-tracking byte-slice cursor so every
// malformed-input report carries a byte offset. Faults inside a section are
// reported at the module-level offset just past that section's payload,
// not at the faulty byte itself.
package binary

import (
	"encoding/binary"
)

// reader is a forward-only cursor over one module's bytes.
type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader { return &reader{buf: buf} }

func (r *reader) offset() int64 { return int64(r.pos) }

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, errUnexpectedEOF
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, errUnexpectedEOF
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// sub carves out a bounded sub-reader over the next n bytes and advances
// past them, used to scope one section's payload so a malformed inner
// field can never read into the next section.
func (r *reader) sub(n int) (*reader, error) {
	b, err := r.readBytes(n)
	if err != nil {
		return nil, err
	}
	return &reader{buf: b}, nil
}

// errUnexpectedEOF is wrapped with an offset by the caller before being
// handed to OnError; kept distinct from loaderr so this package stays
// decoder-self-contained per spec.md §1's "decoder is out of core scope".
var errUnexpectedEOF = errEOF{}

type errEOF struct{}

func (errEOF) Error() string { return "unexpected end of input" }

// readU32 reads an unsigned LEB128 value up to 32 bits.
func (r *reader) readU32() (uint32, error) {
	var result uint32
	var shift uint
	for {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, errLEBOverflow
		}
	}
}

// readU64 reads an unsigned LEB128 value up to 64 bits.
func (r *reader) readU64() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 70 {
			return 0, errLEBOverflow
		}
	}
}

// readS32 reads a signed, sign-extended LEB128 value up to 32 bits.
func (r *reader) readS32() (int32, error) {
	var result int32
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.readByte()
		if err != nil {
			return 0, err
		}
		result |= int32(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if shift >= 35 {
			return 0, errLEBOverflow
		}
	}
	if shift < 32 && b&0x40 != 0 {
		result |= ^int32(0) << shift
	}
	return result, nil
}

// readS64 reads a signed, sign-extended LEB128 value up to 64 bits.
func (r *reader) readS64() (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.readByte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if shift >= 70 {
			return 0, errLEBOverflow
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= ^int64(0) << shift
	}
	return result, nil
}

var errLEBOverflow = errLEB{}

type errLEB struct{}

func (errLEB) Error() string { return "leb128: overflow" }

func (r *reader) readF32Bits() (uint32, error) {
	b, err := r.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) readF64Bits() (uint64, error) {
	b, err := r.readBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) readString() (string, error) {
	n, err := r.readU32()
	if err != nil {
		return "", err
	}
	b, err := r.readBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
