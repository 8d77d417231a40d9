// Package istream implements the Istream Writer, spec.md §4.1: a scoped
// append sink over an environment-owned byte buffer supporting in-order
// append and random-access overwrite at a previously recorded offset.
package istream

import "encoding/binary"

// Writer appends to buf (normally Environment.Istream) on behalf of one
// load. It does not own buf: on success the environment keeps the grown
// buffer, on failure the environment truncates it back to the load's Mark
// (spec.md §4.1, §5).
type Writer struct {
	buf *[]byte
}

// New wraps buf, the environment's shared istream buffer.
func New(buf *[]byte) *Writer {
	return &Writer{buf: buf}
}

// CurrentOffset is the next position append would write to.
func (w *Writer) CurrentOffset() int64 {
	return int64(len(*w.buf))
}

// Append writes raw bytes at the current offset.
func (w *Writer) Append(b ...byte) {
	*w.buf = append(*w.buf, b...)
}

// AppendU8 writes one opcode/flag byte.
func (w *Writer) AppendU8(v byte) {
	w.Append(v)
}

// AppendU32 writes v little-endian.
func (w *Writer) AppendU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Append(b[:]...)
}

// AppendU64 writes v little-endian.
func (w *Writer) AppendU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.Append(b[:]...)
}

// AppendI64Offset writes a signed 64-bit istream offset (used for branch
// targets and call targets, which may still be unknown (-1) at emission
// time and get patched later via WriteI64At).
func (w *Writer) AppendI64Offset(v int64) {
	w.AppendU64(uint64(v))
}

// WriteU32At overwrites a 32-bit little-endian value previously reserved
// at offset (fixup patching).
func (w *Writer) WriteU32At(offset int64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	copy((*w.buf)[offset:offset+4], b[:])
}

// WriteI64At overwrites a 64-bit little-endian istream offset previously
// reserved at offset.
func (w *Writer) WriteI64At(offset int64, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	copy((*w.buf)[offset:offset+8], b[:])
}

// ReserveU32 appends a placeholder 32-bit slot and returns its offset, to
// be patched later with WriteU32At.
func (w *Writer) ReserveU32() int64 {
	off := w.CurrentOffset()
	w.AppendU32(0xffffffff)
	return off
}

// ReserveI64Offset appends a placeholder 64-bit istream-offset slot and
// returns its own offset, to be patched later with WriteI64At.
func (w *Writer) ReserveI64Offset() int64 {
	off := w.CurrentOffset()
	w.AppendI64Offset(-1)
	return off
}
