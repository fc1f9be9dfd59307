package buffer

import (
	"encoding/binary"
	"io"
)

// Buffer is a wrapper around a slice of bytes with a read cursor.
// Writes always append to the end of the buffer; reads consume
// from the current read position. It is not safe for concurrent use.
type Buffer struct {
	b []byte
	i int // read index
}

// New creates a new Buffer that reads from and appends to b.
func New(b []byte) *Buffer {
	return &Buffer{b: b}
}

// Bytes returns the unconsumed bytes.
func (b *Buffer) Bytes() []byte {
	return b.b[b.i:]
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return len(b.b) - b.i
}

// Size returns the total number of bytes, consumed or not.
func (b *Buffer) Size() int {
	return len(b.b)
}

// Reset drops all bytes and rewinds the read cursor.
// The underlying storage is retained for reuse.
func (b *Buffer) Reset() {
	b.b = b.b[:0]
	b.i = 0
}

// Detach returns the unconsumed bytes and disassociates them
// from the buffer, leaving it empty.
func (b *Buffer) Detach() []byte {
	temp := b.b[b.i:]
	b.b = nil
	b.i = 0
	return temp
}

// Skip advances the read cursor by n bytes.
// Returns false if there are fewer than n unconsumed bytes.
func (b *Buffer) Skip(n int) bool {
	if b.Len() < n {
		return false
	}
	b.i += n
	return true
}

// Next returns the next n unconsumed bytes and advances the read cursor.
// If fewer than n bytes are unconsumed, all remaining bytes are returned
// along with false.
func (b *Buffer) Next(n int64) ([]byte, bool) {
	if int64(b.Len()) < n {
		buf := b.b[b.i:]
		b.i = len(b.b)
		return buf, false
	}
	buf := b.b[b.i : b.i+int(n)]
	b.i += int(n)
	return buf, true
}

// ReadByte reads a single byte.
func (b *Buffer) ReadByte() (byte, error) {
	if b.Len() < 1 {
		return 0, io.EOF
	}
	n := b.b[b.i]
	b.i++
	return n, nil
}

// PeekByte returns the next byte without advancing the read cursor.
func (b *Buffer) PeekByte() (byte, error) {
	if b.Len() < 1 {
		return 0, io.EOF
	}
	return b.b[b.i], nil
}

// ReadUint16 reads a big-endian uint16.
func (b *Buffer) ReadUint16() (uint16, error) {
	if b.Len() < 2 {
		return 0, io.EOF
	}
	n := binary.BigEndian.Uint16(b.b[b.i:])
	b.i += 2
	return n, nil
}

// ReadUint32 reads a big-endian uint32.
func (b *Buffer) ReadUint32() (uint32, error) {
	if b.Len() < 4 {
		return 0, io.EOF
	}
	n := binary.BigEndian.Uint32(b.b[b.i:])
	b.i += 4
	return n, nil
}

// ReadUint64 reads a big-endian uint64.
func (b *Buffer) ReadUint64() (uint64, error) {
	if b.Len() < 8 {
		return 0, io.EOF
	}
	n := binary.BigEndian.Uint64(b.b[b.i:])
	b.i += 8
	return n, nil
}

// ReadFromOnce performs a single read from r, appending the bytes read.
func (b *Buffer) ReadFromOnce(r io.Reader) error {
	const minRead = 512

	l := len(b.b)
	if cap(b.b)-l < minRead {
		total := l * 2
		if total == 0 {
			total = minRead
		}
		new := make([]byte, l, total)
		copy(new, b.b)
		b.b = new
	}

	n, err := r.Read(b.b[l:cap(b.b)])
	b.b = b.b[:l+n]
	return err
}

// Append appends p to the end of the buffer.
func (b *Buffer) Append(p []byte) {
	b.b = append(b.b, p...)
}

// AppendByte appends bb to the end of the buffer.
func (b *Buffer) AppendByte(bb byte) {
	b.b = append(b.b, bb)
}

// AppendString appends s to the end of the buffer.
func (b *Buffer) AppendString(s string) {
	b.b = append(b.b, s...)
}

// AppendUint16 appends n in big-endian order.
func (b *Buffer) AppendUint16(n uint16) {
	b.b = append(b.b,
		byte(n>>8),
		byte(n),
	)
}

// AppendUint32 appends n in big-endian order.
func (b *Buffer) AppendUint32(n uint32) {
	b.b = append(b.b,
		byte(n>>24),
		byte(n>>16),
		byte(n>>8),
		byte(n),
	)
}

// AppendUint64 appends n in big-endian order.
func (b *Buffer) AppendUint64(n uint64) {
	b.b = append(b.b,
		byte(n>>56),
		byte(n>>48),
		byte(n>>40),
		byte(n>>32),
		byte(n>>24),
		byte(n>>16),
		byte(n>>8),
		byte(n),
	)
}

// Reclaim moves the unconsumed bytes to the front of the
// underlying storage, reclaiming space from consumed bytes.
func (b *Buffer) Reclaim() {
	l := b.Len()
	copy(b.b[:l], b.b[b.i:])
	b.b = b.b[:l]
	b.i = 0
}
