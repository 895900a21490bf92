// Package yproto implements the relay-side half of the Yjs wire protocol:
// the lib0 binary primitives, the sync message framing, an opaque update
// replica, and the awareness state machine.
//
// The relay never interprets document update bytes. It only needs to parse
// the framing around them so that it can route sync, awareness, and file-op
// messages to the right peers and persist document state between sessions.
package yproto

import (
	"errors"
	"math/bits"
)

// Channel message types, first varint of every binary frame.
const (
	MessageSync      uint64 = 0
	MessageAwareness uint64 = 1
	MessageFileOp    uint64 = 2
)

// Sync protocol sub-message types.
const (
	SyncStep1  uint64 = 0 // state-vector query
	SyncStep2  uint64 = 1 // update payload answering a step-1
	SyncUpdate uint64 = 2 // incremental update
)

var (
	// ErrShortBuffer is returned when a frame ends mid-field.
	ErrShortBuffer = errors.New("yproto: short buffer")
	// ErrVarintOverflow is returned for varints longer than 64 bits.
	ErrVarintOverflow = errors.New("yproto: varint overflow")
)

// Decoder reads lib0-encoded primitives from a byte slice.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining returns the undecoded tail of the buffer.
func (d *Decoder) Remaining() []byte {
	return d.buf[d.pos:]
}

// ReadVarUint reads a lib0 variable-length unsigned integer: 7 bits per
// byte, least significant group first, high bit set on continuation bytes.
func (d *Decoder) ReadVarUint() (uint64, error) {
	var n uint64
	var shift uint
	for {
		if d.pos >= len(d.buf) {
			return 0, ErrShortBuffer
		}
		b := d.buf[d.pos]
		d.pos++
		if shift == 63 && b > 1 {
			return 0, ErrVarintOverflow
		}
		n |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return n, nil
		}
		shift += 7
		if shift > 63 {
			return 0, ErrVarintOverflow
		}
	}
}

// ReadVarBytes reads a length-prefixed byte array. The returned slice
// aliases the decoder's buffer.
func (d *Decoder) ReadVarBytes() ([]byte, error) {
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.buf)-d.pos) {
		return nil, ErrShortBuffer
	}
	out := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return out, nil
}

// ReadVarString reads a length-prefixed UTF-8 string.
func (d *Decoder) ReadVarString() (string, error) {
	b, err := d.ReadVarBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Encoder writes lib0-encoded primitives into a growing buffer.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) WriteVarUint(n uint64) {
	for n >= 0x80 {
		e.buf = append(e.buf, byte(n)|0x80)
		n >>= 7
	}
	e.buf = append(e.buf, byte(n))
}

func (e *Encoder) WriteVarBytes(b []byte) {
	e.WriteVarUint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) WriteVarString(s string) {
	e.WriteVarBytes([]byte(s))
}

// WriteRaw appends bytes without a length prefix.
func (e *Encoder) WriteRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// VarUintLen reports the encoded size of n, used for pre-sizing buffers.
func VarUintLen(n uint64) int {
	if n == 0 {
		return 1
	}
	return (bits.Len64(n) + 6) / 7
}
