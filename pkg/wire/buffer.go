package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// encoder accumulates a payload using the same manual, stdlib-only style
// as the teacher's handshake/message framing, factored into helpers since
// this package carries many more field shapes than the teacher's single
// Message envelope.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u8(v uint8)   { e.buf.WriteByte(v) }
func (e *encoder) u32(v uint32) { var b [4]byte; binary.BigEndian.PutUint32(b[:], v); e.buf.Write(b[:]) }
func (e *encoder) u64(v uint64) { var b [8]byte; binary.BigEndian.PutUint64(b[:], v); e.buf.Write(b[:]) }

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf.Write(b)
}

func (e *encoder) string(s string) { e.bytes([]byte(s)) }

func (e *encoder) bytesOf() []byte { return e.buf.Bytes() }

type decoder struct {
	b   []byte
	off int
}

func newDecoder(b []byte) *decoder { return &decoder{b: b} }

var errShort = fmt.Errorf("%w: truncated field", ErrShortMessage)

func (d *decoder) u8() (uint8, error) {
	if d.off+1 > len(d.b) {
		return 0, errShort
	}
	v := d.b[d.off]
	d.off++
	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	if d.off+4 > len(d.b) {
		return 0, errShort
	}
	v := binary.BigEndian.Uint32(d.b[d.off : d.off+4])
	d.off += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if d.off+8 > len(d.b) {
		return 0, errShort
	}
	v := binary.BigEndian.Uint64(d.b[d.off : d.off+8])
	d.off += 8
	return v, nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if d.off+int(n) > len(d.b) {
		return nil, errShort
	}
	out := append([]byte(nil), d.b[d.off:d.off+int(n)]...)
	d.off += int(n)
	return out, nil
}

func (d *decoder) string() (string, error) {
	b, err := d.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) done() bool { return d.off >= len(d.b) }
