package program

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"
)

// errShortBuffer is reported when a decoder runs past the input.
var errShortBuffer = errors.New("short buffer")

// encoder appends little-endian fields. Strings are a u32 length followed by
// UTF-8 bytes; options are a one-byte tag followed by the value.
type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8) { e.buf = append(e.buf, v) }

func (e *encoder) boolean(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) u16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) i64(v int64)  { e.u64(uint64(v)) }
func (e *encoder) raw(b []byte) { e.buf = append(e.buf, b...) }

func (e *encoder) str(s string) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) optStr(s *string) {
	if s == nil {
		e.u8(0)
		return
	}
	e.u8(1)
	e.str(*s)
}

// decoder reads the encoder's format. The first failure sticks; callers
// check err once at the end.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.err = errShortBuffer
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) boolean() bool {
	switch d.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		if d.err == nil {
			d.err = errors.New("invalid bool")
		}
		return false
	}
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) i64() int64 { return int64(d.u64()) }

func (d *decoder) fixed(dst []byte) {
	if b := d.take(len(dst)); b != nil {
		copy(dst, b)
	}
}

// str reads a string of at most max bytes. Longer strings fail with
// tooLong so bounds violations surface as their own error kind.
func (d *decoder) str(max int, tooLong error) string {
	n := d.take(4)
	if n == nil {
		return ""
	}
	l := binary.LittleEndian.Uint32(n)
	if uint64(l) > uint64(len(d.buf)-d.off) {
		d.err = errShortBuffer
		return ""
	}
	if max >= 0 && int(l) > max {
		d.err = tooLong
		return ""
	}
	b := d.take(int(l))
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		d.err = errors.New("invalid utf-8")
		return ""
	}
	return string(b)
}

func (d *decoder) optStr(max int, tooLong error) *string {
	switch d.u8() {
	case 0:
		return nil
	case 1:
		s := d.str(max, tooLong)
		if d.err != nil {
			return nil
		}
		return &s
	default:
		if d.err == nil {
			d.err = errors.New("invalid option tag")
		}
		return nil
	}
}

// remaining reports unread bytes.
func (d *decoder) remaining() int { return len(d.buf) - d.off }
