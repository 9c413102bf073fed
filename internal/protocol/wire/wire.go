// Package wire encodes and decodes the primitive data types shared by the
// transport, connection and file-transfer protocols (RFC 4251 section 5).
//
// Decoding goes through a Reader cursor over an immutable byte slice; encoding
// appends to a caller-owned slice so a packet is built with one allocation.
package wire

import (
	"encoding/binary"
	"errors"
	"math/big"
	"strings"
)

var (
	ErrShortBuffer  = errors.New("wire: short buffer")
	ErrInvalidMPInt = errors.New("wire: invalid mpint")
)

// Reader is a forward-only cursor over b.
type Reader struct {
	b   []byte
	off int
}

func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.b) - r.off
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int {
	return r.off
}

func (r *Reader) Byte() (byte, error) {
	if r.Len() < 1 {
		return 0, ErrShortBuffer
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *Reader) Bool() (bool, error) {
	v, err := r.Byte()
	return v != 0, err
}

func (r *Reader) Uint32() (uint32, error) {
	if r.Len() < 4 {
		return 0, ErrShortBuffer
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, nil
}

func (r *Reader) Uint64() (uint64, error) {
	if r.Len() < 8 {
		return 0, ErrShortBuffer
	}
	v := binary.BigEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v, nil
}

// Bytes returns the next n raw bytes. The result aliases the underlying slice.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, ErrShortBuffer
	}
	v := r.b[r.off : r.off+n : r.off+n]
	r.off += n
	return v, nil
}

// String reads a uint32 length-prefixed byte string.
func (r *Reader) String() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(r.Len()) {
		r.off -= 4
		return nil, ErrShortBuffer
	}
	return r.Bytes(int(n))
}

func (r *Reader) Text() (string, error) {
	b, err := r.String()
	return string(b), err
}

func (r *Reader) NameList() ([]string, error) {
	s, err := r.Text()
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return strings.Split(s, ","), nil
}

// MPInt reads a two's complement multiple precision integer. Negative values
// are rejected since no field of the supported protocols carries one.
func (r *Reader) MPInt() (*big.Int, error) {
	b, err := r.String()
	if err != nil {
		return nil, err
	}
	if len(b) > 0 && b[0]&0x80 != 0 {
		return nil, ErrInvalidMPInt
	}
	return new(big.Int).SetBytes(b), nil
}

// Rest consumes and returns every unread byte.
func (r *Reader) Rest() []byte {
	v := r.b[r.off:]
	r.off = len(r.b)
	return v
}

func AppendByte(b []byte, v byte) []byte {
	return append(b, v)
}

func AppendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

func AppendUint32(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}

func AppendUint64(b []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(b, v)
}

func AppendString(b []byte, v []byte) []byte {
	b = AppendUint32(b, uint32(len(v)))
	return append(b, v...)
}

func AppendText(b []byte, v string) []byte {
	b = AppendUint32(b, uint32(len(v)))
	return append(b, v...)
}

func AppendNameList(b []byte, names []string) []byte {
	return AppendText(b, strings.Join(names, ","))
}

// AppendMPInt appends a non-negative v in mpint form: big-endian magnitude,
// prefixed with a zero byte when the high bit is set, empty for zero.
func AppendMPInt(b []byte, v *big.Int) []byte {
	return AppendString(b, MPIntBytes(v))
}

// MPIntBytes returns the mpint body of v without the length prefix.
func MPIntBytes(v *big.Int) []byte {
	if v.Sign() == 0 {
		return nil
	}
	mag := v.Bytes()
	if mag[0]&0x80 != 0 {
		out := make([]byte, len(mag)+1)
		copy(out[1:], mag)
		return out
	}
	return mag
}
