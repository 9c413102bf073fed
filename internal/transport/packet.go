package transport

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	// maxPacket caps the declared packet length accepted from the server.
	maxPacket  = 256 * 1024
	minPadding = 4
	minBlock   = 8
)

// direction is the per-direction half of the binary packet protocol state.
// seq is never reset, including across key exchanges.
type direction struct {
	seq       uint32
	crypter   crypter
	mac       *packetMAC
	blockSize int
}

func newDirection() direction {
	return direction{crypter: nullCrypter{}, blockSize: minBlock}
}

func (d *direction) macSize() int {
	if d.mac == nil {
		return 0
	}
	return d.mac.size
}

// setKeys installs fresh cipher and MAC state; seq continues.
func (d *direction) setKeys(cipherName, macName string, key, iv, macKey []byte, encrypt bool) error {
	c, err := newCrypter(cipherName, key, iv, encrypt)
	if err != nil {
		return err
	}
	d.crypter = c
	d.blockSize = cipherModes[cipherName].blockSize
	if d.blockSize < minBlock {
		d.blockSize = minBlock
	}
	d.mac = newPacketMAC(macName, macKey)
	return nil
}

// paddingFor returns the padding length for a payload of n bytes.
func paddingFor(n, blockSize int) int {
	pad := blockSize - (5+n)%blockSize
	if pad < minPadding {
		pad += blockSize
	}
	return pad
}

// writePacket frames, authenticates and encrypts payload, then writes it.
func (d *direction) writePacket(w io.Writer, rnd io.Reader, payload []byte) (int, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	pad := paddingFor(len(payload), d.blockSize)
	length := 1 + len(payload) + pad
	frameLen := 4 + length

	buf := make([]byte, frameLen, frameLen+d.macSize())
	binary.BigEndian.PutUint32(buf, uint32(length))
	buf[4] = byte(pad)
	copy(buf[5:], payload)
	if _, err := io.ReadFull(rnd, buf[5+len(payload):]); err != nil {
		return 0, fmt.Errorf("transport: padding: %w", err)
	}

	var tag []byte
	if d.mac != nil {
		tag = d.mac.compute(d.seq, buf)
	}
	d.crypter.crypt(buf, buf)
	buf = append(buf, tag...)
	d.seq++

	if _, err := w.Write(buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// readPacket reads one packet. A timeout before any byte arrives returns
// ErrTimeout and leaves the stream intact; every other error is fatal.
func (d *direction) readPacket(r io.Reader) ([]byte, int, error) {
	bs := d.blockSize
	first := make([]byte, bs)
	if n, err := io.ReadFull(r, first); err != nil {
		if n == 0 && isTimeout(err) {
			return nil, 0, ErrTimeout
		}
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, 0, io.EOF
		}
		return nil, 0, err
	}
	seq := d.seq
	d.seq++

	d.crypter.crypt(first, first)
	length := binary.BigEndian.Uint32(first)
	if length > maxPacket || int(length)+4 < bs || (int(length)+4)%bs != 0 {
		return nil, 0, fmt.Errorf("%w: %d", ErrPacketLength, length)
	}

	frame := make([]byte, 4+int(length))
	copy(frame, first)
	rest := frame[bs:]
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, 0, unexpected(err)
	}
	d.crypter.crypt(rest, rest)

	if d.mac != nil {
		tag := make([]byte, d.mac.size)
		if _, err := io.ReadFull(r, tag); err != nil {
			return nil, 0, unexpected(err)
		}
		if !d.mac.verify(seq, frame, tag) {
			return nil, 0, ErrMACMismatch
		}
	}

	pad := uint32(frame[4])
	if pad < minPadding || pad >= length {
		return nil, 0, fmt.Errorf("%w: %d of %d", ErrPadding, pad, length)
	}
	payload := frame[5 : 4+length-pad]
	return payload, len(frame) + d.macSize(), nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
