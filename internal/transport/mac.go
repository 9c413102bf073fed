package transport

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

type macMode struct {
	keySize int
	size    int
	new     func() hash.Hash
}

var macModes = map[string]*macMode{
	"hmac-sha2-256": {keySize: 32, size: 32, new: sha256.New},
	"hmac-sha2-512": {keySize: 64, size: 64, new: sha512.New},
	"hmac-sha1":     {keySize: 20, size: 20, new: sha1.New},
	"hmac-sha1-96":  {keySize: 20, size: 12, new: sha1.New},
	"hmac-md5":      {keySize: 16, size: 16, new: md5.New},
	"hmac-md5-96":   {keySize: 16, size: 12, new: md5.New},
	MACNone:         {},
}

// packetMAC computes the truncated HMAC of seq || frame.
type packetMAC struct {
	h    hash.Hash
	size int
	seq  [4]byte
	sum  []byte
}

func newPacketMAC(name string, key []byte) *packetMAC {
	m := macModes[name]
	if m == nil || m.new == nil {
		return nil
	}
	return &packetMAC{
		h:    hmac.New(m.new, key[:m.keySize]),
		size: m.size,
	}
}

func (p *packetMAC) compute(seq uint32, frame []byte) []byte {
	p.h.Reset()
	p.seq[0] = byte(seq >> 24)
	p.seq[1] = byte(seq >> 16)
	p.seq[2] = byte(seq >> 8)
	p.seq[3] = byte(seq)
	p.h.Write(p.seq[:])
	p.h.Write(frame)
	p.sum = p.h.Sum(p.sum[:0])
	return p.sum[:p.size]
}

func (p *packetMAC) verify(seq uint32, frame, got []byte) bool {
	return hmac.Equal(p.compute(seq, frame), got)
}
