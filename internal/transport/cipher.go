package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rc4"
	"fmt"

	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/twofish"
)

// arcfourDiscard is the keystream prefix dropped by arcfour128 and
// arcfour256 (RFC 4345).
const arcfourDiscard = 1536

// crypter transforms a whole number of blocks in place or into dst. Both
// cipher.Stream and cipher.BlockMode satisfy it through small adapters.
type crypter interface {
	crypt(dst, src []byte)
}

type streamCrypter struct{ s cipher.Stream }

func (c streamCrypter) crypt(dst, src []byte) { c.s.XORKeyStream(dst, src) }

type blockModeCrypter struct{ m cipher.BlockMode }

func (c blockModeCrypter) crypt(dst, src []byte) { c.m.CryptBlocks(dst, src) }

type nullCrypter struct{}

func (nullCrypter) crypt(dst, src []byte) { copy(dst, src) }

type blockFactory func(key []byte) (cipher.Block, error)

type mode int

const (
	modeNone mode = iota
	modeCTR
	modeCBC
	modeStream
)

// cipherMode describes one entry of the closed cipher set.
type cipherMode struct {
	keySize   int
	ivSize    int
	blockSize int
	mode      mode
	block     blockFactory
	discard   int
}

func newBlowfish(key []byte) (cipher.Block, error) { return blowfish.NewCipher(key) }
func newTwofish(key []byte) (cipher.Block, error)  { return twofish.NewCipher(key) }

var cipherModes = map[string]*cipherMode{
	"aes128-ctr": {keySize: 16, ivSize: aes.BlockSize, blockSize: aes.BlockSize, mode: modeCTR, block: aes.NewCipher},
	"aes192-ctr": {keySize: 24, ivSize: aes.BlockSize, blockSize: aes.BlockSize, mode: modeCTR, block: aes.NewCipher},
	"aes256-ctr": {keySize: 32, ivSize: aes.BlockSize, blockSize: aes.BlockSize, mode: modeCTR, block: aes.NewCipher},
	"aes128-cbc": {keySize: 16, ivSize: aes.BlockSize, blockSize: aes.BlockSize, mode: modeCBC, block: aes.NewCipher},
	"aes192-cbc": {keySize: 24, ivSize: aes.BlockSize, blockSize: aes.BlockSize, mode: modeCBC, block: aes.NewCipher},
	"aes256-cbc": {keySize: 32, ivSize: aes.BlockSize, blockSize: aes.BlockSize, mode: modeCBC, block: aes.NewCipher},

	"twofish128-ctr": {keySize: 16, ivSize: twofish.BlockSize, blockSize: twofish.BlockSize, mode: modeCTR, block: newTwofish},
	"twofish192-ctr": {keySize: 24, ivSize: twofish.BlockSize, blockSize: twofish.BlockSize, mode: modeCTR, block: newTwofish},
	"twofish256-ctr": {keySize: 32, ivSize: twofish.BlockSize, blockSize: twofish.BlockSize, mode: modeCTR, block: newTwofish},
	"twofish128-cbc": {keySize: 16, ivSize: twofish.BlockSize, blockSize: twofish.BlockSize, mode: modeCBC, block: newTwofish},
	"twofish192-cbc": {keySize: 24, ivSize: twofish.BlockSize, blockSize: twofish.BlockSize, mode: modeCBC, block: newTwofish},
	"twofish256-cbc": {keySize: 32, ivSize: twofish.BlockSize, blockSize: twofish.BlockSize, mode: modeCBC, block: newTwofish},
	"twofish-cbc":    {keySize: 32, ivSize: twofish.BlockSize, blockSize: twofish.BlockSize, mode: modeCBC, block: newTwofish},

	"blowfish-ctr": {keySize: 32, ivSize: blowfish.BlockSize, blockSize: blowfish.BlockSize, mode: modeCTR, block: newBlowfish},
	"blowfish-cbc": {keySize: 16, ivSize: blowfish.BlockSize, blockSize: blowfish.BlockSize, mode: modeCBC, block: newBlowfish},

	"3des-ctr": {keySize: 24, ivSize: des.BlockSize, blockSize: des.BlockSize, mode: modeCTR, block: des.NewTripleDESCipher},
	"3des-cbc": {keySize: 24, ivSize: des.BlockSize, blockSize: des.BlockSize, mode: modeCBC, block: des.NewTripleDESCipher},

	"arcfour256": {keySize: 32, blockSize: 8, mode: modeStream, discard: arcfourDiscard},
	"arcfour128": {keySize: 16, blockSize: 8, mode: modeStream, discard: arcfourDiscard},
	"arcfour":    {keySize: 16, blockSize: 8, mode: modeStream},

	CipherNone: {blockSize: 8, mode: modeNone},
}

// maxCipherKeySize returns the largest key any of names needs.
func maxCipherKeySize(names ...string) int {
	size := 0
	for _, name := range names {
		if m, ok := cipherModes[name]; ok && m.keySize > size {
			size = m.keySize
		}
	}
	return size
}

func newCrypter(name string, key, iv []byte, encrypt bool) (crypter, error) {
	m, ok := cipherModes[name]
	if !ok {
		return nil, fmt.Errorf("transport: unknown cipher %q", name)
	}
	switch m.mode {
	case modeNone:
		return nullCrypter{}, nil
	case modeStream:
		rc, err := rc4.NewCipher(key[:m.keySize])
		if err != nil {
			return nil, fmt.Errorf("transport: %s: %w", name, err)
		}
		if m.discard > 0 {
			junk := make([]byte, m.discard)
			rc.XORKeyStream(junk, junk)
		}
		return streamCrypter{s: rc}, nil
	}

	block, err := m.block(key[:m.keySize])
	if err != nil {
		return nil, fmt.Errorf("transport: %s: %w", name, err)
	}
	if m.mode == modeCTR {
		return streamCrypter{s: cipher.NewCTR(block, iv[:m.ivSize])}, nil
	}
	if encrypt {
		return blockModeCrypter{m: cipher.NewCBCEncrypter(block, iv[:m.ivSize])}, nil
	}
	return blockModeCrypter{m: cipher.NewCBCDecrypter(block, iv[:m.ivSize])}, nil
}
