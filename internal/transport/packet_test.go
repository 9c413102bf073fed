package transport

import (
	"bytes"
	"crypto/rand"
	"errors"
	"sort"
	"testing"

	"github.com/danmuck/edgessh/internal/testutil/testlog"
)

func keyedPair(t *testing.T, cipherName, macName string) (*direction, *direction) {
	t.Helper()
	key := make([]byte, 64)
	iv := make([]byte, 16)
	macKey := make([]byte, 64)
	for _, b := range [][]byte{key, iv, macKey} {
		if _, err := rand.Read(b); err != nil {
			t.Fatalf("rand: %v", err)
		}
	}
	tx, rx := newDirection(), newDirection()
	if err := tx.setKeys(cipherName, macName, key, iv, macKey, true); err != nil {
		t.Fatalf("tx keys %s/%s: %v", cipherName, macName, err)
	}
	if err := rx.setKeys(cipherName, macName, key, iv, macKey, false); err != nil {
		t.Fatalf("rx keys %s/%s: %v", cipherName, macName, err)
	}
	return &tx, &rx
}

func names[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestPacketRoundTripEveryCipherAndMAC(t *testing.T) {
	testlog.Start(t)

	sizes := []int{1, 3, 15, 16, 17, 31, 255, 1000, 32768}
	for _, cipherName := range names(cipherModes) {
		for _, macName := range names(macModes) {
			tx, rx := keyedPair(t, cipherName, macName)
			var stream bytes.Buffer
			bs := tx.blockSize
			for _, size := range sizes {
				payload := make([]byte, size)
				rand.Read(payload)
				n, err := tx.writePacket(&stream, nil, payload)
				if err != nil {
					t.Fatalf("%s/%s write %d: %v", cipherName, macName, size, err)
				}
				if framed := n - tx.macSize(); framed%bs != 0 {
					t.Fatalf("%s/%s framed length %d not a multiple of %d", cipherName, macName, framed, bs)
				}
				got, _, err := rx.readPacket(&stream)
				if err != nil {
					t.Fatalf("%s/%s read %d: %v", cipherName, macName, size, err)
				}
				if !bytes.Equal(got, payload) {
					t.Fatalf("%s/%s payload %d mismatch", cipherName, macName, size)
				}
			}
			if tx.seq != uint32(len(sizes)) || rx.seq != tx.seq {
				t.Fatalf("%s/%s seq tx=%d rx=%d", cipherName, macName, tx.seq, rx.seq)
			}
		}
	}
}

func TestPaddingArithmetic(t *testing.T) {
	for _, bs := range []int{8, 16} {
		for n := 0; n < 100; n++ {
			pad := paddingFor(n, bs)
			if pad < 4 || pad >= 4+bs {
				t.Fatalf("bs=%d n=%d pad=%d out of range", bs, n, pad)
			}
			if (5+n+pad)%bs != 0 {
				t.Fatalf("bs=%d n=%d pad=%d not aligned", bs, n, pad)
			}
		}
	}
}

func TestMACMismatchDetected(t *testing.T) {
	testlog.Start(t)

	tx, rx := keyedPair(t, "aes128-ctr", "hmac-sha2-256")
	var stream bytes.Buffer
	if _, err := tx.writePacket(&stream, nil, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw := stream.Bytes()
	raw[len(raw)-1] ^= 0x01
	if _, _, err := rx.readPacket(bytes.NewReader(raw)); !errors.Is(err, ErrMACMismatch) {
		t.Fatalf("expected ErrMACMismatch, got %v", err)
	}
	if rx.seq != 1 {
		t.Fatalf("receive sequence must advance on failure, got=%d", rx.seq)
	}
}

func TestOversizedLengthRejected(t *testing.T) {
	d := newDirection()
	frame := []byte{0x00, 0x10, 0x00, 0x00, 4, 0, 0, 0}
	if _, _, err := d.readPacket(bytes.NewReader(frame)); !errors.Is(err, ErrPacketLength) {
		t.Fatalf("expected ErrPacketLength, got %v", err)
	}
}

func TestMisalignedLengthRejected(t *testing.T) {
	d := newDirection()
	frame := []byte{0, 0, 0, 13, 4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if _, _, err := d.readPacket(bytes.NewReader(frame)); !errors.Is(err, ErrPacketLength) {
		t.Fatalf("expected ErrPacketLength, got %v", err)
	}
}

func TestPaddingLongerThanPacketRejected(t *testing.T) {
	d := newDirection()
	frame := []byte{0, 0, 0, 12, 12, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if _, _, err := d.readPacket(bytes.NewReader(frame)); !errors.Is(err, ErrPadding) {
		t.Fatalf("expected ErrPadding, got %v", err)
	}
}

func TestArcfourDiscardDiffersFromPlainArcfour(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	plain, err := newCrypter("arcfour", key, nil, true)
	if err != nil {
		t.Fatalf("arcfour: %v", err)
	}
	dropped, err := newCrypter("arcfour128", key, nil, true)
	if err != nil {
		t.Fatalf("arcfour128: %v", err)
	}
	a := make([]byte, 16)
	b := make([]byte, 16)
	plain.crypt(a, a)
	dropped.crypt(b, b)
	if bytes.Equal(a, b) {
		t.Fatalf("arcfour128 keystream must skip the first %d bytes", arcfourDiscard)
	}

	skip := make([]byte, arcfourDiscard)
	plain2, _ := newCrypter("arcfour", key, nil, true)
	plain2.crypt(skip, skip)
	c := make([]byte, 16)
	plain2.crypt(c, c)
	if !bytes.Equal(b, c) {
		t.Fatalf("arcfour128 got=%x want=%x", b, c)
	}
}
