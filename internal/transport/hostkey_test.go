package transport

import (
	"crypto/dsa"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/danmuck/edgessh/internal/protocol/wire"
)

func signatureBlob(sig *ssh.Signature) []byte {
	b := wire.AppendText(nil, sig.Format)
	return wire.AppendString(b, sig.Blob)
}

func TestVerifyRSASignatures(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	algSigner := signer.(ssh.AlgorithmSigner)
	h := []byte("exchange hash bytes")
	blob := signer.PublicKey().Marshal()

	for _, alg := range []string{"rsa-sha2-256", "rsa-sha2-512", "ssh-rsa"} {
		sig, err := algSigner.SignWithAlgorithm(rand.Reader, h, hostKeyAlgorithms[alg].sigFormat)
		if err != nil {
			t.Fatalf("%s sign: %v", alg, err)
		}
		if _, err := verifyHostSignature(alg, blob, h, signatureBlob(sig)); err != nil {
			t.Fatalf("%s verify: %v", alg, err)
		}
		if _, err := verifyHostSignature(alg, blob, []byte("other"), signatureBlob(sig)); !errors.Is(err, ErrSignature) {
			t.Fatalf("%s expected ErrSignature for wrong hash, got %v", alg, err)
		}
	}

	sha1Sig, _ := algSigner.SignWithAlgorithm(rand.Reader, h, ssh.KeyAlgoRSA)
	if _, err := verifyHostSignature("rsa-sha2-256", blob, h, signatureBlob(sha1Sig)); !errors.Is(err, ErrSignature) {
		t.Fatalf("format mismatch must fail, got %v", err)
	}
	if _, err := verifyHostSignature("ssh-dss", blob, h, signatureBlob(sha1Sig)); !errors.Is(err, ErrHostKeyAlgorithm) {
		t.Fatalf("rsa key for ssh-dss must fail, got %v", err)
	}
}

func TestVerifyDSASignature(t *testing.T) {
	var params dsa.Parameters
	if err := dsa.GenerateParameters(&params, rand.Reader, dsa.L1024N160); err != nil {
		t.Fatalf("dsa params: %v", err)
	}
	priv := &dsa.PrivateKey{PublicKey: dsa.PublicKey{Parameters: params}}
	if err := dsa.GenerateKey(priv, rand.Reader); err != nil {
		t.Fatalf("dsa key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	h := []byte("dss exchange hash")
	sig, err := signer.Sign(rand.Reader, h)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig.Blob) != 40 {
		t.Fatalf("dss signature blob length got=%d", len(sig.Blob))
	}
	if _, err := verifyHostSignature("ssh-dss", signer.PublicKey().Marshal(), h, signatureBlob(sig)); err != nil {
		t.Fatalf("verify: %v", err)
	}
}
