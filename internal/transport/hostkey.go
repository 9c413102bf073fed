package transport

import (
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/danmuck/edgessh/internal/protocol/wire"
)

type hostKeyAlgorithm struct {
	keyType   string
	sigFormat string
}

var hostKeyAlgorithms = map[string]hostKeyAlgorithm{
	"rsa-sha2-256": {keyType: ssh.KeyAlgoRSA, sigFormat: ssh.KeyAlgoRSASHA256},
	"rsa-sha2-512": {keyType: ssh.KeyAlgoRSA, sigFormat: ssh.KeyAlgoRSASHA512},
	"ssh-rsa":      {keyType: ssh.KeyAlgoRSA, sigFormat: ssh.KeyAlgoRSA},
	"ssh-dss":      {keyType: ssh.KeyAlgoDSA, sigFormat: ssh.KeyAlgoDSA},
}

// verifyHostSignature checks sigBlob over the exchange hash with the server
// host key. The signature format must be the one implied by alg.
func verifyHostSignature(alg string, hostKey, exchangeHash, sigBlob []byte) (ssh.PublicKey, error) {
	want, ok := hostKeyAlgorithms[alg]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHostKeyAlgorithm, alg)
	}
	pub, err := ssh.ParsePublicKey(hostKey)
	if err != nil {
		return nil, fmt.Errorf("transport: parse host key: %w", err)
	}
	if pub.Type() != want.keyType {
		return nil, fmt.Errorf("%w: got %s for %s", ErrHostKeyAlgorithm, pub.Type(), alg)
	}

	r := wire.NewReader(sigBlob)
	format, err := r.Text()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	blob, err := r.String()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	if format != want.sigFormat {
		return nil, fmt.Errorf("%w: signature format %s for %s", ErrSignature, format, alg)
	}
	if err := pub.Verify(exchangeHash, &ssh.Signature{Format: format, Blob: blob}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return pub, nil
}
