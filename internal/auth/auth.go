// Package auth drives the client side of the ssh-userauth service
// (RFC 4252) over an established transport: none, password, public key and
// keyboard-interactive (RFC 4256).
//
// A failed method is an ordinary negative result. Only transport errors and
// protocol violations are returned as errors.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/danmuck/edgessh/internal/protocol/wire"
	"github.com/danmuck/edgessh/internal/transport"
)

const (
	serviceUserAuth   = "ssh-userauth"
	serviceConnection = "ssh-connection"

	MethodNone                = "none"
	MethodPassword            = "password"
	MethodPublicKey           = "publickey"
	MethodKeyboardInteractive = "keyboard-interactive"
)

var (
	ErrServiceRejected = errors.New("auth: server did not accept ssh-userauth")
	ErrNoSignature     = errors.New("auth: signer cannot produce the requested algorithm")
)

// Transport is the part of transport.Conn the authenticator uses.
type Transport interface {
	WritePacket(payload []byte) error
	ReadPacket() ([]byte, error)
	SessionID() []byte
}

// Credential is one way of proving identity. Build it with Password,
// PublicKey or KeyboardInteractive.
type Credential interface {
	method() string
}

type passwordCredential struct{ password string }

func (passwordCredential) method() string { return MethodPassword }

type publicKeyCredential struct{ signer ssh.Signer }

func (publicKeyCredential) method() string { return MethodPublicKey }

type keyboardCredential struct{ answers map[string]string }

func (keyboardCredential) method() string { return MethodKeyboardInteractive }

func Password(password string) Credential { return passwordCredential{password: password} }

func PublicKey(signer ssh.Signer) Credential { return publicKeyCredential{signer: signer} }

// KeyboardInteractive answers each server prompt with the entry whose key
// is a case-insensitive substring of the prompt. The longest key wins.
func KeyboardInteractive(answers map[string]string) Credential {
	return keyboardCredential{answers: answers}
}

// Authenticator runs the userauth exchange for one connection.
type Authenticator struct {
	t   Transport
	log zerolog.Logger

	serviceAccepted bool
	probed          bool
	authenticated   bool
	kbdExhausted    bool

	allowed []string
	banner  strings.Builder
}

// New returns an authenticator bound to t. A nil logger selects the global one.
func New(t Transport, logger *zerolog.Logger) *Authenticator {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Authenticator{t: t, log: l.With().Str("component", "auth").Logger()}
}

// Banner returns every USERAUTH_BANNER message received so far.
func (a *Authenticator) Banner() string { return a.banner.String() }

// Allowed returns the methods the server listed in its last failure.
func (a *Authenticator) Allowed() []string { return append([]string(nil), a.allowed...) }

func (a *Authenticator) Authenticated() bool { return a.authenticated }

// Authenticate tries the none method once, then each credential in order.
// It returns true on the first USERAUTH_SUCCESS.
func (a *Authenticator) Authenticate(user string, creds ...Credential) (bool, error) {
	if a.authenticated {
		return true, nil
	}
	if err := a.requestService(); err != nil {
		return false, err
	}
	if !a.probed {
		a.probed = true
		ok, err := a.send(user, MethodNone, nil)
		if err != nil || ok {
			return ok, err
		}
	}

	for _, cred := range creds {
		if !a.offered(cred.method()) {
			a.log.Debug().Str("method", cred.method()).Strs("allowed", a.allowed).Msg("method not offered")
			if pw, isPassword := cred.(passwordCredential); isPassword && a.offered(MethodKeyboardInteractive) && !a.kbdExhausted {
				ok, err := a.passwordViaKeyboard(user, pw.password)
				if err != nil || ok {
					return ok, err
				}
			}
			continue
		}
		var (
			ok  bool
			err error
		)
		switch c := cred.(type) {
		case passwordCredential:
			ok, err = a.password(user, c.password)
			if err == nil && !ok && a.offered(MethodKeyboardInteractive) && !a.kbdExhausted {
				ok, err = a.passwordViaKeyboard(user, c.password)
			}
		case publicKeyCredential:
			ok, err = a.publicKey(user, c.signer)
		case keyboardCredential:
			a.kbdExhausted = true
			ok, err = a.keyboardInteractive(user, c.answers)
		}
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (a *Authenticator) offered(method string) bool {
	for _, m := range a.allowed {
		if m == method {
			return true
		}
	}
	return false
}

func (a *Authenticator) requestService() error {
	if a.serviceAccepted {
		return nil
	}
	if err := a.t.WritePacket(wire.AppendText([]byte{transport.MsgServiceRequest}, serviceUserAuth)); err != nil {
		return err
	}
	p, err := a.t.ReadPacket()
	if err != nil {
		return err
	}
	if p[0] != transport.MsgServiceAccept {
		return fmt.Errorf("%w: message type %d", ErrServiceRejected, p[0])
	}
	a.serviceAccepted = true
	return nil
}

func requestHeader(user, method string) []byte {
	b := []byte{transport.MsgUserAuthRequest}
	b = wire.AppendText(b, user)
	b = wire.AppendText(b, serviceConnection)
	return wire.AppendText(b, method)
}

func (a *Authenticator) send(user, method string, body []byte) (bool, error) {
	p := append(requestHeader(user, method), body...)
	if err := a.t.WritePacket(p); err != nil {
		return false, err
	}
	return a.result(method, nil)
}

func (a *Authenticator) password(user, password string) (bool, error) {
	body := wire.AppendBool(nil, false)
	body = wire.AppendText(body, password)
	return a.send(user, MethodPassword, body)
}

func (a *Authenticator) passwordViaKeyboard(user, password string) (bool, error) {
	a.kbdExhausted = true
	return a.keyboardInteractive(user, map[string]string{"password": password})
}

// result reads until the server decides the current attempt. onInfo
// handles message 60 for keyboard-interactive; for the other methods 60 is
// a password change request and counts as failure.
func (a *Authenticator) result(method string, onInfo func([]byte) error) (bool, error) {
	for {
		p, err := a.t.ReadPacket()
		if err != nil {
			return false, err
		}
		switch p[0] {
		case transport.MsgUserAuthBanner:
			r := wire.NewReader(p[1:])
			msg, _ := r.Text()
			a.banner.WriteString(msg)
			a.log.Debug().Str("banner", msg).Msg("userauth banner")
		case transport.MsgUserAuthSuccess:
			a.authenticated = true
			a.log.Debug().Str("method", method).Msg("authenticated")
			return true, nil
		case transport.MsgUserAuthFailure:
			r := wire.NewReader(p[1:])
			allowed, err := r.NameList()
			if err != nil {
				return false, fmt.Errorf("auth: failure message: %w", err)
			}
			partial, _ := r.Bool()
			a.allowed = allowed
			a.log.Debug().Str("method", method).Strs("allowed", allowed).Bool("partial", partial).Msg("method failed")
			return false, nil
		case transport.MsgUserAuthInfoRequest:
			if onInfo == nil {
				a.log.Debug().Str("method", method).Msg("password change requested")
				return false, nil
			}
			if err := onInfo(p); err != nil {
				return false, err
			}
		default:
			return false, &transport.UnexpectedMessageError{Want: transport.MsgUserAuthSuccess, Got: p[0]}
		}
	}
}

func (a *Authenticator) keyboardInteractive(user string, answers map[string]string) (bool, error) {
	body := wire.AppendText(nil, "")
	body = wire.AppendText(body, "")
	p := append(requestHeader(user, MethodKeyboardInteractive), body...)
	if err := a.t.WritePacket(p); err != nil {
		return false, err
	}
	return a.result(MethodKeyboardInteractive, func(req []byte) error {
		prompts, err := parseInfoRequest(req)
		if err != nil {
			return err
		}
		resp := wire.AppendUint32([]byte{transport.MsgUserAuthInfoResponse}, uint32(len(prompts)))
		for _, prompt := range prompts {
			resp = wire.AppendText(resp, answerFor(prompt, answers))
		}
		return a.t.WritePacket(resp)
	})
}

func parseInfoRequest(p []byte) ([]string, error) {
	r := wire.NewReader(p[1:])
	for i := 0; i < 3; i++ {
		if _, err := r.String(); err != nil {
			return nil, fmt.Errorf("auth: info request: %w", err)
		}
	}
	n, err := r.Uint32()
	if err != nil {
		return nil, fmt.Errorf("auth: info request: %w", err)
	}
	if uint64(n) > uint64(r.Len()) {
		return nil, fmt.Errorf("auth: info request: %d prompts", n)
	}
	prompts := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		prompt, err := r.Text()
		if err != nil {
			return nil, fmt.Errorf("auth: info request prompt: %w", err)
		}
		if _, err := r.Bool(); err != nil {
			return nil, fmt.Errorf("auth: info request echo: %w", err)
		}
		prompts = append(prompts, prompt)
	}
	return prompts, nil
}

func answerFor(prompt string, answers map[string]string) string {
	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	lower := strings.ToLower(prompt)
	for _, k := range keys {
		if strings.Contains(lower, strings.ToLower(k)) {
			return answers[k]
		}
	}
	return ""
}

// signatureAlgorithms lists the algorithms to try for signer, best first.
func signatureAlgorithms(signer ssh.Signer) []string {
	keyType := signer.PublicKey().Type()
	if keyType != ssh.KeyAlgoRSA {
		return []string{keyType}
	}
	if _, ok := signer.(ssh.AlgorithmSigner); ok {
		return []string{ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSA}
	}
	return []string{ssh.KeyAlgoRSA}
}

func (a *Authenticator) publicKey(user string, signer ssh.Signer) (bool, error) {
	blob := signer.PublicKey().Marshal()
	for _, alg := range signatureAlgorithms(signer) {
		sig, err := sign(signer, alg, signedData(a.t.SessionID(), user, alg, blob))
		if err != nil {
			return false, err
		}
		body := wire.AppendBool(nil, true)
		body = wire.AppendText(body, alg)
		body = wire.AppendString(body, blob)
		body = wire.AppendString(body, sig)
		ok, err := a.send(user, MethodPublicKey, body)
		if err != nil || ok {
			return ok, err
		}
		if !a.offered(MethodPublicKey) {
			return false, nil
		}
	}
	return false, nil
}

// signedData is the blob signed for publickey authentication
// (RFC 4252 section 7).
func signedData(sessionID []byte, user, alg string, blob []byte) []byte {
	b := wire.AppendString(nil, sessionID)
	b = wire.AppendByte(b, transport.MsgUserAuthRequest)
	b = wire.AppendText(b, user)
	b = wire.AppendText(b, serviceConnection)
	b = wire.AppendText(b, MethodPublicKey)
	b = wire.AppendBool(b, true)
	b = wire.AppendText(b, alg)
	return wire.AppendString(b, blob)
}

func sign(signer ssh.Signer, alg string, data []byte) ([]byte, error) {
	var (
		sig *ssh.Signature
		err error
	)
	if alg == signer.PublicKey().Type() {
		sig, err = signer.Sign(rand.Reader, data)
	} else {
		as, ok := signer.(ssh.AlgorithmSigner)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoSignature, alg)
		}
		sig, err = as.SignWithAlgorithm(rand.Reader, data, alg)
	}
	if err != nil {
		return nil, fmt.Errorf("auth: sign: %w", err)
	}
	b := wire.AppendText(nil, sig.Format)
	return wire.AppendString(b, sig.Blob), nil
}

// LoadSigner reads a private key file, decrypting it with passphrase when
// one is given.
func LoadSigner(path, passphrase string) (ssh.Signer, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read private key %s: %w", path, err)
	}
	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key %s: %w", path, err)
	}
	return signer, nil
}
