package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	hostKeyOnce   sync.Once
	hostKeySigner ssh.Signer
	hostKeyErr    error
)

// HostKey returns a process-wide RSA host key. Generating a 2048-bit key per
// test is slow enough to matter across the integration suites.
func HostKey(t testing.TB) ssh.Signer {
	t.Helper()
	hostKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			hostKeyErr = err
			return
		}
		hostKeySigner, hostKeyErr = ssh.NewSignerFromKey(key)
	})
	if hostKeyErr != nil {
		t.Fatalf("generate host key: %v", hostKeyErr)
	}
	return hostKeySigner
}

// Identity is a client key pair written to disk in OpenSSH-compatible PEM.
type Identity struct {
	Signer  ssh.Signer
	KeyPath string
}

// NewIdentity generates an ed25519 client key, optionally encrypted with
// passphrase, and writes it under dir.
func NewIdentity(t testing.TB, dir string, name string, passphrase string) *Identity {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("identity signer: %v", err)
	}

	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, name)
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, name, []byte(passphrase))
	}
	if err != nil {
		t.Fatalf("marshal identity: %v", err)
	}
	keyPath := filepath.Join(dir, sanitize(name))
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write identity: %v", err)
	}
	return &Identity{Signer: signer, KeyPath: keyPath}
}

// NewRSAIdentity writes a PKCS#1 RSA client key under dir.
func NewRSAIdentity(t testing.TB, dir string, name string) *Identity {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa identity: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("rsa identity signer: %v", err)
	}
	keyPath := filepath.Join(dir, sanitize(name))
	data := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyPath, data, 0o600); err != nil {
		t.Fatalf("write rsa identity: %v", err)
	}
	return &Identity{Signer: signer, KeyPath: keyPath}
}

// WriteKnownHosts writes a known_hosts file trusting key for addr.
func WriteKnownHosts(t testing.TB, dir string, addr string, key ssh.PublicKey) string {
	t.Helper()
	path := filepath.Join(dir, "known_hosts")
	line := knownHostsLine(addr, key)
	if err := os.WriteFile(path, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}
	return path
}

func knownHostsLine(addr string, key ssh.PublicKey) string {
	return knownhosts.Line([]string{knownhosts.Normalize(addr)}, key)
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "id"
	}
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}
