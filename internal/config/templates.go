package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
)

var (
	ErrUnknownAuthKind = errors.New("config: unknown authentication kind")
	ErrProfileExists   = errors.New("config: profile file already exists")
)

// Starter profiles, keyed by the authentication method they set up.
var profileTemplates = map[string]string{
	"password": passwordTemplate,
	"key":      keyTemplate,
	"keyboard": keyboardTemplate,
}

// AuthKinds lists the accepted Template kinds in sorted order.
func AuthKinds() []string {
	kinds := make([]string, 0, len(profileTemplates))
	for k := range profileTemplates {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Template returns a starter profile that authenticates by kind: a
// password, a private key file, or scripted keyboard-interactive answers.
func Template(kind string) (string, error) {
	body, ok := profileTemplates[strings.ToLower(strings.TrimSpace(kind))]
	if !ok {
		return "", fmt.Errorf("%w %q (want one of %s)", ErrUnknownAuthKind, kind, strings.Join(AuthKinds(), ", "))
	}
	return body, nil
}

// WriteTemplate saves a starter profile readable only by its owner. An
// existing file at path is kept unless replace is set.
func WriteTemplate(path, kind string, replace bool) error {
	body, err := Template(kind)
	if err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !replace {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", ErrProfileExists, path)
	}
	if err != nil {
		return err
	}
	if _, err := f.WriteString(body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

const passwordTemplate = `host = "localhost"
port = 22
user = "deploy"
password = "change-me"
known_hosts = "~/.ssh/known_hosts"
connect_timeout = "10s"
channel_timeout = "30s"

[sftp]
queue_depth = 32
chunk_size = 32768
`

const keyTemplate = `host = "localhost"
port = 22
user = "deploy"
identity_file = "~/.ssh/id_ed25519"
passphrase = ""
known_hosts = "~/.ssh/known_hosts"
connect_timeout = "10s"
channel_timeout = "30s"
ip_tos = 16

[algorithms]
kex = ["diffie-hellman-group16-sha512", "diffie-hellman-group14-sha256"]
ciphers = ["aes256-ctr", "aes128-ctr"]
macs = ["hmac-sha2-256"]
`

const keyboardTemplate = `host = "localhost"
port = 22
user = "deploy"
known_hosts = "~/.ssh/known_hosts"
connect_timeout = "10s"

[[answers]]
prompt = "password"
answer = "change-me"

[[answers]]
prompt = "verification code"
answer = "000000"
`
