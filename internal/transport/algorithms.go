package transport

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/danmuck/edgessh/internal/protocol/wire"
)

const (
	CompressionNone = "none"
	CipherNone      = "none"
	MACNone         = "none"
)

// Algorithms holds the client preference list for each negotiated category.
// Earlier entries are preferred. A zero-valued field means the defaults.
type Algorithms struct {
	KeyExchanges []string
	HostKeys     []string
	Ciphers      []string
	MACs         []string
}

// DefaultAlgorithms returns the built-in preference order. "none" is never
// included; it must be configured explicitly.
func DefaultAlgorithms() Algorithms {
	return Algorithms{
		KeyExchanges: []string{
			"diffie-hellman-group16-sha512",
			"diffie-hellman-group14-sha256",
			"diffie-hellman-group14-sha1",
			"diffie-hellman-group1-sha1",
		},
		HostKeys: []string{
			"rsa-sha2-256",
			"rsa-sha2-512",
			"ssh-rsa",
			"ssh-dss",
		},
		Ciphers: []string{
			"aes128-ctr", "aes192-ctr", "aes256-ctr",
			"twofish128-ctr", "twofish192-ctr", "twofish256-ctr",
			"aes128-cbc", "aes192-cbc", "aes256-cbc",
			"twofish128-cbc", "twofish192-cbc", "twofish256-cbc", "twofish-cbc",
			"blowfish-ctr", "blowfish-cbc",
			"3des-ctr", "3des-cbc",
			"arcfour256", "arcfour128", "arcfour",
		},
		MACs: []string{
			"hmac-sha2-256", "hmac-sha2-512",
			"hmac-sha1", "hmac-sha1-96",
			"hmac-md5", "hmac-md5-96",
		},
	}
}

// Supported reports whether name is implemented for the given category
// ("kex", "hostkey", "cipher" or "mac").
func Supported(category, name string) bool {
	switch category {
	case "kex":
		_, ok := kexAlgorithms[name]
		return ok
	case "hostkey":
		_, ok := hostKeyAlgorithms[name]
		return ok
	case "cipher":
		_, ok := cipherModes[name]
		return ok
	case "mac":
		_, ok := macModes[name]
		return ok
	}
	return false
}

// withDefaults fills empty lists and drops names without an implementation.
func (a Algorithms) withDefaults() Algorithms {
	def := DefaultAlgorithms()
	pick := func(list, fallback []string, category string) []string {
		if len(list) == 0 {
			list = fallback
		}
		out := make([]string, 0, len(list))
		for _, name := range list {
			if Supported(category, name) {
				out = append(out, name)
			}
		}
		return out
	}
	return Algorithms{
		KeyExchanges: pick(a.KeyExchanges, def.KeyExchanges, "kex"),
		HostKeys:     pick(a.HostKeys, def.HostKeys, "hostkey"),
		Ciphers:      pick(a.Ciphers, def.Ciphers, "cipher"),
		MACs:         pick(a.MACs, def.MACs, "mac"),
	}
}

// Negotiated is the algorithm set agreed for one key exchange.
type Negotiated struct {
	KeyExchange   string
	HostKey       string
	CipherCS      string
	CipherSC      string
	MACCS         string
	MACSC         string
	CompressionCS string
	CompressionSC string
}

func (n Negotiated) String() string {
	return fmt.Sprintf("kex=%s hostkey=%s cipher=%s/%s mac=%s/%s compression=%s/%s",
		n.KeyExchange, n.HostKey, n.CipherCS, n.CipherSC, n.MACCS, n.MACSC, n.CompressionCS, n.CompressionSC)
}

type kexInitMsg struct {
	Cookie                  [16]byte
	KexAlgos                []string
	HostKeyAlgos            []string
	CiphersClientServer     []string
	CiphersServerClient     []string
	MACsClientServer        []string
	MACsServerClient        []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
	FirstKexFollows         bool
	Reserved                uint32
}

func newKexInit(a Algorithms, rnd io.Reader) (*kexInitMsg, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	m := &kexInitMsg{
		KexAlgos:                a.KeyExchanges,
		HostKeyAlgos:            a.HostKeys,
		CiphersClientServer:     a.Ciphers,
		CiphersServerClient:     a.Ciphers,
		MACsClientServer:        a.MACs,
		MACsServerClient:        a.MACs,
		CompressionClientServer: []string{CompressionNone},
		CompressionServerClient: []string{CompressionNone},
	}
	if _, err := io.ReadFull(rnd, m.Cookie[:]); err != nil {
		return nil, fmt.Errorf("transport: kexinit cookie: %w", err)
	}
	return m, nil
}

func (m *kexInitMsg) marshal() []byte {
	b := make([]byte, 0, 512)
	b = wire.AppendByte(b, MsgKexInit)
	b = append(b, m.Cookie[:]...)
	for _, list := range m.lists() {
		b = wire.AppendNameList(b, *list)
	}
	b = wire.AppendBool(b, m.FirstKexFollows)
	return wire.AppendUint32(b, m.Reserved)
}

func (m *kexInitMsg) lists() []*[]string {
	return []*[]string{
		&m.KexAlgos, &m.HostKeyAlgos,
		&m.CiphersClientServer, &m.CiphersServerClient,
		&m.MACsClientServer, &m.MACsServerClient,
		&m.CompressionClientServer, &m.CompressionServerClient,
		&m.LanguagesClientServer, &m.LanguagesServerClient,
	}
}

func parseKexInit(payload []byte) (*kexInitMsg, error) {
	r := wire.NewReader(payload)
	typ, err := r.Byte()
	if err != nil {
		return nil, err
	}
	if typ != MsgKexInit {
		return nil, &UnexpectedMessageError{Want: MsgKexInit, Got: typ}
	}
	m := &kexInitMsg{}
	cookie, err := r.Bytes(16)
	if err != nil {
		return nil, fmt.Errorf("transport: kexinit cookie: %w", err)
	}
	copy(m.Cookie[:], cookie)
	for _, list := range m.lists() {
		if *list, err = r.NameList(); err != nil {
			return nil, fmt.Errorf("transport: kexinit name-list: %w", err)
		}
	}
	if m.FirstKexFollows, err = r.Bool(); err != nil {
		return nil, fmt.Errorf("transport: kexinit: %w", err)
	}
	if m.Reserved, err = r.Uint32(); err != nil {
		return nil, fmt.Errorf("transport: kexinit: %w", err)
	}
	return m, nil
}

func firstCommon(category string, client, server []string) (string, error) {
	for _, c := range client {
		for _, s := range server {
			if c == s {
				return c, nil
			}
		}
	}
	return "", &NegotiationError{Category: category, Client: client, Server: server}
}

// negotiate picks, per category, the first client algorithm the server
// also lists.
func negotiate(client, server *kexInitMsg) (Negotiated, error) {
	var (
		n   Negotiated
		err error
	)
	steps := []struct {
		category string
		dst      *string
		c, s     []string
	}{
		{"key exchange", &n.KeyExchange, client.KexAlgos, server.KexAlgos},
		{"host key", &n.HostKey, client.HostKeyAlgos, server.HostKeyAlgos},
		{"client to server cipher", &n.CipherCS, client.CiphersClientServer, server.CiphersClientServer},
		{"server to client cipher", &n.CipherSC, client.CiphersServerClient, server.CiphersServerClient},
		{"client to server mac", &n.MACCS, client.MACsClientServer, server.MACsClientServer},
		{"server to client mac", &n.MACSC, client.MACsServerClient, server.MACsServerClient},
		{"client to server compression", &n.CompressionCS, client.CompressionClientServer, server.CompressionClientServer},
		{"server to client compression", &n.CompressionSC, client.CompressionServerClient, server.CompressionServerClient},
	}
	for _, step := range steps {
		if *step.dst, err = firstCommon(step.category, step.c, step.s); err != nil {
			return Negotiated{}, err
		}
	}
	return n, nil
}

// guessWrong reports whether a server's optimistic first KEX packet used
// a different method or host key than negotiation selected.
func guessWrong(server *kexInitMsg, n Negotiated) bool {
	if !server.FirstKexFollows {
		return false
	}
	if len(server.KexAlgos) == 0 || len(server.HostKeyAlgos) == 0 {
		return true
	}
	return server.KexAlgos[0] != n.KeyExchange || server.HostKeyAlgos[0] != n.HostKey
}
