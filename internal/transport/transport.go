// Package transport implements the client side of the SSH transport layer
// protocol (RFC 4253): identification exchange, algorithm negotiation,
// Diffie-Hellman key exchange, host key verification and the binary packet
// protocol.
//
// A Conn is driven by a single goroutine. ReadPacket handles IGNORE, DEBUG,
// UNIMPLEMENTED, KEXINIT and DISCONNECT internally and only returns payloads
// meant for the layers above.
package transport

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/net/ipv4"

	"github.com/danmuck/edgessh/internal/observability"
	"github.com/danmuck/edgessh/internal/protocol/wire"
)

var ErrHostKeyCallback = errors.New("transport: HostKeyCallback is required")

// Config is the connection-scoped configuration. It is copied into the
// Conn and never mutated afterwards.
type Config struct {
	Algorithms Algorithms

	// HostKeyCallback is consulted after the host signature verifies.
	HostKeyCallback ssh.HostKeyCallback

	// Timeout bounds connect, identification exchange and the first key
	// exchange together.
	Timeout time.Duration

	// IPTOS sets the IPv4 type-of-service byte when non-zero.
	IPTOS int

	ClientVersion string
	Rand          io.Reader
	Logger        *zerolog.Logger
}

// DefaultConfig returns the connection defaults.
func DefaultConfig() Config {
	return Config{
		Algorithms:    DefaultAlgorithms(),
		Timeout:       10 * time.Second,
		ClientVersion: DefaultClientVersion,
	}
}

// Conn is one client transport connection.
type Conn struct {
	nc   net.Conn
	br   *bufio.Reader
	addr string
	cfg  Config
	algs Algorithms
	rand io.Reader
	log  zerolog.Logger

	clientVersion string
	serverVersion string
	banner        []string

	sessionID    []byte
	exchangeHash []byte
	hostKey      []byte
	negotiated   Negotiated

	tx, rx direction

	readTimeout time.Duration
	handshaking bool
	pending     [][]byte
	err         error
}

// Dial connects to addr over TCP and performs the client handshake.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	if cfg.IPTOS != 0 {
		if err := ipv4.NewConn(nc).SetTOS(cfg.IPTOS); err != nil {
			l := loggerFor(cfg)
			l.Warn().Err(err).Int("tos", cfg.IPTOS).Msg("set ip tos")
		}
	}
	return NewClientConn(nc, addr, cfg)
}

func loggerFor(cfg Config) zerolog.Logger {
	if cfg.Logger != nil {
		return cfg.Logger.With().Str("component", "transport").Logger()
	}
	return log.With().Str("component", "transport").Logger()
}

// NewClientConn runs the handshake over an established connection. addr is
// the name passed to the host key callback. nc is closed on failure.
func NewClientConn(nc net.Conn, addr string, cfg Config) (*Conn, error) {
	if cfg.HostKeyCallback == nil {
		nc.Close()
		return nil, ErrHostKeyCallback
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = DefaultClientVersion
	}
	c := &Conn{
		nc:   nc,
		br:   bufioReader(nc),
		addr: addr,
		cfg:  cfg,
		algs: cfg.Algorithms.withDefaults(),
		rand: cfg.Rand,
		log:  loggerFor(cfg),
		tx:   newDirection(),
		rx:   newDirection(),
	}
	if c.rand == nil {
		c.rand = rand.Reader
	}
	if err := c.handshake(); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake() error {
	c.handshaking = true
	defer func() { c.handshaking = false }()
	if c.cfg.Timeout > 0 {
		c.nc.SetDeadline(time.Now().Add(c.cfg.Timeout))
		defer c.nc.SetDeadline(time.Time{})
	}

	c.clientVersion = c.cfg.ClientVersion
	if _, err := io.WriteString(c.nc, c.clientVersion+"\r\n"); err != nil {
		return fmt.Errorf("transport: send identification: %w", err)
	}
	serverVersion, banner, err := readIdentification(c.br)
	c.banner = banner
	if err != nil {
		return fmt.Errorf("transport: read identification: %w", err)
	}
	c.serverVersion = serverVersion
	for _, line := range banner {
		c.log.Debug().Str("line", line).Msg("server banner")
	}

	serverInit, err := c.readHandshakePacket()
	if err != nil {
		return err
	}
	return c.exchangeKeys(serverInit, nil)
}

// readHandshakePacket returns the next packet, skipping the messages that
// may legally appear in the middle of a key exchange.
func (c *Conn) readHandshakePacket() ([]byte, error) {
	for {
		p, err := c.readRaw()
		if err != nil {
			return nil, err
		}
		switch p[0] {
		case MsgIgnore, MsgUnimplemented:
			continue
		case MsgDebug:
			c.logDebugMessage(p)
			continue
		case MsgDisconnect:
			return nil, c.handleDisconnect(p)
		}
		return p, nil
	}
}

func (c *Conn) expect(want byte) ([]byte, error) {
	p, err := c.readHandshakePacket()
	if err != nil {
		return nil, err
	}
	if p[0] != want {
		return nil, c.fail(&UnexpectedMessageError{Want: want, Got: p[0]})
	}
	return p, nil
}

// exchangeKeys completes one key exchange. serverPayload is the server
// KEXINIT. client is our KEXINIT when it was already sent, nil otherwise.
// Any failure breaks the connection: once KEXINIT has been exchanged the
// cipher state cannot be resumed.
func (c *Conn) exchangeKeys(serverPayload []byte, client *kexInitMsg) error {
	if err := c.runKeyExchange(serverPayload, client); err != nil {
		return c.kexFailed(err)
	}
	return nil
}

// kexFailed breaks the connection. A read timeout is reported as
// ErrKexTimeout so callers do not mistake it for a retryable wait.
func (c *Conn) kexFailed(err error) error {
	if errors.Is(err, ErrTimeout) {
		err = ErrKexTimeout
	}
	return c.fail(err)
}

func (c *Conn) runKeyExchange(serverPayload []byte, client *kexInitMsg) error {
	server, err := parseKexInit(serverPayload)
	if err != nil {
		return c.fail(err)
	}
	if client == nil {
		if client, err = newKexInit(c.algs, c.rand); err != nil {
			return c.fail(err)
		}
		if err := c.writeRaw(client.marshal()); err != nil {
			return err
		}
	}
	// The marshalled form is deterministic for a given cookie, so this is
	// byte-identical to what was sent.
	clientPayload := client.marshal()

	n, err := negotiate(client, server)
	if err != nil {
		c.sendDisconnect(DisconnectKeyExchangeFailed, "no matching algorithm")
		return c.fail(err)
	}
	c.log.Debug().Str("algorithms", n.String()).Msg("negotiated")
	if guessWrong(server, n) {
		if _, err := c.readRaw(); err != nil {
			return err
		}
	}

	kex := kexAlgorithms[n.KeyExchange]
	keyLen := kex.hash.Size()
	if m := maxCipherKeySize(n.CipherCS, n.CipherSC); m > 0 && m < keyLen {
		keyLen = m
	}
	x, err := kex.group.privateExponent(c.rand, keyLen)
	if err != nil {
		return c.fail(err)
	}
	e := kex.group.public(x)
	if err := c.writeRaw(wire.AppendMPInt([]byte{MsgKexDHInit}, e)); err != nil {
		return err
	}

	p, err := c.expect(MsgKexDHReply)
	if err != nil {
		return err
	}
	reply, err := parseKexDHReply(p)
	if err != nil {
		return c.fail(err)
	}
	k, err := kex.group.shared(reply.f, x)
	if err != nil {
		c.sendDisconnect(DisconnectKeyExchangeFailed, "invalid dh value")
		return c.fail(err)
	}
	transcript := handshakeTranscript{
		clientVersion: []byte(c.clientVersion),
		serverVersion: []byte(c.serverVersion),
		clientKexInit: clientPayload,
		serverKexInit: serverPayload,
		hostKey:       reply.hostKey,
		e:             e,
		f:             reply.f,
		k:             k,
	}
	h := transcript.exchangeHash(kex.hash)

	pub, err := verifyHostSignature(n.HostKey, reply.hostKey, h, reply.signature)
	if err != nil {
		c.sendDisconnect(DisconnectHostKeyNotVerifiable, "host key signature")
		return c.fail(err)
	}
	if err := c.cfg.HostKeyCallback(c.addr, c.nc.RemoteAddr(), pub); err != nil {
		c.sendDisconnect(DisconnectHostKeyNotVerifiable, "host key rejected")
		return c.fail(fmt.Errorf("transport: host key: %w", err))
	}

	if c.sessionID == nil {
		c.sessionID = h
	}
	c.exchangeHash = h
	c.hostKey = reply.hostKey
	c.negotiated = n
	keys := deriveKeys(kex.hash, n, k, h, c.sessionID)

	if err := c.writeRaw([]byte{MsgNewKeys}); err != nil {
		return err
	}
	if err := c.tx.setKeys(n.CipherCS, n.MACCS, keys.keyCS, keys.ivCS, keys.macCS, true); err != nil {
		return c.fail(err)
	}
	if _, err := c.expect(MsgNewKeys); err != nil {
		return err
	}
	if err := c.rx.setKeys(n.CipherSC, n.MACSC, keys.keySC, keys.ivSC, keys.macSC, false); err != nil {
		return c.fail(err)
	}
	observability.RecordKeyExchange(n.KeyExchange)
	c.log.Debug().Str("kex", n.KeyExchange).Str("hostkey", n.HostKey).Msg("key exchange complete")
	return nil
}

// Rekey starts a client-initiated key exchange. Packets for the layers
// above that arrive before the server's KEXINIT are queued for ReadPacket.
func (c *Conn) Rekey() error {
	if c.err != nil {
		return c.err
	}
	client, err := newKexInit(c.algs, c.rand)
	if err != nil {
		return err
	}
	if err := c.writeRaw(client.marshal()); err != nil {
		return err
	}
	for {
		p, err := c.readHandshakePacket()
		if err != nil {
			return c.kexFailed(err)
		}
		if p[0] == MsgKexInit {
			c.log.Debug().Msg("rekey")
			return c.exchangeKeys(p, client)
		}
		c.pending = append(c.pending, p)
	}
}

// WritePacket sends one payload.
func (c *Conn) WritePacket(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	return c.writeRaw(payload)
}

func (c *Conn) writeRaw(payload []byte) error {
	if c.err != nil {
		return c.err
	}
	n, err := c.tx.writePacket(c.nc, c.rand, payload)
	if err != nil {
		return c.fail(fmt.Errorf("transport: write: %w", err))
	}
	observability.RecordTransportPacket("out", n)
	return nil
}

// ReadPacket returns the next payload addressed to the layers above.
// ErrTimeout is returned when no packet started within the read timeout;
// the connection stays usable in that case.
func (c *Conn) ReadPacket() ([]byte, error) {
	if len(c.pending) > 0 {
		p := c.pending[0]
		c.pending = c.pending[1:]
		return p, nil
	}
	for {
		p, err := c.readRaw()
		if err != nil {
			return nil, err
		}
		switch p[0] {
		case MsgIgnore:
			continue
		case MsgDebug:
			c.logDebugMessage(p)
			continue
		case MsgUnimplemented:
			c.log.Debug().Msg("server reported unimplemented message")
			continue
		case MsgKexInit:
			c.log.Debug().Msg("server initiated rekey")
			if err := c.exchangeKeys(p, nil); err != nil {
				return nil, err
			}
			continue
		case MsgDisconnect:
			return nil, c.handleDisconnect(p)
		}
		return p, nil
	}
}

func (c *Conn) readRaw() ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	if !c.handshaking {
		if c.readTimeout > 0 {
			c.nc.SetReadDeadline(time.Now().Add(c.readTimeout))
		} else {
			c.nc.SetReadDeadline(time.Time{})
		}
	}
	p, n, err := c.rx.readPacket(c.br)
	if err != nil {
		if errors.Is(err, ErrTimeout) && !c.handshaking {
			return nil, ErrTimeout
		}
		if errors.Is(err, io.EOF) {
			return nil, c.fail(ErrClosed)
		}
		return nil, c.fail(err)
	}
	if len(p) == 0 {
		return nil, c.fail(ErrEmptyPayload)
	}
	observability.RecordTransportPacket("in", n)
	return p, nil
}

func (c *Conn) logDebugMessage(p []byte) {
	r := wire.NewReader(p[1:])
	display, _ := r.Bool()
	msg, _ := r.Text()
	c.log.Debug().Bool("always_display", display).Str("message", msg).Msg("server debug")
}

func (c *Conn) handleDisconnect(p []byte) error {
	r := wire.NewReader(p[1:])
	reason, _ := r.Uint32()
	msg, _ := r.Text()
	return c.fail(&DisconnectError{Reason: reason, Message: msg})
}

// fail marks the connection broken, discards key state and closes the
// socket. The first error sticks.
func (c *Conn) fail(err error) error {
	if c.err != nil {
		return c.err
	}
	c.err = err
	c.tx = newDirection()
	c.rx = newDirection()
	c.pending = nil
	c.nc.Close()
	return err
}

func (c *Conn) sendDisconnect(reason uint32, msg string) {
	b := wire.AppendUint32([]byte{MsgDisconnect}, reason)
	b = wire.AppendText(b, msg)
	b = wire.AppendText(b, "")
	_ = c.writeRaw(b)
}

// Disconnect sends SSH_MSG_DISCONNECT and closes the connection.
func (c *Conn) Disconnect(reason uint32, msg string) error {
	if c.err != nil {
		return c.err
	}
	c.sendDisconnect(reason, msg)
	return c.Close()
}

// Close closes the connection without notifying the server.
func (c *Conn) Close() error {
	c.fail(ErrClosed)
	return nil
}

// Err returns the error that broke the connection, if any.
func (c *Conn) Err() error { return c.err }

// SetReadTimeout bounds the wait for the first byte of each packet read by
// ReadPacket. Zero disables the timeout.
func (c *Conn) SetReadTimeout(d time.Duration) { c.readTimeout = d }

func (c *Conn) SessionID() []byte      { return c.sessionID }
func (c *Conn) ExchangeHash() []byte   { return c.exchangeHash }
func (c *Conn) ClientVersion() string  { return c.clientVersion }
func (c *Conn) ServerVersion() string  { return c.serverVersion }
func (c *Conn) BannerLines() []string  { return c.banner }
func (c *Conn) Negotiated() Negotiated { return c.negotiated }
func (c *Conn) HostKey() []byte        { return c.hostKey }
func (c *Conn) RemoteAddr() net.Addr   { return c.nc.RemoteAddr() }
