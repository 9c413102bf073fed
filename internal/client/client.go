// Package client connects to a host described by a config.Profile and
// exposes command execution, interactive shells and file transfer over
// the resulting connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/danmuck/edgessh/internal/auth"
	"github.com/danmuck/edgessh/internal/channel"
	"github.com/danmuck/edgessh/internal/config"
	"github.com/danmuck/edgessh/internal/scp"
	"github.com/danmuck/edgessh/internal/sftp"
	"github.com/danmuck/edgessh/internal/transport"
)

var ErrAuthFailed = errors.New("client: authentication failed")

// UnsupportedAlgorithmError names a configured algorithm this client does
// not implement.
type UnsupportedAlgorithmError struct {
	Category string
	Name     string
}

func (e *UnsupportedAlgorithmError) Error() string {
	return fmt.Sprintf("client: unsupported %s algorithm %q", e.Category, e.Name)
}

type options struct {
	logger          *zerolog.Logger
	hostKeyCallback ssh.HostKeyCallback
	passwordPrompt  func() (string, error)
}

type Option func(*options)

func WithLogger(l *zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHostKeyCallback replaces the profile's known_hosts check.
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(o *options) { o.hostKeyCallback = cb }
}

// WithPasswordPrompt is consulted once when every configured credential
// has been refused and the profile carries no password.
func WithPasswordPrompt(prompt func() (string, error)) Option {
	return func(o *options) { o.passwordPrompt = prompt }
}

// Client is one authenticated connection. It is not safe for concurrent
// use.
type Client struct {
	profile config.Profile
	conn    *transport.Conn
	auth    *auth.Authenticator
	mgr     *channel.Manager
	base    *zerolog.Logger
	log     zerolog.Logger
}

// Dial connects, verifies the host key and authenticates as profile.User.
func Dial(ctx context.Context, profile config.Profile, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	l := log.Logger
	if o.logger != nil {
		l = *o.logger
	}
	l = l.With().Str("component", "client").Str("host", profile.Address()).Logger()

	algs, err := algorithms(profile.Algorithms)
	if err != nil {
		return nil, err
	}
	hostKeyCallback := o.hostKeyCallback
	if hostKeyCallback == nil {
		if hostKeyCallback, err = hostKeyCallbackFor(profile); err != nil {
			return nil, err
		}
	}

	cfg := transport.DefaultConfig()
	cfg.Algorithms = algs
	cfg.HostKeyCallback = hostKeyCallback
	cfg.Timeout = profile.ConnectTimeout
	cfg.IPTOS = profile.IPTOS
	cfg.Logger = o.logger

	conn, err := transport.Dial(ctx, profile.Address(), cfg)
	if err != nil {
		return nil, err
	}
	l.Debug().Str("server", conn.ServerVersion()).Str("algorithms", conn.Negotiated().String()).Msg("connected")

	c := &Client{
		profile: profile,
		conn:    conn,
		auth:    auth.New(conn, o.logger),
		base:    o.logger,
		log:     l,
	}
	if err := c.authenticate(o.passwordPrompt); err != nil {
		conn.Close()
		return nil, err
	}
	c.mgr = channel.NewManager(conn, channel.Options{
		Timeout: profile.ChannelTimeout,
		Logger:  o.logger,
	})
	return c, nil
}

func (c *Client) authenticate(prompt func() (string, error)) error {
	creds, err := credentials(c.profile)
	if err != nil {
		return err
	}
	ok, err := c.auth.Authenticate(c.profile.User, creds...)
	if err != nil {
		return err
	}
	if !ok && prompt != nil && c.profile.Password == "" {
		password, err := prompt()
		if err != nil {
			return fmt.Errorf("client: read password: %w", err)
		}
		if ok, err = c.auth.Authenticate(c.profile.User, auth.Password(password)); err != nil {
			return err
		}
	}
	if !ok {
		return fmt.Errorf("%w for %s (server allows %s)", ErrAuthFailed, c.profile.User, strings.Join(c.auth.Allowed(), ","))
	}
	c.log.Debug().Str("user", c.profile.User).Msg("authenticated")
	return nil
}

// credentials lists public key, password and keyboard-interactive
// credentials in that order, skipping whatever the profile leaves empty.
func credentials(p config.Profile) ([]auth.Credential, error) {
	var creds []auth.Credential
	if p.IdentityFile != "" {
		signer, err := auth.LoadSigner(p.IdentityFile, p.Passphrase)
		if err != nil {
			return nil, err
		}
		creds = append(creds, auth.PublicKey(signer))
	}
	if p.Password != "" {
		creds = append(creds, auth.Password(p.Password))
	}
	if len(p.Answers) > 0 {
		answers := make(map[string]string, len(p.Answers))
		for _, a := range p.Answers {
			answers[a.Prompt] = a.Answer
		}
		creds = append(creds, auth.KeyboardInteractive(answers))
	}
	return creds, nil
}

func hostKeyCallbackFor(p config.Profile) (ssh.HostKeyCallback, error) {
	if p.InsecureSkipHostKeyCheck {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(p.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("client: known hosts %s: %w", p.KnownHosts, err)
	}
	return cb, nil
}

// algorithms rejects names the transport cannot negotiate so a typo in a
// profile fails before the connection is attempted.
func algorithms(in config.Algorithms) (transport.Algorithms, error) {
	check := func(category string, names []string) error {
		for _, n := range names {
			if !transport.Supported(category, n) {
				return &UnsupportedAlgorithmError{Category: category, Name: n}
			}
		}
		return nil
	}
	for _, list := range []struct {
		category string
		names    []string
	}{
		{"kex", in.KeyExchanges},
		{"hostkey", in.HostKeys},
		{"cipher", in.Ciphers},
		{"mac", in.MACs},
	} {
		if err := check(list.category, list.names); err != nil {
			return transport.Algorithms{}, err
		}
	}
	return transport.Algorithms{
		KeyExchanges: in.KeyExchanges,
		HostKeys:     in.HostKeys,
		Ciphers:      in.Ciphers,
		MACs:         in.MACs,
	}, nil
}

func (c *Client) Profile() config.Profile { return c.profile }

func (c *Client) Conn() *transport.Conn { return c.conn }

func (c *Client) Manager() *channel.Manager { return c.mgr }

// Banner returns the text of any authentication banners the server sent.
func (c *Client) Banner() string { return c.auth.Banner() }

// Exec runs command and waits for it to finish.
func (c *Client) Exec(command string, opts channel.ExecOptions) (*channel.ExecResult, error) {
	return c.mgr.Exec(command, opts)
}

func (c *Client) Shell(opts channel.ShellOptions) (*channel.Shell, error) {
	return c.mgr.Shell(opts)
}

// SFTP starts an sftp session sized by the profile.
func (c *Client) SFTP() (*sftp.Session, error) {
	return sftp.Open(c.mgr,
		sftp.WithQueueDepth(c.profile.SFTP.QueueDepth),
		sftp.WithChunkSize(c.profile.SFTP.ChunkSize),
		sftp.WithLogger(c.base),
	)
}

func (c *Client) SCP() *scp.Session {
	s := scp.New(scp.Channels(c.mgr))
	if c.base != nil {
		s = s.WithLogger(*c.base)
	}
	return s
}

// Rekey runs a fresh key exchange on the live connection.
func (c *Client) Rekey() error { return c.conn.Rekey() }

// Close tells the server the client is leaving and closes the socket.
func (c *Client) Close() error {
	err := c.conn.Disconnect(transport.DisconnectByApplication, "bye")
	if errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

// Algorithms lists every implemented name per category, sorted.
func Algorithms() map[string][]string {
	def := transport.DefaultAlgorithms()
	out := map[string][]string{
		"kex":     append([]string(nil), def.KeyExchanges...),
		"hostkey": append([]string(nil), def.HostKeys...),
		"cipher":  append([]string(nil), def.Ciphers...),
		"mac":     append([]string(nil), def.MACs...),
	}
	if transport.Supported("cipher", "none") {
		out["cipher"] = append(out["cipher"], "none")
	}
	if transport.Supported("mac", "none") {
		out["mac"] = append(out["mac"], "none")
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}
