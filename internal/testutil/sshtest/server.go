// Package sshtest runs an in-process SSH server on the loopback interface
// for integration tests. It is built on golang.org/x/crypto/ssh in the
// server role and github.com/pkg/sftp for the sftp subsystem.
package sshtest

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/danmuck/edgessh/internal/shellwords"
)

// Options configures a test server. Empty algorithm lists select the
// x/crypto defaults plus the legacy algorithms the client also supports.
type Options struct {
	User     string
	Password string

	// AuthorizedKey enables public key authentication for User.
	AuthorizedKey ssh.PublicKey

	// KeyboardInteractive enables the keyboard-interactive method. Each
	// prompt must be answered with the matching entry of Answers.
	Prompts []string
	Answers []string

	Banner string

	KeyExchanges []string
	Ciphers      []string
	MACs         []string

	// Root is the directory served over sftp and scp. Empty means the
	// process working directory.
	Root string

	// InMemorySFTP serves the sftp subsystem from pkg/sftp's in-memory
	// request handlers instead of Root.
	InMemorySFTP bool

	// GlobalRequestAfterAuth makes the server send a want-reply global
	// request once the client authenticates. The reply is recorded.
	GlobalRequestAfterAuth string
}

// AllCiphers lists every cipher both the client and x/crypto implement.
var AllCiphers = []string{
	"aes128-ctr", "aes192-ctr", "aes256-ctr",
	"aes128-cbc", "3des-cbc",
	"arcfour256", "arcfour128", "arcfour",
}

// AllMACs lists every MAC both the client and x/crypto implement.
var AllMACs = []string{"hmac-sha2-256", "hmac-sha2-512", "hmac-sha1", "hmac-sha1-96"}

// AllKeyExchanges lists every KEX both the client and x/crypto implement.
var AllKeyExchanges = []string{
	"diffie-hellman-group16-sha512",
	"diffie-hellman-group14-sha256",
	"diffie-hellman-group14-sha1",
	"diffie-hellman-group1-sha1",
}

// Server is a running test server.
type Server struct {
	Addr    string
	HostKey ssh.Signer

	opts     Options
	listener net.Listener
	wg       sync.WaitGroup

	mu           sync.Mutex
	globalReply  *bool
	execCommands []string
}

// Start listens on 127.0.0.1 and serves until the test ends.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()
	if opts.User == "" {
		opts.User = "tester"
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{
		Addr:     ln.Addr().String(),
		HostKey:  HostKey(t),
		opts:     opts,
		listener: ln,
	}
	s.wg.Add(1)
	go s.acceptLoop(s.serverConfig())
	t.Cleanup(s.Close)
	return s
}

// Close stops accepting and waits for the accept loop to exit.
func (s *Server) Close() {
	s.listener.Close()
	s.wg.Wait()
}

// HostKeyCallback trusts exactly this server's host key.
func (s *Server) HostKeyCallback() ssh.HostKeyCallback {
	return ssh.FixedHostKey(s.HostKey.PublicKey())
}

// GlobalReply reports the client's answer to GlobalRequestAfterAuth.
func (s *Server) GlobalReply() (ok bool, received bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.globalReply == nil {
		return false, false
	}
	return *s.globalReply, true
}

// ExecCommands returns every exec request received so far.
func (s *Server) ExecCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execCommands...)
}

func (s *Server) serverConfig() *ssh.ServerConfig {
	opts := s.opts
	cfg := &ssh.ServerConfig{
		Config: ssh.Config{
			KeyExchanges: orDefault(opts.KeyExchanges, AllKeyExchanges),
			Ciphers:      orDefault(opts.Ciphers, AllCiphers),
			MACs:         orDefault(opts.MACs, AllMACs),
		},
	}
	if opts.Password != "" {
		cfg.PasswordCallback = func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if meta.User() == opts.User && string(password) == opts.Password {
				return nil, nil
			}
			return nil, errors.New("sshtest: bad password")
		}
	}
	if opts.AuthorizedKey != nil {
		want := opts.AuthorizedKey.Marshal()
		cfg.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if meta.User() == opts.User && string(key.Marshal()) == string(want) {
				return nil, nil
			}
			return nil, errors.New("sshtest: unknown key")
		}
	}
	if len(opts.Prompts) > 0 {
		cfg.KeyboardInteractiveCallback = func(meta ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			echos := make([]bool, len(opts.Prompts))
			answers, err := challenge(meta.User(), "edgessh test", opts.Prompts, echos)
			if err != nil {
				return nil, err
			}
			if meta.User() != opts.User || len(answers) != len(opts.Answers) {
				return nil, errors.New("sshtest: bad answers")
			}
			for i := range answers {
				if answers[i] != opts.Answers[i] {
					return nil, errors.New("sshtest: bad answers")
				}
			}
			return nil, nil
		}
	}
	if opts.Banner != "" {
		cfg.BannerCallback = func(ssh.ConnMetadata) string { return opts.Banner }
	}
	cfg.AddHostKey(s.HostKey)
	return cfg
}

func orDefault(list, fallback []string) []string {
	if len(list) == 0 {
		return fallback
	}
	return list
}

func (s *Server) acceptLoop(cfg *ssh.ServerConfig) {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serveConn(nc, cfg)
	}
}

func (s *Server) serveConn(nc net.Conn, cfg *ssh.ServerConfig) {
	defer nc.Close()
	conn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		log.Debug().Err(err).Str("component", "sshtest").Msg("handshake")
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	if name := s.opts.GlobalRequestAfterAuth; name != "" {
		go func() {
			ok, _, err := conn.SendRequest(name, true, nil)
			if err != nil {
				return
			}
			s.mu.Lock()
			s.globalReply = &ok
			s.mu.Unlock()
		}()
	}

	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "only session channels")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(ch, chReqs)
	}
}

func (s *Server) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "pty-req", "env":
			req.Reply(true, nil)
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			s.mu.Lock()
			s.execCommands = append(s.execCommands, payload.Command)
			s.mu.Unlock()
			go func() {
				s.runCommand(ch, payload.Command)
				ch.Close()
			}()
		case "shell":
			req.Reply(true, nil)
			go func() {
				runShell(ch)
				ch.Close()
			}()
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				s.serveSFTP(ch)
				ch.Close()
			}()
		default:
			req.Reply(false, nil)
		}
	}
}

func (s *Server) serveSFTP(ch ssh.Channel) {
	if s.opts.InMemorySFTP {
		srv := sftp.NewRequestServer(ch, sftp.InMemHandler())
		if err := srv.Serve(); err != nil && !errors.Is(err, io.EOF) {
			log.Debug().Err(err).Str("component", "sshtest").Msg("sftp request server")
		}
		srv.Close()
		return
	}
	var opts []sftp.ServerOption
	if s.opts.Root != "" {
		opts = append(opts, sftp.WithServerWorkingDirectory(s.opts.Root))
	}
	srv, err := sftp.NewServer(ch, opts...)
	if err != nil {
		return
	}
	if err := srv.Serve(); err != nil && !errors.Is(err, io.EOF) {
		log.Debug().Err(err).Str("component", "sshtest").Msg("sftp server")
	}
	srv.Close()
}

func sendExitStatus(ch ssh.Channel, code uint32) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
}

// fields splits a command line the way the remote shell would.
func fields(cmd string) []string {
	args, err := shellwords.Split(cmd)
	if err != nil {
		return strings.Fields(cmd)
	}
	return args
}
