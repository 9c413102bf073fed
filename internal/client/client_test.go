package client

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgessh/internal/config"
	"github.com/danmuck/edgessh/internal/sftp"
	"github.com/danmuck/edgessh/internal/testutil/sshtest"
	"github.com/danmuck/edgessh/internal/testutil/testlog"
)

func profileFor(t *testing.T, srv *sshtest.Server) config.Profile {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	p := config.DefaultProfile()
	p.Host = host
	p.Port, _ = strconv.Atoi(port)
	p.User = "tester"
	p.InsecureSkipHostKeyCheck = true
	p.ConnectTimeout = 15 * time.Second
	p.ChannelTimeout = 15 * time.Second
	p.Algorithms.KeyExchanges = []string{"diffie-hellman-group14-sha256"}
	return p
}

func dial(t *testing.T, p config.Profile, opts ...Option) *Client {
	t.Helper()
	c, err := Dial(context.Background(), p, opts...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRunQuotesArguments(t *testing.T) {
	testlog.Start(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	p := profileFor(t, srv)
	p.Password = "pw"
	c := dial(t, p)

	out, err := c.Run("echo", "a  b", "it's")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "a  b it's\n" {
		t.Fatalf("unexpected output got=%q", out)
	}
	cmds := srv.ExecCommands()
	if len(cmds) != 1 || cmds[0] != `'echo' 'a  b' 'it'"'"'s'` {
		t.Fatalf("unexpected command got=%v", cmds)
	}
}

func TestRunReportsExitStatus(t *testing.T) {
	testlog.Start(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	p := profileFor(t, srv)
	p.Password = "pw"
	c := dial(t, p)

	tests := []struct {
		name   string
		cmd    string
		args   []string
		out    string
		status int
		signal string
	}{
		{name: "exit code", cmd: "exit", args: []string{"3"}, status: 3},
		{name: "not found", cmd: "frobnicate", out: "frobnicate: command not found\n", status: 127},
		{name: "signal", cmd: "signal", args: []string{"TERM"}, status: -1, signal: "TERM"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := c.Run(tc.cmd, tc.args...)
			var exit *ExitError
			if !errors.As(err, &exit) {
				t.Fatalf("expected exit error got=%v", err)
			}
			if exit.Status != tc.status || exit.Signal != tc.signal {
				t.Fatalf("unexpected exit got=%+v", exit)
			}
			if out != tc.out {
				t.Fatalf("unexpected output got=%q", out)
			}
		})
	}
}

func TestRunStreamingSeparatesStreams(t *testing.T) {
	testlog.Start(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	p := profileFor(t, srv)
	p.Password = "pw"
	c := dial(t, p)

	var stdout, stderr bytes.Buffer
	if err := c.RunStreaming("stderr", []string{"warn"}, &stdout, &stderr); err != nil {
		t.Fatalf("run streaming: %v", err)
	}
	if stdout.Len() != 0 || stderr.String() != "warn\n" {
		t.Fatalf("unexpected streams stdout=%q stderr=%q", stdout.String(), stderr.String())
	}
	if err := c.RunStreaming("big", []string{"100000"}, &stdout, nil); err != nil {
		t.Fatalf("run big: %v", err)
	}
	if !bytes.Equal(stdout.Bytes(), sshtest.Alphabet(100000)) {
		t.Fatalf("big output mismatch len=%d", stdout.Len())
	}
}

func TestKnownHosts(t *testing.T) {
	testlog.Start(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	dir := t.TempDir()
	p := profileFor(t, srv)
	p.Password = "pw"
	p.InsecureSkipHostKeyCheck = false

	p.KnownHosts = sshtest.WriteKnownHosts(t, dir, srv.Addr, srv.HostKey.PublicKey())
	dial(t, p)

	other := sshtest.NewIdentity(t, dir, "other", "")
	p.KnownHosts = sshtest.WriteKnownHosts(t, dir, srv.Addr, other.Signer.PublicKey())
	if _, err := Dial(context.Background(), p); err == nil {
		t.Fatalf("expected host key rejection")
	}

	p.KnownHosts = filepath.Join(dir, "missing")
	if _, err := Dial(context.Background(), p); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing known_hosts got=%v", err)
	}
}

func TestPublicKeyAuthentication(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	id := sshtest.NewIdentity(t, dir, "deploy", "secret")
	srv := sshtest.Start(t, sshtest.Options{AuthorizedKey: id.Signer.PublicKey()})
	p := profileFor(t, srv)
	p.IdentityFile = id.KeyPath
	p.Passphrase = "secret"
	c := dial(t, p)
	if out, err := c.Run("echo", "key"); err != nil || out != "key\n" {
		t.Fatalf("run got=%q err=%v", out, err)
	}

	p.Passphrase = ""
	if _, err := Dial(context.Background(), p); err == nil {
		t.Fatalf("expected passphrase error")
	}
}

func TestKeyboardInteractiveAnswers(t *testing.T) {
	testlog.Start(t)
	srv := sshtest.Start(t, sshtest.Options{
		Prompts: []string{"Password: ", "Verification code: "},
		Answers: []string{"pw", "424242"},
	})
	p := profileFor(t, srv)
	p.Answers = []config.Answer{
		{Prompt: "code", Answer: "424242"},
		{Prompt: "password", Answer: "pw"},
	}
	dial(t, p)
}

func TestPasswordPrompt(t *testing.T) {
	testlog.Start(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	p := profileFor(t, srv)

	asked := 0
	prompt := func() (string, error) {
		asked++
		return "pw", nil
	}
	dial(t, p, WithPasswordPrompt(prompt))
	if asked != 1 {
		t.Fatalf("prompt calls got=%d", asked)
	}

	failing := func() (string, error) { return "", errors.New("no tty") }
	if _, err := Dial(context.Background(), p, WithPasswordPrompt(failing)); err == nil || !strings.Contains(err.Error(), "no tty") {
		t.Fatalf("expected prompt error got=%v", err)
	}
}

func TestAuthenticationFailure(t *testing.T) {
	testlog.Start(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	p := profileFor(t, srv)
	p.Password = "wrong"
	_, err := Dial(context.Background(), p)
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected auth failure got=%v", err)
	}
}

func TestUnsupportedAlgorithm(t *testing.T) {
	testlog.Start(t)
	p := config.DefaultProfile()
	p.Host = "127.0.0.1"
	p.User = "tester"
	p.InsecureSkipHostKeyCheck = true
	p.Algorithms.Ciphers = []string{"aes128-ctr", "chacha20-poly1305@openssh.com"}
	_, err := Dial(context.Background(), p)
	var unsupported *UnsupportedAlgorithmError
	if !errors.As(err, &unsupported) || unsupported.Category != "cipher" {
		t.Fatalf("expected unsupported cipher got=%v", err)
	}
}

func TestTransferHelpers(t *testing.T) {
	testlog.Start(t)
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolve root: %v", err)
	}
	srv := sshtest.Start(t, sshtest.Options{Password: "pw", Root: root})
	p := profileFor(t, srv)
	p.Password = "pw"
	p.SFTP.ChunkSize = 1000
	p.SFTP.QueueDepth = 4
	c := dial(t, p)

	s, err := c.SFTP()
	if err != nil {
		t.Fatalf("open sftp: %v", err)
	}
	defer s.Close()
	payload := sshtest.Alphabet(25000)
	if _, err := s.Put("via-sftp.bin", bytes.NewReader(payload), sftp.PutOptions{}); err != nil {
		t.Fatalf("sftp put: %v", err)
	}

	var got bytes.Buffer
	n, err := c.SCP().Get("via-sftp.bin", &got)
	if err != nil {
		t.Fatalf("scp get: %v", err)
	}
	if n != int64(len(payload)) || !bytes.Equal(got.Bytes(), payload) {
		t.Fatalf("scp get mismatch n=%d", n)
	}

	if err := c.SCP().Put("via-scp.txt", strings.NewReader("copied"), 6, 0o640); err != nil {
		t.Fatalf("scp put: %v", err)
	}
	data, err := s.GetBytes("via-scp.txt")
	if err != nil || string(data) != "copied" {
		t.Fatalf("sftp read back got=%q err=%v", data, err)
	}
}

func TestRunnersAgree(t *testing.T) {
	testlog.Start(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	p := profileFor(t, srv)
	p.Password = "pw"

	runners := map[string]Runner{
		"ssh":   SSHRunner{Profile: p},
		"local": LocalRunner{},
	}
	for name, r := range runners {
		out, err := r.Run("echo", "same")
		if err != nil {
			t.Fatalf("%s run: %v", name, err)
		}
		if out != "same\n" {
			t.Fatalf("%s output got=%q", name, out)
		}
	}
}

func TestRekeyKeepsSession(t *testing.T) {
	testlog.Start(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	p := profileFor(t, srv)
	p.Password = "pw"
	c := dial(t, p)

	before := append([]byte(nil), c.Conn().SessionID()...)
	if err := c.Rekey(); err != nil {
		t.Fatalf("rekey: %v", err)
	}
	if !bytes.Equal(before, c.Conn().SessionID()) {
		t.Fatalf("session id changed across rekey")
	}
	if out, err := c.Run("echo", "after"); err != nil || out != "after\n" {
		t.Fatalf("run after rekey got=%q err=%v", out, err)
	}
}
