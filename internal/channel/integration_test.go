package channel

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgessh/internal/auth"
	"github.com/danmuck/edgessh/internal/testutil/sshtest"
	"github.com/danmuck/edgessh/internal/testutil/testlog"
	"github.com/danmuck/edgessh/internal/transport"
)

func session(t *testing.T, srv *sshtest.Server, opts Options) *Manager {
	t.Helper()
	cfg := transport.DefaultConfig()
	cfg.Algorithms = transport.Algorithms{KeyExchanges: []string{"diffie-hellman-group14-sha256"}}
	cfg.HostKeyCallback = srv.HostKeyCallback()
	cfg.Timeout = 15 * time.Second
	conn, err := transport.Dial(context.Background(), srv.Addr, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ok, err := auth.New(conn, nil).Authenticate("tester", auth.Password("pw"))
	if err != nil || !ok {
		t.Fatalf("authenticate got=%v err=%v", ok, err)
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	return NewManager(conn, opts)
}

func TestExecCommands(t *testing.T) {
	testlog.Start(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	m := session(t, srv, Options{WindowSize: 64 * 1024})

	tests := []struct {
		name    string
		command string
		stdin   []byte
		stdout  []byte
		stderr  string
		status  int
	}{
		{name: "echo", command: "echo hello world", stdout: []byte("hello world\n")},
		{name: "stderr", command: "stderr oops", stderr: "oops\n"},
		{name: "exit code", command: "exit 3", status: 3},
		{name: "unknown command", command: "frobnicate", stderr: "frobnicate: command not found\n", status: 127},
		{name: "stdin round trip", command: "cat", stdin: bytes.Repeat([]byte("0123456789"), 10000), stdout: bytes.Repeat([]byte("0123456789"), 10000)},
		{name: "output beyond the window", command: "big 300000", stdout: sshtest.Alphabet(300000)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := ExecOptions{}
			if tc.stdin != nil {
				opts.Stdin = bytes.NewReader(tc.stdin)
			}
			res, err := m.Exec(tc.command, opts)
			if err != nil {
				t.Fatalf("exec: %v", err)
			}
			if !bytes.Equal(res.Stdout, tc.stdout) {
				t.Fatalf("stdout got=%d bytes want=%d", len(res.Stdout), len(tc.stdout))
			}
			if string(res.Stderr) != tc.stderr {
				t.Fatalf("stderr got=%q want=%q", res.Stderr, tc.stderr)
			}
			if res.ExitStatus != tc.status {
				t.Fatalf("status got=%d want=%d", res.ExitStatus, tc.status)
			}
		})
	}
	if m.Len() != 0 {
		t.Fatalf("channels leaked: %d", m.Len())
	}
}

func TestExecStreamsAndSignals(t *testing.T) {
	testlog.Start(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	m := session(t, srv, Options{})

	var out strings.Builder
	res, err := m.Exec("echo streamed", ExecOptions{Stdout: &out, PTY: true, Env: map[string]string{"LANG": "C"}})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if out.String() != "streamed\n" || len(res.Stdout) != 0 {
		t.Fatalf("streamed got=%q buffered=%q", out.String(), res.Stdout)
	}

	res, err = m.Exec("signal TERM", ExecOptions{})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitStatus != -1 || res.ExitSignal == nil || res.ExitSignal.Signal != "TERM" {
		t.Fatalf("signal got status=%d signal=%+v", res.ExitStatus, res.ExitSignal)
	}
	if res.Success() {
		t.Fatalf("signalled command must not report success")
	}
}

func TestShellReadUntil(t *testing.T) {
	testlog.Start(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	m := session(t, srv, Options{})

	sh, err := m.Shell(ShellOptions{})
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	greeting, err := sh.ReadUntil(Literal("$ "))
	if err != nil || greeting != "welcome\n$ " {
		t.Fatalf("greeting got=%q err=%v", greeting, err)
	}
	if _, err := sh.Write([]byte("ls -l\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := sh.ReadUntil(Pattern(regexp.MustCompile(`you said: .*\n`)))
	if err != nil || reply != "you said: ls -l\n" {
		t.Fatalf("reply got=%q err=%v", reply, err)
	}
	if prompt, err := sh.ReadUntil(Literal("$ ")); err != nil || prompt != "$ " {
		t.Fatalf("prompt got=%q err=%v", prompt, err)
	}
	if _, err := sh.Write([]byte("exit\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	bye, err := sh.ReadUntil(Literal("never printed"))
	if err == nil || bye != "bye\n" {
		t.Fatalf("tail got=%q err=%v", bye, err)
	}
	if err := sh.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestTimeoutThenReset(t *testing.T) {
	testlog.Start(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	m := session(t, srv, Options{})

	c, err := m.Open("session", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.Exec("cat"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	m.SetTimeout(200 * time.Millisecond)
	buf := make([]byte, 16)
	if _, err := c.Read(buf); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	c.Reset()

	m.SetTimeout(15 * time.Second)
	res, err := m.Exec("echo still alive", ExecOptions{})
	if err != nil || string(res.Stdout) != "still alive\n" {
		t.Fatalf("exec after reset got=%v err=%v", res, err)
	}
}

func TestUnknownSubsystemRejected(t *testing.T) {
	testlog.Start(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	m := session(t, srv, Options{})

	c, err := m.Open("session", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.Subsystem("netconf"); !errors.Is(err, ErrRequestRejected) {
		t.Fatalf("expected ErrRequestRejected, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestServerGlobalRequestAnsweredWithFailure(t *testing.T) {
	testlog.Start(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "pw", GlobalRequestAfterAuth: "keepalive@openssh.com"})
	m := session(t, srv, Options{})

	for i := 0; i < 50; i++ {
		if _, received := srv.GlobalReply(); received {
			break
		}
		if _, err := m.Exec("echo ping", ExecOptions{}); err != nil {
			t.Fatalf("exec: %v", err)
		}
	}
	ok, received := srv.GlobalReply()
	if !received || ok {
		t.Fatalf("global reply got ok=%v received=%v", ok, received)
	}
}
