package main

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/edgessh/internal/sftp"
	"github.com/danmuck/edgessh/internal/testutil/sshtest"
	"github.com/danmuck/edgessh/internal/testutil/testlog"
)

func writeProfile(t *testing.T, srv *sshtest.Server) string {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	body := fmt.Sprintf(`host = %q
port = %s
user = "tester"
password = "pw"
insecure_skip_host_key_check = true
channel_timeout = "15s"

[algorithms]
kex = ["diffie-hellman-group14-sha256"]
`, host, port)
	path := filepath.Join(t.TempDir(), "profile.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}

func TestExecExitCode(t *testing.T) {
	testlog.Start(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	profile := writeProfile(t, srv)

	if code := run([]string{"edgessh", "exec", "-p", profile, "-c", "exit 3"}); code != 3 {
		t.Fatalf("exit code got=%d", code)
	}
	if code := run([]string{"edgessh", "exec", "-c", "echo ok", "--profile", profile}); code != 0 {
		t.Fatalf("exit code got=%d", code)
	}
	cmds := srv.ExecCommands()
	if len(cmds) != 2 || cmds[0] != "exit 3" {
		t.Fatalf("unexpected commands got=%v", cmds)
	}
}

func TestUsageErrors(t *testing.T) {
	testlog.Start(t)
	if code := run([]string{"edgessh", "exec", "-c", "true"}); code != 2 {
		t.Fatalf("missing profile got=%d", code)
	}
	if code := run([]string{"edgessh", "--bogus"}); code != 2 {
		t.Fatalf("unknown flag got=%d", code)
	}
	// global flags follow the command name
	if code := run([]string{"edgessh", "-p", "profile.toml", "ls"}); code != 2 {
		t.Fatalf("flags before command got=%d", code)
	}
	if code := run([]string{"edgessh", "algorithms", "-v"}); code != 0 {
		t.Fatalf("algorithms got=%d", code)
	}
	missing := filepath.Join(t.TempDir(), "missing.toml")
	if code := run([]string{"edgessh", "ls", "-p", missing}); code != 1 {
		t.Fatalf("missing profile file got=%d", code)
	}
}

func TestFileCommands(t *testing.T) {
	testlog.Start(t)
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolve root: %v", err)
	}
	srv := sshtest.Start(t, sshtest.Options{Password: "pw", Root: root})
	profile := writeProfile(t, srv)
	local := t.TempDir()

	src := filepath.Join(local, "src.bin")
	payload := sshtest.Alphabet(70000)
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	steps := [][]string{
		{"mkdir", "-r", "a/b", "-P"},
		{"put", "-l", src, "-r", "a/b"},
		{"chmod", "-r", "a/b/src.bin", "-x", "600"},
		{"mv", "-f", "a/b/src.bin", "-t", "a/moved.bin"},
		{"get", "-r", "a/moved.bin", "-l", filepath.Join(local, "sftp.bin")},
		{"scp-put", "-l", src, "-r", "scp.bin"},
		{"scp-get", "-r", "scp.bin", "-l", filepath.Join(local, "scp.bin")},
		{"stat", "-r", "a/moved.bin"},
		{"ls", "-r", "a", "-l"},
		{"rmdir", "-r", "a/b"},
	}
	for _, step := range steps {
		args := append([]string{"edgessh", step[0], "-p", profile}, step[1:]...)
		if code := run(args); code != 0 {
			t.Fatalf("%s exit code got=%d", strings.Join(step, " "), code)
		}
	}

	for _, name := range []string{"sftp.bin", "scp.bin"} {
		got, err := os.ReadFile(filepath.Join(local, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("%s mismatch len=%d", name, len(got))
		}
	}
	info, err := os.Stat(filepath.Join(root, "a", "moved.bin"))
	if err != nil {
		t.Fatalf("stat moved: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode got=%v", info.Mode().Perm())
	}
	if _, err := os.Stat(filepath.Join(root, "a", "b")); !os.IsNotExist(err) {
		t.Fatalf("rmdir left directory err=%v", err)
	}

	if code := run([]string{"edgessh", "rm", "-p", profile, "-r", "a", "-R"}); code != 0 {
		t.Fatalf("rm -R exit code got=%d", code)
	}
	if _, err := os.Stat(filepath.Join(root, "a")); !os.IsNotExist(err) {
		t.Fatalf("rm left tree err=%v", err)
	}
	if code := run([]string{"edgessh", "rmdir", "-p", profile, "-r", "nope"}); code != 1 {
		t.Fatalf("failing command exit code got=%d", code)
	}
}

func TestWriteEntries(t *testing.T) {
	testlog.Start(t)
	entries := []sftp.Entry{
		{Name: "dir", Attrs: sftp.Attributes{Flags: sftp.AttrPermissions | sftp.AttrSize, Permissions: 0o40755, Size: 4096}},
		{Name: "file.txt", Attrs: sftp.Attributes{Flags: sftp.AttrPermissions | sftp.AttrSize, Permissions: 0o100644, Size: 12}},
	}
	var buf bytes.Buffer
	writeEntries(&buf, entries)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines got=%q", buf.String())
	}
	if !strings.HasPrefix(lines[0], "drwxr-xr-x") || !strings.HasSuffix(lines[0], "dir") {
		t.Fatalf("dir line got=%q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "-rw-r--r--") || !strings.HasSuffix(lines[1], "file.txt") {
		t.Fatalf("file line got=%q", lines[1])
	}
}

func TestParseEnvAndAlgorithms(t *testing.T) {
	testlog.Start(t)
	env := parseEnv([]string{"LANG=C", "EMPTY=", "X=a=b"})
	if env["LANG"] != "C" || env["EMPTY"] != "" || env["X"] != "a=b" {
		t.Fatalf("env got=%v", env)
	}
	if parseEnv(nil) != nil {
		t.Fatalf("expected nil env")
	}
	var buf bytes.Buffer
	printAlgorithms(&buf)
	for _, want := range []string{"kex:", "diffie-hellman-group14-sha256", "cipher:", "aes128-ctr", "mac:", "hmac-sha2-256"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("algorithms missing %q", want)
		}
	}
}
