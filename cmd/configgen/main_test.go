package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/edgessh/internal/testutil/testlog"
)

func TestWriteThenValidate(t *testing.T) {
	testlog.Start(t)
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "profile.toml")

	if code := run([]string{"configgen", "-k", "key", "-o", path}); code != 0 {
		t.Fatalf("write exit code got=%d", code)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read template: %v", err)
	}
	if !strings.Contains(string(data), "identity_file") {
		t.Fatalf("expected key template got=%q", data)
	}
	if code := run([]string{"configgen", "-k", "key", "-o", path}); code != 1 {
		t.Fatalf("overwrite without force got=%d", code)
	}
	if code := run([]string{"configgen", "-k", "keyboard", "-o", path, "-f"}); code != 0 {
		t.Fatalf("forced overwrite got=%d", code)
	}
	if code := run([]string{"configgen", "-V", "-i", path}); code != 0 {
		t.Fatalf("validate exit code got=%d", code)
	}
}

func TestValidateRejectsBrokenProfile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "broken.toml")
	if err := os.WriteFile(path, []byte("port = 22\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code := run([]string{"configgen", "-V", "-i", path}); code != 1 {
		t.Fatalf("validate exit code got=%d", code)
	}
	if code := run([]string{"configgen", "-k", "kerberos"}); code != 2 {
		t.Fatalf("bad kind exit code got=%d", code)
	}
}
