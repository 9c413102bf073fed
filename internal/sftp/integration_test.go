package sftp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgessh/internal/auth"
	"github.com/danmuck/edgessh/internal/channel"
	"github.com/danmuck/edgessh/internal/testutil/sshtest"
	"github.com/danmuck/edgessh/internal/testutil/testlog"
	"github.com/danmuck/edgessh/internal/transport"
)

func openSession(t *testing.T, srv *sshtest.Server, opts ...Option) *Session {
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
	if ok, err := auth.New(conn, nil).Authenticate("tester", auth.Password("pw")); err != nil || !ok {
		t.Fatalf("authenticate got=%v err=%v", ok, err)
	}
	m := channel.NewManager(conn, channel.Options{Timeout: 15 * time.Second})
	s, err := Open(m, opts...)
	if err != nil {
		t.Fatalf("sftp: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func diskServer(t *testing.T) (*sshtest.Server, string) {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	return sshtest.Start(t, sshtest.Options{Password: "pw", Root: root}), root
}

func TestPutGetAgainstDisk(t *testing.T) {
	testlog.Start(t)
	srv, root := diskServer(t)
	s := openSession(t, srv, WithChunkSize(1024), WithQueueDepth(4))

	if s.Pwd() != root {
		t.Fatalf("pwd got=%q want=%q", s.Pwd(), root)
	}
	payload := sshtest.Alphabet(50*1024 + 17)
	n, err := s.Put("data.bin", bytes.NewReader(payload), PutOptions{})
	if err != nil || n != int64(len(payload)) {
		t.Fatalf("put n=%d err=%v", n, err)
	}
	onDisk, err := os.ReadFile(filepath.Join(root, "data.bin"))
	if err != nil || !bytes.Equal(onDisk, payload) {
		t.Fatalf("disk contents differ err=%v", err)
	}
	got, err := s.GetBytes("data.bin")
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("get len=%d err=%v", len(got), err)
	}
	var part bytes.Buffer
	if _, err := s.Get("data.bin", &part, GetOptions{Offset: 1000, Length: 3000}); err != nil {
		t.Fatalf("partial get: %v", err)
	}
	if !bytes.Equal(part.Bytes(), payload[1000:4000]) {
		t.Fatalf("partial get got=%d bytes", part.Len())
	}
	if size, err := s.Size("data.bin"); err != nil || size != int64(len(payload)) {
		t.Fatalf("size got=%d err=%v", size, err)
	}
}

func TestPutResumeAndOffset(t *testing.T) {
	testlog.Start(t)
	srv, root := diskServer(t)
	s := openSession(t, srv)

	full := []byte("0123456789abcdefghij")
	if _, err := s.Put("r.txt", bytes.NewReader(full[:8]), PutOptions{}); err != nil {
		t.Fatalf("first half: %v", err)
	}
	n, err := s.Put("r.txt", bytes.NewReader(full), PutOptions{Resume: true})
	if err != nil || n != int64(len(full)-8) {
		t.Fatalf("resume n=%d err=%v", n, err)
	}
	if got, _ := os.ReadFile(filepath.Join(root, "r.txt")); !bytes.Equal(got, full) {
		t.Fatalf("resumed contents got=%q", got)
	}

	if _, err := s.Put("r.txt", strings.NewReader("XY"), PutOptions{Offset: 2}); err != nil {
		t.Fatalf("offset put: %v", err)
	}
	if got, _ := os.ReadFile(filepath.Join(root, "r.txt")); string(got) != "01XY456789abcdefghij" {
		t.Fatalf("offset contents got=%q", got)
	}

	if _, err := s.Put("r.txt", strings.NewReader("short"), PutOptions{}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got, _ := os.ReadFile(filepath.Join(root, "r.txt")); string(got) != "short" {
		t.Fatalf("overwrite must truncate, got=%q", got)
	}
}

func TestDirectoriesAndListing(t *testing.T) {
	testlog.Start(t)
	srv, root := diskServer(t)
	s := openSession(t, srv)

	if err := s.Mkdir("a/b/c", 0o755, true); err != nil {
		t.Fatalf("mkdir -p: %v", err)
	}
	if err := s.Mkdir("a/b/c", 0o755, true); err != nil {
		t.Fatalf("mkdir -p on existing: %v", err)
	}
	if err := s.Mkdir("a", 0o755, false); !errors.Is(err, &StatusError{Code: StatusFailure}) && !errors.Is(err, fs.ErrExist) {
		t.Fatalf("plain mkdir on existing dir got %v", err)
	}
	if _, err := s.Put("a/f.txt", strings.NewReader("hello"), PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}

	names, err := s.Names("a")
	if err != nil || strings.Join(names, ",") != "b,f.txt" {
		t.Fatalf("names got=%v err=%v", names, err)
	}
	raw, err := s.RawList("a")
	if err != nil || raw["f.txt"].Size != 5 {
		t.Fatalf("raw list got=%v err=%v", raw, err)
	}
	if b := raw["b"]; !b.IsDir() {
		t.Fatalf("raw list b got=%v", b)
	}
	if ok, err := s.IsFile("a/f.txt"); err != nil || !ok {
		t.Fatalf("IsFile got=%v err=%v", ok, err)
	}
	if ok, err := s.Exists("a/missing"); err != nil || ok {
		t.Fatalf("Exists got=%v err=%v", ok, err)
	}

	if err := s.Chdir("a/b"); err != nil || s.Pwd() != filepath.Join(root, "a/b") {
		t.Fatalf("chdir got=%q err=%v", s.Pwd(), err)
	}
	before := s.nextID
	if err := s.Chdir(".."); err != nil || s.Pwd() != filepath.Join(root, "a") || s.nextID != before {
		t.Fatalf("chdir .. got=%q err=%v", s.Pwd(), err)
	}
	if err := s.Chdir("f.txt"); !errors.Is(err, ErrNotDirectory) {
		t.Fatalf("chdir into file got %v", err)
	}

	if err := s.Rmdir("b/c"); err != nil {
		t.Fatalf("rmdir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "a/b/c")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("directory still on disk: %v", err)
	}
	if s.dirs.has(filepath.Join(root, "a/b/c")) {
		t.Fatalf("removed directory still cached")
	}
}

func TestRecursiveDeleteAndChmod(t *testing.T) {
	testlog.Start(t)
	srv, root := diskServer(t)
	s := openSession(t, srv, WithQueueDepth(2))

	for _, dir := range []string{"tree/x/y", "tree/z"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	for _, f := range []string{"tree/1", "tree/2", "tree/x/3", "tree/x/y/4", "tree/x/y/5", "tree/z/6"} {
		if err := os.WriteFile(filepath.Join(root, f), []byte(f), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	mode, err := s.Chmod("tree", 0o750, true)
	if err != nil || mode != 0o750 {
		t.Fatalf("chmod -R got=%s err=%v", FormatMode(mode), err)
	}
	fi, err := os.Stat(filepath.Join(root, "tree/x/y/4"))
	if err != nil || fi.Mode().Perm() != 0o750 {
		t.Fatalf("leaf mode got=%v err=%v", fi.Mode(), err)
	}

	if err := s.Delete("tree", false); err == nil {
		t.Fatalf("non-recursive delete of a directory must fail")
	}
	if err := s.Delete("tree", true); err != nil {
		t.Fatalf("delete -r: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "tree")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("tree still on disk: %v", err)
	}
	if _, err := s.Stat("tree"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("stat after delete got %v", err)
	}
}

func TestAttributeChanges(t *testing.T) {
	testlog.Start(t)
	srv, root := diskServer(t)
	s := openSession(t, srv)

	mtime := time.Unix(1600000000, 0)
	if err := s.Touch("new.txt", mtime, time.Time{}); err != nil {
		t.Fatalf("touch: %v", err)
	}
	fi, err := os.Stat(filepath.Join(root, "new.txt"))
	if err != nil || fi.Size() != 0 || !fi.ModTime().Equal(mtime) {
		t.Fatalf("touched file got=%v err=%v", fi, err)
	}

	if _, err := s.Put("t.txt", strings.NewReader("truncate me"), PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Truncate("t.txt", 8); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if got, _ := s.GetBytes("t.txt"); string(got) != "truncate" {
		t.Fatalf("truncated got=%q", got)
	}

	mode, err := s.Chmod("t.txt", 0o600, false)
	if err != nil || FormatMode(mode) != "600" {
		t.Fatalf("chmod got=%o err=%v", mode, err)
	}
	if err := s.Chown("t.txt", uint32(os.Getuid())); err != nil {
		t.Fatalf("chown to self: %v", err)
	}
	if err := s.Chgrp("t.txt", uint32(os.Getgid())); err != nil {
		t.Fatalf("chgrp to own group: %v", err)
	}

	if err := s.Rename("t.txt", "moved.txt"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if ok, _ := s.Exists("t.txt"); ok {
		t.Fatalf("old name still exists")
	}

	target := filepath.Join(root, "moved.txt")
	if err := s.Symlink(target, "link"); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if ok, err := s.IsLink("link"); err != nil || !ok {
		t.Fatalf("IsLink got=%v err=%v", ok, err)
	}
	if got, err := s.Readlink("link"); err != nil || got != target {
		t.Fatalf("readlink got=%q err=%v", got, err)
	}

	if err := s.Remove("missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("remove missing got %v", err)
	}
}

func TestHandleOperations(t *testing.T) {
	testlog.Start(t)
	srv, _ := diskServer(t)
	s := openSession(t, srv)

	h, err := s.OpenFile("h.bin", FlagWrite|FlagCreate|FlagTrunc, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.WriteAt(h, 0, []byte("hello ")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.WriteAt(h, 6, []byte("world")); err != nil {
		t.Fatalf("write: %v", err)
	}
	a, err := s.Fstat(h)
	if err != nil || a.Size != 11 {
		t.Fatalf("fstat got=%+v err=%v", a, err)
	}
	if err := s.CloseHandle(h); err != nil {
		t.Fatalf("close: %v", err)
	}

	h, err = s.OpenFile("h.bin", FlagRead, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, err := s.ReadAt(h, 6, 100)
	if err != nil || string(data) != "world" {
		t.Fatalf("read got=%q err=%v", data, err)
	}
	if _, err := s.ReadAt(h, 11, 10); !errors.Is(err, io.EOF) {
		t.Fatalf("read at end got %v", err)
	}
	if err := s.CloseHandle(h); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestInMemoryServer(t *testing.T) {
	testlog.Start(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "pw", InMemorySFTP: true})
	s := openSession(t, srv)

	if s.Pwd() != "/" {
		t.Fatalf("pwd got=%q", s.Pwd())
	}
	if err := s.Mkdir("/docs", 0, false); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := s.Put("/docs/readme", strings.NewReader("in memory"), PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Rename("/docs/readme", "/docs/README"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	names, err := s.Names("/docs")
	if err != nil || strings.Join(names, ",") != "README" {
		t.Fatalf("names got=%v err=%v", names, err)
	}
	if got, err := s.GetBytes("/docs/README"); err != nil || string(got) != "in memory" {
		t.Fatalf("get got=%q err=%v", got, err)
	}
}
