package sftp

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/edgessh/internal/protocol/wire"
)

// Entry is one directory listing record.
type Entry struct {
	Name     string
	LongName string
	Attrs    Attributes
}

func (s *Session) abs(p string) string { return resolve(s.cwd, p) }

// Realpath asks the server to canonicalize p.
func (s *Session) Realpath(p string) (string, error) {
	target := p
	if s.cwd != "" {
		target = s.abs(p)
	}
	if err := s.send("realpath", target, fxpRealpath, wire.AppendText(nil, target)); err != nil {
		return "", err
	}
	return s.singleName()
}

func (s *Session) singleName() (string, error) {
	r, err := s.expect(fxpName)
	if err != nil {
		return "", err
	}
	count, err := r.Uint32()
	if err != nil || count < 1 {
		return "", s.broken(fmt.Errorf("sftp: empty NAME response"))
	}
	name, err := r.Text()
	if err != nil {
		return "", s.broken(fmt.Errorf("sftp: short NAME response: %w", err))
	}
	return name, nil
}

// Chdir changes the emulated working directory. Known directories are
// entered without a round trip.
func (s *Session) Chdir(p string) error {
	target := s.abs(p)
	if s.dirs.has(target) {
		s.cwd = target
		return nil
	}
	real, err := s.Realpath(target)
	if err != nil {
		return err
	}
	a, err := s.Stat(real)
	if err != nil {
		return err
	}
	if !a.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, real)
	}
	s.cwd = real
	s.dirs.add(real)
	return nil
}

func (s *Session) Stat(p string) (*Attributes, error)  { return s.stat("stat", fxpStat, p) }
func (s *Session) Lstat(p string) (*Attributes, error) { return s.stat("lstat", fxpLstat, p) }

func (s *Session) stat(op string, typ byte, p string) (*Attributes, error) {
	target := s.abs(p)
	if err := s.send(op, target, typ, wire.AppendText(nil, target)); err != nil {
		return nil, err
	}
	a, err := s.attrsResponse()
	if err != nil {
		return nil, err
	}
	if a.IsDir() {
		s.dirs.add(target)
	}
	return a, nil
}

// Fstat returns the attributes of an open handle.
func (s *Session) Fstat(h Handle) (*Attributes, error) {
	if err := s.send("fstat", "", fxpFstat, wire.AppendString(nil, h)); err != nil {
		return nil, err
	}
	return s.attrsResponse()
}

func (s *Session) attrsResponse() (*Attributes, error) {
	r, err := s.expect(fxpAttrs)
	if err != nil {
		return nil, err
	}
	a, err := parseAttributes(r)
	if err != nil {
		return nil, s.broken(fmt.Errorf("sftp: malformed ATTRS: %w", err))
	}
	return &a, nil
}

// ReadDir lists a directory without "." and "..". Directories found in the
// listing are added to the directory cache.
func (s *Session) ReadDir(p string) ([]Entry, error) {
	target := s.abs(p)
	if err := s.send("opendir", target, fxpOpendir, wire.AppendText(nil, target)); err != nil {
		return nil, err
	}
	h, err := s.handleResponse()
	if err != nil {
		return nil, err
	}
	s.dirs.add(target)

	var entries []Entry
	for {
		if err := s.send("readdir", target, fxpReaddir, wire.AppendString(nil, h)); err != nil {
			return nil, err
		}
		r, err := s.expect(fxpName)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.closeQuietly(h)
			return nil, err
		}
		count, err := r.Uint32()
		if err != nil {
			return nil, s.broken(fmt.Errorf("sftp: short NAME response: %w", err))
		}
		if count == 0 {
			break
		}
		for i := uint32(0); i < count; i++ {
			e, err := parseEntry(r)
			if err != nil {
				return nil, s.broken(fmt.Errorf("sftp: malformed NAME entry: %w", err))
			}
			if e.Name == "." || e.Name == ".." {
				continue
			}
			if e.Attrs.IsDir() {
				s.dirs.add(path.Join(target, e.Name))
			}
			entries = append(entries, e)
		}
	}
	if err := s.CloseHandle(h); err != nil {
		return nil, err
	}
	return entries, nil
}

func parseEntry(r *wire.Reader) (Entry, error) {
	var e Entry
	var err error
	if e.Name, err = r.Text(); err != nil {
		return e, err
	}
	if e.LongName, err = r.Text(); err != nil {
		return e, err
	}
	if e.Attrs, err = parseAttributes(r); err != nil {
		return e, err
	}
	e.Attrs.LongName = e.LongName
	return e, nil
}

// Names returns the sorted entry names of a directory.
func (s *Session) Names(p string) ([]string, error) {
	entries, err := s.ReadDir(p)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names, nil
}

// RawList returns a directory's entries keyed by name.
func (s *Session) RawList(p string) (map[string]Attributes, error) {
	entries, err := s.ReadDir(p)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Attributes, len(entries))
	for _, e := range entries {
		out[e.Name] = e.Attrs
	}
	return out, nil
}

// Mkdir creates a directory. With recursive, missing parents are created
// and an existing directory is not an error.
func (s *Session) Mkdir(p string, mode uint32, recursive bool) error {
	target := s.abs(p)
	if !recursive {
		return s.mkdir(target, mode)
	}
	if s.dirs.has(target) {
		return nil
	}
	cur := ""
	for _, part := range strings.Split(strings.TrimPrefix(target, "/"), "/") {
		cur += "/" + part
		if s.dirs.has(cur) {
			continue
		}
		a, err := s.Stat(cur)
		if err == nil {
			if !a.IsDir() {
				return fmt.Errorf("%w: %s", ErrNotDirectory, cur)
			}
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := s.mkdir(cur, mode); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) mkdir(target string, mode uint32) error {
	var attrs *Attributes
	if mode != 0 {
		attrs = &Attributes{Flags: AttrPermissions, Permissions: mode & 0o7777}
	}
	body := appendAttributes(wire.AppendText(nil, target), attrs)
	if err := s.call("mkdir", target, fxpMkdir, body); err != nil {
		return err
	}
	s.dirs.add(target)
	return nil
}

func (s *Session) Rmdir(p string) error {
	target := s.abs(p)
	if err := s.call("rmdir", target, fxpRmdir, wire.AppendText(nil, target)); err != nil {
		return err
	}
	s.dirs.prune(target)
	return nil
}

// Remove deletes a file.
func (s *Session) Remove(p string) error {
	target := s.abs(p)
	if err := s.call("remove", target, fxpRemove, wire.AppendText(nil, target)); err != nil {
		return err
	}
	s.dirs.prune(target)
	return nil
}

// Delete removes a file, or with recursive a whole directory tree.
func (s *Session) Delete(p string, recursive bool) error {
	target := s.abs(p)
	if !recursive {
		return s.Remove(target)
	}
	a, err := s.Lstat(target)
	if err != nil {
		return err
	}
	if !a.IsDir() {
		return s.Remove(target)
	}
	nodes, err := s.walk(target)
	if err != nil {
		return err
	}
	err = s.pipeline(nodes, func(n treeNode) (string, byte, []byte) {
		if n.dir {
			return "rmdir", fxpRmdir, wire.AppendText(nil, n.path)
		}
		return "remove", fxpRemove, wire.AppendText(nil, n.path)
	})
	s.dirs.prune(target)
	return err
}

func (s *Session) Rename(oldpath, newpath string) error {
	from, to := s.abs(oldpath), s.abs(newpath)
	body := wire.AppendText(wire.AppendText(nil, from), to)
	if err := s.call("rename", from, fxpRename, body); err != nil {
		return err
	}
	s.dirs.prune(from)
	s.dirs.prune(to)
	return nil
}

func (s *Session) setstat(op, target string, a *Attributes) error {
	return s.call(op, target, fxpSetstat, appendAttributes(wire.AppendText(nil, target), a))
}

// Chmod sets the permission bits and returns the mode the server reports
// afterwards. With recursive, a directory's contents are changed first.
func (s *Session) Chmod(p string, mode uint32, recursive bool) (uint32, error) {
	target := s.abs(p)
	attrs := &Attributes{Flags: AttrPermissions, Permissions: mode & 0o7777}
	if recursive {
		a, err := s.Lstat(target)
		if err != nil {
			return 0, err
		}
		if a.IsDir() {
			nodes, err := s.walk(target)
			if err != nil {
				return 0, err
			}
			err = s.pipeline(nodes, func(n treeNode) (string, byte, []byte) {
				return "chmod", fxpSetstat, appendAttributes(wire.AppendText(nil, n.path), attrs)
			})
			if err != nil {
				return 0, err
			}
			return s.permissions(target)
		}
	}
	if err := s.setstat("chmod", target, attrs); err != nil {
		return 0, err
	}
	return s.permissions(target)
}

func (s *Session) permissions(target string) (uint32, error) {
	a, err := s.Stat(target)
	if err != nil {
		return 0, err
	}
	return a.Permissions & 0o7777, nil
}

// Chown changes the owner and keeps the current group.
func (s *Session) Chown(p string, uid uint32) error {
	target := s.abs(p)
	a, err := s.Stat(target)
	if err != nil {
		return err
	}
	return s.setstat("chown", target, &Attributes{Flags: AttrUIDGID, UID: uid, GID: a.GID})
}

// Chgrp changes the group and keeps the current owner.
func (s *Session) Chgrp(p string, gid uint32) error {
	target := s.abs(p)
	a, err := s.Stat(target)
	if err != nil {
		return err
	}
	return s.setstat("chgrp", target, &Attributes{Flags: AttrUIDGID, UID: a.UID, GID: gid})
}

func (s *Session) Truncate(p string, size int64) error {
	target := s.abs(p)
	return s.setstat("truncate", target, &Attributes{Flags: AttrSize, Size: uint64(size)})
}

// Touch sets the access and modification times, creating an empty file if
// p does not exist. Zero times mean now.
func (s *Session) Touch(p string, mtime, atime time.Time) error {
	target := s.abs(p)
	now := time.Now()
	if mtime.IsZero() {
		mtime = now
	}
	if atime.IsZero() {
		atime = mtime
	}
	if _, err := s.Stat(target); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		h, err := s.OpenFile(target, FlagWrite|FlagCreate, nil)
		if err != nil {
			return err
		}
		if err := s.CloseHandle(h); err != nil {
			return err
		}
	}
	return s.setstat("touch", target, &Attributes{
		Flags: AttrACModTime,
		ATime: uint32(atime.Unix()),
		MTime: uint32(mtime.Unix()),
	})
}

// Symlink creates link pointing at target. Arguments go on the wire in
// the order OpenSSH expects.
func (s *Session) Symlink(target, link string) error {
	linkPath := s.abs(link)
	if s.version < 3 {
		return &StatusError{Op: "symlink", Path: linkPath, Code: StatusOpUnsupported}
	}
	body := wire.AppendText(wire.AppendText(nil, target), linkPath)
	return s.call("symlink", linkPath, fxpSymlink, body)
}

func (s *Session) Readlink(p string) (string, error) {
	target := s.abs(p)
	if s.version < 3 {
		return "", &StatusError{Op: "readlink", Path: target, Code: StatusOpUnsupported}
	}
	if err := s.send("readlink", target, fxpReadlink, wire.AppendText(nil, target)); err != nil {
		return "", err
	}
	return s.singleName()
}

// OpenFile opens a remote file with the Flag* bits. attrs may be nil.
func (s *Session) OpenFile(p string, flags uint32, attrs *Attributes) (Handle, error) {
	target := s.abs(p)
	body := wire.AppendText(nil, target)
	body = wire.AppendUint32(body, flags)
	body = appendAttributes(body, attrs)
	if err := s.send("open", target, fxpOpen, body); err != nil {
		return nil, err
	}
	return s.handleResponse()
}

func (s *Session) handleResponse() (Handle, error) {
	r, err := s.expect(fxpHandle)
	if err != nil {
		return nil, err
	}
	h, err := r.String()
	if err != nil {
		return nil, s.broken(fmt.Errorf("sftp: malformed HANDLE: %w", err))
	}
	return append(Handle(nil), h...), nil
}

func (s *Session) CloseHandle(h Handle) error {
	return s.call("close", "", fxpClose, wire.AppendString(nil, h))
}

func (s *Session) closeQuietly(h Handle) {
	if s.err != nil {
		return
	}
	if err := s.CloseHandle(h); err != nil {
		s.log.Debug().Err(err).Msg("close handle")
	}
}

// ReadAt reads up to n bytes at off. It returns io.EOF at end of file.
func (s *Session) ReadAt(h Handle, off int64, n int) ([]byte, error) {
	if err := s.send("read", "", fxpRead, readBody(h, off, n)); err != nil {
		return nil, err
	}
	r, err := s.expect(fxpData)
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	data, err := r.String()
	if err != nil {
		return nil, s.broken(fmt.Errorf("sftp: malformed DATA: %w", err))
	}
	return append([]byte(nil), data...), nil
}

func readBody(h Handle, off int64, n int) []byte {
	b := wire.AppendString(nil, h)
	b = wire.AppendUint64(b, uint64(off))
	return wire.AppendUint32(b, uint32(n))
}

func writeBody(h Handle, off int64, data []byte) []byte {
	b := wire.AppendString(nil, h)
	b = wire.AppendUint64(b, uint64(off))
	return wire.AppendString(b, data)
}

func (s *Session) WriteAt(h Handle, off int64, data []byte) error {
	return s.call("write", "", fxpWrite, writeBody(h, off, data))
}

// Size returns the size of a remote file.
func (s *Session) Size(p string) (int64, error) {
	a, err := s.Stat(p)
	if err != nil {
		return 0, err
	}
	if !a.Has(AttrSize) {
		return 0, fmt.Errorf("sftp: %s: server sent no size", s.abs(p))
	}
	return int64(a.Size), nil
}

func (s *Session) Exists(p string) (bool, error) {
	_, err := s.Stat(p)
	return existence(err)
}

// IsDir answers from the directory cache when it can.
func (s *Session) IsDir(p string) (bool, error) {
	if s.dirs.has(s.abs(p)) {
		return true, nil
	}
	a, err := s.Stat(p)
	if ok, err := existence(err); !ok {
		return false, err
	}
	return a.IsDir(), nil
}

func (s *Session) IsFile(p string) (bool, error) {
	a, err := s.Stat(p)
	if ok, err := existence(err); !ok {
		return false, err
	}
	return a.FileType() == TypeRegular, nil
}

func (s *Session) IsLink(p string) (bool, error) {
	a, err := s.Lstat(p)
	if ok, err := existence(err); !ok {
		return false, err
	}
	return a.FileType() == TypeSymlink, nil
}

func existence(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
