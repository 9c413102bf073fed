package sftp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

type PutOptions struct {
	// Offset writes starting at this remote offset without truncating.
	Offset int64
	// Resume continues after the current remote size, skipping as many
	// bytes of the source.
	Resume bool
	// Mode sets permissions on a newly created file.
	Mode uint32
}

type GetOptions struct {
	Offset int64
	// Length limits the transfer. Zero reads to end of file.
	Length int64
}

// Put uploads src to remote with pipelined WRITE requests and returns the
// number of bytes the server acknowledged. Any failed write stops the
// upload and the handle is closed.
func (s *Session) Put(remote string, src io.Reader, opts PutOptions) (int64, error) {
	target := s.abs(remote)
	offset := opts.Offset
	flags := FlagWrite | FlagCreate
	if opts.Resume {
		a, err := s.Stat(target)
		switch {
		case err == nil:
			offset = int64(a.Size)
		case errors.Is(err, fs.ErrNotExist):
			offset = 0
		default:
			return 0, err
		}
		if err := skip(src, offset); err != nil {
			return 0, err
		}
	} else if offset == 0 {
		flags |= FlagTrunc
	}
	var attrs *Attributes
	if opts.Mode != 0 {
		attrs = &Attributes{Flags: AttrPermissions, Permissions: opts.Mode & 0o7777}
	}

	h, err := s.OpenFile(target, flags, attrs)
	if err != nil {
		return 0, err
	}
	n, err := s.writeAll(target, h, src, offset)
	if cerr := s.CloseHandle(h); err == nil {
		err = cerr
	}
	return n, err
}

func skip(src io.Reader, n int64) error {
	if n == 0 {
		return nil
	}
	if seeker, ok := src.(io.Seeker); ok {
		_, err := seeker.Seek(n, io.SeekCurrent)
		return err
	}
	_, err := io.CopyN(io.Discard, src, n)
	return err
}

func (s *Session) writeAll(target string, h Handle, src io.Reader, off int64) (int64, error) {
	buf := make([]byte, s.opts.chunkSize)
	var (
		sizes []int
		acked int64
		gap   bool
		first error
	)
	// acked counts the contiguous prefix the server confirmed. Writes
	// acknowledged after a failed one sit past a hole and do not count.
	ack := func() {
		err := s.expectOK()
		switch {
		case err != nil:
			gap = true
			if first == nil {
				first = err
			}
		case !gap:
			acked += int64(sizes[0])
		}
		sizes = sizes[1:]
	}

	for first == nil {
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			for len(s.inflight) >= s.opts.queueDepth && first == nil {
				ack()
				if s.err != nil {
					return acked, s.err
				}
			}
			if first != nil {
				break
			}
			if err := s.send("write", target, fxpWrite, writeBody(h, off, buf[:n])); err != nil {
				return acked, err
			}
			sizes = append(sizes, n)
			off += int64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			first = fmt.Errorf("sftp: read source: %w", rerr)
		}
	}
	for len(s.inflight) > 0 {
		ack()
		if s.err != nil {
			return acked, s.err
		}
	}
	return acked, first
}

// PutFile uploads a local file. A remote directory receives the file under
// its local base name. The local permissions are used unless opts.Mode is
// set.
func (s *Session) PutFile(remote, local string, opts PutOptions) (int64, error) {
	f, err := os.Open(local)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if opts.Mode == 0 {
		opts.Mode = uint32(fi.Mode().Perm())
	}
	if isDir, err := s.IsDir(remote); err != nil {
		return 0, err
	} else if isDir {
		remote = path.Join(s.abs(remote), filepath.Base(local))
	}
	return s.Put(remote, f, opts)
}

type readReq struct {
	off int64
	n   int
}

// Get downloads remote into dst with pipelined READ requests and returns
// the number of bytes written.
func (s *Session) Get(remote string, dst io.Writer, opts GetOptions) (int64, error) {
	target := s.abs(remote)
	h, err := s.OpenFile(target, FlagRead, nil)
	if err != nil {
		return 0, err
	}
	n, err := s.readAll(target, h, dst, opts.Offset, opts.Length)
	if cerr := s.CloseHandle(h); err == nil {
		err = cerr
	}
	return n, err
}

func (s *Session) readAll(target string, h Handle, dst io.Writer, start, length int64) (int64, error) {
	end := int64(-1)
	if length > 0 {
		end = start + length
	}
	var (
		reqs    []readReq
		next    = start
		written int64
		discard int
		eof     bool
		first   error
	)
	for {
		for first == nil && !eof && len(s.inflight) < s.opts.queueDepth && (end < 0 || next < end) {
			n := int64(s.opts.chunkSize)
			if end >= 0 && end-next < n {
				n = end - next
			}
			if err := s.send("read", target, fxpRead, readBody(h, next, int(n))); err != nil {
				return written, err
			}
			reqs = append(reqs, readReq{off: next, n: int(n)})
			next += n
		}
		if len(s.inflight) == 0 {
			return written, first
		}

		req := reqs[0]
		reqs = reqs[1:]
		r, err := s.expect(fxpData)
		if s.err != nil {
			return written, s.err
		}
		if discard > 0 {
			discard--
			continue
		}
		if errors.Is(err, io.EOF) {
			eof = true
			discard = len(reqs)
			continue
		}
		if err != nil {
			first = err
			discard = len(reqs)
			continue
		}
		data, err := r.String()
		if err != nil {
			return written, s.broken(fmt.Errorf("sftp: malformed DATA: %w", err))
		}
		if _, err := dst.Write(data); err != nil {
			first = err
			discard = len(reqs)
			continue
		}
		written += int64(len(data))
		if len(data) < req.n {
			// Requests after a short read start past a gap. Drop their
			// answers and continue from where this one stopped.
			next = req.off + int64(len(data))
			discard = len(reqs)
		}
	}
}

// GetBytes downloads a whole file into memory.
func (s *Session) GetBytes(remote string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.Get(remote, &buf, GetOptions{}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
