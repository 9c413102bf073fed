// Package scp copies single files with the rcp-style protocol spoken by
// "scp -t" and "scp -f" on the remote side.
package scp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/edgessh/internal/channel"
	"github.com/danmuck/edgessh/internal/shellwords"
)

const chunkSize = 32 * 1024

var (
	ErrProtocol  = errors.New("scp: protocol error")
	ErrShortRead = errors.New("scp: source ended before declared size")
)

// RemoteError carries the diagnostic a remote scp sent after a non-zero
// status byte. Code 2 is fatal on the remote side, 1 is a warning.
type RemoteError struct {
	Code    byte
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("scp: remote error (%d): %s", e.Code, e.Message)
}

// Stream is the byte pipe of one remote command.
type Stream interface {
	io.Reader
	io.Writer
	CloseWrite() error
	Close() error
}

// Opener starts a remote command.
type Opener interface {
	OpenExec(command string) (Stream, error)
}

type channelOpener struct {
	m *channel.Manager
}

// Channels runs scp on session channels of m.
func Channels(m *channel.Manager) Opener { return channelOpener{m: m} }

func (o channelOpener) OpenExec(command string) (Stream, error) {
	c, err := o.m.Open("session", nil)
	if err != nil {
		return nil, err
	}
	if err := c.Exec(command); err != nil {
		c.Reset()
		return nil, err
	}
	return c, nil
}

type Session struct {
	opener Opener
	log    zerolog.Logger
}

func New(opener Opener) *Session {
	return &Session{
		opener: opener,
		log:    log.Logger.With().Str("component", "scp").Logger(),
	}
}

// WithLogger replaces the session logger.
func (s *Session) WithLogger(l zerolog.Logger) *Session {
	s.log = l.With().Str("component", "scp").Logger()
	return s
}

// wireMode renders mode as the octal permission field of a C record. The
// setuid, setgid and sticky bits are accepted either as fs.FileMode flags
// or as raw octal.
func wireMode(mode fs.FileMode) uint32 {
	m := uint32(mode & 0o7777)
	if mode&fs.ModeSetuid != 0 {
		m |= 0o4000
	}
	if mode&fs.ModeSetgid != 0 {
		m |= 0o2000
	}
	if mode&fs.ModeSticky != 0 {
		m |= 0o1000
	}
	return m
}

// Put writes size bytes from src to the remote file path remote.
func (s *Session) Put(remote string, src io.Reader, size int64, mode fs.FileMode) (err error) {
	dir, base := path.Split(remote)
	if base == "" {
		return fmt.Errorf("scp: %q names no file", remote)
	}
	if dir == "" {
		dir = "."
	}
	st, err := s.opener.OpenExec("scp -t " + shellwords.Quote(dir))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); err == nil && cerr != nil && !errors.Is(cerr, channel.ErrClosed) {
			err = cerr
		}
	}()
	br := bufio.NewReader(st)

	if err := readAck(br, false); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(st, "C%04o %d %s\n", wireMode(mode), size, base); err != nil {
		return err
	}
	if err := readAck(br, false); err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	n, err := io.CopyBuffer(st, io.LimitReader(src, size), buf)
	if err != nil {
		return err
	}
	if n < size {
		return fmt.Errorf("%w: sent %d of %d", ErrShortRead, n, size)
	}
	if _, err := st.Write([]byte{0}); err != nil {
		return err
	}
	if err := readAck(br, true); err != nil {
		return err
	}
	s.log.Debug().Str("remote", remote).Int64("bytes", size).Msg("scp put")
	return st.CloseWrite()
}

// Get copies the remote file to dst and returns the number of bytes
// written.
func (s *Session) Get(remote string, dst io.Writer) (n int64, err error) {
	st, err := s.opener.OpenExec("scp -f " + shellwords.Quote(remote))
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := st.Close(); err == nil && cerr != nil && !errors.Is(cerr, channel.ErrClosed) {
			err = cerr
		}
	}()
	br := bufio.NewReader(st)

	if _, err := st.Write([]byte{0}); err != nil {
		return 0, err
	}
	var size int64
	for {
		line, err := readControl(br)
		if err != nil {
			return 0, err
		}
		if line[0] == 'T' {
			if _, err := st.Write([]byte{0}); err != nil {
				return 0, err
			}
			continue
		}
		if line[0] != 'C' {
			return 0, fmt.Errorf("%w: unexpected record %q", ErrProtocol, line)
		}
		if _, size, _, err = parseControl(line); err != nil {
			return 0, err
		}
		break
	}
	if _, err := st.Write([]byte{0}); err != nil {
		return 0, err
	}

	n, err = io.CopyN(dst, br, size)
	if err != nil {
		return n, err
	}
	if err := readAck(br, false); err != nil {
		return n, err
	}
	if _, err := st.Write([]byte{0}); err != nil {
		return n, err
	}
	s.log.Debug().Str("remote", remote).Int64("bytes", n).Msg("scp get")
	return n, nil
}

// readAck consumes one status byte. Non-zero status is followed by a
// diagnostic line.
func readAck(br *bufio.Reader, eofOK bool) error {
	b, err := br.ReadByte()
	if err != nil {
		if eofOK && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if b == 0 {
		return nil
	}
	return remoteError(b, br)
}

func remoteError(code byte, br *bufio.Reader) error {
	msg, _ := br.ReadString('\n')
	return &RemoteError{Code: code, Message: strings.TrimSpace(msg)}
}

// readControl reads one control record. Status bytes 1 and 2 in its place
// become a *RemoteError.
func readControl(br *bufio.Reader) (string, error) {
	b, err := br.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%w: connection closed before control record", ErrProtocol)
		}
		return "", err
	}
	if b == 1 || b == 2 {
		return "", remoteError(b, br)
	}
	if err := br.UnreadByte(); err != nil {
		return "", err
	}
	line, err := br.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("%w: truncated control record", ErrProtocol)
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// parseControl splits "Cmmmm size name".
func parseControl(line string) (fs.FileMode, int64, string, error) {
	parts := strings.SplitN(line[1:], " ", 3)
	if len(parts) != 3 {
		return 0, 0, "", fmt.Errorf("%w: bad control record %q", ErrProtocol, line)
	}
	mode, err := strconv.ParseUint(parts[0], 8, 32)
	if err != nil {
		return 0, 0, "", fmt.Errorf("%w: bad mode %q", ErrProtocol, parts[0])
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return 0, 0, "", fmt.Errorf("%w: bad size %q", ErrProtocol, parts[1])
	}
	return fs.FileMode(mode), size, parts[2], nil
}
