package channel

import (
	"bytes"
	"io"
	"regexp"
)

// Matcher finds the end of the text ReadUntil waits for.
type Matcher interface {
	// Match returns the index just past the match in buf.
	Match(buf []byte) (end int, ok bool)
}

type literal []byte

func (l literal) Match(buf []byte) (int, bool) {
	i := bytes.Index(buf, l)
	if i < 0 {
		return 0, false
	}
	return i + len(l), true
}

// Literal matches an exact byte sequence.
func Literal(s string) Matcher { return literal(s) }

type pattern struct{ re *regexp.Regexp }

func (p pattern) Match(buf []byte) (int, bool) {
	loc := p.re.FindIndex(buf)
	if loc == nil {
		return 0, false
	}
	return loc[1], true
}

// Pattern matches a regular expression.
func Pattern(re *regexp.Regexp) Matcher { return pattern{re: re} }

type ShellOptions struct {
	Term string
	Cols uint32
	Rows uint32
}

// Shell is an interactive session with a pseudo-terminal.
type Shell struct {
	ch  *Channel
	buf []byte
}

// Shell opens a session channel, requests a pty and starts the login shell.
func (m *Manager) Shell(opts ShellOptions) (*Shell, error) {
	c, err := m.Open("session", nil)
	if err != nil {
		return nil, err
	}
	if err := c.RequestPTY(termOr(opts.Term), orDefault(opts.Cols, 80), orDefault(opts.Rows, 24)); err != nil {
		c.Reset()
		return nil, err
	}
	if err := c.Shell(); err != nil {
		c.Reset()
		return nil, err
	}
	return &Shell{ch: c}, nil
}

func (s *Shell) Channel() *Channel { return s.ch }

func (s *Shell) Write(p []byte) (int, error) { return s.ch.Write(p) }

// ReadUntil buffers output until m matches and returns everything up to
// and including the match. If the channel ends first it returns the
// buffered text with io.EOF. On timeout the buffered text is kept for the
// next call.
func (s *Shell) ReadUntil(m Matcher) (string, error) {
	chunk := make([]byte, 4096)
	eof := false
	for {
		if end, ok := m.Match(s.buf); ok {
			out := string(s.buf[:end])
			s.buf = append(s.buf[:0], s.buf[end:]...)
			return out, nil
		}
		if eof {
			out := string(s.buf)
			s.buf = s.buf[:0]
			return out, io.EOF
		}
		n, err := s.ch.Read(chunk)
		s.buf = append(s.buf, chunk[:n]...)
		if err == io.EOF {
			eof = true
			continue
		}
		if err != nil {
			return "", err
		}
	}
}

// Close ends the session.
func (s *Shell) Close() error {
	if err := s.ch.CloseWrite(); err != nil {
		s.ch.Reset()
		return err
	}
	return s.ch.Close()
}
