// Package sftp is an SFTP (revisions 2 and 3) client over one subsystem
// channel.
//
// Requests may be pipelined, but responses are consumed strictly in the
// order the requests were issued and each response id must match the
// oldest outstanding request. A Session is not safe for concurrent use.
package sftp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/edgessh/internal/channel"
	"github.com/danmuck/edgessh/internal/observability"
	"github.com/danmuck/edgessh/internal/protocol/wire"
)

// ProtocolVersion is the revision requested in INIT.
const ProtocolVersion = 3

const (
	DefaultQueueDepth = 32
	DefaultChunkSize  = 32 * 1024
)

// Handle is an opaque server handle.
type Handle []byte

type options struct {
	queueDepth int
	chunkSize  int
	logger     *zerolog.Logger
}

type Option func(*options)

// WithQueueDepth bounds the number of outstanding pipelined requests.
func WithQueueDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueDepth = n
		}
	}
}

// WithChunkSize sets the payload size of each READ and WRITE request.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

func WithLogger(l *zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

type pending struct {
	id    uint32
	op    string
	path  string
	start time.Time
}

type Session struct {
	rw   io.ReadWriteCloser
	opts options
	log  zerolog.Logger

	version    uint32
	extensions map[string]string

	nextID   uint32
	inflight []pending

	cwd  string
	dirs *dirCache

	err    error
	closed bool
}

// Open starts the sftp subsystem on a new session channel and initializes
// a Session over it.
func Open(m *channel.Manager, opts ...Option) (*Session, error) {
	c, err := m.Open("session", nil)
	if err != nil {
		return nil, err
	}
	if err := c.Subsystem("sftp"); err != nil {
		c.Reset()
		return nil, err
	}
	s, err := NewSession(c, opts...)
	if err != nil {
		c.Reset()
		return nil, err
	}
	return s, nil
}

// NewSession performs the INIT/VERSION exchange over rw and resolves the
// initial working directory.
func NewSession(rw io.ReadWriteCloser, opts ...Option) (*Session, error) {
	o := options{queueDepth: DefaultQueueDepth, chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(&o)
	}
	l := log.Logger
	if o.logger != nil {
		l = *o.logger
	}
	s := &Session{
		rw:         rw,
		opts:       o,
		log:        l.With().Str("component", "sftp").Logger(),
		extensions: make(map[string]string),
		nextID:     1,
		dirs:       newDirCache(),
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	cwd, err := s.Realpath(".")
	if err != nil {
		return nil, fmt.Errorf("sftp: resolve working directory: %w", err)
	}
	s.cwd = cwd
	s.dirs.add(cwd)
	return s, nil
}

func (s *Session) init() error {
	if err := s.writePacket(wire.AppendUint32([]byte{fxpInit}, ProtocolVersion)); err != nil {
		return err
	}
	p, err := s.readPacket()
	if err != nil {
		return err
	}
	if p[0] != fxpVersion {
		return s.broken(&UnexpectedPacketError{Op: "init", Want: fxpVersion, Got: p[0]})
	}
	r := wire.NewReader(p[1:])
	v, err := r.Uint32()
	if err != nil {
		return s.broken(fmt.Errorf("sftp: short VERSION: %w", err))
	}
	if v != 2 && v != 3 {
		return s.broken(fmt.Errorf("%w: %d", ErrUnsupportedVersion, v))
	}
	s.version = v
	for r.Len() > 0 {
		name, err := r.Text()
		if err != nil {
			break
		}
		data, err := r.Text()
		if err != nil {
			break
		}
		s.extensions[name] = data
	}
	s.log.Debug().Uint32("version", v).Int("extensions", len(s.extensions)).Msg("sftp session ready")
	return nil
}

func (s *Session) Version() uint32 { return s.version }

// Extensions returns the name/data pairs from the VERSION packet.
func (s *Session) Extensions() map[string]string {
	out := make(map[string]string, len(s.extensions))
	for k, v := range s.extensions {
		out[k] = v
	}
	return out
}

func (s *Session) Pwd() string { return s.cwd }

// Err returns the error that broke the session, if any.
func (s *Session) Err() error { return s.err }

// Close ends the session and its channel.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.err == nil {
		s.err = ErrClosed
	}
	return s.rw.Close()
}

func (s *Session) broken(err error) error {
	if s.err == nil {
		s.err = err
		s.log.Debug().Err(err).Msg("sftp session broken")
	}
	return err
}

func (s *Session) writePacket(body []byte) error {
	frame := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	frame = append(frame, body...)
	if _, err := s.rw.Write(frame); err != nil {
		return s.broken(err)
	}
	return nil
}

func (s *Session) readPacket() ([]byte, error) {
	var hdr [4]byte
	if n, err := io.ReadFull(s.rw, hdr[:]); err != nil {
		if n == 0 && errors.Is(err, channel.ErrTimeout) {
			return nil, err
		}
		return nil, s.broken(err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxPacket {
		return nil, s.broken(fmt.Errorf("%w: %d", ErrPacketTooLarge, n))
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(s.rw, p); err != nil {
		return nil, s.broken(err)
	}
	return p, nil
}

// send issues one request and queues its id. op and p label errors and
// metrics for the response.
func (s *Session) send(op, p string, typ byte, body []byte) error {
	if s.err != nil {
		return s.err
	}
	id := s.nextID
	s.nextID++
	b := make([]byte, 0, 5+len(body))
	b = append(b, typ)
	b = wire.AppendUint32(b, id)
	b = append(b, body...)
	if err := s.writePacket(b); err != nil {
		return err
	}
	s.inflight = append(s.inflight, pending{id: id, op: op, path: p, start: time.Now()})
	return nil
}

// recv reads the response to the oldest outstanding request. The returned
// reader is positioned after the id.
func (s *Session) recv() (byte, *wire.Reader, pending, error) {
	if s.err != nil {
		return 0, nil, pending{}, s.err
	}
	if len(s.inflight) == 0 {
		return 0, nil, pending{}, s.broken(errors.New("sftp: no request outstanding"))
	}
	p, err := s.readPacket()
	if err != nil {
		return 0, nil, pending{}, err
	}
	head := s.inflight[0]
	s.inflight = s.inflight[1:]
	r := wire.NewReader(p[1:])
	id, err := r.Uint32()
	if err != nil {
		return 0, nil, head, s.broken(fmt.Errorf("sftp: %s: short response: %w", head.op, err))
	}
	if id != head.id {
		return 0, nil, head, s.broken(fmt.Errorf("%w: got %d want %d", ErrUnexpectedID, id, head.id))
	}
	observability.RecordSFTPRequest(head.op, responseStatus(p), time.Since(head.start))
	return p[0], r, head, nil
}

// responseStatus labels a response for metrics.
func responseStatus(p []byte) string {
	if p[0] != fxpStatus || len(p) < 9 {
		return "ok"
	}
	code := binary.BigEndian.Uint32(p[5:9])
	if code == StatusOK {
		return "ok"
	}
	return StatusName(code)
}

func parseStatus(req pending, r *wire.Reader) *StatusError {
	code, _ := r.Uint32()
	msg, _ := r.Text()
	lang, _ := r.Text()
	return &StatusError{Op: req.op, Path: req.path, Code: code, Message: msg, Lang: lang}
}

// expect receives the next response and requires type want. A failure
// STATUS in its place is returned as a *StatusError.
func (s *Session) expect(want byte) (*wire.Reader, error) {
	typ, r, req, err := s.recv()
	if err != nil {
		return nil, err
	}
	if typ == want {
		return r, nil
	}
	if typ == fxpStatus {
		if st := parseStatus(req, r); st.Code != StatusOK {
			return nil, st
		}
	}
	return nil, s.broken(&UnexpectedPacketError{Op: req.op, Want: want, Got: typ})
}

// expectOK receives a STATUS response and returns nil for OK.
func (s *Session) expectOK() error {
	typ, r, req, err := s.recv()
	if err != nil {
		return err
	}
	if typ != fxpStatus {
		return s.broken(&UnexpectedPacketError{Op: req.op, Want: fxpStatus, Got: typ})
	}
	if st := parseStatus(req, r); st.Code != StatusOK {
		return st
	}
	return nil
}

// call sends a request and waits for its STATUS.
func (s *Session) call(op, p string, typ byte, body []byte) error {
	if err := s.send(op, p, typ, body); err != nil {
		return err
	}
	return s.expectOK()
}

// drain consumes every outstanding STATUS response and returns the first
// failure.
func (s *Session) drain() error {
	var first error
	for len(s.inflight) > 0 {
		if err := s.expectOK(); err != nil && first == nil {
			first = err
		}
		if s.err != nil {
			return s.err
		}
	}
	return first
}
