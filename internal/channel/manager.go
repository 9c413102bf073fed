// Package channel multiplexes logical channels (RFC 4254) over one
// transport connection with explicit window flow control.
//
// Everything runs on the caller's goroutine. Whoever is waiting reads the
// next packet from the transport and routes it to its channel's FIFO, so
// data for one channel may be queued while another is being served.
package channel

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/edgessh/internal/observability"
	"github.com/danmuck/edgessh/internal/protocol/wire"
	"github.com/danmuck/edgessh/internal/transport"
)

// Transport is the part of transport.Conn the manager drives.
type Transport interface {
	WritePacket(payload []byte) error
	ReadPacket() ([]byte, error)
	SetReadTimeout(d time.Duration)
}

type Options struct {
	// WindowSize is the initial and top-up receive window per channel.
	WindowSize uint32
	// MaxPacket is the largest data frame the server may send.
	MaxPacket uint32
	// Timeout bounds every wait on the server. Zero waits forever.
	Timeout time.Duration
	Logger  *zerolog.Logger
}

func DefaultOptions() Options {
	return Options{
		WindowSize: 2 * 1024 * 1024,
		MaxPacket:  32 * 1024,
	}
}

// Manager owns the channel table for one connection.
type Manager struct {
	t        Transport
	opts     Options
	log      zerolog.Logger
	channels map[uint32]*Channel
	nextID   uint32
	err      error
}

func NewManager(t Transport, opts Options) *Manager {
	def := DefaultOptions()
	if opts.WindowSize == 0 {
		opts.WindowSize = def.WindowSize
	}
	if opts.MaxPacket == 0 {
		opts.MaxPacket = def.MaxPacket
	}
	l := log.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	}
	return &Manager{
		t:        t,
		opts:     opts,
		log:      l.With().Str("component", "channel").Logger(),
		channels: make(map[uint32]*Channel),
	}
}

// SetTimeout changes the wait bound for subsequent operations.
func (m *Manager) SetTimeout(d time.Duration) { m.opts.Timeout = d }

// Open requests a new channel and waits for the server's answer.
func (m *Manager) Open(chanType string, extra []byte) (*Channel, error) {
	if m.err != nil {
		return nil, m.err
	}
	c := &Channel{
		m:           m,
		chanType:    chanType,
		localID:     m.allocID(),
		localWindow: m.opts.WindowSize,
		exitStatus:  -1,
		state:       StateOpenRequested,
	}
	m.channels[c.localID] = c

	b := wire.AppendText([]byte{transport.MsgChannelOpen}, chanType)
	b = wire.AppendUint32(b, c.localID)
	b = wire.AppendUint32(b, m.opts.WindowSize)
	b = wire.AppendUint32(b, m.opts.MaxPacket)
	b = append(b, extra...)
	if err := m.write(b); err != nil {
		delete(m.channels, c.localID)
		return nil, err
	}

	err := m.wait(func() bool { return c.state != StateOpenRequested })
	if err == nil && c.openErr != nil {
		err = c.openErr
	}
	if err != nil {
		if c.state == StateOpenRequested && m.err == nil {
			// The server may still confirm. Keep the id reserved so the
			// late answer can be closed.
			c.abandoned = true
		} else {
			delete(m.channels, c.localID)
		}
		c.state = StateClosed
		observability.RecordChannelOpen(chanType, false)
		return nil, err
	}
	observability.RecordChannelOpen(chanType, true)
	m.log.Debug().Str("type", chanType).Uint32("local", c.localID).Uint32("remote", c.remoteID).Msg("channel open")
	return c, nil
}

func (m *Manager) allocID() uint32 {
	for {
		id := m.nextID
		m.nextID++
		if _, used := m.channels[id]; !used {
			return id
		}
	}
}

// Len returns the number of channels the manager still tracks.
func (m *Manager) Len() int { return len(m.channels) }

func (m *Manager) write(b []byte) error {
	if m.err != nil {
		return m.err
	}
	if err := m.t.WritePacket(b); err != nil {
		m.err = err
		return err
	}
	return nil
}

// wait dispatches packets until done reports true or the timeout expires.
func (m *Manager) wait(done func() bool) error {
	var deadline time.Time
	if m.opts.Timeout > 0 {
		deadline = time.Now().Add(m.opts.Timeout)
	}
	for !done() {
		if err := m.dispatchOne(deadline); err != nil {
			return err
		}
	}
	return nil
}

// dispatchOne reads one packet and routes it.
func (m *Manager) dispatchOne(deadline time.Time) error {
	if m.err != nil {
		return m.err
	}
	if deadline.IsZero() {
		m.t.SetReadTimeout(0)
	} else {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		m.t.SetReadTimeout(remaining)
	}
	p, err := m.t.ReadPacket()
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return ErrTimeout
		}
		m.err = err
		return err
	}
	return m.route(p)
}

func (m *Manager) route(p []byte) error {
	switch p[0] {
	case transport.MsgGlobalRequest:
		r := wire.NewReader(p[1:])
		name, _ := r.Text()
		wantReply, _ := r.Bool()
		m.log.Debug().Str("request", name).Bool("want_reply", wantReply).Msg("server global request")
		if wantReply {
			return m.write([]byte{transport.MsgRequestFailure})
		}
		return nil
	case transport.MsgChannelOpen:
		r := wire.NewReader(p[1:])
		chanType, _ := r.Text()
		sender, err := r.Uint32()
		if err != nil {
			return nil
		}
		m.log.Debug().Str("type", chanType).Msg("rejecting server channel open")
		b := wire.AppendUint32([]byte{transport.MsgChannelOpenFailure}, sender)
		b = wire.AppendUint32(b, OpenAdministrativelyProhibited)
		b = wire.AppendText(b, "client does not accept channels")
		b = wire.AppendText(b, "")
		return m.write(b)
	}

	if p[0] < transport.MsgChannelOpenConfirm || p[0] > transport.MsgChannelFailure {
		m.log.Debug().Uint8("type", p[0]).Msg("dropping unexpected message")
		return nil
	}
	r := wire.NewReader(p[1:])
	id, err := r.Uint32()
	if err != nil {
		return nil
	}
	c := m.channels[id]
	if c == nil {
		m.log.Debug().Uint8("type", p[0]).Uint32("channel", id).Msg("message for unknown channel")
		return nil
	}
	return c.handle(p[0], r)
}

func (m *Manager) forget(c *Channel) {
	if m.channels[c.localID] == c {
		delete(m.channels, c.localID)
	}
}
