package channel

import (
	"bytes"
	"fmt"
	"io"

	"github.com/danmuck/edgessh/internal/protocol/wire"
	"github.com/danmuck/edgessh/internal/transport"
)

type State int

const (
	StateOpenRequested State = iota
	StateOpen
	StateData
	StateEOF
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpenRequested:
		return "open-requested"
	case StateOpen:
		return "open"
	case StateData:
		return "data"
	case StateEOF:
		return "eof"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// event is one queued inbound channel message.
type event struct {
	typ  byte
	ext  bool
	data []byte
}

// ExitSignal describes an "exit-signal" request.
type ExitSignal struct {
	Signal     string
	CoreDumped bool
	Message    string
}

// Channel is one multiplexed channel. It is not safe for concurrent use.
type Channel struct {
	m        *Manager
	chanType string
	state    State
	openErr  error

	localID, remoteID uint32

	localWindow  uint32
	consumed     uint32
	remoteWindow uint32
	remoteMax    uint32

	fifo   []event
	stdout bytes.Buffer
	stderr bytes.Buffer

	eofSent, eofReceived     bool
	closeSent, closeReceived bool

	// abandoned marks an open that timed out before the server answered.
	abandoned bool

	exitStatus int
	exitSignal *ExitSignal
}

func (c *Channel) State() State         { return c.state }
func (c *Channel) Type() string         { return c.chanType }
func (c *Channel) LocalID() uint32      { return c.localID }
func (c *Channel) RemoteID() uint32     { return c.remoteID }
func (c *Channel) RemoteWindow() uint32 { return c.remoteWindow }

// ExitStatus returns the status from an "exit-status" request, or -1.
func (c *Channel) ExitStatus() int { return c.exitStatus }

// ExitSignal returns the "exit-signal" request, if one arrived.
func (c *Channel) ExitSignal() *ExitSignal { return c.exitSignal }

// handle applies bookkeeping that cannot wait for a reader and queues
// everything a reader consumes in arrival order.
func (c *Channel) handle(typ byte, r *wire.Reader) error {
	if c.abandoned {
		return c.handleAbandoned(typ, r)
	}
	switch typ {
	case transport.MsgChannelOpenConfirm:
		if c.state != StateOpenRequested {
			return nil
		}
		var err error
		if c.remoteID, err = r.Uint32(); err != nil {
			return nil
		}
		c.remoteWindow, _ = r.Uint32()
		c.remoteMax, _ = r.Uint32()
		c.state = StateOpen
		return nil

	case transport.MsgChannelOpenFailure:
		reason, _ := r.Uint32()
		msg, _ := r.Text()
		c.openErr = &OpenError{Type: c.chanType, Reason: reason, Message: msg}
		c.state = StateClosed
		return nil

	case transport.MsgChannelWindowAdjust:
		n, err := r.Uint32()
		if err != nil {
			return nil
		}
		if c.remoteWindow+n < c.remoteWindow {
			c.remoteWindow = ^uint32(0)
		} else {
			c.remoteWindow += n
		}
		return nil

	case transport.MsgChannelData, transport.MsgChannelExtendedData:
		ext := typ == transport.MsgChannelExtendedData
		if ext {
			if _, err := r.Uint32(); err != nil {
				return nil
			}
		}
		data, err := r.String()
		if err != nil {
			return nil
		}
		if uint32(len(data)) > c.localWindow {
			c.m.log.Warn().Uint32("channel", c.localID).Int("len", len(data)).Uint32("window", c.localWindow).Msg("server exceeded window")
			c.localWindow = 0
		} else {
			c.localWindow -= uint32(len(data))
		}
		if c.state == StateOpen {
			c.state = StateData
		}
		c.fifo = append(c.fifo, event{typ: typ, ext: ext, data: append([]byte(nil), data...)})
		return nil

	case transport.MsgChannelEOF:
		c.fifo = append(c.fifo, event{typ: typ})
		return nil

	case transport.MsgChannelClose:
		c.closeReceived = true
		c.fifo = append(c.fifo, event{typ: typ})
		var err error
		if !c.closeSent {
			err = c.sendClose()
		}
		c.state = StateClosed
		c.m.forget(c)
		return err

	case transport.MsgChannelRequest:
		return c.handleRequest(r)

	case transport.MsgChannelSuccess, transport.MsgChannelFailure:
		c.fifo = append(c.fifo, event{typ: typ})
		return nil
	}
	return nil
}

// handleAbandoned closes a channel whose Open gave up waiting. The local
// id stays reserved until the server's CLOSE or OPEN_FAILURE arrives.
func (c *Channel) handleAbandoned(typ byte, r *wire.Reader) error {
	switch typ {
	case transport.MsgChannelOpenConfirm:
		if c.closeSent {
			return nil
		}
		var err error
		if c.remoteID, err = r.Uint32(); err != nil {
			return nil
		}
		c.m.log.Debug().Uint32("local", c.localID).Uint32("remote", c.remoteID).Msg("closing channel confirmed after open timed out")
		return c.sendClose()
	case transport.MsgChannelOpenFailure, transport.MsgChannelClose:
		c.closeReceived = typ == transport.MsgChannelClose
		c.m.forget(c)
	}
	return nil
}

func (c *Channel) handleRequest(r *wire.Reader) error {
	name, err := r.Text()
	if err != nil {
		return nil
	}
	wantReply, _ := r.Bool()
	switch name {
	case "exit-status":
		status, err := r.Uint32()
		if err == nil {
			c.exitStatus = int(status)
		}
	case "exit-signal":
		sig := &ExitSignal{}
		sig.Signal, _ = r.Text()
		sig.CoreDumped, _ = r.Bool()
		sig.Message, _ = r.Text()
		c.exitSignal = sig
	default:
		c.m.log.Debug().Str("request", name).Uint32("channel", c.localID).Msg("ignoring channel request")
	}
	if name == "exit-status" || name == "exit-signal" {
		if err := c.CloseWrite(); err != nil {
			return err
		}
	}
	if wantReply && !c.closeSent {
		return c.m.write(wire.AppendUint32([]byte{transport.MsgChannelFailure}, c.remoteID))
	}
	return nil
}

// next applies the oldest queued event. It reports false when the FIFO is
// empty.
func (c *Channel) next() (bool, error) {
	if len(c.fifo) == 0 {
		return false, nil
	}
	ev := c.fifo[0]
	c.fifo = c.fifo[1:]
	switch ev.typ {
	case transport.MsgChannelData, transport.MsgChannelExtendedData:
		if ev.ext {
			c.stderr.Write(ev.data)
		} else {
			c.stdout.Write(ev.data)
		}
		return true, c.consume(uint32(len(ev.data)))
	case transport.MsgChannelEOF:
		c.eofReceived = true
		if c.state < StateEOF {
			c.state = StateEOF
		}
	case transport.MsgChannelClose:
		c.eofReceived = true
	}
	return true, nil
}

// consume credits n read bytes and tops the window back up once half of
// it has been used.
func (c *Channel) consume(n uint32) error {
	c.consumed += n
	if c.consumed < c.m.opts.WindowSize/2 || c.closeSent || c.closeReceived {
		return nil
	}
	adjust := c.consumed
	c.consumed = 0
	c.localWindow += adjust
	b := wire.AppendUint32([]byte{transport.MsgChannelWindowAdjust}, c.remoteID)
	b = wire.AppendUint32(b, adjust)
	return c.m.write(b)
}

func (c *Channel) ended() bool {
	return c.eofReceived || c.closeReceived && len(c.fifo) == 0
}

// Read reads channel data. It returns io.EOF after the server's EOF or
// CLOSE once all queued data has been read.
func (c *Channel) Read(p []byte) (int, error) {
	return c.read(&c.stdout, p)
}

type stderrReader struct{ c *Channel }

func (s stderrReader) Read(p []byte) (int, error) { return s.c.read(&s.c.stderr, p) }

// Stderr returns a reader for extended data of type stderr.
func (c *Channel) Stderr() io.Reader { return stderrReader{c: c} }

func (c *Channel) read(buf *bytes.Buffer, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if buf.Len() > 0 {
			return buf.Read(p)
		}
		progressed, err := c.next()
		if err != nil {
			return 0, err
		}
		if progressed {
			continue
		}
		if c.ended() {
			return 0, io.EOF
		}
		if c.closeSent {
			return 0, ErrClosed
		}
		if err := c.m.wait(func() bool { return len(c.fifo) > 0 }); err != nil {
			return 0, err
		}
	}
}

// Write sends data, splitting it into frames no larger than the remote
// maximum packet size or remaining window. When the window is exhausted it
// dispatches inbound packets until the server grants more.
func (c *Channel) Write(p []byte) (int, error) {
	if c.state == StateOpenRequested {
		return 0, ErrNotOpen
	}
	written := 0
	for len(p) > 0 {
		if c.eofSent || c.closeSent || c.closeReceived {
			return written, ErrClosed
		}
		if c.remoteWindow == 0 {
			if err := c.m.wait(func() bool { return c.remoteWindow > 0 || c.closeReceived }); err != nil {
				return written, err
			}
			continue
		}
		n := uint32(len(p))
		if n > c.remoteWindow {
			n = c.remoteWindow
		}
		if c.remoteMax > 0 && n > c.remoteMax {
			n = c.remoteMax
		}
		b := wire.AppendUint32([]byte{transport.MsgChannelData}, c.remoteID)
		b = wire.AppendString(b, p[:n])
		if err := c.m.write(b); err != nil {
			return written, err
		}
		c.remoteWindow -= n
		if c.state == StateOpen {
			c.state = StateData
		}
		written += int(n)
		p = p[n:]
	}
	return written, nil
}

// SendRequest sends a channel request. With wantReply it waits for the
// server's SUCCESS or FAILURE and reports which arrived.
func (c *Channel) SendRequest(name string, wantReply bool, payload []byte) (bool, error) {
	if c.closeSent || c.closeReceived {
		return false, ErrClosed
	}
	b := wire.AppendUint32([]byte{transport.MsgChannelRequest}, c.remoteID)
	b = wire.AppendText(b, name)
	b = wire.AppendBool(b, wantReply)
	b = append(b, payload...)
	if err := c.m.write(b); err != nil {
		return false, err
	}
	if !wantReply {
		return true, nil
	}

	var (
		ok    bool
		found bool
	)
	err := c.m.wait(func() bool {
		ok, found = c.takeReply()
		return found || c.closeReceived
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, ErrClosed
	}
	return ok, nil
}

// takeReply removes the oldest SUCCESS or FAILURE from the FIFO without
// disturbing queued data.
func (c *Channel) takeReply() (ok bool, found bool) {
	for i, ev := range c.fifo {
		if ev.typ == transport.MsgChannelSuccess || ev.typ == transport.MsgChannelFailure {
			c.fifo = append(c.fifo[:i:i], c.fifo[i+1:]...)
			return ev.typ == transport.MsgChannelSuccess, true
		}
	}
	return false, false
}

// RequestPTY asks for a pseudo-terminal with no encoded terminal modes.
func (c *Channel) RequestPTY(term string, cols, rows uint32) error {
	b := wire.AppendText(nil, term)
	b = wire.AppendUint32(b, cols)
	b = wire.AppendUint32(b, rows)
	b = wire.AppendUint32(b, 0)
	b = wire.AppendUint32(b, 0)
	b = wire.AppendString(b, []byte{0})
	return c.expectOK("pty-req", b)
}

// Setenv passes one environment variable. Servers commonly refuse these.
func (c *Channel) Setenv(name, value string) error {
	b := wire.AppendText(nil, name)
	return c.expectOK("env", wire.AppendText(b, value))
}

func (c *Channel) Exec(command string) error {
	return c.expectOK("exec", wire.AppendText(nil, command))
}

func (c *Channel) Shell() error {
	return c.expectOK("shell", nil)
}

func (c *Channel) Subsystem(name string) error {
	return c.expectOK("subsystem", wire.AppendText(nil, name))
}

func (c *Channel) expectOK(name string, payload []byte) error {
	ok, err := c.SendRequest(name, true, payload)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestRejected, name)
	}
	return nil
}

// CloseWrite sends EOF. Later writes fail.
func (c *Channel) CloseWrite() error {
	if c.eofSent || c.closeSent || c.closeReceived {
		return nil
	}
	c.eofSent = true
	if c.state < StateEOF {
		c.state = StateEOF
	}
	return c.m.write(wire.AppendUint32([]byte{transport.MsgChannelEOF}, c.remoteID))
}

func (c *Channel) sendClose() error {
	if c.closeSent {
		return nil
	}
	c.closeSent = true
	return c.m.write(wire.AppendUint32([]byte{transport.MsgChannelClose}, c.remoteID))
}

// Close sends CLOSE and waits for the server's CLOSE. Queued data is
// discarded.
func (c *Channel) Close() error {
	if c.state == StateClosed && c.closeSent {
		return nil
	}
	if err := c.sendClose(); err != nil {
		c.Reset()
		return err
	}
	err := c.m.wait(func() bool { return c.closeReceived })
	c.state = StateClosed
	c.fifo = nil
	c.m.forget(c)
	return err
}

// Reset force-closes the channel without waiting. The id is released
// immediately and later packets for it are dropped.
func (c *Channel) Reset() {
	if !c.closeSent && !c.closeReceived && c.m.err == nil {
		_ = c.sendClose()
	}
	c.closeSent = true
	c.state = StateClosed
	c.fifo = nil
	c.m.forget(c)
}
