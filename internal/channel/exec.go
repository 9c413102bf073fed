package channel

import (
	"bytes"
	"io"
)

// ExecOptions controls Manager.Exec. Nil writers accumulate output in the
// result instead of streaming it.
type ExecOptions struct {
	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader

	PTY  bool
	Term string
	Cols uint32
	Rows uint32

	Env map[string]string
}

// ExecResult is the outcome of one remote command. ExitStatus is -1 when
// the server sent none.
type ExecResult struct {
	Stdout     []byte
	Stderr     []byte
	ExitStatus int
	ExitSignal *ExitSignal
}

// Success reports a zero exit status.
func (r *ExecResult) Success() bool { return r.ExitStatus == 0 }

// Exec runs command on a new session channel and waits for the channel to
// close.
func (m *Manager) Exec(command string, opts ExecOptions) (*ExecResult, error) {
	c, err := m.Open("session", nil)
	if err != nil {
		return nil, err
	}
	defer c.Reset()

	for k, v := range opts.Env {
		if err := c.Setenv(k, v); err != nil {
			m.log.Debug().Err(err).Str("name", k).Msg("env refused")
		}
	}
	if opts.PTY {
		if err := c.RequestPTY(termOr(opts.Term), orDefault(opts.Cols, 80), orDefault(opts.Rows, 24)); err != nil {
			return nil, err
		}
	}
	if err := c.Exec(command); err != nil {
		return nil, err
	}
	if opts.Stdin != nil {
		if _, err := io.Copy(c, opts.Stdin); err != nil {
			return nil, err
		}
		if err := c.CloseWrite(); err != nil {
			return nil, err
		}
	}

	var outBuf, errBuf bytes.Buffer
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = &outBuf
	}
	if stderr == nil {
		stderr = &errBuf
	}
	if err := c.drain(stdout, stderr); err != nil {
		return nil, err
	}
	return &ExecResult{
		Stdout:     outBuf.Bytes(),
		Stderr:     errBuf.Bytes(),
		ExitStatus: c.ExitStatus(),
		ExitSignal: c.ExitSignal(),
	}, nil
}

// drain copies both streams to the writers until the server closes the
// channel.
func (c *Channel) drain(stdout, stderr io.Writer) error {
	for {
		for c.stdout.Len() > 0 || c.stderr.Len() > 0 {
			if _, err := c.stdout.WriteTo(stdout); err != nil {
				return err
			}
			if _, err := c.stderr.WriteTo(stderr); err != nil {
				return err
			}
		}
		progressed, err := c.next()
		if err != nil {
			return err
		}
		if progressed {
			continue
		}
		if c.closeReceived {
			return nil
		}
		if err := c.m.wait(func() bool { return len(c.fifo) > 0 }); err != nil {
			return err
		}
	}
}

func termOr(term string) string {
	if term == "" {
		return "xterm"
	}
	return term
}

func orDefault(v, def uint32) uint32 {
	if v == 0 {
		return def
	}
	return v
}
