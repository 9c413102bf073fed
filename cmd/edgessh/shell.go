package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/danmuck/edgessh/internal/channel"
	"github.com/danmuck/edgessh/internal/client"
)

// pollInterval bounds each wait for shell output so local keystrokes are
// forwarded promptly. The channel layer runs on one goroutine; stdin is
// read on another and handed over through a Go channel.
const pollInterval = 50 * time.Millisecond

func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal for password prompt")
	}
	fmt.Fprint(os.Stderr, "password: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func interactive(c *client.Client, in *os.File, out io.Writer) error {
	opts := channel.ShellOptions{Term: os.Getenv("TERM")}
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		if cols, rows, err := term.GetSize(fd); err == nil {
			opts.Cols, opts.Rows = uint32(cols), uint32(rows)
		}
		state, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer term.Restore(fd, state)
	}

	sh, err := c.Shell(opts)
	if err != nil {
		return err
	}
	defer sh.Channel().Reset()

	input := make(chan []byte)
	go func() {
		defer close(input)
		buf := make([]byte, 1024)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				input <- append([]byte(nil), buf[:n]...)
			}
			if err != nil {
				return
			}
		}
	}()

	m := c.Manager()
	m.SetTimeout(pollInterval)
	defer m.SetTimeout(c.Profile().ChannelTimeout)

	ch := sh.Channel()
	buf := make([]byte, 32*1024)
	for {
		select {
		case b, ok := <-input:
			if !ok {
				input = nil
				if err := ch.CloseWrite(); err != nil {
					return err
				}
				continue
			}
			if _, err := sh.Write(b); err != nil {
				return err
			}
		default:
		}

		n, err := ch.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, channel.ErrTimeout):
		default:
			return err
		}
	}
}
