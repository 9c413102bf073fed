package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/danmuck/edgessh/internal/channel"
	"github.com/danmuck/edgessh/internal/config"
	"github.com/danmuck/edgessh/internal/shellwords"
)

// Runner runs one command with arguments. Arguments are quoted before they
// reach a remote shell.
type Runner interface {
	Run(cmd string, args ...string) (string, error)
	RunStreaming(cmd string, args []string, stdout, stderr io.Writer) error
}

// ExitError reports a remote command that did not exit with status zero.
type ExitError struct {
	Command string
	Status  int
	Signal  string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("%s: killed by signal %s", e.Command, e.Signal)
	}
	if e.Status < 0 {
		return fmt.Sprintf("%s: exited without status", e.Command)
	}
	return fmt.Sprintf("%s: exit status %d", e.Command, e.Status)
}

func exitError(command string, res *channel.ExecResult) error {
	if res.Success() {
		return nil
	}
	e := &ExitError{Command: command, Status: res.ExitStatus}
	if res.ExitSignal != nil {
		e.Signal = res.ExitSignal.Signal
	}
	return e
}

// Run returns stdout and stderr interleaved in arrival order.
func (c *Client) Run(cmd string, args ...string) (string, error) {
	var out bytes.Buffer
	command := shellwords.Join(cmd, args...)
	res, err := c.Exec(command, channel.ExecOptions{Stdout: &out, Stderr: &out})
	if err != nil {
		return out.String(), err
	}
	return out.String(), exitError(command, res)
}

func (c *Client) RunStreaming(cmd string, args []string, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	command := shellwords.Join(cmd, args...)
	res, err := c.Exec(command, channel.ExecOptions{Stdout: stdout, Stderr: stderr})
	if err != nil {
		return err
	}
	return exitError(command, res)
}

type LocalRunner struct{}

func (LocalRunner) Run(cmd string, args ...string) (string, error) {
	out, err := exec.Command(cmd, args...).CombinedOutput()
	return string(out), err
}

func (LocalRunner) RunStreaming(cmd string, args []string, stdout, stderr io.Writer) error {
	command := exec.Command(cmd, args...)
	if stdout != nil {
		command.Stdout = stdout
	}
	if stderr != nil {
		command.Stderr = stderr
	}
	return command.Run()
}

// SSHRunner opens a fresh connection for every command.
type SSHRunner struct {
	Profile config.Profile
	Options []Option
}

func (r SSHRunner) Run(cmd string, args ...string) (string, error) {
	c, err := Dial(context.Background(), r.Profile, r.Options...)
	if err != nil {
		return "", err
	}
	defer c.Close()
	return c.Run(cmd, args...)
}

func (r SSHRunner) RunStreaming(cmd string, args []string, stdout, stderr io.Writer) error {
	c, err := Dial(context.Background(), r.Profile, r.Options...)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.RunStreaming(cmd, args, stdout, stderr)
}

var (
	_ Runner = (*Client)(nil)
	_ Runner = LocalRunner{}
	_ Runner = SSHRunner{}
)
