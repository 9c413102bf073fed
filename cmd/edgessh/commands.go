package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/akamensky/argparse"
	"github.com/jpillora/sizestr"

	"github.com/danmuck/edgessh/internal/channel"
	"github.com/danmuck/edgessh/internal/client"
	"github.com/danmuck/edgessh/internal/sftp"
)

func newCommand(parser *argparse.Parser, name, help string) *argparse.Command {
	return parser.NewCommand(name, help)
}

func execCommand(parser *argparse.Parser) command {
	cmd := newCommand(parser, "exec", "Run a remote command")
	line := cmd.String("c", "command", &argparse.Options{Required: true, Help: "Command line passed to the remote shell"})
	stdin := cmd.Flag("i", "stdin", &argparse.Options{Help: "Send local stdin to the command"})
	pty := cmd.Flag("t", "tty", &argparse.Options{Help: "Request a pseudo-terminal"})
	env := cmd.StringList("e", "env", &argparse.Options{Help: "NAME=VALUE passed with the request"})
	return command{name: "exec", cmd: cmd, run: func(c *client.Client) (int, error) {
		opts := channel.ExecOptions{Stdout: os.Stdout, Stderr: os.Stderr, PTY: *pty, Env: parseEnv(*env)}
		if *stdin {
			opts.Stdin = os.Stdin
		}
		res, err := c.Exec(*line, opts)
		if err != nil {
			return 1, err
		}
		if res.ExitSignal != nil {
			fmt.Fprintf(os.Stderr, "remote command killed by signal %s\n", res.ExitSignal.Signal)
			return 128, nil
		}
		if res.ExitStatus < 0 {
			return 1, nil
		}
		return res.ExitStatus, nil
	}}
}

func parseEnv(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		name, value, _ := strings.Cut(kv, "=")
		env[name] = value
	}
	return env
}

func shellCommand(parser *argparse.Parser) command {
	cmd := newCommand(parser, "shell", "Open an interactive shell")
	return command{name: "shell", cmd: cmd, run: func(c *client.Client) (int, error) {
		return 0, interactive(c, os.Stdin, os.Stdout)
	}}
}

// withSFTP opens an sftp session for the duration of fn.
func withSFTP(c *client.Client, fn func(s *sftp.Session) error) (int, error) {
	s, err := c.SFTP()
	if err != nil {
		return 1, err
	}
	defer s.Close()
	if err := fn(s); err != nil {
		return 1, err
	}
	return 0, nil
}

func lsCommand(parser *argparse.Parser) command {
	cmd := newCommand(parser, "ls", "List a remote directory")
	remote := cmd.String("r", "remote", &argparse.Options{Default: ".", Help: "Remote directory"})
	long := cmd.Flag("l", "long", &argparse.Options{Help: "Show mode, size and modification time"})
	return command{name: "ls", cmd: cmd, run: func(c *client.Client) (int, error) {
		return withSFTP(c, func(s *sftp.Session) error {
			if !*long {
				names, err := s.Names(*remote)
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Println(n)
				}
				return nil
			}
			entries, err := s.ReadDir(*remote)
			if err != nil {
				return err
			}
			writeEntries(os.Stdout, entries)
			return nil
		})
	}}
}

func writeEntries(w io.Writer, entries []sftp.Entry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		a := e.Attrs
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Mode(), sizestr.ToString(int64(a.Size)), a.ModTime().Format(time.DateTime), e.Name)
	}
	tw.Flush()
}

func statCommand(parser *argparse.Parser) command {
	cmd := newCommand(parser, "stat", "Show remote file attributes")
	remote := cmd.String("r", "remote", &argparse.Options{Required: true, Help: "Remote path"})
	noFollow := cmd.Flag("n", "no-follow", &argparse.Options{Help: "Describe a symbolic link itself"})
	return command{name: "stat", cmd: cmd, run: func(c *client.Client) (int, error) {
		return withSFTP(c, func(s *sftp.Session) error {
			stat := s.Stat
			if *noFollow {
				stat = s.Lstat
			}
			a, err := stat(*remote)
			if err != nil {
				return err
			}
			fmt.Printf("path:  %s\n", *remote)
			fmt.Printf("type:  %s\n", a.FileType())
			if a.Has(sftp.AttrSize) {
				fmt.Printf("size:  %d (%s)\n", a.Size, sizestr.ToString(int64(a.Size)))
			}
			if a.Has(sftp.AttrPermissions) {
				fmt.Printf("mode:  %s %s\n", sftp.FormatMode(a.Permissions), a.Mode())
			}
			if a.Has(sftp.AttrUIDGID) {
				fmt.Printf("owner: %d:%d\n", a.UID, a.GID)
			}
			if a.Has(sftp.AttrACModTime) {
				fmt.Printf("mtime: %s\n", a.ModTime().Format(time.RFC3339))
			}
			return nil
		})
	}}
}

func getCommand(parser *argparse.Parser) command {
	cmd := newCommand(parser, "get", "Download a file over sftp")
	remote := cmd.String("r", "remote", &argparse.Options{Required: true, Help: "Remote file"})
	local := cmd.String("l", "local", &argparse.Options{Required: true, Help: "Local destination, - for stdout"})
	offset := cmd.Int("o", "offset", &argparse.Options{Default: 0, Help: "Start reading at this byte"})
	length := cmd.Int("n", "length", &argparse.Options{Default: 0, Help: "Read at most this many bytes"})
	return command{name: "get", cmd: cmd, run: func(c *client.Client) (int, error) {
		return withSFTP(c, func(s *sftp.Session) error {
			dst, closeDst, err := openLocal(*local)
			if err != nil {
				return err
			}
			start := time.Now()
			n, err := s.Get(*remote, dst, sftp.GetOptions{Offset: int64(*offset), Length: int64(*length)})
			if cerr := closeDst(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			reportTransfer("received", n, start)
			return nil
		})
	}}
}

func openLocal(p string) (io.Writer, func() error, error) {
	if p == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func reportTransfer(verb string, n int64, start time.Time) {
	elapsed := time.Since(start)
	rate := int64(0)
	if secs := elapsed.Seconds(); secs > 0 {
		rate = int64(float64(n) / secs)
	}
	fmt.Fprintf(os.Stderr, "%s %s in %s (%s/s)\n", verb, sizestr.ToString(n), elapsed.Round(time.Millisecond), sizestr.ToString(rate))
}

func putCommand(parser *argparse.Parser) command {
	cmd := newCommand(parser, "put", "Upload a file over sftp")
	local := cmd.String("l", "local", &argparse.Options{Required: true, Help: "Local file"})
	remote := cmd.String("r", "remote", &argparse.Options{Required: true, Help: "Remote path or directory"})
	resume := cmd.Flag("R", "resume", &argparse.Options{Help: "Continue from the remote file's current size"})
	offset := cmd.Int("o", "offset", &argparse.Options{Default: 0, Help: "Write starting at this byte"})
	mode := cmd.String("x", "mode", &argparse.Options{Help: "Octal permissions for a new file"})
	return command{name: "put", cmd: cmd, run: func(c *client.Client) (int, error) {
		opts := sftp.PutOptions{Offset: int64(*offset), Resume: *resume}
		if *mode != "" {
			m, err := sftp.ParseMode(*mode)
			if err != nil {
				return 2, err
			}
			opts.Mode = m
		}
		return withSFTP(c, func(s *sftp.Session) error {
			start := time.Now()
			n, err := s.PutFile(*remote, *local, opts)
			if err != nil {
				return err
			}
			reportTransfer("sent", n, start)
			return nil
		})
	}}
}

func rmCommand(parser *argparse.Parser) command {
	cmd := newCommand(parser, "rm", "Remove a remote file or tree")
	remote := cmd.String("r", "remote", &argparse.Options{Required: true, Help: "Remote path"})
	recursive := cmd.Flag("R", "recursive", &argparse.Options{Help: "Remove directories and their contents"})
	return command{name: "rm", cmd: cmd, run: func(c *client.Client) (int, error) {
		return withSFTP(c, func(s *sftp.Session) error { return s.Delete(*remote, *recursive) })
	}}
}

func mkdirCommand(parser *argparse.Parser) command {
	cmd := newCommand(parser, "mkdir", "Create a remote directory")
	remote := cmd.String("r", "remote", &argparse.Options{Required: true, Help: "Remote directory"})
	parents := cmd.Flag("P", "parents", &argparse.Options{Help: "Create missing parents"})
	mode := cmd.String("x", "mode", &argparse.Options{Default: "755", Help: "Octal permissions"})
	return command{name: "mkdir", cmd: cmd, run: func(c *client.Client) (int, error) {
		m, err := sftp.ParseMode(*mode)
		if err != nil {
			return 2, err
		}
		return withSFTP(c, func(s *sftp.Session) error { return s.Mkdir(*remote, m, *parents) })
	}}
}

func rmdirCommand(parser *argparse.Parser) command {
	cmd := newCommand(parser, "rmdir", "Remove an empty remote directory")
	remote := cmd.String("r", "remote", &argparse.Options{Required: true, Help: "Remote directory"})
	return command{name: "rmdir", cmd: cmd, run: func(c *client.Client) (int, error) {
		return withSFTP(c, func(s *sftp.Session) error { return s.Rmdir(*remote) })
	}}
}

func mvCommand(parser *argparse.Parser) command {
	cmd := newCommand(parser, "mv", "Rename a remote path")
	from := cmd.String("f", "from", &argparse.Options{Required: true, Help: "Existing path"})
	to := cmd.String("t", "to", &argparse.Options{Required: true, Help: "New path"})
	return command{name: "mv", cmd: cmd, run: func(c *client.Client) (int, error) {
		return withSFTP(c, func(s *sftp.Session) error { return s.Rename(*from, *to) })
	}}
}

func chmodCommand(parser *argparse.Parser) command {
	cmd := newCommand(parser, "chmod", "Change remote permissions")
	remote := cmd.String("r", "remote", &argparse.Options{Required: true, Help: "Remote path"})
	mode := cmd.String("x", "mode", &argparse.Options{Required: true, Help: "Octal permissions"})
	recursive := cmd.Flag("R", "recursive", &argparse.Options{Help: "Apply to the whole tree"})
	return command{name: "chmod", cmd: cmd, run: func(c *client.Client) (int, error) {
		m, err := sftp.ParseMode(*mode)
		if err != nil {
			return 2, err
		}
		return withSFTP(c, func(s *sftp.Session) error {
			prev, err := s.Chmod(*remote, m, *recursive)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s -> %s\n", *remote, sftp.FormatMode(prev), sftp.FormatMode(m))
			return nil
		})
	}}
}

func scpGetCommand(parser *argparse.Parser) command {
	cmd := newCommand(parser, "scp-get", "Download a file with scp")
	remote := cmd.String("r", "remote", &argparse.Options{Required: true, Help: "Remote file"})
	local := cmd.String("l", "local", &argparse.Options{Required: true, Help: "Local destination, - for stdout"})
	return command{name: "scp-get", cmd: cmd, run: func(c *client.Client) (int, error) {
		dst, closeDst, err := openLocal(*local)
		if err != nil {
			return 1, err
		}
		start := time.Now()
		n, err := c.SCP().Get(*remote, dst)
		if cerr := closeDst(); err == nil {
			err = cerr
		}
		if err != nil {
			return 1, err
		}
		reportTransfer("received", n, start)
		return 0, nil
	}}
}

func scpPutCommand(parser *argparse.Parser) command {
	cmd := newCommand(parser, "scp-put", "Upload a file with scp")
	local := cmd.String("l", "local", &argparse.Options{Required: true, Help: "Local file"})
	remote := cmd.String("r", "remote", &argparse.Options{Required: true, Help: "Remote file"})
	mode := cmd.String("x", "mode", &argparse.Options{Help: "Octal permissions, default from the local file"})
	return command{name: "scp-put", cmd: cmd, run: func(c *client.Client) (int, error) {
		f, err := os.Open(*local)
		if err != nil {
			return 1, err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return 1, err
		}
		perm := info.Mode() & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky)
		if *mode != "" {
			m, err := sftp.ParseMode(*mode)
			if err != nil {
				return 2, err
			}
			perm = os.FileMode(m)
		}
		start := time.Now()
		if err := c.SCP().Put(*remote, f, info.Size(), perm); err != nil {
			return 1, err
		}
		reportTransfer("sent", info.Size(), start)
		return 0, nil
	}}
}

func printAlgorithms(w io.Writer) {
	algs := client.Algorithms()
	for _, category := range []string{"kex", "hostkey", "cipher", "mac"} {
		fmt.Fprintf(w, "%s:\n", category)
		for _, name := range algs[category] {
			fmt.Fprintf(w, "  %s\n", name)
		}
	}
}
