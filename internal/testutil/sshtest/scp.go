package sshtest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
)

func (s *Server) resolve(p string) string {
	if filepath.IsAbs(p) || s.opts.Root == "" {
		return p
	}
	return filepath.Join(s.opts.Root, p)
}

func (s *Server) runSCP(ch ssh.Channel, args []string) {
	var mode, target string
	for _, a := range args {
		switch a {
		case "-t", "-f":
			mode = a
		case "-r", "-p", "-v", "-d":
		default:
			target = a
		}
	}
	var err error
	switch mode {
	case "-t":
		err = s.scpSink(ch, s.resolve(target))
	case "-f":
		err = s.scpSource(ch, s.resolve(target))
	default:
		err = fmt.Errorf("usage: scp -t|-f path")
	}
	ch.CloseWrite()
	if err != nil {
		sendExitStatus(ch, 1)
		return
	}
	sendExitStatus(ch, 0)
}

func scpFail(ch ssh.Channel, err error) error {
	fmt.Fprintf(ch, "\x01scp: %v\n", err)
	return err
}

func (s *Server) scpSink(ch ssh.Channel, target string) error {
	info, statErr := os.Stat(target)
	isDir := statErr == nil && info.IsDir()
	if statErr != nil {
		if !os.IsNotExist(statErr) {
			return scpFail(ch, statErr)
		}
		if _, err := os.Stat(filepath.Dir(target)); err != nil {
			return scpFail(ch, err)
		}
	}

	br := bufio.NewReader(ch)
	ch.Write([]byte{0})
	for {
		line, err := br.ReadString('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch line[0] {
		case 'T', 'D', 'E':
			ch.Write([]byte{0})
			continue
		case 'C':
		default:
			return scpFail(ch, fmt.Errorf("unexpected control record %q", line))
		}
		parts := strings.SplitN(strings.TrimSuffix(line[1:], "\n"), " ", 3)
		if len(parts) != 3 {
			return scpFail(ch, fmt.Errorf("bad control record %q", line))
		}
		perm, err := strconv.ParseUint(parts[0], 8, 32)
		if err != nil {
			return scpFail(ch, err)
		}
		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return scpFail(ch, err)
		}
		dst := target
		if isDir {
			dst = filepath.Join(target, parts[2])
		}
		ch.Write([]byte{0})

		data := make([]byte, size)
		if _, err := io.ReadFull(br, data); err != nil {
			return err
		}
		status, err := br.ReadByte()
		if err != nil {
			return err
		}
		if status != 0 {
			return fmt.Errorf("client status %d", status)
		}
		if err := os.WriteFile(dst, data, os.FileMode(perm)); err != nil {
			return scpFail(ch, err)
		}
		ch.Write([]byte{0})
	}
}

func (s *Server) scpSource(ch ssh.Channel, source string) error {
	br := bufio.NewReader(ch)
	if b, err := br.ReadByte(); err != nil || b != 0 {
		return fmt.Errorf("client not ready")
	}
	info, err := os.Stat(source)
	if err != nil {
		return scpFail(ch, err)
	}
	if info.IsDir() {
		return scpFail(ch, fmt.Errorf("%s: not a regular file", source))
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return scpFail(ch, err)
	}
	fmt.Fprintf(ch, "T%d 0 %d 0\n", info.ModTime().Unix(), info.ModTime().Unix())
	if b, err := br.ReadByte(); err != nil || b != 0 {
		return fmt.Errorf("client rejected time record")
	}
	fmt.Fprintf(ch, "C%04o %d %s\n", info.Mode().Perm(), len(data), filepath.Base(source))
	if b, err := br.ReadByte(); err != nil || b != 0 {
		return fmt.Errorf("client rejected control record")
	}
	ch.Write(data)
	ch.Write([]byte{0})
	if _, err := br.ReadByte(); err != nil && err != io.EOF {
		return err
	}
	return nil
}
