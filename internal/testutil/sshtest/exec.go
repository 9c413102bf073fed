package sshtest

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
)

// runCommand implements the small command set the integration tests use:
//
//	echo <words>     print words and a newline
//	stderr <words>   print words to stderr
//	exit <n>         exit with status n
//	cat              copy stdin to stdout until EOF
//	big <n>          print n bytes of a repeating alphabet
//	signal <name>    terminate with exit-signal name
//	scp -t|-f <path> scp sink or source
func (s *Server) runCommand(ch ssh.Channel, command string) {
	args := fields(command)
	if len(args) == 0 {
		sendExitStatus(ch, 0)
		return
	}
	rest := strings.Join(args[1:], " ")
	switch args[0] {
	case "echo":
		fmt.Fprintf(ch, "%s\n", rest)
		ch.CloseWrite()
		sendExitStatus(ch, 0)
	case "stderr":
		fmt.Fprintf(ch.Stderr(), "%s\n", rest)
		ch.CloseWrite()
		sendExitStatus(ch, 0)
	case "exit":
		code, _ := strconv.Atoi(rest)
		ch.CloseWrite()
		sendExitStatus(ch, uint32(code))
	case "cat":
		io.Copy(ch, ch)
		ch.CloseWrite()
		sendExitStatus(ch, 0)
	case "big":
		n, _ := strconv.Atoi(rest)
		writeAlphabet(ch, n)
		ch.CloseWrite()
		sendExitStatus(ch, 0)
	case "signal":
		ch.CloseWrite()
		ch.SendRequest("exit-signal", false, ssh.Marshal(struct {
			Signal     string
			CoreDumped bool
			Message    string
			Lang       string
		}{rest, false, "terminated", ""}))
	case "scp":
		s.runSCP(ch, args[1:])
	default:
		fmt.Fprintf(ch.Stderr(), "%s: command not found\n", args[0])
		ch.CloseWrite()
		sendExitStatus(ch, 127)
	}
}

func writeAlphabet(w io.Writer, n int) {
	buf := make([]byte, 32*1024)
	for i := range buf {
		buf[i] = byte('a' + i%26)
	}
	for n > 0 {
		chunk := len(buf)
		if n < chunk {
			chunk = n
		}
		if _, err := w.Write(buf[:chunk]); err != nil {
			return
		}
		n -= chunk
	}
}

// Alphabet returns the bytes "big n" prints.
func Alphabet(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte('a' + (i%(32*1024))%26)
	}
	return out
}

// runShell prints a prompt, then answers every line with "you said: <line>"
// until the client sends "exit" or EOF.
func runShell(ch ssh.Channel) {
	sc := bufio.NewScanner(ch)
	io.WriteString(ch, "welcome\n$ ")
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "exit" {
			io.WriteString(ch, "bye\n")
			break
		}
		fmt.Fprintf(ch, "you said: %s\n$ ", line)
	}
	ch.CloseWrite()
	sendExitStatus(ch, 0)
}
