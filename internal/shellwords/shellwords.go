// Package shellwords quotes and splits words for a POSIX shell. Remote
// commands go through the server's login shell, so every argument the
// client builds is quoted here.
package shellwords

import (
	"errors"
	"strings"
)

var ErrUnterminated = errors.New("shellwords: unterminated quote or escape")

// Quote wraps value in single quotes. Embedded single quotes are closed,
// emitted inside double quotes and reopened.
func Quote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

// Join quotes cmd and each argument and joins them with spaces.
func Join(cmd string, args ...string) string {
	if len(args) == 0 {
		return Quote(cmd)
	}

	var builder strings.Builder
	builder.WriteString(Quote(cmd))
	for _, arg := range args {
		builder.WriteByte(' ')
		builder.WriteString(Quote(arg))
	}

	return builder.String()
}

// Split breaks line into words the way sh would, honouring single quotes,
// double quotes and backslash escapes. No expansion is performed.
func Split(line string) ([]string, error) {
	var (
		words   []string
		cur     strings.Builder
		inWord  bool
		escaped bool
		quote   byte
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case escaped:
			escaped = false
			if quote == '"' && !strings.ContainsRune("$`\"\\\n", rune(c)) {
				cur.WriteByte('\\')
			}
			if c != '\n' {
				cur.WriteByte(c)
			}
		case quote == '\'':
			if c == '\'' {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case quote == '"':
			switch c {
			case '"':
				quote = 0
			case '\\':
				escaped = true
			default:
				cur.WriteByte(c)
			}
		case c == '\\':
			escaped = true
			inWord = true
		case c == '\'' || c == '"':
			quote = c
			inWord = true
		case c == ' ' || c == '\t' || c == '\n':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteByte(c)
			inWord = true
		}
	}
	if escaped || quote != 0 {
		return nil, ErrUnterminated
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}
