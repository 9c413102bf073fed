package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	DefaultClientVersion = "SSH-2.0-edgessh_1.0"

	maxBannerLines = 1024
	maxLineBytes   = 8 * 1024
)

// readIdentification reads lines until one starting with "SSH-". Earlier
// lines are returned as advisory banner text.
func readIdentification(r *bufio.Reader) (string, []string, error) {
	var banner []string
	for i := 0; i <= maxBannerLines; i++ {
		line, err := readLine(r)
		if err != nil {
			return "", banner, err
		}
		if !strings.HasPrefix(line, "SSH-") {
			banner = append(banner, line)
			continue
		}
		if err := checkVersion(line); err != nil {
			return "", banner, err
		}
		return line, banner, nil
	}
	return "", banner, ErrBannerTooLong
}

func readLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxLineBytes {
			return "", ErrBannerTooLong
		}
		if !isPrefix {
			return string(bytes.TrimSuffix(buf, []byte{'\r'})), nil
		}
	}
}

// checkVersion accepts protocol versions 2.0 and 1.99 (RFC 4253 section 5.1).
func checkVersion(id string) error {
	rest := strings.TrimPrefix(id, "SSH-")
	proto, _, ok := strings.Cut(rest, "-")
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, id)
	}
	switch proto {
	case "2.0", "1.99":
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedVersion, proto)
}

func bufioReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 16*1024)
}
