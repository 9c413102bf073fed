package sftp

import (
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/edgessh/internal/protocol/wire"
)

// Attribute flags.
const (
	AttrSize        uint32 = 0x00000001
	AttrUIDGID      uint32 = 0x00000002
	AttrPermissions uint32 = 0x00000004
	AttrACModTime   uint32 = 0x00000008
	AttrExtended    uint32 = 0x80000000
)

// File type bits carried in Permissions.
const (
	modeTypeMask uint32 = 0o170000
	modeSocket   uint32 = 0o140000
	modeSymlink  uint32 = 0o120000
	modeRegular  uint32 = 0o100000
	modeBlock    uint32 = 0o060000
	modeDir      uint32 = 0o040000
	modeChar     uint32 = 0o020000
	modeFIFO     uint32 = 0o010000
)

type FileType int

const (
	TypeUnknown FileType = iota
	TypeRegular
	TypeDirectory
	TypeSymlink
	TypeSocket
	TypeCharDevice
	TypeBlockDevice
	TypeFIFO
)

func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "file"
	case TypeDirectory:
		return "dir"
	case TypeSymlink:
		return "symlink"
	case TypeSocket:
		return "socket"
	case TypeCharDevice:
		return "char"
	case TypeBlockDevice:
		return "block"
	case TypeFIFO:
		return "fifo"
	}
	return "unknown"
}

type Extension struct {
	Type string
	Data string
}

// Attributes is the sparse ATTRS record. Only fields whose flag is set are
// meaningful.
type Attributes struct {
	Flags       uint32
	Size        uint64
	UID         uint32
	GID         uint32
	Permissions uint32
	ATime       uint32
	MTime       uint32
	Extended    []Extension

	// LongName is the ls -l style line from a directory listing, if any.
	LongName string
}

func (a *Attributes) Has(flag uint32) bool { return a.Flags&flag != 0 }

// FileType derives the type from the permission bits and falls back to
// the first character of the long listing.
func (a *Attributes) FileType() FileType {
	if a.Has(AttrPermissions) {
		switch a.Permissions & modeTypeMask {
		case modeRegular:
			return TypeRegular
		case modeDir:
			return TypeDirectory
		case modeSymlink:
			return TypeSymlink
		case modeSocket:
			return TypeSocket
		case modeChar:
			return TypeCharDevice
		case modeBlock:
			return TypeBlockDevice
		case modeFIFO:
			return TypeFIFO
		}
	}
	if a.LongName != "" {
		switch a.LongName[0] {
		case '-':
			return TypeRegular
		case 'd':
			return TypeDirectory
		case 'l':
			return TypeSymlink
		case 's':
			return TypeSocket
		case 'c':
			return TypeCharDevice
		case 'b':
			return TypeBlockDevice
		case 'p':
			return TypeFIFO
		}
	}
	return TypeUnknown
}

func (a *Attributes) IsDir() bool { return a.FileType() == TypeDirectory }

// Mode converts the permission bits to an fs.FileMode.
func (a *Attributes) Mode() fs.FileMode {
	m := fs.FileMode(a.Permissions & 0o777)
	if a.Permissions&0o4000 != 0 {
		m |= fs.ModeSetuid
	}
	if a.Permissions&0o2000 != 0 {
		m |= fs.ModeSetgid
	}
	if a.Permissions&0o1000 != 0 {
		m |= fs.ModeSticky
	}
	switch a.FileType() {
	case TypeDirectory:
		m |= fs.ModeDir
	case TypeSymlink:
		m |= fs.ModeSymlink
	case TypeSocket:
		m |= fs.ModeSocket
	case TypeCharDevice:
		m |= fs.ModeDevice | fs.ModeCharDevice
	case TypeBlockDevice:
		m |= fs.ModeDevice
	case TypeFIFO:
		m |= fs.ModeNamedPipe
	}
	return m
}

func (a *Attributes) ModTime() time.Time { return time.Unix(int64(a.MTime), 0) }

func parseAttributes(r *wire.Reader) (Attributes, error) {
	var a Attributes
	var err error
	if a.Flags, err = r.Uint32(); err != nil {
		return a, err
	}
	if a.Has(AttrSize) {
		if a.Size, err = r.Uint64(); err != nil {
			return a, err
		}
	}
	if a.Has(AttrUIDGID) {
		if a.UID, err = r.Uint32(); err != nil {
			return a, err
		}
		if a.GID, err = r.Uint32(); err != nil {
			return a, err
		}
	}
	if a.Has(AttrPermissions) {
		if a.Permissions, err = r.Uint32(); err != nil {
			return a, err
		}
	}
	if a.Has(AttrACModTime) {
		if a.ATime, err = r.Uint32(); err != nil {
			return a, err
		}
		if a.MTime, err = r.Uint32(); err != nil {
			return a, err
		}
	}
	if a.Has(AttrExtended) {
		n, err := r.Uint32()
		if err != nil {
			return a, err
		}
		for i := uint32(0); i < n; i++ {
			typ, err := r.Text()
			if err != nil {
				return a, err
			}
			data, err := r.Text()
			if err != nil {
				return a, err
			}
			a.Extended = append(a.Extended, Extension{Type: typ, Data: data})
		}
	}
	return a, nil
}

func appendAttributes(b []byte, a *Attributes) []byte {
	if a == nil {
		return wire.AppendUint32(b, 0)
	}
	b = wire.AppendUint32(b, a.Flags)
	if a.Has(AttrSize) {
		b = wire.AppendUint64(b, a.Size)
	}
	if a.Has(AttrUIDGID) {
		b = wire.AppendUint32(b, a.UID)
		b = wire.AppendUint32(b, a.GID)
	}
	if a.Has(AttrPermissions) {
		b = wire.AppendUint32(b, a.Permissions)
	}
	if a.Has(AttrACModTime) {
		b = wire.AppendUint32(b, a.ATime)
		b = wire.AppendUint32(b, a.MTime)
	}
	if a.Has(AttrExtended) {
		b = wire.AppendUint32(b, uint32(len(a.Extended)))
		for _, e := range a.Extended {
			b = wire.AppendText(b, e.Type)
			b = wire.AppendText(b, e.Data)
		}
	}
	return b
}

// FormatMode renders the permission bits as three or four octal digits.
// Zero renders as "000".
func FormatMode(mode uint32) string {
	mode &= 0o7777
	if mode > 0o777 {
		return fmt.Sprintf("%04o", mode)
	}
	return fmt.Sprintf("%03o", mode)
}

// ParseMode reads an octal mode with or without a leading zero, so "777"
// and "0777" both yield 0o777.
func ParseMode(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0o")
	if s == "" {
		return 0, fmt.Errorf("sftp: empty mode")
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("sftp: invalid mode %q: %w", s, err)
	}
	if v > 0o7777 {
		return 0, fmt.Errorf("sftp: mode %q out of range", s)
	}
	return uint32(v), nil
}
