package sftp

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
)

var (
	ErrUnsupportedVersion = errors.New("sftp: unsupported protocol version")
	ErrUnexpectedID       = errors.New("sftp: response id out of order")
	ErrPacketTooLarge     = errors.New("sftp: packet too large")
	ErrClosed             = errors.New("sftp: session closed")
	ErrNotDirectory       = errors.New("sftp: not a directory")
)

// Status codes. Revision 3 defines 0 through 8; the rest come from later
// drafts and appear in the wild from newer servers.
const (
	StatusOK                      uint32 = 0
	StatusEOF                     uint32 = 1
	StatusNoSuchFile              uint32 = 2
	StatusPermissionDenied        uint32 = 3
	StatusFailure                 uint32 = 4
	StatusBadMessage              uint32 = 5
	StatusNoConnection            uint32 = 6
	StatusConnectionLost          uint32 = 7
	StatusOpUnsupported           uint32 = 8
	StatusInvalidHandle           uint32 = 9
	StatusNoSuchPath              uint32 = 10
	StatusFileAlreadyExists       uint32 = 11
	StatusWriteProtect            uint32 = 12
	StatusNoMedia                 uint32 = 13
	StatusNoSpaceOnFilesystem     uint32 = 14
	StatusQuotaExceeded           uint32 = 15
	StatusUnknownPrincipal        uint32 = 16
	StatusLockConflict            uint32 = 17
	StatusDirNotEmpty             uint32 = 18
	StatusNotADirectory           uint32 = 19
	StatusInvalidFilename         uint32 = 20
	StatusLinkLoop                uint32 = 21
	StatusCannotDelete            uint32 = 22
	StatusInvalidParameter        uint32 = 23
	StatusFileIsADirectory        uint32 = 24
	StatusByteRangeLockConflict   uint32 = 25
	StatusByteRangeLockRefused    uint32 = 26
	StatusDeletePending           uint32 = 27
	StatusFileCorrupt             uint32 = 28
	StatusOwnerInvalid            uint32 = 29
	StatusGroupInvalid            uint32 = 30
	StatusNoMatchingByteRangeLock uint32 = 31
)

var statusNames = [...]string{
	"OK", "EOF", "NO_SUCH_FILE", "PERMISSION_DENIED", "FAILURE", "BAD_MESSAGE",
	"NO_CONNECTION", "CONNECTION_LOST", "OP_UNSUPPORTED", "INVALID_HANDLE",
	"NO_SUCH_PATH", "FILE_ALREADY_EXISTS", "WRITE_PROTECT", "NO_MEDIA",
	"NO_SPACE_ON_FILESYSTEM", "QUOTA_EXCEEDED", "UNKNOWN_PRINCIPAL",
	"LOCK_CONFLICT", "DIR_NOT_EMPTY", "NOT_A_DIRECTORY", "INVALID_FILENAME",
	"LINK_LOOP", "CANNOT_DELETE", "INVALID_PARAMETER", "FILE_IS_A_DIRECTORY",
	"BYTE_RANGE_LOCK_CONFLICT", "BYTE_RANGE_LOCK_REFUSED", "DELETE_PENDING",
	"FILE_CORRUPT", "OWNER_INVALID", "GROUP_INVALID", "NO_MATCHING_BYTE_RANGE_LOCK",
}

// StatusName returns the SSH_FX_ name of a status code. Unknown codes are
// rendered with their number.
func StatusName(code uint32) string {
	if int(code) < len(statusNames) {
		return "SSH_FX_" + statusNames[code]
	}
	return fmt.Sprintf("SSH_FX_UNKNOWN(%d)", code)
}

// StatusError is a non-OK STATUS response.
type StatusError struct {
	Op      string
	Path    string
	Code    uint32
	Message string
	Lang    string
}

func (e *StatusError) Error() string {
	msg := "sftp: "
	if e.Op != "" {
		msg += e.Op + " "
	}
	if e.Path != "" {
		msg += e.Path + ": "
	}
	msg += StatusName(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Is maps status codes onto the standard filesystem and io errors.
func (e *StatusError) Is(target error) bool {
	switch target {
	case fs.ErrNotExist:
		return e.Code == StatusNoSuchFile || e.Code == StatusNoSuchPath
	case fs.ErrPermission:
		return e.Code == StatusPermissionDenied || e.Code == StatusWriteProtect
	case fs.ErrExist:
		return e.Code == StatusFileAlreadyExists
	case io.EOF:
		return e.Code == StatusEOF
	}
	if t, ok := target.(*StatusError); ok {
		return t.Code == e.Code
	}
	return false
}

// UnexpectedPacketError reports a response of the wrong type. The session
// cannot be used afterwards.
type UnexpectedPacketError struct {
	Op   string
	Want byte
	Got  byte
}

func (e *UnexpectedPacketError) Error() string {
	return fmt.Sprintf("sftp: %s: expected %s, got %s (%d)", e.Op, packetName(e.Want), packetName(e.Got), e.Got)
}
