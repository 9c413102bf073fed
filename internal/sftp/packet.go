package sftp

// Packet types (draft-ietf-secsh-filexfer-02).
const (
	fxpInit          = 1
	fxpVersion       = 2
	fxpOpen          = 3
	fxpClose         = 4
	fxpRead          = 5
	fxpWrite         = 6
	fxpLstat         = 7
	fxpFstat         = 8
	fxpSetstat       = 9
	fxpFsetstat      = 10
	fxpOpendir       = 11
	fxpReaddir       = 12
	fxpRemove        = 13
	fxpMkdir         = 14
	fxpRmdir         = 15
	fxpRealpath      = 16
	fxpStat          = 17
	fxpRename        = 18
	fxpReadlink      = 19
	fxpSymlink       = 20
	fxpStatus        = 101
	fxpHandle        = 102
	fxpData          = 103
	fxpName          = 104
	fxpAttrs         = 105
	fxpExtended      = 200
	fxpExtendedReply = 201
)

var packetNames = map[byte]string{
	fxpInit:          "INIT",
	fxpVersion:       "VERSION",
	fxpOpen:          "OPEN",
	fxpClose:         "CLOSE",
	fxpRead:          "READ",
	fxpWrite:         "WRITE",
	fxpLstat:         "LSTAT",
	fxpFstat:         "FSTAT",
	fxpSetstat:       "SETSTAT",
	fxpFsetstat:      "FSETSTAT",
	fxpOpendir:       "OPENDIR",
	fxpReaddir:       "READDIR",
	fxpRemove:        "REMOVE",
	fxpMkdir:         "MKDIR",
	fxpRmdir:         "RMDIR",
	fxpRealpath:      "REALPATH",
	fxpStat:          "STAT",
	fxpRename:        "RENAME",
	fxpReadlink:      "READLINK",
	fxpSymlink:       "SYMLINK",
	fxpStatus:        "STATUS",
	fxpHandle:        "HANDLE",
	fxpData:          "DATA",
	fxpName:          "NAME",
	fxpAttrs:         "ATTRS",
	fxpExtended:      "EXTENDED",
	fxpExtendedReply: "EXTENDED_REPLY",
}

func packetName(t byte) string {
	if n, ok := packetNames[t]; ok {
		return n
	}
	return "UNKNOWN"
}

// Open flags for OpenFile.
const (
	FlagRead   uint32 = 0x01
	FlagWrite  uint32 = 0x02
	FlagAppend uint32 = 0x04
	FlagCreate uint32 = 0x08
	FlagTrunc  uint32 = 0x10
	FlagExcl   uint32 = 0x20
)

// maxPacket bounds an inbound packet. Servers cap DATA at 256 KiB or less.
const maxPacket = 256*1024 + 1024
