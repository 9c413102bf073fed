package transport

// Message numbers from RFC 4250 section 4.1.
const (
	MsgDisconnect     byte = 1
	MsgIgnore         byte = 2
	MsgUnimplemented  byte = 3
	MsgDebug          byte = 4
	MsgServiceRequest byte = 5
	MsgServiceAccept  byte = 6

	MsgKexInit byte = 20
	MsgNewKeys byte = 21

	MsgKexDHInit  byte = 30
	MsgKexDHReply byte = 31

	MsgUserAuthRequest byte = 50
	MsgUserAuthFailure byte = 51
	MsgUserAuthSuccess byte = 52
	MsgUserAuthBanner  byte = 53

	// 60 and 61 are shared between methods; their meaning depends on the
	// method in progress.
	MsgUserAuthPasswdChangeReq byte = 60
	MsgUserAuthPKOK            byte = 60
	MsgUserAuthInfoRequest     byte = 60
	MsgUserAuthInfoResponse    byte = 61

	MsgGlobalRequest  byte = 80
	MsgRequestSuccess byte = 81
	MsgRequestFailure byte = 82

	MsgChannelOpen         byte = 90
	MsgChannelOpenConfirm  byte = 91
	MsgChannelOpenFailure  byte = 92
	MsgChannelWindowAdjust byte = 93
	MsgChannelData         byte = 94
	MsgChannelExtendedData byte = 95
	MsgChannelEOF          byte = 96
	MsgChannelClose        byte = 97
	MsgChannelRequest      byte = 98
	MsgChannelSuccess      byte = 99
	MsgChannelFailure      byte = 100
)

// Disconnect reason codes from RFC 4250 section 4.2.2.
const (
	DisconnectHostNotAllowedToConnect    uint32 = 1
	DisconnectProtocolError              uint32 = 2
	DisconnectKeyExchangeFailed          uint32 = 3
	DisconnectReserved                   uint32 = 4
	DisconnectMACError                   uint32 = 5
	DisconnectCompressionError           uint32 = 6
	DisconnectServiceNotAvailable        uint32 = 7
	DisconnectProtocolVersionUnsupported uint32 = 8
	DisconnectHostKeyNotVerifiable       uint32 = 9
	DisconnectConnectionLost             uint32 = 10
	DisconnectByApplication              uint32 = 11
	DisconnectTooManyConnections         uint32 = 12
	DisconnectAuthCancelledByUser        uint32 = 13
	DisconnectNoMoreAuthMethods          uint32 = 14
	DisconnectIllegalUserName            uint32 = 15
)

var disconnectReasons = map[uint32]string{
	DisconnectHostNotAllowedToConnect:    "host not allowed to connect",
	DisconnectProtocolError:              "protocol error",
	DisconnectKeyExchangeFailed:          "key exchange failed",
	DisconnectReserved:                   "reserved",
	DisconnectMACError:                   "mac error",
	DisconnectCompressionError:           "compression error",
	DisconnectServiceNotAvailable:        "service not available",
	DisconnectProtocolVersionUnsupported: "protocol version not supported",
	DisconnectHostKeyNotVerifiable:       "host key not verifiable",
	DisconnectConnectionLost:             "connection lost",
	DisconnectByApplication:              "by application",
	DisconnectTooManyConnections:         "too many connections",
	DisconnectAuthCancelledByUser:        "auth cancelled by user",
	DisconnectNoMoreAuthMethods:          "no more auth methods available",
	DisconnectIllegalUserName:            "illegal user name",
}

// DisconnectReasonText returns the RFC name for code, or "unknown".
func DisconnectReasonText(code uint32) string {
	if s, ok := disconnectReasons[code]; ok {
		return s
	}
	return "unknown"
}
