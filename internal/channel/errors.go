package channel

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout         = errors.New("channel: timeout")
	ErrClosed          = errors.New("channel: closed")
	ErrRequestRejected = errors.New("channel: request rejected")
	ErrNotOpen         = errors.New("channel: not open")
)

// Open failure reason codes from RFC 4254 section 5.1.
const (
	OpenAdministrativelyProhibited uint32 = 1
	OpenConnectFailed              uint32 = 2
	OpenUnknownChannelType         uint32 = 3
	OpenResourceShortage           uint32 = 4
)

// OpenError reports a CHANNEL_OPEN_FAILURE from the server.
type OpenError struct {
	Type    string
	Reason  uint32
	Message string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("channel: open %s failed: reason %d: %s", e.Type, e.Reason, e.Message)
}
