package transport

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedVersion = errors.New("transport: unsupported protocol version")
	ErrBannerTooLong      = errors.New("transport: server banner too long")
	ErrPacketLength       = errors.New("transport: invalid packet length")
	ErrPadding            = errors.New("transport: invalid padding length")
	ErrMACMismatch        = errors.New("transport: mac mismatch")
	ErrTimeout            = errors.New("transport: read timeout")
	ErrKexTimeout         = errors.New("transport: key exchange timed out")
	ErrClosed             = errors.New("transport: connection closed")
	ErrSignature          = errors.New("transport: host key signature verification failed")
	ErrHostKeyAlgorithm   = errors.New("transport: host key does not match negotiated algorithm")
	ErrInvalidDHValue     = errors.New("transport: server dh public value out of range")
	ErrEmptyPayload       = errors.New("transport: empty payload")
)

// DisconnectError is returned once the server sends SSH_MSG_DISCONNECT.
type DisconnectError struct {
	Reason  uint32
	Message string
}

func (e *DisconnectError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transport: disconnected by server: %s (%d)", DisconnectReasonText(e.Reason), e.Reason)
	}
	return fmt.Sprintf("transport: disconnected by server: %s (%d): %s", DisconnectReasonText(e.Reason), e.Reason, e.Message)
}

// NegotiationError reports an algorithm category with no common entry.
type NegotiationError struct {
	Category string
	Client   []string
	Server   []string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("transport: no common %s algorithm; client offered [%s], server offered [%s]",
		e.Category, strings.Join(e.Client, ","), strings.Join(e.Server, ","))
}

// UnexpectedMessageError reports a packet type the current exchange cannot accept.
type UnexpectedMessageError struct {
	Want byte
	Got  byte
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("transport: unexpected message type %d (expected %d)", e.Got, e.Want)
}
