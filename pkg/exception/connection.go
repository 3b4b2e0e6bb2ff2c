package exception

import "github.com/yanun0323/errors"

var (
	ErrConnectionClose   = errors.New("connection closed")
	ErrMalformedMessage  = errors.New("protocol: malformed message")
	ErrUnknownMessage    = errors.New("protocol: unknown message type")
	ErrUnexpectedMessage = errors.New("protocol: unexpected message")
	ErrNotAuthorized     = errors.New("session: not authorized")
	ErrSessionClosed     = errors.New("session: closed")
	ErrOutboundOverflow  = errors.New("session: outbound queue overflow")
	ErrCorrelationInUse  = errors.New("session: correlation id already in use")
	ErrRateLimited       = errors.New("session: request rate exceeded")
)
