package exception

import "github.com/yanun0323/errors"

var (
	ErrUpstreamUnavailable = errors.New("subscription: upstream unavailable")
	ErrManagerClosed       = errors.New("subscription: manager closed")
	ErrNoSubscription      = errors.New("subscription: no live subscription")
	ErrNilSink             = errors.New("subscription: nil sink")
	ErrNilFeed             = errors.New("subscription: nil feed")
)
