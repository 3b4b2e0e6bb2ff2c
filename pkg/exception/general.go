package exception

import "github.com/yanun0323/errors"

// General errors
var (
	ErrNilInstance     = errors.New("nil instance")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInternal        = errors.New("internal error")
	ErrTimeout         = errors.New("timeout")
)

// ErrInvalidConfig is returned when a configuration file cannot be resolved.
var ErrInvalidConfig = errors.New("invalid config")
