package exception

import "github.com/yanun0323/errors"

var (
	// ErrNotEntitled is the only entitlement error a client ever sees.
	ErrNotEntitled = errors.New("entitlement: not entitled")
	// ErrNilBackend is returned when a backend checker is built without a backend.
	ErrNilBackend = errors.New("entitlement: nil backend")
)
