package entitlement

import (
	"context"

	"mdbroker/internal/distribution"
	"mdbroker/internal/model"
)

// Checker decides whether a principal may receive a distribution spec.
// Implementations fail closed: any doubt yields false.
type Checker interface {
	IsEntitled(ctx context.Context, principal model.UserPrincipal, spec distribution.Spec) bool
}

// Forgetter drops cached decisions for a principal. Checkers that cache
// implement it so reconnecting users are checked afresh.
type Forgetter interface {
	Forget(principal model.UserPrincipal)
}

// AllowAll entitles everyone. Development only.
type AllowAll struct{}

func (AllowAll) IsEntitled(context.Context, model.UserPrincipal, distribution.Spec) bool {
	return true
}

// DenyAll entitles no one.
type DenyAll struct{}

func (DenyAll) IsEntitled(context.Context, model.UserPrincipal, distribution.Spec) bool {
	return false
}
