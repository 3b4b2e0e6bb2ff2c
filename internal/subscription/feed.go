package subscription

import (
	"context"

	"mdbroker/internal/distribution"
	"mdbroker/internal/model"
)

// Feed is an upstream vendor adapter. The ctx passed to Subscribe bounds the
// call only; the returned stream lives until Unsubscribe or until the feed
// closes it.
type Feed interface {
	Subscribe(ctx context.Context, canonical model.CanonicalID) (<-chan model.Fields, error)
	Unsubscribe(ctx context.Context, canonical model.CanonicalID) error
	FetchSnapshot(ctx context.Context, canonical model.CanonicalID) (model.Fields, error)
}

// Sink receives normalized updates for the specs it is attached to. Deliver
// runs on the feed path with the subscription locked, so it must not block
// and must not call back into the Manager. Fields are shared between sinks
// and must be treated as read-only. Sinks are compared by identity, use
// pointer types.
type Sink interface {
	Deliver(spec distribution.Spec, fields model.Fields)
}
