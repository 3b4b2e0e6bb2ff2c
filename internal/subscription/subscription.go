package subscription

import (
	"sync"

	"mdbroker/internal/distribution"
	"mdbroker/internal/model"
	"mdbroker/internal/obs"
)

// Subscription is the shared record of one distribution spec.
type Subscription struct {
	spec  distribution.Spec
	ready chan struct{}

	mu       sync.Mutex
	sinks    map[Sink]struct{}
	snapshot model.Fields
	line     *line
	closed   bool
}

func newSubscription(spec distribution.Spec) *Subscription {
	return &Subscription{
		spec:  spec,
		ready: make(chan struct{}),
		sinks: make(map[Sink]struct{}),
	}
}

// publish merges fields into the snapshot and hands them to every sink,
// all under mu so a finished detach never races a delivery.
func (s *Subscription) publish(fields model.Fields, metrics *obs.Metrics) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.snapshot = s.snapshot.Merge(fields)
	for sink := range s.sinks {
		sink.Deliver(s.spec, fields)
	}
	metrics.AddDeliveries(len(s.sinks))
	return true
}
