package identifier

import (
	"context"
	"sync"

	"mdbroker/internal/model"
)

// MemorySource is an in-memory alias table.
type MemorySource struct {
	mu      sync.RWMutex
	aliases map[model.ExternalID]model.CanonicalID
}

// NewMemorySource creates an empty alias table.
func NewMemorySource() *MemorySource {
	return &MemorySource{aliases: make(map[model.ExternalID]model.CanonicalID)}
}

// Add maps every alias, and the canonical id itself, to canonical.
func (s *MemorySource) Add(canonical model.CanonicalID, aliases ...model.ExternalID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[canonical.ExternalID()] = canonical
	for _, alias := range aliases {
		if !alias.IsValid() {
			continue
		}
		s.aliases[alias] = canonical
	}
}

// Remove deletes one alias.
func (s *MemorySource) Remove(alias model.ExternalID) {
	s.mu.Lock()
	delete(s.aliases, alias)
	s.mu.Unlock()
}

// Len returns the number of aliases.
func (s *MemorySource) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.aliases)
}

func (s *MemorySource) Lookup(_ context.Context, id model.ExternalID) (model.CanonicalID, bool, error) {
	s.mu.RLock()
	canonical, ok := s.aliases[id]
	s.mu.RUnlock()
	return canonical, ok, nil
}

// Chain tries sources in order and returns the first hit. An error from
// one source does not stop the chain; it is returned only when no later
// source answers.
type Chain []Source

// NewChain builds a chain, skipping nil sources.
func NewChain(sources ...Source) Chain {
	out := make(Chain, 0, len(sources))
	for _, s := range sources {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (c Chain) Lookup(ctx context.Context, id model.ExternalID) (model.CanonicalID, bool, error) {
	var lastErr error
	for _, s := range c {
		canonical, ok, err := s.Lookup(ctx, id)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return canonical, true, nil
		}
	}
	return model.CanonicalID{}, false, lastErr
}
