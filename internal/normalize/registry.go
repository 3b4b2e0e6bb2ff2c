package normalize

import (
	"slices"
	"strings"
	"sync"

	"mdbroker/pkg/exception"

	"github.com/yanun0323/errors"
)

// Registry maps rule set ids to rule sets. Lookups are pure.
type Registry struct {
	mu   sync.RWMutex
	sets map[string]*RuleSet
}

// NewRegistry creates a registry holding sets.
func NewRegistry(sets ...*RuleSet) (*Registry, error) {
	r := &Registry{sets: make(map[string]*RuleSet, len(sets))}
	for _, rs := range sets {
		if err := r.Register(rs); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds rs. Ids are unique.
func (r *Registry) Register(rs *RuleSet) error {
	if rs == nil {
		return errors.Wrap(exception.ErrNilInstance, "rule set")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sets[rs.id]; ok {
		return errors.Wrapf(exception.ErrDuplicateRuleSet, "id: %s", rs.id)
	}
	r.sets[rs.id] = rs
	return nil
}

// Resolve returns the rule set registered under id.
func (r *Registry) Resolve(id string) (*RuleSet, bool) {
	r.mu.RLock()
	rs, ok := r.sets[strings.TrimSpace(id)]
	r.mu.RUnlock()
	return rs, ok
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sets))
	for id := range r.sets {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}
