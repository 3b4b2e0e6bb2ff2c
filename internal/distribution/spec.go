package distribution

import (
	"mdbroker/internal/model"
	"mdbroker/internal/normalize"
)

// Spec is a resolved (canonical id, rule set, topic) triple. It is the unit
// of routing and fan-out. The zero value is invalid; only Resolver builds
// valid specs, so the topic always matches the other two fields.
type Spec struct {
	canonical model.CanonicalID
	ruleSet   *normalize.RuleSet
	topic     string
}

func (s Spec) Canonical() model.CanonicalID {
	return s.canonical
}

func (s Spec) RuleSet() *normalize.RuleSet {
	return s.ruleSet
}

func (s Spec) RuleSetID() string {
	if s.ruleSet == nil {
		return ""
	}
	return s.ruleSet.ID()
}

func (s Spec) Topic() string {
	return s.topic
}

func (s Spec) IsZero() bool {
	return s.ruleSet == nil && s.topic == "" && s.canonical.IsZero()
}

func (s Spec) Equal(other Spec) bool {
	return s == other
}

func (s Spec) String() string {
	return s.topic
}
