package normalize

import (
	"strings"

	"mdbroker/internal/model"
	"mdbroker/pkg/exception"

	"github.com/yanun0323/errors"
)

// Rule is one field transform. Apply edits fields in place; returning
// keep=false filters the message so nothing is distributed.
type Rule interface {
	Name() string
	Apply(fields model.Fields) (keep bool, err error)
}

type ruleFunc struct {
	name string
	fn   func(model.Fields) (bool, error)
}

// NewRule wraps fn as a named rule.
func NewRule(name string, fn func(model.Fields) (bool, error)) Rule {
	return ruleFunc{name: name, fn: fn}
}

func (r ruleFunc) Name() string {
	return r.name
}

func (r ruleFunc) Apply(fields model.Fields) (bool, error) {
	return r.fn(fields)
}

// RuleSet is an ordered chain of rules identified by name. It is
// immutable once built and safe for concurrent use.
type RuleSet struct {
	id    string
	rules []Rule
}

// NewRuleSet builds a rule set. An empty chain is allowed and passes
// messages through unchanged.
func NewRuleSet(id string, rules ...Rule) (*RuleSet, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.Wrap(exception.ErrInvalidRule, "empty rule set id")
	}
	chain := make([]Rule, 0, len(rules))
	for i, rule := range rules {
		if rule == nil {
			return nil, errors.Wrapf(exception.ErrInvalidRule, "rule set %s: nil rule at %d", id, i)
		}
		chain = append(chain, rule)
	}
	return &RuleSet{id: id, rules: chain}, nil
}

func (rs *RuleSet) ID() string {
	return rs.id
}

func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// RuleNames lists the rules in application order.
func (rs *RuleSet) RuleNames() []string {
	names := make([]string, len(rs.rules))
	for i, rule := range rs.rules {
		names[i] = rule.Name()
	}
	return names
}

// Apply runs the chain left to right over a copy of raw. The input is never
// modified. ok=false means a rule filtered the message.
func (rs *RuleSet) Apply(raw model.Fields) (model.Fields, bool, error) {
	fields := raw.Clone()
	if fields == nil {
		fields = model.Fields{}
	}
	for _, rule := range rs.rules {
		keep, err := rule.Apply(fields)
		if err != nil {
			return nil, false, errors.Wrapf(err, "rule set %s: rule %s", rs.id, rule.Name())
		}
		if !keep {
			return nil, false, nil
		}
	}
	return fields, true, nil
}
