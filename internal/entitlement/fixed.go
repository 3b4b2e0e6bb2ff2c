package entitlement

import (
	"context"
	"path"
	"strings"

	"mdbroker/internal/distribution"
	"mdbroker/internal/model"
	"mdbroker/pkg/exception"

	"github.com/yanun0323/errors"
)

// Grant allows users matching User to receive identifiers matching
// Identifier (SCHEME~VALUE form) under rule sets matching RuleSet. Fields are
// shell patterns; an empty RuleSet matches every rule set.
type Grant struct {
	User       string `yaml:"user" json:"user"`
	Identifier string `yaml:"identifier" json:"identifier"`
	RuleSet    string `yaml:"ruleSet,omitempty" json:"ruleSet,omitempty"`
}

func (g Grant) validate() error {
	if strings.TrimSpace(g.User) == "" || strings.TrimSpace(g.Identifier) == "" {
		return errors.Wrap(exception.ErrInvalidArgument, "grant needs user and identifier")
	}
	for _, p := range []string{g.User, g.Identifier, g.RuleSet} {
		if _, err := path.Match(p, ""); err != nil {
			return errors.Wrap(exception.ErrInvalidArgument, "bad grant pattern").With("pattern", p)
		}
	}
	return nil
}

func (g Grant) allows(principal model.UserPrincipal, spec distribution.Spec) bool {
	if !match(g.User, principal.UserName) {
		return false
	}
	if !match(g.Identifier, spec.Canonical().String()) {
		return false
	}
	return g.RuleSet == "" || match(g.RuleSet, spec.RuleSetID())
}

func match(pattern, s string) bool {
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}

// FixedChecker consults a static allow-list.
type FixedChecker struct {
	grants []Grant
}

func NewFixedChecker(grants ...Grant) (*FixedChecker, error) {
	for i, g := range grants {
		if err := g.validate(); err != nil {
			return nil, errors.Wrapf(err, "grant %d", i)
		}
	}
	return &FixedChecker{grants: append([]Grant(nil), grants...)}, nil
}

func (c *FixedChecker) IsEntitled(_ context.Context, principal model.UserPrincipal, spec distribution.Spec) bool {
	if spec.IsZero() {
		return false
	}
	for _, g := range c.grants {
		if g.allows(principal, spec) {
			return true
		}
	}
	return false
}
