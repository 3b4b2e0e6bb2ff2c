package exception

import "github.com/yanun0323/errors"

// Resolution errors
var (
	ErrUnresolvableIdentifier   = errors.New("distribution: unresolvable identifier")
	ErrUnknownNormalizationRule = errors.New("distribution: unknown normalization rule")
	ErrInvalidTopicComponent    = errors.New("distribution: invalid topic component")
	ErrInvalidExternalID        = errors.New("distribution: invalid external id")
	ErrInvalidRule              = errors.New("normalization: invalid rule")
	ErrDuplicateRuleSet         = errors.New("normalization: duplicate rule set")
)
