package session

import (
	"context"
	"testing"

	"mdbroker/internal/model/enum"
	"mdbroker/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/yanun0323/errors"
)

func TestReasonOf(t *testing.T) {
	testCases := []struct {
		desc     string
		err      error
		expected enum.FailureReason
	}{
		{
			desc:     "unresolvable",
			err:      errors.Wrapf(exception.ErrUnresolvableIdentifier, "resolve %s", "TICKER~ZZZ"),
			expected: enum.FailureUnresolvableIdentifier,
		},
		{
			desc:     "unknown rule",
			err:      errors.Wrap(exception.ErrUnknownNormalizationRule, "resolve").With("ruleSet", "NOPE"),
			expected: enum.FailureUnknownNormalizationRule,
		},
		{
			desc:     "not entitled",
			err:      errors.Wrapf(exception.ErrNotEntitled, "user %s", "bob"),
			expected: enum.FailureNotEntitled,
		},
		{
			desc:     "upstream unavailable",
			err:      errors.Wrap(errors.Wrap(exception.ErrUpstreamUnavailable, "fetch"), "snapshot"),
			expected: enum.FailureUpstreamUnavailable,
		},
		{
			desc:     "timeout",
			err:      errors.Wrap(exception.ErrTimeout, "resolve"),
			expected: enum.FailureUpstreamUnavailable,
		},
		{
			desc:     "deadline",
			err:      errors.Wrap(context.DeadlineExceeded, "attach"),
			expected: enum.FailureUpstreamUnavailable,
		},
		{
			desc:     "rate limited",
			err:      errors.Wrap(exception.ErrRateLimited, "subscribe"),
			expected: enum.FailureRateLimited,
		},
		{
			desc:     "correlation in use",
			err:      errors.Wrap(exception.ErrCorrelationInUse, "subscribe").With("corr", 7),
			expected: enum.FailureInvalidRequest,
		},
		{
			desc:     "unknown error",
			err:      errors.New("boom"),
			expected: enum.FailureInternal,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.expected, reasonOf(tc.err))
		})
	}
}
