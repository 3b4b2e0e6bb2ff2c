package enum

// FailureReason classifies a failed subscribe or snapshot request. String
// is the generic text sent to clients.
type FailureReason uint8

const (
	_failure_beg FailureReason = iota
	FailureUnresolvableIdentifier
	FailureUnknownNormalizationRule
	FailureNotEntitled
	FailureUpstreamUnavailable
	FailureRateLimited
	FailureInvalidRequest
	FailureInternal
	_failure_end
)

// FailureReasonCount sizes arrays indexed by FailureReason.
const FailureReasonCount = int(_failure_end)

func (r FailureReason) IsAvailable() bool {
	return r > _failure_beg && r < _failure_end
}

func (r FailureReason) String() string {
	switch r {
	case FailureUnresolvableIdentifier:
		return "unresolvable identifier"
	case FailureUnknownNormalizationRule:
		return "unknown normalization rule"
	case FailureNotEntitled:
		return "not entitled"
	case FailureUpstreamUnavailable:
		return "upstream unavailable"
	case FailureRateLimited:
		return "rate limited"
	case FailureInvalidRequest:
		return "invalid request"
	case FailureInternal:
		return "internal error"
	default:
		return "unknown"
	}
}
