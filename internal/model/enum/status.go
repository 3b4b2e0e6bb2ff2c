package enum

// Status is the outcome of a subscribe or snapshot request.
type Status uint8

const (
	_status_beg Status = iota
	StatusSuccess
	StatusFailure
	_status_end
)

func (s Status) IsAvailable() bool {
	return s > _status_beg && s < _status_end
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus is the inverse of String.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "SUCCESS":
		return StatusSuccess, true
	case "FAILURE":
		return StatusFailure, true
	default:
		return 0, false
	}
}
