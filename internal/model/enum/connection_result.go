package enum

// ConnectionResult is the outcome of a connection handshake.
type ConnectionResult uint8

const (
	_connection_result_beg ConnectionResult = iota
	ConnectionNewSuccess
	ConnectionExistingRestart
	ConnectionNotAuthorized
	_connection_result_end
)

func (r ConnectionResult) IsAvailable() bool {
	return r > _connection_result_beg && r < _connection_result_end
}

func (r ConnectionResult) String() string {
	switch r {
	case ConnectionNewSuccess:
		return "NEW_CONNECTION_SUCCESS"
	case ConnectionExistingRestart:
		return "EXISTING_CONNECTION_RESTART"
	case ConnectionNotAuthorized:
		return "NOT_AUTHORIZED"
	default:
		return "UNKNOWN"
	}
}

// ParseConnectionResult is the inverse of String.
func ParseConnectionResult(s string) (ConnectionResult, bool) {
	for r := _connection_result_beg + 1; r < _connection_result_end; r++ {
		if r.String() == s {
			return r, true
		}
	}
	return 0, false
}
