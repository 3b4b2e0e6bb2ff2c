package model

// UserPrincipal is the authorization subject of a session. It is not an
// authentication credential.
type UserPrincipal struct {
	UserName      string
	OriginAddress string
}

func (p UserPrincipal) String() string {
	if p.OriginAddress == "" {
		return p.UserName
	}
	return p.UserName + "@" + p.OriginAddress
}

// CorrelationID is a client-assigned request token, unique within a session.
type CorrelationID int64
