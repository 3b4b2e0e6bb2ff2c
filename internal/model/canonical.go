package model

// CanonicalID is the single stable identity chosen to represent an entity
// across all its aliases.
type CanonicalID ExternalID

// NewCanonicalID builds a CanonicalID.
func NewCanonicalID(scheme, value string) CanonicalID {
	return CanonicalID(NewExternalID(scheme, value))
}

// ExternalID returns the identifier as an ExternalID.
func (c CanonicalID) ExternalID() ExternalID {
	return ExternalID(c)
}

// Bundle wraps the identifier into a single-element bundle.
func (c CanonicalID) Bundle() ExternalIDBundle {
	return NewBundle(ExternalID(c))
}

// IsZero reports whether the identifier is unset.
func (c CanonicalID) IsZero() bool {
	return c.Scheme == "" && c.Value == ""
}

func (c CanonicalID) String() string {
	return ExternalID(c).String()
}
