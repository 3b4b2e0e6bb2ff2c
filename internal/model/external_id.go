package model

import (
	"slices"
	"strings"

	"mdbroker/pkg/exception"

	"github.com/yanun0323/errors"
)

// ExternalIDSeparator separates scheme and value in the text form of an ExternalID.
const ExternalIDSeparator = "~"

// ExternalID is one vendor- or domain-specific name for an entity.
type ExternalID struct {
	Scheme string `json:"scheme" yaml:"scheme" cbor:"scheme"`
	Value  string `json:"value" yaml:"value" cbor:"value"`
}

// NewExternalID builds an ExternalID, trimming surrounding spaces.
func NewExternalID(scheme, value string) ExternalID {
	return ExternalID{Scheme: strings.TrimSpace(scheme), Value: strings.TrimSpace(value)}
}

// ParseExternalID parses the SCHEME~VALUE form.
func ParseExternalID(s string) (ExternalID, error) {
	scheme, value, ok := strings.Cut(s, ExternalIDSeparator)
	id := NewExternalID(scheme, value)
	if !ok || !id.IsValid() {
		return ExternalID{}, errors.Wrapf(exception.ErrInvalidExternalID, "parse %q", s)
	}
	return id, nil
}

// IsValid reports whether both scheme and value are set.
func (id ExternalID) IsValid() bool {
	return id.Scheme != "" && id.Value != ""
}

func (id ExternalID) String() string {
	return id.Scheme + ExternalIDSeparator + id.Value
}

func compareExternalID(a, b ExternalID) int {
	if c := strings.Compare(a.Scheme, b.Scheme); c != 0 {
		return c
	}
	return strings.Compare(a.Value, b.Value)
}

// ExternalIDBundle is a set of ExternalIDs naming the same entity.
// Members are kept sorted and unique, so two bundles with the same
// members always produce the same Key.
type ExternalIDBundle struct {
	ids []ExternalID
}

// NewBundle builds a bundle. Invalid and duplicate members are dropped.
func NewBundle(ids ...ExternalID) ExternalIDBundle {
	out := make([]ExternalID, 0, len(ids))
	for _, id := range ids {
		if !id.IsValid() {
			continue
		}
		out = append(out, id)
	}
	slices.SortFunc(out, compareExternalID)
	out = slices.Compact(out)
	return ExternalIDBundle{ids: out}
}

// IDs returns a copy of the members in canonical order.
func (b ExternalIDBundle) IDs() []ExternalID {
	return slices.Clone(b.ids)
}

// Len returns the number of members.
func (b ExternalIDBundle) Len() int {
	return len(b.ids)
}

// IsEmpty reports whether the bundle has no members.
func (b ExternalIDBundle) IsEmpty() bool {
	return len(b.ids) == 0
}

// Contains reports whether id is a member.
func (b ExternalIDBundle) Contains(id ExternalID) bool {
	_, found := slices.BinarySearchFunc(b.ids, id, compareExternalID)
	return found
}

// Get returns the first member of the given scheme.
func (b ExternalIDBundle) Get(scheme string) (ExternalID, bool) {
	for _, id := range b.ids {
		if id.Scheme == scheme {
			return id, true
		}
	}
	return ExternalID{}, false
}

// Key is a stable string form used as a cache key.
func (b ExternalIDBundle) Key() string {
	var sb strings.Builder
	for i, id := range b.ids {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(id.String())
	}
	return sb.String()
}

func (b ExternalIDBundle) String() string {
	return "[" + b.Key() + "]"
}
