// Package topic builds routing keys for distribution specifications.
package topic

import (
	"strings"

	"mdbroker/internal/model"
	"mdbroker/pkg/exception"

	"github.com/yanun0323/errors"
)

const (
	Delimiter = '.'
	Escape    = '\\'
)

// Namer joins scheme, value and rule set id with the delimiter. Components
// holding the delimiter or the escape character are escaped, so the mapping
// is injective and reversible with Split.
type Namer struct{}

// Name returns the topic for (canonical, ruleSetID). It is a pure function
// of its inputs.
func (Namer) Name(canonical model.CanonicalID, ruleSetID string) (string, error) {
	parts := [3]string{canonical.Scheme, canonical.Value, ruleSetID}
	size := 2
	for i, p := range parts {
		if p == "" {
			return "", errors.Wrapf(exception.ErrInvalidTopicComponent, "empty component %d", i)
		}
		size += len(p)
	}

	var sb strings.Builder
	sb.Grow(size + 4)
	for i, p := range parts {
		if i > 0 {
			sb.WriteByte(Delimiter)
		}
		writeEscaped(&sb, p)
	}
	return sb.String(), nil
}

func writeEscaped(sb *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == Delimiter || c == Escape {
			sb.WriteByte(Escape)
		}
		sb.WriteByte(c)
	}
}

// Split breaks a topic back into its unescaped components.
func Split(topic string) ([]string, error) {
	var (
		parts []string
		cur   strings.Builder
	)
	for i := 0; i < len(topic); i++ {
		c := topic[i]
		switch c {
		case Escape:
			if i+1 >= len(topic) {
				return nil, errors.Wrapf(exception.ErrInvalidTopicComponent, "dangling escape in %q", topic)
			}
			i++
			cur.WriteByte(topic[i])
		case Delimiter:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())
	return parts, nil
}
