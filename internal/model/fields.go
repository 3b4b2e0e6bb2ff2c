package model

import "maps"

// Fields is a field map of one market data message.
type Fields map[string]any

// Clone returns a shallow copy. A nil map clones to nil.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	return maps.Clone(f)
}

// Merge writes every field of update into f and returns f.
// A nil receiver allocates.
func (f Fields) Merge(update Fields) Fields {
	if f == nil {
		f = make(Fields, len(update))
	}
	maps.Copy(f, update)
	return f
}
