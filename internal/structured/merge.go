package structured

import "fmt"

// Merge deep-merges partial into existing and returns the result. Both must
// be objects. Members present on both sides merge recursively when both
// are objects; otherwise the partial's value replaces the existing one.
// Existing keys keep their position and new keys are appended. Neither
// input is modified.
func Merge(existing, partial *Value) (*Value, error) {
	if existing.kind != Object || partial.kind != Object {
		return nil, fmt.Errorf("%w: cannot merge %s into %s", ErrNotMergeable, partial.kind, existing.kind)
	}
	return mergeObjects(existing, partial), nil
}

func mergeObjects(existing, partial *Value) *Value {
	out := newObject(len(existing.members) + len(partial.members))
	for _, m := range existing.members {
		out.Set(m.Key, m.Value)
	}

	for _, m := range partial.members {
		if cur, ok := out.Lookup(m.Key); ok && cur.kind == Object && m.Value.kind == Object {
			out.Set(m.Key, mergeObjects(cur, m.Value))
			continue
		}
		out.Set(m.Key, m.Value)
	}
	return out
}

// MergeText parses both sides, merges them and returns the encoded result.
func MergeText(existing, partial string) (string, error) {
	base, err := Parse(existing)
	if err != nil {
		return "", fmt.Errorf("existing value: %w", err)
	}
	patch, err := Parse(partial)
	if err != nil {
		return "", fmt.Errorf("partial value: %w", err)
	}
	merged, err := Merge(base, patch)
	if err != nil {
		return "", err
	}
	return merged.String(), nil
}
