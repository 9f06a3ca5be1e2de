package spec

import (
	"bytes"
	"fmt"
	"sort"

	json "github.com/goccy/go-json"
)

// FdEntry is one (name, FdSpec) pair from a ProcSpec's fd list.
type FdEntry struct {
	Name string
	Spec FdSpec
}

// FdList accepts both shapes spec.md §9 requires: an ordered array of
// [name, FdSpec] pairs, or an object mapping name -> FdSpec. The array form
// preserves caller-given order; the object form is normalized into fd-number
// order since JSON objects carry no ordering guarantee of their own.
type FdList []FdEntry

// UnmarshalJSON dispatches on the leading token to decide which shape was
// given, per spec.md §9 ("keep a single normalization step at the front of
// the compiler").
func (l *FdList) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		*l = nil
		return nil
	}

	switch trimmed[0] {
	case '[':
		var pairs []json.RawMessage
		if err := json.Unmarshal(trimmed, &pairs); err != nil {
			return fmt.Errorf("fds: invalid array form: %w", err)
		}
		out := make(FdList, 0, len(pairs))
		for i, p := range pairs {
			var pair [2]json.RawMessage
			if err := json.Unmarshal(p, &pair); err != nil {
				return fmt.Errorf("fds[%d]: expected [name, spec] pair: %w", i, err)
			}
			var name string
			if err := json.Unmarshal(pair[0], &name); err != nil {
				return fmt.Errorf("fds[%d]: fd name must be a string: %w", i, err)
			}
			var spec FdSpec
			if err := json.Unmarshal(pair[1], &spec); err != nil {
				return fmt.Errorf("fds[%d] (%s): %w", i, name, err)
			}
			out = append(out, FdEntry{Name: name, Spec: spec})
		}
		*l = out
		return nil

	case '{':
		var m map[string]FdSpec
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return fmt.Errorf("fds: invalid object form: %w", err)
		}
		out := make(FdList, 0, len(m))
		for name, spec := range m {
			out = append(out, FdEntry{Name: name, Spec: spec})
		}
		// Normalize to a deterministic order: resolved fd number, falling
		// back to name for anything that fails to resolve (surfaced again,
		// properly, by the compiler).
		sort.Slice(out, func(i, j int) bool {
			ni, erri := ResolveFdName(out[i].Name)
			nj, errj := ResolveFdName(out[j].Name)
			if erri == nil && errj == nil {
				return ni < nj
			}
			return out[i].Name < out[j].Name
		})
		*l = out
		return nil

	default:
		return fmt.Errorf("fds: expected array or object, got %q", trimmed[0])
	}
}
