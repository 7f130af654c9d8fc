// Package filter implements the Nostr filter predicate: the JSON codec and
// match semantics used both client-side (dispatch) and server-side (local
// storage queries, via internal/storage).
package filter

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/keanuklestil/quoin/internal/event"
)

// Filter is a conjunctive predicate over events (spec §4.3).
type Filter struct {
	IDs     []string          // hex event ids
	Authors []string          // hex pubkeys
	Kinds   []event.Kind
	Since   *int64
	Until   *int64
	Limit   int // 0 means unset; negative is invalid and treated as unset
	Search  string
	Tags    map[string][]string // single-letter tag name -> allowed values
}

// New returns an empty filter (matches everything).
func New() *Filter {
	return &Filter{Tags: make(map[string][]string)}
}

// Match evaluates all predicate clauses in conjunction, per spec §4.3.
func (f *Filter) Match(e *event.Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, e.IDHex()) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, e.PubKeyHex()) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	for letter, values := range f.Tags {
		have := e.TagValues(letter)
		if !anyValueIn(have, values) {
			return false
		}
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(e.Content), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsKind(set []event.Kind, v event.Kind) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func anyValueIn(have map[string]struct{}, want []string) bool {
	if len(have) == 0 {
		return false
	}
	for _, w := range want {
		if _, ok := have[w]; ok {
			return true
		}
	}
	return false
}

// MarshalJSON emits ids/authors/kinds/since/until/limit/search plus one
// "#x" key per indexed tag predicate, sorted for determinism.
func (f *Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		kinds := make([]int, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = int(k)
		}
		m["kinds"] = kinds
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	if f.Search != "" {
		m["search"] = f.Search
	}
	letters := make([]string, 0, len(f.Tags))
	for letter := range f.Tags {
		letters = append(letters, letter)
	}
	sort.Strings(letters)
	for _, letter := range letters {
		m["#"+letter] = f.Tags[letter]
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes a wire filter, mapping any "#x" key into Tags.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	nf := Filter{Tags: make(map[string][]string)}
	for k, v := range m {
		switch k {
		case "ids":
			if err := json.Unmarshal(v, &nf.IDs); err != nil {
				return err
			}
		case "authors":
			if err := json.Unmarshal(v, &nf.Authors); err != nil {
				return err
			}
		case "kinds":
			var ks []int
			if err := json.Unmarshal(v, &ks); err != nil {
				return err
			}
			for _, k := range ks {
				nf.Kinds = append(nf.Kinds, event.Kind(k))
			}
		case "since":
			var t int64
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			nf.Since = &t
		case "until":
			var t int64
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			nf.Until = &t
		case "limit":
			if err := json.Unmarshal(v, &nf.Limit); err != nil {
				return err
			}
		case "search":
			if err := json.Unmarshal(v, &nf.Search); err != nil {
				return err
			}
		default:
			if len(k) == 2 && k[0] == '#' {
				var values []string
				if err := json.Unmarshal(v, &values); err != nil {
					return err
				}
				nf.Tags[k[1:]] = values
			}
		}
	}
	*f = nf
	return nil
}
