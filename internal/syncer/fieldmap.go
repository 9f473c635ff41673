package syncer

import (
	"fmt"
	"sort"

	"github.com/roach88/floorstate/internal/keypath"
)

// FieldMap resolves store paths to remote field names.
type FieldMap struct {
	exact map[keypath.Path]string
	// nested holds wildcard entries, longest base first.
	nested []nestedField
}

type nestedField struct {
	base  keypath.Path
	field string
}

// NewFieldMap compiles a path -> field mapping. For "a.*" -> "x", the
// remote field of "a.b.c" is "x.b.c" unless an exact entry exists.
func NewFieldMap(fields map[keypath.Path]string) (*FieldMap, error) {
	fm := &FieldMap{exact: make(map[keypath.Path]string)}
	for p, field := range fields {
		if field == "" {
			return nil, fmt.Errorf("path %s: empty remote field", p)
		}
		if _, err := keypath.Parse(string(p)); err != nil {
			return nil, err
		}
		if p == keypath.Wildcard {
			return nil, fmt.Errorf("path %s: a bare wildcard cannot be mapped", p)
		}
		if p.IsWildcard() {
			fm.nested = append(fm.nested, nestedField{base: p.WildcardBase(), field: field})
			continue
		}
		fm.exact[p] = field
	}
	sort.Slice(fm.nested, func(i, j int) bool {
		return len(fm.nested[i].base) > len(fm.nested[j].base)
	})
	return fm, nil
}

// Resolve returns the remote field for p.
func (fm *FieldMap) Resolve(p keypath.Path) (string, bool) {
	if f, ok := fm.exact[p]; ok {
		return f, true
	}
	for _, n := range fm.nested {
		if rel, ok := p.Relative(n.base); ok {
			return n.field + "." + rel, true
		}
	}
	return "", false
}

// priorityFor returns the most specific priority pattern matching p.
func priorityFor(patterns map[keypath.Path]string, p keypath.Path) string {
	if name, ok := patterns[p]; ok {
		return name
	}
	for _, anc := range p.Ancestors() {
		if name, ok := patterns[anc.Child(string(keypath.Wildcard))]; ok {
			return name
		}
	}
	return PriorityNormal
}
