// Package keypath implements dot-separated paths into a document tree.
//
// A document is a tree of map[string]any nodes. A Path such as
// "production.currentRoll.thicknesses" addresses one node in that tree.
// Paths are validated once at Parse time; Lookup and Assign never fail on
// a valid Path.
package keypath

import (
	"fmt"
	"strings"
)

// Wildcard is the global wildcard path. As a subscription it receives every
// mutation.
const Wildcard Path = "*"

// Path is a validated dot-separated address into a document.
type Path string

// Parse validates s and returns it as a Path.
//
// Empty paths and empty segments ("a..b", ".a", "a.") are rejected. A "*"
// segment is only allowed as the whole path or as the last segment.
func Parse(s string) (Path, error) {
	if s == "" {
		return "", fmt.Errorf("empty path")
	}
	segs := strings.Split(s, ".")
	for i, seg := range segs {
		if seg == "" {
			return "", fmt.Errorf("path %q: empty segment at position %d", s, i)
		}
		if seg == "*" && i != len(segs)-1 {
			return "", fmt.Errorf("path %q: wildcard must be the last segment", s)
		}
	}
	return Path(s), nil
}

// Must is like Parse but panics on an invalid path. Intended for constants.
func Must(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the path as a plain string.
func (p Path) String() string { return string(p) }

// Segments splits the path into its keys.
func (p Path) Segments() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), ".")
}

// Parent returns the enclosing path. Top-level paths have no parent.
func (p Path) Parent() (Path, bool) {
	i := strings.LastIndexByte(string(p), '.')
	if i < 0 {
		return "", false
	}
	return p[:i], true
}

// Ancestors returns every enclosing path, nearest first.
// For "a.b.c" that is ["a.b", "a"].
func (p Path) Ancestors() []Path {
	var out []Path
	for cur, ok := p.Parent(); ok; cur, ok = cur.Parent() {
		out = append(out, cur)
	}
	return out
}

// Child appends a segment.
func (p Path) Child(seg string) Path {
	if p == "" {
		return Path(seg)
	}
	return Path(string(p) + "." + seg)
}

// IsWildcard reports whether p is "*" or ends in ".*".
func (p Path) IsWildcard() bool {
	return p == Wildcard || strings.HasSuffix(string(p), ".*")
}

// WildcardBase returns "a.b" for "a.b.*". It returns "" for "*" and for
// non-wildcard paths.
func (p Path) WildcardBase() Path {
	if p == Wildcard || !p.IsWildcard() {
		return ""
	}
	return p[:len(p)-2]
}

// HasPrefix reports whether ancestor is a strict ancestor of p.
func (p Path) HasPrefix(ancestor Path) bool {
	return len(p) > len(ancestor) &&
		strings.HasPrefix(string(p), string(ancestor)) &&
		p[len(ancestor)] == '.'
}

// Relative returns the part of p below ancestor ("c.d" for "a.b.c.d" under
// "a.b"), or false when ancestor is not a strict ancestor of p.
func (p Path) Relative(ancestor Path) (string, bool) {
	if !p.HasPrefix(ancestor) {
		return "", false
	}
	return string(p[len(ancestor)+1:]), true
}
