package keypath

// Lookup walks tree along p. Missing keys and non-map intermediates yield
// (nil, false).
func Lookup(tree map[string]any, p Path) (any, bool) {
	if tree == nil {
		return nil, false
	}
	segs := p.Segments()
	if len(segs) == 0 {
		return nil, false
	}
	var cur any = tree
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Assign writes v at p, creating intermediate maps as needed. A non-map
// value sitting on an intermediate segment is replaced by a map.
//
// Assigning nil deletes the leaf key; missing intermediates are not created
// for a delete.
func Assign(tree map[string]any, p Path, v any) {
	segs := p.Segments()
	if len(segs) == 0 {
		return
	}
	cur := tree
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			if v == nil {
				return
			}
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	leaf := segs[len(segs)-1]
	if v == nil {
		delete(cur, leaf)
		return
	}
	cur[leaf] = v
}
