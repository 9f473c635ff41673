// Package bootstrap seeds the state store from a flat session snapshot.
//
// Loads are written with state.SourceSystem so the sync engine, which only
// reacts to user writes, does not echo freshly loaded data back to the
// remote.
package bootstrap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/floorstate/internal/keypath"
	"github.com/roach88/floorstate/internal/state"
)

// SessionRoot holds unmapped snapshot keys when Options.KeepUnmapped is set.
const SessionRoot keypath.Path = "session"

// Mapping maps snapshot keys to store paths.
type Mapping map[string]keypath.Path

// Options tunes Load.
type Options struct {
	// KeepUnmapped writes keys without a mapping to session.<key>.
	KeepUnmapped bool
}

// Result summarizes a load.
type Result struct {
	Written  int
	Unmapped []string
}

// Load writes every mapped snapshot key into the store with SourceSystem.
// Keys are applied in sorted order so overlapping paths resolve the same way
// on every run.
func Load(s *state.Store, snapshot map[string]any, m Mapping, opts Options) (Result, error) {
	for key, p := range m {
		if _, err := keypath.Parse(string(p)); err != nil || p.IsWildcard() {
			return Result{}, fmt.Errorf("bootstrap: key %q maps to invalid path %q", key, p)
		}
	}

	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var res Result
	for _, key := range keys {
		p, ok := m[key]
		if !ok {
			res.Unmapped = append(res.Unmapped, key)
			if !opts.KeepUnmapped {
				continue
			}
			p = SessionRoot.Child(key)
		}
		if s.Set(p, snapshot[key], state.SourceSystem) {
			res.Written++
		}
	}
	return res, nil
}

// ReadSnapshot decodes a flat key/value snapshot. JSON is detected by a
// leading '{'; anything else is parsed as YAML.
func ReadSnapshot(r io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: read snapshot: %w", err)
	}
	snapshot := map[string]any{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return snapshot, nil
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &snapshot); err != nil {
			return nil, fmt.Errorf("bootstrap: decode json snapshot: %w", err)
		}
		return snapshot, nil
	}
	if err := yaml.Unmarshal(trimmed, &snapshot); err != nil {
		return nil, fmt.Errorf("bootstrap: decode yaml snapshot: %w", err)
	}
	return snapshot, nil
}
