package validate

import (
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/roach88/floorstate/internal/keypath"
	"github.com/roach88/floorstate/internal/metrics"
	"github.com/roach88/floorstate/internal/value"
)

// DefaultCacheTTL is how long a Result stays cached.
const DefaultCacheTTL = 5 * time.Second

// Result is the combined outcome of a path's rules.
type Result struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type cacheEntry struct {
	result  Result
	expires time.Time
}

// Engine evaluates rules per path.
//
// Thread-safety: safe for concurrent use. Custom rule functions are called
// without the engine lock held.
type Engine struct {
	mu      sync.Mutex
	rules   map[keypath.Path][]Rule
	customs map[string]CustomFunc
	cache   map[keypath.Path]map[string]cacheEntry
	ttl     time.Duration

	clock   clockz.Clock
	metrics *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithCacheTTL sets the cache lifetime. Zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(e *Engine) { e.ttl = d }
}

// WithClock sets the clock used for cache expiry.
func WithClock(c clockz.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics enables prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine with no rules.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		rules:   make(map[keypath.Path][]Rule),
		customs: make(map[string]CustomFunc),
		cache:   make(map[keypath.Path]map[string]cacheEntry),
		ttl:     DefaultCacheTTL,
		clock:   clockz.RealClock,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DefineRules replaces the rule set for p and drops its cached results.
// Passing no rules removes validation for p.
func (e *Engine) DefineRules(p keypath.Path, rules ...Rule) error {
	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		if err := r.compile(); err != nil {
			return fmt.Errorf("rule %d for %s: %w", i, p, err)
		}
		compiled[i] = r
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(compiled) == 0 {
		delete(e.rules, p)
	} else {
		e.rules[p] = compiled
	}
	delete(e.cache, p)
	return nil
}

// HasRules reports whether p has a rule set.
func (e *Engine) HasRules(p keypath.Path) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rules[p]) > 0
}

// Paths returns every path with rules.
func (e *Engine) Paths() []keypath.Path {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]keypath.Path, 0, len(e.rules))
	for p := range e.rules {
		out = append(out, p)
	}
	return out
}

// Validate evaluates the rules for p against v.
//
// Rules whose Condition returns false are skipped. Apart from required
// rules, nothing is checked on an empty value: "not filled in yet" is a
// required-rule concern. A path without rules is valid.
func (e *Engine) Validate(p keypath.Path, v any, ctx Context) Result {
	key := value.Key(v) + "|" + value.Key(ctx)
	now := e.clock.Now()

	e.mu.Lock()
	rules := e.rules[p]
	if entry, ok := e.cache[p][key]; ok && now.Before(entry.expires) {
		e.mu.Unlock()
		e.metrics.ValidationCache(true)
		return entry.result
	}
	e.mu.Unlock()
	e.metrics.ValidationCache(false)

	res := evaluate(rules, v, ctx)

	if e.ttl > 0 {
		e.mu.Lock()
		// Rules may have been redefined while we evaluated.
		if sameRules(e.rules[p], rules) {
			if e.cache[p] == nil {
				e.cache[p] = make(map[string]cacheEntry)
			}
			e.cache[p][key] = cacheEntry{result: res, expires: now.Add(e.ttl)}
		}
		e.mu.Unlock()
	}
	return res
}

// ValidateAll validates several paths with a shared context.
func (e *Engine) ValidateAll(values map[keypath.Path]any, ctx Context) map[keypath.Path]Result {
	out := make(map[keypath.Path]Result, len(values))
	for p, v := range values {
		out[p] = e.Validate(p, v, ctx)
	}
	return out
}

// ClearCache drops every cached result.
func (e *Engine) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[keypath.Path]map[string]cacheEntry)
}

func evaluate(rules []Rule, v any, ctx Context) Result {
	res := Result{Valid: true}
	empty := isEmpty(v)
	for _, r := range rules {
		if r.Condition != nil && !r.Condition(ctx) {
			continue
		}
		if empty && r.Kind != KindRequired {
			continue
		}
		out := r.check(v, ctx)
		if !out.Valid {
			res.Valid = false
			if out.Error != "" {
				res.Errors = append(res.Errors, out.Error)
			}
		}
		if out.Warning != "" {
			res.Warnings = append(res.Warnings, out.Warning)
		}
	}
	return res
}

func sameRules(a, b []Rule) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}
