// Package config loads floorstate configuration from YAML or CUE files with
// environment overrides.
//
// Precedence, lowest first: built-in defaults, the config file, FLOORSTATE_*
// environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/floorstate/internal/keypath"
	"github.com/roach88/floorstate/internal/syncer"
	"github.com/roach88/floorstate/internal/validate"
)

// Remote kinds.
const (
	RemoteHTTP   = "http"
	RemoteSQLite = "sqlite"
	RemoteMemory = "memory"
)

// Duration is a time.Duration that reads "1s"-style strings from YAML, CUE,
// JSON and the environment.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalJSON accepts a duration string or a number of milliseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration must be a string like \"1s\" or milliseconds: %s", b)
	}
	*d = Duration(time.Duration(ms * float64(time.Millisecond)))
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full configuration.
type Config struct {
	Sync       Sync       `yaml:"sync" json:"sync"`
	Store      Store      `yaml:"store" json:"store"`
	Bus        Bus        `yaml:"bus" json:"bus"`
	Commands   Commands   `yaml:"commands" json:"commands"`
	Validation Validation `yaml:"validation" json:"validation"`
	Remote     Remote     `yaml:"remote" json:"remote"`
	Bootstrap  Bootstrap  `yaml:"bootstrap" json:"bootstrap"`
	Log        Log        `yaml:"log" json:"log"`
}

// Sync configures the sync engine.
type Sync struct {
	BatchSize  int            `yaml:"batch_size" json:"batch_size" validate:"min=1"`
	SyncDelay  Duration       `yaml:"sync_delay" json:"sync_delay" validate:"gte=0"`
	Retry      Retry          `yaml:"retry" json:"retry"`
	Priorities map[string]int `yaml:"priorities" json:"priorities" validate:"required,dive,gte=0"`
	// Fields maps store paths to remote field names.
	Fields map[string]string `yaml:"fields" json:"fields" validate:"dive,required"`
	// PathPriorities maps store paths (or "<path>.*") to priority names.
	PathPriorities map[string]string `yaml:"path_priorities" json:"path_priorities"`
	// RetryFailedSchedule is an optional cron expression on which failed
	// items are requeued.
	RetryFailedSchedule string `yaml:"retry_failed_schedule" json:"retry_failed_schedule"`
}

// Retry configures backoff.
type Retry struct {
	MaxRetries        int      `yaml:"max_retries" json:"max_retries" validate:"min=1"`
	BaseDelay         Duration `yaml:"base_delay" json:"base_delay" validate:"gt=0"`
	MaxDelay          Duration `yaml:"max_delay" json:"max_delay" validate:"gtefield=BaseDelay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier" json:"backoff_multiplier" validate:"gte=1"`
}

// Store configures the state store.
type Store struct {
	MaxHistory int `yaml:"max_history" json:"max_history" validate:"min=1"`
}

// Bus configures the event bus.
type Bus struct {
	MaxHistory int `yaml:"max_history" json:"max_history" validate:"min=1"`
}

// Commands configures the dispatcher.
type Commands struct {
	MaxLog int `yaml:"max_log" json:"max_log" validate:"min=1"`
}

// Validation configures the validation engine.
type Validation struct {
	CacheTTL Duration                       `yaml:"cache_ttl" json:"cache_ttl" validate:"gte=0"`
	Rules    map[string][]validate.RuleSpec `yaml:"rules" json:"rules" validate:"dive,dive"`
}

// Remote selects the sync backend.
type Remote struct {
	Kind    string            `yaml:"kind" json:"kind" validate:"oneof=http sqlite memory"`
	URL     string            `yaml:"url" json:"url" validate:"required_if=Kind http,omitempty,url"`
	Path    string            `yaml:"path" json:"path" validate:"required_if=Kind sqlite"`
	Timeout Duration          `yaml:"timeout" json:"timeout" validate:"gte=0"`
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// Bootstrap maps session snapshot keys to store paths.
type Bootstrap struct {
	Mapping      map[string]string `yaml:"mapping" json:"mapping"`
	KeepUnmapped bool              `yaml:"keep_unmapped" json:"keep_unmapped"`
}

// Log configures the CLI logger.
type Log struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`
}

// Default returns the built-in configuration.
func Default() Config {
	sc := syncer.DefaultConfig()
	return Config{
		Sync: Sync{
			BatchSize: sc.BatchSize,
			SyncDelay: Duration(sc.SyncDelay),
			Retry: Retry{
				MaxRetries:        sc.Retry.MaxRetries,
				BaseDelay:         Duration(sc.Retry.BaseDelay),
				MaxDelay:          Duration(sc.Retry.MaxDelay),
				BackoffMultiplier: sc.Retry.BackoffMultiplier,
			},
			Priorities:     sc.Priorities,
			Fields:         map[string]string{},
			PathPriorities: map[string]string{},
		},
		Store:      Store{MaxHistory: 100},
		Bus:        Bus{MaxHistory: 100},
		Commands:   Commands{MaxLog: 100},
		Validation: Validation{CacheTTL: Duration(validate.DefaultCacheTTL)},
		Remote:     Remote{Kind: RemoteMemory},
		Log:        Log{Level: "info", Format: "text"},
	}
}

// SyncerConfig converts the sync section for syncer.New.
func (c Config) SyncerConfig() syncer.Config {
	fields := make(map[keypath.Path]string, len(c.Sync.Fields))
	for p, f := range c.Sync.Fields {
		fields[keypath.Path(p)] = f
	}
	prios := make(map[keypath.Path]string, len(c.Sync.PathPriorities))
	for p, name := range c.Sync.PathPriorities {
		prios[keypath.Path(p)] = name
	}
	return syncer.Config{
		BatchSize: c.Sync.BatchSize,
		SyncDelay: c.Sync.SyncDelay.Std(),
		Retry: syncer.RetryPolicy{
			MaxRetries:        c.Sync.Retry.MaxRetries,
			BaseDelay:         c.Sync.Retry.BaseDelay.Std(),
			MaxDelay:          c.Sync.Retry.MaxDelay.Std(),
			BackoffMultiplier: c.Sync.Retry.BackoffMultiplier,
		},
		Priorities:     c.Sync.Priorities,
		Fields:         fields,
		PathPriorities: prios,
	}
}

// BootstrapMapping converts the bootstrap mapping to store paths.
func (c Config) BootstrapMapping() map[string]keypath.Path {
	out := make(map[string]keypath.Path, len(c.Bootstrap.Mapping))
	for k, p := range c.Bootstrap.Mapping {
		out[k] = keypath.Path(p)
	}
	return out
}
