package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/floorstate/internal/keypath"
	"github.com/roach88/floorstate/internal/syncer"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLOORSTATE_"

// Error codes carried by LoadError.
const (
	ErrCodeRead     = "C001" // file could not be read
	ErrCodeSyntax   = "C002" // YAML or CUE syntax error
	ErrCodeSchema   = "C003" // CUE schema violation
	ErrCodeDecode   = "C004" // value could not be decoded into Config
	ErrCodeEnv      = "C005" // environment override could not be parsed
	ErrCodeInvalid  = "C006" // semantic validation failed
	ErrCodeSchedule = "C007" // retry_failed_schedule is not a cron expression
)

// LoadError describes a configuration failure.
type LoadError struct {
	Code    string
	Message string
	File    string
	Line    int
	Err     error
}

func (e *LoadError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	b.WriteString(": ")
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
		}
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

func (e *LoadError) Unwrap() error { return e.Err }

// Load reads path (YAML or CUE, chosen by extension), applies environment
// overrides and validates the result. An empty path yields the defaults
// plus environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, &LoadError{Code: ErrCodeRead, File: path, Message: err.Error(), Err: err}
		}
		if err := decodeInto(&cfg, path, data); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, os.Environ()); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		var le *LoadError
		if errors.As(err, &le) && le.File == "" {
			le.File = path
		}
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes data as the given format ("yaml" or "cue") over the defaults
// and validates it. Environment variables are not consulted.
func Parse(data []byte, format string) (Config, error) {
	cfg := Default()
	if err := decodeInto(&cfg, "config."+format, data); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeInto(cfg *Config, name string, data []byte) error {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cue":
		return decodeCUE(cfg, name, data)
	default:
		return decodeYAML(cfg, name, data)
	}
}

func decodeYAML(cfg *Config, name string, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		le := &LoadError{Code: ErrCodeSyntax, File: name, Message: err.Error(), Err: err}
		var te *yaml.TypeError
		if errors.As(err, &te) {
			le.Code = ErrCodeDecode
		}
		return le
	}
	return nil
}

// decodeCUE unifies the file with #Config, then round-trips the concrete
// value through JSON so Duration and RuleSpec decode the same way as YAML.
func decodeCUE(cfg *Config, name string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	v := ctx.CompileBytes(data, cue.Filename(name))
	if err := v.Err(); err != nil {
		return cueLoadError(ErrCodeSyntax, name, err)
	}
	v = schema.LookupPath(cue.ParsePath("#Config")).Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return cueLoadError(ErrCodeSchema, name, err)
	}
	raw, err := v.MarshalJSON()
	if err != nil {
		return cueLoadError(ErrCodeDecode, name, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return &LoadError{Code: ErrCodeDecode, File: name, Message: err.Error(), Err: err}
	}
	return nil
}

func cueLoadError(code, name string, err error) *LoadError {
	le := &LoadError{Code: code, File: name, Message: err.Error(), Err: err}
	if errs := cueerrors.Errors(err); len(errs) > 0 {
		le.Message = errs[0].Error()
		if pos := errs[0].Position(); pos.IsValid() {
			le.Line = pos.Line()
		}
	}
	return le
}

// envOverrides holds the scalar settings that can come from the environment.
// Pointers distinguish "unset" from zero values.
type envOverrides struct {
	BatchSize           *int      `env:"SYNC_BATCH_SIZE"`
	SyncDelay           *Duration `env:"SYNC_DELAY"`
	MaxRetries          *int      `env:"SYNC_MAX_RETRIES"`
	RetryFailedSchedule *string   `env:"SYNC_RETRY_FAILED_SCHEDULE"`
	RemoteKind          *string   `env:"REMOTE_KIND"`
	RemoteURL           *string   `env:"REMOTE_URL"`
	RemotePath          *string   `env:"REMOTE_PATH"`
	RemoteTimeout       *Duration `env:"REMOTE_TIMEOUT"`
	LogLevel            *string   `env:"LOG_LEVEL"`
	LogFormat           *string   `env:"LOG_FORMAT"`
}

func applyEnv(cfg *Config, environ []string) error {
	var o envOverrides
	err := env.ParseWithOptions(&o, env.Options{
		Prefix:      EnvPrefix,
		Environment: env.ToMap(environ),
	})
	if err != nil {
		return &LoadError{Code: ErrCodeEnv, Message: err.Error(), Err: err}
	}
	set(&cfg.Sync.BatchSize, o.BatchSize)
	set(&cfg.Sync.SyncDelay, o.SyncDelay)
	set(&cfg.Sync.Retry.MaxRetries, o.MaxRetries)
	set(&cfg.Sync.RetryFailedSchedule, o.RetryFailedSchedule)
	set(&cfg.Remote.Kind, o.RemoteKind)
	set(&cfg.Remote.URL, o.RemoteURL)
	set(&cfg.Remote.Path, o.RemotePath)
	set(&cfg.Remote.Timeout, o.RemoteTimeout)
	set(&cfg.Log.Level, o.LogLevel)
	set(&cfg.Log.Format, o.LogFormat)
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

var structValidator = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(yamlName)
	return v
}()

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			msgs := make([]string, 0, len(ve))
			for _, fe := range ve {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", trimRoot(fe.Namespace()), fe.Tag()))
			}
			return &LoadError{Code: ErrCodeInvalid, Message: strings.Join(msgs, "; "), Err: err}
		}
		return &LoadError{Code: ErrCodeInvalid, Message: err.Error(), Err: err}
	}
	if _, ok := c.Sync.Priorities["normal"]; !ok {
		return invalid("sync.priorities must define \"normal\"")
	}
	for p, name := range c.Sync.PathPriorities {
		if _, ok := c.Sync.Priorities[name]; !ok {
			return invalid(fmt.Sprintf("sync.path_priorities[%s]: unknown priority %q", p, name))
		}
	}
	if _, err := syncer.NewFieldMap(c.SyncerConfig().Fields); err != nil {
		return invalid(fmt.Sprintf("sync.fields: %v", err))
	}
	for k, raw := range c.Bootstrap.Mapping {
		p, err := keypath.Parse(raw)
		if err == nil && p.IsWildcard() {
			err = fmt.Errorf("path %s: wildcards cannot be bootstrap targets", p)
		}
		if err != nil {
			return invalid(fmt.Sprintf("bootstrap.mapping[%s]: %v", k, err))
		}
	}
	if expr := c.Sync.RetryFailedSchedule; expr != "" && !gronx.New().IsValid(expr) {
		return &LoadError{Code: ErrCodeSchedule, Message: fmt.Sprintf("sync.retry_failed_schedule %q is not a valid cron expression", expr)}
	}
	return nil
}

// yamlName reports fields by their YAML key.
func yamlName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

func invalid(msg string) error {
	return &LoadError{Code: ErrCodeInvalid, Message: msg}
}

func trimRoot(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
