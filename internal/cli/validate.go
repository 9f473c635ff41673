package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/floorstate/internal/config"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
}

// ConfigSummary describes a loaded configuration.
type ConfigSummary struct {
	File       string   `json:"file"`
	Remote     string   `json:"remote"`
	Fields     []string `json:"fields"`
	RulePaths  []string `json:"rule_paths"`
	BatchSize  int      `json:"batch_size"`
	SyncDelay  string   `json:"sync_delay"`
	MaxRetries int      `json:"max_retries"`
	Schedule   string   `json:"retry_failed_schedule,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Check a configuration file",
		Long: `Load a YAML or CUE configuration, apply FLOORSTATE_* environment
overrides and validate it.

Exit codes:
  0 - Configuration is valid
  1 - Configuration is invalid
  2 - File could not be read

Examples:
  floorstate validate ./floorstate.yaml
  floorstate validate ./floorstate.cue --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	p := opts.printer(cmd)

	cfg, err := config.Load(path)
	if err != nil {
		var le *config.LoadError
		if !errors.As(err, &le) {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		details := map[string]any{"file": le.File}
		if le.Line > 0 {
			details["line"] = le.Line
		}
		_ = p.Fail(le.Code, le.Message, nil, details, nil)
		code := ExitFailure
		if le.Code == config.ErrCodeRead {
			code = ExitCommandError
		}
		return WrapExitError(code, "invalid configuration", err)
	}

	sum := summarize(path, cfg)
	return p.OK(sum, func(w io.Writer) { printSummary(w, sum) })
}

func summarize(path string, cfg config.Config) ConfigSummary {
	sum := ConfigSummary{
		File:       path,
		Remote:     cfg.Remote.Kind,
		Fields:     make([]string, 0, len(cfg.Sync.Fields)),
		RulePaths:  make([]string, 0, len(cfg.Validation.Rules)),
		BatchSize:  cfg.Sync.BatchSize,
		SyncDelay:  cfg.Sync.SyncDelay.Std().String(),
		MaxRetries: cfg.Sync.Retry.MaxRetries,
		Schedule:   cfg.Sync.RetryFailedSchedule,
	}
	for p, f := range cfg.Sync.Fields {
		sum.Fields = append(sum.Fields, p+" -> "+f)
	}
	for p := range cfg.Validation.Rules {
		sum.RulePaths = append(sum.RulePaths, p)
	}
	sort.Strings(sum.Fields)
	sort.Strings(sum.RulePaths)
	return sum
}

func printSummary(w io.Writer, sum ConfigSummary) {
	fmt.Fprintf(w, "✓ %s is valid\n", sum.File)
	fmt.Fprintf(w, "  remote: %s\n", sum.Remote)
	fmt.Fprintf(w, "  batching: %d items, %s debounce, %d attempts\n", sum.BatchSize, sum.SyncDelay, sum.MaxRetries)
	if sum.Schedule != "" {
		fmt.Fprintf(w, "  retry failed: %s\n", sum.Schedule)
	}
	fmt.Fprintf(w, "  synced fields (%d):\n", len(sum.Fields))
	for _, f := range sum.Fields {
		fmt.Fprintf(w, "    %s\n", f)
	}
	fmt.Fprintf(w, "  validated paths (%d):\n", len(sum.RulePaths))
	for _, p := range sum.RulePaths {
		fmt.Fprintf(w, "    %s\n", p)
	}
}
