package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/floorstate/internal/harness"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <scenario.yaml>",
		Short: "Replay a scenario and print its trace",
		Long: `Replay a scenario on a fake clock against an in-memory remote and print
every step, remote write and sync event.

Exit codes:
  0 - All assertions held
  1 - One or more assertions failed
  2 - Command error (missing or malformed scenario)

Examples:
  floorstate replay ./scenarios/retry.yaml
  floorstate replay ./scenarios/retry.yaml --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}
	return cmd
}

func runReplay(opts *ReplayOptions, path string, cmd *cobra.Command) error {
	p := opts.printer(cmd)

	s, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	result, err := harness.Run(s)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to run scenario", err)
	}

	if !result.Pass {
		_ = p.Fail("E_ASSERTION", fmt.Sprintf("%d assertion(s) failed", len(result.Errors)), result, result.Errors,
			func(w io.Writer) { printTrace(w, result) })
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", s.Name))
	}
	return p.OK(result, func(w io.Writer) { printTrace(w, result) })
}

func printTrace(w io.Writer, r *harness.Result) {
	t := r.Trace
	fmt.Fprintf(w, "Scenario: %s\n", t.Scenario)

	fmt.Fprintln(w, "\nSteps:")
	for _, s := range t.Steps {
		line := fmt.Sprintf("  [%d] %-6s %-12s %s", s.Index, s.At, s.Op, s.Detail)
		if s.Error != "" {
			line += "  ✗ " + s.Error
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}

	fmt.Fprintln(w, "\nWrites:")
	if len(t.Writes) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, wr := range t.Writes {
		mark := "✓"
		if wr.Error != "" {
			mark = "✗"
		}
		fmt.Fprintf(w, "  %s %-6s %s %s %s\n", mark, wr.At, wr.Batch, render(wr.Fields), strings.Join(wr.Items, ","))
	}

	fmt.Fprintln(w, "\nEvents:")
	if len(t.Events) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, ev := range t.Events {
		fmt.Fprintf(w, "  %-6s %-13s %s\n", ev.At, ev.Name, ev.Detail)
	}

	f := t.Final
	fmt.Fprintln(w, "\nFinal:")
	fmt.Fprintf(w, "  queue: %d queued, %d pending, %d failed\n", f.Queued, f.Pending, f.Failed)
	fmt.Fprintf(w, "  synced: %d items in %d batches (%d failed batches)\n", f.Succeeded, f.Batches, f.FailedBatches)
	fmt.Fprintf(w, "  remote: %s\n", render(f.Remote))
	for _, fl := range f.Failures {
		fmt.Fprintf(w, "  failed: %s %s -> %s after %d attempts: %s\n", fl.Item, fl.Path, fl.Field, fl.Retries, fl.Error)
	}

	if r.Pass {
		fmt.Fprintln(w, "\n✓ All assertions passed")
		return
	}
	fmt.Fprintln(w)
	for _, e := range r.Errors {
		fmt.Fprintf(w, "✗ %s\n", e)
	}
}
