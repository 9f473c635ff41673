package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/floorstate/internal/journal"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Limit int // show only the most recent N batches
}

// InspectResult is the content of a journal.
type InspectResult struct {
	Batches []journal.Record `json:"batches"`
	Total   int              `json:"total"`
	Fields  map[string]any   `json:"fields"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <journal.db>",
		Short: "List batches and field values in a SQLite journal",
		Long: `Show what a sqlite remote has received: every batch in write order and
the latest value of each remote field.

Examples:
  floorstate inspect ./journal.db
  floorstate inspect ./journal.db --limit 5 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "show only the most recent N batches")

	return cmd
}

func runInspect(opts *InspectOptions, path string, cmd *cobra.Command) error {
	// Open would create a missing database.
	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, "journal not found", err)
	}
	j, err := journal.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer j.Close()

	ctx := cmd.Context()
	batches, err := j.Batches(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read batches", err)
	}
	fields, err := j.Fields(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read fields", err)
	}

	result := InspectResult{Batches: batches, Total: len(batches), Fields: fields}
	if opts.Limit > 0 && len(batches) > opts.Limit {
		result.Batches = batches[len(batches)-opts.Limit:]
	}
	return opts.printer(cmd).OK(result, func(w io.Writer) { printInspect(w, result) })
}

func printInspect(w io.Writer, r InspectResult) {
	if r.Total == 0 {
		fmt.Fprintln(w, "Journal is empty.")
		return
	}
	fmt.Fprintf(w, "Batches (%d of %d):\n", len(r.Batches), r.Total)
	for _, b := range r.Batches {
		fmt.Fprintf(w, "  #%d %s  %s  %d item(s)\n", b.Seq, b.WrittenAt.UTC().Format(time.RFC3339), b.ID, len(b.Items))
		names := make([]string, 0, len(b.Fields))
		for n := range b.Fields {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(w, "      %s = %s\n", n, render(b.Fields[n]))
		}
	}

	fmt.Fprintln(w, "\nFields:")
	names := make([]string, 0, len(r.Fields))
	width := 0
	for n := range r.Fields {
		names = append(names, n)
		width = max(width, len(n))
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "  %s%s  %s\n", n, strings.Repeat(" ", width-len(n)), render(r.Fields[n]))
	}
}
