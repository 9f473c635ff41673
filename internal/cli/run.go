package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/zoobzio/clockz"

	"github.com/roach88/floorstate/internal/app"
	"github.com/roach88/floorstate/internal/bootstrap"
	"github.com/roach88/floorstate/internal/config"
	"github.com/roach88/floorstate/internal/keypath"
	"github.com/roach88/floorstate/internal/state"
	"github.com/roach88/floorstate/internal/syncer"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config      string
	Snapshot    string
	MetricsAddr string
	Watch       bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a station session reading edits from stdin",
		Long: `Start the state store and sync engine against the configured remote and
apply operator edits read from stdin, one per line:

  path=value    set a value (JSON if it parses, otherwise a string)
  <blank line>  commit: flush pending edits now
  !status       print sync status
  !retry        requeue permanently failed items
  # comment     ignored

Edits are also synced on the debounce timer. At end of input pending
edits are flushed once more before exit.

Examples:
  floorstate run --config ./floorstate.yaml < edits.txt
  floorstate run --config ./floorstate.yaml --snapshot session.json --metrics-addr :9102`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "path to YAML or CUE config")
	cmd.Flags().StringVar(&opts.Snapshot, "snapshot", "", "session snapshot (JSON or YAML) to bootstrap from")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "reload validation rules when the config file changes")

	return cmd
}

func runSession(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := opts.logger(cmd, cfg.Log.Level, cfg.Log.Format)

	remote, closeRemote, err := app.OpenRemote(cfg.Remote, clockz.RealClock, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open remote", err)
	}
	defer func() {
		if err := closeRemote(); err != nil {
			logger.Error("error closing remote", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a, err := app.New(cfg, remote, app.WithLogger(logger), app.WithRegistry(reg))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build app", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.Snapshot != "" {
		if err := loadSnapshot(a, opts.Snapshot); err != nil {
			return WrapExitError(ExitCommandError, "failed to load snapshot", err)
		}
	}

	if err := a.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer a.Stop()

	if opts.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", opts.MetricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", "addr", opts.MetricsAddr)
	}

	if opts.Watch && opts.Config != "" {
		updates, err := config.Watch(ctx, opts.Config, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to watch config", err)
		}
		go func() {
			for next := range updates {
				if err := a.ReloadRules(next.Validation.Rules); err != nil {
					logger.Warn("rules not reloaded", "error", err)
				}
			}
		}()
	}

	s := &session{app: a, out: cmd.OutOrStdout(), logger: logger}
	s.consume(ctx, cmd.InOrStdin())

	// Final commit, then report.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.flush(flushCtx)
	s.status()
	return nil
}

func loadSnapshot(a *app.App, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	snap, err := bootstrap.ReadSnapshot(f)
	if err != nil {
		return err
	}
	_, err = a.Bootstrap(snap)
	return err
}

// session applies stdin edits to a running app.
type session struct {
	app    *app.App
	out    io.Writer
	logger *slog.Logger
}

func (s *session) consume(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			s.handle(ctx, line)
		}
	}
}

func (s *session) handle(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		s.flush(ctx)
	case strings.HasPrefix(line, "#"):
	case line == "!status":
		s.status()
	case line == "!retry":
		fmt.Fprintf(s.out, "requeued %d failed item(s)\n", s.app.Sync.RetryFailed())
	default:
		s.set(line)
	}
}

func (s *session) set(line string) {
	raw, val, ok := strings.Cut(line, "=")
	if !ok {
		fmt.Fprintf(s.out, "✗ expected path=value, got %q\n", line)
		return
	}
	p, err := keypath.Parse(strings.TrimSpace(raw))
	if err != nil || p.IsWildcard() {
		fmt.Fprintf(s.out, "✗ invalid path %q\n", raw)
		return
	}
	v := parseValue(strings.TrimSpace(val))
	if !s.app.Store.Set(p, v, state.SourceUser) {
		fmt.Fprintf(s.out, "= %s unchanged\n", p)
		return
	}
	fmt.Fprintf(s.out, "• %s = %s\n", p, render(s.app.Store.Get(p, nil)))

	if rec, ok := state.Lookup[map[string]any](s.app.Store, state.ValidationRoot.Child(string(p))); ok {
		for _, e := range asStrings(rec["errors"]) {
			fmt.Fprintf(s.out, "  ✗ %s\n", e)
		}
		for _, w := range asStrings(rec["warnings"]) {
			fmt.Fprintf(s.out, "  ⚠ %s\n", w)
		}
	}
}

func (s *session) flush(ctx context.Context) {
	before := s.app.Sync.Status()
	err := s.app.Flush(ctx)
	switch {
	case errors.Is(err, syncer.ErrPassInFlight):
		fmt.Fprintln(s.out, "… sync already in progress")
	case err != nil:
		fmt.Fprintf(s.out, "✗ sync failed: %v\n", err)
	default:
		after := s.app.Sync.Status()
		if n := after.Succeeded - before.Succeeded; n > 0 {
			fmt.Fprintf(s.out, "✓ synced %d item(s)\n", n)
		}
	}
}

func (s *session) status() {
	st := s.app.Sync.Status()
	fmt.Fprintf(s.out, "status: %d queued, %d pending, %d failed, %d synced in %d batch(es)\n",
		st.Queued, st.Pending, st.Failed, st.Succeeded, st.Batches)
	if st.LastError != "" {
		fmt.Fprintf(s.out, "last error: %s\n", st.LastError)
	}
}

// parseValue reads JSON scalars and documents; anything else is a string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func asStrings(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
