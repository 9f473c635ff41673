package app

import (
	"fmt"
	"log/slog"

	"github.com/zoobzio/clockz"

	"github.com/roach88/floorstate/internal/config"
	"github.com/roach88/floorstate/internal/journal"
	"github.com/roach88/floorstate/internal/remote"
	"github.com/roach88/floorstate/internal/syncer"
)

// OpenRemote builds the remote selected by cfg. The returned close function
// releases its resources and is never nil.
func OpenRemote(cfg config.Remote, clock clockz.Clock, logger *slog.Logger) (syncer.Remote, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Kind {
	case config.RemoteMemory, "":
		return remote.NewMemory(), noop, nil
	case config.RemoteHTTP:
		opts := []remote.HTTPOption{remote.WithLogger(logger)}
		if cfg.Timeout > 0 {
			opts = append(opts, remote.WithTimeout(cfg.Timeout.Std()))
		}
		for k, v := range cfg.Headers {
			opts = append(opts, remote.WithHeader(k, v))
		}
		return remote.NewHTTP(cfg.URL, opts...), noop, nil
	case config.RemoteSQLite:
		j, err := journal.Open(cfg.Path, journal.WithClock(clock), journal.WithLogger(logger))
		if err != nil {
			return nil, noop, fmt.Errorf("open journal %s: %w", cfg.Path, err)
		}
		return j, j.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown remote kind %q", cfg.Kind)
	}
}
