package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/spf13/cobra"

	"github.com/kamusis/nix-query/internal/cachemgr"
	"github.com/kamusis/nix-query/internal/cachestore"
	"github.com/kamusis/nix-query/internal/config"
	"github.com/kamusis/nix-query/internal/evaluator"
	"github.com/kamusis/nix-query/internal/logging"
	"github.com/kamusis/nix-query/internal/pkgmeta"
)

// app holds the collaborators shared by the commands of one invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	gate    *logging.Gate
	store   *cachestore.Store
	channel pkgmeta.Channel
	eval    *evaluator.NixEnv
	manager *cachemgr.Manager
}

// newStoreApp loads the config and opens the cache store. It does not
// resolve a channel, so it works with a config that names none.
func newStoreApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("cannot load config: %w\nRun 'nix-query init' to write a fresh one.", err)
	}

	logCfg, err := loggingConfig(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	logger, gate := logging.New(logCfg)

	dir, err := cfg.ResolveCacheDir()
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		gate:   gate,
		store:  cachestore.New(dir),
	}, nil
}

// loggingConfig reads NIX_QUERY_LOG_LEVEL and NIX_QUERY_LOG_FORMAT. The level
// defaults to warn; -v and NIX_QUERY_DEBUG force debug.
func loggingConfig(w io.Writer) (logging.Config, error) {
	cfg := logging.Config{Level: slog.LevelWarn, Writer: w}

	level, err := config.GetConfigValue(config.EnvLogLevel)
	if err != nil {
		return cfg, err
	}
	if level != "" {
		if cfg.Level, err = logging.ParseLevel(level); err != nil {
			return cfg, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "%s", config.EnvLogLevel)
		}
	}
	if flagVerbose || config.DebugEnabled() {
		cfg.Level = slog.LevelDebug
	}

	format, err := config.GetConfigValue(config.EnvLogFormat)
	if err != nil {
		return cfg, err
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
	case "json":
		cfg.JSON = true
	default:
		return cfg, platformerrors.Newf(platformerrors.CodeInvalidConfig, "%s: unknown log format %q", config.EnvLogFormat, format)
	}
	return cfg, nil
}

// newApp additionally resolves the channel and wires the evaluator and
// cache manager.
func newApp(cmd *cobra.Command) (*app, error) {
	a, err := newStoreApp(cmd)
	if err != nil {
		return nil, err
	}
	a.channel, err = a.cfg.ResolveChannel(flagChannel)
	if err != nil {
		return nil, err
	}
	timeout, err := a.cfg.ResolveEvalTimeout()
	if err != nil {
		return nil, err
	}

	a.eval = evaluator.NewNixEnv(
		evaluator.WithBinary(a.cfg.Evaluator),
		evaluator.WithTimeout(timeout),
		evaluator.WithLogger(a.logger.With("component", "evaluator")),
	)
	a.manager = cachemgr.New(a.store, a.eval,
		cachemgr.WithLogger(a.logger.With("component", "cache")),
	)
	a.logger.Debug("resolved channel", "channel", a.channel.Name, "root", a.channel.Root, "cache", a.store.Path(a.channel.Name))
	return a, nil
}
