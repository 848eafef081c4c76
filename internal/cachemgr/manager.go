// Package cachemgr decides between the on-disk cache and a fresh evaluation
// of a channel.
package cachemgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/kamusis/nix-query/internal/cachestore"
	"github.com/kamusis/nix-query/internal/evaluator"
	"github.com/kamusis/nix-query/internal/pkgmeta"
)

// Source tells where a Result's generation came from.
type Source int

const (
	SourceCache Source = iota
	SourceEvaluated
	// SourceStale is a cached generation served because a forced
	// re-evaluation failed.
	SourceStale
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceEvaluated:
		return "evaluated"
	case SourceStale:
		return "stale"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// Result is the outcome of GetOrRefresh. Warnings are non-fatal problems
// the caller should report once.
type Result struct {
	Generation *pkgmeta.Generation
	Source     Source
	Warnings   []error
}

// Manager serves generations from a Store, evaluating on a miss.
type Manager struct {
	store     *cachestore.Store
	evaluator evaluator.Evaluator
	logger    *slog.Logger
	heartbeat time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithHeartbeat sets how often a running evaluation is logged.
func WithHeartbeat(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.heartbeat = d
		}
	}
}

// New returns a manager over store and ev.
func New(store *cachestore.Store, ev evaluator.Evaluator, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		evaluator: ev,
		logger:    slog.Default(),
		heartbeat: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrRefresh returns the generation of ch. Unless force is set a readable
// cache file is returned as is; otherwise the channel is evaluated and the
// result saved. A failed save still returns the evaluated generation.
func (m *Manager) GetOrRefresh(ctx context.Context, ch pkgmeta.Channel, force bool) (Result, error) {
	if !force {
		gen, err := m.store.Load(ch.Name)
		if err == nil {
			m.logger.Debug("serving cached generation", "generation", gen.Describe())
			return Result{Generation: gen, Source: SourceCache}, nil
		}
		var ce *cachestore.CorruptError
		switch {
		case errors.Is(err, cachestore.ErrNotFound):
			m.logger.Debug("no cache, evaluating", "channel", ch.Name)
		case errors.As(err, &ce):
			m.logger.Debug("discarding unreadable cache", "channel", ch.Name, "error", err)
		default:
			m.logger.Debug("cache load failed", "channel", ch.Name, "error", err)
		}
	}

	gen, err := m.evaluate(ctx, ch)
	if err != nil {
		if force && ctx.Err() == nil && evaluator.IsEvaluationError(err) {
			if stale, lerr := m.store.Load(ch.Name); lerr == nil {
				return Result{
					Generation: stale,
					Source:     SourceStale,
					Warnings:   []error{fmt.Errorf("refresh failed, using cache from %s: %w", stale.CreatedAt.Local().Format(time.DateTime), err)},
				}, nil
			}
		}
		return Result{}, err
	}

	m.logger.Debug("evaluated", "generation", gen.Describe())
	res := Result{Generation: gen, Source: SourceEvaluated}
	if err := m.store.Save(gen); err != nil {
		res.Warnings = append(res.Warnings, err)
	}
	return res, nil
}

// evaluate runs the evaluator on a worker and returns when it finishes or
// ctx is done. An abandoned evaluation is never saved.
func (m *Manager) evaluate(ctx context.Context, ch pkgmeta.Channel) (*pkgmeta.Generation, error) {
	if err := os.MkdirAll(m.store.Dir(), 0o755); err == nil {
		busy, release := markEvaluation(m.store.Path(ch.Name))
		defer release()
		if busy {
			m.logger.Info("another nix-query process is evaluating this channel; evaluating anyway", "channel", ch.Name)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	finished := make(chan struct{})
	var gen *pkgmeta.Generation

	g.Go(func() error {
		defer close(finished)
		var err error
		gen, err = m.evaluator.Evaluate(gctx, ch)
		return err
	})
	g.Go(func() error {
		start := time.Now()
		t := time.NewTicker(m.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-finished:
				return nil
			case <-gctx.Done():
				return nil
			case <-t.C:
				m.logger.Debug("evaluation still running", "channel", ch.Name, "elapsed", time.Since(start).Round(time.Second))
			}
		}
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return gen, nil
	case <-ctx.Done():
		return nil, platformerrors.Wrap(ctx.Err(), platformerrors.CodeExecutionFailed, "evaluation cancelled")
	}
}

// ClearCache deletes the cache of one channel. A missing cache is not an
// error.
func (m *Manager) ClearCache(channel string) error {
	return m.store.Remove(channel)
}

// ClearAll deletes every cached channel.
func (m *Manager) ClearAll() error {
	return m.store.RemoveAll()
}
