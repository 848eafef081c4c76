package cachemgr

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamusis/nix-query/internal/cachestore"
	"github.com/kamusis/nix-query/internal/evaluator"
	"github.com/kamusis/nix-query/internal/pkgmeta"
)

// countingEvaluator returns a generation whose single record names the
// evaluation number, so tests can tell generations apart.
type countingEvaluator struct {
	mu    sync.Mutex
	calls int
	err   error
	block chan struct{}
}

func (c *countingEvaluator) Evaluate(ctx context.Context, ch pkgmeta.Channel) (*pkgmeta.Generation, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	err := c.err
	c.mu.Unlock()

	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, &evaluator.EvaluationError{Channel: ch.Name, Err: ctx.Err()}
		}
	}
	if err != nil {
		return nil, &evaluator.EvaluationError{Channel: ch.Name, Err: err}
	}
	return pkgmeta.NewGeneration(ch, digest.FromString("root"), time.Now(), []pkgmeta.Record{
		{Attr: "gen" + string(rune('0'+n)), Description: pkgmeta.Known("evaluation")},
	})
}

func (c *countingEvaluator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

var nixpkgs = pkgmeta.Channel{Name: "nixpkgs", Root: "<nixpkgs>"}

func TestGetOrRefresh_TwoSessionsEvaluateOnce(t *testing.T) {
	dir := t.TempDir()
	ev := &countingEvaluator{}

	first, err := New(cachestore.New(dir), ev).GetOrRefresh(context.Background(), nixpkgs, false)
	require.NoError(t, err)
	assert.Equal(t, SourceEvaluated, first.Source)
	assert.Empty(t, first.Warnings)

	second, err := New(cachestore.New(dir), ev).GetOrRefresh(context.Background(), nixpkgs, false)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, 1, ev.count())
	assert.Equal(t, first.Generation.Records, second.Generation.Records)
}

func TestGetOrRefresh_Force(t *testing.T) {
	ev := &countingEvaluator{}
	m := New(cachestore.New(t.TempDir()), ev)

	_, err := m.GetOrRefresh(context.Background(), nixpkgs, false)
	require.NoError(t, err)
	res, err := m.GetOrRefresh(context.Background(), nixpkgs, true)
	require.NoError(t, err)
	assert.Equal(t, SourceEvaluated, res.Source)
	assert.Equal(t, 2, ev.count())
	assert.Equal(t, "gen2", res.Generation.Records[0].Attr)
}

func TestGetOrRefresh_LogsGeneration(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m := New(cachestore.New(t.TempDir()), &countingEvaluator{}, WithLogger(logger))

	_, err := m.GetOrRefresh(context.Background(), nixpkgs, false)
	require.NoError(t, err)
	_, err = m.GetOrRefresh(context.Background(), nixpkgs, false)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "msg=evaluated")
	assert.Contains(t, out, `msg="serving cached generation"`)
	assert.Contains(t, out, "nixpkgs (1 packages")
}

func TestGetOrRefresh_ClearThenGetNeverReturnsOldData(t *testing.T) {
	ev := &countingEvaluator{}
	m := New(cachestore.New(t.TempDir()), ev)

	before, err := m.GetOrRefresh(context.Background(), nixpkgs, false)
	require.NoError(t, err)
	require.NoError(t, m.ClearCache(nixpkgs.Name))

	after, err := m.GetOrRefresh(context.Background(), nixpkgs, false)
	require.NoError(t, err)
	assert.Equal(t, SourceEvaluated, after.Source)
	assert.NotEqual(t, before.Generation.Records, after.Generation.Records)

	require.NoError(t, m.ClearCache("never-cached"))
}

func TestGetOrRefresh_CorruptCacheReevaluates(t *testing.T) {
	store := cachestore.New(t.TempDir())
	ev := &countingEvaluator{}
	m := New(store, ev)

	_, err := m.GetOrRefresh(context.Background(), nixpkgs, false)
	require.NoError(t, err)

	path := store.Path(nixpkgs.Name)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-10], 0o644))

	res, err := m.GetOrRefresh(context.Background(), nixpkgs, false)
	require.NoError(t, err)
	assert.Equal(t, SourceEvaluated, res.Source)
	assert.Equal(t, 2, ev.count())

	_, err = store.Load(nixpkgs.Name)
	assert.NoError(t, err, "re-evaluation rewrites the cache")
}

func TestGetOrRefresh_SaveFailureIsWarning(t *testing.T) {
	// a regular file where the cache directory should be
	blocker := filepath.Join(t.TempDir(), "cache")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	m := New(cachestore.New(blocker), &countingEvaluator{})
	res, err := m.GetOrRefresh(context.Background(), nixpkgs, false)
	require.NoError(t, err)
	require.NotNil(t, res.Generation)
	require.Len(t, res.Warnings, 1)
	var ioErr *cachestore.IOError
	assert.ErrorAs(t, res.Warnings[0], &ioErr)
}

func TestGetOrRefresh_EvaluationFailure(t *testing.T) {
	ev := &countingEvaluator{err: errors.New("nix-env not found")}
	m := New(cachestore.New(t.TempDir()), ev)

	_, err := m.GetOrRefresh(context.Background(), nixpkgs, false)
	require.Error(t, err)
	assert.True(t, evaluator.IsEvaluationError(err))

	_, err = m.GetOrRefresh(context.Background(), nixpkgs, true)
	assert.True(t, evaluator.IsEvaluationError(err), "no cache to fall back on")
}

func TestGetOrRefresh_ForcedFailureFallsBackToStale(t *testing.T) {
	ev := &countingEvaluator{}
	m := New(cachestore.New(t.TempDir()), ev)

	first, err := m.GetOrRefresh(context.Background(), nixpkgs, false)
	require.NoError(t, err)

	ev.err = errors.New("channel broken")
	res, err := m.GetOrRefresh(context.Background(), nixpkgs, true)
	require.NoError(t, err)
	assert.Equal(t, SourceStale, res.Source)
	assert.Equal(t, first.Generation.Records, res.Generation.Records)
	require.Len(t, res.Warnings, 1)
	assert.True(t, evaluator.IsEvaluationError(res.Warnings[0]))
}

func TestGetOrRefresh_CancelledNeverSaves(t *testing.T) {
	store := cachestore.New(t.TempDir())
	ev := &countingEvaluator{block: make(chan struct{})}
	m := New(store, ev)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := m.GetOrRefresh(ctx, nixpkgs, false)
		errc <- err
	}()
	require.Eventually(t, func() bool { return ev.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("GetOrRefresh did not return after cancellation")
	}
	close(ev.block)

	_, err := store.Load(nixpkgs.Name)
	assert.ErrorIs(t, err, cachestore.ErrNotFound)
}

func TestClearAll(t *testing.T) {
	store := cachestore.New(t.TempDir())
	m := New(store, &countingEvaluator{})
	for _, name := range []string{"nixpkgs", "nixos"} {
		_, err := m.GetOrRefresh(context.Background(), pkgmeta.Channel{Name: name}, false)
		require.NoError(t, err)
	}
	require.NoError(t, m.ClearAll())

	entries, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMarkEvaluation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.nqc")
	busy, release := markEvaluation(path)
	assert.False(t, busy)
	defer release()

	// flock locks are per file descriptor, so a second handle in the same
	// process observes the first one.
	busy2, release2 := markEvaluation(path)
	defer release2()
	assert.True(t, busy2)
}

func TestSource_String(t *testing.T) {
	assert.Equal(t, "cache", SourceCache.String())
	assert.Equal(t, "evaluated", SourceEvaluated.String())
	assert.Equal(t, "stale", SourceStale.String())
}
