// Package session drives one interactive run: load a generation, let the
// user pick a record, and start over when the cache is cleared.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kamusis/nix-query/internal/cachemgr"
	"github.com/kamusis/nix-query/internal/pkgmeta"
	"github.com/kamusis/nix-query/internal/query"
)

// ErrCancelled is returned by a FrontEnd when the user aborts.
var ErrCancelled = errors.New("cancelled by user")

// State is the lifecycle position of a Controller.
type State int

const (
	StateInit State = iota
	StateLoaded
	StateClearRequested
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateLoaded:
		return "loaded"
	case StateClearRequested:
		return "clear-requested"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Kind classifies an Outcome.
type Kind int

const (
	KindCancelled Kind = iota
	KindAccepted
	KindClearCacheRequested
)

// Outcome is how a Pick ended. Record is set only for KindAccepted.
type Outcome struct {
	Kind   Kind
	Record pkgmeta.Record
}

// Accepted returns the outcome of choosing r.
func Accepted(r pkgmeta.Record) Outcome {
	return Outcome{Kind: KindAccepted, Record: r}
}

// Cancelled returns the outcome of leaving without a choice.
func Cancelled() Outcome {
	return Outcome{Kind: KindCancelled}
}

// ClearCacheRequested returns the outcome of asking for a fresh evaluation.
func ClearCacheRequested() Outcome {
	return Outcome{Kind: KindClearCacheRequested}
}

// Picker is the query state a front-end drives. *query.Engine implements it.
type Picker interface {
	SetQuery(q string) []query.Match
	Query() string
	Matches() []query.Match
	Total() int
	Move(delta int)
	Select(i int)
	Cursor() int
	Selected() (pkgmeta.Record, bool)
	Preview(r pkgmeta.Record) string
}

// FrontEnd is the user-facing side of a session.
type FrontEnd interface {
	// Wait shows a loading indicator until done is closed. It returns
	// ErrCancelled if the user aborts first.
	Wait(ctx context.Context, label string, done <-chan struct{}) error
	// Pick runs the interactive picker until the user decides.
	Pick(ctx context.Context, p Picker) (Outcome, error)
}

// Loader provides generations. *cachemgr.Manager implements it.
type Loader interface {
	GetOrRefresh(ctx context.Context, ch pkgmeta.Channel, force bool) (cachemgr.Result, error)
	ClearCache(channel string) error
}

// Controller runs a session for one channel.
type Controller struct {
	loader  Loader
	front   FrontEnd
	channel pkgmeta.Channel
	force   bool
	logger  *slog.Logger
	state   State
}

// Option configures a Controller.
type Option func(*Controller)

// WithRefresh forces re-evaluation on the first load.
func WithRefresh(force bool) Option {
	return func(c *Controller) { c.force = force }
}

// WithLogger sets the logger manager warnings are reported to.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New returns a controller in StateInit.
func New(loader Loader, front FrontEnd, ch pkgmeta.Channel, opts ...Option) *Controller {
	c := &Controller{
		loader:  loader,
		front:   front,
		channel: ch,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return c.state
}

// Run loads the channel and lets the user pick until they accept or
// cancel. A clear-cache request deletes the cache and loads again with a
// forced evaluation. Cancelling is not an error.
func (c *Controller) Run(ctx context.Context) (Outcome, error) {
	force := c.force
	for {
		c.state = StateInit
		gen, err := c.load(ctx, force)
		if err != nil {
			c.state = StateTerminated
			if errors.Is(err, ErrCancelled) {
				return Cancelled(), nil
			}
			return Outcome{}, err
		}

		c.state = StateLoaded
		out, err := c.front.Pick(ctx, query.New(gen))
		if err != nil {
			c.state = StateTerminated
			if errors.Is(err, ErrCancelled) {
				return Cancelled(), nil
			}
			return Outcome{}, err
		}
		if out.Kind != KindClearCacheRequested {
			c.state = StateTerminated
			return out, nil
		}

		c.state = StateClearRequested
		if err := c.loader.ClearCache(c.channel.Name); err != nil {
			// the forced load below replaces the file anyway
			c.logger.Warn("cannot clear cache", "channel", c.channel.Name, "error", err)
		}
		force = true
	}
}

// load fetches the generation on a worker while the front-end shows a
// loading indicator. If the user aborts, the worker is cancelled and
// awaited so that nothing is saved after Run returns.
func (c *Controller) load(ctx context.Context, force bool) (*pkgmeta.Generation, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	var res cachemgr.Result
	var err error
	go func() {
		defer close(done)
		res, err = c.loader.GetOrRefresh(ctx, c.channel, force)
	}()

	label := fmt.Sprintf("Loading packages of %s", c.channel.Name)
	if force {
		label = fmt.Sprintf("Evaluating %s", c.channel.Name)
	}
	if werr := c.front.Wait(ctx, label, done); werr != nil {
		cancel()
		<-done
		return nil, werr
	}
	<-done
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		c.logger.Warn(w.Error(), "channel", c.channel.Name)
	}
	c.logger.Debug("generation ready", "channel", c.channel.Name, "source", res.Source, "packages", res.Generation.Len())
	return res.Generation, nil
}
