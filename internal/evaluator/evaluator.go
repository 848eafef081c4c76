// Package evaluator wraps the external package-set evaluator (nix-env) and
// turns its output into a pkgmeta.Generation.
package evaluator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/exec"

	"github.com/kamusis/nix-query/internal/pkgmeta"
)

// DefaultTimeout bounds a full evaluation of a channel.
const DefaultTimeout = 10 * time.Minute

// Evaluator produces the complete record set of a channel. It is expensive:
// callers evaluate at most once per session unless a refresh is forced.
type Evaluator interface {
	Evaluate(ctx context.Context, ch pkgmeta.Channel) (*pkgmeta.Generation, error)
}

// NixEnv evaluates channels with `nix-env --query --available --json --meta`.
type NixEnv struct {
	executor exec.Executor
	binary   string
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a NixEnv.
type Option func(*NixEnv)

// WithExecutor replaces the command executor (tests use a fake).
func WithExecutor(e exec.Executor) Option {
	return func(n *NixEnv) { n.executor = e }
}

// WithBinary sets the evaluator binary name or path.
func WithBinary(binary string) Option {
	return func(n *NixEnv) {
		if binary != "" {
			n.binary = binary
		}
	}
}

// WithTimeout bounds each evaluation. Zero keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(n *NixEnv) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *NixEnv) { n.logger = l }
}

// NewNixEnv returns a nix-env backed evaluator.
func NewNixEnv(opts ...Option) *NixEnv {
	n := &NixEnv{
		binary:  "nix-env",
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.executor == nil {
		n.executor = exec.New()
	}
	return n
}

// Binary returns the evaluator binary this adapter invokes.
func (n *NixEnv) Binary() string {
	return n.binary
}

// Evaluate runs the evaluator for the channel root and each extra attribute
// set. Any failure discards everything collected so far.
func (n *NixEnv) Evaluate(ctx context.Context, ch pkgmeta.Channel) (*pkgmeta.Generation, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	start := n.now()
	seen := make(map[string]struct{})
	var records []pkgmeta.Record

	queries := append([]string{""}, ch.ExtraAttrs...)
	for _, attr := range queries {
		recs, err := n.query(ctx, ch, attr)
		if err != nil {
			return nil, &EvaluationError{Channel: ch.Name, Err: err}
		}
		for _, r := range recs {
			if _, dup := seen[r.Attr]; dup {
				continue
			}
			seen[r.Attr] = struct{}{}
			records = append(records, r)
		}
	}
	if len(records) == 0 {
		return nil, &EvaluationError{
			Channel: ch.Name,
			Err:     platformerrors.New(platformerrors.CodeSchemaFailed, "evaluator returned no packages"),
		}
	}

	gen, err := pkgmeta.NewGeneration(ch, Fingerprint(ch.Root), n.now(), records)
	if err != nil {
		return nil, &EvaluationError{
			Channel: ch.Name,
			Err:     platformerrors.Wrap(err, platformerrors.CodeSchemaFailed, "evaluator output failed validation"),
		}
	}
	n.logger.Debug("channel evaluated",
		"channel", ch.Name,
		"packages", gen.Len(),
		"elapsed", n.now().Sub(start).Round(time.Millisecond))
	return gen, nil
}

// Describe evaluates a single attribute of the channel. It is used when the
// attribute is not present in any cached generation.
func (n *NixEnv) Describe(ctx context.Context, ch pkgmeta.Channel, attr string) (pkgmeta.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	recs, err := n.query(ctx, ch, attr)
	if err != nil {
		return pkgmeta.Record{}, &EvaluationError{Channel: ch.Name, Err: err}
	}
	for _, r := range recs {
		if r.Attr == attr {
			return r, nil
		}
	}
	return pkgmeta.Record{}, platformerrors.Newf(platformerrors.CodeNotFound, "attribute %s not found in channel %s", attr, ch.Name)
}

func (n *NixEnv) query(ctx context.Context, ch pkgmeta.Channel, attr string) ([]pkgmeta.Record, error) {
	args := []string{"--query", "--available", "--json", "--meta"}
	if ch.Root != "" {
		args = append(args, "--file", ch.Root)
	}
	if attr != "" {
		args = append(args, "--attr", attr)
	}

	n.logger.Debug("running evaluator", "binary", n.binary, "args", strings.Join(args, " "))
	run := n.executor.Clone().WithContext(ctx).WithInheritEnv().WithDisableColors()
	cmd := exec.NewWrapper(run, n.binary)
	res, err := cmd.Run(args...)
	if err != nil {
		return nil, classifyRunError(ctx, n.binary, err)
	}
	if res.Stderr != "" {
		// nix-env prints evaluation warnings on success; they are not fatal.
		n.logger.Debug("evaluator stderr", "channel", ch.Name, "stderr", lastLine(res.Stderr))
	}

	recs, err := ParsePackages(strings.NewReader(res.Stdout))
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeSchemaFailed, "malformed evaluator output")
	}
	return recs, nil
}
