// Package tui is the terminal front-end of an interactive session, built on
// bubbletea. It draws on stderr so that stdout carries only the accepted
// attribute name.
package tui

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kamusis/nix-query/internal/session"
)

// Holder pauses other terminal output while a program runs.
// *logging.Gate implements it.
type Holder interface {
	Hold()
	Release() error
}

// Terminal implements session.FrontEnd.
type Terminal struct {
	in     io.Reader
	out    io.Writer
	holder Holder
	now    func() time.Time
}

// Option configures a Terminal.
type Option func(*Terminal)

// WithInput sets the key input (default os.Stdin).
func WithInput(r io.Reader) Option {
	return func(t *Terminal) { t.in = r }
}

// WithOutput sets where programs draw (default os.Stderr).
func WithOutput(w io.Writer) Option {
	return func(t *Terminal) { t.out = w }
}

// WithHolder pauses h while a program owns the terminal.
func WithHolder(h Holder) Option {
	return func(t *Terminal) { t.holder = h }
}

// New returns a terminal front-end.
func New(opts ...Option) *Terminal {
	t := &Terminal{in: os.Stdin, out: os.Stderr, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var _ session.FrontEnd = (*Terminal)(nil)

func (t *Terminal) program(ctx context.Context, m tea.Model, extra ...tea.ProgramOption) *tea.Program {
	opts := append([]tea.ProgramOption{
		tea.WithContext(ctx),
		tea.WithInput(t.in),
		tea.WithOutput(t.out),
	}, extra...)
	return tea.NewProgram(m, opts...)
}

func (t *Terminal) run(ctx context.Context, p *tea.Program) (tea.Model, error) {
	if t.holder != nil {
		t.holder.Hold()
		defer func() { _ = t.holder.Release() }()
	}
	final, err := p.Run()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("terminal UI failed: %w", err)
	}
	return final, nil
}

// Wait shows a spinner labelled label until done is closed. It returns
// immediately when done is already closed, and session.ErrCancelled when
// the user presses esc or ctrl-c.
func (t *Terminal) Wait(ctx context.Context, label string, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	default:
	}

	p := t.program(ctx, newWaitModel(label, t.now))
	go func() {
		select {
		case <-done:
			p.Send(loadedMsg{})
		case <-ctx.Done():
		}
	}()

	final, err := t.run(ctx, p)
	if err != nil {
		return err
	}
	if m, ok := final.(waitModel); ok && m.cancelled {
		return session.ErrCancelled
	}
	return nil
}

// Pick runs the full-screen picker over p.
func (t *Terminal) Pick(ctx context.Context, p session.Picker) (session.Outcome, error) {
	final, err := t.run(ctx, t.program(ctx, newPickModel(p), tea.WithAltScreen()))
	if err != nil {
		return session.Outcome{}, err
	}
	m, ok := final.(pickModel)
	if !ok {
		return session.Outcome{}, fmt.Errorf("unexpected model type from bubbletea: %T", final)
	}
	return m.outcome, nil
}
