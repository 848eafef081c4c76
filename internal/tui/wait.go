package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// loadedMsg tells the wait model that the awaited work finished.
type loadedMsg struct{}

// waitModel shows a spinner until loadedMsg arrives or the user aborts.
type waitModel struct {
	spinner   spinner.Model
	label     string
	started   time.Time
	now       func() time.Time
	finished  bool
	cancelled bool
}

func newWaitModel(label string, now func() time.Time) waitModel {
	return waitModel{
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("212"))),
		),
		label:   label,
		started: now(),
		now:     now,
	}
}

// Init implements tea.Model.
func (m waitModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m waitModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case loadedMsg:
		m.finished = true
		return m, tea.Quit
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyEsc, tea.KeyCtrlC:
			m.cancelled = true
			return m, tea.Quit
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m waitModel) View() string {
	if m.finished || m.cancelled {
		return ""
	}
	elapsed := m.now().Sub(m.started).Truncate(time.Second)
	return fmt.Sprintf("%s %s %s\n", m.spinner.View(), m.label, countStyle.Render(fmt.Sprintf("(%s, esc to abort)", elapsed)))
}
