package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kamusis/nix-query/internal/query"
	"github.com/kamusis/nix-query/internal/session"
)

var (
	cursorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Background(lipgloss.Color("237"))
	matchStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	countStyle    = lipgloss.NewStyle().Faint(true)
	ruleStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	brokenStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// default size until the first WindowSizeMsg arrives
const (
	defaultWidth  = 80
	defaultHeight = 24
)

// pickModel is the bubbletea model of the interactive picker: a query line,
// the ranked list and a preview of the selected record.
type pickModel struct {
	picker  session.Picker
	input   textinput.Model
	preview viewport.Model

	width  int
	height int
	// offset is the first list row on screen.
	offset int

	outcome session.Outcome
	done    bool
}

func newPickModel(p session.Picker) pickModel {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "type to search packages"
	ti.Focus()
	ti.SetValue(p.Query())
	ti.CursorEnd()

	m := pickModel{
		picker:  p,
		input:   ti,
		preview: viewport.New(defaultWidth, 1),
		outcome: session.Cancelled(),
	}
	m.resize(defaultWidth, defaultHeight)
	return m
}

// Init implements tea.Model.
func (m pickModel) Init() tea.Cmd {
	return textinput.Blink
}

// Update implements tea.Model.
func (m pickModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyEnter:
			if r, ok := m.picker.Selected(); ok {
				m.outcome = session.Accepted(r)
				m.done = true
				return m, tea.Quit
			}
			return m, nil
		case tea.KeyEsc, tea.KeyCtrlC:
			m.outcome = session.Cancelled()
			m.done = true
			return m, tea.Quit
		case tea.KeyCtrlR:
			m.outcome = session.ClearCacheRequested()
			m.done = true
			return m, tea.Quit
		case tea.KeyUp, tea.KeyCtrlP:
			m.move(-1)
			return m, nil
		case tea.KeyDown, tea.KeyCtrlN:
			m.move(1)
			return m, nil
		case tea.KeyPgUp:
			m.move(-m.listHeight())
			return m, nil
		case tea.KeyPgDown:
			m.move(m.listHeight())
			return m, nil
		}
	}

	var cmd tea.Cmd
	before := m.input.Value()
	m.input, cmd = m.input.Update(msg)
	if m.input.Value() != before {
		m.picker.SetQuery(m.input.Value())
		m.offset = 0
		m.refreshPreview()
	}
	return m, cmd
}

func (m *pickModel) move(delta int) {
	m.picker.Move(delta)
	m.scrollToCursor()
	m.refreshPreview()
}

func (m *pickModel) resize(width, height int) {
	m.width, m.height = width, height
	m.input.Width = max(width-len(m.input.Prompt)-1, 1)
	m.preview.Width = width
	m.preview.Height = max(height-2-m.listHeight()-1, 1)
	m.scrollToCursor()
	m.refreshPreview()
}

// listHeight is the number of result rows: half of what the query and
// status lines leave.
func (m pickModel) listHeight() int {
	return max((m.height-2)/2, 1)
}

func (m *pickModel) scrollToCursor() {
	cur, h := m.picker.Cursor(), m.listHeight()
	switch {
	case cur < m.offset:
		m.offset = cur
	case cur >= m.offset+h:
		m.offset = cur - h + 1
	}
}

func (m *pickModel) refreshPreview() {
	r, ok := m.picker.Selected()
	if !ok {
		m.preview.SetContent(countStyle.Render("no matches"))
		return
	}
	text := m.picker.Preview(r)
	m.preview.SetContent(lipgloss.NewStyle().Width(max(m.width, 1)).Render(text))
	m.preview.GotoTop()
}

// View implements tea.Model.
func (m pickModel) View() string {
	if m.done {
		return ""
	}
	var b strings.Builder
	b.WriteString(m.input.View())
	b.WriteByte('\n')
	b.WriteString(countStyle.Render(fmt.Sprintf("  %d/%d  (enter select, esc quit, ctrl-r re-evaluate)", len(m.picker.Matches()), m.picker.Total())))
	b.WriteByte('\n')

	matches := m.picker.Matches()
	h := m.listHeight()
	for row := 0; row < h; row++ {
		i := m.offset + row
		if i < len(matches) {
			b.WriteString(m.renderRow(matches[i], i == m.picker.Cursor()))
		}
		b.WriteByte('\n')
	}
	b.WriteString(ruleStyle.Render(strings.Repeat("─", max(m.width, 1))))
	b.WriteByte('\n')
	b.WriteString(m.preview.View())
	return b.String()
}

func (m pickModel) renderRow(match query.Match, selected bool) string {
	hit := make(map[int]bool, len(match.Positions))
	for _, p := range match.Positions {
		hit[p] = true
	}
	var b strings.Builder
	for i, r := range match.Record.Attr {
		if hit[i] {
			b.WriteString(matchStyle.Render(string(r)))
		} else {
			b.WriteRune(r)
		}
	}
	line := b.String()
	if desc, ok := match.Record.Description.Value(); ok && desc != "" {
		line += countStyle.Render("  " + desc)
	}
	if match.Record.Broken {
		line += brokenStyle.Render("  (broken)")
	}
	line = lipgloss.NewStyle().MaxWidth(max(m.width-2, 1)).Render(line)

	if selected {
		return cursorStyle.Render("▌ ") + selectedStyle.Render(line)
	}
	return "  " + line
}
