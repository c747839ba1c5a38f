// Package ui is the terminal dashboard. Hovering a panel with the mouse, or
// focusing it with tab, holds that chart until the pointer or focus leaves.
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/livechart/pkg/chart"
	"github.com/go-go-golems/livechart/pkg/dashboard"
)

const (
	headerHeight = 1
	// help line and error line
	footerHeight = 2
	bodyLines    = 6
	// border, title line, body, border
	panelHeight = bodyLines + 3

	DefaultFrameInterval = 250 * time.Millisecond
)

// Board is what the model drives; *dashboard.Dashboard satisfies it.
type Board interface {
	Snapshot() []dashboard.Panel
	Hover(id string) error
	Leave(id string) error
}

type frameMsg time.Time

type Model struct {
	board         Board
	title         string
	frameInterval time.Duration
	keys          keyMap
	help          help.Model

	panels  []dashboard.Panel
	width   int
	height  int
	offset  int
	hovered string
	focus   int
	lastErr error
}

type Option func(*Model)

func WithTitle(title string) Option {
	return func(m *Model) { m.title = title }
}

func WithFrameInterval(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.frameInterval = d
		}
	}
}

func NewModel(board Board, opts ...Option) Model {
	m := Model{
		board:         board,
		title:         "livechart",
		frameInterval: DefaultFrameInterval,
		keys:          defaultKeyMap(),
		help:          help.New(),
		width:         80,
		focus:         -1,
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.panels = board.Snapshot()
	return m
}

func (m Model) Hovered() string {
	return m.hovered
}

func (m Model) frameTick() tea.Cmd {
	return tea.Tick(m.frameInterval, func(t time.Time) tea.Msg { return frameMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return m.frameTick()
}

// setHover moves the hold from the current panel to id; "" releases it.
func (m *Model) setHover(id string) {
	if id == m.hovered {
		return
	}
	if m.hovered != "" {
		if err := m.board.Leave(m.hovered); err != nil {
			m.lastErr = err
			log.Debug().Err(err).Str("chart", m.hovered).Msg("leave failed")
		}
	}
	if id != "" {
		if err := m.board.Hover(id); err != nil {
			m.lastErr = err
			log.Debug().Err(err).Str("chart", id).Msg("hover failed")
		}
	}
	m.hovered = id
}

// visiblePanels is how many panels fit the window. Before the first size
// message every panel is drawn.
func (m Model) visiblePanels() int {
	n := len(m.panels)
	if m.height <= 0 {
		return n
	}
	fit := (m.height - headerHeight - footerHeight) / panelHeight
	if fit < 1 {
		fit = 1
	}
	if fit > n {
		fit = n
	}
	return fit
}

func (m *Model) clampOffset() {
	top := len(m.panels) - m.visiblePanels()
	if m.offset > top {
		m.offset = top
	}
	if m.offset < 0 {
		m.offset = 0
	}
}

func (m *Model) scroll(delta int) {
	m.offset += delta
	m.clampOffset()
}

func (m *Model) ensureVisible(idx int) {
	if idx < m.offset {
		m.offset = idx
	} else if v := m.visiblePanels(); idx >= m.offset+v {
		m.offset = idx - v + 1
	}
	m.clampOffset()
}

// panelAt maps a screen row to the panel drawn there, counting from the
// first visible panel.
func (m Model) panelAt(y int) (string, bool) {
	if y < headerHeight {
		return "", false
	}
	row := (y - headerHeight) / panelHeight
	if row >= m.visiblePanels() {
		return "", false
	}
	idx := m.offset + row
	if idx >= len(m.panels) {
		return "", false
	}
	return m.panels[idx].ID, true
}

func (m *Model) moveFocus(delta int) {
	n := len(m.panels)
	if n == 0 {
		return
	}
	if m.focus < 0 {
		if delta > 0 {
			m.focus = 0
		} else {
			m.focus = n - 1
		}
	} else {
		m.focus = (m.focus + delta + n) % n
	}
	m.ensureVisible(m.focus)
	m.setHover(m.panels[m.focus].ID)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.clampOffset()
		return m, nil

	case frameMsg:
		m.panels = m.board.Snapshot()
		m.clampOffset()
		return m, m.frameTick()

	case tea.MouseMsg:
		switch {
		case msg.Action == tea.MouseActionMotion:
		case msg.Button == tea.MouseButtonWheelUp:
			m.scroll(-1)
		case msg.Button == tea.MouseButtonWheelDown:
			m.scroll(1)
		default:
			return m, nil
		}
		// the panel under the pointer changes when the board scrolls
		id, _ := m.panelAt(msg.Y)
		m.focus = -1
		m.setHover(id)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.setHover("")
			return m, tea.Quit
		case key.Matches(msg, m.keys.Next):
			m.moveFocus(1)
		case key.Matches(msg, m.keys.Prev):
			m.moveFocus(-1)
		case key.Matches(msg, m.keys.Up):
			m.scroll(-1)
		case key.Matches(msg, m.keys.Down):
			m.scroll(1)
		case key.Matches(msg, m.keys.Clear):
			m.focus = -1
			m.setHover("")
		}
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	visible := m.visiblePanels()
	title := titleStyle.Render(m.title)
	if visible < len(m.panels) {
		title += stateStyle.Render(fmt.Sprintf("  %d-%d of %d", m.offset+1, m.offset+visible, len(m.panels)))
	}
	b.WriteString(title)
	b.WriteString("\n")
	inner := m.width - 4
	if inner < 20 {
		inner = 20
	}
	for _, p := range m.panels[m.offset : m.offset+visible] {
		b.WriteString(m.renderPanel(p, inner))
		b.WriteString("\n")
	}
	if m.lastErr != nil {
		b.WriteString(errorStyle.Render(m.lastErr.Error()))
		b.WriteString("\n")
	}
	b.WriteString(m.help.View(m.keys))

	// the renderer drops the top rows of a taller view, which would shift
	// every panel away from the rows panelAt expects
	out := b.String()
	if m.height > 0 {
		if lines := strings.Split(out, "\n"); len(lines) > m.height {
			out = strings.Join(lines[:m.height], "\n")
		}
	}
	return out
}

func (m Model) renderPanel(p dashboard.Panel, width int) string {
	state := stateStyle.Render(p.State)
	if p.State == "paused" || p.State == "held" {
		state = pausedStyle.Render(p.State)
	}
	header := fmt.Sprintf("%s  %s  %s", panelTitleStyle.Render(p.Title), state, stateStyle.Render(fmt.Sprintf("updates %d", p.Updates)))
	if p.Live {
		header += stateStyle.Render("  socket " + p.Socket)
	}
	if p.Err != "" {
		header += "  " + errorStyle.Render(p.Err)
	}

	body := emptyStyle.Render("(waiting for data)")
	if p.HasFrame {
		body = chart.Render(p.Kind, p.Frame, width)
	}
	lines := strings.Split(body, "\n")
	if len(lines) > bodyLines {
		lines = lines[:bodyLines]
	}
	for len(lines) < bodyLines {
		lines = append(lines, "")
	}

	content := lipgloss.NewStyle().MaxWidth(width).Render(
		lipgloss.JoinVertical(lipgloss.Left, append([]string{header}, lines...)...),
	)
	style := panelStyle
	if p.ID == m.hovered {
		style = hoveredPanelStyle
	}
	return style.Width(width + 2).Render(content)
}

// Run drives the model until the user quits or ctx is done. The hold is
// released on the way out.
func Run(ctx context.Context, board Board, opts ...Option) error {
	p := tea.NewProgram(
		NewModel(board, opts...),
		tea.WithAltScreen(),
		tea.WithMouseAllMotion(),
		tea.WithContext(ctx),
	)
	final, err := p.Run()
	if m, ok := final.(Model); ok && m.hovered != "" {
		_ = board.Leave(m.hovered)
	}
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return errors.Wrap(err, "run dashboard ui")
	}
	return nil
}
