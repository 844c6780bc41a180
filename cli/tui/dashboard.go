package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lanternwidget/statebus/aggregator"
	"github.com/lanternwidget/statebus/cli/render"
	"github.com/lanternwidget/statebus/types"
)

// Toggler starts and stops sharing on the headless context.
// *broadcast.Mirror satisfies it.
type Toggler interface {
	RequestStart(ctx context.Context) error
	RequestStop(ctx context.Context) error
}

type keyMap struct {
	Toggle key.Binding
	Quit   key.Binding
}

var keys = keyMap{
	Toggle: key.NewBinding(
		key.WithKeys("s", " "),
		key.WithHelp("s", "start/stop sharing"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

type snapshotMsg types.StateSnapshot

type toggleResultMsg struct{ err error }

// feedClosedMsg ends the program when the snapshot source goes away.
type feedClosedMsg struct{}

// DashboardModel is a Bubble Tea model showing live statebus stats.
type DashboardModel struct {
	ctx      context.Context
	view     render.StatsView
	feed     <-chan types.StateSnapshot
	toggle   Toggler
	pending  bool
	err      error
	width    int
	quitting bool
}

// NewDashboardModel creates a model seeded with initial and refreshed from
// feed. toggle may be nil, which disables the sharing key.
func NewDashboardModel(ctx context.Context, initial types.StateSnapshot, feed <-chan types.StateSnapshot, toggle Toggler) DashboardModel {
	return DashboardModel{
		ctx:    ctx,
		view:   render.NewStatsView(initial),
		feed:   feed,
		toggle: toggle,
	}
}

// Init implements tea.Model.
func (m DashboardModel) Init() tea.Cmd {
	return m.waitForSnapshot()
}

func (m DashboardModel) waitForSnapshot() tea.Cmd {
	if m.feed == nil {
		return nil
	}
	feed := m.feed
	return func() tea.Msg {
		s, ok := <-feed
		if !ok {
			return feedClosedMsg{}
		}
		return snapshotMsg(s)
	}
}

func (m DashboardModel) toggleSharing() tea.Cmd {
	ctx, toggle, sharing := m.ctx, m.toggle, m.view.Sharing
	return func() tea.Msg {
		if sharing {
			return toggleResultMsg{err: toggle.RequestStop(ctx)}
		}
		return toggleResultMsg{err: toggle.RequestStart(ctx)}
	}
}

// Update implements tea.Model.
func (m DashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case snapshotMsg:
		m.view = render.NewStatsView(types.StateSnapshot(msg))
		m.pending = false
		return m, m.waitForSnapshot()

	case feedClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case toggleResultMsg:
		m.err = msg.err
		if msg.err != nil {
			m.pending = false
		}
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Toggle):
			if m.toggle == nil || m.pending {
				return m, nil
			}
			m.pending = true
			m.err = nil
			return m, m.toggleSharing()
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m DashboardModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("statebus"))
	b.WriteString("\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n\n")

	boxes := []string{
		renderStatBox("Active", strconv.Itoa(m.view.ActiveConnections), successColor),
		renderStatBox("Lifetime conns", strconv.FormatInt(m.view.LifetimeConnections, 10), highlightColor),
		renderStatBox("Lifetime data", render.FormatBytes(m.view.LifetimeBytes), primaryColor),
		renderStatBox("Throughput", render.FormatRate(m.view.AverageThroughput), warningColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
	b.WriteString("\n\n")
	b.WriteString(m.renderSlots())

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(ErrorStyle.Render("error: " + m.err.Error()))
	}

	b.WriteString("\n")
	b.WriteString(HelpStyle.Render(m.help()))
	return b.String()
}

func (m DashboardModel) renderStatus() string {
	ready := "waiting"
	if m.view.Ready {
		ready = "ready"
	}
	sharing := "stopped"
	switch {
	case m.pending:
		sharing = "starting"
		if m.view.Sharing {
			sharing = "stopping"
		}
	case m.view.Sharing:
		sharing = "sharing"
	}
	return fmt.Sprintf("%s %s   %s %s",
		LabelStyle.Render("engine"), StateStyle(ready).Render(ready),
		LabelStyle.Render("sharing"), StateStyle(sharing).Render(sharing))
}

func (m DashboardModel) renderSlots() string {
	headers, rows := m.view.Table()
	if len(rows) == 0 {
		return LabelStyle.Width(0).Render("no worker slots reported yet")
	}

	var b strings.Builder
	for _, h := range headers {
		b.WriteString(CellStyle.Inherit(StatLabelStyle).Render(h))
	}
	for _, row := range rows {
		b.WriteString("\n")
		for i, cell := range row {
			style := CellStyle
			if i == 1 {
				style = CellStyle.Inherit(StateStyle(cell))
			}
			b.WriteString(style.Render(cell))
		}
	}
	return b.String()
}

func (m DashboardModel) help() string {
	if m.toggle == nil {
		return "q: quit"
	}
	return fmt.Sprintf("%s: %s  %s: %s",
		keys.Toggle.Help().Key, keys.Toggle.Help().Desc,
		keys.Quit.Help().Key, keys.Quit.Help().Desc)
}

func renderStatBox(label, value string, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)

	valueStr := StatValueStyle.Foreground(color).Render(value)
	labelStr := StatLabelStyle.Render(label)

	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr))
}

// Feed streams snapshots of emitters whenever any value changes, until ctx
// is done. Sends never block the emitter: a slow reader sees only the
// latest snapshot.
func Feed(ctx context.Context, emitters *aggregator.Emitters) <-chan types.StateSnapshot {
	ch := make(chan types.StateSnapshot, 1)
	notify := make(chan struct{}, 1)

	unsub := emitters.SubscribeAll(func(string, any) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})

	go func() {
		defer close(ch)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-notify:
			}
			select {
			case ch <- emitters.Snapshot():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// RunDashboard runs the dashboard over emitters until the user quits or
// ctx is done.
func RunDashboard(ctx context.Context, emitters *aggregator.Emitters, toggle Toggler) error {
	feed := Feed(ctx, emitters)
	model := NewDashboardModel(ctx, emitters.Snapshot(), feed, toggle)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// RenderStatic renders the dashboard once without a terminal program.
func RenderStatic(view render.StatsView) string {
	m := DashboardModel{view: view, width: 80}
	return lipgloss.NewStyle().Padding(1, 2).Render(m.View())
}
