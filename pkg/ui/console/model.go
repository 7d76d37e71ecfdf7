package console

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"lenslate/pkg/action"
	"lenslate/pkg/bus"
	"lenslate/pkg/channel"
)

type entry struct {
	role    string
	content string
	rows    [][]action.Option
}

type handledMsg struct {
	err error
}

type model struct {
	ctx          context.Context
	handler      channel.Handler
	transport    channel.Transport
	info         RuntimeInfo
	initialImage string

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	entries   []entry
	width     int
	height    int
	isReady   bool
	pending   int
	typing    bool
	lastErr   string
	followLog bool
	images    int
	actions   int
}

func newModel(ctx context.Context, handler channel.Handler, transport channel.Transport, info RuntimeInfo, initialImage string) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("44"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Image path, 1-3 to pick an action, /help"
	in.Focus()
	in.CharLimit = 0

	return &model{
		ctx:          ctx,
		handler:      handler,
		transport:    transport,
		info:         info,
		initialImage: initialImage,
		theme:        defaultTheme(),
		spinner:      spin,
		input:        in,
		viewport:     viewport.New(80, 12),
		width:        100,
		height:       28,
		followLog:    true,
	}
}

func (m *model) Init() tea.Cmd {
	if m.initialImage == "" {
		return textinput.Blink
	}

	event, _, _ := parseInput("/image " + m.initialImage)
	return tea.Batch(textinput.Blink, m.submit(event, m.initialImage))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			line := m.input.Value()
			event, quit, ok := parseInput(line)
			if quit {
				return m, tea.Quit
			}
			if !ok {
				return m, nil
			}
			m.input.SetValue("")
			return m, m.submit(event, strings.TrimSpace(line))
		}

		if m.handleViewportKey(typed) {
			return m, nil
		}
	case replyMsg:
		m.entries = append(m.entries, entry{role: "bot", content: typed.text, rows: typed.rows})
		m.refreshViewport(false)
		return m, nil
	case typingMsg:
		m.typing = typed.active
		return m, nil
	case handledMsg:
		m.pending--
		m.lastErr = ""
		if typed.err != nil {
			m.lastErr = typed.err.Error()
		}
		return m, nil
	case spinner.TickMsg:
		if !m.busy() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit records the user line and hands the event to the dispatcher off the UI loop.
func (m *model) submit(event bus.InboundEvent, line string) tea.Cmd {
	switch event.Kind {
	case bus.KindDocument:
		m.images++
	case bus.KindSelection:
		m.actions++
		line = action.Label(action.ID(event.ActionID))
	}

	m.entries = append(m.entries, entry{role: "user", content: line})
	m.pending++
	m.followLog = true
	m.refreshViewport(true)

	ctx, handler, transport := m.ctx, m.handler, m.transport
	return tea.Batch(m.spinner.Tick, func() tea.Msg {
		return handledMsg{err: handler(ctx, transport, event)}
	})
}

func (m *model) busy() bool {
	return m.pending > 0 || m.typing
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}

	header := m.theme.header.Width(m.width - 2).Render("🔎 lenslate console")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"provider:%s · model:%s · images:%d · actions:%d",
		displayOrNA(m.info.Provider),
		displayOrNA(m.info.Model),
		m.images,
		m.actions,
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("─", max(8, m.width-2)))

	status := m.theme.status.Render("Enter send · PgUp/PgDn scroll · End jump latest · Ctrl+C/Esc quit")
	switch {
	case m.busy():
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s working...", m.spinner.View()))
	case m.lastErr != "":
		status = m.theme.statusErr.Render("last request failed: " + m.lastErr)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("You")+" "+m.theme.hint.Render("(type /exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := max(8, m.height-10)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset

	sections := make([]string, 0, len(m.entries))
	for _, item := range m.entries {
		switch item.role {
		case "user":
			sections = append(sections, lipgloss.JoinVertical(lipgloss.Left,
				m.theme.userTitle.Render("YOU"),
				m.theme.userBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		case "bot":
			body := strings.TrimSpace(item.content)
			if len(item.rows) > 0 {
				body += "\n\n" + m.renderOptions(item.rows)
			}
			sections = append(sections, lipgloss.JoinVertical(lipgloss.Left,
				m.theme.botTitle.Render("LENSLATE"),
				m.theme.botBox.Width(m.viewport.Width).Render(body),
			))
		}
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

// renderOptions numbers options in catalog order so "1".."3" select them.
func (m *model) renderOptions(rows [][]action.Option) string {
	lines := make([]string, 0, len(rows))
	n := 0
	for _, row := range rows {
		cells := make([]string, 0, len(row))
		for _, option := range row {
			n++
			cells = append(cells, m.theme.option.Render(fmt.Sprintf("[%d] %s", n, option.Label)))
		}
		lines = append(lines, strings.Join(cells, "   "))
	}

	return strings.Join(lines, "\n")
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}
