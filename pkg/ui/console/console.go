// Package console is a local terminal chat surface. It drives the same dispatcher
// as the chat platforms, reading images from disk instead of a platform API.
package console

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"lenslate/pkg/action"
	"lenslate/pkg/bus"
	"lenslate/pkg/channel"
	"lenslate/pkg/media"
)

const (
	channelName    = "console"
	conversationID = "console:local"
	senderID       = "local"
)

// Adapter runs the terminal UI as a channel.
type Adapter struct {
	maxBytes     int64
	initialImage string
	info         RuntimeInfo
}

// RuntimeInfo is shown in the header.
type RuntimeInfo struct {
	Provider string
	Model    string
}

// NewAdapter builds a console adapter. initialImage, when set, is sent as soon as
// the UI starts.
func NewAdapter(maxImageBytes int64, initialImage string, info RuntimeInfo) *Adapter {
	return &Adapter{
		maxBytes:     maxImageBytes,
		initialImage: strings.TrimSpace(initialImage),
		info:         info,
	}
}

func (a *Adapter) Name() string {
	return channelName
}

// Run blocks until the user quits or ctx is done.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	transport := &terminalTransport{maxBytes: a.maxBytes}
	m := newModel(ctx, handler, transport, a.info, a.initialImage)
	program := tea.NewProgram(m, tea.WithContext(ctx), tea.WithAltScreen())
	transport.send = program.Send

	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Println(renderGoodbyeBanner())
	return nil
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("24")).
		Padding(1, 2)

	return style.Render("🔎 Thanks for using lenslate")
}

// parseInput turns one submitted line into an inbound event. quit is true for
// exit commands.
func parseInput(input string) (event bus.InboundEvent, quit bool, ok bool) {
	text := strings.TrimSpace(input)
	if text == "" {
		return bus.InboundEvent{}, false, false
	}
	if isExitCommand(text) {
		return bus.InboundEvent{}, true, false
	}

	event = bus.InboundEvent{
		Channel:        channelName,
		SenderID:       senderID,
		ConversationID: conversationID,
	}

	if path, found := strings.CutPrefix(text, "/image "); found {
		return imageEvent(event, path), false, true
	}

	if strings.HasPrefix(text, "/") {
		command, _, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
		event.Kind = bus.KindCommand
		event.Command = strings.ToLower(command)
		return event, false, true
	}

	options := action.Options()
	if n, err := strconv.Atoi(text); err == nil && n >= 1 && n <= len(options) {
		event.Kind = bus.KindSelection
		event.ActionID = string(options[n-1].ID)
		event.CallbackID = "console-" + text
		return event, false, true
	}
	if _, err := action.Parse(text); err == nil {
		event.Kind = bus.KindSelection
		event.ActionID = text
		event.CallbackID = "console-" + text
		return event, false, true
	}

	if media.FromFileName(unquote(text)) != "" {
		return imageEvent(event, text), false, true
	}

	event.Kind = bus.KindText
	event.Text = text
	return event, false, true
}

func imageEvent(event bus.InboundEvent, path string) bus.InboundEvent {
	path = unquote(strings.TrimSpace(path))

	event.Kind = bus.KindDocument
	event.Attachment = &media.Ref{
		FileID:       path,
		FileName:     path,
		DeclaredType: media.FromFileName(path),
	}
	if info, err := os.Stat(path); err == nil {
		event.Attachment.Size = info.Size()
	}

	return event
}

// unquote strips the quotes terminals add around dropped file paths.
func unquote(path string) string {
	if len(path) >= 2 && (path[0] == '\'' || path[0] == '"') && path[len(path)-1] == path[0] {
		return path[1 : len(path)-1]
	}

	return path
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}

type replyMsg struct {
	text string
	rows [][]action.Option
}

type typingMsg struct {
	active bool
}

// terminalTransport feeds replies back into the running program.
type terminalTransport struct {
	maxBytes int64
	send     func(tea.Msg)
}

func (t *terminalTransport) Fetch(_ context.Context, ref media.Ref) ([]byte, error) {
	file, err := os.Open(ref.FileID)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer file.Close()

	return media.ReadLimited(file, t.maxBytes)
}

func (t *terminalTransport) SendText(_ context.Context, text string) error {
	t.send(replyMsg{text: text})
	return nil
}

func (t *terminalTransport) SendOptions(_ context.Context, text string, rows [][]action.Option) error {
	t.send(replyMsg{text: text, rows: rows})
	return nil
}

func (t *terminalTransport) AckSelection(context.Context, string) error {
	return nil
}

func (t *terminalTransport) StartTyping(context.Context) func() {
	t.send(typingMsg{active: true})
	return func() { t.send(typingMsg{active: false}) }
}
