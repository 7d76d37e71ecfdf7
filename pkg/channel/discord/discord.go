package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"lenslate/pkg/action"
	"lenslate/pkg/bus"
	"lenslate/pkg/channel"
	"lenslate/pkg/config"
	"lenslate/pkg/media"
)

const (
	channelName           = "discord"
	messageLengthLimit    = 2000
	typingRefreshInterval = 8 * time.Second
	downloadTimeout       = 60 * time.Second
)

// Adapter bridges Discord gateway events into dispatcher events.
type Adapter struct {
	cfg       config.DiscordConfig
	allowFrom map[string]struct{}
	maxBytes  int64
	log       *slog.Logger
}

func NewAdapter(cfg config.DiscordConfig, maxImageBytes int64, log *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("channels.discord.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	allowFrom := make(map[string]struct{}, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		if id = strings.TrimSpace(id); id != "" {
			allowFrom[id] = struct{}{}
		}
	}

	return &Adapter{
		cfg:       cfg,
		allowFrom: allowFrom,
		maxBytes:  maxImageBytes,
		log:       log.With("component", "channel.discord"),
	}, nil
}

func (a *Adapter) Name() string {
	return channelName
}

// Run opens the gateway session and blocks until ctx is done.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	session, err := discordgo.New("Bot " + strings.TrimSpace(a.cfg.Token))
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	fetcher := media.NewHTTPFetcher(&http.Client{Timeout: downloadTimeout}, a.maxBytes)

	var inflight sync.WaitGroup
	dispatch := func(event bus.InboundEvent, transport *channelTransport) {
		if !a.senderAllowed(event.SenderID) {
			a.log.Debug("Ignoring event from unauthorized sender", "sender_id", event.SenderID)
			return
		}

		if ctx.Err() != nil {
			return
		}

		a.log.Info("Received event", "channel_id", transport.channelID, "sender_id", event.SenderID, "kind", event.Kind)
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			if err := handler(ctx, transport, event); err != nil {
				a.log.Debug("Event handled with error", "channel_id", transport.channelID, "error", err)
			}
		}()
	}

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		botID := ""
		if s.State != nil && s.State.User != nil {
			botID = s.State.User.ID
		}

		event, ok := messageEvent(m, botID)
		if !ok {
			return
		}
		dispatch(event, a.newTransport(s, m.ChannelID, fetcher, nil))
	})
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		event, ok := interactionEvent(i)
		if !ok {
			return
		}
		dispatch(event, a.newTransport(s, i.ChannelID, fetcher, i.Interaction))
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	a.log.Info("Discord channel started")

	<-ctx.Done()

	// Closing the gateway stops new events; REST replies of in-flight handlers still work.
	err = session.Close()
	inflight.Wait()
	if err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}

	return nil
}

func (a *Adapter) newTransport(s *discordgo.Session, channelID string, fetcher *media.HTTPFetcher, interaction *discordgo.Interaction) *channelTransport {
	return &channelTransport{
		session:     s,
		channelID:   channelID,
		fetcher:     fetcher,
		interaction: interaction,
		log:         a.log.With("channel_id", channelID),
	}
}

// senderAllowed accepts everyone when no allow list is configured.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[senderID]
	return ok
}

// messageEvent classifies a created message. Only the first attachment is used.
func messageEvent(m *discordgo.MessageCreate, botID string) (bus.InboundEvent, bool) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot || m.Author.ID == botID {
		return bus.InboundEvent{}, false
	}

	event := bus.InboundEvent{
		Channel:        channelName,
		SenderID:       m.Author.ID,
		ConversationID: conversationID(m.ChannelID),
		Metadata: map[string]string{
			"message_id": m.ID,
			"guild_id":   m.GuildID,
		},
	}

	if len(m.Attachments) > 0 && m.Attachments[0] != nil {
		attachment := m.Attachments[0]
		event.Kind = bus.KindDocument
		event.Attachment = &media.Ref{
			FileID:       attachment.ID,
			URL:          attachment.URL,
			FileName:     attachment.Filename,
			DeclaredType: attachment.ContentType,
			Size:         int64(attachment.Size),
		}
		return event, true
	}

	content := stripMention(m.Content, botID)
	if content == "" {
		return bus.InboundEvent{}, false
	}

	event.Kind = bus.KindText
	event.Text = content
	if command, ok := parseCommand(content); ok {
		event.Kind = bus.KindCommand
		event.Command = command
	}

	return event, true
}

// interactionEvent turns a button press into a selection.
func interactionEvent(i *discordgo.InteractionCreate) (bus.InboundEvent, bool) {
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionMessageComponent {
		return bus.InboundEvent{}, false
	}

	var senderID string
	switch {
	case i.Member != nil && i.Member.User != nil:
		senderID = i.Member.User.ID
	case i.User != nil:
		senderID = i.User.ID
	default:
		return bus.InboundEvent{}, false
	}

	return bus.InboundEvent{
		Kind:           bus.KindSelection,
		Channel:        channelName,
		SenderID:       senderID,
		ConversationID: conversationID(i.ChannelID),
		ActionID:       i.MessageComponentData().CustomID,
		CallbackID:     i.ID,
	}, true
}

// parseCommand accepts both "!start" and "/start".
func parseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "!") && !strings.HasPrefix(text, "/") {
		return "", false
	}

	command, _, _ := strings.Cut(text[1:], " ")
	command = strings.ToLower(strings.TrimSpace(command))
	return command, command != ""
}

// stripMention removes <@ID> and <@!ID> bot mentions.
func stripMention(text string, botID string) string {
	if botID != "" {
		text = strings.ReplaceAll(text, "<@"+botID+">", "")
		text = strings.ReplaceAll(text, "<@!"+botID+">", "")
	}

	return strings.TrimSpace(text)
}

func conversationID(channelID string) string {
	return channelName + ":" + channelID
}

func components(rows [][]action.Option) []discordgo.MessageComponent {
	out := make([]discordgo.MessageComponent, 0, len(rows))
	for _, row := range rows {
		buttons := make([]discordgo.MessageComponent, 0, len(row))
		for _, option := range row {
			buttons = append(buttons, discordgo.Button{
				Label:    option.Label,
				Style:    discordgo.PrimaryButton,
				CustomID: string(option.ID),
			})
		}
		out = append(out, discordgo.ActionsRow{Components: buttons})
	}

	return out
}

// channelTransport replies into one Discord channel.
type channelTransport struct {
	session     *discordgo.Session
	channelID   string
	fetcher     *media.HTTPFetcher
	interaction *discordgo.Interaction
	log         *slog.Logger
}

func (t *channelTransport) Fetch(ctx context.Context, ref media.Ref) ([]byte, error) {
	return t.fetcher.Fetch(ctx, ref)
}

func (t *channelTransport) SendText(ctx context.Context, text string) error {
	for _, chunk := range channel.SplitText(text, messageLengthLimit) {
		if _, err := t.session.ChannelMessageSend(t.channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}

	return nil
}

func (t *channelTransport) SendOptions(ctx context.Context, text string, rows [][]action.Option) error {
	message := &discordgo.MessageSend{Content: text, Components: components(rows)}
	if _, err := t.session.ChannelMessageSendComplex(t.channelID, message, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send discord buttons: %w", err)
	}

	return nil
}

// AckSelection defers the component update so the client stops its spinner.
func (t *channelTransport) AckSelection(ctx context.Context, callbackID string) error {
	if t.interaction == nil || t.interaction.ID != callbackID {
		return nil
	}

	err := t.session.InteractionRespond(t.interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("respond to interaction: %w", err)
	}

	return nil
}

func (t *channelTransport) StartTyping(ctx context.Context) func() {
	typingCtx, cancel := context.WithCancel(ctx)

	sendTyping := func() {
		if err := t.session.ChannelTyping(t.channelID, discordgo.WithContext(typingCtx)); err != nil && typingCtx.Err() == nil {
			t.log.Debug("Failed to send typing indicator", "error", err)
		}
	}

	go func() {
		sendTyping()

		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()

	return cancel
}
