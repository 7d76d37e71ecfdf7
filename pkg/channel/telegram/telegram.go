package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"lenslate/pkg/action"
	"lenslate/pkg/bus"
	"lenslate/pkg/channel"
	"lenslate/pkg/config"
	"lenslate/pkg/media"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const (
	channelName           = "telegram"
	messagePreviewLimit   = 240
	messageLengthLimit    = 4096
	typingRefreshInterval = 4 * time.Second
	downloadTimeout       = 60 * time.Second
)

// Adapter bridges Telegram updates into dispatcher events.
type Adapter struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	maxBytes  int64
	log       *slog.Logger
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, maxImageBytes int64, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		maxBytes:  maxImageBytes,
		log:       log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in events and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run starts Telegram long polling and handles every update in its own goroutine.
// It returns once ctx is done and in-flight updates have finished.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	httpClient, err := a.httpClient()
	if err != nil {
		return err
	}

	bot, err := telego.NewBot(strings.TrimSpace(a.cfg.Token), telego.WithHTTPClient(httpClient))
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	fetcher := media.NewHTTPFetcher(httpClient, a.maxBytes)
	a.log.Info("Telegram channel started")

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			event, chatID, ok := toInboundEvent(update)
			if !ok {
				continue
			}
			if !a.senderAllowed(event.SenderID) {
				a.log.Debug("Ignoring update from unauthorized sender", "sender_id", event.SenderID)
				continue
			}

			a.log.Info("Received update",
				"update_id", update.UpdateID,
				"chat_id", chatID,
				"sender_id", event.SenderID,
				"kind", event.Kind,
				"content", previewText(event.Text),
			)

			transport := &chatTransport{bot: bot, chatID: chatID, fetcher: fetcher, log: a.log.With("chat_id", chatID)}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				if err := handler(ctx, transport, event); err != nil {
					a.log.Debug("Update handled with error", "update_id", update.UpdateID, "error", err)
				}
			}()
		}
	}
}

func (a *Adapter) httpClient() (*http.Client, error) {
	client := &http.Client{Timeout: downloadTimeout}

	proxy := strings.TrimSpace(a.cfg.Proxy)
	if proxy == "" {
		return client, nil
	}

	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("parse channels.telegram.proxy: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyURL(proxyURL)
	client.Transport = transport
	return client, nil
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// toInboundEvent classifies one update. ok is false for updates the relay ignores.
func toInboundEvent(update telego.Update) (bus.InboundEvent, int64, bool) {
	if query := update.CallbackQuery; query != nil {
		if query.Message == nil {
			return bus.InboundEvent{}, 0, false
		}

		chatID := query.Message.GetChat().ID
		return bus.InboundEvent{
			Kind:           bus.KindSelection,
			Channel:        channelName,
			SenderID:       strconv.FormatInt(query.From.ID, 10),
			ConversationID: conversationID(chatID),
			ActionID:       query.Data,
			CallbackID:     query.ID,
		}, chatID, true
	}

	message := update.Message
	if message == nil || message.From == nil {
		return bus.InboundEvent{}, 0, false
	}

	chatID := message.Chat.ID
	event := bus.InboundEvent{
		Channel:        channelName,
		SenderID:       strconv.FormatInt(message.From.ID, 10),
		ConversationID: conversationID(chatID),
		Metadata: map[string]string{
			"message_id": strconv.Itoa(message.MessageID),
		},
	}

	switch {
	case len(message.Photo) > 0:
		// Telegram lists sizes smallest first.
		photo := message.Photo[len(message.Photo)-1]
		event.Kind = bus.KindImage
		event.Attachment = &media.Ref{FileID: photo.FileID, Size: int64(photo.FileSize)}
	case message.Document != nil:
		event.Kind = bus.KindDocument
		event.Attachment = &media.Ref{
			FileID:       message.Document.FileID,
			FileName:     message.Document.FileName,
			DeclaredType: message.Document.MimeType,
			Size:         int64(message.Document.FileSize),
		}
	default:
		event.Text = strings.TrimSpace(message.Text)
		event.Kind = bus.KindText
		if command, ok := parseCommand(event.Text); ok {
			event.Kind = bus.KindCommand
			event.Command = command
		}
	}

	return event, chatID, true
}

// parseCommand extracts "start" from "/start@lenslate_bot args".
func parseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}

	command, _, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
	command, _, _ = strings.Cut(command, "@")
	command = strings.ToLower(strings.TrimSpace(command))
	if command == "" {
		return "", false
	}

	return command, true
}

// conversationID maps one Telegram chat to one session key.
func conversationID(chatID int64) string {
	return channelName + ":" + strconv.FormatInt(chatID, 10)
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	cut := 0
	for cut < len(trimmed) {
		_, size := utf8.DecodeRuneInString(trimmed[cut:])
		if cut+size > messagePreviewLimit {
			break
		}
		cut += size
	}
	return trimmed[:cut] + "..."
}

func inlineKeyboard(rows [][]action.Option) *telego.InlineKeyboardMarkup {
	keyboard := make([][]telego.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, option := range row {
			buttons = append(buttons, tu.InlineKeyboardButton(option.Label).WithCallbackData(string(option.ID)))
		}
		keyboard = append(keyboard, tu.InlineKeyboardRow(buttons...))
	}

	return tu.InlineKeyboard(keyboard...)
}

// chatTransport replies into one Telegram chat.
type chatTransport struct {
	bot     *telego.Bot
	chatID  int64
	fetcher *media.HTTPFetcher
	log     *slog.Logger
}

// Fetch resolves a file id to its download URL and downloads it under the byte cap.
func (t *chatTransport) Fetch(ctx context.Context, ref media.Ref) ([]byte, error) {
	file, err := t.bot.GetFile(ctx, &telego.GetFileParams{FileID: ref.FileID})
	if err != nil {
		return nil, fmt.Errorf("get telegram file: %w", err)
	}
	if strings.TrimSpace(file.FilePath) == "" {
		return nil, errors.New("telegram file has no download path")
	}

	ref.URL = t.bot.FileDownloadURL(file.FilePath)
	if file.FileSize > 0 {
		ref.Size = int64(file.FileSize)
	}

	return t.fetcher.Fetch(ctx, ref)
}

func (t *chatTransport) SendText(ctx context.Context, text string) error {
	for _, chunk := range channel.SplitText(text, messageLengthLimit) {
		t.log.Info("Sending message", "content", previewText(chunk))
		if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(t.chatID), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}

	return nil
}

func (t *chatTransport) SendOptions(ctx context.Context, text string, rows [][]action.Option) error {
	message := tu.Message(tu.ID(t.chatID), text).WithReplyMarkup(inlineKeyboard(rows))
	if _, err := t.bot.SendMessage(ctx, message); err != nil {
		return fmt.Errorf("send telegram keyboard: %w", err)
	}

	return nil
}

func (t *chatTransport) AckSelection(ctx context.Context, callbackID string) error {
	if strings.TrimSpace(callbackID) == "" {
		return nil
	}

	if err := t.bot.AnswerCallbackQuery(ctx, tu.CallbackQuery(callbackID)); err != nil {
		return fmt.Errorf("answer callback query: %w", err)
	}

	return nil
}

// StartTyping sends an initial typing action and refreshes it periodically
// until the returned stop function is called.
func (t *chatTransport) StartTyping(ctx context.Context) func() {
	typingCtx, cancel := context.WithCancel(ctx)

	sendTyping := func() {
		if err := t.bot.SendChatAction(typingCtx, tu.ChatAction(tu.ID(t.chatID), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
			t.log.Debug("Failed to send typing indicator", "error", err)
		}
	}

	sendTyping()

	go func() {
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
