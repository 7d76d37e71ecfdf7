// Package dispatch is the per-conversation state machine: it captures inbound
// images into the session store, resolves action selections to instructions and
// relays the model's answer back over the transport the event arrived on.
//
// A conversation is in one of three derived states. NoImage when the store has no
// session, ImageReady once an image was stored, and Processing while a selection
// waits on the model. Only images move a conversation forward; selections never
// mutate the session, so the same image can be processed any number of times.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"lenslate/pkg/action"
	"lenslate/pkg/bus"
	"lenslate/pkg/channel"
	"lenslate/pkg/media"
	providertypes "lenslate/pkg/provider/types"
	"lenslate/pkg/session"
)

const defaultRequestTimeout = 60 * time.Second

// Model is the AI call the dispatcher needs. provider.Client satisfies it.
type Model interface {
	Describe(ctx context.Context, req providertypes.ImageRequest) (providertypes.PromptResult, error)
}

// Options tunes dispatcher behavior.
type Options struct {
	// SingleFlight rejects a selection while another one for the same conversation
	// is still waiting on the model.
	SingleFlight bool
	// RequestTimeout bounds each model call. Zero uses a 60s default.
	RequestTimeout time.Duration
	// MaxImageBytes caps stored images. Zero disables the check.
	MaxImageBytes int64
}

type Dispatcher struct {
	store  *session.Store
	model  Model
	events *bus.MessageBus
	opts   Options
	log    *slog.Logger

	newRequestID func() string

	mu       sync.Mutex
	inflight map[string]*semaphore.Weighted
}

// New wires a dispatcher. events may be nil when nobody observes dispatch events.
func New(store *session.Store, model Model, events *bus.MessageBus, opts Options) *Dispatcher {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}

	return &Dispatcher{
		store:        store,
		model:        model,
		events:       events,
		opts:         opts,
		log:          slog.Default().With("component", "dispatch.dispatcher"),
		newRequestID: uuid.NewString,
		inflight:     make(map[string]*semaphore.Weighted),
	}
}

// Handle processes one inbound event. Every failure is reported to the user before
// Handle returns; the returned error only classifies what happened for logging.
// A panic while handling is recovered and surfaces as ErrInternal.
func (d *Dispatcher) Handle(ctx context.Context, transport channel.Transport, event bus.InboundEvent) (err error) {
	log := d.log.With(
		"channel", event.Channel,
		"conversation_id", event.ConversationID,
		"kind", event.Kind,
	)

	defer func() {
		if recovered := recover(); recovered != nil {
			log.Error("Recovered panic while handling event", "panic", recovered, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrInternal, recovered)
		}
	}()

	switch event.Kind {
	case bus.KindImage, bus.KindDocument:
		return d.handleImage(ctx, transport, event, log)
	case bus.KindSelection:
		return d.handleSelection(ctx, transport, event, log)
	case bus.KindCommand:
		return d.handleCommand(ctx, transport, event)
	default:
		return transport.SendText(ctx, msgAskForImage)
	}
}

func (d *Dispatcher) handleImage(ctx context.Context, transport channel.Transport, event bus.InboundEvent, log *slog.Logger) error {
	ref := event.Attachment
	if ref == nil {
		return d.fail(ctx, transport, log, fmt.Errorf("%w: event carries no attachment", ErrFetchFailure))
	}

	mediaType, err := resolveMediaType(event.Kind, *ref)
	if err != nil {
		d.publish(ctx, event, "", bus.EventImageRejected, map[string]string{"declared_type": ref.DeclaredType}, err)
		return d.fail(ctx, transport, log, fmt.Errorf("%w: %w", ErrUnsupportedMediaType, err))
	}

	if d.tooLarge(ref.Size) {
		d.publish(ctx, event, "", bus.EventImageRejected, map[string]string{"size": strconv.FormatInt(ref.Size, 10)}, ErrImageTooLarge)
		return d.fail(ctx, transport, log, fmt.Errorf("%w: declared %d bytes", ErrImageTooLarge, ref.Size))
	}

	startedAt := time.Now()
	data, err := transport.Fetch(ctx, *ref)
	switch {
	case errors.Is(err, media.ErrTooLarge):
		return d.fail(ctx, transport, log, fmt.Errorf("%w: %w", ErrImageTooLarge, err))
	case err != nil:
		return d.fail(ctx, transport, log, fmt.Errorf("%w: %w", ErrFetchFailure, err))
	case len(data) == 0:
		return d.fail(ctx, transport, log, fmt.Errorf("%w: empty attachment", ErrFetchFailure))
	case d.tooLarge(int64(len(data))):
		return d.fail(ctx, transport, log, fmt.Errorf("%w: fetched %d bytes", ErrImageTooLarge, len(data)))
	}

	stored := d.store.Put(event.ConversationID, data, mediaType)
	log.Info("Image stored",
		"media_type", stored.MediaType,
		"bytes", len(stored.Data),
		"fetch_ms", time.Since(startedAt).Milliseconds(),
	)
	d.publish(ctx, event, "", bus.EventImageStored, map[string]string{
		"media_type": string(stored.MediaType),
		"bytes":      strconv.Itoa(len(stored.Data)),
	}, nil)

	return transport.SendOptions(ctx, msgImageReceived, action.Keyboard())
}

func (d *Dispatcher) handleSelection(ctx context.Context, transport channel.Transport, event bus.InboundEvent, log *slog.Logger) error {
	requestID := d.newRequestID()
	log = log.With("request_id", requestID, "action", event.ActionID)

	if err := transport.AckSelection(ctx, event.CallbackID); err != nil {
		log.Warn("Failed to acknowledge selection", "error", err)
	}

	current, ok := d.store.Get(event.ConversationID)
	if !ok {
		return d.fail(ctx, transport, log, ErrNoActiveSession)
	}

	actionID, err := action.Parse(event.ActionID)
	if err != nil {
		return d.fail(ctx, transport, log, err)
	}
	instruction, err := action.Instruction(actionID)
	if err != nil {
		return d.fail(ctx, transport, log, err)
	}

	if d.opts.SingleFlight {
		release, acquired := d.acquire(event.ConversationID)
		if !acquired {
			return d.fail(ctx, transport, log, ErrBusy)
		}
		defer release()
	}

	d.publish(ctx, event, requestID, bus.EventActionRequested, map[string]string{"action": string(actionID)}, nil)

	if err := transport.SendText(ctx, msgProcessing); err != nil {
		log.Warn("Failed to send processing notice", "error", err)
	}

	stopTyping := func() {}
	if indicator, ok := transport.(channel.TypingIndicator); ok {
		stopTyping = indicator.StartTyping(ctx)
	}

	startedAt := time.Now()
	result, err := d.describe(ctx, providertypes.ImageRequest{
		Instruction: instruction,
		Image:       current.Data,
		MediaType:   string(current.MediaType),
	})
	stopTyping()
	durationMS := strconv.FormatInt(time.Since(startedAt).Milliseconds(), 10)

	if err != nil {
		d.publish(ctx, event, requestID, bus.EventActionFailed, map[string]string{
			"action":      string(actionID),
			"duration_ms": durationMS,
		}, err)
		return d.fail(ctx, transport, log, err)
	}

	log.Info("Action completed",
		"provider", result.Metadata.Provider,
		"model", result.Metadata.Model,
		"duration_ms", durationMS,
		"response_length", len(result.Text),
	)
	d.publish(ctx, event, requestID, bus.EventActionCompleted, completedPayload(actionID, durationMS, result), nil)

	if err := transport.SendText(ctx, result.Text); err != nil {
		return fmt.Errorf("send result: %w", err)
	}

	return transport.SendOptions(ctx, msgAnotherAction, action.Keyboard())
}

func (d *Dispatcher) handleCommand(ctx context.Context, transport channel.Transport, event bus.InboundEvent) error {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(event.Command), "/")) {
	case "start", "help":
		return transport.SendText(ctx, msgUsage)
	default:
		return transport.SendText(ctx, msgAskForImage)
	}
}

// describe calls the model under the request timeout. A deadline hit on the call's
// own context is reported as ErrAITimeout; anything else is ErrAIInvocation.
func (d *Dispatcher) describe(ctx context.Context, req providertypes.ImageRequest) (providertypes.PromptResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
	defer cancel()

	result, err := d.model.Describe(callCtx, req)
	if err == nil && strings.TrimSpace(result.Text) == "" {
		err = errors.New("model returned no text")
	}
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return providertypes.PromptResult{}, fmt.Errorf("%w after %s: %w", ErrAITimeout, d.opts.RequestTimeout, err)
		}
		return providertypes.PromptResult{}, fmt.Errorf("%w: %w", ErrAIInvocation, err)
	}

	return result, nil
}

// fail reports err to the user and returns it, joined with any delivery error.
func (d *Dispatcher) fail(ctx context.Context, transport channel.Transport, log *slog.Logger, err error) error {
	log.Info("Event rejected", "error", err)

	if sendErr := transport.SendText(ctx, userMessage(err)); sendErr != nil {
		log.Warn("Failed to deliver error reply", "error", sendErr)
		return errors.Join(err, sendErr)
	}

	return err
}

// acquire claims the conversation's slot. The entry lives only while held,
// so the map tracks in-flight selections and nothing else.
func (d *Dispatcher) acquire(conversationID string) (func(), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sem, ok := d.inflight[conversationID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		d.inflight[conversationID] = sem
	}
	if !sem.TryAcquire(1) {
		return nil, false
	}

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		sem.Release(1)
		if d.inflight[conversationID] == sem {
			delete(d.inflight, conversationID)
		}
	}, true
}

func (d *Dispatcher) tooLarge(size int64) bool {
	return d.opts.MaxImageBytes > 0 && size > d.opts.MaxImageBytes
}

func (d *Dispatcher) publish(ctx context.Context, event bus.InboundEvent, requestID string, eventType bus.EventType, payload map[string]string, err error) {
	if d.events == nil {
		return
	}

	out := bus.Event{
		Type:           eventType,
		Channel:        event.Channel,
		ConversationID: event.ConversationID,
		RequestID:      requestID,
		Payload:        payload,
	}
	if err != nil {
		out.Error = err.Error()
	}

	d.events.PublishEvent(ctx, out)
}

// resolveMediaType validates a document's declared type before anything is fetched.
// Photos carry no declared type and are re-encoded as JPEG by the platforms.
func resolveMediaType(kind bus.InboundKind, ref media.Ref) (media.Type, error) {
	declared := strings.TrimSpace(ref.DeclaredType)
	if kind == bus.KindImage && declared == "" {
		return media.JPEG, nil
	}
	if declared == "" {
		declared = media.FromFileName(ref.FileName)
	}

	return media.Parse(declared)
}

func completedPayload(actionID action.ID, durationMS string, result providertypes.PromptResult) map[string]string {
	payload := map[string]string{
		"action":      string(actionID),
		"duration_ms": durationMS,
		"provider":    result.Metadata.Provider,
		"model":       result.Metadata.Model,
	}
	if usage := result.Metadata.Usage; usage != nil {
		payload["input_tokens"] = strconv.FormatInt(usage.InputTokens, 10)
		payload["output_tokens"] = strconv.FormatInt(usage.OutputTokens, 10)
		payload["total_tokens"] = strconv.FormatInt(usage.TotalTokens, 10)
	}

	return payload
}
