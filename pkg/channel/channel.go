package channel

import (
	"context"

	"lenslate/pkg/action"
	"lenslate/pkg/bus"
	"lenslate/pkg/media"
)

// Transport is the reply surface for one conversation on one chat platform.
// Adapters build one per inbound event.
type Transport interface {
	media.Fetcher
	SendText(ctx context.Context, text string) error
	SendOptions(ctx context.Context, text string, rows [][]action.Option) error
	// AckSelection acknowledges an option-selected event so the client can dismiss
	// its loading indicator.
	AckSelection(ctx context.Context, callbackID string) error
}

// TypingIndicator is implemented by transports that can show a busy state.
type TypingIndicator interface {
	StartTyping(ctx context.Context) (stop func())
}

// Handler processes one inbound event against the transport it arrived on.
type Handler func(context.Context, Transport, bus.InboundEvent) error

// Adapter bridges one external transport (for example Telegram) into lenslate.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}
