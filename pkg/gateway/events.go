package gateway

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"lenslate/pkg/bus"
)

const eventBufferSize = 64

// eventCounters tallies dispatcher events by type for /status.
type eventCounters struct {
	mu     sync.Mutex
	counts map[bus.EventType]int64
}

func newEventCounters() *eventCounters {
	return &eventCounters{counts: make(map[bus.EventType]int64)}
}

func (c *eventCounters) add(eventType bus.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[eventType]++
}

func (c *eventCounters) snapshot() map[bus.EventType]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.counts)
}

// observeEvents logs and counts events until ctx is done or the subscription closes.
// Events dropped by the bus for a full buffer are not counted.
func observeEvents(ctx context.Context, events <-chan bus.Event, counters *eventCounters, log *slog.Logger) {
	log = log.With("component", "bus.events")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			counters.add(event.Type)
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"request_id", event.RequestID,
		"channel", event.Channel,
		"conversation_id", event.ConversationID,
		"timestamp", event.At.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case bus.EventActionFailed:
		log.Error("Dispatch event", append(attrs, "error", event.Error)...)
	case bus.EventImageRejected:
		log.Warn("Dispatch event", attrs...)
	case bus.EventImageStored, bus.EventActionRequested, bus.EventActionCompleted:
		log.Info("Dispatch event", attrs...)
	default:
		log.Debug("Dispatch event", attrs...)
	}
}
