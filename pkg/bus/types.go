package bus

import "lenslate/pkg/media"

// InboundKind classifies one inbound transport event.
type InboundKind string

const (
	KindImage     InboundKind = "image"
	KindDocument  InboundKind = "document"
	KindText      InboundKind = "text"
	KindCommand   InboundKind = "command"
	KindSelection InboundKind = "selection"
)

// InboundEvent is the transport-neutral shape of one update from a chat platform.
type InboundEvent struct {
	Kind           InboundKind       `json:"kind"`
	Channel        string            `json:"channel"`
	SenderID       string            `json:"sender_id"`
	ConversationID string            `json:"conversation_id"`
	Text           string            `json:"text,omitempty"`
	Command        string            `json:"command,omitempty"`
	Attachment     *media.Ref        `json:"attachment,omitempty"`
	ActionID       string            `json:"action_id,omitempty"`
	CallbackID     string            `json:"callback_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}
