package dispatch

import (
	"errors"

	"lenslate/pkg/action"
	"lenslate/pkg/media"
)

// Error kinds returned by Dispatcher.Handle. Each one has already been turned into
// a reply to the user by the time Handle returns.
var (
	ErrFetchFailure         = errors.New("attachment fetch failed")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrImageTooLarge        = errors.New("image too large")
	ErrNoActiveSession      = errors.New("no active session")
	ErrUnknownAction        = action.ErrUnknownAction
	ErrAIInvocation         = errors.New("ai invocation failed")
	ErrAITimeout            = errors.New("ai invocation timed out")
	ErrBusy                 = errors.New("selection already in flight")
	ErrInternal             = errors.New("internal dispatcher error")
)

// userMessage maps a classified error to the reply shown to the user.
func userMessage(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedMediaType), errors.Is(err, media.ErrUnsupportedType):
		return msgUnsupportedType()
	case errors.Is(err, ErrImageTooLarge), errors.Is(err, media.ErrTooLarge):
		return msgImageTooLarge
	case errors.Is(err, ErrFetchFailure):
		return msgFetchFailed
	case errors.Is(err, ErrNoActiveSession):
		return msgNoActiveSession
	case errors.Is(err, ErrUnknownAction):
		return msgUnknownAction
	case errors.Is(err, ErrAITimeout):
		return msgAITimeout
	case errors.Is(err, ErrBusy):
		return msgBusy
	default:
		return msgAIFailed
	}
}
