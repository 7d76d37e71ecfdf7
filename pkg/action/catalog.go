// Package action holds the closed set of post-processing actions a user can pick
// once an image is available, and the instruction sent to the model for each.
package action

import (
	"errors"
	"fmt"
	"strings"
)

// ID identifies one selectable action. Values travel as opaque callback data.
type ID string

const (
	TranslateEnglish ID = "translate_en"
	TranslateRussian ID = "translate_ru"
	Transcribe       ID = "transcribe"
)

// ErrUnknownAction is returned for identifiers outside the catalog.
var ErrUnknownAction = errors.New("unknown action")

// Option is one selectable choice rendered to the user.
type Option struct {
	Label string
	ID    ID
}

var keyboard = [][]Option{
	{
		{Label: "🇬🇧 Translate to English", ID: TranslateEnglish},
		{Label: "🇷🇺 Translate to Russian", ID: TranslateRussian},
	},
	{
		{Label: "📝 Transcribe text", ID: Transcribe},
	},
}

// Parse trims raw callback data into an ID and validates it.
func Parse(raw string) (ID, error) {
	id := ID(strings.TrimSpace(raw))
	if _, err := Instruction(id); err != nil {
		return "", err
	}

	return id, nil
}

// Instruction returns the model instruction for id.
func Instruction(id ID) (string, error) {
	switch id {
	case TranslateEnglish:
		return "Translate all text visible in this image to English. If there is no text, just say \"No text found in image\". Provide only the translation, nothing else.", nil
	case TranslateRussian:
		return "Переведи весь текст, видимый на этом изображении, на русский язык. Если текста нет, просто скажи \"Текст на изображении не найден\". Предоставь только перевод, ничего больше.", nil
	case Transcribe:
		return "Extract and transcribe all text visible in this image exactly as it appears. Preserve the original language. If there is no text, say \"No text found in image\". Provide only the transcribed text.", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, string(id))
	}
}

// Options returns every selectable option in display order.
func Options() []Option {
	out := make([]Option, 0, 3)
	for _, row := range keyboard {
		out = append(out, row...)
	}

	return out
}

// Keyboard returns the options grouped into display rows. The result is a fresh
// copy on every call.
func Keyboard() [][]Option {
	rows := make([][]Option, len(keyboard))
	for i, row := range keyboard {
		rows[i] = append([]Option(nil), row...)
	}

	return rows
}

// Label returns the display label for id, or the raw id when it is unknown.
func Label(id ID) string {
	for _, option := range Options() {
		if option.ID == id {
			return option.Label
		}
	}

	return string(id)
}
