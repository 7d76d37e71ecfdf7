package media

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
)

// Type is one of the image media types the relay accepts.
type Type string

const (
	JPEG Type = "image/jpeg"
	PNG  Type = "image/png"
	GIF  Type = "image/gif"
	WebP Type = "image/webp"
)

var (
	// ErrUnsupportedType is returned for declared types outside the accepted set.
	ErrUnsupportedType = errors.New("unsupported media type")
	// ErrTooLarge is returned when an attachment exceeds the configured byte cap.
	ErrTooLarge = errors.New("attachment too large")
)

var supported = []Type{JPEG, PNG, GIF, WebP}

var displayNames = map[Type]string{
	JPEG: "JPEG",
	PNG:  "PNG",
	GIF:  "GIF",
	WebP: "WebP",
}

// Ref points at an inbound attachment without holding its bytes.
type Ref struct {
	FileID       string
	URL          string
	FileName     string
	DeclaredType string
	Size         int64
}

// Fetcher resolves an attachment reference to raw bytes.
type Fetcher interface {
	Fetch(ctx context.Context, ref Ref) ([]byte, error)
}

// Parse normalizes a declared MIME type and checks it against the accepted set.
func Parse(declared string) (Type, error) {
	value := strings.ToLower(strings.TrimSpace(declared))
	if value == "" {
		return "", fmt.Errorf("%w: empty", ErrUnsupportedType)
	}

	if parsed, _, err := mime.ParseMediaType(value); err == nil {
		value = parsed
	}
	if value == "image/jpg" || value == "image/pjpeg" {
		value = string(JPEG)
	}

	for _, t := range supported {
		if string(t) == value {
			return t, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, value)
}

// Supported returns the accepted media types in display order.
func Supported() []Type {
	out := make([]Type, len(supported))
	copy(out, supported)
	return out
}

// Describe renders the accepted types for user-facing messages.
func Describe() string {
	names := make([]string, 0, len(supported))
	for _, t := range supported {
		names = append(names, displayNames[t])
	}

	return strings.Join(names, ", ")
}

// FromFileName guesses a media type from a file extension. It returns the empty
// string when the extension is unknown.
func FromFileName(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}

	ext := strings.ToLower(name[idx:])
	switch ext {
	case ".jpg", ".jpeg":
		return string(JPEG)
	case ".png":
		return string(PNG)
	case ".gif":
		return string(GIF)
	case ".webp":
		return string(WebP)
	}

	return mime.TypeByExtension(ext)
}
