package channel

import "strings"

// SplitText breaks text into chunks of at most limit runes, preferring newline
// and then space boundaries.
func SplitText(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 {
		return []string{text}
	}

	runes := []rune(text)
	chunks := make([]string, 0, len(runes)/limit+1)
	for len(runes) > limit {
		cut := lastBreak(runes[:limit])
		if cut <= 0 {
			cut = limit
		}

		chunk := strings.TrimSpace(string(runes[:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = []rune(strings.TrimLeft(string(runes[cut:]), " \n"))
	}

	if rest := strings.TrimSpace(string(runes)); rest != "" {
		chunks = append(chunks, rest)
	}

	return chunks
}

func lastBreak(runes []rune) int {
	for _, sep := range []rune{'\n', ' '} {
		for i := len(runes) - 1; i > len(runes)/2; i-- {
			if runes[i] == sep {
				return i
			}
		}
	}

	return -1
}
