package telegram

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageLength is the chunk size used for outgoing text, below the API's 4096 limit.
const MaxMessageLength = 4000

// SplitMessage cuts text into chunks of at most limit runes, preferring line
// breaks, then spaces. Concatenating the chunks yields text.
func SplitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= limit || limit <= 0 {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		window := string(runes[:limit])
		cut := breakPoint(window, '\n', limit)
		if cut == 0 {
			cut = breakPoint(window, ' ', limit)
		}
		if cut == 0 {
			cut = limit
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// breakPoint returns the rune count up to and including the last sep in the
// second half of window, or 0 if there is none.
func breakPoint(window string, sep byte, limit int) int {
	i := strings.LastIndexByte(window, sep)
	if i < 0 {
		return 0
	}
	if n := utf8.RuneCountInString(window[:i+1]); n > limit/2 {
		return n
	}
	return 0
}
