package coordinator

import (
	"strings"
	"unicode"
)

// maxTitleLength is how much of the first user message becomes the title.
const maxTitleLength = 50

// DeriveTitle builds a session title from the first user message: the
// leading 50 characters, whitespace-trimmed, trailing punctuation
// stripped, first letter upper-cased.
func DeriveTitle(text string) string {
	title := strings.TrimSpace(text)

	runes := []rune(title)
	if len(runes) > maxTitleLength {
		runes = runes[:maxTitleLength]
	}

	// Drop trailing punctuation left over from the sentence or the cut.
	end := len(runes)
	for end > 0 && (unicode.IsPunct(runes[end-1]) || unicode.IsSpace(runes[end-1])) {
		end--
	}
	runes = runes[:end]

	if len(runes) == 0 {
		return ""
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
