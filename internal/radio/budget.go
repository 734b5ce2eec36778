package radio

import (
	"strings"
	"unicode/utf8"
)

// Byte limits for text handed to the mesh.
const (
	SoftLimitBytes = 200
	HardLimitBytes = 220
	// LinkMaxBytes is the largest text payload the radio accepts.
	LinkMaxBytes = 237
)

const ellipsis = "..."

// FitPayload trims text to the radio byte budget. Text over soft bytes is cut
// at soft-3 on a rune boundary, backed off to the last space when that keeps
// more than half, and given an ellipsis. Anything still over hard is cut at
// hard-3 with an ellipsis. Non-positive limits use the defaults.
func FitPayload(text string, soft, hard int) string {
	if soft <= 0 {
		soft = SoftLimitBytes
	}
	if hard <= 0 {
		hard = HardLimitBytes
	}
	if len(text) > soft {
		cut := truncateBytes(text, soft-len(ellipsis))
		if i := strings.LastIndex(cut, " "); i > len(cut)/2 {
			cut = cut[:i]
		}
		text = cut + ellipsis
	}
	if len(text) > hard {
		text = truncateBytes(text, hard-len(ellipsis)) + ellipsis
	}
	return text
}

// truncateBytes returns the longest prefix of s no longer than n bytes that
// ends on a rune boundary.
func truncateBytes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
