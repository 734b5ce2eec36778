package filter

import (
	"regexp"
	"unicode/utf8"
)

// MaxInputRunes caps sanitized user text.
const MaxInputRunes = 500

const truncatedMarker = "... [truncated]"

type rewrite struct {
	pattern     *regexp.Regexp
	replacement string
}

var injectionRewrites = []rewrite{
	// Role impersonation.
	{regexp.MustCompile(`(?i)\[?(system|assistant|ai|bot)\]?\s*:`), "[USER_MSG]:"},
	{regexp.MustCompile(`(?i)^(system|assistant):`), "[USER_MSG]:"},
	// Instruction override.
	{regexp.MustCompile(`(?i)ignore (all )?(previous|above|prior) (instructions|prompts|rules)`), "[BLOCKED]"},
	{regexp.MustCompile(`(?i)disregard (all )?(previous|above|prior)`), "[BLOCKED]"},
	{regexp.MustCompile(`(?i)forget (all )?(previous|above|prior)`), "[BLOCKED]"},
	{regexp.MustCompile(`(?i)new (instructions|rules|prompt):`), "[BLOCKED]:"},
	{regexp.MustCompile(`(?i)override (instructions|rules|prompt)`), "[BLOCKED]"},
	// Fake context markers.
	{regexp.MustCompile(`(?i)\[context\]`), "[USER_CONTEXT]"},
	{regexp.MustCompile(`(?i)\[instructions?\]`), "[USER_NOTE]"},
	{regexp.MustCompile(`<<.*?>>`), ""},
	// Role play.
	{regexp.MustCompile(`(?i)pretend (to be|you are|you're)`), "imagine"},
	{regexp.MustCompile(`(?i)act as (if )?(you are|you're)`), "imagine"},
	{regexp.MustCompile(`(?i)you are now`), "imagine you were"},
	// Jailbreaks.
	{regexp.MustCompile(`(?i)DAN\s*mode`), "[BLOCKED]"},
	{regexp.MustCompile(`(?i)developer mode`), "[BLOCKED]"},
	{regexp.MustCompile(`(?i)jailbreak`), "[BLOCKED]"},
}

// Sanitize neutralises prompt-injection phrasing and caps the text at
// MaxInputRunes. The boolean reports whether anything changed.
func Sanitize(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	out := text
	for _, rw := range injectionRewrites {
		out = rw.pattern.ReplaceAllLiteralString(out, rw.replacement)
	}
	if utf8.RuneCountInString(out) > MaxInputRunes {
		out = string([]rune(out)[:MaxInputRunes]) + truncatedMarker
	}
	return out, out != text
}
