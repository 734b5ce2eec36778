package llmcontext

import (
	"strings"
	"unicode"
)

// Intent is a coarse classification of a user message. It decides which
// context sections a prompt receives.
type Intent string

const (
	IntentGreeting Intent = "greeting"
	IntentCasual   Intent = "casual"
	IntentQuestion Intent = "question"
	IntentWeather  Intent = "weather"
	IntentSignal   Intent = "signal"
	IntentNetwork  Intent = "network"
)

var (
	networkKeywords = []string{"mesh", "network", "topology", "nodes", "node count", "how many"}
	signalKeywords  = []string{
		"signal", "snr", "rssi", "connection", "reception", "how am i", "how's my",
		"can you hear", "receiving", "hops", "range", "strength", "quality",
	}
	weatherKeywords = []string{
		"weather", "temperature", "temp", "forecast", "rain", "hot", "cold", "humid",
		"wind", "sunny", "cloudy", "storm", "outside", "degrees",
	}
	greetingWords = map[string]bool{
		"hi": true, "hello": true, "hey": true, "howdy": true, "hiya": true, "yo": true,
		"greetings": true, "morning": true, "evening": true, "afternoon": true, "sup": true,
	}
	questionWords = map[string]bool{
		"what": true, "who": true, "where": true, "when": true, "why": true, "how": true,
		"which": true, "can": true, "could": true, "would": true, "should": true,
		"is": true, "are": true, "do": true, "does": true, "did": true, "will": true,
	}
)

// ClassifyIntent picks the intent of text. Keyword families are checked in
// the order network, signal, weather; then short salutations count as
// greetings and anything phrased as a question as a question. Everything
// else is casual.
func ClassifyIntent(text string) Intent {
	lower := strings.ToLower(strings.TrimSpace(text))
	switch {
	case IsNetworkQuery(lower):
		return IntentNetwork
	case IsSignalQuery(lower):
		return IntentSignal
	case IsWeatherQuery(lower):
		return IntentWeather
	}

	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	if isGreeting(words) && !strings.Contains(lower, "?") {
		return IntentGreeting
	}
	if strings.Contains(lower, "?") || (len(words) > 0 && questionWords[words[0]]) {
		return IntentQuestion
	}
	return IntentCasual
}

func isGreeting(words []string) bool {
	if len(words) == 0 || len(words) > 4 {
		return false
	}
	if words[0] == "good" && len(words) > 1 {
		return greetingWords[words[1]]
	}
	return greetingWords[words[0]]
}

// IsNetworkQuery reports whether text asks about the mesh as a whole.
func IsNetworkQuery(text string) bool {
	return containsAny(strings.ToLower(text), networkKeywords)
}

// IsSignalQuery reports whether text asks about the sender's link quality.
func IsSignalQuery(text string) bool {
	return containsAny(strings.ToLower(text), signalKeywords)
}

// IsWeatherQuery reports whether text asks about the weather.
func IsWeatherQuery(text string) bool {
	return containsAny(strings.ToLower(text), weatherKeywords)
}

// WantsForecast reports whether a weather question looks ahead.
func WantsForecast(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "forecast") || strings.Contains(lower, "later")
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
