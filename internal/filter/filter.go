package filter

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Category names a reason for rejecting text.
type Category string

const (
	CategoryNone          Category = ""
	CategoryHateSpeech    Category = "hate_speech"
	CategoryViolence      Category = "violence"
	CategoryIllegal       Category = "illegal"
	CategoryProfanity     Category = "profanity"
	CategoryExplicit      Category = "explicit"
	CategoryScam          Category = "scam"
	CategorySensitiveInfo Category = "sensitive_info"
	CategorySpam          Category = "spam"
)

// RephraseReply replaces a generated reply that failed the filter.
const RephraseReply = "I need to rephrase that. Let me try again."

var (
	hatePattern = regexp.MustCompile(`(?i)` + strings.Join([]string{
		`\b(kill|murder|exterminate)\s+(all|every)\s+\w+`,
		`\b(death\s+to|die)\s+\w+`,
		`\bn+[i1]+g+[g3]+[e3a]+r*`,
		`\bk+[i1]+k+e+`,
		`\bsp+[i1]+c+`,
		`\bch+[i1]+n+k+`,
	}, "|"))
	violencePattern = regexp.MustCompile(`(?i)` + strings.Join([]string{
		`\b(going to|gonna|will)\s+(kill|shoot|stab|hurt|attack)`,
		`\b(bomb|explosive|weapon)\s+(threat|attack)`,
		`\bi'?ll\s+(kill|shoot|stab|hurt)`,
		`\bkill\s+your?(self)?`,
		`\bharm\s+(you|your|myself)`,
	}, "|"))
	illegalPattern = regexp.MustCompile(`(?i)` + strings.Join([]string{
		`\b(buy|sell|get)\s+(drugs?|cocaine|heroin|meth)`,
		`\b(hack|crack)\s+(password|account|system)`,
		`\b(child|kid)\s+(porn|nude|naked)`,
		`\bhow\s+to\s+(make|build)\s+(bomb|explosive|weapon)`,
		`\bsteal\s+(credit|identity|money)`,
	}, "|"))
	profanityPattern = regexp.MustCompile(`(?i)` + strings.Join([]string{
		`\bf+u+c+k+`, `\bs+h+i+t+`, `\ba+s+s+h+o+l+e`,
		`\bb+i+t+c+h+`, `\bd+a+m+n+`, `\bc+u+n+t+`,
		`\bd+i+c+k+`, `\bp+i+s+s+`, `\bc+o+c+k+`,
		`\bw+h+o+r+e+`, `\bs+l+u+t+`, `\bf+a+g+`,
	}, "|"))
	explicitPattern = regexp.MustCompile(`(?i)` + strings.Join([]string{
		`\b(nude|naked|sex|porn)`,
		`\bsend\s+(nudes?|pics?|photos?)`,
		`\b(penis|vagina|breasts?)`,
	}, "|"))
	scamPattern = regexp.MustCompile(`(?i)` + strings.Join([]string{
		`\b(send|give)\s+(me\s+)?(money|bitcoin|crypto|btc)`,
		`\b(won|winner|lottery|prize)`,
		`\b(nigerian|prince|inheritance)`,
		`\bclick\s+(this|here|link)`,
		`\bfree\s+(money|crypto|bitcoin)`,
	}, "|"))

	ssnPattern  = regexp.MustCompile(`\b\d{3}[-\s]?\d{2}[-\s]?\d{4}\b`)
	cardPattern = regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`)
)

const (
	repeatRun     = 5
	capsThreshold = 0.7
	capsMinLength = 10
)

type check struct {
	pattern  *regexp.Regexp
	category Category
	reason   string
}

var (
	baseChecks = []check{
		{hatePattern, CategoryHateSpeech, "Contains hate speech"},
		{violencePattern, CategoryViolence, "Contains violent threats"},
		{illegalPattern, CategoryIllegal, "References illegal activity"},
	}
	strictChecks = []check{
		{profanityPattern, CategoryProfanity, "Contains profanity"},
		{explicitPattern, CategoryExplicit, "Contains explicit content"},
		{scamPattern, CategoryScam, "Appears to be a scam"},
	}
)

// Result is a filter decision.
type Result struct {
	Allowed  bool
	Category Category
	Reason   string
	// Redacted is set for sensitive-info rejections.
	Redacted string
}

// Filter classifies text against ordered category patterns.
type Filter struct {
	checks []check
}

// New builds a filter. Strict mode adds profanity, explicit content and
// scam checks after the base categories.
func New(strict bool) *Filter {
	checks := append([]check(nil), baseChecks...)
	if strict {
		checks = append(checks, strictChecks...)
	}
	return &Filter{checks: checks}
}

// Check returns the first matching category, then sensitive-info and spam
// heuristics. Empty text is allowed.
func (f *Filter) Check(text string) Result {
	if text == "" {
		return Result{Allowed: true}
	}
	for _, c := range f.checks {
		if c.pattern.MatchString(text) {
			return Result{Category: c.category, Reason: c.reason}
		}
	}
	if ssnPattern.MatchString(text) || cardPattern.MatchString(text) {
		return Result{
			Category: CategorySensitiveInfo,
			Reason:   "Contains sensitive personal information",
			Redacted: redact(text),
		}
	}
	if reason := spamReason(text); reason != "" {
		return Result{Category: CategorySpam, Reason: reason}
	}
	return Result{Allowed: true}
}

// SafeReply returns the canned reply for a rejection. Spam gets none.
func SafeReply(r Result) (string, bool) {
	switch r.Category {
	case CategoryHateSpeech:
		return "I can't respond to that kind of message.", true
	case CategoryViolence:
		return "I won't engage with threats or violent content.", true
	case CategoryIllegal:
		return "I can't help with that.", true
	case CategorySensitiveInfo:
		return "Please don't share sensitive personal information over mesh radio.", true
	case CategorySpam:
		return "", false
	case CategoryScam:
		return "That looks like a scam. Be careful!", true
	default:
		return "I can't respond to that message.", true
	}
}

// CheckReply applies the filter to generated text and substitutes
// RephraseReply when it is rejected.
func (f *Filter) CheckReply(reply string) (string, Result) {
	res := f.Check(reply)
	if res.Allowed {
		return reply, res
	}
	return RephraseReply, res
}

func redact(text string) string {
	text = ssnPattern.ReplaceAllString(text, "[SSN REDACTED]")
	return cardPattern.ReplaceAllString(text, "[CARD REDACTED]")
}

func spamReason(text string) string {
	if hasRepeatRun(text, repeatRun) {
		return "Excessive character repetition"
	}
	length := utf8.RuneCountInString(text)
	if length > capsMinLength {
		upper := 0
		for _, r := range text {
			if unicode.IsUpper(r) {
				upper++
			}
		}
		if float64(upper)/float64(length) > capsThreshold {
			return "Excessive capitalization"
		}
	}
	return ""
}

// hasRepeatRun reports whether any character other than a newline repeats
// n or more times in a row.
func hasRepeatRun(text string, n int) bool {
	var (
		prev rune = -1
		run  int
	)
	for _, r := range text {
		if r == prev && r != '\n' {
			run++
		} else {
			prev, run = r, 1
		}
		if run >= n {
			return true
		}
	}
	return false
}
