package llmcontext

import (
	"fmt"
	"strings"
	"time"
)

// DefaultSystemPrompt is used when no prompt is configured.
const DefaultSystemPrompt = `You're a helpful assistant on a Meshtastic mesh radio network.

RULES:
- Max 150 characters! Be VERY brief.
- No emojis (cost 4 bytes each on LoRa radio).
- Answer the user's ACTUAL question directly.
- Use the provided context data ONLY when relevant to the question.
- Do NOT echo back signal/device data unless specifically asked.
- One short sentence answers only.`

// Signal is the link quality of the message being answered.
type Signal struct {
	SNR      *float64
	RSSI     *int64
	HopStart *int64
	HopLimit *int64
}

// SignalContext describes the sender's link in words, or "" when nothing
// is known.
func SignalContext(sig Signal) string {
	var parts []string
	if sig.SNR != nil {
		parts = append(parts, fmt.Sprintf("SNR: %sdB (%s)", formatFloat(*sig.SNR), snrQuality(*sig.SNR)))
	}
	if sig.RSSI != nil && *sig.RSSI != 0 {
		parts = append(parts, fmt.Sprintf("RSSI: %ddBm (%s)", *sig.RSSI, rssiStrength(*sig.RSSI)))
	}
	if sig.HopStart != nil && sig.HopLimit != nil && *sig.HopStart > 0 {
		switch hops := *sig.HopStart - *sig.HopLimit; hops {
		case 0:
			parts = append(parts, "Direct connection (no hops)")
		case 1:
			parts = append(parts, "1 hop away")
		default:
			parts = append(parts, fmt.Sprintf("%d hops away", hops))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "Their signal: " + strings.Join(parts, ", ")
}

func snrQuality(snr float64) string {
	switch {
	case snr > 10:
		return "excellent"
	case snr > 5:
		return "good"
	case snr > 0:
		return "fair"
	case snr > -5:
		return "weak"
	default:
		return "very weak"
	}
}

func rssiStrength(rssi int64) string {
	switch {
	case rssi > -70:
		return "strong"
	case rssi > -90:
		return "moderate"
	case rssi > -110:
		return "weak"
	default:
		return "very weak"
	}
}

// DateTimeBlock tells the model the real date, time and place so it does
// not fall back on its training cutoff.
func DateTimeBlock(now time.Time, location string) string {
	return fmt.Sprintf(`CURRENT REAL-TIME INFO (USE THIS, NOT YOUR TRAINING DATA):
- Today is: %s
- Current time: %s
- Location: %s
- IMPORTANT: Always use this date/time when asked - your training data is outdated!`,
		now.Format("Monday, January 02, 2006"), now.Format("03:04 PM MST"), location)
}

// Prompt is the user-turn text sent to the model. Empty blocks are skipped.
type Prompt struct {
	Now      time.Time
	Location string
	Signal   string
	Health   string
	Weather  string
	Context  string
	FromName string
	Message  string
}

// Render joins the blocks in the order the model expects.
func (p Prompt) Render() string {
	blocks := []string{DateTimeBlock(p.Now, p.Location)}
	for _, b := range []string{p.Signal, p.Health, p.Weather} {
		if b != "" {
			blocks = append(blocks, b)
		}
	}
	if p.Context != "" {
		blocks = append(blocks, "Context:\n"+p.Context)
	}
	blocks = append(blocks,
		fmt.Sprintf("Current message from %s: %s", p.FromName, p.Message),
		fmt.Sprintf(`IMPORTANT: The sender's name is %q. If you address them, use %q - never use placeholders like @username.`, p.FromName, p.FromName),
	)
	return strings.Join(blocks, sectionSep)
}
