// Package prompt applies the safety policy to raw user prompts.
package prompt

import (
	"strings"
	"unicode"

	"fooocusbot/internal/domain"
)

// nonASCIIThreshold is the share of non-ASCII runes at which a filtered
// prompt is refused.
const nonASCIIThreshold = 0.1

// Policy holds the safety texts injected for the filtered modes.
type Policy struct {
	PositiveText string
	NegativeText string
}

// NewPolicy builds a Policy from the configured safety texts.
func NewPolicy(positive, negative string) Policy {
	return Policy{PositiveText: positive, NegativeText: negative}
}

// Apply computes the prompt pair sent to the backend. It never fails.
func (p Policy) Apply(raw string, mode domain.SafetyMode) domain.EffectivePrompt {
	switch mode {
	case domain.SafetyFull:
		return domain.EffectivePrompt{
			Positive: raw + ", " + p.PositiveText,
			Negative: p.NegativeText,
		}
	case domain.SafetyPositiveOnly:
		return domain.EffectivePrompt{Positive: raw + ", " + p.PositiveText}
	default:
		return domain.EffectivePrompt{Positive: raw}
	}
}

// IsPrimarilyASCII reports whether fewer than 10% of the non-space runes in
// text are outside ASCII. Text with no non-space runes is not ASCII-dominant.
func IsPrimarilyASCII(text string) bool {
	var total, foreign int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if r > unicode.MaxASCII {
			foreign++
		}
	}
	if total == 0 {
		return false
	}
	return float64(foreign)/float64(total) < nonASCIIThreshold
}

// Usable reports whether a prompt has any content once trimmed.
func Usable(text string) bool {
	return strings.TrimSpace(text) != ""
}
