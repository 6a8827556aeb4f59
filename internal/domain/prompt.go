package domain

import (
	"fmt"
	"strings"
)

// SafetyMode controls which content-filter prompt text is injected.
type SafetyMode string

const (
	SafetyFull         SafetyMode = "full"
	SafetyPositiveOnly SafetyMode = "positive_only"
	SafetyNone         SafetyMode = "none"
)

// ParseSafetyMode maps user or API input onto a SafetyMode. Empty input
// selects SafetyFull.
func ParseSafetyMode(s string) (SafetyMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "full", "safe":
		return SafetyFull, nil
	case "positive_only", "positive", "pure":
		return SafetyPositiveOnly, nil
	case "none", "off", "raw":
		return SafetyNone, nil
	default:
		return "", fmt.Errorf("%w: unknown safety mode %q", ErrInvalidRequest, s)
	}
}

// Filtered reports whether prompts in this mode go through the ASCII guard.
func (m SafetyMode) Filtered() bool {
	return m == SafetyFull || m == SafetyPositiveOnly
}

// EffectivePrompt is the prompt pair actually sent to the backend.
type EffectivePrompt struct {
	Positive string
	Negative string
}
