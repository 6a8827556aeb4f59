package domain

import (
	"fmt"
	"strings"
)

// DefaultMaxImageCount bounds the images of one request; it equals the
// largest album a chat platform will render as one message.
const DefaultMaxImageCount = 10

// GenerationRequest is one user-issued generation action.
type GenerationRequest struct {
	Prompt     string
	Model      string
	ImageCount int
	Safety     SafetyMode
}

// Validate checks the request against the configured image limit.
func (r GenerationRequest) Validate(maxImages int) error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if maxImages <= 0 {
		maxImages = DefaultMaxImageCount
	}
	if r.ImageCount < 1 || r.ImageCount > maxImages {
		return fmt.Errorf("%w: image count must be between 1 and %d", ErrInvalidRequest, maxImages)
	}
	switch r.Safety {
	case SafetyFull, SafetyPositiveOnly, SafetyNone:
	default:
		return fmt.Errorf("%w: unknown safety mode %q", ErrInvalidRequest, r.Safety)
	}
	return nil
}

// ModelLabel is the model name shown to users.
func (r GenerationRequest) ModelLabel() string {
	if m := strings.TrimSpace(r.Model); m != "" {
		return m
	}
	return "Default"
}

// ImageOutcome enumerates how an image slot ended.
type ImageOutcome string

const (
	OutcomeSucceeded ImageOutcome = "succeeded"
	OutcomeFailed    ImageOutcome = "failed"
)
