package generation

import (
	"context"
	"strings"
)

// Mock answers without any network call, for local development.
type Mock struct{}

// NewMock returns the development generator.
func NewMock() *Mock { return &Mock{} }

// Generate returns a canned reply shaped by the kind of prompt it receives.
func (m *Mock) Generate(_ context.Context, prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "language tutor"):
		return "**Feedback:** Good effort! Your sentence is understandable. Watch your verb endings.", nil
	case strings.HasPrefix(prompt, "Continue"):
		return "(mock) Very good. Which platform does your train leave from?", nil
	default:
		return "(mock) Hello! Are you looking for your platform?", nil
	}
}
