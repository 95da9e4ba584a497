package ai

import (
	"context"
	"fmt"
)

// Prompt is one instruction-following request.
// JSON asks the provider to constrain output to a JSON object when it supports that.
type Prompt struct {
	System string
	User   string
	JSON   bool
}

// TextGenerator generates text from a prompt.
// All LLM providers (Gemini, Ollama, OpenAI-compatible) implement this interface.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt Prompt) (string, error)
}

// Audio is an in-memory audio payload handed to a speech-to-text provider.
type Audio struct {
	Data     []byte
	MimeType string
	Filename string
}

// AudioTranscriber turns speech into text following the given instructions.
// Providers without instruction support ignore them.
type AudioTranscriber interface {
	TranscribeAudio(ctx context.Context, instructions string, audio Audio) (string, error)
}

// ProviderError is a non-2xx answer from an upstream AI API.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s api error: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s api error: status %d", e.Provider, e.Status)
}
