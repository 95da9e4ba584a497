package ai

import "context"

// GeminiGenerator wraps GeminiClient with a fixed model for text generation.
type GeminiGenerator struct {
	client *GeminiClient
	model  string
}

// NewGeminiGenerator builds a Gemini-based TextGenerator.
func NewGeminiGenerator(client *GeminiClient, model string) *GeminiGenerator {
	return &GeminiGenerator{client: client, model: model}
}

// GenerateText implements TextGenerator using Gemini.
func (g *GeminiGenerator) GenerateText(ctx context.Context, prompt Prompt) (string, error) {
	return g.client.GenerateText(ctx, g.model, prompt)
}

// GeminiTranscriber uses Gemini's multimodal input for speech-to-text.
type GeminiTranscriber struct {
	client *GeminiClient
	model  string
}

func NewGeminiTranscriber(client *GeminiClient, model string) *GeminiTranscriber {
	return &GeminiTranscriber{client: client, model: model}
}

// TranscribeAudio implements AudioTranscriber.
func (t *GeminiTranscriber) TranscribeAudio(ctx context.Context, instructions string, audio Audio) (string, error) {
	return t.client.GenerateFromAudio(ctx, t.model, instructions, audio)
}
