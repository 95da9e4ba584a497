package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// jsonTemperature keeps structured replies (summary and tags) close to
// deterministic; free-text prompts use the model default.
const jsonTemperature = 0.2

// OllamaGenerator runs prompts against a local Ollama model via /api/chat.
type OllamaGenerator struct {
	client *OllamaClient
	model  string
}

func NewOllamaGenerator(client *OllamaClient, model string) *OllamaGenerator {
	return &OllamaGenerator{client: client, model: strings.TrimSpace(model)}
}

func (g *OllamaGenerator) GenerateText(ctx context.Context, prompt Prompt) (string, error) {
	if g.model == "" {
		return "", errors.New("ollama generation model required")
	}
	req := ollamaChatRequest{Model: g.model, Messages: ollamaMessages(prompt)}
	if prompt.JSON {
		req.Format = "json"
		req.Options = &ollamaOptions{Temperature: jsonTemperature}
	}

	var resp ollamaChatResponse
	if err := g.client.doJSON(ctx, "/api/chat", req, &resp); err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response from ollama (done_reason %q)", resp.DoneReason)
	}
	return text, nil
}

func ollamaMessages(prompt Prompt) []ollamaChatMessage {
	out := make([]ollamaChatMessage, 0, 2)
	if s := strings.TrimSpace(prompt.System); s != "" {
		out = append(out, ollamaChatMessage{Role: "system", Content: s})
	}
	return append(out, ollamaChatMessage{Role: "user", Content: prompt.User})
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Format   string              `json:"format,omitempty"`
	Options  *ollamaOptions      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message    ollamaChatMessage `json:"message"`
	DoneReason string            `json:"done_reason"`
}
