package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// OpenAICompatGenerator calls any OpenAI-compatible /v1/chat/completions endpoint.
// Works with vLLM, LiteLLM, LocalAI, OpenRouter, self-hosted models, etc.
type OpenAICompatGenerator struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatGenerator builds an OpenAI-compatible TextGenerator.
// baseURL should include the /v1 prefix, e.g. "http://localhost:8000/v1".
// apiKey can be empty for local models that do not require authentication.
func NewOpenAICompatGenerator(baseURL, apiKey, model string) *OpenAICompatGenerator {
	return &OpenAICompatGenerator{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		model:      strings.TrimSpace(model),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// GenerateText implements TextGenerator using the OpenAI chat completions API.
func (g *OpenAICompatGenerator) GenerateText(ctx context.Context, prompt Prompt) (string, error) {
	if g.model == "" {
		return "", fmt.Errorf("openai-compat generation model required")
	}
	messages := make([]oaiMessage, 0, 2)
	if strings.TrimSpace(prompt.System) != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: prompt.System})
	}
	messages = append(messages, oaiMessage{Role: "user", Content: prompt.User})

	reqBody := oaiChatRequest{Model: g.model, Messages: messages}
	if prompt.JSON {
		reqBody.ResponseFormat = &oaiResponseFormat{Type: "json_object"}
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var chatResp oaiChatResponse
	if err := doOpenAI(g.httpClient, req, g.apiKey, &chatResp); err != nil {
		return "", err
	}
	if len(chatResp.Choices) == 0 || strings.TrimSpace(chatResp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("empty response from openai-compat api")
	}
	return chatResp.Choices[0].Message.Content, nil
}

// OpenAICompatTranscriber posts audio to an OpenAI-compatible
// /audio/transcriptions endpoint (OpenAI, whisper.cpp server, LocalAI, faster-whisper).
type OpenAICompatTranscriber struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewOpenAICompatTranscriber(baseURL, apiKey, model string) *OpenAICompatTranscriber {
	return &OpenAICompatTranscriber{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		model:      strings.TrimSpace(model),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// TranscribeAudio implements AudioTranscriber. The instructions are sent as the
// "prompt" field, which Whisper-style servers use as a style hint.
func (t *OpenAICompatTranscriber) TranscribeAudio(ctx context.Context, instructions string, audio Audio) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if t.model != "" {
		if err := mw.WriteField("model", t.model); err != nil {
			return "", err
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", err
	}
	if strings.TrimSpace(instructions) != "" {
		if err := mw.WriteField("prompt", instructions); err != nil {
			return "", err
		}
	}
	filename := audio.Filename
	if filename == "" {
		filename = "audio"
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, bytes.NewReader(audio.Data)); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		Text string `json:"text"`
	}
	if err := doOpenAI(t.httpClient, req, t.apiKey, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func doOpenAI(hc *http.Client, req *http.Request, apiKey string, out any) error {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("openai-compat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return &ProviderError{Provider: "openai-compat", Status: resp.StatusCode, Message: errResp.Error.Message}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("openai-compat decode: %w", err)
	}
	return nil
}

// OpenAI-compatible request/response types.

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponseFormat struct {
	Type string `json:"type"`
}

type oaiChatRequest struct {
	Model          string             `json:"model"`
	Messages       []oaiMessage       `json:"messages"`
	ResponseFormat *oaiResponseFormat `json:"response_format,omitempty"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
