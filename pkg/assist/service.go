package assist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"storyarchive/pkg/ai"
)

const (
	transcribeInstructions = `Transcribe the spoken words in this audio recording verbatim.
Ignore non-speech sounds such as music, laughter, coughing, and background noise; do not describe them.
Preserve natural punctuation and start a new paragraph where the speaker changes topic or pauses at length.
Return only the transcript text, with no introduction, labels, timestamps, or commentary.`

	suggestSystem = `You help archivists catalogue oral-history recordings.
Respond with a single JSON object and nothing else.`

	suggestTemplate = `Read the transcript below and return JSON of the form
{"summary": "<one sentence capturing the essence and emotion of the story>", "tags": ["<tag>", ...]}
with between 5 and 8 tags. Each tag is a short phrase of one to three words.

Transcript:
%s`

	translateSystem = `You are a professional translator. Return only the translated text.`

	translateTemplate = `Translate the following text entirely into %s.
The text may mix several languages; every part of it must end up in %s, with no untranslated fragments.
Keep the paragraph structure. Do not add notes or explanations.

Text:
%s`

	MaxTags          = 8
	maxTranscriptLen = 200_000
	maxLanguageLen   = 64
	defaultTimeout   = 2 * time.Minute
)

// Service implements Transcriber, Suggester and Translator over AI providers.
type Service struct {
	stt     ai.AudioTranscriber
	text    ai.TextGenerator
	timeout time.Duration
}

// NewService wires the providers. A zero timeout selects the default.
func NewService(stt ai.AudioTranscriber, text ai.TextGenerator, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Service{stt: stt, text: text, timeout: timeout}
}

// Transcribe returns the plain transcript of the audio.
func (s *Service) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	const op = "transcribe"
	if len(audio) == 0 {
		return "", invalid(op, "audio is required")
	}
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		return "", invalid(op, "audio mime type is required")
	}
	if !strings.HasPrefix(strings.ToLower(mimeType), "audio/") && !strings.HasPrefix(strings.ToLower(mimeType), "video/webm") {
		return "", invalid(op, "unsupported audio type "+mimeType)
	}
	if s.stt == nil {
		return "", provider(op, errors.New("speech-to-text provider not configured"))
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.stt.TranscribeAudio(ctx, transcribeInstructions, ai.Audio{
		Data:     audio,
		MimeType: mimeType,
		Filename: "recording" + extensionFor(mimeType),
	})
	if err != nil {
		return "", provider(op, err)
	}
	text := strings.TrimSpace(StripCodeFence(out))
	if text == "" {
		return "", provider(op, errors.New("empty transcription"))
	}
	return text, nil
}

// Suggest extracts a one-sentence summary and tags from the transcript.
// Malformed provider JSON fails the call; nothing is salvaged.
func (s *Service) Suggest(ctx context.Context, transcript string) (Suggestions, error) {
	const op = "suggest"
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return Suggestions{}, invalid(op, "transcription is required")
	}
	if len(transcript) > maxTranscriptLen {
		return Suggestions{}, invalid(op, "transcription is too long")
	}
	if s.text == nil {
		return Suggestions{}, provider(op, errors.New("text provider not configured"))
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.text.GenerateText(ctx, ai.Prompt{
		System: suggestSystem,
		User:   fmt.Sprintf(suggestTemplate, transcript),
		JSON:   true,
	})
	if err != nil {
		return Suggestions{}, provider(op, err)
	}
	return ParseSuggestions(out)
}

// ParseSuggestions decodes a provider answer, tolerating a markdown code fence.
// The payload must be exactly one JSON object; trailing text is malformed.
// Fewer than the requested five tags are accepted as long as one remains.
func ParseSuggestions(raw string) (Suggestions, error) {
	const op = "suggest"
	var res Suggestions
	if err := json.Unmarshal([]byte(StripCodeFence(raw)), &res); err != nil {
		return Suggestions{}, malformed(op, fmt.Errorf("decode suggestions: %w", err))
	}
	res.Summary = strings.TrimSpace(res.Summary)
	if res.Summary == "" {
		return Suggestions{}, malformed(op, errors.New("summary missing"))
	}
	res.Tags = NormalizeTags(res.Tags, MaxTags)
	if len(res.Tags) == 0 {
		return Suggestions{}, malformed(op, errors.New("tags missing"))
	}
	return res, nil
}

// NormalizeTags trims, drops empties, de-duplicates case-insensitively and caps the list.
func NormalizeTags(tags []string, limit int) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.Join(strings.Fields(tag), " ")
		if tag == "" {
			continue
		}
		key := strings.ToLower(tag)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tag)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Translate renders text in targetLanguage.
func (s *Service) Translate(ctx context.Context, text, targetLanguage string) (string, error) {
	const op = "translate"
	text = strings.TrimSpace(text)
	targetLanguage = strings.TrimSpace(targetLanguage)
	if text == "" {
		return "", invalid(op, "text is required")
	}
	if targetLanguage == "" {
		return "", invalid(op, "targetLanguage is required")
	}
	if len(text) > maxTranscriptLen {
		return "", invalid(op, "text is too long")
	}
	if len(targetLanguage) > maxLanguageLen {
		return "", invalid(op, "targetLanguage is too long")
	}
	if s.text == nil {
		return "", provider(op, errors.New("text provider not configured"))
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.text.GenerateText(ctx, ai.Prompt{
		System: translateSystem,
		User:   fmt.Sprintf(translateTemplate, targetLanguage, targetLanguage, text),
	})
	if err != nil {
		return "", provider(op, err)
	}
	translated := strings.TrimSpace(StripCodeFence(out))
	if translated == "" {
		return "", provider(op, errors.New("empty translation"))
	}
	return translated, nil
}

func extensionFor(mimeType string) string {
	base, _, _ := strings.Cut(strings.ToLower(mimeType), ";")
	switch strings.TrimSpace(base) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/webm", "video/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	}
	return ""
}
