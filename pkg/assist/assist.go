// Package assist holds the three AI helpers used while submitting a story:
// speech-to-text, summary and tag suggestions, and translation.
// Every call is stateless and safe to retry.
package assist

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies proxy failures.
type Kind string

const (
	KindInvalidInput      Kind = "invalid_input"
	KindProvider          Kind = "provider"
	KindMalformedResponse Kind = "malformed_response"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrProvider          = errors.New("ai provider failed")
	ErrMalformedResponse = errors.New("malformed ai response")
)

// Error is the typed failure returned by every proxy operation.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets callers match on the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrInvalidInput:
		return e.Kind == KindInvalidInput
	case ErrProvider:
		return e.Kind == KindProvider
	case ErrMalformedResponse:
		return e.Kind == KindMalformedResponse
	}
	return false
}

// KindOf returns the failure kind, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func invalid(op, msg string) error {
	return &Error{Op: op, Kind: KindInvalidInput, Err: errors.New(msg)}
}

func provider(op string, err error) error {
	return &Error{Op: op, Kind: KindProvider, Err: err}
}

func malformed(op string, err error) error {
	return &Error{Op: op, Kind: KindMalformedResponse, Err: err}
}

// Suggestions is the structured result of Suggest.
type Suggestions struct {
	Summary string   `json:"summary"`
	Tags    []string `json:"tags"`
}

// Transcriber turns recorded speech into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// Suggester proposes a summary and tags for a transcript.
type Suggester interface {
	Suggest(ctx context.Context, transcript string) (Suggestions, error)
}

// Translator renders a transcript in one target language.
type Translator interface {
	Translate(ctx context.Context, text, targetLanguage string) (string, error)
}

// StripCodeFence removes a surrounding markdown code fence, with or without
// a language tag, and returns the inner payload trimmed.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		first := strings.TrimSpace(s[:nl])
		if first == "" || !strings.ContainsAny(first, "{[\"") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
