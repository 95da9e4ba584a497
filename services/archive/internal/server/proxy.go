package server

import (
	"errors"
	"net/http"

	"storyarchive/pkg/assist"
	"storyarchive/pkg/domain"
)

// The three AI proxies answer {error} with a failure status so the browser
// can show the message verbatim.

type suggestionsRequest struct {
	Transcription string `json:"transcription"`
}

type translateRequest struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"targetLanguage"`
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, user) {
		return
	}
	_, contentType, data, ok := s.readUpload(w, r, "audio")
	if !ok {
		return
	}
	text, err := s.assist.Transcribe(r.Context(), data, contentType)
	if err != nil {
		writeAssistError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transcription": text})
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, user) {
		return
	}
	var req suggestionsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.assist.Suggest(r.Context(), req.Transcription)
	if err != nil {
		writeAssistError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, user) {
		return
	}
	var req translateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	text, err := s.assist.Translate(r.Context(), req.Text, req.TargetLanguage)
	if err != nil {
		writeAssistError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"translatedText": text})
}

func writeAssistError(w http.ResponseWriter, r *http.Request, err error) {
	var aerr *assist.Error
	if !errors.As(err, &aerr) {
		logFailure(r, "ai proxy failed", err)
		writeErrorCode(w, http.StatusBadGateway, "AI service failed", "AI_PROVIDER_ERROR")
		return
	}
	switch aerr.Kind {
	case assist.KindInvalidInput:
		writeErrorCode(w, http.StatusBadRequest, aerr.Err.Error(), "AI_INVALID_INPUT")
	case assist.KindMalformedResponse:
		logFailure(r, "ai proxy returned malformed output", err)
		writeErrorCode(w, http.StatusBadGateway, "AI service returned an unreadable response", "AI_MALFORMED_RESPONSE")
	default:
		logFailure(r, "ai proxy failed", err)
		writeErrorCode(w, http.StatusBadGateway, "AI service failed", "AI_PROVIDER_ERROR")
	}
}
