package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"storyarchive/internal/recorder"
	"storyarchive/internal/wizard"
	"storyarchive/pkg/domain"
)

// speakerRequest is a partial update; absent fields keep their value.
type speakerRequest struct {
	Name                   *string `json:"name"`
	Age                    *string `json:"age"`
	Pronouns               *string `json:"pronouns"`
	IncludeCategoryPrompts *bool   `json:"includeCategoryPrompts"`
}

type categoryRequest struct {
	Group string `json:"group"`
	Key   string `json:"key"`
}

type startRequest struct {
	// Denied is set when the browser refused microphone access.
	Denied bool `json:"denied"`
}

type regionRequest struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type rateRequest struct {
	Rate float64 `json:"rate"`
}

type transcriptRequest struct {
	Transcript string `json:"transcript"`
}

type translateStepRequest struct {
	Language string `json:"language"`
}

type acceptRequest struct {
	Summary bool `json:"summary"`
	Tags    bool `json:"tags"`
}

// gotoRequest names the target step, or its position when Index is set.
type gotoRequest struct {
	Step  wizard.StepName `json:"step"`
	Index *int            `json:"index"`
}

func (s *Server) handleWizards(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	wiz, err := s.wizards.Create(user)
	if err != nil {
		logFailure(r, "create wizard failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, wiz.Snapshot())
}

// /api/wizard/{id} and /api/wizard/{id}/{action...}
func (s *Server) handleWizardByID(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	path := strings.TrimPrefix(r.URL.Path, "/api/wizard/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = strings.Trim(parts[1], "/")
	}

	if action == "" && r.Method == http.MethodDelete {
		if err := s.wizards.Delete(id, user.UID); err != nil {
			s.writeWizardError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		return
	}

	wiz, err := s.wizards.Get(id, user.UID)
	if err != nil {
		s.writeWizardError(w, r, err)
		return
	}

	switch {
	case action == "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, wiz.Snapshot())
	case action == "events":
		s.handleWizardEvents(w, r, wiz)
	case action == "recorder/stream":
		s.handleRecorderStream(w, r, wiz)
	case action == "recorder/clip":
		s.handleRecorderClip(w, r, wiz)
	case strings.HasPrefix(action, "recorder/"):
		s.handleRecorder(w, r, wiz, strings.TrimPrefix(action, "recorder/"))
	case strings.HasPrefix(action, "notices/"):
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(action, "notices/"), 10, 64)
		if err != nil {
			notFound(w, "not found")
			return
		}
		wiz.DismissNotice(n)
		writeJSON(w, http.StatusOK, wiz.Snapshot())
	default:
		s.handleWizardAction(w, r, wiz, action)
	}
}

// errResponded is returned by a route that already wrote its response.
var errResponded = errors.New("response written")

type wizardRoute struct {
	method string
	run    func(w http.ResponseWriter, r *http.Request, wiz *wizard.Wizard) error
}

// wizardRoutes map each form action to the wizard operation behind it.
var wizardRoutes = map[string]wizardRoute{
	"speaker": {http.MethodPatch, func(w http.ResponseWriter, r *http.Request, wiz *wizard.Wizard) error {
		var req speakerRequest
		if !decodeJSON(w, r, &req) {
			return errResponded
		}
		patch := wizard.SpeakerPatch{Name: req.Name, Age: req.Age, Pronouns: req.Pronouns}
		if err := wiz.PatchSpeaker(patch); err != nil {
			return err
		}
		if req.IncludeCategoryPrompts != nil {
			return wiz.SetIncludeCategoryPrompts(*req.IncludeCategoryPrompts)
		}
		return nil
	}},
	"category": {http.MethodPatch, func(w http.ResponseWriter, r *http.Request, wiz *wizard.Wizard) error {
		var req categoryRequest
		if !decodeJSON(w, r, &req) {
			return errResponded
		}
		if req.Group != "" {
			if err := wiz.ChooseCategoryGroup(req.Group); err != nil {
				return err
			}
		}
		if req.Key != "" {
			return wiz.ChooseCategoryLeaf(req.Key)
		}
		return nil
	}},
	"transcript": {http.MethodPatch, func(w http.ResponseWriter, r *http.Request, wiz *wizard.Wizard) error {
		var req transcriptRequest
		if !decodeJSON(w, r, &req) {
			return errResponded
		}
		return wiz.SetTranscript(req.Transcript)
	}},
	"transcript/retry": {http.MethodPost, func(_ http.ResponseWriter, _ *http.Request, wiz *wizard.Wizard) error {
		return wiz.RetryTranscription()
	}},
	"translate": {http.MethodPost, func(w http.ResponseWriter, r *http.Request, wiz *wizard.Wizard) error {
		var req translateStepRequest
		if !decodeJSON(w, r, &req) {
			return errResponded
		}
		return wiz.Translate(req.Language)
	}},
	"translate/apply": {http.MethodPost, func(_ http.ResponseWriter, _ *http.Request, wiz *wizard.Wizard) error {
		return wiz.ApplyTranslation()
	}},
	"details": {http.MethodPatch, func(w http.ResponseWriter, r *http.Request, wiz *wizard.Wizard) error {
		var req wizard.Details
		if !decodeJSON(w, r, &req) {
			return errResponded
		}
		return wiz.SetDetails(req)
	}},
	"suggestions/accept": {http.MethodPost, func(w http.ResponseWriter, r *http.Request, wiz *wizard.Wizard) error {
		var req acceptRequest
		if !decodeJSON(w, r, &req) {
			return errResponded
		}
		if req.Summary {
			if err := wiz.AcceptSuggestedSummary(); err != nil {
				return err
			}
		}
		if req.Tags {
			return wiz.AcceptSuggestedTags()
		}
		return nil
	}},
	"suggestions/retry": {http.MethodPost, func(_ http.ResponseWriter, _ *http.Request, wiz *wizard.Wizard) error {
		return wiz.RetrySuggestions()
	}},
	"next": {http.MethodPost, func(_ http.ResponseWriter, r *http.Request, wiz *wizard.Wizard) error {
		_, err := wiz.Next(r.Context())
		return err
	}},
	"back": {http.MethodPost, func(_ http.ResponseWriter, _ *http.Request, wiz *wizard.Wizard) error {
		_, err := wiz.Back()
		return err
	}},
	"goto": {http.MethodPost, func(w http.ResponseWriter, r *http.Request, wiz *wizard.Wizard) error {
		var req gotoRequest
		if !decodeJSON(w, r, &req) {
			return errResponded
		}
		var err error
		if req.Index != nil {
			_, err = wiz.GoToIndex(*req.Index)
		} else {
			_, err = wiz.GoTo(req.Step)
		}
		return err
	}},
	"reset": {http.MethodPost, func(_ http.ResponseWriter, _ *http.Request, wiz *wizard.Wizard) error {
		return wiz.Reset()
	}},
}

func (s *Server) handleWizardAction(w http.ResponseWriter, r *http.Request, wiz *wizard.Wizard, action string) {
	switch action {
	case "speaker/photo":
		s.handleSpeakerPhoto(w, r, wiz)
		return
	case "audio":
		s.handleAudioUpload(w, r, wiz)
		return
	case "submit":
		s.handleSubmit(w, r, wiz)
		return
	}
	route, ok := wizardRoutes[action]
	if !ok {
		notFound(w, "not found")
		return
	}
	if r.Method != route.method {
		methodNotAllowed(w)
		return
	}
	err := route.run(w, r, wiz)
	if errors.Is(err, errResponded) {
		return
	}
	if err != nil {
		s.writeWizardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wiz.Snapshot())
}

func (s *Server) handleSpeakerPhoto(w http.ResponseWriter, r *http.Request, wiz *wizard.Wizard) {
	var err error
	switch r.Method {
	case http.MethodPut:
		name, contentType, data, ok := s.readUpload(w, r, "photo")
		if !ok {
			return
		}
		err = wiz.SetSpeakerPhoto(&wizard.Photo{Name: name, MimeType: contentType, Data: data})
	case http.MethodDelete:
		err = wiz.SetSpeakerPhoto(nil)
	default:
		methodNotAllowed(w)
		return
	}
	if err != nil {
		s.writeWizardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wiz.Snapshot())
}

// handleAudioUpload takes an existing recording instead of capturing one.
func (s *Server) handleAudioUpload(w http.ResponseWriter, r *http.Request, wiz *wizard.Wizard) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	rec, err := wiz.Recorder()
	if err != nil {
		s.writeWizardError(w, r, err)
		return
	}
	name, contentType, data, ok := s.readUpload(w, r, "audio")
	if !ok {
		return
	}
	if _, err := rec.LoadClip(name, contentType, data); err != nil {
		s.writeWizardError(w, r, err)
		return
	}
	wiz.RecorderChanged()
	writeJSON(w, http.StatusOK, wiz.Snapshot())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, wiz *wizard.Wizard) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	story, err := wiz.Submit(r.Context())
	if err != nil {
		s.writeWizardError(w, r, err)
		return
	}
	s.audit(r, "story_publish", "success", "story_id", story.ID, "wizard_id", wiz.ID())
	writeJSON(w, http.StatusCreated, map[string]any{
		"story":  story,
		"wizard": wiz.Snapshot(),
	})
}

// /api/wizard/{id}/recorder/{action}
func (s *Server) handleRecorder(w http.ResponseWriter, r *http.Request, wiz *wizard.Wizard, action string) {
	method := http.MethodPost
	if action == "region" || action == "rate" {
		method = http.MethodPut
	}
	if r.Method != method {
		methodNotAllowed(w)
		return
	}
	rec, err := wiz.Recorder()
	if err != nil {
		s.writeWizardError(w, r, err)
		return
	}

	switch action {
	case "start":
		var req startRequest
		if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
			return
		}
		err = rec.Start(r.Context(), recorder.RemoteDevice{Denied: req.Denied})
		if err != nil {
			wiz.RecorderFailed(err)
		}
	case "pause":
		err = rec.Pause()
	case "resume":
		err = rec.Resume()
	case "stop":
		_, err = rec.Stop(r.Context())
	case "trim":
		_, err = rec.EnableTrimming()
	case "cancel-trim":
		err = rec.CancelTrim()
	case "confirm-trim":
		_, err = rec.ConfirmTrim(r.Context())
	case "restart":
		err = rec.Restart()
	case "region":
		var req regionRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		err = rec.SetTrimRegion(req.Start, req.End)
	case "rate":
		var req rateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		err = rec.SetPlaybackRate(req.Rate)
	case "chunk":
		var data []byte
		data, err = io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUploadBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		err = rec.WriteWAV(data)
	default:
		notFound(w, "not found")
		return
	}
	if err != nil {
		s.writeWizardError(w, r, err)
		return
	}
	wiz.RecorderChanged()
	writeJSON(w, http.StatusOK, wiz.Snapshot())
}

// handleRecorderClip serves the active clip for preview playback.
func (s *Server) handleRecorderClip(w http.ResponseWriter, r *http.Request, wiz *wizard.Wizard) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w)
		return
	}
	clip := wiz.Clip()
	if clip == nil {
		notFound(w, "no clip recorded")
		return
	}
	w.Header().Set("Content-Type", clip.MimeType)
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, clip.Name, time.Time{}, bytes.NewReader(clip.Data))
}

type wizardError struct {
	err    error
	status int
	code   string
}

var wizardErrors = []wizardError{
	{wizard.ErrSessionNotFound, http.StatusNotFound, "WIZARD_NOT_FOUND"},
	{wizard.ErrForbidden, http.StatusForbidden, "WIZARD_FORBIDDEN"},
	{wizard.ErrClosed, http.StatusGone, "WIZARD_CLOSED"},
	{wizard.ErrWrongStep, http.StatusConflict, "WIZARD_WRONG_STEP"},
	{wizard.ErrUnknownStep, http.StatusBadRequest, "WIZARD_UNKNOWN_STEP"},
	{wizard.ErrLastStep, http.StatusConflict, "WIZARD_LAST_STEP"},
	{wizard.ErrFirstStep, http.StatusConflict, "WIZARD_FIRST_STEP"},
	{wizard.ErrBusy, http.StatusConflict, "WIZARD_BUSY"},
	{wizard.ErrSubmitted, http.StatusConflict, "WIZARD_SUBMITTED"},
	{wizard.ErrDraftChanged, http.StatusConflict, "WIZARD_DRAFT_CHANGED"},
	{wizard.ErrUnknownCategory, http.StatusBadRequest, "WIZARD_UNKNOWN_CATEGORY"},
	{wizard.ErrInvalidPhoto, http.StatusBadRequest, "WIZARD_INVALID_PHOTO"},
	{wizard.ErrPhotoTooLarge, http.StatusRequestEntityTooLarge, "WIZARD_PHOTO_TOO_LARGE"},
	{wizard.ErrNoSuggestions, http.StatusConflict, "WIZARD_NO_SUGGESTIONS"},
	{wizard.ErrNoTranslation, http.StatusConflict, "WIZARD_NO_TRANSLATION"},
	{wizard.ErrUpload, http.StatusBadGateway, "WIZARD_UPLOAD_FAILED"},
	{wizard.ErrPublish, http.StatusBadGateway, "STORY_SAVE_FAILED"},
	{recorder.ErrPermissionDenied, http.StatusForbidden, "RECORDER_PERMISSION_DENIED"},
	{recorder.ErrInvalidTransition, http.StatusConflict, "RECORDER_INVALID_TRANSITION"},
	{recorder.ErrInvalidRegion, http.StatusBadRequest, "RECORDER_INVALID_REGION"},
	{recorder.ErrUnsupportedRate, http.StatusBadRequest, "RECORDER_UNSUPPORTED_RATE"},
	{recorder.ErrUnsupportedFormat, http.StatusUnsupportedMediaType, "RECORDER_UNSUPPORTED_FORMAT"},
	{recorder.ErrFormatMismatch, http.StatusBadRequest, "RECORDER_FORMAT_MISMATCH"},
	{recorder.ErrNotTrimmable, http.StatusConflict, "RECORDER_NOT_TRIMMABLE"},
	{recorder.ErrTooLong, http.StatusRequestEntityTooLarge, "RECORDER_TOO_LONG"},
	{recorder.ErrBusy, http.StatusConflict, "RECORDER_BUSY"},
	{recorder.ErrClosed, http.StatusGone, "RECORDER_CLOSED"},
}

func (s *Server) writeWizardError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *wizard.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:     "step is not complete",
			Code:      "WIZARD_STEP_INVALID",
			RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
			Fields:    verr.Fields,
		})
		return
	}
	if errors.Is(err, context.Canceled) {
		writeError(w, http.StatusBadRequest, "request cancelled")
		return
	}
	for _, we := range wizardErrors {
		if errors.Is(err, we.err) {
			if we.err == wizard.ErrForbidden {
				s.audit(r, "wizard_access", "rejected")
			}
			if we.status >= http.StatusInternalServerError {
				logFailure(r, "wizard operation failed", err)
				writeErrorCode(w, we.status, we.err.Error(), we.code)
				return
			}
			writeErrorCode(w, we.status, err.Error(), we.code)
			return
		}
	}
	logFailure(r, "wizard operation failed", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
