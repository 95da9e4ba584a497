package server

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"storyarchive/pkg/domain"
	"storyarchive/services/archive/internal/app"
)

func (s *Server) handleStories(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	filter := domain.StoryFilter{
		Tag:      q.Get("tag"),
		Language: q.Get("language"),
		AuthorID: q.Get("author"),
	}
	var ok bool
	if filter.Limit, ok = queryInt(w, q.Get("limit")); !ok {
		return
	}
	if filter.Offset, ok = queryInt(w, q.Get("offset")); !ok {
		return
	}
	stories, err := s.app.ListStories(r.Context(), filter)
	if err != nil {
		logFailure(r, "list stories failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": stories,
		"count": len(stories),
	})
}

// /api/stories/map or /api/stories/{id}
func (s *Server) handleStoryByID(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/stories/"), "/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	if id == "map" {
		s.handleStoryMap(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		story, err := s.app.GetStory(r.Context(), id)
		if err != nil {
			s.writeStoryError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, story)
	case http.MethodDelete:
		if err := s.app.DeleteStory(r.Context(), user, id); err != nil {
			if errors.Is(err, app.ErrStoryForbidden) {
				s.audit(r, "story_delete", "rejected", "story_id", id, "uid", user.UID)
			}
			s.writeStoryError(w, r, err)
			return
		}
		s.audit(r, "story_delete", "success", "story_id", id, "uid", user.UID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleStoryMap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, ok := queryInt(w, r.URL.Query().Get("limit"))
	if !ok {
		return
	}
	points, err := s.app.MapPoints(r.Context(), limit)
	if err != nil {
		logFailure(r, "list map points failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": points,
		"count": len(points),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	var (
		profile domain.UserProfile
		err     error
	)
	switch r.Method {
	case http.MethodGet:
		profile, err = s.app.Profile(r.Context(), user)
	case http.MethodPatch:
		var req app.ProfileUpdate
		if !decodeJSON(w, r, &req) {
			return
		}
		profile, err = s.app.UpdateProfile(r.Context(), user, req)
	default:
		methodNotAllowed(w)
		return
	}
	if err != nil {
		s.writeStoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleMePhoto(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	name, contentType, data, ok := s.readUpload(w, r, "photo")
	if !ok {
		return
	}
	profile, err := s.app.UploadProfilePhoto(r.Context(), user, name, contentType, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		s.writeStoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) writeStoryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrStoryNotFound):
		notFound(w, "story not found")
	case errors.Is(err, app.ErrStoryForbidden):
		writeError(w, http.StatusForbidden, "story belongs to another author")
	case errors.Is(err, app.ErrInvalidUpload):
		writeErrorCode(w, http.StatusBadRequest, err.Error(), "UPLOAD_INVALID")
	case errors.Is(err, app.ErrInvalidField):
		writeErrorCode(w, http.StatusBadRequest, err.Error(), "PROFILE_INVALID_FIELD")
	default:
		logFailure(r, "archive operation failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid pagination parameter")
		return 0, false
	}
	return n, true
}
