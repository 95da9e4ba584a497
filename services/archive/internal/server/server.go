package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"storyarchive/internal/ratelimit"
	"storyarchive/internal/usertoken"
	"storyarchive/internal/util"
	"storyarchive/internal/wizard"
	"storyarchive/pkg/assist"
	"storyarchive/pkg/domain"
	"storyarchive/pkg/storage"
	"storyarchive/services/archive/internal/app"
	"storyarchive/services/archive/internal/security"
)

const (
	defaultMaxUploadBytes = 50 << 20
	maxJSONBytes          = 1 << 20
)

// TokenVerifier resolves a bearer token to the caller's identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

// SecurityAlerter counts rejected security events per client IP.
type SecurityAlerter interface {
	Observe(ctx context.Context, event, outcome, ip string) (security.AlertResult, error)
}

// Assistant is the set of AI proxies exposed over HTTP.
type Assistant interface {
	assist.Transcriber
	assist.Suggester
	assist.Translator
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Wizards  *wizard.Registry
	Assist   Assistant
	Verifier TokenVerifier
	// AILimiter guards the three proxy endpoints per user.
	AILimiter      ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
	// Alerter is optional.
	Alerter SecurityAlerter
	// Media serves blobs of the file driver under /media/. Nil disables it.
	Media          *storage.FileStore
	MaxUploadBytes int64
	CORSOrigins    []string
}

// Server exposes HTTP endpoints for the story archive.
type Server struct {
	app            *app.App
	wizards        *wizard.Registry
	assist         Assistant
	verifier       TokenVerifier
	aiLimiter      ratelimit.Limiter
	trustedProxies *util.TrustedProxies
	alerter        SecurityAlerter
	media          *storage.FileStore
	mux            *http.ServeMux
	corsOrigins    []string
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil || cfg.Wizards == nil || cfg.Assist == nil {
		return nil, errors.New("server: app, wizard registry and assist service are required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("server: token verifier required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{
		app:            cfg.App,
		wizards:        cfg.Wizards,
		assist:         cfg.Assist,
		verifier:       cfg.Verifier,
		aiLimiter:      cfg.AILimiter,
		trustedProxies: cfg.TrustedProxies,
		alerter:        cfg.Alerter,
		media:          cfg.Media,
		mux:            http.NewServeMux(),
		corsOrigins:    cfg.CORSOrigins,
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("archive", util.WithSecurityHeaders(util.WithCORS(s.mux, s.corsOrigins...), "/media/")))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.media != nil {
		s.mux.HandleFunc("/media/", s.handleMedia)
	}

	// ai proxies
	s.mux.Handle("/api/transcribe", s.withUser(s.handleTranscribe))
	s.mux.Handle("/api/suggestions", s.withUser(s.handleSuggestions))
	s.mux.Handle("/api/translate", s.withUser(s.handleTranslate))

	// submission wizard
	s.mux.Handle("/api/wizard", s.withUser(s.handleWizards))
	s.mux.Handle("/api/wizard/", s.withUser(s.handleWizardByID))

	// gallery
	s.mux.Handle("/api/stories", s.withUser(s.handleStories))
	s.mux.Handle("/api/stories/", s.withUser(s.handleStoryByID))

	// profile
	s.mux.Handle("/api/users/me", s.withUser(s.handleMe))
	s.mux.Handle("/api/users/me/photo", s.withUser(s.handleMePhoto))

	s.mux.HandleFunc("/api/catalog", s.handleCatalog)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.Identity)

// withUser verifies the bearer token. Browsers cannot set headers on
// websocket upgrades, so those may pass the token as access_token instead.
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := usertoken.BearerToken(r.Header.Get("Authorization"))
		if token == "" && isWebsocketUpgrade(r) {
			token = strings.TrimSpace(r.URL.Query().Get("access_token"))
		}
		if token == "" {
			s.audit(r, "token_verify", "rejected", "reason", "missing")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			s.audit(r, "token_verify", "rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("uid", user.UID))
		next(w, r.WithContext(ctx), user)
	})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"categories":    wizard.Catalog,
		"languages":     wizard.Languages,
		"otherLanguage": wizard.LanguageOther,
		"steps":         wizard.BuildSteps(true).Steps(),
	})
}

// handleMedia serves file-driver blobs behind signed links.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/media/")
	q := r.URL.Query()
	rc, contentType, err := s.media.Open(key, q.Get("exp"), q.Get("sig"))
	switch {
	case errors.Is(err, storage.ErrSignatureExpired):
		writeError(w, http.StatusGone, "media link expired")
		return
	case errors.Is(err, storage.ErrSignatureInvalid), errors.Is(err, storage.ErrInvalidKey):
		writeError(w, http.StatusForbidden, "forbidden")
		return
	case err != nil:
		notFound(w, "media not found")
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=300")
	if seeker, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, "", time.Time{}, seeker)
		return
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = io.Copy(w, rc)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string              `json:"error"`
	Code      string              `json:"code"`
	RequestID string              `json:"requestId,omitempty"`
	Fields    []wizard.FieldError `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorCode(w, status, msg, errorCodeForArchive(status, msg))
}

func writeErrorCode(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForArchive(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "SYSTEM_FORBIDDEN"
	case message == "story not found":
		return "STORY_NOT_FOUND"
	case message == "story belongs to another author":
		return "STORY_FORBIDDEN"
	case message == "wizard session not found":
		return "WIZARD_NOT_FOUND"
	case message == "media not found":
		return "MEDIA_NOT_FOUND"
	case message == "media link expired":
		return "MEDIA_LINK_EXPIRED"
	case message == "file too large":
		return "UPLOAD_TOO_LARGE"
	case message == "invalid form data":
		return "UPLOAD_INVALID_FORM"
	case strings.Contains(message, "is required (field:"):
		return "UPLOAD_FILE_REQUIRED"
	case message == "invalid json body":
		return "REQUEST_INVALID_JSON"
	case message == "too many ai requests":
		return "AI_RATE_LIMITED"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "SYSTEM_FORBIDDEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusRequestEntityTooLarge:
		return "UPLOAD_TOO_LARGE"
	case http.StatusTooManyRequests:
		return "SYSTEM_RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trustedProxies)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)

	if s.alerter == nil {
		return
	}
	alert, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security alert evaluation failed", "event", event, "err", err)
		return
	}
	if alert.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", alert.Count,
			"threshold", alert.Threshold,
			"window", alert.Window.String(),
		)
	}
}

// allowRate applies the AI limiter keyed by user; without a limiter every
// call passes.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, user domain.Identity) bool {
	if s.aiLimiter == nil {
		return true
	}
	d := s.aiLimiter.Allow(r.Context(), "ai|"+user.UID)
	if d.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	}
	if d.Allowed {
		return true
	}
	retry := int(d.RetryAfter.Round(time.Second) / time.Second)
	if retry < 1 {
		retry = 1
	}
	s.audit(r, "ai_rate_limit", "rejected", "uid", user.UID)
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, "too many AI requests")
	return false
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// readUpload reads one multipart file field, bounded by the upload limit.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request, field string) (name, contentType string, data []byte, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return "", "", nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return "", "", nil, false
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		writeError(w, http.StatusBadRequest, field+" is required (field: "+field+")")
		return "", "", nil, false
	}
	defer file.Close()
	data, err = io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return "", "", nil, false
	}
	contentType = header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = storage.ContentTypeFor(header.Filename)
	}
	return header.Filename, contentType, data, true
}

func logFailure(r *http.Request, msg string, err error) {
	util.LoggerFromContext(r.Context()).Error(msg, "err", err)
}
