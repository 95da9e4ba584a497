package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveWithSecurityHeaders(t *testing.T, path string, mutate func(*http.Request)) http.Header {
	t.Helper()
	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), "/media/")
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Header()
}

func TestWithSecurityHeadersOnAPI(t *testing.T) {
	h := serveWithSecurityHeaders(t, "/api/stories", nil)
	want := map[string]string{
		"X-Content-Type-Options":       "nosniff",
		"X-Frame-Options":              "DENY",
		"Referrer-Policy":              "no-referrer",
		"Cache-Control":                "no-store",
		"Cross-Origin-Resource-Policy": "same-origin",
	}
	for k, v := range want {
		if got := h.Get(k); got != v {
			t.Fatalf("%s = %q, want %q", k, got, v)
		}
	}
	if h.Get("Content-Security-Policy") == "" {
		t.Fatalf("expected CSP header")
	}
	if got := h.Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("did not expect HSTS for plain http, got %q", got)
	}
}

func TestWithSecurityHeadersOnMedia(t *testing.T) {
	h := serveWithSecurityHeaders(t, "/media/stories/abc/audio.wav", nil)
	if got := h.Get("Cross-Origin-Resource-Policy"); got != "cross-origin" {
		t.Fatalf("media must be embeddable cross-origin, got %q", got)
	}
	if got := h.Get("Cache-Control"); got != "" {
		t.Fatalf("media caching is left to the handler, got %q", got)
	}
	if got := h.Get("X-Frame-Options"); got != "" {
		t.Fatalf("unexpected X-Frame-Options on media: %q", got)
	}
	if got := h.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options mismatch: %q", got)
	}
}

func TestWithSecurityHeadersSetsHSTSOnForwardedHTTPS(t *testing.T) {
	h := serveWithSecurityHeaders(t, "/api/catalog", func(r *http.Request) {
		r.Header.Set("X-Forwarded-Proto", "HTTPS")
	})
	if got := h.Get("Strict-Transport-Security"); got == "" {
		t.Fatalf("expected HSTS header on forwarded https request")
	}
}
