package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func corsRequest(t *testing.T, h http.Handler, method, origin string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/api/stories", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWithCORS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("any origin by default", func(t *testing.T) {
		rec := corsRequest(t, WithCORS(ok), http.MethodGet, "https://stories.example")
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Fatalf("allow origin = %q", got)
		}
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		rec := corsRequest(t, WithCORS(ok, "*"), http.MethodOptions, "https://stories.example")
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d", rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Methods") == "" {
			t.Fatalf("expected allowed methods on preflight")
		}
	})

	allowlisted := WithCORS(ok, "https://Stories.example/", " ")

	t.Run("allowlisted origin is echoed", func(t *testing.T) {
		rec := corsRequest(t, allowlisted, http.MethodGet, "https://stories.example")
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://stories.example" {
			t.Fatalf("allow origin = %q", got)
		}
		if rec.Header().Get("Vary") != "Origin" {
			t.Fatalf("expected Vary: Origin")
		}
	})

	t.Run("other origins get no cors headers", func(t *testing.T) {
		rec := corsRequest(t, allowlisted, http.MethodGet, "https://evil.example")
		if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Fatalf("unexpected response %d %v", rec.Code, rec.Header())
		}
		pre := corsRequest(t, allowlisted, http.MethodOptions, "https://evil.example")
		if pre.Code != http.StatusForbidden {
			t.Fatalf("preflight status = %d", pre.Code)
		}
	})
}
