package usertoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

type jwksServer struct {
	mu     sync.Mutex
	kid    string
	key    *rsa.PrivateKey
	hits   int
	server *httptest.Server
}

func newJWKSServer(t *testing.T) *jwksServer {
	t.Helper()
	s := &jwksServer{kid: "kid-1", key: generateKey(t)}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.hits++
		w.Header().Set("Cache-Control", "public, max-age=60")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK(s.kid, s.key.PublicKey)}})
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *jwksServer) rotate(t *testing.T, kid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kid = kid
	s.key = generateKey(t)
}

func (s *jwksServer) sign(t *testing.T, claims Claims) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func validClaims(sub string) Claims {
	now := time.Now()
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    "issuer-a",
			Audience:  jwt.ClaimStrings{"aud-a"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Email:   sub + "@example.org",
		Name:    "Maria G.",
		Picture: "https://img.example.org/" + sub,
	}
}

func newTestVerifier(t *testing.T, s *jwksServer) *Verifier {
	t.Helper()
	v, err := NewVerifier(context.Background(), Config{JWKSURL: s.server.URL, Issuer: "issuer-a", Audience: "aud-a", Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func TestVerifyReturnsIdentity(t *testing.T) {
	s := newJWKSServer(t)
	v := newTestVerifier(t, s)

	id, err := v.Verify(context.Background(), s.sign(t, validClaims("user-a")))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UID != "user-a" || id.Email != "user-a@example.org" || id.DisplayName != "Maria G." || id.PhotoURL == "" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestVerifyRefreshesOnRotatedKey(t *testing.T) {
	s := newJWKSServer(t)
	v := newTestVerifier(t, s)

	s.rotate(t, "kid-2")
	id, err := v.Verify(context.Background(), s.sign(t, validClaims("user-b")))
	if err != nil || id.UID != "user-b" {
		t.Fatalf("verify after rotation: %+v %v", id, err)
	}
	s.mu.Lock()
	hits := s.hits
	s.mu.Unlock()
	if hits != 2 {
		t.Fatalf("expected one refresh, jwks hits = %d", hits)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	s := newJWKSServer(t)
	v := newTestVerifier(t, s)

	future := validClaims("user-1")
	future.IssuedAt = jwt.NewNumericDate(time.Now().Add(2 * time.Minute))
	wrongAud := validClaims("user-1")
	wrongAud.Audience = jwt.ClaimStrings{"other"}
	noSubject := validClaims("")
	noExpiry := validClaims("user-1")
	noExpiry.ExpiresAt = nil

	cases := map[string]string{
		"future iat":     s.sign(t, future),
		"wrong audience": s.sign(t, wrongAud),
		"no subject":     s.sign(t, noSubject),
		"no expiry":      s.sign(t, noExpiry),
		"garbage":        "not-a-jwt",
	}
	for name, token := range cases {
		if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("%s: expected ErrTokenInvalid, got %v", name, err)
		}
	}
	if _, err := v.Verify(context.Background(), " "); !errors.Is(err, ErrTokenMissing) {
		t.Fatalf("expected ErrTokenMissing, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	if got := BearerToken("Bearer abc.def"); got != "abc.def" {
		t.Fatalf("got %q", got)
	}
	if got := BearerToken("bearer  xyz "); got != "xyz" {
		t.Fatalf("got %q", got)
	}
	if got := BearerToken("Basic abc"); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestMaxAge(t *testing.T) {
	if got := maxAge("public, max-age=120"); got != 2*time.Minute {
		t.Fatalf("got %v", got)
	}
	if got := maxAge("no-cache"); got != 0 {
		t.Fatalf("got %v", got)
	}
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
