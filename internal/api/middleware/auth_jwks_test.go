package middleware

import (
	"crypto/rsa"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// newJWKSServer поднимает JWKS endpoint с публичным ключом и считает запросы.
func newJWKSServer(t *testing.T, pub *rsa.PublicKey) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	body := buildJWKSetJSON(pub, testKeyID)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jwks" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// TestNewJWTAuth_RemoteJWKS проверяет загрузку ключей с JWKS endpoint.
func TestNewJWTAuth_RemoteJWKS(t *testing.T) {
	key, err := generateTestKey()
	if err != nil {
		t.Fatal(err)
	}
	srv, hits := newJWKSServer(t, &key.PublicKey)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	auth, err := NewJWTAuth(JWTAuthConfig{
		JWKSURL:         srv.URL + "/jwks",
		ClientTimeout:   5 * time.Second,
		RefreshInterval: time.Hour,
		JWTLeeway:       time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("NewJWTAuth: %v", err)
	}

	handler := auth.Chain()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SubjectFromContext(r.Context()) != "operator" {
			t.Errorf("неожиданный sub: %q", SubjectFromContext(r.Context()))
		}
		w.WriteHeader(http.StatusOK)
	}))

	tokenString, err := generateTestToken(key, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		ScopeArray: []string{ScopeAdmin},
	})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("ожидался статус 200, получен %d, тело: %s", rec.Code, rec.Body.String())
	}
	if hits.Load() == 0 {
		t.Error("JWKS endpoint не запрашивался")
	}
}

// TestNewJWTAuth_BadCACert проверяет ошибку при нечитаемом CA-сертификате.
func TestNewJWTAuth_BadCACert(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	_, err := NewJWTAuth(JWTAuthConfig{
		JWKSURL:    "https://127.0.0.1:1/jwks",
		CACertPath: "/nonexistent/ca.pem",
	}, logger)
	if err == nil {
		t.Error("ожидалась ошибка загрузки CA-сертификата")
	}
}
