package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/codedeck/codedeck/internal/config"
)

func testConfig(t *testing.T) config.AuthConfig {
	t.Helper()
	hash, err := HashPassword("letmein-please")
	if err != nil {
		t.Fatal(err)
	}
	return config.AuthConfig{
		JWTSecret: "0123456789abcdef0123456789abcdef",
		JWTExpiry: config.Duration{Duration: time.Hour},
		Teachers:  []config.TeacherAccount{{Username: "ms-k", PasswordHash: hash}},
	}
}

func TestLoginAndValidate(t *testing.T) {
	svc := NewService(testConfig(t))
	ctx := context.Background()

	token, err := svc.Login(ctx, "ms-k", "letmein-please")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	username, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if username != "ms-k" {
		t.Errorf("username: got %q", username)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := NewService(testConfig(t))
	ctx := context.Background()

	if _, err := svc.Login(ctx, "ms-k", "wrong"); err != ErrInvalidCredentials {
		t.Errorf("wrong password: got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "letmein-please"); err != ErrInvalidCredentials {
		t.Errorf("unknown user: got %v", err)
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	svc := NewService(testConfig(t))
	token, err := svc.Login(context.Background(), "ms-k", "letmein-please")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.ValidateToken(token + "x"); err != ErrUnauthorized {
		t.Errorf("tampered token: got %v", err)
	}
	if _, err := svc.ValidateToken("not-a-jwt"); err != ErrUnauthorized {
		t.Errorf("garbage token: got %v", err)
	}

	// Token signed with a different secret is refused.
	other := NewService(config.AuthConfig{
		JWTSecret: "ffffffffffffffffffffffffffffffff",
		JWTExpiry: config.Duration{Duration: time.Hour},
		Teachers:  testConfig(t).Teachers,
	})
	if _, err := other.ValidateToken(token); err != ErrUnauthorized {
		t.Errorf("cross-secret token: got %v", err)
	}
}

func TestMiddlewareGuardsRoutes(t *testing.T) {
	svc := NewService(testConfig(t))
	token, err := svc.Login(context.Background(), "ms-k", "letmein-please")
	if err != nil {
		t.Fatal(err)
	}

	onError := func(w http.ResponseWriter, status int, msg string) {
		w.WriteHeader(status)
	}
	var seenTeacher string
	handler := svc.Middleware(onError)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTeacher = TeacherFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// No header.
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no header: got %d", w.Code)
	}

	// Bad token.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer junk")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: got %d", w.Code)
	}

	// Valid token passes and exposes the teacher name.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid token: got %d", w.Code)
	}
	if seenTeacher != "ms-k" {
		t.Errorf("TeacherFromContext: got %q", seenTeacher)
	}
}

func TestOpenModePassesThrough(t *testing.T) {
	svc := NewService(config.AuthConfig{})
	if !svc.Open() {
		t.Fatal("service with no accounts is not open")
	}

	handler := svc.Middleware(func(w http.ResponseWriter, status int, msg string) {
		w.WriteHeader(status)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Errorf("open mode: got %d", w.Code)
	}
}
