// Package auth authenticates teacher accounts for the management API.
// Students never authenticate; they join sessions over the realtime
// protocol with a code and a name.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/codedeck/codedeck/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Claims represents the JWT token claims for a teacher.
type Claims struct {
	Username string `json:"usr"`
	jwt.RegisteredClaims
}

// Service issues and validates teacher JWTs against the configured
// accounts. With no accounts configured the service is open: Middleware
// passes every request through, which is the single-classroom deployment
// mode.
type Service struct {
	accounts  map[string]string // username -> bcrypt hash
	jwtSecret []byte
	jwtExpiry time.Duration
}

// NewService creates an auth service from configuration.
func NewService(cfg config.AuthConfig) *Service {
	accounts := make(map[string]string, len(cfg.Teachers))
	for _, t := range cfg.Teachers {
		accounts[t.Username] = t.PasswordHash
	}
	return &Service{
		accounts:  accounts,
		jwtSecret: []byte(cfg.JWTSecret),
		jwtExpiry: cfg.JWTExpiry.Duration,
	}
}

// Open reports whether the service has no accounts and therefore no
// enforcement.
func (s *Service) Open() bool { return len(s.accounts) == 0 }

// HashPassword produces a bcrypt hash for account provisioning.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Login authenticates a teacher and returns a JWT token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	hash, ok := s.accounts[username]
	if !ok {
		// Burn a comparison anyway so missing and wrong credentials cost
		// the same.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000"), []byte(password))
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.generateToken(username)
}

// ValidateToken validates a bearer token and returns the teacher username.
func (s *Service) ValidateToken(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", ErrUnauthorized
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Username == "" {
		return "", ErrUnauthorized
	}
	return claims.Username, nil
}

type contextKey string

const teacherKey contextKey = "teacher"

// TeacherFromContext returns the authenticated teacher username, if any.
func TeacherFromContext(ctx context.Context) string {
	name, _ := ctx.Value(teacherKey).(string)
	return name
}

// Middleware guards teacher-only routes. In open mode it is a pass-through.
func (s *Service) Middleware(onError func(w http.ResponseWriter, status int, msg string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Open() {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				onError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			username, err := s.ValidateToken(authHeader[7:])
			if err != nil {
				onError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), teacherKey, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Service) generateToken(username string) (string, error) {
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
