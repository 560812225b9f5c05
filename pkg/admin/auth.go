package admin

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Shavakan/runs-queue/pkg/logging"
)

var adminAuthLog = logging.WithComponent(logging.LogTypeAdmin, "auth")

// tokenSubject is the message signed with the admin secret.
const tokenSubject = "runs-queue-admin"

// AuthMiddleware provides authentication for admin API endpoints.
type AuthMiddleware struct {
	secret  string
	enabled bool
}

// NewAuthMiddleware creates authentication middleware for admin endpoints.
// If secret is empty, authentication is disabled.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{
		secret:  secret,
		enabled: secret != "",
	}
}

// Token returns the bearer token accepted for secret: the hex HMAC-SHA256 of
// a fixed subject.
func Token(secret string) string {
	return hex.EncodeToString(sign(secret))
}

// Wrap returns an http.Handler that validates the admin token before calling the next handler.
func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			adminAuthLog.Warn("admin auth failed: missing token", slog.String(logging.KeyRemoteAddr, r.RemoteAddr))
			http.Error(w, "Unauthorized: missing admin token", http.StatusUnauthorized)
			return
		}

		if !m.validateToken(token) {
			adminAuthLog.Warn("admin auth failed: invalid token", slog.String(logging.KeyRemoteAddr, r.RemoteAddr))
			http.Error(w, "Unauthorized: invalid admin token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// WrapFunc is a convenience method for wrapping http.HandlerFunc.
func (m *AuthMiddleware) WrapFunc(next http.HandlerFunc) http.Handler {
	return m.Wrap(next)
}

// IsEnabled returns whether authentication is enabled.
func (m *AuthMiddleware) IsEnabled() bool {
	return m.enabled
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func (m *AuthMiddleware) validateToken(token string) bool {
	provided, err := hex.DecodeString(token)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(sign(m.secret), provided) == 1
}

func sign(secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(tokenSubject))
	return h.Sum(nil)
}
