package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"net"
	"net/http"
	"time"
)

const (
	maxAuthFailures   = 5
	authFailureWindow = time.Minute
)

// AuthHandler checks the shared password. An empty password disables auth.
type AuthHandler struct {
	password string
	failures *RateLimiter
}

// NewAuthHandler creates a handler for password.
func NewAuthHandler(password string) *AuthHandler {
	return &AuthHandler{
		password: password,
		failures: NewRateLimiter(maxAuthFailures, authFailureWindow),
	}
}

// Enabled reports whether requests must carry the password.
func (a *AuthHandler) Enabled() bool {
	return a.password != ""
}

// Verify compares candidate with the password in constant time. Both sides
// are hashed first so the comparison does not leak the length.
func (a *AuthHandler) Verify(candidate string) bool {
	if !a.Enabled() {
		return true
	}
	want := sha256.Sum256([]byte(a.password))
	got := sha256.Sum256([]byte(candidate))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

// Middleware rejects requests without the password. Browsers cannot set
// headers on a WebSocket handshake, so the query parameter is accepted too.
// Repeated failures from one address are throttled.
func (a *AuthHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)
		if !a.Enabled() {
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), ip)))
			return
		}

		if a.failures.Exceeded(ip) {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many failed login attempts", Code: "rate_limited"})
			return
		}

		candidate := r.Header.Get(PasswordHeader)
		if candidate == "" {
			candidate = r.URL.Query().Get("password")
		}
		if !a.Verify(candidate) {
			a.failures.Record(ip)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid password", Code: "unauthorized"})
			return
		}

		a.failures.Reset(ip)
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), ip)))
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
