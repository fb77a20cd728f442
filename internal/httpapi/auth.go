package httpapi

import (
	"net/http"
	"strings"

	"github.com/roelfdiedericks/sigcourier/internal/auth"
	. "github.com/roelfdiedericks/sigcourier/internal/logging"
)

// requireToken middleware enforces bearer-token authentication.
// The config holds only the argon2id hash, so a leaked config file never
// leaks the token itself.
func (s *Server) requireToken(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r)

		if s.rateLimiter.IsLimited(clientIP) {
			L_warn("httpapi: rate limited", "ip", clientIP)
			http.Error(w, "Too many failed attempts. Try again later.", http.StatusTooManyRequests)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="sigcourier"`)
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		if !auth.VerifyToken(token, s.tokenHash()) {
			s.rateLimiter.RecordFailure(clientIP)
			L_warn("httpapi: auth failed - bad token", "ip", clientIP)
			w.Header().Set("WWW-Authenticate", `Bearer realm="sigcourier"`)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		s.rateLimiter.ClearFailure(clientIP)
		L_debug("httpapi: auth success", "ip", clientIP)

		handler(w, r)
	}
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For first (if behind reverse proxy)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP in the list
		return xff
	}
	// Check X-Real-IP
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	// Fall back to RemoteAddr
	return r.RemoteAddr
}
