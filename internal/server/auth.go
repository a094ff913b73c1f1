package server

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"casvault/internal/auth"
)

const adminTokenHeader = "X-Admin-Token"

// withAuth enforces the bearer API token on every route except /health, and
// the bcrypt-hashed admin token on /v1/admin/ routes.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		if s.apiToken != "" && !validBearer(r, s.apiToken) {
			s.writeErrorReq(w, r, http.StatusUnauthorized, makeAPIError(http.StatusUnauthorized, "unauthorized", ErrCodeUnauthorized, fmt.Errorf("unauthorized")))
			return
		}

		if s.adminTokenHash != "" && strings.HasPrefix(r.URL.Path, "/v1/admin/") {
			key := clientKey(r)
			now := time.Now()
			if !s.authLimiter.Allow(key, now) {
				s.writeErrorReq(w, r, http.StatusTooManyRequests, makeAPIError(http.StatusTooManyRequests, "resource_exhausted", ErrCodeResourceExhausted, fmt.Errorf("too many failed admin token attempts")))
				return
			}
			if !auth.VerifyToken(s.adminTokenHash, strings.TrimSpace(r.Header.Get(adminTokenHeader))) {
				s.authLimiter.RegisterFailure(key, now)
				s.writeErrorReq(w, r, http.StatusForbidden, makeAPIError(http.StatusForbidden, "forbidden", ErrCodeForbidden, fmt.Errorf("admin token required")))
				return
			}
			s.authLimiter.Reset(key)
		}

		next.ServeHTTP(w, r)
	})
}

func validBearer(r *http.Request, token string) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	candidate, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	candidate = strings.TrimSpace(candidate)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
