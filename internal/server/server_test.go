package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"casvault/internal/api"
	"casvault/internal/auth"
)

func TestListenAddrRemoteGuard(t *testing.T) {
	t.Run("allows loopback", func(t *testing.T) {
		t.Setenv(allowRemoteEnvKey, "")
		addr, err := ListenAddr("http://127.0.0.1:7333")
		if err != nil {
			t.Fatalf("expected loopback to be allowed, got error: %v", err)
		}
		if addr != "127.0.0.1:7333" {
			t.Fatalf("unexpected addr: %s", addr)
		}
	})

	t.Run("blocks non-loopback by default", func(t *testing.T) {
		t.Setenv(allowRemoteEnvKey, "")
		_, err := ListenAddr("http://0.0.0.0:7333")
		if err == nil {
			t.Fatal("expected error for non-loopback listen host")
		}
	})

	t.Run("allows non-loopback when explicitly enabled", func(t *testing.T) {
		t.Setenv(allowRemoteEnvKey, "true")
		addr, err := ListenAddr("http://0.0.0.0:7333")
		if err != nil {
			t.Fatalf("expected allow-remote to permit host, got error: %v", err)
		}
		if addr != "0.0.0.0:7333" {
			t.Fatalf("unexpected addr: %s", addr)
		}
	})
}

func TestWithAuth(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("denies missing auth", func(t *testing.T) {
		srv := &Server{apiToken: "token"}
		nextCalled := false
		handler := srv.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			nextCalled = true
			w.WriteHeader(http.StatusNoContent)
		}))

		req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
		var errResp api.ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
			t.Fatalf("decode error response: %v", err)
		}
		if errResp.ErrorCode != ErrCodeUnauthorized {
			t.Fatalf("expected error_code %d, got %d", ErrCodeUnauthorized, errResp.ErrorCode)
		}
		if nextCalled {
			t.Fatal("next handler should not be called")
		}
	})

	t.Run("allows valid auth", func(t *testing.T) {
		srv := &Server{apiToken: "token"}
		req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
		req.Header.Set("Authorization", "Bearer token")
		w := httptest.NewRecorder()
		srv.withAuth(next).ServeHTTP(w, req)
		if w.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", w.Code)
		}
	})

	t.Run("rejects wrong bearer", func(t *testing.T) {
		srv := &Server{apiToken: "token"}
		req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
		req.Header.Set("Authorization", "Bearer nope")
		w := httptest.NewRecorder()
		srv.withAuth(next).ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("health skips auth", func(t *testing.T) {
		srv := &Server{apiToken: "token"}
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		srv.withAuth(next).ServeHTTP(w, req)
		if w.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", w.Code)
		}
	})

	t.Run("admin routes require admin token when configured", func(t *testing.T) {
		hash, err := auth.HashToken("admin-token-123456")
		if err != nil {
			t.Fatalf("hash token: %v", err)
		}
		srv := &Server{apiToken: "token", adminTokenHash: hash}
		handler := srv.withAuth(next)

		req := httptest.NewRequest(http.MethodPost, "/v1/admin/gc", nil)
		req.Header.Set("Authorization", "Bearer token")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", w.Code)
		}
		var errResp api.ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
			t.Fatalf("decode error response: %v", err)
		}
		if errResp.ErrorCode != ErrCodeForbidden {
			t.Fatalf("expected error_code %d, got %d", ErrCodeForbidden, errResp.ErrorCode)
		}

		req = httptest.NewRequest(http.MethodPost, "/v1/admin/gc", nil)
		req.Header.Set("Authorization", "Bearer token")
		req.Header.Set(adminTokenHeader, "admin-token-123456")
		w = httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", w.Code)
		}
	})

	t.Run("non-admin routes ignore admin token", func(t *testing.T) {
		hash, err := auth.HashToken("admin-token-123456")
		if err != nil {
			t.Fatalf("hash token: %v", err)
		}
		srv := &Server{adminTokenHash: hash}
		req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
		w := httptest.NewRecorder()
		srv.withAuth(next).ServeHTTP(w, req)
		if w.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", w.Code)
		}
	})

	t.Run("blocks after repeated admin failures", func(t *testing.T) {
		hash, err := auth.HashToken("admin-token-123456")
		if err != nil {
			t.Fatalf("hash token: %v", err)
		}
		srv := &Server{
			adminTokenHash: hash,
			authLimiter:    newAuthRateLimiter(2, time.Minute, time.Minute),
		}
		handler := srv.withAuth(next)

		for i := 0; i < 2; i++ {
			req := httptest.NewRequest(http.MethodPost, "/v1/admin/gc", nil)
			req.Header.Set(adminTokenHeader, "wrong-token-000000")
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != http.StatusForbidden {
				t.Fatalf("attempt %d: expected 403, got %d", i, w.Code)
			}
		}

		req := httptest.NewRequest(http.MethodPost, "/v1/admin/gc", nil)
		req.Header.Set(adminTokenHeader, "admin-token-123456")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429 while blocked, got %d", w.Code)
		}
	})
}

func TestAuthRateLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newAuthRateLimiter(3, time.Minute, 5*time.Minute)

	for i := 0; i < 2; i++ {
		l.RegisterFailure("1.2.3.4", now)
	}
	if !l.Allow("1.2.3.4", now) {
		t.Fatal("expected allow below threshold")
	}
	l.RegisterFailure("1.2.3.4", now)
	if l.Allow("1.2.3.4", now.Add(time.Minute)) {
		t.Fatal("expected block at threshold")
	}
	if !l.Allow("5.6.7.8", now) {
		t.Fatal("other keys must not be blocked")
	}
	if !l.Allow("1.2.3.4", now.Add(6*time.Minute)) {
		t.Fatal("expected block to expire")
	}

	l.RegisterFailure("9.9.9.9", now)
	l.Reset("9.9.9.9")
	l.RegisterFailure("9.9.9.9", now)
	l.RegisterFailure("9.9.9.9", now)
	if !l.Allow("9.9.9.9", now) {
		t.Fatal("reset should clear earlier failures")
	}

	var nilLimiter *authRateLimiter
	if !nilLimiter.Allow("x", now) {
		t.Fatal("nil limiter must allow")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	srv := &Server{}
	var seen string
	handler := srv.withRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if len(seen) != 26 {
		t.Fatalf("expected generated ULID, got %q", seen)
	}
	if got := w.Header().Get(requestIDHeader); got != seen {
		t.Fatalf("response header %q != context id %q", got, seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set(requestIDHeader, "caller-id")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if seen != "caller-id" {
		t.Fatalf("expected caller id to propagate, got %q", seen)
	}

	a, b := newRequestID(time.Now()), newRequestID(time.Now())
	if a >= b {
		t.Fatalf("expected monotonic ids, got %s then %s", a, b)
	}
}
