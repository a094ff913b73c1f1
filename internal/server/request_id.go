package server

import (
	"context"
	"crypto/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

var (
	requestIDMu      sync.Mutex
	requestIDEntropy = ulid.Monotonic(rand.Reader, 0)
)

func newRequestID(now time.Time) string {
	requestIDMu.Lock()
	defer requestIDMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), requestIDEntropy)
	if err != nil {
		return ""
	}
	return id.String()
}

// withRequestID propagates a caller-supplied X-Request-ID or assigns a new
// ULID, echoing it on the response.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = newRequestID(time.Now())
		}
		if id != "" {
			w.Header().Set(requestIDHeader, id)
			r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))
		}
		next.ServeHTTP(w, r)
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
