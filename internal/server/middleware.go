package server

import (
	"crypto/subtle"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/deepknow/omniagent/internal/observe"
	"github.com/deepknow/omniagent/pkg/types"
)

// auth enforces Bearer API-key authentication on the API routes. An empty key
// list disables authentication entirely (development mode).
func (s *Server) auth(next http.Handler) http.Handler {
	if len(s.cfg.APIKeys) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !s.keyAccepted(token) {
			s.writeError(w, r, types.CodeAuthFailed, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) keyAccepted(token string) bool {
	accepted := false
	for _, key := range s.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			accepted = true
		}
	}
	return accepted
}

// recoverer converts a handler panic into a 5000 response instead of tearing
// down the connection, and logs the stack with the request trace ID.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				observe.Logger(r.Context()).Error("handler panic",
					"panic", rec,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				s.writeError(w, r, types.CodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
