package controlapi

import (
	"net/http"
	"strings"
)

// authorized wraps a handler with operator bearer-token verification: the
// presented string is SHA-256-hashed and looked up in Store's tokens
// table, never compared against a plaintext held in memory.
func (s *Server) authorized(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := bearerToken(r)
		if presented == "" {
			writeError(w, unauthorizedErr)
			return
		}
		ok, err := s.store.VerifyOperatorToken(r.Context(), presented)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			writeError(w, unauthorizedErr)
			return
		}
		next(w, r)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}

// wsToken authenticates a WebSocket upgrade via the token query parameter,
// since browsers cannot set an Authorization header on the upgrade request.
func (s *Server) wsToken(r *http.Request) (bool, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return false, nil
	}
	return s.store.VerifyOperatorToken(r.Context(), token)
}
