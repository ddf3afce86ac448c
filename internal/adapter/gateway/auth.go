package gateway

import (
	"crypto/subtle"
	"net/http"

	"searchbridge/internal/domain"
)

// Authenticator validates inbound API credentials.
type Authenticator interface {
	Authenticate(token string) error
}

// StaticTokenAuth authenticates requests against one shared token
// using constant-time comparison to prevent timing attacks.
type StaticTokenAuth struct {
	token []byte
}

// NewStaticTokenAuth builds an authenticator around the given token.
func NewStaticTokenAuth(token string) *StaticTokenAuth {
	return &StaticTokenAuth{token: []byte(token)}
}

// Authenticate returns nil if the token matches.
func (s *StaticTokenAuth) Authenticate(token string) error {
	if subtle.ConstantTimeCompare([]byte(token), s.token) == 1 {
		return nil
	}
	return domain.ErrGatewayAuthFailed
}

// requestToken pulls the credential from the Authorization header,
// falling back to the token query parameter.
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	return r.URL.Query().Get("token")
}

// requireAuth wraps a handler with token authentication. Without a
// configured authenticator the handler runs open.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.auth == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.Authenticate(requestToken(r)); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", errTypeUnauthorized)
			return
		}
		next(w, r)
	}
}
