package middleware

import (
	"net/http"
	"strings"

	"github.com/chatrelay/internal/logger"
)

// TokenAuthenticator is satisfied by auth.TokenService.
type TokenAuthenticator interface {
	Authenticate(token string) (string, error)
}

// Auth resolves the caller from "Authorization: Bearer <token>" or, for
// browsers opening a websocket, the access_token query parameter.
func Auth(tokens TokenAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				WriteError(w, http.StatusUnauthorized, "unauthorized", "missing access token")
				return
			}
			userID, err := tokens.Authenticate(token)
			if err != nil {
				logger.Debugf("auth: rejected token %s: %v", MaskToken(token), err)
				WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid access token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
