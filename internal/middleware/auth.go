package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pliu/npchat/internal/apperr"
	"github.com/pliu/npchat/internal/auth"
	"github.com/pliu/npchat/internal/facade"
)

type contextKey string

const SessionKey contextKey = "session"

// SessionCookie holds the signed session token.
const SessionCookie = "session"

// SessionResolver turns a session token into a facade session.
type SessionResolver interface {
	Session(ctx context.Context, token string) (*facade.Session, error)
}

// TokenFromRequest reads the session token from the Authorization header,
// the signed session cookie or, for websocket upgrades, the token query
// parameter.
func TokenFromRequest(r *http.Request, signer *auth.CookieSigner) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil && signer != nil {
		if token, err := signer.Verify(cookie.Value); err == nil {
			return token
		}
	}
	return r.URL.Query().Get("token")
}

func AuthMiddleware(resolver SessionResolver, signer *auth.CookieSigner) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r, signer)
			if token == "" {
				unauthorized(w, apperr.ErrAccessDenied)
				return
			}
			sess, err := resolver.Session(r.Context(), token)
			if err != nil {
				unauthorized(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), SessionKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFrom returns the session stored by AuthMiddleware.
func SessionFrom(ctx context.Context) (*facade.Session, bool) {
	sess, ok := ctx.Value(SessionKey).(*facade.Session)
	return sess, ok && sess != nil
}

func unauthorized(w http.ResponseWriter, err error) {
	code, msg := apperr.Public(err)
	status := http.StatusUnauthorized
	if code != apperr.CodeAccessDenied && code != apperr.CodeInvalidCredentials {
		status = apperr.HTTPStatus(err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": string(code), "error": msg})
}
