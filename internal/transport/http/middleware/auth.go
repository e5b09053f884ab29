package httpmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type ctxKey string

const (
	ctxKeyToken  ctxKey = "token"
	ctxKeyUserID ctxKey = "user_id"
)

// AuthMiddleware trusts the upstream gateway: it requires a Bearer token and
// an X-User-ID UUID but does not validate the token. Browsers cannot set
// headers on a websocket handshake, so access_token and user_id query
// parameters are accepted as well.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		token := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimSpace(auth[7:])
		} else {
			token = strings.TrimSpace(q.Get("access_token"))
		}
		if token == "" {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}

		raw := r.Header.Get("X-User-ID")
		if raw == "" {
			raw = q.Get("user_id")
		}
		if raw == "" {
			http.Error(w, `{"error":"missing X-User-ID"}`, http.StatusUnauthorized)
			return
		}
		uid, err := uuid.Parse(raw)
		if err != nil || uid == uuid.Nil {
			http.Error(w, `{"error":"invalid X-User-ID (must be uuid)"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyToken, token)
		ctx = context.WithValue(ctx, ctxKeyUserID, uid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func UserIDFromCtx(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(ctxKeyUserID).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

// WithUserID is what AuthMiddleware stores; handlers' tests use it directly.
func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKeyUserID, id)
}

// AdminMiddleware guards admin routes with a shared X-Admin-Token. An empty
// configured token disables them.
func AdminMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Admin-Token")
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, `{"error":"admin token required"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
