package httpmw

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type HeartbeatToucher interface {
	Heartbeat(ctx context.Context, userID, roomID uuid.UUID) error
}

// HeartbeatMiddleware продлевает активность комнаты {id}, если пользователь в ней состоит.
func HeartbeatMiddleware(members HeartbeatToucher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := UserIDFromCtx(r.Context())
			if userID != uuid.Nil {
				if roomID, err := uuid.Parse(chi.URLParam(r, "id")); err == nil {
					// best-effort: ошибки не прерывают запрос
					if err := members.Heartbeat(r.Context(), userID, roomID); err != nil {
						L(r.Context()).Debug("room heartbeat failed", "room_id", roomID, "err", err)
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
