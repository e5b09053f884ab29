package http

import (
	"net/http"
	"time"

	httpmw "github.com/cwrk-planet/presence-service/internal/transport/http/middleware"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type RouterDeps struct {
	Handler        *Handler
	WS             http.HandlerFunc
	Metrics        http.Handler
	AdminToken     string
	AllowedOrigins []string
}

func NewRouter(d RouterDeps) http.Handler {
	h := d.Handler

	r := chi.NewRouter()
	r.Use(middlewareChi.RequestID)
	r.Use(middlewareChi.RealIP)
	r.Use(middlewareChi.Recoverer)
	r.Use(httpmw.WithRequestLoggerCtx)
	r.Use(httpmw.RequestLogger)

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-User-ID", "X-Admin-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Group(func(pr chi.Router) {
		pr.Use(httpmw.AuthMiddleware)

		// websocket lives outside the timeout middleware
		if d.WS != nil {
			pr.Get("/ws", d.WS)
		}

		pr.Group(func(api chi.Router) {
			api.Use(middlewareChi.Timeout(30 * time.Second))

			api.Route("/rooms", func(rm chi.Router) {
				rm.Post("/", h.CreateRoom)
				rm.Get("/", h.ListRooms)
				rm.Post("/leave", h.LeaveRoom)

				rm.Route("/{id}", func(rr chi.Router) {
					rr.Use(httpmw.HeartbeatMiddleware(h.memberSvc))
					rr.Get("/", h.GetRoom)
					rr.Post("/join", h.JoinRoom)
					rr.Get("/members", h.Members)
					rr.With(httpmw.AdminMiddleware(d.AdminToken)).Delete("/", h.DeleteRoom)
				})
			})
			api.Get("/presence/{userId}", h.Presence)
		})
	})

	return r
}
