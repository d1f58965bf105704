package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/harun/tandem/internal/observability"
	"github.com/harun/tandem/internal/tracing"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", observability.MetricsHandler())

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Get("/ws", s.handleWebSocket)

		r.Route("/api", func(r chi.Router) {
			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.handleListSessions)
				r.Post("/", s.handleCreateSession)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetSession)
					r.Delete("/", s.handleDeleteSession)
					r.Post("/end", s.handleEndSession)
					r.Post("/messages", s.handleSendMessage)
					r.Post("/interrupt", s.handleInterrupt)
				})
			})
			r.Get("/runs", s.handleListRuns)
			r.Get("/clients", s.handleListClients)
			r.Get("/permissions", s.handleListPermissions)
			r.Put("/permissions/{tool}", s.handleSetPermission)
		})
	})

	return r
}

// requestLogger starts a trace for the request and logs it once served.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := tracing.NewRequestContext(r.Context())
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		logger := tracing.LoggerFromContext(ctx, s.logger)
		event := logger.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			event = logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
