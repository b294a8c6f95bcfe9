package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the server's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
	})

	r.Get("/", s.Health)
	r.Get("/health", s.Health)
	r.Get("/ws", s.ServeWS)
	r.Get("/test", s.TestPage)
	r.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/ws", s.ServeWS)
		r.With(RequireBearer(s.auth, s.log)).Get("/messages", s.ServeHistory)
	})
	return r
}
