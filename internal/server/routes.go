package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/sessions", s.listSessions)
	r.Get("/configs", s.listConfigs)

	r.Route("/windows", func(r chi.Router) {
		r.Post("/reconcile", s.reconcileWindows)

		r.Route("/{window}", func(r chi.Router) {
			r.Get("/sessions", s.windowSessions)
			r.Post("/sessions", s.startSession)
			r.Post("/project", s.changeProject)

			r.Route("/sessions/{config}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Delete("/", s.stopSession)
				r.Post("/restart", s.restartSession)
				r.Post("/request", s.forwardRequest)
			})
		})
	})

	if s.bus != nil {
		r.Get("/event", s.allEvents)
	}
}
