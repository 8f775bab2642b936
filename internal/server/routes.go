package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)

	// WebSockets
	r.Get("/ws/agent/{sessionID}", s.agentSocket)
	r.Get("/ws/browser/{sessionID}", s.browserSocket)

	// Session introspection
	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)

			r.Get("/history", s.getHistory)
			r.Put("/history", s.putHistory)
			r.Post("/content", s.notifyContent)
			r.Post("/interrupt", s.interrupt)
		})
	})

	// Lifecycle event streaming (SSE)
	r.Get("/event", s.events)
}
