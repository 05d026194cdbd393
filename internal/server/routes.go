package server

import (
	"github.com/go-chi/chi/v5"
)

func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)
	r.Get("/event", s.events)

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)
		r.Get("/status", s.getSessionStatus)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Patch("/", s.updateSession)
			r.Delete("/", s.deleteSession)
			r.Post("/message", s.sendMessage)
			r.Post("/abort", s.abortSession)

			// Pending approvals for the session's live run.
			r.Get("/permissions", s.listPermissions)
			r.Post("/permissions/{requestID}", s.respondPermission)
		})
	})
}
