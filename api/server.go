/*
server.go - Router assembly

PURPOSE:
  Wires the chi router: request id and panic recovery, structured request
  logging, CORS for the browser client, then the public auth endpoints and
  the bearer-protected resource routes.
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter builds the full HTTP handler.
func NewRouter(h *Handlers, corsOrigins []string, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLog(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/register", h.register)
		r.Post("/login", h.login)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)

			r.Post("/logout", h.logout)
			r.Get("/user", h.currentUser)

			r.Route("/billing-cycles", func(r chi.Router) {
				r.Get("/", h.listCycles)
				r.Post("/", h.createCycle)
				r.Get("/active", h.activeCycle)
				r.Get("/{id}", h.getCycle)
				r.Put("/{id}", h.updateCycle)
				r.Delete("/{id}", h.deleteCycle)
			})

			r.Route("/daily-readings", func(r chi.Router) {
				r.Get("/", h.listReadings)
				r.Post("/", h.createReading)
				r.Post("/quick-add", h.quickAddReading)
				r.Post("/offline-sync", h.offlineSync)
				r.Get("/{id}", h.getReading)
				r.Put("/{id}", h.updateReading)
				r.Delete("/{id}", h.deleteReading)
			})

			r.Get("/daily-units", h.dailyUnits)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
