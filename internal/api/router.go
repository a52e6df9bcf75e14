package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atelierhq/atelier-control-plane/internal/auth"
	"github.com/atelierhq/atelier-control-plane/internal/config"
	"github.com/atelierhq/atelier-control-plane/internal/metrics"
)

type Server struct {
	cfg        config.Config
	dispatcher Dispatcher
	donations  Donations
}

func NewRouter(cfg config.Config, d Dispatcher, donations Donations) http.Handler {
	s := &Server{cfg: cfg, dispatcher: d, donations: donations}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Provisioning waits on the compute layer; task launch plus the
	// running waiter can take minutes.
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.With(auth.Middleware(cfg.JWTSecret)).Post("/actions", s.handleAction)
		v1.With(s.webhookSharedAuth).Post("/webhooks/donation", s.handleDonation)
	})

	return r
}

func (s *Server) webhookSharedAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Webhook-Auth") != s.cfg.WebhookKey {
			writeAPIError(w, http.StatusUnauthorized, "invalid webhook auth")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
