package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/MrJamesThe3rd/gigflow/internal/http/engagement"
	auth "github.com/MrJamesThe3rd/gigflow/internal/http/middleware"
	"github.com/MrJamesThe3rd/gigflow/internal/http/webhook"
)

type Options struct {
	AllowedOrigins []string
}

func New(
	authenticator *auth.Authenticator,
	engagementsV1 *engagement.Handler,
	webhooksV1 *webhook.Handler,
	opts Options,
) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	router.Route("/api/v1", func(r chi.Router) {
		r.Route("/engagements", func(r chi.Router) {
			r.Use(authenticator.Handler)
			r.Use(middleware.AllowContentType("application/json"))
			engagementsV1.Routes(r)
		})

		r.Route("/webhooks", webhooksV1.Routes)
	})

	return router
}
