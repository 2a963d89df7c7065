package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
)

func Routes(h *Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/generate", h.Generate)
		r.Get("/generate/status", h.Status)
		r.Get("/generate/status/{id}", h.Status)
		r.Post("/generate/{id}/cancel", h.CancelJob)

		r.Get("/previews", h.ListPreviews)
		r.Get("/preview/{name}", h.GetPreview)
		r.Get("/model/{name}", h.GetModel)
		r.Get("/script/latest", h.LatestScript)

		r.Get("/ping", h.Ping)
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
