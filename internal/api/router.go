package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/video-transcribe/server/internal/api/handlers"
	"github.com/video-transcribe/server/internal/api/middleware"
	"github.com/video-transcribe/server/internal/config"
	"github.com/video-transcribe/server/internal/gpu"
	"github.com/video-transcribe/server/internal/job"
	"github.com/video-transcribe/server/internal/pipeline"
	"github.com/video-transcribe/server/internal/whisper"
)

func NewRouter(cfg *config.Config, store *job.Store, pool *pipeline.Pool, engine *whisper.Engine, gpuInfo gpu.Info) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(middleware.CORSHandler(cfg.CORSOrigins)))

	// Handlers
	transcribeHandler := handlers.NewTranscribeHandler(store, pool, cfg.TempDir, cfg.ModelSize)
	tasksHandler := handlers.NewTasksHandler(store, pool)
	healthHandler := handlers.NewHealthHandler(gpuInfo, engine, store)

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateWindow)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.Health)

		// Upload route carries its own body limit; everything else
		// stays small.
		r.Group(func(r chi.Router) {
			r.Use(rateLimiter.Handler)
			r.Use(middleware.MaxBodySize(cfg.MaxUploadBytes))
			r.Post("/transcribe", transcribeHandler.Transcribe)
		})

		r.Get("/tasks/{taskID}", tasksHandler.GetTask)
		r.Delete("/tasks/{taskID}", tasksHandler.CancelTask)
	})

	return r
}
