package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.recoveryMiddleware)

	r.NotFound(s.app.APIHandler.NotFoundHandler)

	r.Get("/health", s.app.APIHandler.HealthHandler)
	r.Get("/api/version", s.app.APIHandler.VersionHandler)

	r.Route("/api/pipeline", func(r chi.Router) {
		h := s.app.PipelineHandler
		r.Post("/execute", h.ExecuteHandler)
		r.Post("/mine/{job_id}", h.MineHandler)
		r.Get("/jobs", h.ListJobsHandler)
		r.Get("/jobs/{job_id}", h.GetJobHandler)
		r.Delete("/jobs/{job_id}", h.DeleteJobHandler)
		r.Get("/progress/{job_id}", h.ProgressHandler)
		r.Get("/results/{job_id}/*", h.ResultFileHandler)
		r.Get("/download/{job_id}", h.DownloadHandler)
	})

	// Progress streams
	r.Get("/api/ws/mining-progress/{job_id}", s.app.StreamHandler.HandleProgressStream)

	return r
}
