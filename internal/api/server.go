// Package api exposes the resolution pipeline over HTTP: template
// analysis, field matching, report generation with progress streaming,
// and cache management.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/quillreport/quill/internal/config"
	"github.com/quillreport/quill/internal/engine"
	"github.com/quillreport/quill/internal/matcher"
	"github.com/quillreport/quill/internal/monitoring"
	"github.com/quillreport/quill/internal/orchestrator"
	"github.com/quillreport/quill/internal/source"
	"github.com/quillreport/quill/internal/store"
)

// Deps carries everything the handlers need.
type Deps struct {
	Store        store.Store
	Sources      *source.Registry
	Matcher      *matcher.Matcher
	Engine       *engine.Engine
	Orchestrator *orchestrator.Orchestrator
	Collector    *monitoring.Collector
	Config       *config.Config
}

// NewRouter builds the HTTP handler tree.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.Config.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", handleHealth(deps))
	r.Get("/metrics", handleMetrics(deps))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/templates/analyze", handleAnalyzeTemplate(deps))
		r.Post("/placeholders/match", handleMatchField(deps))
		r.Post("/queries/test", handleTestQuery(deps))

		r.Post("/reports/generate", handleGenerateReport(deps))

		r.Get("/tasks", handleListTasks(deps))
		r.Get("/tasks/{id}", handleGetTask(deps))
		r.Get("/tasks/{id}/events", handleTaskEvents(deps))
		r.Get("/tasks/{id}/stream", handleTaskStream(deps))
		r.Get("/tasks/{id}/export", handleTaskExport(deps))
		r.Post("/tasks/{id}/cancel", handleCancelTask(deps))

		r.Get("/placeholders/{id}/history", handleExecutionHistory(deps))
		r.Delete("/placeholders/{id}/cache", handleInvalidateCache(deps))
	})

	return r
}

// Serve runs the HTTP server until ctx is cancelled, then drains with a
// short grace period.
func Serve(ctx context.Context, deps Deps) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", deps.Config.Server.Port),
		Handler:           NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("api: server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
