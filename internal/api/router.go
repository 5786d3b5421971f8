package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yegors/windburglr/pkg/logger"
)

// Router wires the HTTP endpoints
type Router struct {
	handler   *Handler
	staticDir string
	logger    *logger.Logger
}

// NewRouter creates a new router
func NewRouter(svc Services, log *logger.Logger) *Router {
	return &Router{
		handler:   NewHandler(svc, log),
		staticDir: svc.Config.Server.StaticFilesDir,
		logger:    log.Named("router"),
	}
}

// Routes returns the configured HTTP handler
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rt.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", rt.handler.GetHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/wind", rt.handler.GetWind)
		r.Get("/stations", rt.handler.GetStations)
		r.Get("/scraper-status", rt.handler.GetScraperStatus)
		r.Get("/scraper-health", rt.handler.GetScraperHealth)
	})

	r.Get("/ws/{station}", rt.handler.HandleWebSocket)

	if rt.staticDir != "" {
		r.Handle("/*", NewStaticFileHandler(rt.staticDir, rt.logger))
	}
	return r
}

func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		rt.logger.Debug("Request served",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Int("bytes", ww.BytesWritten()),
			logger.Duration("duration", time.Since(start)),
			logger.String("request_id", middleware.GetReqID(r.Context())))
	})
}
