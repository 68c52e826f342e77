package cli

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"replay-buffer/internal/platform/logger"
	"replay-buffer/internal/platform/metrics"
	"replay-buffer/internal/replay"
)

// Routes collects what the control server exposes.
type Routes struct {
	Handler  *replay.Handler
	Events   http.Handler
	Metrics  *metrics.Metrics
	Gauges   func()
	FilesDir string
	Log      *slog.Logger
}

// NewRouter builds the control and status HTTP surface.
func NewRouter(rt Routes) *chi.Mux {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(rt.Log))
	r.Use(metrics.RequestMiddleware(rt.Metrics))

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		rt.Metrics.Handler(rt.Gauges).ServeHTTP(w, r)
	})
	r.Get("/status", rt.Handler.GetStatus)
	r.Get("/playlist.m3u8", rt.Handler.GetPlaylist)
	r.Post("/save", rt.Handler.Save)
	r.Post("/quit", rt.Handler.Quit)
	if rt.Events != nil {
		r.Get("/events", rt.Events.ServeHTTP)
	}
	r.Handle(replay.FilesPrefix+"*", http.StripPrefix(replay.FilesPrefix, http.FileServer(http.Dir(rt.FilesDir))))
	return r
}
