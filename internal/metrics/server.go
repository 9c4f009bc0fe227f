package metrics

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes health, Prometheus metrics and stage progress over HTTP
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

type stageProgress struct {
	Stage     string  `json:"stage"`
	Total     int64   `json:"total"`
	Processed int64   `json:"processed"`
	Succeeded int64   `json:"succeeded"`
	Failed    int64   `json:"failed"`
	TimedOut  int64   `json:"timed_out"`
	Skipped   int64   `json:"skipped"`
	Bytes     int64   `json:"bytes"`
	Percent   float64 `json:"percent"`
	Elapsed   string  `json:"elapsed"`
	Done      bool    `json:"done"`
}

// NewServer builds the HTTP server; it does not start listening
func NewServer(addr string, c *Collector, logger *zap.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:    addr,
			Handler: c.Handler(),
		},
		logger: logger,
	}
}

// Handler returns the gin engine serving /health, /metrics and /progress
func (c *Collector) Handler() http.Handler {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(ctx *gin.Context) {
		ctx.Status(http.StatusOK)
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})))

	r.GET("/progress", func(ctx *gin.Context) {
		stages := c.progressTracker.All()
		out := make([]stageProgress, 0, len(stages))
		for _, s := range stages {
			out = append(out, stageProgress{
				Stage:     s.Stage,
				Total:     s.Total,
				Processed: s.Processed,
				Succeeded: s.Succeeded,
				Failed:    s.Failed,
				TimedOut:  s.TimedOut,
				Skipped:   s.Skipped,
				Bytes:     s.Bytes,
				Percent:   s.Percent(),
				Elapsed:   s.Elapsed().Round(time.Second).String(),
				Done:      !s.EndTime.IsZero(),
			})
		}
		ctx.JSON(http.StatusOK, gin.H{"stages": out})
	})

	return r
}

// Start listens in the background. Listen errors are logged, never fatal.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Status server starting", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Failed to start status server", zap.Error(err))
		}
	}()
}

// Shutdown stops the server, waiting at most 5 seconds for open requests
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
