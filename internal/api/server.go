package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/briancaffey/nvidia-nim-kit/internal/handlers"
	"github.com/briancaffey/nvidia-nim-kit/internal/logutil"
	"github.com/briancaffey/nvidia-nim-kit/internal/openapi"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Options configures the HTTP server wiring.
type Options struct {
	APIToken string
	Logger   *logrus.Entry
}

// Server wraps the Gin engine and associated configuration.
type Server struct {
	engine *gin.Engine
	logger *logrus.Entry
}

// NewServer constructs a Server with all HTTP routes configured.
func NewServer(handler *handlers.Handler, opts Options) *Server {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logutil.New("api")
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestIDMiddleware(), metricsMiddleware(), requestLogger(logger))

	engine.GET("/healthz", handler.Health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/openapi.json", func(c *gin.Context) {
		doc, err := openapi.JSON()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", doc)
	})
	engine.GET("/openapi.yaml", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", openapi.YAML())
	})
	engine.GET("/api/events", handler.StreamEvents)

	auth := authMiddleware(opts.APIToken)

	nvidia := engine.Group("/api/nvidia")
	nvidia.GET("/toggle", handler.GetNvidiaToggle)
	nvidia.POST("/toggle", auth, handler.SetNvidiaToggle)
	nvidia.GET("/api-key", handler.GetNvidiaAPIKey)
	nvidia.POST("/api-key", auth, handler.SetNvidiaAPIKey)
	nvidia.DELETE("/api-key", auth, handler.DeleteNvidiaAPIKey)

	lp := engine.Group("/api/logprobs")
	lp.POST("/parse", handler.ParseLogprobs)
	lp.POST("/stream", handler.ParseLogprobsStream)

	llm := engine.Group("/api/llm")
	llm.GET("/requests", handler.ListRequests)
	llm.GET("/requests/stats", handler.RequestStats)
	llm.POST("/requests", auth, handler.RecordRequest)
	llm.GET("/inference/:id", handler.GetInferenceRequest)
	llm.PUT("/inference/:id", auth, handler.UpdateInferenceRequest)
	llm.DELETE("/inference/:id", auth, handler.DeleteInferenceRequest)
	llm.POST("/inference", auth, handler.ProxyChat)
	llm.POST("/completion", auth, handler.ProxyCompletion)

	return &Server{engine: engine, logger: logger}
}

// Engine exposes the underlying Gin engine for advanced use (testing, etc.).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start launches the HTTP server on the provided address. Listen failures are
// sent on the returned channel.
func (s *Server) Start(addr string) (*http.Server, <-chan error) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// no WriteTimeout: /api/events holds its response open
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return srv, errCh
}

// Shutdown stops srv, waiting up to timeout for in-flight requests.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
