// Package api is the operations HTTP surface: health, scheduler status,
// run-now triggers, alert history and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"porsche-tracker/utils"
)

type Server struct {
	addr   string
	router *gin.Engine
	logger *utils.Logger
}

// NewServer registers every route on a fresh gin engine.
func NewServer(addr string, h *Handlers, logger *utils.Logger) *Server {
	router := gin.New()
	router.Use(requestLogger(logger), gin.Recovery())

	router.GET("/health", h.Health)
	router.GET("/status", h.Status)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	criteria := router.Group("/criteria")
	{
		criteria.GET("", h.ListCriteria)
		criteria.POST("/:id/discovery", h.RunDiscovery)
		criteria.POST("/:id/price-check", h.RunPriceCheck)
	}

	alerts := router.Group("/alerts")
	{
		alerts.GET("", h.RecentAlerts)
		alerts.GET("/failed", h.FailedAlerts)
	}

	router.GET("/listings/:id/history", h.ListingHistory)

	return &Server{addr: addr, router: router, logger: logger}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("[api] Listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func requestLogger(logger *utils.Logger) gin.HandlerFunc {
	z := logger.Zap()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		z.Debug("HTTP request",
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
