//go:build linux

package metrics

import (
	"context"
	"net/http"

	"github.com/ja7ad/cpulimit/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /metrics, /status and /health.
type Server struct {
	engine *echo.Echo
	addr   string
	col    *Collector
	reg    *prometheus.Registry
}

// NewServer registers col, plus the Go runtime and process collectors of
// the limiter itself, on a private registry.
func NewServer(addr string, col *Collector) (*Server, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(col); err != nil {
		return nil, errors.Wrap(err, "register collector")
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s := &Server{engine: e, addr: addr, col: col, reg: reg}
	s.SetupRoutes(e)
	return s, nil
}

// SetupRoutes mounts the handlers on e.
func (s *Server) SetupRoutes(e *echo.Echo) {
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})))
	e.GET("/status", s.status)
	e.GET("/health", s.health)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves in the background. Listen errors are logged, not fatal:
// the limiter keeps running without its metrics endpoint.
func (s *Server) Start(ctx context.Context) {
	go func() {
		logger.Logger(ctx).Info().Msgf("serving metrics on %s", s.addr)
		if err := s.engine.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Logger(ctx).Error().Err(err).Msgf("metrics server on %s", s.addr)
		}
	}()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.engine.Shutdown(ctx)
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, s.col.Status())
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}
