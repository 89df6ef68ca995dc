// Package httpapi exposes the relay's HTTP surface: health, TLS
// fingerprint, and metrics endpoints served alongside the WebTransport
// listener (SPEC_FULL.md §4.14).
//
// Grounded on rustyguts-bken/server/internal/httpapi/server.go's Echo app
// (middleware.Recover, a slog-based request logger, graceful Shutdown) —
// generalized from the teacher's websocket+blob routes to the relay's
// health/fingerprint/metrics surface.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"duskcall/internal/relay"
)

// Server is the Echo application fronting the relay's operational
// endpoints.
type Server struct {
	echo        *echo.Echo
	room        *relay.Room
	fingerprint string
	startedAt   time.Time
}

// New constructs an Echo app with /healthz, /fingerprint, and /metrics
// routes bound to room. fingerprint is the SHA-256 hex digest of the
// relay's TLS certificate (spec §4.14's "TLS fingerprint endpoint"),
// empty if not yet available.
func New(room *relay.Room, fingerprint string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, room: room, fingerprint: fingerprint, startedAt: time.Now()}
	s.registerRoutes()
	return s
}

// requestLogger mirrors the teacher's httpapi request logger: debug level
// for the noisy health endpoint, info for everything else.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			if req.URL.Path == "/healthz" {
				slog.Debug("http request", "method", req.Method, "path", req.URL.Path, "status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds())
			} else {
				slog.Info("http request", "method", req.Method, "path", req.URL.Path, "status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds(), "remote", c.RealIP())
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/fingerprint", s.handleFingerprint)
	s.echo.GET("/metrics", s.handleMetrics)
}

// Run starts Echo on addr and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down relay http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status    string `json:"status"`
	Clients   int    `json:"clients"`
	UptimeSec int64  `json:"uptime_sec"`
}

func (s *Server) handleHealth(c echo.Context) error {
	_, _, _, clients := s.room.Stats()
	return c.JSON(http.StatusOK, healthResponse{
		Status:    "ok",
		Clients:   clients,
		UptimeSec: int64(time.Since(s.startedAt).Seconds()),
	})
}

type fingerprintResponse struct {
	SHA256 string `json:"sha256"`
}

func (s *Server) handleFingerprint(c echo.Context) error {
	if s.fingerprint == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "tls fingerprint not available")
	}
	return c.JSON(http.StatusOK, fingerprintResponse{SHA256: s.fingerprint})
}

type metricsResponse struct {
	Clients          int    `json:"clients"`
	TotalDatagrams   uint64 `json:"total_datagrams"`
	TotalBytes       uint64 `json:"total_bytes"`
	SkippedDatagrams uint64 `json:"skipped_datagrams"`
}

func (s *Server) handleMetrics(c echo.Context) error {
	datagrams, bytes, skipped, clients := s.room.Stats()
	return c.JSON(http.StatusOK, metricsResponse{
		Clients:          clients,
		TotalDatagrams:   datagrams,
		TotalBytes:       bytes,
		SkippedDatagrams: skipped,
	})
}
