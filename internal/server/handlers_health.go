package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/pubsub-relay/internal/platform/version"
)

const readinessProbeTimeout = 5 * time.Second

// HealthCheck is a named health check function.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleLiveness(c echo.Context) error {
	uptime := time.Since(s.startTime).Seconds()

	response := map[string]any{
		"status": "ok",
		"uptime": uptime,
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

// handleReadiness runs every check, even after a failure, so one probe shows the
// whole picture. failed_check names the first failing check in registration order.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessProbeTimeout)
	defer cancel()

	results := make(map[string]string, len(s.healthChecks))
	failed := ""
	for _, hc := range s.healthChecks {
		if err := hc.Check(ctx); err != nil {
			results[hc.Name] = err.Error()
			if failed == "" {
				failed = hc.Name
			}
			continue
		}
		results[hc.Name] = "ok"
	}

	status, response := http.StatusOK, map[string]any{"status": "ready", "checks": results}
	if failed != "" {
		status = http.StatusServiceUnavailable
		response["status"] = "unhealthy"
		response["failed_check"] = failed
		slog.WarnContext(ctx, "Readiness check failed", "failed_check", failed, "error", results[failed])
	}

	if err := c.JSON(status, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
