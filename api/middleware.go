package api

import (
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// requestLogger emits one structured line per request with route, status and
// duration. Health probes are skipped to keep the log readable.
func requestLogger(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/healthz" {
				return next(c)
			}
			start := time.Now()
			err := next(c)
			fields := log.Fields{
				"method":   c.Request().Method,
				"route":    c.Path(),
				"status":   c.Response().Status,
				"total_ms": float64(time.Since(start)) / float64(time.Millisecond),
			}
			if err != nil {
				fields["error"] = err.Error()
			}
			logger.WithFields(fields).Info("api.request")
			return err
		}
	}
}
