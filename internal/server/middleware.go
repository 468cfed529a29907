package server

import (
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/pubsub-relay/internal/logging"
)

func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := logging.WithCorrelationID(c.Request().Context(), logging.NewCorrelationID())
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}
