package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hie/gateway/internal/platform/fhir"
)

// RequestTimeout bounds the whole request with a context deadline. Every
// record store and identity provider call derives from the request context,
// so a hung upstream ends the handler with a deadline error, which is
// reported as 504 with an OperationOutcome body.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return fhir.NewError(http.StatusGatewayTimeout,
					fhir.TimeoutOutcome("Request processing exceeded the allowed time limit"), err)
			}
			return err
		}
	}
}
