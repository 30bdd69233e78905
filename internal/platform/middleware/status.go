package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hie/gateway/internal/platform/fhir"
)

// statusOf reports the status the error handler will send for err, or the
// status already written when the handler succeeded.
func statusOf(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var fe *fhir.Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
