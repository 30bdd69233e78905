package fhir

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Error is an HTTP-status-carrying error whose body is an OperationOutcome.
// Handlers return it and ErrorHandler renders it.
type Error struct {
	Status  int
	Outcome *OperationOutcome
	Err     error
}

func NewError(status int, outcome *OperationOutcome, cause error) *Error {
	return &Error{Status: status, Outcome: outcome, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Status, e.Outcome.Text(), e.Err)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Outcome.Text())
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorHandler returns an echo.HTTPErrorHandler that renders every error as
// an OperationOutcome. Errors of type *Error keep their outcome; echo's own
// HTTP errors (404 routes, 405, 413, 429 from middleware) are mapped onto an
// issue code by status. Anything else becomes a 500 whose diagnostics only
// include the error text when exposeDetails is set.
func ErrorHandler(logger zerolog.Logger, exposeDetails bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, outcome := resolveError(err, exposeDetails)
		if status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Int("status", status).
				Msg("request failed")
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, outcome)
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("failed to write error response")
		}
	}
}

func resolveError(err error, exposeDetails bool) (int, *OperationOutcome) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status, fe.Outcome
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		text := fmt.Sprintf("%v", he.Message)
		if he.Code >= http.StatusInternalServerError && !exposeDetails {
			text = http.StatusText(he.Code)
		}
		return he.Code, NewOperationOutcome(IssueSeverityError, issueCodeForStatus(he.Code), text)
	}

	text := "Internal Server Error"
	if exposeDetails {
		text = err.Error()
	}
	return http.StatusInternalServerError, InternalErrorOutcome(text)
}

func issueCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return IssueTypeInvalid
	case http.StatusUnauthorized:
		return IssueTypeLogin
	case http.StatusForbidden:
		return IssueTypeForbidden
	case http.StatusNotFound:
		return IssueTypeNotFound
	case http.StatusMethodNotAllowed:
		return IssueTypeNotSupported
	case http.StatusConflict:
		return IssueTypeConflict
	case http.StatusTooManyRequests:
		return IssueTypeThrottled
	case http.StatusGatewayTimeout:
		return IssueTypeTimeout
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return IssueTypeTransient
	default:
		return IssueTypeException
	}
}
