package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hie/gateway/internal/domain/consent"
	"github.com/hie/gateway/internal/domain/patient"
	"github.com/hie/gateway/internal/platform/auth"
	"github.com/hie/gateway/internal/platform/fhir"
	"github.com/hie/gateway/internal/platform/recordstore"
)

const fhirMIME = "application/fhir+json"

const denialModeUnified = "unified"

type route int

const (
	routeRead route = iota
	routeOperation
	routeSearch
	routeObservation
	routeCoverage
)

// denial returns the status and message a consent denial produces on r.
// Legacy mode keeps the historical 404 on the patient operation route.
func (h *Handler) denial(r route) (int, string) {
	switch r {
	case routeRead, routeCoverage:
		return http.StatusUnauthorized, "No consent found for the given patient ID"
	case routeOperation:
		if h.opts.DenialMode != denialModeUnified {
			return http.StatusNotFound, "No active consent found for the given patient ID"
		}
	}
	return http.StatusUnauthorized, "No active consent found for the given patient ID"
}

// authorize asks the gate whether the caller's facility may access
// patientID. "No consent" and "not listed" are indistinguishable here.
func (h *Handler) authorize(c echo.Context, patientID string, r route) error {
	c.Set("patient_id", patientID)
	ctx := c.Request().Context()
	facility := auth.FacilityFromContext(ctx)
	if facility == "" {
		return fhir.NewError(http.StatusUnauthorized,
			fhir.LoginOutcome("Bearer token is required but not provided"), auth.ErrMissingCredentials)
	}
	if h.gate.Authorize(ctx, patientID, facility) == consent.Allow {
		return nil
	}
	status, msg := h.denial(r)
	return fhir.NewError(status, fhir.ForbiddenOutcome(msg), nil)
}

// passthrough relays a store answer: status and body verbatim for 2xx-4xx,
// a generic upstream failure for 5xx.
func (h *Handler) passthrough(c echo.Context, res *recordstore.Result, err error) error {
	if err != nil {
		return upstreamError(err, h.opts.ExposeErrors)
	}
	if res.StatusCode >= http.StatusInternalServerError {
		h.logger.Error().
			Int("store_status", res.StatusCode).
			Str("path", c.Request().URL.Path).
			Msg("record store returned a server error")
		text := "Record store request failed"
		if h.opts.ExposeErrors {
			text += ": " + string(res.Data)
		}
		return fhir.NewError(http.StatusInternalServerError, fhir.InternalErrorOutcome(text), nil)
	}

	hdr := c.Response().Header()
	if res.ETag != "" {
		hdr.Set("ETag", res.ETag)
	}
	if res.Location != "" {
		hdr.Set(echo.HeaderLocation, res.Location)
	}
	if len(res.Data) == 0 {
		return c.NoContent(res.StatusCode)
	}
	return c.Blob(res.StatusCode, fhirMIME, res.Data)
}

func upstreamError(err error, expose bool) error {
	if errors.Is(err, recordstore.ErrTimeout) {
		return fhir.NewError(http.StatusGatewayTimeout,
			fhir.TimeoutOutcome("Record store did not respond in time"), err)
	}
	text := "Record store request failed"
	if expose {
		text += ": " + err.Error()
	}
	return fhir.NewError(http.StatusInternalServerError, fhir.InternalErrorOutcome(text), err)
}

func lookupError(err error, expose bool) error {
	switch {
	case errors.Is(err, patient.ErrNotFound):
		return fhir.NewError(http.StatusNotFound,
			fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, "No patient matches the given identifier"), err)
	case errors.Is(err, patient.ErrAmbiguous):
		return fhir.NewError(http.StatusConflict,
			fhir.MultipleMatchesOutcome("Identifier matches more than one patient"), err)
	}
	return upstreamError(err, expose)
}

func readBody(c echo.Context) ([]byte, error) {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		// BodyLimit surfaces here as an *echo.HTTPError.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, fhir.NewError(http.StatusBadRequest, fhir.InvalidOutcome("Could not read request body"), err)
	}
	if len(raw) == 0 {
		return nil, fhir.NewError(http.StatusBadRequest, fhir.InvalidOutcome("A valid FHIR resource data is required"), nil)
	}
	return raw, nil
}
