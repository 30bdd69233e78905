package consent

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hie/gateway/internal/domain/patient"
	"github.com/hie/gateway/internal/platform/auth"
	"github.com/hie/gateway/internal/platform/fhir"
	"github.com/hie/gateway/internal/platform/recordstore"
)

// PatientLookup resolves an external identifier to a patient.
type PatientLookup interface {
	ByIdentifier(ctx context.Context, identifier string, opts ...recordstore.RequestOption) (*fhir.Patient, error)
}

// IssuerRequest is the body accepted by the issuer routes. Only one of the
// patient fields is needed; an explicit patient id wins over identifiers.
type IssuerRequest struct {
	PatientID        string `json:"patientId"`
	Patient          string `json:"patient"`
	IDNumber         string `json:"idNumber"`
	Passport         string `json:"passport"`
	BirthCertificate string `json:"birthCertificate"`
	Facility         string `json:"facility"`
}

func (r IssuerRequest) identifier() string {
	for _, v := range []string{r.IDNumber, r.Passport, r.BirthCertificate} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Handler serves the consent issuer routes.
type Handler struct {
	ledger            *Ledger
	patients          PatientLookup
	allowBodyFacility bool
	logger            zerolog.Logger
}

// NewHandler builds the issuer handler. When allowBodyFacility is set an
// unauthenticated caller may name the facility in the body; otherwise the
// facility always comes from the bearer principal.
func NewHandler(ledger *Ledger, patients PatientLookup, allowBodyFacility bool, logger zerolog.Logger) *Handler {
	return &Handler{ledger: ledger, patients: patients, allowBodyFacility: allowBodyFacility, logger: logger}
}

func (h *Handler) RegisterRoutes(g *echo.Group, mw ...echo.MiddlewareFunc) {
	g.POST("/issuer/request", h.RequestConsent, mw...)
	g.POST("/issuer/revoke", h.RevokeConsent, mw...)
}

// RequestConsent grants the calling facility access to a patient and
// returns the consent scoped to that facility.
func (h *Handler) RequestConsent(c echo.Context) error {
	var body IssuerRequest
	if err := c.Bind(&body); err != nil {
		return fhir.NewError(http.StatusBadRequest, fhir.InvalidOutcome("Request body must be a JSON object"), err)
	}

	facility, err := h.facility(c, body)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	patientID, err := h.resolvePatient(ctx, body)
	if err != nil {
		return issuerError(err)
	}
	c.Set("patient_id", patientID)

	rec, err := h.ledger.Issue(ctx, patientID, facility)
	if err != nil {
		return issuerError(err)
	}
	return c.JSON(http.StatusOK, rec.ScopedTo(facility).ToFHIR())
}

// RevokeConsent withdraws the calling facility's access. The facility is
// resolved exactly as for issuance, so an anonymous caller can only name
// one when body facilities are allowed. The response is the same whether
// or not revocation is enabled.
func (h *Handler) RevokeConsent(c echo.Context) error {
	var body IssuerRequest
	if err := c.Bind(&body); err != nil {
		return fhir.NewError(http.StatusBadRequest, fhir.InvalidOutcome("Request body must be a JSON object"), err)
	}

	patientID := strings.TrimSpace(body.Patient)
	if patientID == "" {
		patientID = strings.TrimSpace(body.PatientID)
	}
	if patientID == "" {
		return fhir.NewError(http.StatusBadRequest,
			fhir.RequiredFieldOutcome("patient", "Patient ID is required"), ErrInvalidArgument)
	}
	c.Set("patient_id", patientID)

	facility, err := h.facility(c, body)
	if err != nil {
		return err
	}

	if _, err := h.ledger.Revoke(c.Request().Context(), patientID, facility); err != nil {
		return issuerError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Consent revoked successfully",
	})
}

func (h *Handler) facility(c echo.Context, body IssuerRequest) (string, error) {
	if f := auth.FacilityFromContext(c.Request().Context()); f != "" {
		return f, nil
	}
	if h.allowBodyFacility {
		if f := strings.TrimSpace(body.Facility); f != "" {
			return f, nil
		}
	}
	return "", fhir.NewError(http.StatusUnauthorized,
		fhir.LoginOutcome("Bearer token is required but not provided"), auth.ErrMissingCredentials)
}

func (h *Handler) resolvePatient(ctx context.Context, body IssuerRequest) (string, error) {
	if id := strings.TrimSpace(body.PatientID); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(body.Patient); id != "" {
		return id, nil
	}
	ident := body.identifier()
	if ident == "" {
		return "", ErrInvalidArgument
	}
	p, err := h.patients.ByIdentifier(ctx, ident)
	if err != nil {
		h.logger.Debug().Err(err).Msg("issuer identifier lookup failed")
		return "", err
	}
	return p.ID, nil
}

func issuerError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return fhir.NewError(http.StatusBadRequest,
			fhir.RequiredFieldOutcome("patient", "A patient id, idNumber, passport or birthCertificate is required"), err)
	case errors.Is(err, recordstore.ErrTimeout):
		return fhir.NewError(http.StatusGatewayTimeout,
			fhir.TimeoutOutcome("Record store did not respond in time"), err)
	case errors.Is(err, ErrPatientNotFound), errors.Is(err, patient.ErrNotFound):
		return fhir.NewError(http.StatusNotFound,
			fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, "Patient not found"), err)
	case errors.Is(err, patient.ErrAmbiguous):
		return fhir.NewError(http.StatusConflict,
			fhir.MultipleMatchesOutcome("Identifier matches more than one patient"), err)
	case errors.Is(err, ErrConsentRevokeFailed):
		return fhir.NewError(http.StatusBadRequest, fhir.ErrorOutcome("Consent revocation failed"), err)
	default:
		return fhir.NewError(http.StatusBadRequest, fhir.ErrorOutcome("Consent issuance failed"), err)
	}
}
