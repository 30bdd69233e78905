// Package gateway proxies clinical reads and writes to the record store
// once the calling facility has been authenticated and authorized by the
// consent gate.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hie/gateway/internal/domain/consent"
	"github.com/hie/gateway/internal/platform/auth"
	"github.com/hie/gateway/internal/platform/fhir"
	"github.com/hie/gateway/internal/platform/middleware"
	"github.com/hie/gateway/internal/platform/recordstore"
)

// Store is the part of the record store client the gateway proxies to.
type Store interface {
	Read(ctx context.Context, resourceType, id string, opts ...recordstore.RequestOption) (*recordstore.Result, error)
	Search(ctx context.Context, resourceType string, params url.Values, opts ...recordstore.RequestOption) (*recordstore.Result, error)
	Create(ctx context.Context, resourceType string, resource any, opts ...recordstore.RequestOption) (*recordstore.Result, error)
	Transaction(ctx context.Context, bundle any, opts ...recordstore.RequestOption) (*recordstore.Result, error)
	Get(ctx context.Context, path string, query url.Values, opts ...recordstore.RequestOption) (*recordstore.Result, error)
}

// Authorizer decides whether a facility may touch a patient's record.
type Authorizer interface {
	Authorize(ctx context.Context, patientID, facilityID string) consent.Decision
}

// Issuer grants consent as a side effect of patient registration.
type Issuer interface {
	Issue(ctx context.Context, patientID, facilityID string) (*consent.Record, error)
}

// PatientLookup resolves an identifier to a single patient.
type PatientLookup interface {
	ByIdentifier(ctx context.Context, identifier string, opts ...recordstore.RequestOption) (*fhir.Patient, error)
}

// ConsentStatusHeader reports the outcome of the automatic grant on the
// registration routes.
const ConsentStatusHeader = "X-Consent-Status"

// Options tune a Handler.
type Options struct {
	// DenialMode is "legacy" (404 on the patient operation route, 401
	// elsewhere) or "unified" (401 everywhere).
	DenialMode string
	// ExposeErrors adds upstream error text to 5xx outcomes.
	ExposeErrors bool
}

type Handler struct {
	store    Store
	gate     Authorizer
	issuer   Issuer
	patients PatientLookup
	opts     Options
	logger   zerolog.Logger
}

func NewHandler(store Store, gate Authorizer, issuer Issuer, patients PatientLookup, opts Options, logger zerolog.Logger) *Handler {
	return &Handler{store: store, gate: gate, issuer: issuer, patients: patients, opts: opts, logger: logger}
}

// RegisterRoutes mounts the proxied FHIR routes. The group must already
// require a bearer principal.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.Transaction)
	g.POST("/", h.Transaction)
	g.GET("/Patient", h.SearchPatient)
	g.POST("/Patient", h.CreatePatient)
	g.GET("/Patient/:id", h.ReadPatient)
	g.GET("/Patient/:id/:operation", h.PatientOperation)
	g.POST("/Observation", h.CreateObservation)
	g.GET("/Coverage", h.SearchCoverage)
}

var patientOperations = map[string]bool{
	"$everything": true,
	"$summary":    true,
}

func (h *Handler) ReadPatient(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return fhir.NewError(http.StatusBadRequest, fhir.RequiredFieldOutcome("id", "Patient ID is required"), nil)
	}
	if err := h.authorize(c, id, routeRead); err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.store.Read(ctx, "Patient", id, requestOpts(ctx)...)
	return h.passthrough(c, res, err)
}

func (h *Handler) PatientOperation(c echo.Context) error {
	op := c.Param("operation")
	if !patientOperations[op] {
		return fhir.NewError(http.StatusBadRequest, fhir.InvalidOutcome("Invalid operation specified."), nil)
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return fhir.NewError(http.StatusBadRequest, fhir.RequiredFieldOutcome("id", "Patient ID is required"), nil)
	}
	if err := h.authorize(c, id, routeOperation); err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.store.Get(ctx, "/Patient/"+url.PathEscape(id)+"/"+op, nil, requestOpts(ctx)...)
	return h.passthrough(c, res, err)
}

// SearchPatient resolves the identifier to one patient, checks consent for
// that patient and then forwards the caller's query pinned to that patient
// with _id. The pin keeps OR-ed identifiers ("A,B") and shared identifiers
// under the first-match policy from returning other patients. Include
// parameters are dropped because they pull in resources outside the
// authorized record.
func (h *Handler) SearchPatient(c echo.Context) error {
	query := c.QueryParams()
	identifier := strings.TrimSpace(query.Get("identifier"))
	if identifier == "" {
		return fhir.NewError(http.StatusBadRequest,
			fhir.RequiredFieldOutcome("identifier", "'identifier' query parameter is required"), nil)
	}

	ctx := c.Request().Context()
	p, err := h.patients.ByIdentifier(ctx, identifier, requestOpts(ctx)...)
	if err != nil {
		return lookupError(err, h.opts.ExposeErrors)
	}
	if err := h.authorize(c, p.ID, routeSearch); err != nil {
		return err
	}
	res, err := h.store.Search(ctx, "Patient", pinnedQuery(query, p.ID), requestOpts(ctx)...)
	return h.passthrough(c, res, err)
}

// pinnedQuery copies query, restricts it to patientID and removes the
// _include/_revinclude family.
func pinnedQuery(query url.Values, patientID string) url.Values {
	out := withoutIncludes(query)
	out.Set("_id", patientID)
	return out
}

// coverageQuery replaces the patient criteria with the single authorized
// beneficiary so an OR list cannot widen the search.
func coverageQuery(query url.Values, patientID string) url.Values {
	out := withoutIncludes(query)
	out.Del("patient")
	out.Set("beneficiary", "Patient/"+patientID)
	return out
}

func withoutIncludes(query url.Values) url.Values {
	out := url.Values{}
	for k, v := range query {
		if strings.HasPrefix(k, "_include") || strings.HasPrefix(k, "_revinclude") {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (h *Handler) SearchCoverage(c echo.Context) error {
	query := c.QueryParams()
	id := fhir.ParseReference(query.Get("beneficiary"), "Patient")
	if id == "" {
		id = fhir.ParseReference(query.Get("patient"), "Patient")
	}
	if id == "" {
		// Bare ids are accepted as well as references.
		for _, key := range []string{"beneficiary", "patient"} {
			if v := strings.TrimSpace(query.Get(key)); v != "" && !strings.Contains(v, "/") {
				id = v
				break
			}
		}
	}
	if id == "" {
		return fhir.NewError(http.StatusBadRequest,
			fhir.RequiredFieldOutcome("patient", "Patient ID is required"), nil)
	}
	if err := h.authorize(c, id, routeCoverage); err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.store.Search(ctx, "Coverage", coverageQuery(query, id), requestOpts(ctx)...)
	return h.passthrough(c, res, err)
}

// CreateObservation writes an observation about a patient the caller has
// consent for. A store answer other than 201 is reported as 400 with the
// store's body.
func (h *Handler) CreateObservation(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	var obs struct {
		ResourceType string          `json:"resourceType"`
		Subject      *fhir.Reference `json:"subject"`
	}
	if err := json.Unmarshal(raw, &obs); err != nil || (obs.ResourceType != "" && obs.ResourceType != "Observation") {
		return fhir.NewError(http.StatusBadRequest, fhir.InvalidOutcome("A valid FHIR resource data is required"), err)
	}
	id := obs.Subject.ID("Patient")
	if id == "" {
		return fhir.NewError(http.StatusBadRequest,
			fhir.RequiredFieldOutcome("subject.reference", "Patient ID is required in the observation data"), nil)
	}
	if err := h.authorize(c, id, routeObservation); err != nil {
		return err
	}

	ctx := c.Request().Context()
	res, err := h.store.Create(ctx, "Observation", json.RawMessage(raw), requestOpts(ctx)...)
	if err != nil {
		return upstreamError(err, h.opts.ExposeErrors)
	}
	if res.StatusCode != http.StatusCreated {
		if res.StatusCode >= http.StatusInternalServerError {
			return h.passthrough(c, res, nil)
		}
		return c.Blob(http.StatusBadRequest, fhirMIME, res.Data)
	}
	return h.passthrough(c, res, nil)
}

// CreatePatient registers a patient and grants the registering facility
// consent for it.
func (h *Handler) CreatePatient(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	if fhir.PeekResourceType(raw) != "Patient" {
		return fhir.NewError(http.StatusBadRequest, fhir.InvalidOutcome("A valid FHIR resource data is required"), nil)
	}

	ctx := c.Request().Context()
	res, err := h.store.Create(ctx, "Patient", json.RawMessage(raw), requestOpts(ctx)...)
	if err != nil {
		return upstreamError(err, h.opts.ExposeErrors)
	}
	if res.OK() {
		h.autoGrant(c, res.CreatedID("Patient"))
	}
	return h.passthrough(c, res, nil)
}

// Transaction forwards a registration bundle. The bundle must carry a
// Patient and may only create resources (see checkBundle); the facility is
// granted consent for the new patient once the store accepts the bundle.
func (h *Handler) Transaction(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	var bundle fhir.Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil || bundle.ResourceType != "Bundle" || len(bundle.Entry) == 0 {
		return fhir.NewError(http.StatusBadRequest, fhir.InvalidOutcome("A valid FHIR resource data is required"), err)
	}
	idx := patientEntry(bundle)
	if idx < 0 {
		return fhir.NewError(http.StatusBadRequest,
			fhir.InvalidOutcome("Invalid FHIR Bundle provided. Missing Patient in Bundle"), nil)
	}
	if err := h.checkBundle(c, bundle); err != nil {
		return err
	}

	ctx := c.Request().Context()
	res, err := h.store.Transaction(ctx, json.RawMessage(raw), requestOpts(ctx)...)
	if err != nil {
		return upstreamError(err, h.opts.ExposeErrors)
	}
	if res.OK() {
		h.autoGrant(c, bundlePatientID(idx, res))
	}
	return h.passthrough(c, res, nil)
}

// autoGrant issues consent for a freshly registered patient. A failed grant
// never hides the created patient; it is logged and reported in a header.
func (h *Handler) autoGrant(c echo.Context, patientID string) {
	facility := auth.FacilityFromContext(c.Request().Context())
	status := "granted"
	switch {
	case patientID == "":
		status = "failed"
		h.logger.Error().Str("facility_id", facility).Msg("registered patient id not found in store response, consent not issued")
	default:
		c.Set("patient_id", patientID)
		if _, err := h.issuer.Issue(c.Request().Context(), patientID, facility); err != nil {
			status = "failed"
			h.logger.Error().Err(err).
				Str("patient_id", patientID).
				Str("facility_id", facility).
				Msg("automatic consent issuance failed")
		}
	}
	c.Response().Header().Set(ConsentStatusHeader, status)
}

func patientEntry(b fhir.Bundle) int {
	for i, e := range b.Entry {
		if fhir.PeekResourceType(e.Resource) == "Patient" {
			return i
		}
	}
	return -1
}

// bundlePatientID finds the id the store assigned to the bundle's Patient:
// the response entry at the same position, then any Patient location in
// the response.
func bundlePatientID(idx int, res *recordstore.Result) string {
	var resp fhir.Bundle
	if err := res.Decode(&resp); err != nil {
		return ""
	}
	if idx < len(resp.Entry) && resp.Entry[idx].Response != nil {
		if id := fhir.ParseReference(resp.Entry[idx].Response.Location, "Patient"); id != "" {
			return id
		}
	}
	for _, e := range resp.Entry {
		if e.Response != nil {
			if id := fhir.ParseReference(e.Response.Location, "Patient"); id != "" {
				return id
			}
		}
	}
	return ""
}

func requestOpts(ctx context.Context) []recordstore.RequestOption {
	if rid := middleware.RequestIDFromContext(ctx); rid != "" {
		return []recordstore.RequestOption{recordstore.WithRequestID(rid)}
	}
	return nil
}
