package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hie/gateway/internal/platform/auth"
)

// AuditEntry describes one access to the gateway or consent surface: which
// facility touched which patient, how, and with what result.
type AuditEntry struct {
	RequestID    string
	FacilityID   string
	PatientID    string
	ResourceType string
	Action       string // read, search, create, consent
	Method       string
	Path         string
	IPAddress    string
	StatusCode   int
	Timestamp    time.Time
}

// AuditRecorder persists audit entries in addition to the structured log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit emits a "phi_access" event for every request under /gateway/ and
// /consent/. Handlers publish the resolved patient with c.Set("patient_id").
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			req := c.Request()
			entry := AuditEntry{
				Timestamp:    time.Now().UTC(),
				Path:         path,
				Method:       req.Method,
				IPAddress:    c.RealIP(),
				StatusCode:   statusOf(c, err),
				FacilityID:   auth.FacilityFromContext(req.Context()),
				ResourceType: extractResourceType(path),
				Action:       auditAction(req.Method, path),
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.PatientID, _ = c.Get("patient_id").(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.StatusCode == http.StatusUnauthorized || entry.StatusCode == http.StatusForbidden {
				evt = logger.Warn()
			}
			evt.
				Str("type", "phi_access").
				Str("request_id", entry.RequestID).
				Str("facility_id", entry.FacilityID).
				Str("patient_id", entry.PatientID).
				Str("resource_type", entry.ResourceType).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/gateway/") || strings.HasPrefix(path, "/consent/")
}

func auditAction(method, path string) string {
	if strings.HasPrefix(path, "/consent/") {
		return "consent"
	}
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResourceType returns the FHIR type addressed by a gateway path:
//   - /gateway/fhir/Patient/123      -> Patient
//   - /gateway/fhir                  -> Bundle
//   - /consent/issuer/request        -> Consent
func extractResourceType(path string) string {
	if strings.HasPrefix(path, "/consent/") {
		return "Consent"
	}
	rest := strings.Trim(strings.TrimPrefix(path, "/gateway/fhir"), "/")
	if rest == "" {
		return "Bundle"
	}
	seg, _, _ := strings.Cut(rest, "/")
	return seg
}
