package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hie/gateway/internal/platform/fhir"
)

// Resource types a facility may never write through the proxy. Consent is
// only changed by the ledger.
var protectedTypes = map[string]bool{
	"Consent": true,
}

// checkBundle admits a registration bundle only when every entry creates a
// new resource: a POST whose url names the entry's own resource type.
// Entries that point at an existing patient need consent for that patient,
// as the direct write routes do. Everything is checked before the store is
// called.
func (h *Handler) checkBundle(c echo.Context, b fhir.Bundle) error {
	var referenced []string
	seen := map[string]bool{}
	for i, e := range b.Entry {
		rt := fhir.PeekResourceType(e.Resource)
		if rt == "" {
			return invalidEntry(i, "entry has no resource")
		}
		if e.Request == nil || strings.ToUpper(e.Request.Method) != http.MethodPost {
			return invalidEntry(i, "only POST entries are accepted")
		}
		if strings.Trim(e.Request.URL, "/") != rt {
			return invalidEntry(i, "request url must be the resource type "+rt)
		}
		if protectedTypes[rt] {
			return invalidEntry(i, rt+" cannot be written through the gateway")
		}
		if rt == "Patient" {
			continue
		}
		for _, id := range patientRefs(e.Resource) {
			if !seen[id] {
				seen[id] = true
				referenced = append(referenced, id)
			}
		}
	}

	for _, id := range referenced {
		if err := h.authorize(c, id, routeObservation); err != nil {
			return err
		}
	}
	return nil
}

// patientRefs returns the existing patients an entry is about. References
// to other entries (urn:uuid) are not patient ids and are skipped.
func patientRefs(raw json.RawMessage) []string {
	var r struct {
		Subject     *fhir.Reference `json:"subject"`
		Patient     *fhir.Reference `json:"patient"`
		Beneficiary *fhir.Reference `json:"beneficiary"`
	}
	if json.Unmarshal(raw, &r) != nil {
		return nil
	}
	var ids []string
	for _, ref := range []*fhir.Reference{r.Subject, r.Patient, r.Beneficiary} {
		if id := ref.ID("Patient"); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func invalidEntry(i int, msg string) error {
	return fhir.NewError(http.StatusBadRequest,
		fhir.InvalidOutcome(fmt.Sprintf("Invalid FHIR Bundle provided. Entry %d: %s", i, msg)), nil)
}
