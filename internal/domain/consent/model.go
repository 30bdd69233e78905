package consent

import (
	"fmt"
	"time"

	"github.com/hie/gateway/internal/platform/fhir"
)

const (
	// FacilityExtensionURL marks a provision extension as an allow-list entry.
	FacilityExtensionURL = "http://example.org/fhir/StructureDefinition/facility-allowlist"
	CategorySystem       = "http://terminology.hl7.org/CodeSystem/consentcategorycodes"
	CategoryCode         = "HIE"
	StatusActive         = "active"
	ProvisionPermit      = "permit"
)

// Facility is one allow-list entry.
type Facility struct {
	ID      string
	Display string
}

// Record is the ledger's view of a patient's consent. Its ID always equals
// PatientID.
type Record struct {
	ID         string
	PatientID  string
	Status     string
	Facilities []Facility
	CreatedAt  time.Time
	// Version is the store version the record was read at, "" if unsaved.
	Version string

	// extra keeps provision extensions that are not allow-list entries so a
	// rewrite does not drop them.
	extra []fhir.Extension
}

func newRecord(patientID string, now time.Time) *Record {
	return &Record{
		ID:        patientID,
		PatientID: patientID,
		Status:    StatusActive,
		CreatedAt: now.UTC(),
	}
}

// Has reports whether facilityID is on the allow-list.
func (r *Record) Has(facilityID string) bool {
	for _, f := range r.Facilities {
		if f.ID == facilityID {
			return true
		}
	}
	return false
}

// FacilityIDs projects the allow-list onto facility identifiers.
func (r *Record) FacilityIDs() []string {
	ids := make([]string, len(r.Facilities))
	for i, f := range r.Facilities {
		ids[i] = f.ID
	}
	return ids
}

// grant appends f unless it is already listed and reports whether the
// record changed.
func (r *Record) grant(f Facility) bool {
	if r.Has(f.ID) {
		return false
	}
	r.Facilities = append(r.Facilities, f)
	return true
}

// revoke removes facilityID and reports whether the record changed.
func (r *Record) revoke(facilityID string) bool {
	out := r.Facilities[:0]
	removed := false
	for _, f := range r.Facilities {
		if f.ID == facilityID {
			removed = true
			continue
		}
		out = append(out, f)
	}
	r.Facilities = out
	return removed
}

// ScopedTo returns a copy whose allow-list only shows facilityID's entry,
// the shape returned to the facility that requested the grant.
func (r *Record) ScopedTo(facilityID string) *Record {
	cp := *r
	cp.Facilities = nil
	cp.extra = nil
	for _, f := range r.Facilities {
		if f.ID == facilityID {
			cp.Facilities = []Facility{f}
			break
		}
	}
	return &cp
}

// ToFHIR renders the record as a FHIR Consent.
func (r *Record) ToFHIR() *fhir.Consent {
	c := &fhir.Consent{
		ResourceType: "Consent",
		ID:           r.ID,
		Status:       r.Status,
		Category: []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: CategorySystem, Code: CategoryCode}},
		}},
		Patient:   &fhir.Reference{Reference: fhir.FormatReference("Patient", r.PatientID)},
		Provision: &fhir.ConsentProvision{Type: ProvisionPermit, Extension: []fhir.Extension{}},
	}
	if !r.CreatedAt.IsZero() {
		c.DateTime = r.CreatedAt.UTC().Format(time.RFC3339)
	}
	if r.Version != "" {
		c.Meta = &fhir.Meta{VersionID: r.Version}
	}
	for _, f := range r.Facilities {
		c.Provision.Extension = append(c.Provision.Extension, fhir.Extension{
			URL: FacilityExtensionURL,
			ValueReference: &fhir.Reference{
				Reference: fhir.FormatReference("Organization", f.ID),
				Display:   f.Display,
			},
		})
	}
	c.Provision.Extension = append(c.Provision.Extension, r.extra...)
	return c
}

// FromFHIR reads a stored Consent. An allow-list entry without a resolvable
// Organization reference makes the whole record malformed.
func FromFHIR(c *fhir.Consent, version string) (*Record, error) {
	if c.ResourceType != "Consent" {
		return nil, fmt.Errorf("%w: resourceType %q", ErrMalformedConsent, c.ResourceType)
	}
	r := &Record{
		ID:      c.ID,
		Status:  c.Status,
		Version: version,
	}
	if r.Version == "" && c.Meta != nil {
		r.Version = c.Meta.VersionID
	}
	r.PatientID = c.Patient.ID("Patient")
	if r.PatientID == "" {
		r.PatientID = c.ID
	}
	if c.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, c.DateTime); err == nil {
			r.CreatedAt = t
		}
	}
	if c.Provision == nil {
		return r, nil
	}
	for _, ext := range c.Provision.Extension {
		if ext.URL != FacilityExtensionURL {
			r.extra = append(r.extra, ext)
			continue
		}
		id := ext.ValueReference.ID("Organization")
		if id == "" {
			return nil, fmt.Errorf("%w: allow-list entry %+v", ErrMalformedConsent, ext.ValueReference)
		}
		r.grant(Facility{ID: id, Display: ext.ValueReference.Display})
	}
	return r, nil
}
