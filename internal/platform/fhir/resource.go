package fhir

import (
	"encoding/json"
	"strings"
)

// Resource is the base FHIR resource representation.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Profile     []string `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// ID returns the logical id of a relative reference such as "Patient/123".
// An empty string is returned when the reference does not point at
// resourceType.
func (r *Reference) ID(resourceType string) string {
	if r == nil {
		return ""
	}
	return ParseReference(r.Reference, resourceType)
}

type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

type Extension struct {
	URL            string     `json:"url"`
	ValueString    string     `json:"valueString,omitempty"`
	ValueCode      string     `json:"valueCode,omitempty"`
	ValueReference *Reference `json:"valueReference,omitempty"`
}

// Patient carries only the fields the gateway inspects. Everything else is
// passed through from the record store untouched.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
}

type ConsentProvision struct {
	Type      string      `json:"type,omitempty"`
	Extension []Extension `json:"extension,omitempty"`
}

// Consent is the FHIR R4 Consent shape used as the durable form of a
// consent ledger record.
type Consent struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id,omitempty"`
	Meta         *Meta             `json:"meta,omitempty"`
	Status       string            `json:"status,omitempty"`
	Category     []CodeableConcept `json:"category,omitempty"`
	Patient      *Reference        `json:"patient,omitempty"`
	DateTime     string            `json:"dateTime,omitempty"`
	Provision    *ConsentProvision `json:"provision,omitempty"`
}

type BundleEntryRequest struct {
	Method string `json:"method,omitempty"`
	URL    string `json:"url,omitempty"`
}

type BundleEntryResponse struct {
	Status   string `json:"status,omitempty"`
	Location string `json:"location,omitempty"`
}

type BundleEntry struct {
	FullURL  string               `json:"fullUrl,omitempty"`
	Resource json.RawMessage      `json:"resource,omitempty"`
	Request  *BundleEntryRequest  `json:"request,omitempty"`
	Response *BundleEntryResponse `json:"response,omitempty"`
}

type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	ID           string                  `json:"id,omitempty"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// NewOperationOutcome builds a single-issue outcome. The message is placed
// in details.text, which is what facility integrations read, and mirrored
// in diagnostics.
func NewOperationOutcome(severity, code, text string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		ID:           "exception",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Details:     &CodeableConcept{Text: text},
				Diagnostics: text,
			},
		},
	}
}

func ErrorOutcome(text string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeException, text)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}

// FormatReference builds a relative reference, e.g. "Patient/123".
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}

// ParseReference extracts the logical id from a reference to resourceType.
// Absolute URLs and versioned references ("Patient/1/_history/2") are
// accepted.
func ParseReference(ref, resourceType string) string {
	prefix := resourceType + "/"
	idx := strings.LastIndex(ref, prefix)
	if idx < 0 {
		return ""
	}
	if idx > 0 && ref[idx-1] != '/' {
		return ""
	}
	rest := ref[idx+len(prefix):]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

// PeekResourceType returns the resourceType of a raw JSON resource, or ""
// when the payload is not a JSON object carrying one.
func PeekResourceType(raw []byte) string {
	var r struct {
		ResourceType string `json:"resourceType"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &r) != nil {
		return ""
	}
	return r.ResourceType
}
