package recordstore

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hie/gateway/internal/platform/fhir"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the normalised shape of every store response: a success/error
// marker, the HTTP status code and the raw body.
type Result struct {
	Status     string          `json:"status"`
	StatusCode int             `json:"statusCode"`
	Data       json.RawMessage `json:"data"`
	ETag       string          `json:"-"`
	Location   string          `json:"-"`
}

func newResult(resp *http.Response, data []byte) *Result {
	r := &Result{
		Status:     StatusSuccess,
		StatusCode: resp.StatusCode,
		Data:       data,
		ETag:       resp.Header.Get("ETag"),
		Location:   resp.Header.Get("Location"),
	}
	if resp.StatusCode >= 400 {
		r.Status = StatusError
	}
	return r
}

// OK reports a 2xx response.
func (r *Result) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// NotFound reports 404 and 410 responses.
func (r *Result) NotFound() bool {
	return r.StatusCode == http.StatusNotFound || r.StatusCode == http.StatusGone
}

// Conflict reports a failed conditional write.
func (r *Result) Conflict() bool {
	return r.StatusCode == http.StatusConflict || r.StatusCode == http.StatusPreconditionFailed
}

// ResourceType returns the resourceType of the body, or "" if the body is
// not a FHIR resource.
func (r *Result) ResourceType() string {
	return fhir.PeekResourceType(r.Data)
}

// Decode unmarshals the body into v.
func (r *Result) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}

// VersionID returns the resource version from the ETag header, falling back
// to meta.versionId in the body.
func (r *Result) VersionID() string {
	if v := parseETag(r.ETag); v != "" {
		return v
	}
	var res fhir.Resource
	if err := json.Unmarshal(r.Data, &res); err == nil && res.Meta != nil {
		return res.Meta.VersionID
	}
	return ""
}

// CreatedID returns the id the store assigned on create, taken from the
// body or, failing that, from the Location header.
func (r *Result) CreatedID(resourceType string) string {
	var res fhir.Resource
	if err := json.Unmarshal(r.Data, &res); err == nil && res.ResourceType == resourceType && res.ID != "" {
		return res.ID
	}
	return fhir.ParseReference(r.Location, resourceType)
}

// parseETag strips the weak prefix and quotes: W/"3" -> 3.
func parseETag(etag string) string {
	etag = strings.TrimPrefix(strings.TrimSpace(etag), "W/")
	return strings.Trim(etag, `"`)
}
