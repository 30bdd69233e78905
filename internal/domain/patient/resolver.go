// Package patient resolves the patient a request is about.
package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/hie/gateway/internal/platform/fhir"
	"github.com/hie/gateway/internal/platform/recordstore"
)

var (
	ErrNotFound     = errors.New("patient not found")
	ErrAmbiguous    = errors.New("identifier matches more than one patient")
	ErrSearchFailed = errors.New("patient search failed")
)

// Match policies for identifiers shared by several patients.
const (
	PolicyStrict = "strict"
	PolicyFirst  = "first"
)

// Searcher runs type-level searches against the record store.
type Searcher interface {
	Search(ctx context.Context, resourceType string, params url.Values, opts ...recordstore.RequestOption) (*recordstore.Result, error)
}

// Resolver finds patients by external identifier (id number, passport,
// birth certificate). Under the strict policy an identifier shared by
// several patients is an error; under the first policy the store's first
// match is used.
type Resolver struct {
	store  Searcher
	policy string
}

func NewResolver(store Searcher, policy string) *Resolver {
	if policy != PolicyFirst {
		policy = PolicyStrict
	}
	return &Resolver{store: store, policy: policy}
}

// ByIdentifier returns the single patient carrying identifier.
func (r *Resolver) ByIdentifier(ctx context.Context, identifier string, opts ...recordstore.RequestOption) (*fhir.Patient, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrNotFound)
	}

	res, err := r.store.Search(ctx, "Patient", url.Values{"identifier": {identifier}}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSearchFailed, err)
	}
	if !res.OK() {
		return nil, fmt.Errorf("%w: store returned %d", ErrSearchFailed, res.StatusCode)
	}

	var bundle fhir.Bundle
	if err := res.Decode(&bundle); err != nil || bundle.ResourceType != "Bundle" {
		return nil, fmt.Errorf("%w: response is not a Bundle", ErrSearchFailed)
	}

	var matches []fhir.Patient
	for _, e := range bundle.Entry {
		var p fhir.Patient
		if err := json.Unmarshal(e.Resource, &p); err != nil || p.ResourceType != "Patient" || p.ID == "" {
			continue
		}
		matches = append(matches, p)
	}

	switch {
	case len(matches) == 0:
		return nil, fmt.Errorf("%w: identifier %q", ErrNotFound, identifier)
	case len(matches) > 1 && r.policy == PolicyStrict:
		return nil, fmt.Errorf("%w: identifier %q matched %d patients", ErrAmbiguous, identifier, len(matches))
	}
	return &matches[0], nil
}
