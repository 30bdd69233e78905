package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type contextKey string

const principalKey contextKey = "principal"

// DefaultFacilityClaim is the claim carrying the facility identifier in the
// HIE's Keycloak realm, where client systems are registered with their
// facility code as family name.
const DefaultFacilityClaim = "family_name"

var (
	// ErrMissingCredentials means no usable Authorization header was sent.
	ErrMissingCredentials = errors.New("auth: bearer token is required but not provided")
	// ErrInvalidToken means the identity provider rejected the token or the
	// token did not carry a facility claim.
	ErrInvalidToken = errors.New("auth: invalid bearer token")
)

// Principal is the authenticated caller. FacilityID is the identity used
// for every consent check.
type Principal struct {
	Subject      string
	FacilityID   string
	FacilityName string
	Claims       map[string]any
}

// NewPrincipal projects claims onto a Principal using facilityClaim as the
// facility identifier. A missing or empty facility claim is an invalid
// token: the gateway cannot authorize a caller it cannot place.
func NewPrincipal(claims map[string]any, facilityClaim string) (*Principal, error) {
	if facilityClaim == "" {
		facilityClaim = DefaultFacilityClaim
	}
	facility := claimString(claims, facilityClaim)
	if facility == "" {
		return nil, fmt.Errorf("%w: claim %q missing", ErrInvalidToken, facilityClaim)
	}
	p := &Principal{
		Subject:    claimString(claims, "sub"),
		FacilityID: facility,
		Claims:     claims,
	}
	p.FacilityName = claimString(claims, "name")
	if p.FacilityName == "" {
		p.FacilityName = facility
	}
	return p, nil
}

func claimString(claims map[string]any, name string) string {
	switch v := claims[name].(type) {
	case string:
		return strings.TrimSpace(v)
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the authenticated principal or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// FacilityFromContext returns the caller's facility id, or "".
func FacilityFromContext(ctx context.Context) string {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.FacilityID
	}
	return ""
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value. Any other scheme, or an empty token, is rejected.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || scheme != "Bearer" {
		return "", ErrMissingCredentials
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", ErrMissingCredentials
	}
	return token, nil
}
