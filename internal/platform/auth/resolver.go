package auth

import (
	"context"
	"fmt"
	"strings"
)

// IdentityResolver validates a bearer token and returns the principal it
// belongs to. Implementations return an error wrapping ErrInvalidToken when
// the token is rejected; any other error is an identity provider failure.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (*Principal, error)
}

// ResolverFunc adapts a function to IdentityResolver.
type ResolverFunc func(ctx context.Context, token string) (*Principal, error)

func (f ResolverFunc) Resolve(ctx context.Context, token string) (*Principal, error) {
	return f(ctx, token)
}

// DevResolver treats the bearer token itself as the facility id. It exists
// so the gateway can run locally without an identity provider and must
// never be enabled in production.
type DevResolver struct{}

func (DevResolver) Resolve(_ context.Context, token string) (*Principal, error) {
	facility := strings.TrimSpace(token)
	if facility == "" {
		return nil, fmt.Errorf("%w: empty development token", ErrInvalidToken)
	}
	return &Principal{
		Subject:      "dev-" + facility,
		FacilityID:   facility,
		FacilityName: facility,
		Claims:       map[string]any{DefaultFacilityClaim: facility},
	}, nil
}
