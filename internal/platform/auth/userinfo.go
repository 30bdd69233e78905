package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// UserinfoResolver introspects tokens by calling the identity provider's
// OIDC userinfo endpoint with the caller's token. The provider stays the
// authority on expiry and revocation, at the cost of one round trip per
// request.
type UserinfoResolver struct {
	endpoint      string
	facilityClaim string
	client        *http.Client
}

func NewUserinfoResolver(endpoint, facilityClaim string, timeout time.Duration) *UserinfoResolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &UserinfoResolver{
		endpoint:      endpoint,
		facilityClaim: facilityClaim,
		client:        &http.Client{Timeout: timeout},
	}
}

func (r *UserinfoResolver) Resolve(ctx context.Context, token string) (*Principal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: userinfo request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: userinfo returned %d", ErrInvalidToken, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("auth: userinfo returned status %d", resp.StatusCode)
	}

	claims := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("auth: decode userinfo: %w", err)
	}
	return NewPrincipal(claims, r.facilityClaim)
}
