package auth

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hie/gateway/internal/platform/fhir"
)

// Authenticate resolves the caller of c. It performs no collaborator call
// when the Authorization header is absent or not a Bearer credential.
func Authenticate(c echo.Context, resolver IdentityResolver) (*Principal, error) {
	token, err := BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return nil, err
	}
	p, err := resolver.Resolve(c.Request().Context(), token)
	if err != nil {
		return nil, err
	}
	if p == nil || p.FacilityID == "" {
		return nil, ErrInvalidToken
	}
	return p, nil
}

// AuthError converts an Authenticate failure into the HTTP error returned to
// the caller: 401 for missing or rejected credentials, 500 when the
// identity provider itself failed.
func AuthError(err error) error {
	switch {
	case errors.Is(err, ErrMissingCredentials):
		return fhir.NewError(http.StatusUnauthorized,
			fhir.LoginOutcome("Bearer token is required but not provided"), err)
	case errors.Is(err, ErrInvalidToken):
		return fhir.NewError(http.StatusUnauthorized,
			fhir.LoginOutcome("Invalid Bearer token provided"), err)
	default:
		return fhir.NewError(http.StatusInternalServerError,
			fhir.InternalErrorOutcome("Identity provider unavailable"), err)
	}
}

// RequireBearer rejects requests without a valid bearer token and stores
// the principal on the request context for downstream handlers.
func RequireBearer(resolver IdentityResolver, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, err := Authenticate(c, resolver)
			if err != nil {
				logAuthFailure(logger, c, err)
				return AuthError(err)
			}
			setPrincipal(c, p)
			return next(c)
		}
	}
}

// OptionalBearer authenticates the request when it carries an Authorization
// header and passes anonymous requests through untouched. A header that is
// present but invalid is still rejected.
func OptionalBearer(resolver IdentityResolver, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get(echo.HeaderAuthorization) == "" {
				return next(c)
			}
			p, err := Authenticate(c, resolver)
			if err != nil {
				logAuthFailure(logger, c, err)
				return AuthError(err)
			}
			setPrincipal(c, p)
			return next(c)
		}
	}
}

func setPrincipal(c echo.Context, p *Principal) {
	c.Set("facility_id", p.FacilityID)
	c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), p)))
}

func logAuthFailure(logger zerolog.Logger, c echo.Context, err error) {
	rid, _ := c.Get("request_id").(string)
	evt := logger.Warn()
	if !errors.Is(err, ErrMissingCredentials) && !errors.Is(err, ErrInvalidToken) {
		evt = logger.Error()
	}
	evt.Err(err).
		Str("request_id", rid).
		Str("path", c.Request().URL.Path).
		Msg("authentication failed")
}
