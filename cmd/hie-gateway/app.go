package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hie/gateway/internal/config"
	"github.com/hie/gateway/internal/domain/consent"
	"github.com/hie/gateway/internal/domain/gateway"
	"github.com/hie/gateway/internal/domain/patient"
	"github.com/hie/gateway/internal/platform/auth"
	"github.com/hie/gateway/internal/platform/db"
	"github.com/hie/gateway/internal/platform/fhir"
	"github.com/hie/gateway/internal/platform/lock"
	"github.com/hie/gateway/internal/platform/middleware"
	"github.com/hie/gateway/internal/platform/recordstore"
)

const version = "0.1.0"

// app holds the collaborators shared by the server and the operator
// commands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    *recordstore.Client
	resolver auth.IdentityResolver
	patients *patient.Resolver
	ledger   *consent.Ledger
	gate     *consent.Gate
	events   consent.EventRecorder
	history  *consent.PGEventStore

	pool  *pgxpool.Pool
	redis *redis.Client
}

// newApp connects the optional backends (Postgres for the consent audit
// trail, Redis for the cross-replica lock) and builds the domain services.
// The identity resolver is only built when withAuth is set; operator
// commands do not need it.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, withAuth bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	a.store = recordstore.NewClient(recordstore.Config{BaseURL: cfg.FHIRBaseURL, Timeout: cfg.FHIRTimeout})

	events := consent.MultiRecorder{consent.LogRecorder{Logger: logger}}
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.history = consent.NewPGEventStore(pool)
		events = append(events, a.history)
		logger.Info().Msg("connected to database")
	}
	a.events = events

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		locker = lock.NewRedis(client, cfg.ConsentLockTTL, logger)
		logger.Info().Msg("using redis consent lock")
	}

	a.patients = patient.NewResolver(a.store, cfg.IdentifierMatchPolicy)
	a.ledger = consent.NewLedger(a.store, locker, a.events, logger, consent.Options{
		RevokeEnabled: cfg.ConsentRevokeEnabled,
		WriteRetries:  cfg.ConsentWriteRetries,
	})
	a.gate = consent.NewGate(a.ledger, a.events, logger)

	if withAuth {
		resolver, err := newResolver(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("identity resolver: %w", err)
		}
		a.resolver = resolver
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func newResolver(ctx context.Context, cfg *config.Config) (auth.IdentityResolver, error) {
	switch cfg.ResolvedAuthMode() {
	case config.AuthModeDevelopment:
		return auth.DevResolver{}, nil
	case config.AuthModeUserinfo:
		endpoint := cfg.AuthUserinfoURL
		if endpoint == "" {
			provider, err := auth.NewOIDCProvider(ctx, cfg.AuthIssuer)
			if err != nil {
				return nil, err
			}
			endpoint = provider.UserinfoEndpoint
		}
		return auth.NewUserinfoResolver(endpoint, cfg.FacilityClaim, cfg.FHIRTimeout), nil
	default:
		return auth.NewJWTResolver(ctx, auth.JWTConfig{
			Issuer:        cfg.AuthIssuer,
			Audience:      cfg.AuthAudience,
			JWKSURL:       cfg.AuthJWKSURL,
			FacilityClaim: cfg.FacilityClaim,
			SigningKey:    []byte(cfg.AuthSigningKey),
		})
	}
}

// router builds the HTTP surface.
func (a *app) router() *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = fhir.ErrorHandler(logger, !cfg.IsProduction())

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, gateway.ConsentStatusHeader, echo.HeaderLocation},
	}))
	e.Use(echomw.BodyLimit("10M"))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateLimitCfg))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.Audit(logger))

	// Consent issuer: the facility comes from the token when one is sent.
	issuer := consent.NewHandler(a.ledger, a.patients, cfg.IssuerAllowBodyFacility, logger)
	issuer.RegisterRoutes(e.Group("/consent"), auth.OptionalBearer(a.resolver, logger))

	// Consent-gated FHIR proxy
	proxy := gateway.NewHandler(a.store, a.gate, a.ledger, a.patients, gateway.Options{
		DenialMode:   cfg.ConsentDenialMode,
		ExposeErrors: !cfg.IsProduction(),
	}, logger)
	proxy.RegisterRoutes(e.Group("/gateway/fhir", auth.RequireBearer(a.resolver, logger)))

	e.GET("/health", a.health)
	return e
}

// health reports the optional backends. The record store is not probed so
// an upstream outage does not take every replica out of rotation.
func (a *app) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := map[string]string{}
	if a.pool != nil {
		checks["database"] = "ok"
		if err := db.Ping(ctx, a.pool); err != nil {
			checks["database"] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	if a.redis != nil {
		checks["redis"] = "ok"
		if err := a.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}

	body := map[string]any{"status": status, "version": version, "checks": checks}
	if a.pool != nil {
		body["pool"] = db.GetPoolStats(a.pool)
	}
	return c.JSON(code, body)
}
