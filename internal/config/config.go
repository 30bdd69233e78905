package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Auth modes.
const (
	AuthModeJWT         = "jwt"
	AuthModeUserinfo    = "userinfo"
	AuthModeDevelopment = "development"
)

// Consent denial modes. Legacy keeps the historical 404 on the patient
// operation routes; unified answers every consent denial with 401.
const (
	DenialModeLegacy  = "legacy"
	DenialModeUnified = "unified"
)

// Identifier match policies for patient search by identifier.
const (
	MatchPolicyStrict = "strict"
	MatchPolicyFirst  = "first"
)

type Config struct {
	Port                    string        `mapstructure:"PORT"`
	Env                     string        `mapstructure:"ENV"`
	FHIRBaseURL             string        `mapstructure:"FHIR_BASE_URL"`
	FHIRTimeout             time.Duration `mapstructure:"FHIR_TIMEOUT"`
	AuthMode                string        `mapstructure:"AUTH_MODE"`
	AuthIssuer              string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL             string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience            string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey          string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthUserinfoURL         string        `mapstructure:"AUTH_USERINFO_URL"`
	FacilityClaim           string        `mapstructure:"FACILITY_CLAIM"`
	RedisURL                string        `mapstructure:"REDIS_URL"`
	DatabaseURL             string        `mapstructure:"DATABASE_URL"`
	DBMaxConns              int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns              int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins             []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS            float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst          int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout          time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ConsentRevokeEnabled    bool          `mapstructure:"CONSENT_REVOKE_ENABLED"`
	ConsentDenialMode       string        `mapstructure:"CONSENT_DENIAL_MODE"`
	IdentifierMatchPolicy   string        `mapstructure:"IDENTIFIER_MATCH_POLICY"`
	IssuerAllowBodyFacility bool          `mapstructure:"ISSUER_ALLOW_BODY_FACILITY"`
	ConsentWriteRetries     int           `mapstructure:"CONSENT_WRITE_RETRIES"`
	ConsentLockTTL          time.Duration `mapstructure:"CONSENT_LOCK_TTL"`
}

var keys = []string{
	"PORT",
	"ENV",
	"FHIR_BASE_URL",
	"FHIR_TIMEOUT",
	"AUTH_MODE",
	"AUTH_ISSUER",
	"AUTH_JWKS_URL",
	"AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY",
	"AUTH_USERINFO_URL",
	"FACILITY_CLAIM",
	"REDIS_URL",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"CORS_ORIGINS",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"REQUEST_TIMEOUT",
	"CONSENT_REVOKE_ENABLED",
	"CONSENT_DENIAL_MODE",
	"IDENTIFIER_MATCH_POLICY",
	"ISSUER_ALLOW_BODY_FACILITY",
	"CONSENT_WRITE_RETRIES",
	"CONSENT_LOCK_TTL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("FHIR_TIMEOUT", "15s")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV and AUTH_* keys
	v.SetDefault("FACILITY_CLAIM", "family_name")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("CONSENT_REVOKE_ENABLED", false)
	v.SetDefault("CONSENT_DENIAL_MODE", DenialModeLegacy)
	v.SetDefault("IDENTIFIER_MATCH_POLICY", MatchPolicyStrict)
	v.SetDefault("ISSUER_ALLOW_BODY_FACILITY", false)
	v.SetDefault("CONSENT_WRITE_RETRIES", 3)
	v.SetDefault("CONSENT_LOCK_TTL", "10s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	} else {
		cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	}
	cfg.FHIRBaseURL = strings.TrimRight(cfg.FHIRBaseURL, "/")

	if cfg.FHIRBaseURL == "" {
		return nil, fmt.Errorf("FHIR_BASE_URL is required")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - AUTH_USERINFO_URL set → "userinfo" (token introspected per request)
//   - AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY set → "jwt"
//   - ENV=development → "development" (bearer token is the facility id)
//   - Otherwise → "jwt", which Validate rejects for lack of a key source
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	switch {
	case c.AuthUserinfoURL != "":
		return AuthModeUserinfo
	case c.AuthIssuer != "" || c.AuthJWKSURL != "" || c.AuthSigningKey != "":
		return AuthModeJWT
	case c.IsDev():
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.ResolvedAuthMode() {
	case AuthModeJWT:
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_MODE \"jwt\" requires AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY")
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY must not be used in production")
		}
	case AuthModeUserinfo:
		if c.AuthUserinfoURL == "" && c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_MODE \"userinfo\" requires AUTH_USERINFO_URL or AUTH_ISSUER")
		}
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE \"development\" is not allowed when ENV=production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q, %q or %q, got %q",
			AuthModeJWT, AuthModeUserinfo, AuthModeDevelopment, c.AuthMode)
	}

	if c.ConsentDenialMode != DenialModeLegacy && c.ConsentDenialMode != DenialModeUnified {
		return fmt.Errorf("CONSENT_DENIAL_MODE must be %q or %q, got %q",
			DenialModeLegacy, DenialModeUnified, c.ConsentDenialMode)
	}
	if c.IdentifierMatchPolicy != MatchPolicyStrict && c.IdentifierMatchPolicy != MatchPolicyFirst {
		return fmt.Errorf("IDENTIFIER_MATCH_POLICY must be %q or %q, got %q",
			MatchPolicyStrict, MatchPolicyFirst, c.IdentifierMatchPolicy)
	}
	if c.FHIRTimeout <= 0 {
		return fmt.Errorf("FHIR_TIMEOUT must be positive")
	}
	if c.ConsentWriteRetries < 0 {
		return fmt.Errorf("CONSENT_WRITE_RETRIES must not be negative")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
