package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Salts carries the three independent signing salts. Each consent action
// family verifies against its own salt so a token issued for one purpose
// cannot authorize another.
type Salts struct {
	Unsubscribe    string
	UnsubscribeAll string
	Confirm        string
}

// SourceSeed describes a consent source that must exist at startup.
// Seeded sources are matched by AutoCreateID, never by display name.
type SourceSeed struct {
	AutoCreateID           string `json:"id"`
	Name                   string `json:"name"`
	Definition             string `json:"definition"`
	RequiresConfirmedEmail bool   `json:"requires_confirmed_email"`
	RequiresActiveUser     bool   `json:"requires_active_user"`
}

// Config captures process-level configuration. It is constructed once in main
// and passed into constructors; nothing reads the environment after startup.
type Config struct {
	Addr        string
	DatabaseURL string
	BaseURL     string
	SigningKey  string
	Salts       Salts
	RateLimit   string
	FromAddress string
	SiteName    string
	Seeds       []SourceSeed

	// PostmarkToken enables the Postmark sender. Without it, emails go to
	// the log sender.
	PostmarkToken  string
	PostmarkStream string
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:        envOr("CONSENT_ADDR", ":8080"),
		DatabaseURL: os.Getenv("CONSENT_DATABASE_URL"),
		BaseURL:     envOr("CONSENT_BASE_URL", "http://localhost:8080"),
		SigningKey:  envOr("CONSENT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		Salts: Salts{
			Unsubscribe:    envOr("CONSENT_UNSUBSCRIBE_SALT", "consent-unsubscribe"),
			UnsubscribeAll: envOr("CONSENT_UNSUBSCRIBE_ALL_SALT", "consent-unsubscribe-all"),
			Confirm:        envOr("CONSENT_CONFIRM_SALT", "consent-confirm"),
		},
		RateLimit:   envOr("CONSENT_RATELIMIT", "100/h"),
		FromAddress: envOr("CONSENT_FROM_ADDRESS", "consent@localhost"),
		SiteName:    os.Getenv("CONSENT_SITE_NAME"),

		PostmarkToken:  os.Getenv("CONSENT_POSTMARK_TOKEN"),
		PostmarkStream: envOr("CONSENT_POSTMARK_STREAM", "outbound"),
	}

	if raw := os.Getenv("CONSENT_SEED"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Seeds); err != nil {
			return Config{}, fmt.Errorf("parse CONSENT_SEED: %w", err)
		}
	}

	if err := cfg.Salts.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects empty or colliding salts. Distinct salts are what keep the
// confirm, unsubscribe and unsubscribe-everything token families apart.
func (s Salts) Validate() error {
	if s.Unsubscribe == "" || s.UnsubscribeAll == "" || s.Confirm == "" {
		return fmt.Errorf("signing salts must not be empty")
	}
	if s.Unsubscribe == s.UnsubscribeAll || s.Unsubscribe == s.Confirm || s.UnsubscribeAll == s.Confirm {
		return fmt.Errorf("signing salts must be pairwise distinct")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
