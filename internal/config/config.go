package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every tunable the process needs. It is parsed once in main
// and handed by reference to the stores and emitters that need it; nothing in
// this repository reads the environment after startup.
type Config struct {
	Addr         string `env:"ATTESTOR_ADDR"         envDefault:":8080"`
	PostgresDSN  string `env:"ATTESTOR_PG_DSN"`
	DirectoryURL string `env:"ATTESTOR_DIRECTORY_URL"`

	// RelyingParties is the closed set of relying-party domains this engine
	// issues and verifies credentials for.
	RelyingParties []string `env:"ATTESTOR_RELYING_PARTIES" envSeparator:"," envDefault:"localhost"`

	ChallengeTTL time.Duration `env:"ATTESTOR_CHALLENGE_TTL"  envDefault:"60s"`
	ReclaimEvery time.Duration `env:"ATTESTOR_RECLAIM_EVERY"  envDefault:"5m"`

	// FederationSecret signs the claims token handed to the federation layer.
	// When empty the envelope carries no token, only the verified account id.
	FederationSecret string        `env:"ATTESTOR_FEDERATION_SECRET"`
	ClaimsTokenTTL   time.Duration `env:"ATTESTOR_CLAIMS_TOKEN_TTL" envDefault:"2m"`

	// AllowZeroSignCount accepts authenticators that always report a zero
	// counter. Off by default: any non-increase is treated as a replay.
	AllowZeroSignCount bool `env:"ATTESTOR_ALLOW_ZERO_SIGN_COUNT" envDefault:"false"`

	// OperatorToken guards the out-of-band credential unregister endpoint.
	// When empty the endpoint is disabled.
	OperatorToken string `env:"ATTESTOR_OPERATOR_TOKEN"`

	RateBurst  int `env:"ATTESTOR_RATE_BURST"   envDefault:"20"`
	RatePerSec int `env:"ATTESTOR_RATE_PER_SEC" envDefault:"10"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run safely with.
func (c *Config) Validate() error {
	if len(c.RelyingParties) == 0 {
		return errors.New("at least one relying party is required")
	}
	for _, rp := range c.RelyingParties {
		if rp == "" {
			return errors.New("relying party ids must be non-empty")
		}
	}
	if c.ChallengeTTL <= 0 {
		return errors.New("challenge ttl must be positive")
	}
	if c.ClaimsTokenTTL <= 0 {
		return errors.New("claims token ttl must be positive")
	}
	return nil
}

// AllowsRelyingParty reports whether rpID is in the configured set.
func (c *Config) AllowsRelyingParty(rpID string) bool {
	for _, rp := range c.RelyingParties {
		if rp == rpID {
			return true
		}
	}
	return false
}
