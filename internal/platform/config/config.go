package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// Config drives the acsd daemon. A TOML file supplies the base values and
// ACS_* environment variables override individual fields, so container
// deployments can run without a file at all.
type Config struct {
	HTTPAddr        string `toml:"http_addr"`
	DatabaseURL     string `toml:"database_url"`
	AuthHMACSecret  string `toml:"auth_hmac_secret"`
	Currency        string `toml:"currency"`
	ListingFeeMinor int64  `toml:"listing_fee_minor"`

	TLSEnabled  bool   `toml:"tls_enabled"`
	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`
}

func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		Currency: "USD",
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = envOr("ACS_HTTP_ADDR", c.HTTPAddr)
	c.DatabaseURL = envOr("ACS_DATABASE_URL", c.DatabaseURL)
	c.AuthHMACSecret = envOr("ACS_AUTH_HMAC_SECRET", c.AuthHMACSecret)
	c.Currency = envOr("ACS_CURRENCY", c.Currency)
	if v := os.Getenv("ACS_LISTING_FEE_MINOR"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed >= 0 {
			c.ListingFeeMinor = parsed
		}
	}
	if v := os.Getenv("ACS_TLS_ENABLED"); v != "" {
		c.TLSEnabled = v == "true"
	}
	c.TLSCertFile = envOr("ACS_TLS_CERT_FILE", c.TLSCertFile)
	c.TLSKeyFile = envOr("ACS_TLS_KEY_FILE", c.TLSKeyFile)
}

func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("http_addr must not be empty")
	}
	if c.Currency == "" {
		return fmt.Errorf("currency must not be empty")
	}
	if c.ListingFeeMinor < 0 {
		return fmt.Errorf("listing_fee_minor must not be negative")
	}
	if c.TLSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("tls enabled but cert/key not configured")
	}
	return nil
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
