package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, "USD", cfg.Currency)
	require.Zero(t, cfg.ListingFeeMinor)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acsd.toml")
	body := `
http_addr = ":9090"
currency = "EUR"
listing_fee_minor = 25
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddr)
	require.Equal(t, "EUR", cfg.Currency)
	require.EqualValues(t, 25, cfg.ListingFeeMinor)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acsd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`http_addr = ":9090"`), 0o600))
	t.Setenv("ACS_HTTP_ADDR", ":7070")
	t.Setenv("ACS_LISTING_FEE_MINOR", "40")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.HTTPAddr)
	require.EqualValues(t, 40, cfg.ListingFeeMinor)
}

func TestValidateRejectsPartialTLS(t *testing.T) {
	cfg := Default()
	cfg.TLSEnabled = true
	require.Error(t, cfg.Validate())
}
