package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"companionchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, int64(10), cfg.Credits.TokensPerMessage)
	assert.Equal(t, int64(1000), cfg.Credits.DefaultStartingBalance)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, models.ProviderSimulated, cfg.Providers.Selection())
	assert.Equal(t, "venice-uncensored", cfg.Providers.Unrestricted.Model)
	assert.Equal(t, "gpt-4o", cfg.Providers.UnrestrictedSecondary.Model)
	assert.Equal(t, cfg.Providers.Unrestricted.BaseURL, cfg.Providers.UnrestrictedSecondary.BaseURL)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL())
}

func TestTokenTTL(t *testing.T) {
	assert.Equal(t, 6*time.Hour, AuthConfig{TokenTTLHours: 6}.TokenTTL())
	assert.Equal(t, 24*time.Hour, AuthConfig{}.TokenTTL())
}

func TestLoadFileWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"basic_config": {"server_address": ":9000", "environment": "development"},
		"database": {"driver": "memory"},
		"credits": {"tokens_per_message": 5},
		"providers": {
			"use_moderated": true,
			"moderated": {"api_key": "file-key", "model": "gpt-4o-mini"}
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("TOKENS_PER_MESSAGE", "25")
	t.Setenv("USE_PERMISSIVE_PROVIDER", "true")
	t.Setenv("UNRESTRICTED_API_KEY", "venice-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.BasicConfig.ServerAddress)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, int64(25), cfg.Credits.TokensPerMessage)
	assert.Equal(t, "file-key", cfg.Providers.Moderated.APIKey)
	assert.Equal(t, "gpt-4o-mini", cfg.Providers.Moderated.Model)
	assert.Equal(t, models.ProviderPermissive, cfg.Providers.Selection())
	assert.Equal(t, "venice-key", cfg.Providers.UnrestrictedSecondary.APIKey)
}

func TestSelectionPriority(t *testing.T) {
	p := ProvidersConfig{UseModerated: true, UsePermissive: true, UseUnrestricted: true}
	assert.Equal(t, models.ProviderUnrestricted, p.Selection())
	p.UseUnrestricted = false
	assert.Equal(t, models.ProviderPermissive, p.Selection())
	p.UsePermissive = false
	assert.Equal(t, models.ProviderModerated, p.Selection())
	p.UseModerated = false
	assert.Equal(t, models.ProviderSimulated, p.Selection())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("TOKENS_PER_MESSAGE", "-1")
	_, err = Load("")
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
