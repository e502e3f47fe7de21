package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"porsche-tracker/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 30*time.Minute, cfg.DiscoveryInterval)
	assert.Equal(t, time.Hour, cfg.PriceCheckInterval)
	assert.Equal(t, time.Minute, cfg.BackoffBase)
	assert.Equal(t, 30*time.Minute, cfg.BackoffCap)
	assert.Equal(t, 0.2, cfg.BackoffJitter)
	assert.Equal(t, 24*time.Hour, cfg.AlertCooldown)
	assert.Equal(t, 2, cfg.DelistAfterMisses)
	assert.Equal(t, 3, cfg.TrendWindow)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DISCOVERY_INTERVAL", "5m")
	t.Setenv("BACKOFF_JITTER", "0.1")
	t.Setenv("LOG_JSON", "true")
	t.Setenv("ENRICHMENT_PROVIDERS", "decoder, nhtsa ,")
	t.Setenv("WORKER_POOL_SIZE", "not-a-number")

	cfg := Load()
	assert.Equal(t, 5*time.Minute, cfg.DiscoveryInterval)
	assert.Equal(t, 0.1, cfg.BackoffJitter)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, []string{"decoder", "nhtsa"}, cfg.EnrichmentProviders)
	assert.Equal(t, 4, cfg.WorkerPoolSize, "invalid values fall back to the default")
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.RateLimitWindow = 0
	cfg.BackoffJitter = 1.5
	cfg.StorageDriver = "sqlite"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATE_LIMIT_WINDOW must be positive")
	assert.Contains(t, err.Error(), "BACKOFF_JITTER")
	assert.Contains(t, err.Error(), "sqlite")
}

func TestDSN(t *testing.T) {
	cfg := &Config{
		PostgresHost: "db", PostgresPort: "5432", PostgresUser: "u",
		PostgresPassword: "p", PostgresDB: "d", PostgresSSLMode: "disable",
	}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=d sslmode=disable", cfg.DSN())
}

const sampleCriteria = `
criteria:
  - id: gt3-socal
    name: 911 GT3 under 400k
    make: Porsche
    models: ["911 GT3", "911 GT3 RS"]
    min_price: 200000
    max_price: 400000
    max_distance: 250
    home_zip: "92101"
    channels:
      - type: sms
        target: "+15551234567"
      - type: webhook
        target: https://hooks.example.com/porsche
  - id: cayman-paused
    make: Porsche
    models: ["718 Cayman"]
    active: false
`

func TestParseCriteria(t *testing.T) {
	list, err := ParseCriteria([]byte(sampleCriteria))
	require.NoError(t, err)
	require.Len(t, list, 2)

	gt3 := list[0]
	assert.Equal(t, "gt3-socal", gt3.ID)
	assert.Equal(t, int64(200_000_00), gt3.MinPrice)
	assert.Equal(t, int64(400_000_00), gt3.MaxPrice)
	assert.True(t, gt3.Active)
	assert.Equal(t, []models.Channel{
		{Type: models.ChannelSMS, Target: "+15551234567"},
		{Type: models.ChannelWebhook, Target: "https://hooks.example.com/porsche"},
	}, gt3.Channels)

	assert.False(t, list[1].Active)
	assert.Equal(t, "cayman-paused", list[1].Name)
}

func TestParseCriteriaRejectsInvalid(t *testing.T) {
	doc := `
criteria:
  - id: a
    min_price: 10
    max_price: 5
    channels: [{type: pigeon, target: x}]
  - id: a
  - name: no id
`
	_, err := ParseCriteria([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_price above max_price")
	assert.Contains(t, err.Error(), `unknown channel type "pigeon"`)
	assert.Contains(t, err.Error(), "duplicate id")
	assert.Contains(t, err.Error(), "id is required")
}

func TestLoadCriteriaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "criteria.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCriteria), 0o644))

	list, err := LoadCriteriaFile(path)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = LoadCriteriaFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
