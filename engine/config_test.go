package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", MaskSecret(""))
	assert.Equal(t, "********", MaskSecret("super-secret-api-key"))
}

func TestParseConfigAppliesDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
session:
  url: ws://localhost:8123/api/websocket
  token: abc123
sources:
  weather:
    enabled: true
    base_url: https://example.test
`))
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8123/api/websocket", cfg.Session.URL)
	assert.True(t, cfg.Sources["weather"].Enabled)
	assert.Equal(t, 2*time.Second, cfg.HealthProbeTTL)
	assert.Equal(t, 5, cfg.RestartMaxCount)
	assert.Equal(t, 60*time.Second, cfg.RestartWindow)
}

func TestParseConfigRespectsExplicitValues(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
health_probe_ttl: 30000000000
restart_max_count: 10
restart_window: 300000000000
`))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.HealthProbeTTL)
	assert.Equal(t, 10, cfg.RestartMaxCount)
	assert.Equal(t, 5*time.Minute, cfg.RestartWindow)
}

func TestParseConfigRejectsMalformedYAML(t *testing.T) {
	_, err := ParseConfig([]byte("not: valid: yaml: at: all: ["))
	require.Error(t, err)
}

func TestParseConfigNilSourcesBecomesEmptyMap(t *testing.T) {
	cfg, err := ParseConfig([]byte(``))
	require.NoError(t, err)
	assert.NotNil(t, cfg.Sources)
	assert.Empty(t, cfg.Sources)
}
