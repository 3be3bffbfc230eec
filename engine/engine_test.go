package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtthornton/ha-ingestor/engine/models"
)

func TestNewConstructsEngineWithNoSources(t *testing.T) {
	e, err := New(Config{}.withDefaults())
	require.NoError(t, err)
	assert.Empty(t, e.sources)
}

func TestSourceConfigUnknownSourceErrors(t *testing.T) {
	e, err := New(Config{}.withDefaults())
	require.NoError(t, err)

	_, err = e.SourceConfig("ghost")
	require.Error(t, err)
}

func TestSourceConfigMasksSecrets(t *testing.T) {
	cfg := Config{}.withDefaults()
	cfg.Sources["weather"] = SourceConfig{Enabled: true, BaseURL: "https://example.test", APIKey: "real-key"}
	e, err := New(cfg)
	require.NoError(t, err)

	sc, err := e.SourceConfig("weather")
	require.NoError(t, err)
	assert.Equal(t, "********", sc.APIKey)
	assert.Equal(t, "https://example.test", sc.BaseURL)
}

func TestWriteSourceConfigOverridesSourceConfig(t *testing.T) {
	cfg := Config{}.withDefaults()
	cfg.Sources["weather"] = SourceConfig{Enabled: true, BaseURL: "https://example.test", APIKey: "real-key"}
	e, err := New(cfg)
	require.NoError(t, err)

	err = e.WriteSourceConfig("weather", SourceConfig{Enabled: true, BaseURL: "https://override.test", APIKey: "new-key"})
	require.NoError(t, err)

	sc, err := e.SourceConfig("weather")
	require.NoError(t, err)
	assert.Equal(t, "https://override.test", sc.BaseURL)
	assert.Equal(t, "********", sc.APIKey)
}

func TestWriteSourceConfigUnknownSourceErrors(t *testing.T) {
	e, err := New(Config{}.withDefaults())
	require.NoError(t, err)

	err = e.WriteSourceConfig("ghost", SourceConfig{})
	require.Error(t, err)
}

func TestTriggerSnapshotUnknownSourceErrors(t *testing.T) {
	e, err := New(Config{}.withDefaults())
	require.NoError(t, err)

	err = e.TriggerSnapshot(context.Background(), "ghost")
	require.Error(t, err)
}

func TestRestartComponentUnknownComponentErrors(t *testing.T) {
	e, err := New(Config{}.withDefaults())
	require.NoError(t, err)

	err = e.RestartComponent(context.Background(), "ghost")
	require.Error(t, err)
}

func TestHealthDegradesWhenSessionNotYetSubscribed(t *testing.T) {
	e, err := New(Config{}.withDefaults())
	require.NoError(t, err)

	view := e.Health()
	assert.Equal(t, models.StatusDegraded, view.Overall)
}

func TestWorseOrdering(t *testing.T) {
	assert.True(t, worse(models.StatusUnhealthy, models.StatusDegraded))
	assert.False(t, worse(models.StatusHealthy, models.StatusDegraded))
}
