package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsForStandardProfile(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ProfileStandard, cfg.Profile)
	assert.InDelta(t, 0.45, cfg.MinConfidenceEntry, 0.001)
	assert.InDelta(t, 0.25, cfg.MinConfidenceExit, 0.001)
	assert.InDelta(t, 0.40, cfg.AgreementThresholdEntry, 0.001)
	assert.Equal(t, 25, cfg.MaxPositions)
}

func TestLoadAppliesAggressiveProfileTriple(t *testing.T) {
	t.Setenv("PROFILE", "aggressive")
	cfg, err := Load()
	require.NoError(t, err)
	assert.InDelta(t, 0.35, cfg.MinConfidenceEntry, 0.001)
}

func TestLoadRejectsUnknownProfile(t *testing.T) {
	t.Setenv("PROFILE", "reckless")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsLiveModeWithoutCredentials(t *testing.T) {
	t.Setenv("MODE", "live")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadAcceptsLiveModeWithCredentials(t *testing.T) {
	t.Setenv("MODE", "live")
	t.Setenv("BROKER_API_KEY", "key")
	t.Setenv("BROKER_API_SECRET", "secret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "key", cfg.BrokerAPIKey)
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	t.Setenv("MAX_POSITIONS", "10")
	t.Setenv("INITIAL_CAPITAL", "250000")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxPositions)
	assert.Equal(t, 250_000.0, cfg.InitialCapital)
}
