package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/vrfpool/internal/proof"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VRF_POOL_CONFIG", "")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 24*time.Hour, cfg.PoolTTL)
	assert.Equal(t, 50, cfg.MaxBatchSize)
	assert.Equal(t, 25, cfg.LowThreshold)
	assert.Equal(t, 10, cfg.EmergencyThreshold)
	assert.Equal(t, 30*time.Second, cfg.RefillTick)
	assert.Equal(t, 5*time.Minute, cfg.MonitorTimeout)
	assert.Equal(t, "100000000000000000", cfg.MinBalance().String())
	for _, g := range proof.AllGameTypes {
		assert.Equal(t, 50, cfg.Targets[g], g.String())
	}
	assert.Len(t, cfg.SubTypes[proof.GameMines], 24)
}

func TestLoadOverlayFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
targets:
  roulette: 80
  MINES: 30
subtypes:
  PLINKO: ["8", "16"]
`), 0o600))
	t.Setenv("VRF_POOL_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 80, cfg.Targets[proof.GameRoulette])
	assert.Equal(t, 30, cfg.Targets[proof.GameMines])
	assert.Equal(t, 50, cfg.Targets[proof.GameWheel])
	assert.Equal(t, []string{"8", "16"}, cfg.SubTypes[proof.GamePlinko])
}

func TestApplyOverlayRejectsUnknownGame(t *testing.T) {
	cfg := &Config{DefaultTarget: 50}
	err := cfg.ApplyOverlay([]byte("targets:\n  BLACKJACK: 10\n"))
	assert.Error(t, err)

	err = cfg.ApplyOverlay([]byte("subtypes:\n  WHEEL: []\n"))
	assert.Error(t, err)
}

func TestValidateThresholds(t *testing.T) {
	base := func() *Config {
		c := &Config{
			DefaultTarget:      50,
			LowThreshold:       25,
			EmergencyThreshold: 10,
			MaxBatchSize:       50,
			PoolTTL:            time.Hour,
			MinBalanceWei:      "1",
		}
		c.applyCatalog()
		return c
	}

	require.NoError(t, base().Validate())

	c := base()
	c.EmergencyThreshold = 0
	assert.Error(t, c.Validate())

	c = base()
	c.EmergencyThreshold = 25
	assert.Error(t, c.Validate())

	c = base()
	c.Targets[proof.GameWheel] = 20
	assert.Error(t, c.Validate())

	c = base()
	c.MinBalanceWei = "ten"
	assert.Error(t, c.Validate())
}

func TestAllowedOrigins(t *testing.T) {
	cfg := &Config{CORSOrigins: "https://casino.example, .example.org,,"}
	assert.Equal(t, []string{"https://casino.example", ".example.org"}, cfg.AllowedOrigins())
}
