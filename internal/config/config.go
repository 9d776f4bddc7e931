// Package config loads the pool service configuration from the environment
// with an optional YAML overlay for per-game targets.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/vrfpool/internal/proof"
)

// Config is the full process configuration.
type Config struct {
	// Storage
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// Chain
	RPCURL             string `env:"RPC_URL"`
	ChainID            int64  `env:"CHAIN_ID"`
	CoordinatorAddress string `env:"VRF_COORDINATOR_ADDRESS"`
	SignerKey          string `env:"VRF_SIGNER_KEY"`
	GasLimit           uint64 `env:"VRF_GAS_LIMIT,default=0"`
	MinBalanceWei      string `env:"VRF_MIN_BALANCE_WEI,default=100000000000000000"`

	// Pool
	PoolTTL            time.Duration `env:"VRF_POOL_TTL,default=24h"`
	MaxBatchSize       int           `env:"VRF_MAX_BATCH_SIZE,default=50"`
	InterBatchDelay    time.Duration `env:"VRF_INTER_BATCH_DELAY,default=2s"`
	DefaultTarget      int           `env:"VRF_TARGET_PER_GAME_TYPE,default=50"`
	LowThreshold       int           `env:"VRF_LOW_THRESHOLD,default=25"`
	EmergencyThreshold int           `env:"VRF_EMERGENCY_THRESHOLD,default=10"`

	// Auto-refill
	RefillTick      time.Duration `env:"VRF_REFILL_TICK,default=30s"`
	RefillCooldown  time.Duration `env:"VRF_REFILL_COOLDOWN,default=60s"`
	MaxRetries      int           `env:"VRF_REFILL_MAX_RETRIES,default=3"`
	AutoStartRefill bool          `env:"VRF_AUTO_START_REFILL,default=true"`

	// Oracle monitoring
	PollInterval   time.Duration `env:"VRF_POLL_INTERVAL,default=15s"`
	PollBatch      int           `env:"VRF_POLL_BATCH,default=100"`
	PollWorkers    int           `env:"VRF_POLL_WORKERS,default=8"`
	MonitorTimeout time.Duration `env:"VRF_MONITOR_TIMEOUT,default=5m"`

	// Maintenance
	RetentionDays int           `env:"VRF_RETENTION_DAYS,default=30"`
	SessionMaxAge time.Duration `env:"VRF_SESSION_MAX_AGE,default=24h"`

	// HTTP
	HTTPAddr       string `env:"HTTP_ADDR,default=:8080"`
	RateLimitRPS   int    `env:"RATE_LIMIT_RPS,default=20"`
	RateLimitBurst int    `env:"RATE_LIMIT_BURST,default=40"`
	CORSOrigins    string `env:"CORS_ORIGINS,default=*"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	OverlayPath string `env:"VRF_POOL_CONFIG"`

	// Targets and SubTypes are filled from DefaultTarget, the catalog and
	// the YAML overlay.
	Targets  map[proof.GameType]int `env:"-"`
	SubTypes proof.Catalog          `env:"-"`
}

// Overlay is the YAML document referenced by VRF_POOL_CONFIG.
type Overlay struct {
	Targets  map[string]int      `yaml:"targets"`
	SubTypes map[string][]string `yaml:"subtypes"`
}

// Load reads .env (if present), decodes the environment and applies the
// optional YAML overlay.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	cfg.applyCatalog()

	if cfg.OverlayPath != "" {
		if err := cfg.LoadOverlay(cfg.OverlayPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyCatalog() {
	c.Targets = make(map[proof.GameType]int, len(proof.AllGameTypes))
	c.SubTypes = proof.DefaultCatalog()
	for _, g := range proof.AllGameTypes {
		c.Targets[g] = c.DefaultTarget
	}
}

// LoadOverlay applies a YAML overlay file.
func (c *Config) LoadOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pool config: %w", err)
	}
	return c.ApplyOverlay(data)
}

// ApplyOverlay applies a YAML overlay document.
func (c *Config) ApplyOverlay(data []byte) error {
	var ov Overlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("failed to parse pool config: %w", err)
	}
	if c.Targets == nil {
		c.applyCatalog()
	}

	for name, target := range ov.Targets {
		g, err := proof.ParseGameType(name)
		if err != nil {
			return fmt.Errorf("targets: %w", err)
		}
		c.Targets[g] = target
	}
	for name, subs := range ov.SubTypes {
		g, err := proof.ParseGameType(name)
		if err != nil {
			return fmt.Errorf("subtypes: %w", err)
		}
		if len(subs) == 0 {
			return fmt.Errorf("subtypes: %s has an empty list", g)
		}
		c.SubTypes[g] = subs
	}
	return nil
}

// AllowedOrigins splits CORSOrigins on commas.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// MinBalance returns the treasury floor in wei.
func (c *Config) MinBalance() *big.Int {
	v, ok := new(big.Int).SetString(c.MinBalanceWei, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// Validate checks that the thresholds and limits are consistent.
func (c *Config) Validate() error {
	if c.EmergencyThreshold <= 0 {
		return fmt.Errorf("emergency threshold must be positive, got %d", c.EmergencyThreshold)
	}
	if c.EmergencyThreshold >= c.LowThreshold {
		return fmt.Errorf("emergency threshold (%d) must be below low threshold (%d)", c.EmergencyThreshold, c.LowThreshold)
	}
	for g, target := range c.Targets {
		if c.LowThreshold > target {
			return fmt.Errorf("low threshold (%d) exceeds target for %s (%d)", c.LowThreshold, g, target)
		}
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max batch size must be positive")
	}
	if c.PoolTTL <= 0 {
		return fmt.Errorf("pool ttl must be positive")
	}
	if v, ok := new(big.Int).SetString(c.MinBalanceWei, 10); !ok || v.Sign() < 0 {
		return fmt.Errorf("invalid minimum balance %q", c.MinBalanceWei)
	}
	return nil
}
