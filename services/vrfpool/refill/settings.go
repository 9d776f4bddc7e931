package refill

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/vrfpool/internal/engine/recovery"
)

// Settings is the tunable part of the controller configuration.
type Settings struct {
	TickIntervalMs          int64          `json:"tickIntervalMs"`
	CooldownMs              int64          `json:"cooldownMs"`
	MaxRetries              int            `json:"maxRetries"`
	LowThreshold            int            `json:"lowThreshold"`
	EmergencyThreshold      int            `json:"emergencyThreshold"`
	EmergencyThresholdRatio float64        `json:"emergencyThresholdRatio"`
	Targets                 map[string]int `json:"targets"`
}

// Patch updates Settings. Nil fields are left unchanged.
type Patch struct {
	TickIntervalMs          *int64   `json:"tickIntervalMs,omitempty"`
	CooldownMs              *int64   `json:"cooldownMs,omitempty"`
	MaxRetries              *int     `json:"maxRetries,omitempty"`
	EmergencyThresholdRatio *float64 `json:"emergencyThresholdRatio,omitempty"`
}

// Change is one changed setting.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

func settingsOf(cfg Config) Settings {
	s := Settings{
		TickIntervalMs:     cfg.TickInterval.Milliseconds(),
		CooldownMs:         cfg.Cooldown.Milliseconds(),
		MaxRetries:         cfg.MaxRetries,
		LowThreshold:       cfg.LowThreshold,
		EmergencyThreshold: cfg.EmergencyThreshold,
		Targets:            make(map[string]int, len(cfg.Targets)),
	}
	if cfg.LowThreshold > 0 {
		s.EmergencyThresholdRatio = float64(cfg.EmergencyThreshold) / float64(cfg.LowThreshold)
	}
	for g, n := range cfg.Targets {
		s.Targets[g.String()] = n
	}
	return s
}

// Validate checks a patch without applying it.
func (p Patch) Validate() error {
	var problems []string
	if p.TickIntervalMs != nil && time.Duration(*p.TickIntervalMs)*time.Millisecond < MinTickInterval {
		problems = append(problems, fmt.Sprintf("tickIntervalMs must be at least %d", MinTickInterval.Milliseconds()))
	}
	if p.CooldownMs != nil && time.Duration(*p.CooldownMs)*time.Millisecond < MinCooldown {
		problems = append(problems, fmt.Sprintf("cooldownMs must be at least %d", MinCooldown.Milliseconds()))
	}
	if p.MaxRetries != nil && (*p.MaxRetries < 1 || *p.MaxRetries > 10) {
		problems = append(problems, "maxRetries must be between 1 and 10")
	}
	if p.EmergencyThresholdRatio != nil {
		r := *p.EmergencyThresholdRatio
		if math.IsNaN(r) || r < 0.1 || r > 1.0 {
			problems = append(problems, "emergencyThresholdRatio must be between 0.1 and 1.0")
		}
	}
	if p.empty() {
		problems = append(problems, "no settings to update")
	}
	if len(problems) > 0 {
		return recovery.Validation("%s", strings.Join(problems, "; "))
	}
	return nil
}

func (p Patch) empty() bool {
	return p.TickIntervalMs == nil && p.CooldownMs == nil && p.MaxRetries == nil && p.EmergencyThresholdRatio == nil
}

// UpdateConfig applies a patch and returns the settings before and after it
// along with the fields that changed. A new tick interval takes effect after
// the current tick.
func (c *Controller) UpdateConfig(p Patch) (Settings, Settings, map[string]Change, error) {
	if err := p.Validate(); err != nil {
		return Settings{}, Settings{}, nil, err
	}

	c.mu.Lock()
	old := settingsOf(c.cfg)
	if p.TickIntervalMs != nil {
		c.cfg.TickInterval = time.Duration(*p.TickIntervalMs) * time.Millisecond
	}
	if p.CooldownMs != nil {
		c.cfg.Cooldown = time.Duration(*p.CooldownMs) * time.Millisecond
	}
	if p.MaxRetries != nil {
		c.cfg.MaxRetries = *p.MaxRetries
	}
	if p.EmergencyThresholdRatio != nil {
		emergency := int(math.Floor(*p.EmergencyThresholdRatio * float64(c.cfg.LowThreshold)))
		if emergency < 1 {
			emergency = 1
		}
		c.cfg.EmergencyThreshold = emergency
	}
	updated := settingsOf(c.cfg)
	c.mu.Unlock()

	changes := diffSettings(old, updated)
	c.log.WithFields(logrus.Fields{"changes": changes}).Info("auto refill config updated")
	return old, updated, changes, nil
}

func diffSettings(old, updated Settings) map[string]Change {
	changes := make(map[string]Change)
	if old.TickIntervalMs != updated.TickIntervalMs {
		changes["tickIntervalMs"] = Change{old.TickIntervalMs, updated.TickIntervalMs}
	}
	if old.CooldownMs != updated.CooldownMs {
		changes["cooldownMs"] = Change{old.CooldownMs, updated.CooldownMs}
	}
	if old.MaxRetries != updated.MaxRetries {
		changes["maxRetries"] = Change{old.MaxRetries, updated.MaxRetries}
	}
	if old.EmergencyThreshold != updated.EmergencyThreshold {
		changes["emergencyThreshold"] = Change{old.EmergencyThreshold, updated.EmergencyThreshold}
	}
	return changes
}
