package pregen

import (
	"fmt"
	"strings"

	"github.com/R3E-Network/vrfpool/internal/proof"
)

// Recommendation levels.
const (
	LevelNormal    = "normal"
	LevelWarning   = "warning"
	LevelEmergency = "emergency"
)

// Recommendation tells an operator whether the pool needs attention.
type Recommendation struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	LowTypes  []string       `json:"lowTypes,omitempty"`
	Shortfall map[string]int `json:"shortfall,omitempty"`
}

// Recommend grades pool levels against the thresholds. Comparisons are strict.
func (c *Coordinator) Recommend(levels proof.PoolLevels) Recommendation {
	rec := Recommendation{Level: LevelNormal, Shortfall: make(map[string]int)}
	var emergency, low []string

	for _, g := range proof.ByPriority(proof.AllGameTypes) {
		n := levels[g]
		if target := c.cfg.Targets[g]; n < target {
			rec.Shortfall[g.String()] = target - n
		}
		switch {
		case n < c.cfg.EmergencyThreshold:
			emergency = append(emergency, g.String())
			low = append(low, g.String())
		case n < c.cfg.LowThreshold:
			low = append(low, g.String())
		}
	}
	rec.LowTypes = low

	switch {
	case len(emergency) > 0:
		rec.Level = LevelEmergency
		rec.Message = fmt.Sprintf("emergency refill needed for %s", strings.Join(emergency, ", "))
	case len(low) > 0:
		rec.Level = LevelWarning
		rec.Message = fmt.Sprintf("refill recommended for %s", strings.Join(low, ", "))
	default:
		rec.Message = "pool levels are healthy"
	}
	return rec
}
