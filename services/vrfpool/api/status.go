package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/R3E-Network/vrfpool/internal/chain"
	"github.com/R3E-Network/vrfpool/internal/engine/recovery"
	"github.com/R3E-Network/vrfpool/internal/proof"
	commonservice "github.com/R3E-Network/vrfpool/services/common/service"
	"github.com/R3E-Network/vrfpool/services/vrfpool/oracle"
	"github.com/R3E-Network/vrfpool/services/vrfpool/pregen"
	"github.com/R3E-Network/vrfpool/services/vrfpool/refill"
)

// Overall health values.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Thresholds for the system status report.
const (
	storageHealthyAvailable = 20
	errorRateHealthy        = 5.0

	availableWarning    = 40
	availableCritical   = 20
	errorRateWarning    = 5.0
	errorRateCritical   = 10.0
	successRateWarning  = 0.9
	typeLevelWarning    = 5
)

// Recommendation severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Recommendation is one operator hint in the system status.
type Recommendation struct {
	Severity string `json:"type"`
	Message  string `json:"message"`
}

// ComponentHealth grades the three health inputs.
type ComponentHealth struct {
	Contract bool `json:"contract"`
	Storage  bool `json:"storage"`
	Errors   bool `json:"errors"`
}

// SystemStatus is the body of GET /vrf/system-status.
type SystemStatus struct {
	Health          string              `json:"health"`
	Components      ComponentHealth     `json:"components"`
	CountsByType    map[string]int      `json:"countsByType"`
	SystemStats     proof.SystemStats   `json:"systemStats"`
	ErrorStats      recovery.Stats      `json:"errorStats"`
	Oracle          oracle.Health       `json:"oracle"`
	OracleStats     oracle.Stats        `json:"oracleStats"`
	Contract        *chain.ContractInfo `json:"contract,omitempty"`
	Sessions        pregen.Statistics   `json:"sessions"`
	AutoRefill      refill.Status       `json:"autoRefill"`
	Recommendations []Recommendation    `json:"recommendations"`
	Timestamp       time.Time           `json:"timestamp"`
}

func (s *Service) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.systemStatus(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	commonservice.WriteSuccess(w, status)
}

func (s *Service) systemStatus(ctx context.Context) (SystemStatus, error) {
	now := s.clock.Now()
	levels, err := s.store.CountAllTypes(ctx, now)
	if err != nil {
		return SystemStatus{}, recovery.Storage(err, "count pool levels")
	}
	stats, err := s.store.SystemStats(ctx, now)
	if err != nil {
		return SystemStatus{}, recovery.Storage(err, "read system stats")
	}

	status := SystemStatus{
		CountsByType: levels.ByName(),
		SystemStats:  stats,
		ErrorStats:   s.engine.Stats(),
		Oracle:       s.oracle.Health(ctx),
		OracleStats:  s.oracle.Stats(),
		Sessions:     s.pregen.Statistics(),
		AutoRefill:   s.refill.Status(),
		Timestamp:    now,
	}
	if info, err := s.oracle.ContractInfo(ctx); err == nil {
		status.Contract = info
	} else {
		s.Logger().WithError(err).Debug("contract info unavailable")
	}

	status.Components = ComponentHealth{
		Contract: status.Oracle.Funded,
		Storage:  levels.Total() > storageHealthyAvailable,
		Errors:   status.ErrorStats.ErrorRate < errorRateHealthy,
	}
	status.Health = overallHealth(status.Components)
	status.Recommendations = recommendations(levels, stats, status.ErrorStats.ErrorRate)
	return status, nil
}

func overallHealth(c ComponentHealth) string {
	switch {
	case c.Contract && c.Storage && c.Errors:
		return HealthHealthy
	case !c.Contract || !c.Storage:
		return HealthUnhealthy
	default:
		return HealthDegraded
	}
}

func recommendations(levels proof.PoolLevels, stats proof.SystemStats, errorRate float64) []Recommendation {
	var out []Recommendation

	switch available := levels.Total(); {
	case available < availableCritical:
		out = append(out, Recommendation{SeverityCritical, fmt.Sprintf("Only %d proofs available; generate a batch now", available)})
	case available < availableWarning:
		out = append(out, Recommendation{SeverityWarning, fmt.Sprintf("%d proofs available; consider generating a batch", available)})
	}

	switch {
	case errorRate > errorRateCritical:
		out = append(out, Recommendation{SeverityCritical, fmt.Sprintf("Error rate %.1f/h is critical; check the oracle and signer", errorRate)})
	case errorRate > errorRateWarning:
		out = append(out, Recommendation{SeverityWarning, fmt.Sprintf("Error rate %.1f/h is elevated", errorRate)})
	}

	if stats.SuccessRate < successRateWarning {
		out = append(out, Recommendation{SeverityWarning, fmt.Sprintf("Fulfillment success rate %.0f%% is below 90%%", stats.SuccessRate*100)})
	}

	for _, g := range proof.ByPriority(proof.AllGameTypes) {
		if n := levels[g]; n < typeLevelWarning {
			out = append(out, Recommendation{SeverityWarning, fmt.Sprintf("%s has only %d proofs available", g, n)})
		}
	}

	if len(out) == 0 {
		out = append(out, Recommendation{SeverityInfo, "All systems operating normally"})
	}
	return out
}
