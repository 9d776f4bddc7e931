// Package consume hands pooled proofs to game sessions.
package consume

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/vrfpool/internal/engine/recovery"
	"github.com/R3E-Network/vrfpool/internal/metrics"
	"github.com/R3E-Network/vrfpool/internal/proof"
)

// MaxClaimAttempts bounds the candidates tried when other consumers win the race.
const MaxClaimAttempts = 5

// Store is the part of the proof store consumption needs.
type Store interface {
	GetNextAvailable(ctx context.Context, g proof.GameType, subType string, now time.Time) (*proof.ProofRequest, error)
	ClaimAndConsume(ctx context.Context, requestID, consumerID string, now time.Time) (*proof.ProofRequest, error)
	CountAllTypes(ctx context.Context, now time.Time) (proof.PoolLevels, error)
}

// Trigger requests an asynchronous refill check.
type Trigger interface {
	TriggerCheck()
}

// Config configures a Service.
type Config struct {
	LowThreshold int
	Catalog      proof.Catalog
	Clock        clock.Clock
	Logger       *logrus.Entry
}

// Service claims proofs for users.
type Service struct {
	store   Store
	trigger Trigger
	cfg     Config
	log     *logrus.Entry
}

// New creates a Service. trigger may be nil.
func New(store Store, trigger Trigger, cfg Config) *Service {
	if cfg.Catalog == nil {
		cfg.Catalog = proof.DefaultCatalog()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{store: store, trigger: trigger, cfg: cfg, log: cfg.Logger}
}

// Consume claims the oldest available proof for the game key and records
// userAddress as its consumer. It returns proof.ErrPoolEmpty when none is left.
func (s *Service) Consume(ctx context.Context, userAddress string, g proof.GameType, subType string) (*proof.ProofRequest, error) {
	if err := proof.ValidateAddress(userAddress); err != nil {
		return nil, recovery.ValidationWrap(err)
	}
	if subType == "" {
		subType = proof.DefaultSubType
	}
	if err := s.cfg.Catalog.Validate(proof.BatchItem{GameType: g, GameSubType: subType}); err != nil {
		return nil, recovery.ValidationWrap(err)
	}
	defer s.triggerRefill()

	consumer := strings.ToLower(userAddress)
	for attempt := 0; attempt < MaxClaimAttempts; attempt++ {
		now := s.cfg.Clock.Now()
		candidate, err := s.store.GetNextAvailable(ctx, g, subType, now)
		if errors.Is(err, proof.ErrNotFound) {
			return nil, proof.ErrPoolEmpty
		}
		if err != nil {
			return nil, recovery.Storage(err, "find available proof")
		}

		claimed, err := s.store.ClaimAndConsume(ctx, candidate.RequestID, consumer, now)
		switch {
		case err == nil:
			metrics.RecordConsumed(g.String())
			s.log.WithFields(logrus.Fields{
				"request_id": claimed.RequestID,
				"game_type":  g.String(),
				"sub_type":   subType,
				"user":       consumer,
			}).Debug("proof consumed")
			return claimed, nil
		case errors.Is(err, proof.ErrAlreadyConsumed), errors.Is(err, proof.ErrNotFound):
			continue
		default:
			return nil, recovery.Storage(err, "claim proof")
		}
	}

	s.log.WithFields(logrus.Fields{
		"game_type": g.String(),
		"sub_type":  subType,
		"attempts":  MaxClaimAttempts,
	}).Warn("gave up claiming proof under contention")
	return nil, proof.ErrPoolEmpty
}

func (s *Service) triggerRefill() {
	if s.trigger != nil {
		s.trigger.TriggerCheck()
	}
}

// UserStatus is the readiness view for one user.
type UserStatus struct {
	Address      string         `json:"userAddress"`
	CountsByType map[string]int `json:"countsByType"`
	Total        int            `json:"total"`
	IsReady      bool           `json:"isReady"`
	NeedsRefill  bool           `json:"needsRefill"`
}

// UserStatus reports whether every game can be played right now. The pool is
// shared, so the counts are the pool's.
func (s *Service) UserStatus(ctx context.Context, address string) (UserStatus, error) {
	if err := proof.ValidateAddress(address); err != nil {
		return UserStatus{}, recovery.ValidationWrap(err)
	}
	levels, err := s.store.CountAllTypes(ctx, s.cfg.Clock.Now())
	if err != nil {
		return UserStatus{}, recovery.Storage(err, "count pool levels")
	}

	status := UserStatus{
		Address:      strings.ToLower(address),
		CountsByType: make(map[string]int, len(proof.AllGameTypes)),
		Total:        levels.Total(),
		IsReady:      true,
	}
	for _, g := range proof.AllGameTypes {
		n := levels[g]
		status.CountsByType[g.String()] = n
		if n < 1 {
			status.IsReady = false
		}
		if n < s.cfg.LowThreshold {
			status.NeedsRefill = true
		}
	}
	return status, nil
}
