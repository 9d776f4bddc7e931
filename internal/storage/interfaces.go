// Package storage defines the persistence surface of the proof pool and an
// in-memory implementation of it.
package storage

import (
	"context"
	"time"

	"github.com/R3E-Network/vrfpool/internal/proof"
)

// ProofStore persists proof requests and derives pool levels from them.
// Every mutation is a single conditional write; callers never read a record
// and write it back.
type ProofStore interface {
	// InsertPending stores a submitted batch atomically.
	InsertPending(ctx context.Context, reqs []proof.ProofRequest) error

	// MarkFulfilled moves a pending request to fulfilled. It reports false
	// when the request is not pending.
	MarkFulfilled(ctx context.Context, f Fulfillment) (bool, error)

	// MarkFailed moves a pending request to failed.
	MarkFailed(ctx context.Context, requestID string, now time.Time) (bool, error)

	Get(ctx context.Context, requestID string) (*proof.ProofRequest, error)

	// GetNextAvailable returns the oldest fulfilled, unexpired record for the key.
	GetNextAvailable(ctx context.Context, g proof.GameType, subType string, now time.Time) (*proof.ProofRequest, error)

	// ClaimAndConsume atomically moves a fulfilled record to consumed.
	ClaimAndConsume(ctx context.Context, requestID, consumerID string, now time.Time) (*proof.ProofRequest, error)

	CountByType(ctx context.Context, g proof.GameType, now time.Time) (int, error)
	CountAllTypes(ctx context.Context, now time.Time) (proof.PoolLevels, error)
	CountBySubType(ctx context.Context, g proof.GameType, now time.Time) (map[string]int, error)

	// ListPending returns up to limit pending records, oldest first.
	ListPending(ctx context.Context, limit int) ([]proof.ProofRequest, error)

	// SweepExpired marks pending and fulfilled records past their TTL as expired.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// PurgeOlderThan deletes expired and failed records created before cutoff.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	SystemStats(ctx context.Context, now time.Time) (proof.SystemStats, error)
	Ping(ctx context.Context) error
}

// Fulfillment carries an oracle fulfillment for one request.
type Fulfillment struct {
	RequestID   string
	RandomValue string
	TxHash      string
	BlockNumber uint64
	At          time.Time
}

// SuccessWindow is the window used for the success rate in SystemStats.
const SuccessWindow = 24 * time.Hour
