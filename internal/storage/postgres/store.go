// Package postgres implements storage.ProofStore on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/vrfpool/internal/proof"
	"github.com/R3E-Network/vrfpool/internal/storage"
)

const uniqueViolation = "23505"

const proofColumns = `request_id, game_type, game_sub_type, status, tx_hash, block_number,
	random_value, fulfill_tx_hash, fulfill_block, consumer_id,
	created_at, fulfilled_at, consumed_at, expires_at`

// oldestFirst orders rows of one batch by numeric request id.
const oldestFirst = `created_at, length(request_id), request_id`

// Store implements storage.ProofStore backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.ProofStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn with the lib/pq driver.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// --- Writes -----------------------------------------------------------------

func (s *Store) InsertPending(ctx context.Context, reqs []proof.ProofRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	rows := make([]proof.ProofRequest, len(reqs))
	for i := range reqs {
		rows[i] = reqs[i]
		rows[i].Status = proof.StatusPending
	}

	// A single multi-row insert keeps the batch atomic.
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO proof_requests (request_id, game_type, game_sub_type, status, tx_hash, block_number, created_at, expires_at)
		VALUES (:request_id, :game_type, :game_sub_type, :status, :tx_hash, :block_number, :created_at, :expires_at)
	`, rows)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", storage.ErrDuplicate, pqErr.Detail)
		}
		return err
	}
	return nil
}

func (s *Store) MarkFulfilled(ctx context.Context, f storage.Fulfillment) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proof_requests
		SET status = 'fulfilled', random_value = $2, fulfill_tx_hash = $3, fulfill_block = $4, fulfilled_at = $5
		WHERE request_id = $1 AND status = 'pending'
	`, f.RequestID, f.RandomValue, f.TxHash, int64(f.BlockNumber), f.At)
	if err != nil {
		return false, err
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		return true, nil
	}
	return false, s.mustExist(ctx, f.RequestID)
}

func (s *Store) MarkFailed(ctx context.Context, requestID string, _ time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proof_requests SET status = 'failed'
		WHERE request_id = $1 AND status = 'pending'
	`, requestID)
	if err != nil {
		return false, err
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		return true, nil
	}
	return false, s.mustExist(ctx, requestID)
}

func (s *Store) ClaimAndConsume(ctx context.Context, requestID, consumerID string, now time.Time) (*proof.ProofRequest, error) {
	// The status predicate makes this a compare-and-set: of two concurrent
	// updates only the first to commit matches the row.
	var rec proof.ProofRequest
	err := s.db.GetContext(ctx, &rec, `
		UPDATE proof_requests
		SET status = 'consumed', consumer_id = $2, consumed_at = $3
		WHERE request_id = $1 AND status = 'fulfilled' AND expires_at > $3
		RETURNING `+proofColumns, requestID, consumerID, now)
	if errors.Is(err, sql.ErrNoRows) {
		if existErr := s.mustExist(ctx, requestID); existErr != nil {
			return nil, existErr
		}
		return nil, proof.ErrAlreadyConsumed
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proof_requests SET status = 'expired'
		WHERE status IN ('pending', 'fulfilled') AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM proof_requests
		WHERE status IN ('expired', 'failed') AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// --- Reads ------------------------------------------------------------------

func (s *Store) Get(ctx context.Context, requestID string) (*proof.ProofRequest, error) {
	var rec proof.ProofRequest
	err := s.db.GetContext(ctx, &rec, `SELECT `+proofColumns+` FROM proof_requests WHERE request_id = $1`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, proof.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetNextAvailable(ctx context.Context, g proof.GameType, subType string, now time.Time) (*proof.ProofRequest, error) {
	var rec proof.ProofRequest
	err := s.db.GetContext(ctx, &rec, `
		SELECT `+proofColumns+`
		FROM proof_requests
		WHERE game_type = $1 AND game_sub_type = $2 AND status = 'fulfilled' AND expires_at > $3
		ORDER BY `+oldestFirst+`
		LIMIT 1
	`, int(g), subType, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, proof.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) CountByType(ctx context.Context, g proof.GameType, now time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM proof_requests
		WHERE game_type = $1 AND status = 'fulfilled' AND expires_at > $2
	`, int(g), now)
	return n, err
}

type typeCount struct {
	GameType proof.GameType `db:"game_type"`
	Count    int            `db:"n"`
}

func (s *Store) CountAllTypes(ctx context.Context, now time.Time) (proof.PoolLevels, error) {
	var rows []typeCount
	err := s.db.SelectContext(ctx, &rows, `
		SELECT game_type, COUNT(*) AS n FROM proof_requests
		WHERE status = 'fulfilled' AND expires_at > $1
		GROUP BY game_type
	`, now)
	if err != nil {
		return nil, err
	}
	levels := make(proof.PoolLevels, len(proof.AllGameTypes))
	for _, g := range proof.AllGameTypes {
		levels[g] = 0
	}
	for _, row := range rows {
		levels[row.GameType] = row.Count
	}
	return levels, nil
}

type subTypeCount struct {
	SubType string `db:"game_sub_type"`
	Count   int    `db:"n"`
}

func (s *Store) CountBySubType(ctx context.Context, g proof.GameType, now time.Time) (map[string]int, error) {
	var rows []subTypeCount
	err := s.db.SelectContext(ctx, &rows, `
		SELECT game_sub_type, COUNT(*) AS n FROM proof_requests
		WHERE game_type = $1 AND status = 'fulfilled' AND expires_at > $2
		GROUP BY game_sub_type
	`, int(g), now)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.SubType] = row.Count
	}
	return out, nil
}

func (s *Store) ListPending(ctx context.Context, limit int) ([]proof.ProofRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []proof.ProofRequest
	err := s.db.SelectContext(ctx, &recs, `
		SELECT `+proofColumns+`
		FROM proof_requests
		WHERE status = 'pending'
		ORDER BY `+oldestFirst+`
		LIMIT $1
	`, limit)
	return recs, err
}

type statsRow struct {
	proof.SystemStats
	Recent    int `db:"recent"`
	Succeeded int `db:"succeeded"`
}

func (s *Store) SystemStats(ctx context.Context, now time.Time) (proof.SystemStats, error) {
	var row statsRow
	err := s.db.GetContext(ctx, &row, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'fulfilled' AND expires_at > $1) AS available,
			COUNT(*) FILTER (WHERE status = 'consumed') AS used,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'expired' OR (status = 'fulfilled' AND expires_at <= $1)) AS expired,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) AS total,
			COALESCE(AVG(EXTRACT(EPOCH FROM (fulfilled_at - created_at))) FILTER (WHERE fulfilled_at IS NOT NULL), 0) AS avg_fulfillment_secs,
			COUNT(*) FILTER (WHERE created_at >= $2) AS recent,
			COUNT(*) FILTER (WHERE created_at >= $2 AND status IN ('fulfilled', 'consumed')) AS succeeded
		FROM proof_requests
	`, now, now.Add(-storage.SuccessWindow))
	if err != nil {
		return proof.SystemStats{}, err
	}
	stats := row.SystemStats
	stats.Derive(row.Recent, row.Succeeded)
	return stats, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) mustExist(ctx context.Context, requestID string) error {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM proof_requests WHERE request_id = $1)`, requestID); err != nil {
		return err
	}
	if !exists {
		return proof.ErrNotFound
	}
	return nil
}
