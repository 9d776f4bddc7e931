// Package proof defines the domain model of the VRF proof pool.
package proof

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors
var (
	ErrNotFound          = errors.New("proof request not found")
	ErrAlreadyConsumed   = errors.New("proof already consumed")
	ErrPoolEmpty         = errors.New("no proof available")
	ErrInvalidGameType   = errors.New("invalid game type")
	ErrInvalidSubType    = errors.New("invalid game sub type")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// =============================================================================
// Game Types
// =============================================================================

// GameType identifies a game. Values match the uint8 used by the coordinator contract.
type GameType uint8

const (
	GameMines    GameType = 0
	GamePlinko   GameType = 1
	GameRoulette GameType = 2
	GameWheel    GameType = 3
)

// AllGameTypes lists every game type in contract order.
var AllGameTypes = []GameType{GameMines, GamePlinko, GameRoulette, GameWheel}

var gameTypeNames = map[GameType]string{
	GameMines:    "MINES",
	GamePlinko:   "PLINKO",
	GameRoulette: "ROULETTE",
	GameWheel:    "WHEEL",
}

func (g GameType) String() string {
	if name, ok := gameTypeNames[g]; ok {
		return name
	}
	return fmt.Sprintf("GameType(%d)", uint8(g))
}

// Valid reports whether g is a known game type.
func (g GameType) Valid() bool {
	_, ok := gameTypeNames[g]
	return ok
}

// ParseGameType parses a game type name, case-insensitively.
func ParseGameType(s string) (GameType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for g, n := range gameTypeNames {
		if n == name {
			return g, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidGameType, s)
}

// MarshalText encodes the game type as its name.
func (g GameType) MarshalText() ([]byte, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidGameType, uint8(g))
	}
	return []byte(g.String()), nil
}

// UnmarshalText decodes a game type name.
func (g *GameType) UnmarshalText(b []byte) error {
	parsed, err := ParseGameType(string(b))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// =============================================================================
// Status
// =============================================================================

// Status is the lifecycle state of a ProofRequest.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFulfilled Status = "fulfilled"
	StatusConsumed  Status = "consumed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusConsumed || s == StatusFailed || s == StatusExpired
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusFulfilled, StatusFailed, StatusExpired},
	StatusFulfilled: {StatusConsumed, StatusExpired},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// =============================================================================
// Records
// =============================================================================

// ProofRequest is one oracle round-trip item.
type ProofRequest struct {
	RequestID   string   `json:"requestId" db:"request_id"`
	GameType    GameType `json:"gameType" db:"game_type"`
	GameSubType string   `json:"gameSubType" db:"game_sub_type"`
	Status      Status   `json:"status" db:"status"`

	// Submission provenance, shared by every item of a batch.
	TxHash      string `json:"transactionHash" db:"tx_hash"`
	BlockNumber uint64 `json:"blockNumber" db:"block_number"`

	RandomValue   string `json:"randomValue,omitempty" db:"random_value"`
	FulfillTxHash string `json:"fulfillmentTxHash,omitempty" db:"fulfill_tx_hash"`
	FulfillBlock  uint64 `json:"fulfillmentBlock,omitempty" db:"fulfill_block"`
	ConsumerID    string `json:"consumerId,omitempty" db:"consumer_id"`

	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	FulfilledAt *time.Time `json:"fulfilledAt,omitempty" db:"fulfilled_at"`
	ConsumedAt  *time.Time `json:"consumedAt,omitempty" db:"consumed_at"`
	ExpiresAt   time.Time  `json:"expiresAt" db:"expires_at"`
}

// Available reports whether the request can be consumed at now.
func (p *ProofRequest) Available(now time.Time) bool {
	return p.Status == StatusFulfilled && now.Before(p.ExpiresAt)
}

// Expired reports whether the pool TTL has elapsed at now.
func (p *ProofRequest) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// BatchItem is one entry of a batch submission.
type BatchItem struct {
	GameType    GameType `json:"gameType"`
	GameSubType string   `json:"gameSubType"`
}

func (b BatchItem) String() string {
	return b.GameType.String() + "/" + b.GameSubType
}

// Validate checks the pair against the default catalog.
func (b BatchItem) Validate() error {
	return defaultCatalog.Validate(b)
}

// PoolLevels maps each game type to its available count.
type PoolLevels map[GameType]int

// Total sums every level.
func (l PoolLevels) Total() int {
	total := 0
	for _, n := range l {
		total += n
	}
	return total
}

// ByName renders the levels keyed by game type name.
func (l PoolLevels) ByName() map[string]int {
	out := make(map[string]int, len(l))
	for g, n := range l {
		out[g.String()] = n
	}
	return out
}

// SystemStats summarizes the pool for status reporting.
type SystemStats struct {
	Available          int     `json:"available" db:"available"`
	Used               int     `json:"used" db:"used"`
	Pending            int     `json:"pending" db:"pending"`
	Expired            int     `json:"expired" db:"expired"`
	Failed             int     `json:"failed" db:"failed"`
	Total              int     `json:"total" db:"total"`
	AvgFulfillmentSecs float64 `json:"avgFulfillmentSeconds" db:"avg_fulfillment_secs"`
	UtilizationRate    float64 `json:"utilizationRate"`
	SuccessRate        float64 `json:"successRate"`
}

// Derive fills the ratio fields. recent is the number of requests created in
// the success window and succeeded how many of them were fulfilled.
func (s *SystemStats) Derive(recent, succeeded int) {
	s.UtilizationRate = 0
	if s.Used+s.Available > 0 {
		s.UtilizationRate = float64(s.Used) / float64(s.Used+s.Available)
	}
	s.SuccessRate = 1
	if recent > 0 {
		s.SuccessRate = float64(succeeded) / float64(recent)
	}
}
