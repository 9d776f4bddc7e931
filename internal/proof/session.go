package proof

import "time"

// SessionKind describes why a refill session was started.
type SessionKind string

const (
	SessionInitial   SessionKind = "initial"
	SessionRefill    SessionKind = "refill"
	SessionEmergency SessionKind = "emergency"
)

// SessionStatus is the state of a RefillSession.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// ChunkResult records the outcome of one submitted batch.
type ChunkResult struct {
	Index       int       `json:"index"`
	Items       int       `json:"items"`
	RequestIDs  []string  `json:"requestIds,omitempty"`
	TxHash      string    `json:"transactionHash,omitempty"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorType   string    `json:"errorType,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Succeeded reports whether the chunk was accepted by the oracle.
func (c ChunkResult) Succeeded() bool {
	return c.Error == ""
}

// RefillSession is a unit of work for a pregeneration or refill run.
type RefillSession struct {
	ID          string         `json:"sessionId"`
	CallerID    string         `json:"callerId"`
	Kind        SessionKind    `json:"kind"`
	Allocation  map[string]int `json:"allocation"`
	Chunks      []ChunkResult  `json:"chunks"`
	Requested   int            `json:"requested"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	Status      SessionStatus  `json:"status"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// Allocate summarizes items as counts per "GAME/subtype".
func Allocate(items []BatchItem) map[string]int {
	out := make(map[string]int)
	for _, item := range items {
		out[item.String()]++
	}
	return out
}
