package recovery

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/R3E-Network/vrfpool/internal/proof"
)

// ClassifiedError is a failure mapped onto the taxonomy.
type ClassifiedError struct {
	Type      ErrorType      `json:"type"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`

	Err error `json:"-"`
}

func (c ClassifiedError) Error() string {
	return string(c.Type) + ": " + c.Message
}

func (c ClassifiedError) Unwrap() error {
	return c.Err
}

// contextKey scopes a retry budget. Errors about a specific request get their
// own budget; everything else shares "global".
func (c ClassifiedError) contextKey() string {
	if c.Context != nil {
		if id, ok := c.Context["requestId"]; ok {
			if s, ok := id.(string); ok && s != "" {
				return s
			}
		}
	}
	return "global"
}

// RetryKey is the key of the retry budget this error draws from.
func (c ClassifiedError) RetryKey() string {
	return string(c.Type) + "_" + c.contextKey()
}

type heuristic struct {
	t       ErrorType
	needles []string
}

// Order matters: the first matching group wins.
var heuristics = []heuristic{
	{TypeInsufficientFunds, []string{"insufficient funds", "insufficient balance", "insufficient treasury"}},
	{TypeProtocol, []string{"mismatch", "abi:", "unexpected log", "no vrfrequested"}},
	{TypeFulfillmentTimeout, []string{"fulfillment timeout", "not fulfilled"}},
	{TypeStorage, []string{"database", "sql:", "pq:", "postgres", "redis", "deadlock"}},
	{TypeNetwork, []string{"network", "timeout", "connection refused", "econnrefused", "enotfound", "no such host", "connection reset", "eof"}},
	{TypeConflict, []string{"already in progress", "already active", "conflict"}},
	{TypeValidation, []string{"invalid", "validation", "required"}},
}

// Classify maps err onto the taxonomy. It never fails: anything unrecognized is
// an OracleRequestError. The fields map is merged into the result context.
func Classify(err error, now time.Time, fields map[string]any) ClassifiedError {
	ce := ClassifiedError{
		Type:      TypeOracleRequest,
		Timestamp: now,
		Err:       err,
		Context:   make(map[string]any, len(fields)),
	}
	for k, v := range fields {
		ce.Context[k] = v
	}
	if err == nil {
		ce.Message = "unknown error"
		return ce
	}
	ce.Message = err.Error()

	var prior ClassifiedError
	if errors.As(err, &prior) {
		ce.Type = prior.Type
		ce.Message = prior.Message
		for k, v := range prior.Context {
			if _, exists := ce.Context[k]; !exists {
				ce.Context[k] = v
			}
		}
		return ce
	}

	var typed *Error
	if errors.As(err, &typed) {
		ce.Type = typed.Type
		for k, v := range typed.Context {
			if _, exists := ce.Context[k]; !exists {
				ce.Context[k] = v
			}
		}
		return ce
	}

	switch {
	case errors.Is(err, proof.ErrInvalidGameType),
		errors.Is(err, proof.ErrInvalidSubType),
		errors.Is(err, proof.ErrInvalidAddress):
		ce.Type = TypeValidation
		return ce
	case errors.Is(err, context.DeadlineExceeded):
		ce.Type = TypeNetwork
		return ce
	}

	msg := strings.ToLower(ce.Message)
	for _, h := range heuristics {
		for _, needle := range h.needles {
			if strings.Contains(msg, needle) {
				ce.Type = h.t
				return ce
			}
		}
	}
	return ce
}
