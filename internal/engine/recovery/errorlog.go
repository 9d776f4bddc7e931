package recovery

import (
	"sync"
	"time"
)

const defaultMaxLogEntries = 1000

// errorLog is a bounded, in-memory log of classified errors. Totals survive
// eviction; the entries themselves do not.
type errorLog struct {
	mu      sync.RWMutex
	entries []ClassifiedError
	max     int
	total   int
	byType  map[ErrorType]int
}

func newErrorLog(max int) *errorLog {
	if max <= 0 {
		max = defaultMaxLogEntries
	}
	return &errorLog{
		entries: make([]ClassifiedError, 0, max),
		max:     max,
		byType:  make(map[ErrorType]int),
	}
}

func (l *errorLog) add(ce ClassifiedError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	l.byType[ce.Type]++
	if len(l.entries) >= l.max {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, ce)
}

func (l *errorLog) countSince(since time.Time) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Timestamp.Before(since) {
			break
		}
		n++
	}
	return n
}

func (l *errorLog) recent(n int) []ClassifiedError {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]ClassifiedError, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

func (l *errorLog) totals() (int, map[ErrorType]int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	byType := make(map[ErrorType]int, len(l.byType))
	for t, n := range l.byType {
		byType[t] = n
	}
	return l.total, byType
}

func (l *errorLog) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
