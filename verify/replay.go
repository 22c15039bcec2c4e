package verify

import (
	"sync"
	"time"
)

// DefaultRetention is how long consumed transaction hashes are remembered.
const DefaultRetention = 30 * 24 * time.Hour

// ReplayLedger remembers which transaction hashes have already been consumed
// by a successful verification. A hash present in the ledger can never verify
// again. Entries older than the retention window are pruned opportunistically
// when a new hash is consumed; there is no background sweep.
type ReplayLedger struct {
	mu       sync.Mutex
	consumed map[string]time.Time

	retention time.Duration
	now       func() time.Time
}

// LedgerOption configures a ReplayLedger.
type LedgerOption func(*ReplayLedger)

// WithRetention overrides the pruning window.
func WithRetention(d time.Duration) LedgerOption {
	return func(l *ReplayLedger) { l.retention = d }
}

// WithLedgerClock overrides the time source for tests.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *ReplayLedger) { l.now = now }
}

// NewReplayLedger constructs an empty ledger.
func NewReplayLedger(opts ...LedgerOption) *ReplayLedger {
	l := &ReplayLedger{
		consumed:  make(map[string]time.Time),
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.retention <= 0 {
		l.retention = DefaultRetention
	}
	return l
}

// Seen reports whether the hash has already been consumed. This is the cheap
// fail-fast check; Consume is the authoritative one.
func (l *ReplayLedger) Seen(hash string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.consumed[hash]
	return ok
}

// Consume atomically records the hash, returning false if it was already
// present. Two concurrent verifications of the same hash therefore cannot
// both succeed. A successful insert also prunes entries older than the
// retention window.
func (l *ReplayLedger) Consume(hash string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.consumed[hash]; ok {
		return false
	}
	now := l.now()
	l.consumed[hash] = now

	cutoff := now.Add(-l.retention)
	for tx, ts := range l.consumed {
		if ts.Before(cutoff) {
			delete(l.consumed, tx)
		}
	}
	return true
}

// Len returns the number of retained hashes.
func (l *ReplayLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.consumed)
}
