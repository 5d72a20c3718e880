package router

import (
	"sync"
	"time"
)

// budgetEntry is one recorded premium-tier attempt.
type budgetEntry struct {
	at     time.Time
	tokens int64
}

// Ledger tracks premium-tier usage per tenant over a rolling window.
// Both the call count and the approximate token sum are capped; entries
// older than the window are lazily pruned on check.
type Ledger struct {
	window     time.Duration
	callLimit  int
	tokenLimit int64

	mu      sync.Mutex
	tenants map[string][]budgetEntry

	// now is swappable for tests.
	now func() time.Time
}

// NewLedger creates a rolling-window budget ledger.
func NewLedger(window time.Duration, callLimit int, tokenLimit int64) *Ledger {
	return &Ledger{
		window:     window,
		callLimit:  callLimit,
		tokenLimit: tokenLimit,
		tenants:    make(map[string][]budgetEntry),
		now:        time.Now,
	}
}

// Allows reports whether tenant may attempt one more premium call of
// approximately tokens size without exceeding either cap.
func (l *Ledger) Allows(tenant string, tokens int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.prune(tenant)
	if len(entries) >= l.callLimit {
		return false
	}
	var sum int64
	for _, e := range entries {
		sum += e.tokens
	}
	return sum+tokens <= l.tokenLimit
}

// Record charges one attempted premium call against tenant. Failed
// attempts consume quota too: the backend did the work either way.
func (l *Ledger) Record(tenant string, tokens int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.prune(tenant)
	l.tenants[tenant] = append(entries, budgetEntry{at: l.now(), tokens: tokens})
}

// Usage returns the current call count and token sum for tenant.
func (l *Ledger) Usage(tenant string) (calls int, tokens int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.prune(tenant)
	for _, e := range entries {
		tokens += e.tokens
	}
	return len(entries), tokens
}

// prune drops entries older than the window. Caller holds the mutex.
func (l *Ledger) prune(tenant string) []budgetEntry {
	cutoff := l.now().Add(-l.window)
	entries := l.tenants[tenant]
	kept := entries[:0]
	for _, e := range entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 && entries != nil {
		delete(l.tenants, tenant)
		return nil
	}
	l.tenants[tenant] = kept
	return kept
}
