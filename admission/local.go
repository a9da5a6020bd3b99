package admission

import (
	"context"
	"sync"
	"time"
)

// Local keeps admission records in process memory. Evict, compare and record
// all happen under one lock.
type Local struct {
	mu        sync.Mutex
	limits    Limits
	records   map[string][]time.Time
	lastPrune time.Time
	now       func() time.Time
}

func NewLocal(limits Limits) *Local {
	return &Local{
		limits:  limits,
		records: make(map[string][]time.Time),
		now:     time.Now,
	}
}

func (l *Local) Check(_ context.Context, id Identity) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.limits.Window)
	l.pruneLocked(now, cutoff)

	limit := l.limits.For(id)
	stamps := evict(l.records[id.Key], cutoff)

	if len(stamps) >= limit {
		l.records[id.Key] = stamps
		wait := l.limits.Window
		if len(stamps) > 0 {
			wait = retryAfter(stamps[0], now, l.limits.Window)
		}
		return Decision{Allowed: false, Count: len(stamps), Limit: limit, RetryAfter: wait}
	}

	stamps = append(stamps, now)
	l.records[id.Key] = stamps
	return Decision{Allowed: true, Count: len(stamps), Limit: limit}
}

// pruneLocked drops identities with nothing left in the window, at most once
// per window.
func (l *Local) pruneLocked(now, cutoff time.Time) {
	if now.Sub(l.lastPrune) < l.limits.Window {
		return
	}
	for key, stamps := range l.records {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.records, key)
		}
	}
	l.lastPrune = now
}

// evict drops timestamps at or before cutoff. Stamps are appended in order.
func evict(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	kept := make([]time.Time, len(stamps)-i, len(stamps)-i+1)
	copy(kept, stamps[i:])
	return kept
}
