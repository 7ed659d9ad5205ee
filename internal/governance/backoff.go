package governance

import (
	"sync"
	"time"
)

// IPBackoff applies exponential backoff to source addresses with rapid
// repeated failures, independently of the per-user bucket. It is
// process-local: IP throttling is an abuse brake, not an accounting
// invariant, so cross-process coherency is not required.
type IPBackoff struct {
	mu      sync.Mutex
	base    time.Duration
	max     time.Duration
	entries map[string]*backoffEntry
	now     func() time.Time
}

type backoffEntry struct {
	failures    int
	blockedTill time.Time
	lastSeen    time.Time
}

// NewIPBackoff builds a backoff tracker. Zero durations select defaults.
func NewIPBackoff(base, max time.Duration) *IPBackoff {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return &IPBackoff{
		base:    base,
		max:     max,
		entries: make(map[string]*backoffEntry),
		now:     time.Now,
	}
}

// Allow reports whether the address is currently admitted.
func (b *IPBackoff) Allow(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[ip]
	if !ok {
		return true
	}
	return !b.now().Before(entry.blockedTill)
}

// Failure records a failed request and extends the address's penalty.
func (b *IPBackoff) Failure(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	entry, ok := b.entries[ip]
	if !ok {
		entry = &backoffEntry{}
		b.entries[ip] = entry
	}
	entry.failures++
	entry.lastSeen = now

	penalty := b.base << (entry.failures - 1)
	if penalty > b.max || penalty <= 0 {
		penalty = b.max
	}
	entry.blockedTill = now.Add(penalty)

	b.pruneLocked(now)
}

// Success clears the address's failure history.
func (b *IPBackoff) Success(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, ip)
}

// pruneLocked drops entries idle for longer than the maximum penalty so the
// map cannot grow without bound under scanning traffic.
func (b *IPBackoff) pruneLocked(now time.Time) {
	if len(b.entries) < 4096 {
		return
	}
	cutoff := now.Add(-2 * b.max)
	for ip, entry := range b.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(b.entries, ip)
		}
	}
}
