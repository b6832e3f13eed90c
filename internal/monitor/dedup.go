package monitor

import (
	"sync"
	"time"
)

// Dedup prevents a strategy from being enqueued more than once within a
// configurable time-to-live window. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // strategy id -> last enqueue time
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup instance that considers an id a duplicate if it
// has been seen within the given ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// IsDuplicate returns true if the id has been seen within the TTL window. If
// the id has not been seen (or has expired), it is recorded and false is
// returned.
func (d *Dedup) IsDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if lastSeen, ok := d.seen[id]; ok {
		if now.Sub(lastSeen) < d.ttl {
			return true
		}
	}

	d.seen[id] = now
	return false
}

// Forget drops an id so it can be enqueued again immediately.
func (d *Dedup) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
}

// Cleanup removes entries that have expired beyond the TTL. This should be
// called periodically to prevent unbounded memory growth.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
