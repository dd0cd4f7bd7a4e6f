package settlement

import (
	"sync"
	"time"
)

// Dedup remembers settled quote IDs so the same quote cannot be executed
// twice within the TTL window. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // quoteID -> settled at
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup with the given window.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Seen reports whether quoteID was marked within the window.
func (d *Dedup) Seen(quoteID string) bool {
	if quoteID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.seen[quoteID]
	return ok && d.now().Sub(at) < d.ttl
}

// Mark records quoteID as settled and drops expired entries.
func (d *Dedup) Mark(quoteID string) {
	if quoteID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
	d.seen[quoteID] = now
}
