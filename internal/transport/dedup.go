package transport

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Deduper remembers message IDs for a window so at-least-once delivery is
// handled once.
type Deduper struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[uuid.UUID]time.Time
}

func NewDeduper(ttl time.Duration) *Deduper {
	return &Deduper{ttl: ttl, now: time.Now, seen: map[uuid.UUID]time.Time{}}
}

// Seen records id and reports whether it was already recorded within the
// window.
func (d *Deduper) Seen(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, at := range d.seen {
		if now.Sub(at) > d.ttl {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = now
	return false
}

// Wrap returns a handler that drops repeated messages.
func (d *Deduper) Wrap(h Handler) Handler {
	return func(msg Message) {
		if d.Seen(msg.ID) {
			return
		}
		h(msg)
	}
}
