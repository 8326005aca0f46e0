package syncer

import (
	"sync"
	"time"
)

// RelayPolicy decides whether a record received through a streamed push is
// pushed on to further peers. hops is the relay count the record arrived
// with.
type RelayPolicy interface {
	Relay(recordID string, hops int) bool
}

// NoRelay never relays: streaming reaches exactly the publisher's fanout.
type NoRelay struct{}

func (NoRelay) Relay(string, int) bool { return false }

// HopLimitedRelay relays each record once, while it has travelled fewer than
// MaxHops hops.
type HopLimitedRelay struct {
	MaxHops int

	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewHopLimitedRelay returns a relay policy remembering relayed records for ttl.
func NewHopLimitedRelay(maxHops int, ttl time.Duration) *HopLimitedRelay {
	return &HopLimitedRelay{
		MaxHops: maxHops,
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (h *HopLimitedRelay) Relay(recordID string, hops int) bool {
	if hops >= h.MaxHops {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	if at, ok := h.seen[recordID]; ok && now.Sub(at) < h.ttl {
		return false
	}
	h.seen[recordID] = now
	if len(h.seen) > 4096 {
		for id, at := range h.seen {
			if now.Sub(at) >= h.ttl {
				delete(h.seen, id)
			}
		}
	}
	return true
}
