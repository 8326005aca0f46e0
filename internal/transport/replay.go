package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultMaxSkew bounds how far a message timestamp may trail or lead the
// local clock.
const DefaultMaxSkew = 5 * time.Minute

var (
	// ErrStale is returned for a message stamped outside the skew window.
	ErrStale = errors.New("transport: message timestamp outside window")
	// ErrReplay is returned for a request ID already served.
	ErrReplay = errors.New("transport: replayed request")
)

// replayGuard rejects stale messages and remembers authenticated request IDs
// until their timestamps leave the window. A zero window disables it.
type replayGuard struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	swept  time.Time
}

func newReplayGuard(window time.Duration) *replayGuard {
	return &replayGuard{window: window, seen: make(map[string]time.Time)}
}

// check must run after authenticate so forged IDs never enter the seen set.
// Replies are only timestamp-checked: they are matched to pending requests.
func (g *replayGuard) check(msg *Message, now time.Time) error {
	if g == nil || g.window <= 0 {
		return nil
	}
	ts := time.Unix(msg.Timestamp, 0)
	if d := now.Sub(ts); d > g.window || d < -g.window {
		return fmt.Errorf("%w: skew %s", ErrStale, d.Round(time.Second))
	}
	if msg.ReplyTo != "" {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if now.Sub(g.swept) > g.window {
		for key, expiry := range g.seen {
			if now.After(expiry) {
				delete(g.seen, key)
			}
		}
		g.swept = now
	}
	key := string(msg.Sender.Instance) + "/" + msg.ID
	if _, ok := g.seen[key]; ok {
		return fmt.Errorf("%w: %s", ErrReplay, msg.ID)
	}
	g.seen[key] = ts.Add(g.window + time.Second)
	return nil
}

func (g *replayGuard) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
