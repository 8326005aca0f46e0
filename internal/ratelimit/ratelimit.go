// Package ratelimit bounds how much work each peer may push per time window.
package ratelimit

import (
	"sync"
	"time"
)

// window tracks usage for one key within the current fixed window.
type window struct {
	count int
	start time.Time
}

// Set is a fixed-window limiter keyed by peer. Each key may spend up to rate
// units per window.
type Set struct {
	mu     sync.Mutex
	keys   map[string]*window
	rate   int
	period time.Duration
	now    func() time.Time
}

// New creates a Set allowing rate units per period for each key. A rate of
// zero or less disables limiting.
func New(rate int, period time.Duration) *Set {
	return &Set{
		keys:   make(map[string]*window),
		rate:   rate,
		period: period,
		now:    time.Now,
	}
}

// Allow spends one unit for key and reports whether it fit.
func (s *Set) Allow(key string) bool {
	return s.AllowN(key, 1) == 1
}

// AllowN tries to spend n units for key and returns how many fit in the
// current window. Units that do not fit are not charged.
func (s *Set) AllowN(key string, n int) int {
	if n <= 0 {
		return 0
	}
	if s.rate <= 0 {
		return n
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.keys[key]
	if !ok || now.Sub(w.start) >= s.period {
		w = &window{start: now}
		s.keys[key] = w
	}
	granted := min(n, s.rate-w.count)
	if granted < 0 {
		granted = 0
	}
	w.count += granted
	return granted
}

// Len returns the number of keys with a window.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Prune drops keys whose window has expired and returns how many remain.
func (s *Set) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, w := range s.keys {
		if now.Sub(w.start) >= s.period {
			delete(s.keys, k)
		}
	}
	return len(s.keys)
}
