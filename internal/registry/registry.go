// Package registry tracks the peers an instance synchronizes with: where they
// are, how healthy they look and how reliable they have been.
//
// Membership changes take a write lock; per-peer health and reliability are
// atomic counters so the hot path of recording interaction outcomes never
// contends on a registry-wide lock.
package registry

import (
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ssd-technologies/confluence/internal/identity"
)

// ErrUnknownPeer is returned for operations on peers that are not registered.
var ErrUnknownPeer = errors.New("registry: unknown peer")

// PeerDescriptor is a point-in-time view of one peer.
type PeerDescriptor struct {
	ID          identity.InstanceID `json:"id"`
	Endpoint    string              `json:"endpoint"`
	PublicKey   []byte              `json:"public_key,omitempty"`
	Health      float64             `json:"health"`
	Reliability float64             `json:"reliability"`
	LastContact time.Time           `json:"last_contact"`
	LastAttempt time.Time           `json:"last_attempt"`
	Successes   int64               `json:"successes"`
	Failures    int64               `json:"failures"`
}

// Config tunes health decay and peer selection.
type Config struct {
	// HealthHalfLife is how long without contact halves a peer's health.
	HealthHalfLife time.Duration `yaml:"health_half_life"`
	// MinHealth is the health below which a peer is not selected.
	MinHealth float64 `yaml:"min_health"`
	// ContactCooldown is how long after an attempt a peer counts as
	// recently contacted.
	ContactCooldown  time.Duration `yaml:"contact_cooldown"`
	ReliabilityAlpha float64       `yaml:"reliability_alpha"`
	// FailurePenalty multiplies health on each failed interaction.
	FailurePenalty float64 `yaml:"failure_penalty"`
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		HealthHalfLife:   10 * time.Minute,
		MinHealth:        0.2,
		ContactCooldown:  5 * time.Second,
		ReliabilityAlpha: 0.2,
		FailurePenalty:   0.5,
	}
}

type peer struct {
	id        identity.InstanceID
	endpoint  string
	publicKey []byte

	health      atomic.Uint64 // float64 bits, value as of healthAt
	healthAt    atomic.Int64
	reliability atomic.Uint64 // float64 bits
	lastContact atomic.Int64
	lastAttempt atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
}

func loadFloat(a *atomic.Uint64) float64 { return math.Float64frombits(a.Load()) }

func storeFloat(a *atomic.Uint64, f float64) { a.Store(math.Float64bits(f)) }

func unixTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Registry is safe for concurrent use.
type Registry struct {
	cfg Config
	now func() time.Time

	mu    sync.RWMutex
	peers map[identity.InstanceID]*peer
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.HealthHalfLife <= 0 {
		cfg.HealthHalfLife = def.HealthHalfLife
	}
	if cfg.ReliabilityAlpha <= 0 || cfg.ReliabilityAlpha > 1 {
		cfg.ReliabilityAlpha = def.ReliabilityAlpha
	}
	if cfg.FailurePenalty <= 0 || cfg.FailurePenalty >= 1 {
		cfg.FailurePenalty = def.FailurePenalty
	}
	return &Registry{cfg: cfg, now: time.Now, peers: make(map[identity.InstanceID]*peer)}
}

// Register adds a peer, or updates the endpoint and key of a known one while
// keeping its history. New peers start fully healthy with neutral reliability
// unless the descriptor carries restored values.
func (r *Registry) Register(d PeerDescriptor) {
	now := r.now().UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()

	p := &peer{id: d.ID, endpoint: d.Endpoint, publicKey: append([]byte(nil), d.PublicKey...)}
	if old, ok := r.peers[d.ID]; ok {
		if d.Endpoint == "" {
			p.endpoint = old.endpoint
		}
		if len(d.PublicKey) == 0 {
			p.publicKey = old.publicKey
		}
		p.health.Store(old.health.Load())
		p.healthAt.Store(old.healthAt.Load())
		p.reliability.Store(old.reliability.Load())
		p.lastContact.Store(old.lastContact.Load())
		p.lastAttempt.Store(old.lastAttempt.Load())
		p.successes.Store(old.successes.Load())
		p.failures.Store(old.failures.Load())
		r.peers[d.ID] = p
		return
	}

	health, reliability := 1.0, 0.5
	if d.Health > 0 {
		health = d.Health
	}
	if d.Reliability > 0 {
		reliability = d.Reliability
	}
	storeFloat(&p.health, health)
	p.healthAt.Store(now)
	storeFloat(&p.reliability, reliability)
	if !d.LastContact.IsZero() {
		p.lastContact.Store(d.LastContact.UnixNano())
	}
	if !d.LastAttempt.IsZero() {
		p.lastAttempt.Store(d.LastAttempt.UnixNano())
	}
	p.successes.Store(d.Successes)
	p.failures.Store(d.Failures)
	r.peers[d.ID] = p
}

// Evict removes a peer. It reports whether the peer was present.
func (r *Registry) Evict(id identity.InstanceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	return true
}

func (r *Registry) lookup(id identity.InstanceID) *peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[id]
}

// healthAt returns p's health decayed to now.
func (r *Registry) healthOf(p *peer, now time.Time) float64 {
	h := loadFloat(&p.health)
	elapsed := now.Sub(unixTime(p.healthAt.Load()))
	if elapsed <= 0 {
		return h
	}
	return h * math.Pow(0.5, float64(elapsed)/float64(r.cfg.HealthHalfLife))
}

func (r *Registry) updateReliability(p *peer, outcome float64) {
	a := r.cfg.ReliabilityAlpha
	for {
		old := p.reliability.Load()
		next := a*outcome + (1-a)*math.Float64frombits(old)
		if p.reliability.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

// RecordSuccess notes a successful interaction: health resets to full and
// reliability moves toward 1.
func (r *Registry) RecordSuccess(id identity.InstanceID) error {
	p := r.lookup(id)
	if p == nil {
		return ErrUnknownPeer
	}
	now := r.now().UnixNano()
	storeFloat(&p.health, 1)
	p.healthAt.Store(now)
	p.lastContact.Store(now)
	p.lastAttempt.Store(now)
	p.successes.Add(1)
	r.updateReliability(p, 1)
	return nil
}

// RecordFailure notes a failed interaction: health is penalized and
// reliability moves toward 0.
func (r *Registry) RecordFailure(id identity.InstanceID) error {
	p := r.lookup(id)
	if p == nil {
		return ErrUnknownPeer
	}
	now := r.now()
	storeFloat(&p.health, r.healthOf(p, now)*r.cfg.FailurePenalty)
	p.healthAt.Store(now.UnixNano())
	p.lastAttempt.Store(now.UnixNano())
	p.failures.Add(1)
	r.updateReliability(p, 0)
	return nil
}

// Touch records inbound contact from a peer without judging an outcome.
func (r *Registry) Touch(id identity.InstanceID) {
	if p := r.lookup(id); p != nil {
		now := r.now().UnixNano()
		storeFloat(&p.health, 1)
		p.healthAt.Store(now)
		p.lastContact.Store(now)
	}
}

func (r *Registry) describe(p *peer, now time.Time) PeerDescriptor {
	return PeerDescriptor{
		ID:          p.id,
		Endpoint:    p.endpoint,
		PublicKey:   append([]byte(nil), p.publicKey...),
		Health:      r.healthOf(p, now),
		Reliability: loadFloat(&p.reliability),
		LastContact: unixTime(p.lastContact.Load()),
		LastAttempt: unixTime(p.lastAttempt.Load()),
		Successes:   p.successes.Load(),
		Failures:    p.failures.Load(),
	}
}

// Get returns the descriptor of one peer.
func (r *Registry) Get(id identity.InstanceID) (PeerDescriptor, bool) {
	p := r.lookup(id)
	if p == nil {
		return PeerDescriptor{}, false
	}
	return r.describe(p, r.now()), true
}

// Peers returns every registered peer sorted by ID.
func (r *Registry) Peers() []PeerDescriptor {
	now := r.now()
	r.mu.RLock()
	out := make([]PeerDescriptor, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, r.describe(p, now))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Healthy returns peers whose decayed health is at least MinHealth.
func (r *Registry) Healthy() []PeerDescriptor {
	var out []PeerDescriptor
	for _, d := range r.Peers() {
		if d.Health >= r.cfg.MinHealth {
			out = append(out, d)
		}
	}
	return out
}

// Select picks up to n healthy peers for a push, most reliable first.
// Peers not attempted within ContactCooldown are preferred; recently
// contacted ones only fill remaining slots.
func (r *Registry) Select(n int, exclude ...identity.InstanceID) []PeerDescriptor {
	if n <= 0 {
		return nil
	}
	skip := make(map[identity.InstanceID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	now := r.now()
	var fresh, recent []PeerDescriptor
	for _, d := range r.Healthy() {
		if _, ok := skip[d.ID]; ok {
			continue
		}
		if !d.LastAttempt.IsZero() && now.Sub(d.LastAttempt) < r.cfg.ContactCooldown {
			recent = append(recent, d)
		} else {
			fresh = append(fresh, d)
		}
	}
	byReliability := func(s []PeerDescriptor) {
		sort.SliceStable(s, func(i, j int) bool { return s[i].Reliability > s[j].Reliability })
	}
	byReliability(fresh)
	byReliability(recent)

	out := append(fresh, recent...)
	if len(out) > n {
		out = out[:n]
	}
	return out
}
