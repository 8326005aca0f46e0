package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/confluence/internal/identity"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(cfg Config) (*Registry, *testClock) {
	r := New(cfg)
	c := &testClock{t: time.Unix(10_000, 0)}
	r.now = c.now
	return r, c
}

func ids(ds []PeerDescriptor) []identity.InstanceID {
	out := make([]identity.InstanceID, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}

func TestRegisterAndEvict(t *testing.T) {
	r, _ := newTestRegistry(DefaultConfig())
	r.Register(PeerDescriptor{ID: "b", Endpoint: "ws://b"})
	r.Register(PeerDescriptor{ID: "a", Endpoint: "ws://a"})

	assert.Equal(t, []identity.InstanceID{"a", "b"}, ids(r.Peers()))
	d, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1.0, d.Health)
	assert.Equal(t, 0.5, d.Reliability)

	assert.True(t, r.Evict("a"))
	assert.False(t, r.Evict("a"))
	assert.Equal(t, 1, r.Len())
}

func TestHealthDecaysWithoutContact(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HealthHalfLife = time.Minute
	r, clk := newTestRegistry(cfg)
	r.Register(PeerDescriptor{ID: "a"})

	clk.advance(2 * time.Minute)
	d, _ := r.Get("a")
	assert.InDelta(t, 0.25, d.Health, 1e-9)

	require.NoError(t, r.RecordSuccess("a"))
	d, _ = r.Get("a")
	assert.Equal(t, 1.0, d.Health)
}

func TestFailuresLowerHealthAndReliability(t *testing.T) {
	r, _ := newTestRegistry(DefaultConfig())
	r.Register(PeerDescriptor{ID: "a"})

	require.NoError(t, r.RecordFailure("a"))
	require.NoError(t, r.RecordFailure("a"))

	d, _ := r.Get("a")
	assert.InDelta(t, 0.25, d.Health, 1e-9)
	assert.InDelta(t, 0.5*0.8*0.8, d.Reliability, 1e-9)
	assert.Equal(t, int64(2), d.Failures)
	assert.ErrorIs(t, r.RecordFailure("missing"), ErrUnknownPeer)
}

func TestReregisterKeepsHistory(t *testing.T) {
	r, _ := newTestRegistry(DefaultConfig())
	r.Register(PeerDescriptor{ID: "a", Endpoint: "ws://old", PublicKey: []byte{1}})
	require.NoError(t, r.RecordSuccess("a"))

	r.Register(PeerDescriptor{ID: "a", Endpoint: "ws://new"})

	d, _ := r.Get("a")
	assert.Equal(t, "ws://new", d.Endpoint)
	assert.Equal(t, []byte{1}, d.PublicKey)
	assert.Equal(t, int64(1), d.Successes)
}

func TestSelectPrefersFreshReliableHealthyPeers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContactCooldown = time.Minute
	r, clk := newTestRegistry(cfg)
	for _, id := range []identity.InstanceID{"a", "b", "c", "d"} {
		r.Register(PeerDescriptor{ID: id})
	}
	// c is very reliable, b was just contacted, d is unhealthy.
	for i := 0; i < 3; i++ {
		require.NoError(t, r.RecordSuccess("c"))
	}
	clk.advance(2 * time.Minute)
	require.NoError(t, r.RecordSuccess("b"))
	for i := 0; i < 4; i++ {
		require.NoError(t, r.RecordFailure("d"))
	}

	got := r.Select(2)
	assert.Equal(t, []identity.InstanceID{"c", "a"}, ids(got))

	got = r.Select(5, "a")
	assert.Equal(t, []identity.InstanceID{"c", "b"}, ids(got), "recent peers fill remaining slots, unhealthy never")
	assert.Nil(t, r.Select(0))
}

func TestConcurrentOutcomeRecording(t *testing.T) {
	r, _ := newTestRegistry(DefaultConfig())
	r.Register(PeerDescriptor{ID: "a"})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = r.RecordSuccess("a")
			} else {
				_ = r.RecordFailure("a")
			}
		}(i)
	}
	wg.Wait()

	d, _ := r.Get("a")
	assert.Equal(t, int64(50), d.Successes)
	assert.Equal(t, int64(50), d.Failures)
	assert.True(t, d.Reliability >= 0 && d.Reliability <= 1)
}

func TestRestoreFromDescriptor(t *testing.T) {
	r, clk := newTestRegistry(DefaultConfig())
	contact := clk.now().Add(-time.Hour)
	r.Register(PeerDescriptor{ID: "a", Health: 0.4, Reliability: 0.9, LastContact: contact, Successes: 7})

	d, _ := r.Get("a")
	assert.Equal(t, 0.4, d.Health)
	assert.Equal(t, 0.9, d.Reliability)
	assert.Equal(t, contact, d.LastContact)
	assert.Equal(t, int64(7), d.Successes)
}
