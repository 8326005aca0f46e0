package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/confluence/internal/capability"
	"github.com/ssd-technologies/confluence/internal/clock"
	"github.com/ssd-technologies/confluence/internal/identity"
	"github.com/ssd-technologies/confluence/internal/merge"
	"github.com/ssd-technologies/confluence/internal/observe"
	"github.com/ssd-technologies/confluence/internal/record"
	"github.com/ssd-technologies/confluence/internal/registry"
	"github.com/ssd-technologies/confluence/internal/similarity"
	"github.com/ssd-technologies/confluence/internal/transport"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type testNode struct {
	kp     identity.Keypair
	coord  *Coordinator
	merger *merge.Merger
	store  *merge.MemoryStore
	log    *MemoryLog
	reg    *registry.Registry
	clock  *clock.Clock
	tr     *transport.MemTransport
	events *observe.Recorder
}

type clusterOpts struct {
	cfg   func(i int, cfg *Config)
	now   func(i int) time.Time
	relay RelayPolicy
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PeerTimeout = time.Second
	cfg.RoundTimeout = 2 * time.Second
	cfg.LumpedInterval = 20 * time.Millisecond
	cfg.CheckInInterval = time.Hour
	return cfg
}

func newNode(t *testing.T, net *transport.MemNetwork, i int, opts clusterOpts) *testNode {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)

	n := &testNode{
		kp:     kp,
		store:  merge.NewMemoryStore(),
		log:    NewMemoryLog(),
		reg:    registry.New(registry.DefaultConfig()),
		clock:  clock.New(kp.ID),
		tr:     net.Join(kp),
		events: &observe.Recorder{},
	}
	n.tr.SetKeys(func(id identity.InstanceID) ([]byte, bool) {
		d, ok := n.reg.Get(id)
		return d.PublicKey, ok
	})

	backends := capability.NewBackends()
	require.NoError(t, backends.Register(capability.SourceLibrary, capability.NewLibrary(kp)))
	resolver := capability.NewResolver(backends, capability.DeploymentContext{}, capability.Options{})

	nowFn := time.Now
	if opts.now != nil {
		fixed := opts.now(i)
		nowFn = func() time.Time { return fixed }
	}
	n.merger, err = merge.New(merge.DefaultConfig(), merge.Deps{
		Store:  n.store,
		Index:  similarity.NewIndex(similarity.Options{}),
		Hasher: resolver,
		Sink:   n.events,
	})
	require.NoError(t, err)

	cfg := testConfig()
	if opts.cfg != nil {
		opts.cfg(i, &cfg)
	}
	n.coord, err = New(cfg, Deps{
		Self:         kp,
		Clock:        n.clock,
		Registry:     n.reg,
		Transport:    n.tr,
		Merger:       n.merger,
		Log:          n.log,
		Capabilities: resolver,
		Relay:        opts.relay,
		Sink:         n.events,
		Now:          nowFn,
	})
	require.NoError(t, err)
	t.Cleanup(n.coord.Close)
	return n
}

func (n *testNode) know(others ...*testNode) {
	for _, o := range others {
		n.reg.Register(registry.PeerDescriptor{ID: o.kp.ID, Endpoint: o.tr.Endpoint(), PublicKey: o.kp.Public})
	}
}

// newCluster builds size nodes that all know each other.
func newCluster(t *testing.T, size int, opts clusterOpts) (*transport.MemNetwork, []*testNode) {
	t.Helper()
	net := transport.NewMemNetwork()
	nodes := make([]*testNode, size)
	for i := range nodes {
		nodes[i] = newNode(t, net, i, opts)
	}
	for i, n := range nodes {
		for j, o := range nodes {
			if i != j {
				n.know(o)
			}
		}
	}
	return net, nodes
}

func memory(content string, confidence float64) record.Record {
	return record.Record{
		Kind:       record.KindMemory,
		Content:    content,
		Tier:       record.TierAuto,
		Partition:  record.PartitionShared,
		Confidence: confidence,
		Importance: 0.5,
	}
}

func entities(t *testing.T, n *testNode) []*record.Entity {
	t.Helper()
	out, err := n.store.QueryEntities(context.Background(), merge.EntityQuery{})
	require.NoError(t, err)
	return out
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Fanout = 0
	cfg.Quorum = 0
	cfg.TrimFraction = 0.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fanout")
	assert.Contains(t, err.Error(), "quorum")
	assert.Contains(t, err.Error(), "trim")

	_, err = New(cfg, Deps{})
	assert.Error(t, err)
}

func TestPublishStreamsToFanout(t *testing.T) {
	_, nodes := newCluster(t, 3, clusterOpts{})
	a, b, c := nodes[0], nodes[1], nodes[2]
	ctx := context.Background()

	res, err := a.coord.Publish(ctx, memory("the river danube flows into the black sea", 0.7))
	require.NoError(t, err)
	assert.Equal(t, merge.ActionInserted, res.Outcome.Action)
	assert.NotEmpty(t, res.Record.Signature)
	assert.Equal(t, a.kp.ID, res.Record.Source)
	require.Len(t, res.Peers, 2)
	for _, pr := range res.Peers {
		require.NoError(t, pr.Err)
		assert.Equal(t, 1, pr.Pushed)
	}

	for _, n := range []*testNode{b, c} {
		got := entities(t, n)
		require.Len(t, got, 1)
		assert.Equal(t, res.Outcome.ContentHash, got[0].ContentHash)
		assert.Equal(t, []identity.InstanceID{a.kp.ID}, got[0].Sources)
		// Receiving the record advanced the receiver's clock past the sender's stamp.
		assert.Greater(t, n.clock.Now().Lamport, res.Record.Time.Lamport)
	}

	d, ok := a.reg.Get(b.kp.ID)
	require.True(t, ok)
	assert.Equal(t, int64(1), d.Successes)
	assert.Len(t, a.events.OfType(observe.SyncRoundComplete), 1)
}

func TestPublishToleratesDownPeer(t *testing.T) {
	net, nodes := newCluster(t, 3, clusterOpts{})
	a, b, c := nodes[0], nodes[1], nodes[2]
	net.SetDown(c.kp.ID, true)

	res, err := a.coord.Publish(context.Background(), memory("bees communicate through a waggle dance", 0.6))
	require.NoError(t, err)
	require.Len(t, res.Peers, 2)

	var failed, ok int
	for _, pr := range res.Peers {
		if pr.Err != nil {
			failed++
			assert.Equal(t, c.kp.ID, pr.Peer)
			assert.ErrorIs(t, pr.Err, transport.ErrPeerUnavailable)
		} else {
			ok++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, ok)
	assert.Len(t, entities(t, b), 1)
	assert.Empty(t, entities(t, c))

	d, found := a.reg.Get(c.kp.ID)
	require.True(t, found)
	assert.Equal(t, int64(1), d.Failures)
	assert.Less(t, d.Reliability, 0.5)

	failures := a.events.OfType(observe.SyncPeerFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, string(c.kp.ID), failures[0].Fields["peer"])
}

func TestRepublishIsDuplicateAtPeers(t *testing.T) {
	_, nodes := newCluster(t, 2, clusterOpts{})
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	_, err := a.coord.Publish(ctx, memory("copper conducts electricity well", 0.8))
	require.NoError(t, err)
	res, err := a.coord.Publish(ctx, memory("copper conducts electricity well", 0.8))
	require.NoError(t, err)
	assert.Equal(t, merge.ActionDuplicate, res.Outcome.Action)
	require.Len(t, res.Peers, 1)
	assert.Equal(t, 1, res.Peers[0].Duplicates)

	got := entities(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].VerificationCount)
}

func TestPrivateRecordsStayLocal(t *testing.T) {
	_, nodes := newCluster(t, 2, clusterOpts{})
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	rec := memory("my personal access pattern notes", 0.9)
	rec.Partition = record.PartitionPrivate
	res, err := a.coord.Publish(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, merge.ActionInserted, res.Outcome.Action)
	assert.Empty(t, res.Peers)
	assert.Zero(t, a.coord.Pending())

	lr, err := b.coord.RunLumped(ctx)
	require.NoError(t, err)
	assert.Zero(t, lr.Pulled)
	assert.Empty(t, entities(t, b))
}

func TestLumpedAntiEntropyPullsMissing(t *testing.T) {
	_, nodes := newCluster(t, 2, clusterOpts{cfg: func(_ int, cfg *Config) { cfg.Streaming = false }})
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	for _, content := range []string{
		"mount everest is the highest mountain",
		"octopuses have three hearts",
		"the speed of light is constant in vacuum",
	} {
		res, err := a.coord.Publish(ctx, memory(content, 0.7))
		require.NoError(t, err)
		assert.Empty(t, res.Peers)
	}
	assert.Empty(t, entities(t, b))

	res, err := b.coord.RunLumped(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pulled)
	require.Len(t, res.Peers, 1)
	require.NoError(t, res.Peers[0].Err)
	assert.Len(t, entities(t, b), 3)
	assert.Equal(t, 3, b.log.Len())

	// The watermark means the next round lists nothing new.
	res, err = b.coord.RunLumped(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Pulled)
}

func TestLumpedPushDeliversBatch(t *testing.T) {
	_, nodes := newCluster(t, 3, clusterOpts{cfg: func(_ int, cfg *Config) { cfg.Streaming = false }})
	a, b, c := nodes[0], nodes[1], nodes[2]
	ctx := context.Background()

	_, err := a.coord.Publish(ctx, memory("salt lowers the freezing point of water", 0.6))
	require.NoError(t, err)
	_, err = a.coord.Publish(ctx, memory("venus rotates in the opposite direction", 0.6))
	require.NoError(t, err)
	assert.Equal(t, 2, a.coord.Pending())

	res, err := a.coord.RunLumped(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Batch)
	assert.Zero(t, a.coord.Pending())
	for _, pr := range res.Peers {
		require.NoError(t, pr.Err)
		assert.Equal(t, 2, pr.Pushed)
	}
	assert.Len(t, entities(t, b), 2)
	assert.Len(t, entities(t, c), 2)
}

func TestLumpedRequeuesWhenNoPeerAccepts(t *testing.T) {
	net, nodes := newCluster(t, 3, clusterOpts{cfg: func(_ int, cfg *Config) { cfg.Streaming = false }})
	a := nodes[0]
	net.SetDown(nodes[1].kp.ID, true)
	net.SetDown(nodes[2].kp.ID, true)
	ctx := context.Background()

	_, err := a.coord.Publish(ctx, memory("glass is an amorphous solid", 0.5))
	require.NoError(t, err)

	res, err := a.coord.RunLumped(ctx)
	require.NoError(t, err)
	for _, pr := range res.Peers {
		assert.Error(t, pr.Err)
	}
	assert.Equal(t, 1, a.coord.Pending())

	net.SetDown(nodes[1].kp.ID, false)
	net.SetDown(nodes[2].kp.ID, false)
	_, err = a.coord.RunLumped(ctx)
	require.NoError(t, err)
	assert.Zero(t, a.coord.Pending())
}

func TestInboundPushIsRateLimited(t *testing.T) {
	_, nodes := newCluster(t, 2, clusterOpts{cfg: func(i int, cfg *Config) {
		cfg.Streaming = false
		if i == 1 {
			cfg.InboundRate = 2
		}
	}})
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	for _, content := range []string{"first distinct fact about owls", "second fact concerning granite", "third note on tides"} {
		_, err := a.coord.Publish(ctx, memory(content, 0.5))
		require.NoError(t, err)
	}
	res, err := a.coord.RunLumped(ctx)
	require.NoError(t, err)
	require.Len(t, res.Peers, 1)
	assert.Equal(t, 2, res.Peers[0].Pushed)

	var limited int
	for _, ev := range b.events.OfType(observe.MergeRejected) {
		if ev.Fields["reason"] == "rate_limited" {
			limited++
		}
	}
	assert.Equal(t, 1, limited)
	d, ok := b.reg.Get(a.kp.ID)
	require.True(t, ok)
	assert.Equal(t, int64(1), d.Failures)
}

func TestUnknownPeers(t *testing.T) {
	net := transport.NewMemNetwork()
	strict := clusterOpts{cfg: func(i int, cfg *Config) { cfg.AllowUnknownPeers = i != 1 }}
	a := newNode(t, net, 0, strict)
	b := newNode(t, net, 1, strict)
	c := newNode(t, net, 2, strict)
	a.know(b, c)
	ctx := context.Background()

	res, err := a.coord.Publish(ctx, memory("lightning is hotter than the sun surface", 0.6))
	require.NoError(t, err)
	require.Len(t, res.Peers, 2)
	for _, pr := range res.Peers {
		if pr.Peer == b.kp.ID {
			var remote *transport.RemoteError
			assert.ErrorAs(t, pr.Err, &remote)
		} else {
			assert.NoError(t, pr.Err)
		}
	}
	assert.Empty(t, entities(t, b))
	assert.Len(t, entities(t, c), 1)

	d, ok := c.reg.Get(a.kp.ID)
	require.True(t, ok, "c should have registered a")
	assert.Equal(t, []byte(a.kp.Public), d.PublicKey)
}

func TestHopLimitedRelay(t *testing.T) {
	net := transport.NewMemNetwork()
	a := newNode(t, net, 0, clusterOpts{})
	b := newNode(t, net, 1, clusterOpts{relay: NewHopLimitedRelay(1, time.Minute)})
	c := newNode(t, net, 2, clusterOpts{})
	a.know(b)
	b.know(a, c)
	c.know(b)

	_, err := a.coord.Publish(context.Background(), memory("the moon is slowly drifting away", 0.6))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(entities(t, c)) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := entities(t, c)
	assert.Equal(t, []identity.InstanceID{a.kp.ID}, got[0].Sources)
}

func TestCheckInMergesAndAdvancesConsensus(t *testing.T) {
	_, nodes := newCluster(t, 3, clusterOpts{
		cfg: func(_ int, cfg *Config) { cfg.Streaming = false },
		now: func(i int) time.Time { return t0.Add(time.Duration(i) * 10 * time.Second) },
	})
	a, b, c := nodes[0], nodes[1], nodes[2]
	ctx := context.Background()

	_, err := b.coord.Publish(ctx, memory("water boils at lower temperature at altitude", 0.7))
	require.NoError(t, err)
	_, err = c.coord.Publish(ctx, memory("sharks existed before trees", 0.6))
	require.NoError(t, err)
	before := a.clock.Now().Lamport

	res, err := a.coord.CheckIn(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Acks)
	assert.Equal(t, 2, res.Outcomes[merge.ActionInserted])
	assert.Len(t, entities(t, a), 2)
	assert.Greater(t, a.clock.Now().Lamport, before)

	// Median of b's and c's wall clocks, lower middle for an even count.
	assert.Equal(t, t0.Add(10*time.Second).UnixMilli(), res.ConsensusTimestamp)
	assert.Equal(t, res.ConsensusTimestamp, a.coord.ConsensusTimestamp())

	// A second round merges nothing new.
	res, err = a.coord.CheckIn(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Outcomes[merge.ActionInserted])
}

func TestCheckInWithoutQuorumChangesNothing(t *testing.T) {
	net, nodes := newCluster(t, 3, clusterOpts{cfg: func(_ int, cfg *Config) {
		cfg.Streaming = false
		cfg.Quorum = 2
	}})
	a, b, c := nodes[0], nodes[1], nodes[2]
	ctx := context.Background()

	_, err := b.coord.Publish(ctx, memory("ravens can solve multi step puzzles", 0.7))
	require.NoError(t, err)
	net.SetDown(c.kp.ID, true)
	clockBefore := a.clock.Now()

	res, err := a.coord.CheckIn(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuorumNotReached)
	var qerr *QuorumError
	require.True(t, errors.As(err, &qerr))
	assert.Equal(t, 1, qerr.Acks)
	assert.Equal(t, 2, qerr.Required)
	assert.Contains(t, qerr.Failures, c.kp.ID)
	assert.Equal(t, 1, res.Acks)

	assert.Empty(t, entities(t, a))
	assert.Equal(t, clockBefore, a.clock.Now())
	assert.Zero(t, a.coord.ConsensusTimestamp())
	assert.Len(t, a.events.OfType(observe.QuorumNotReached), 1)
}

func TestCheckInConsensusNeverMovesBack(t *testing.T) {
	net := transport.NewMemNetwork()
	future := t0.Add(24 * time.Hour).UnixMilli()
	opts := clusterOpts{
		cfg: func(_ int, cfg *Config) { cfg.Quorum = 1 },
		now: func(int) time.Time { return t0 },
	}
	a := newNode(t, net, 0, opts)
	b := newNode(t, net, 1, opts)
	a.know(b)
	a.coord.consensus = future

	res, err := a.coord.CheckIn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, future, res.ConsensusTimestamp)
}

func TestCheckInRobustConfidence(t *testing.T) {
	_, nodes := newCluster(t, 4, clusterOpts{cfg: func(_ int, cfg *Config) { cfg.Streaming = false }})
	a := nodes[0]
	ctx := context.Background()

	// Three peers report the same content; one is an outlier.
	for i, conf := range []float64{0.6, 0.62, 0.99} {
		_, err := nodes[i+1].coord.Publish(ctx, memory("honey never spoils when sealed", conf))
		require.NoError(t, err)
	}

	res, err := a.coord.CheckIn(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Acks)
	assert.Equal(t, 1, res.Robust)

	got := entities(t, a)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.62, got[0].Confidence, 1e-9)
	assert.Equal(t, 3, got[0].VerificationCount)
}

func TestStartStop(t *testing.T) {
	_, nodes := newCluster(t, 2, clusterOpts{cfg: func(_ int, cfg *Config) { cfg.Streaming = false }})
	a, b := nodes[0], nodes[1]

	_, err := a.coord.Publish(context.Background(), memory("penguins live in the southern hemisphere", 0.5))
	require.NoError(t, err)

	b.coord.Start()
	b.coord.Start()
	require.Eventually(t, func() bool { return len(entities(t, b)) == 1 }, 2*time.Second, 10*time.Millisecond)
	b.coord.Stop()
	b.coord.Stop()

	assert.NotEmpty(t, b.events.OfType(observe.SyncRoundComplete))
}

func TestHandlerRejectsUnsupportedType(t *testing.T) {
	_, nodes := newCluster(t, 2, clusterOpts{})
	a, b := nodes[0], nodes[1]

	msg, err := transport.NewMessage("BOGUS", nil)
	require.NoError(t, err)
	_, err = a.tr.Request(context.Background(), transport.Peer{ID: b.kp.ID}, msg)
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "unsupported")
}

func TestPing(t *testing.T) {
	_, nodes := newCluster(t, 2, clusterOpts{})
	a, b := nodes[0], nodes[1]

	var pong pongPayload
	err := a.coord.call(context.Background(), transport.Peer{ID: b.kp.ID}, transport.MsgPing, struct{}{}, &pong)
	require.NoError(t, err)
	assert.Equal(t, b.kp.ID, pong.Instance)
}
