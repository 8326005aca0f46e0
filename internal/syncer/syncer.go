// Package syncer moves records between instances. It runs three protocols
// over the same primitives: streaming pushes each local record to a few peers
// as it is created, lumped rounds batch pushes and repair gaps by pulling
// what a peer's summary shows is missing, and check-in rounds reconcile full
// state once a quorum of peers has answered. Every record a peer sends goes
// through the merger; no protocol writes to the store directly.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ssd-technologies/confluence/internal/aggregate"
	"github.com/ssd-technologies/confluence/internal/capability"
	"github.com/ssd-technologies/confluence/internal/clock"
	"github.com/ssd-technologies/confluence/internal/identity"
	"github.com/ssd-technologies/confluence/internal/merge"
	"github.com/ssd-technologies/confluence/internal/observe"
	"github.com/ssd-technologies/confluence/internal/ratelimit"
	"github.com/ssd-technologies/confluence/internal/record"
	"github.com/ssd-technologies/confluence/internal/registry"
	"github.com/ssd-technologies/confluence/internal/snapshot"
	"github.com/ssd-technologies/confluence/internal/transport"
)

// ErrQuorumNotReached is matched by a *QuorumError.
var ErrQuorumNotReached = errors.New("sync: quorum not reached")

// QuorumError reports a check-in round that did not hear from enough peers.
// The local state was left untouched.
type QuorumError struct {
	Acks     int
	Required int
	Failures map[identity.InstanceID]error
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("sync: check-in got %d acknowledgements, quorum is %d", e.Acks, e.Required)
}

func (e *QuorumError) Is(target error) bool { return target == ErrQuorumNotReached }

// Config tunes the coordinator.
type Config struct {
	// Fanout is how many peers a streamed record or lumped round reaches.
	Fanout int `yaml:"fanout"`
	// Quorum is the number of snapshot acknowledgements a check-in needs.
	Quorum int `yaml:"quorum"`
	// PeerTimeout bounds one request to one peer, per attempt.
	PeerTimeout time.Duration `yaml:"peer_timeout"`
	// RoundTimeout bounds a whole check-in round.
	RoundTimeout    time.Duration `yaml:"round_timeout"`
	LumpedInterval  time.Duration `yaml:"lumped_interval"`
	CheckInInterval time.Duration `yaml:"checkin_interval"`
	// Streaming pushes each published record immediately. Records are still
	// batched for the next lumped round either way.
	Streaming  bool `yaml:"streaming"`
	BatchLimit int  `yaml:"batch_limit"`
	PullLimit  int  `yaml:"pull_limit"`
	// TrimFraction is used when aggregating confidences reported by several
	// peers. Values below 1/3 give up tolerance of a one-third coalition.
	TrimFraction float64 `yaml:"trim_fraction"`
	// RobustMinReports is how many peers must report the same content in one
	// check-in before their confidences are aggregated.
	RobustMinReports     int `yaml:"robust_min_reports"`
	SnapshotLimit        int `yaml:"snapshot_limit"`
	SnapshotDataShards   int `yaml:"snapshot_data_shards"`
	SnapshotParityShards int `yaml:"snapshot_parity_shards"`
	// InboundRate records per InboundPeriod may be pushed by each peer.
	InboundRate       int           `yaml:"inbound_rate"`
	InboundPeriod     time.Duration `yaml:"inbound_period"`
	AllowUnknownPeers bool          `yaml:"allow_unknown_peers"`
	// RelayHops enables hop-limited relay of streamed records. Zero disables it.
	RelayHops int `yaml:"relay_hops"`
	// MaxClockAhead is how far a received Lamport value may lead the local
	// one. Zero disables the bound.
	MaxClockAhead uint64 `yaml:"max_clock_ahead"`
}

// DefaultConfig returns the default sync settings.
func DefaultConfig() Config {
	return Config{
		Fanout:               3,
		Quorum:               2,
		PeerTimeout:          3 * time.Second,
		RoundTimeout:         10 * time.Second,
		LumpedInterval:       30 * time.Second,
		CheckInInterval:      5 * time.Minute,
		Streaming:            true,
		BatchLimit:           500,
		PullLimit:            1000,
		TrimFraction:         aggregate.DefaultTrimFraction,
		RobustMinReports:     3,
		SnapshotLimit:        10000,
		SnapshotDataShards:   snapshot.DefaultDataShards,
		SnapshotParityShards: snapshot.DefaultParityShards,
		InboundRate:          1000,
		InboundPeriod:        time.Minute,
		AllowUnknownPeers:    true,
		MaxClockAhead:        1 << 32,
	}
}

// Validate reports every configuration problem.
func (c Config) Validate() error {
	var errs []error
	if c.Fanout <= 0 {
		errs = append(errs, fmt.Errorf("sync: fanout must be > 0, got %d", c.Fanout))
	}
	if c.Quorum <= 0 {
		errs = append(errs, fmt.Errorf("sync: quorum must be > 0, got %d", c.Quorum))
	}
	if c.PeerTimeout <= 0 {
		errs = append(errs, errors.New("sync: peer timeout must be > 0"))
	}
	if c.RoundTimeout <= 0 {
		errs = append(errs, errors.New("sync: round timeout must be > 0"))
	}
	if c.LumpedInterval <= 0 || c.CheckInInterval <= 0 {
		errs = append(errs, errors.New("sync: lumped and check-in intervals must be > 0"))
	}
	if c.BatchLimit <= 0 || c.PullLimit <= 0 || c.SnapshotLimit <= 0 {
		errs = append(errs, errors.New("sync: batch, pull and snapshot limits must be > 0"))
	}
	if err := aggregate.ValidateTrimFraction(c.TrimFraction); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}
	if c.RobustMinReports < 1 {
		errs = append(errs, fmt.Errorf("sync: robust_min_reports must be >= 1, got %d", c.RobustMinReports))
	}
	if c.SnapshotDataShards <= 0 || c.SnapshotParityShards < 0 {
		errs = append(errs, errors.New("sync: snapshot shards must be data > 0, parity >= 0"))
	}
	if c.InboundRate > 0 && c.InboundPeriod <= 0 {
		errs = append(errs, errors.New("sync: inbound period must be > 0 when inbound rate is set"))
	}
	if c.RelayHops < 0 {
		errs = append(errs, errors.New("sync: relay hops must be >= 0"))
	}
	return errors.Join(errs...)
}

// Merger is the part of merge.Merger the coordinator uses.
type Merger interface {
	Ingest(ctx context.Context, rec record.Record) (merge.Outcome, error)
	Query(ctx context.Context, q merge.EntityQuery) ([]*record.Entity, error)
}

// Capabilities is the part of the capability resolver the coordinator uses.
type Capabilities interface {
	Hash(ctx context.Context, data []byte) (string, error)
	Sign(ctx context.Context, msg []byte) (capability.Signature, error)
	Aggregate(ctx context.Context, values []float64, trimFraction float64) (float64, error)
}

// ConsensusStore persists the check-in consensus timestamp.
type ConsensusStore interface {
	SaveConsensusTimestamp(ctx context.Context, ts int64) error
}

// Deps are the collaborators of a Coordinator. Relay, Consensus, Sink,
// Logger and Now are optional.
type Deps struct {
	Self         identity.Keypair
	Clock        *clock.Clock
	Registry     *registry.Registry
	Transport    transport.Transport
	Merger       Merger
	Log          RecordLog
	Capabilities Capabilities
	Relay        RelayPolicy
	Consensus    ConsensusStore
	// ConsensusTimestamp is the last persisted consensus timestamp.
	ConsensusTimestamp int64
	Sink               observe.Sink
	Logger             *slog.Logger
	Now                func() time.Time
}

// Coordinator runs the sync protocols for one instance.
type Coordinator struct {
	cfg     Config
	deps    Deps
	self    identity.InstanceID
	logger  *slog.Logger
	limiter *ratelimit.Set
	relay   RelayPolicy
	now     func() time.Time

	mu         sync.Mutex
	batch      []record.Record
	watermarks map[identity.InstanceID]int64
	consensus  int64

	life       context.Context
	lifeCancel context.CancelFunc
	loopMu     sync.Mutex
	running    bool
	closed     bool
	cancel     context.CancelFunc
	loopWG     sync.WaitGroup
	relayWG    sync.WaitGroup
}

// New validates cfg, builds a Coordinator and installs its handler on the
// transport.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil || deps.Registry == nil || deps.Transport == nil ||
		deps.Merger == nil || deps.Log == nil || deps.Capabilities == nil {
		return nil, errors.New("sync: clock, registry, transport, merger, log and capabilities are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	relay := deps.Relay
	if relay == nil {
		if cfg.RelayHops > 0 {
			relay = NewHopLimitedRelay(cfg.RelayHops, 10*time.Minute)
		} else {
			relay = NoRelay{}
		}
	}
	life, lifeCancel := context.WithCancel(context.Background())
	c := &Coordinator{
		life:       life,
		lifeCancel: lifeCancel,
		cfg:        cfg,
		deps:       deps,
		self:       deps.Self.ID,
		logger:     logger.With("component", "syncer"),
		limiter:    ratelimit.New(cfg.InboundRate, cfg.InboundPeriod),
		relay:      relay,
		now:        now,
		watermarks: make(map[identity.InstanceID]int64),
		consensus:  deps.ConsensusTimestamp,
	}
	deps.Transport.Handle(c.handle)
	return c, nil
}

// ConsensusTimestamp returns the last agreed check-in timestamp in unix
// milliseconds.
func (c *Coordinator) ConsensusTimestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consensus
}

// Pending returns the number of records waiting for the next lumped round.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batch)
}

func (c *Coordinator) enqueue(recs ...record.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batch = append(c.batch, recs...)
	// Oldest records beyond the limit are dropped; anti-entropy pulls still
	// find them through the record log.
	if over := len(c.batch) - c.cfg.BatchLimit; over > 0 {
		c.batch = append([]record.Record(nil), c.batch[over:]...)
	}
}

func (c *Coordinator) drain() []record.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.batch
	c.batch = nil
	return out
}

func (c *Coordinator) watermark(id identity.InstanceID) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermarks[id]
}

func (c *Coordinator) advanceWatermark(id identity.InstanceID, seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.watermarks[id] {
		c.watermarks[id] = seq
	}
}

func peerOf(d registry.PeerDescriptor) transport.Peer {
	return transport.Peer{ID: d.ID, Endpoint: d.Endpoint}
}

func shareable(rec record.Record) bool {
	return rec.Partition != record.PartitionPrivate
}
