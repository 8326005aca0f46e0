package syncer

import (
	"context"
	"fmt"
	"sync"

	"github.com/ssd-technologies/confluence/internal/aggregate"
	"github.com/ssd-technologies/confluence/internal/identity"
	"github.com/ssd-technologies/confluence/internal/merge"
	"github.com/ssd-technologies/confluence/internal/observe"
	"github.com/ssd-technologies/confluence/internal/record"
	"github.com/ssd-technologies/confluence/internal/snapshot"
	"github.com/ssd-technologies/confluence/internal/transport"
)

// CheckInResult reports a check-in round that reached quorum.
type CheckInResult struct {
	Acks               int                  `json:"acks"`
	ConsensusTimestamp int64                `json:"consensus_timestamp"`
	Outcomes           map[merge.Action]int `json:"outcomes"`
	Robust             int                  `json:"robust"`
	Peers              []PeerResult         `json:"peers"`
}

// CheckIn requests a snapshot from every known peer, waiting at most
// RoundTimeout. With fewer than Quorum snapshots it returns a *QuorumError
// and changes nothing. Otherwise every snapshot is merged, the clock
// observes every peer's clock, and the consensus timestamp advances to the
// median of the reported timestamps if that is later than the current one.
func (c *Coordinator) CheckIn(ctx context.Context) (CheckInResult, error) {
	started := c.now()
	roundCtx, cancel := context.WithTimeout(ctx, c.cfg.RoundTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		states []State
	)
	peers := c.deps.Registry.Peers()
	results := c.fanOut(roundCtx, "checkin", peers, func(ctx context.Context, p transport.Peer) PeerResult {
		st, err := c.fetchState(ctx, p)
		if err != nil {
			return PeerResult{Err: err}
		}
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
		return PeerResult{Pulled: len(st.Records)}
	})

	res := CheckInResult{Acks: len(states), Peers: results, Outcomes: make(map[merge.Action]int)}
	if len(states) < c.cfg.Quorum {
		qerr := &QuorumError{Acks: len(states), Required: c.cfg.Quorum, Failures: make(map[identity.InstanceID]error)}
		for _, r := range results {
			if r.Err != nil {
				qerr.Failures[r.Peer] = r.Err
			}
		}
		observe.Emit(ctx, c.deps.Sink, observe.Event{
			Type:   observe.QuorumNotReached,
			Level:  observe.LevelWarn,
			Source: "syncer",
			Fields: map[string]any{"acks": len(states), "quorum": c.cfg.Quorum, "peers": len(peers)},
		})
		res.ConsensusTimestamp = c.ConsensusTimestamp()
		return res, qerr
	}

	res.Robust = c.robustConfidence(ctx, states)

	timestamps := make([]int64, 0, len(states))
	for _, st := range states {
		timestamps = append(timestamps, st.Timestamp)
		c.deps.Clock.Observe(st.Clock)
	}
	for _, st := range states {
		for _, rec := range st.Records {
			out, err := c.ingestRemote(ctx, st.Instance, rec, false)
			if err != nil {
				if ctx.Err() != nil {
					return res, fmt.Errorf("check-in merge: %w", ctx.Err())
				}
				c.logger.Warn("ingest snapshot record failed", "peer", st.Instance, "record_id", rec.ID, "error", err)
				continue
			}
			res.Outcomes[out.Action]++
		}
	}

	median, err := aggregate.MedianInt64(timestamps)
	if err != nil {
		return res, err
	}
	res.ConsensusTimestamp = c.advanceConsensus(ctx, median)

	c.roundComplete(ctx, "checkin", started, results, map[string]any{
		"acks":                len(states),
		"quorum":              c.cfg.Quorum,
		"robust":              res.Robust,
		"consensus_timestamp": res.ConsensusTimestamp,
	})
	return res, nil
}

func (c *Coordinator) fetchState(ctx context.Context, p transport.Peer) (State, error) {
	var sp snapshotPayload
	if err := c.call(ctx, p, transport.MsgSnapshotReq, struct{}{}, &sp); err != nil {
		return State{}, fmt.Errorf("snapshot: %w", err)
	}
	var st State
	if err := snapshot.Unmarshal(sp.Snapshot, &st); err != nil {
		return State{}, fmt.Errorf("snapshot from %s: %w", p.ID, err)
	}
	if st.Instance != p.ID {
		return State{}, fmt.Errorf("snapshot from %s claims instance %s", p.ID, st.Instance)
	}
	if err := c.deps.Clock.Admit(st.Clock, c.cfg.MaxClockAhead); err != nil {
		return State{}, fmt.Errorf("snapshot from %s: %w", p.ID, err)
	}
	// The responder vouches for its snapshot; nothing it reports about other
	// instances is kept.
	for i := range st.Records {
		rec := &st.Records[i]
		rec.Source = p.ID
		rec.SignerKey, rec.Signature, rec.Provenance = nil, nil, nil
	}
	return st, nil
}

// robustConfidence replaces the confidence of content reported by at least
// RobustMinReports distinct peers with the trimmed mean of their reports.
// Content is grouped by the same fingerprint the merger deduplicates with.
// It returns how many distinct contents were aggregated.
func (c *Coordinator) robustConfidence(ctx context.Context, states []State) int {
	type ref struct{ state, rec int }
	groups := make(map[string][]ref)
	reporters := make(map[string]map[identity.InstanceID]struct{})
	for si, st := range states {
		for ri, rec := range st.Records {
			hash, err := c.deps.Capabilities.Hash(ctx, record.FingerprintInput(rec.Kind, rec.Content))
			if err != nil {
				c.logger.Warn("fingerprint reported record failed", "peer", st.Instance, "record_id", rec.ID, "error", err)
				continue
			}
			key := hash + "/" + string(rec.Partition)
			groups[key] = append(groups[key], ref{si, ri})
			if reporters[key] == nil {
				reporters[key] = make(map[identity.InstanceID]struct{})
			}
			reporters[key][st.Instance] = struct{}{}
		}
	}

	n := 0
	for key, refs := range groups {
		if len(reporters[key]) < c.cfg.RobustMinReports {
			continue
		}
		values := make([]float64, len(refs))
		for i, r := range refs {
			values[i] = states[r.state].Records[r.rec].Confidence
		}
		conf, err := c.deps.Capabilities.Aggregate(ctx, values, c.cfg.TrimFraction)
		if err != nil {
			c.logger.Warn("aggregate reported confidence failed", "reports", len(values), "error", err)
			continue
		}
		for _, r := range refs {
			states[r.state].Records[r.rec].Confidence = conf
		}
		n++
	}
	return n
}

func (c *Coordinator) advanceConsensus(ctx context.Context, median int64) int64 {
	c.mu.Lock()
	advanced := median > c.consensus
	if advanced {
		c.consensus = median
	}
	ts := c.consensus
	c.mu.Unlock()

	if advanced && c.deps.Consensus != nil {
		if err := c.deps.Consensus.SaveConsensusTimestamp(ctx, ts); err != nil {
			c.logger.Warn("persist consensus timestamp failed", "error", err)
		}
	}
	return ts
}
