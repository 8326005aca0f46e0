package syncer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ssd-technologies/confluence/internal/identity"
	"github.com/ssd-technologies/confluence/internal/merge"
	"github.com/ssd-technologies/confluence/internal/record"
	"github.com/ssd-technologies/confluence/internal/registry"
	"github.com/ssd-technologies/confluence/internal/snapshot"
	"github.com/ssd-technologies/confluence/internal/transport"
)

var errUnknownPeer = errors.New("unknown peer")

// handle serves inbound requests. The transport has already authenticated
// the sender.
func (c *Coordinator) handle(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	from := msg.Sender.Instance
	if err := c.admit(msg.Sender); err != nil {
		return nil, err
	}

	switch msg.Type {
	case transport.MsgPing:
		return msg.Reply(transport.MsgPong, pongPayload{Instance: c.self, Time: c.deps.Clock.Now()})
	case transport.MsgPush:
		var p pushPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		return msg.Reply(transport.MsgPushAck, c.handlePush(ctx, from, p))
	case transport.MsgSummaryReq:
		var req summaryRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		ids, seq, err := c.deps.Log.RecordsSince(ctx, req.After, c.cfg.PullLimit)
		if err != nil {
			return nil, fmt.Errorf("summary: %w", err)
		}
		return msg.Reply(transport.MsgSummary, summaryPayload{IDs: ids, Seq: seq})
	case transport.MsgPull:
		var req pullRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		if len(req.IDs) > c.cfg.PullLimit {
			req.IDs = req.IDs[:c.cfg.PullLimit]
		}
		recs, err := c.deps.Log.GetRecords(ctx, req.IDs)
		if err != nil {
			return nil, fmt.Errorf("pull: %w", err)
		}
		out := recs[:0]
		for _, r := range recs {
			if shareable(r) {
				out = append(out, r)
			}
		}
		return msg.Reply(transport.MsgRecords, recordsPayload{Records: out})
	case transport.MsgSnapshotReq:
		enc, err := c.buildSnapshot(ctx)
		if err != nil {
			return nil, err
		}
		return msg.Reply(transport.MsgSnapshot, snapshotPayload{Snapshot: enc})
	default:
		return nil, fmt.Errorf("unsupported message type %q", msg.Type)
	}
}

// admit registers a first-time sender when unknown peers are allowed and
// notes contact from a known one.
func (c *Coordinator) admit(sender transport.SenderInfo) error {
	if _, ok := c.deps.Registry.Get(sender.Instance); ok {
		c.deps.Registry.Touch(sender.Instance)
		return nil
	}
	if !c.cfg.AllowUnknownPeers {
		return fmt.Errorf("%w: %s", errUnknownPeer, sender.Instance)
	}
	pub, _ := hex.DecodeString(sender.PublicKey)
	c.deps.Registry.Register(registry.PeerDescriptor{
		ID:        sender.Instance,
		Endpoint:  sender.Endpoint,
		PublicKey: pub,
	})
	c.logger.Info("registered new peer", "peer", sender.Instance, "endpoint", sender.Endpoint)
	return nil
}

// handlePush ingests pushed records within the sender's rate budget.
// Records beyond the budget are rejected and count against the sender.
func (c *Coordinator) handlePush(ctx context.Context, from identity.InstanceID, p pushPayload) pushAck {
	var ack pushAck
	granted := c.limiter.AllowN(string(from), len(p.Records))
	if granted < len(p.Records) {
		for _, rec := range p.Records[granted:] {
			c.reject(ctx, from, rec, reasonRateLimited)
		}
		ack.Rejected += len(p.Records) - granted
		if err := c.deps.Registry.RecordFailure(from); err != nil {
			c.logger.Debug("record rate-limit failure", "peer", from, "error", err)
		}
	}

	var relay []record.Record
	for _, rec := range p.Records[:granted] {
		// A first-hop push carries only the sender's own records.
		if p.Hops == 0 && rec.Source != from {
			c.reject(ctx, from, rec, reasonSourceMismatch)
			ack.Rejected++
			continue
		}
		out, err := c.ingestRemote(ctx, from, rec, true)
		if err != nil {
			c.logger.Warn("ingest pushed record failed", "peer", from, "record_id", rec.ID, "error", err)
			ack.Rejected++
			continue
		}
		switch out.Action {
		case merge.ActionRejected:
			ack.Rejected++
		case merge.ActionDuplicate:
			ack.Duplicates++
		default:
			ack.Accepted++
			if c.relay.Relay(rec.ID, p.Hops) {
				relay = append(relay, rec)
			}
		}
	}

	if len(relay) > 0 {
		c.relayOn(relay, p.Hops+1, from)
	}
	return ack
}

// relayOn pushes recs onward in the background, skipping the peer they came
// from and their origin. Close waits for relays in flight.
func (c *Coordinator) relayOn(recs []record.Record, hops int, from identity.InstanceID) {
	c.loopMu.Lock()
	if c.closed {
		c.loopMu.Unlock()
		return
	}
	c.relayWG.Add(1)
	c.loopMu.Unlock()

	exclude := []identity.InstanceID{c.self, from}
	for _, r := range recs {
		exclude = append(exclude, r.Source)
	}
	go func() {
		defer c.relayWG.Done()
		c.stream(c.life, recs, hops, exclude...)
	}()
}

func (c *Coordinator) buildSnapshot(ctx context.Context) (*snapshot.Encoded, error) {
	entities, err := c.deps.Merger.Query(ctx, merge.EntityQuery{Limit: c.cfg.SnapshotLimit})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	st := State{
		Instance:  c.self,
		Timestamp: c.now().UnixMilli(),
		Clock:     c.deps.Clock.Now(),
		Records:   make([]record.Record, 0, len(entities)),
	}
	for _, e := range entities {
		if e.Partition == record.PartitionPrivate {
			continue
		}
		st.Records = append(st.Records, e.AsRecord(c.self))
	}
	return snapshot.Marshal(st, c.cfg.SnapshotDataShards, c.cfg.SnapshotParityShards)
}
