package syncer

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ssd-technologies/confluence/internal/identity"
	"github.com/ssd-technologies/confluence/internal/merge"
	"github.com/ssd-technologies/confluence/internal/record"
	"github.com/ssd-technologies/confluence/internal/transport"
)

// ErrForeignSigner is returned by Publish when the signing capability
// answered with a key other than this instance's.
var ErrForeignSigner = errors.New("sync: record signed by a foreign key")

// PublishResult reports a locally created record: how the merger handled it
// and what each streamed push did.
type PublishResult struct {
	Record  record.Record
	Outcome merge.Outcome
	Peers   []PeerResult
}

// Publish stamps, signs and ingests a locally created record, logs it for
// anti-entropy, queues it for the next lumped round and, when streaming is
// enabled, pushes it to up to Fanout peers. Peer failures are reported in
// the result, not as an error.
func (c *Coordinator) Publish(ctx context.Context, rec record.Record) (PublishResult, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.Source = c.self
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = c.now()
	}
	rec.Time = c.deps.Clock.Tick()

	sig, err := c.deps.Capabilities.Sign(ctx, rec.SigningBytes())
	if err != nil {
		return PublishResult{Record: rec}, fmt.Errorf("sign record %s: %w", rec.ID, err)
	}
	if len(sig.PublicKey) != ed25519.PublicKeySize || identity.FromPublicKey(sig.PublicKey) != c.self {
		return PublishResult{Record: rec}, fmt.Errorf("sign record %s: %w", rec.ID, ErrForeignSigner)
	}
	rec.SignerKey, rec.Signature = sig.PublicKey, sig.Value

	out, err := c.deps.Merger.Ingest(ctx, rec)
	if err != nil {
		return PublishResult{Record: rec}, fmt.Errorf("ingest record %s: %w", rec.ID, err)
	}
	res := PublishResult{Record: rec, Outcome: out}
	if out.Action == merge.ActionRejected {
		return res, nil
	}
	rec.ContentHash = out.ContentHash
	res.Record = rec
	if _, err := c.deps.Log.AppendRecord(ctx, rec); err != nil {
		return res, fmt.Errorf("log record %s: %w", rec.ID, err)
	}
	if !shareable(rec) {
		return res, nil
	}

	c.enqueue(rec)
	if c.cfg.Streaming {
		res.Peers = c.stream(ctx, []record.Record{rec}, 0, c.self)
	}
	return res, nil
}

// stream pushes recs to up to Fanout peers, skipping exclude.
func (c *Coordinator) stream(ctx context.Context, recs []record.Record, hops int, exclude ...identity.InstanceID) []PeerResult {
	started := c.now()
	peers := c.deps.Registry.Select(c.cfg.Fanout, exclude...)
	if len(peers) == 0 {
		return nil
	}
	results := c.fanOut(ctx, "streaming", peers, func(ctx context.Context, p transport.Peer) PeerResult {
		return c.push(ctx, p, recs, hops)
	})
	c.roundComplete(ctx, "streaming", started, results, map[string]any{"records": len(recs), "hops": hops})
	return results
}

func (c *Coordinator) push(ctx context.Context, p transport.Peer, recs []record.Record, hops int) PeerResult {
	var ack pushAck
	if err := c.call(ctx, p, transport.MsgPush, pushPayload{Records: recs, Hops: hops}, &ack); err != nil {
		return PeerResult{Err: fmt.Errorf("push: %w", err)}
	}
	return PeerResult{Pushed: ack.Accepted, Duplicates: ack.Duplicates, Rejected: ack.Rejected}
}
