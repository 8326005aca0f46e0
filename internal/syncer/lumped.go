package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ssd-technologies/confluence/internal/identity"
	"github.com/ssd-technologies/confluence/internal/merge"
	"github.com/ssd-technologies/confluence/internal/observe"
	"github.com/ssd-technologies/confluence/internal/record"
	"github.com/ssd-technologies/confluence/internal/transport"
)

// LumpedResult reports one lumped round.
type LumpedResult struct {
	Batch  int          `json:"batch"`
	Pulled int          `json:"pulled"`
	Peers  []PeerResult `json:"peers"`
}

// RunLumped pushes the accumulated batch to up to Fanout peers and, from
// each of them, pulls the records their summary lists but the local log
// lacks. If no peer accepted the batch it is kept for the next round.
func (c *Coordinator) RunLumped(ctx context.Context) (LumpedResult, error) {
	started := c.now()
	c.pruneLimiter()
	batch := c.drain()
	res := LumpedResult{Batch: len(batch)}

	peers := c.deps.Registry.Select(c.cfg.Fanout, c.self)
	if len(peers) == 0 {
		c.enqueue(batch...)
		return res, nil
	}

	var delivered atomic.Int32
	res.Peers = c.fanOut(ctx, "lumped", peers, func(ctx context.Context, p transport.Peer) PeerResult {
		var pr PeerResult
		if len(batch) > 0 {
			pr = c.push(ctx, p, batch, 0)
			if pr.Err != nil {
				return pr
			}
			delivered.Add(1)
		}
		pulled, rejected, err := c.antiEntropy(ctx, p)
		pr.Pulled = pulled
		pr.Rejected += rejected
		pr.Err = err
		return pr
	})

	if len(batch) > 0 && delivered.Load() == 0 {
		c.enqueue(batch...)
	}
	for _, pr := range res.Peers {
		res.Pulled += pr.Pulled
	}
	c.roundComplete(ctx, "lumped", started, res.Peers, map[string]any{
		"batch":     len(batch),
		"delivered": int(delivered.Load()),
		"pulled":    res.Pulled,
	})
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// pruneLimiter forgets peers whose inbound rate window has expired.
func (c *Coordinator) pruneLimiter() {
	before := c.limiter.Len()
	if after := c.limiter.Prune(); after < before {
		c.logger.Debug("pruned inbound rate windows", "dropped", before-after, "remaining", after)
	}
}

// antiEntropy diffs a peer's record summary against the local log and pulls
// what is missing. The peer's watermark only advances when every pulled
// record was processed.
func (c *Coordinator) antiEntropy(ctx context.Context, p transport.Peer) (pulled, rejected int, err error) {
	var sum summaryPayload
	if err := c.call(ctx, p, transport.MsgSummaryReq, summaryRequest{After: c.watermark(p.ID)}, &sum); err != nil {
		return 0, 0, fmt.Errorf("summary: %w", err)
	}
	if len(sum.IDs) == 0 {
		c.advanceWatermark(p.ID, sum.Seq)
		return 0, 0, nil
	}

	have, err := c.deps.Log.HasRecords(ctx, sum.IDs)
	if err != nil {
		return 0, 0, fmt.Errorf("diff summary: %w", err)
	}
	want := make(map[string]bool)
	missing := make([]string, 0, len(sum.IDs))
	for _, id := range sum.IDs {
		if !have[id] && !want[id] {
			want[id] = true
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		c.advanceWatermark(p.ID, sum.Seq)
		return 0, 0, nil
	}

	var got recordsPayload
	if err := c.call(ctx, p, transport.MsgPull, pullRequest{IDs: missing}, &got); err != nil {
		return 0, 0, fmt.Errorf("pull: %w", err)
	}
	complete := true
	for _, rec := range got.Records {
		if !want[rec.ID] {
			continue
		}
		out, err := c.ingestRemote(ctx, p.ID, rec, true)
		if err != nil {
			complete = false
			c.logger.Warn("ingest pulled record failed", "peer", p.ID, "record_id", rec.ID, "error", err)
			continue
		}
		if out.Action == merge.ActionRejected {
			rejected++
		}
		pulled++
	}
	if complete {
		c.advanceWatermark(p.ID, sum.Seq)
	}
	return pulled, rejected, nil
}

// Rejection reasons reported by the coordinator before a record reaches the
// merger.
const (
	reasonPrivate          = "private_partition"
	reasonUnsigned         = "unsigned"
	reasonBadSignature     = "bad_signature"
	reasonSignerMismatch   = "signer_mismatch"
	reasonSourceMismatch   = "source_mismatch"
	reasonClockImplausible = "clock_implausible"
	reasonRateLimited      = "rate_limited"
)

// ingestRemote routes a record received from a peer through the merger.
// Forwarded records, pushed or pulled, must carry their origin's signature
// and are logged for other peers' anti-entropy. Check-in records are
// attested by the responder they were rebound to and are not logged. The
// clock observes every accepted record.
func (c *Coordinator) ingestRemote(ctx context.Context, from identity.InstanceID, rec record.Record, forwarded bool) (merge.Outcome, error) {
	reason := ""
	switch {
	case !shareable(rec):
		reason = reasonPrivate
	case forwarded:
		reason = c.checkOrigin(rec)
	}
	if reason == "" {
		if err := c.deps.Clock.Admit(rec.Time, c.cfg.MaxClockAhead); err != nil {
			c.logger.Debug("implausible record clock", "peer", from, "record_id", rec.ID, "error", err)
			reason = reasonClockImplausible
		}
	}
	if reason != "" {
		c.reject(ctx, from, rec, reason)
		return merge.Outcome{Action: merge.ActionRejected, Reason: reason}, nil
	}

	out, err := c.deps.Merger.Ingest(ctx, rec)
	if err != nil {
		return out, err
	}
	if out.Action == merge.ActionRejected {
		return out, nil
	}
	c.deps.Clock.Observe(rec.Time)
	if forwarded {
		rec.ContentHash = out.ContentHash
		if _, err := c.deps.Log.AppendRecord(ctx, rec); err != nil {
			return out, fmt.Errorf("log record %s: %w", rec.ID, err)
		}
	}
	return out, nil
}

// checkOrigin returns the rejection reason for a forwarded record that its
// source did not sign, or "" when it did. A registered key for the source
// must be the signing key.
func (c *Coordinator) checkOrigin(rec record.Record) string {
	if err := rec.VerifyOrigin(); err != nil {
		if errors.Is(err, record.ErrUnsigned) {
			return reasonUnsigned
		}
		return reasonBadSignature
	}
	if d, ok := c.deps.Registry.Get(rec.Source); ok && len(d.PublicKey) > 0 && !bytes.Equal(d.PublicKey, rec.SignerKey) {
		return reasonSignerMismatch
	}
	return ""
}

func (c *Coordinator) reject(ctx context.Context, from identity.InstanceID, rec record.Record, reason string) {
	observe.Emit(ctx, c.deps.Sink, observe.Event{
		Type:   observe.MergeRejected,
		Level:  observe.LevelWarn,
		Source: "syncer",
		Fields: map[string]any{
			"record_id": rec.ID,
			"source":    string(rec.Source),
			"peer":      string(from),
			"reason":    reason,
		},
	})
}
