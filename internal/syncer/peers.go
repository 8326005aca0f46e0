package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ssd-technologies/confluence/internal/identity"
	"github.com/ssd-technologies/confluence/internal/observe"
	"github.com/ssd-technologies/confluence/internal/registry"
	"github.com/ssd-technologies/confluence/internal/transport"
)

// PeerResult is the outcome of one protocol step against one peer.
type PeerResult struct {
	Peer       identity.InstanceID `json:"peer"`
	Pushed     int                 `json:"pushed,omitempty"`
	Pulled     int                 `json:"pulled,omitempty"`
	Duplicates int                 `json:"duplicates,omitempty"`
	Rejected   int                 `json:"rejected,omitempty"`
	Err        error               `json:"-"`
}

// call sends one request with a per-attempt timeout. A transient failure is
// retried once; a second failure or an error reply is returned.
func (c *Coordinator) call(ctx context.Context, peer transport.Peer, typ string, payload, reply any) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 && ctx.Err() != nil {
			break
		}
		err = c.callOnce(ctx, peer, typ, payload, reply)
		if err == nil || !transport.IsTransient(err) {
			return err
		}
		c.logger.Debug("transient peer failure", "peer", peer.ID, "type", typ, "attempt", attempt+1, "error", err)
	}
	return err
}

func (c *Coordinator) callOnce(ctx context.Context, peer transport.Peer, typ string, payload, reply any) error {
	msg, err := transport.NewMessage(typ, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PeerTimeout)
	defer cancel()
	resp, err := c.deps.Transport.Request(ctx, peer, msg)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return resp.Decode(reply)
}

// settle records the outcome of an interaction in the registry and reports
// failures to the sink.
func (c *Coordinator) settle(ctx context.Context, protocol string, res PeerResult) {
	if res.Err == nil {
		if err := c.deps.Registry.RecordSuccess(res.Peer); err != nil {
			c.logger.Debug("record peer success", "peer", res.Peer, "error", err)
		}
		return
	}
	if err := c.deps.Registry.RecordFailure(res.Peer); err != nil {
		c.logger.Debug("record peer failure", "peer", res.Peer, "error", err)
	}
	level := observe.LevelWarn
	if errors.Is(res.Err, context.Canceled) {
		level = observe.LevelDebug
	}
	observe.Emit(ctx, c.deps.Sink, observe.Event{
		Type:   observe.SyncPeerFailed,
		Level:  level,
		Source: "syncer",
		Fields: map[string]any{
			"protocol": protocol,
			"peer":     string(res.Peer),
			"error":    res.Err.Error(),
		},
	})
}

// fanOut runs fn against every peer concurrently and waits for all of them.
// Results are in peer order.
func (c *Coordinator) fanOut(ctx context.Context, protocol string, peers []registry.PeerDescriptor, fn func(context.Context, transport.Peer) PeerResult) []PeerResult {
	results := make([]PeerResult, len(peers))
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func(i int, p registry.PeerDescriptor) {
			defer wg.Done()
			res := fn(ctx, peerOf(p))
			res.Peer = p.ID
			results[i] = res
			c.settle(ctx, protocol, res)
		}(i, p)
	}
	wg.Wait()
	return results
}

func (c *Coordinator) roundComplete(ctx context.Context, protocol string, started time.Time, results []PeerResult, fields map[string]any) {
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["protocol"] = protocol
	fields["peers"] = len(results)
	fields["failed"] = failed
	fields["duration_ms"] = c.now().Sub(started).Milliseconds()
	observe.Emit(ctx, c.deps.Sink, observe.Event{
		Type:   observe.SyncRoundComplete,
		Level:  observe.LevelInfo,
		Source: "syncer",
		Fields: fields,
	})
}
