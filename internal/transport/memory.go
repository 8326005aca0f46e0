package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ssd-technologies/confluence/internal/identity"
)

// MemNetwork connects MemTransports in-process. Messages are JSON
// round-tripped and signed exactly as on the wire, so handlers see the same
// bytes a websocket peer would send.
type MemNetwork struct {
	mu      sync.RWMutex
	nodes   map[identity.InstanceID]*MemTransport
	down    map[identity.InstanceID]bool
	latency time.Duration
}

// NewMemNetwork returns an empty network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		nodes: make(map[identity.InstanceID]*MemTransport),
		down:  make(map[identity.InstanceID]bool),
	}
}

// Join attaches a transport for kp.
func (n *MemNetwork) Join(kp identity.Keypair) *MemTransport {
	t := &MemTransport{net: n, kp: kp, guard: newReplayGuard(DefaultMaxSkew)}
	n.mu.Lock()
	n.nodes[kp.ID] = t
	n.mu.Unlock()
	return t
}

// SetDown marks an instance unreachable. Requests to it fail with
// ErrPeerUnavailable until it is brought back up.
func (n *MemNetwork) SetDown(id identity.InstanceID, down bool) {
	n.mu.Lock()
	n.down[id] = down
	n.mu.Unlock()
}

// SetLatency delays every delivery by d.
func (n *MemNetwork) SetLatency(d time.Duration) {
	n.mu.Lock()
	n.latency = d
	n.mu.Unlock()
}

func (n *MemNetwork) lookup(id identity.InstanceID) (*MemTransport, time.Duration, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.nodes[id]
	if !ok || n.down[id] {
		return nil, 0, false
	}
	return t, n.latency, true
}

// MemTransport is a Transport on a MemNetwork.
type MemTransport struct {
	net   *MemNetwork
	kp    identity.Keypair
	guard *replayGuard

	mu      sync.RWMutex
	handler Handler
	keys    KeyLookup
	closed  bool
}

// Endpoint returns the pseudo endpoint of the transport.
func (t *MemTransport) Endpoint() string {
	return "mem://" + string(t.kp.ID)
}

// SetKeys installs the key lookup used to authenticate inbound messages.
func (t *MemTransport) SetKeys(keys KeyLookup) {
	t.mu.Lock()
	t.keys = keys
	t.mu.Unlock()
}

// Handle implements Transport.
func (t *MemTransport) Handle(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Request implements Transport.
func (t *MemTransport) Request(ctx context.Context, peer Peer, msg *Message) (*Message, error) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	target, latency, ok := t.net.lookup(peer.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnavailable, peer.ID)
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, fmt.Errorf("request %s to %s: %w", msg.Type, peer.ID, ctx.Err())
		}
	}

	msg.Sign(t.kp, t.Endpoint())
	in, err := roundTrip(msg)
	if err != nil {
		return nil, err
	}

	type result struct {
		reply *Message
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := target.serve(ctx, in)
		done <- result{reply, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if err := asRemoteError(peer.ID, r.reply); err != nil {
			return nil, err
		}
		return r.reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s to %s: %w", msg.Type, peer.ID, ctx.Err())
	}
}

func (t *MemTransport) serve(ctx context.Context, req *Message) (*Message, error) {
	t.mu.RLock()
	h, keys, closed := t.handler, t.keys, t.closed
	t.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnavailable, t.kp.ID)
	}

	var reply *Message
	if err := authenticate(req, keys); err != nil {
		reply = errorReply(req, err)
	} else if err := t.guard.check(req, time.Now()); err != nil {
		reply = errorReply(req, err)
	} else if h == nil {
		reply = errorReply(req, fmt.Errorf("no handler installed"))
	} else {
		resp, err := h(ctx, req)
		switch {
		case err != nil:
			reply = errorReply(req, err)
		case resp == nil:
			reply = errorReply(req, fmt.Errorf("handler returned no reply"))
		default:
			reply = resp
			reply.ReplyTo = req.ID
		}
	}
	reply.Sign(t.kp, t.Endpoint())
	return roundTrip(reply)
}

// Close implements Transport.
func (t *MemTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func roundTrip(msg *Message) (*Message, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	var out Message
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	return &out, nil
}
