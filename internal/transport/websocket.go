package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/confluence/internal/identity"
)

const (
	defaultReadLimit    = 16 << 20
	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// peerConn wraps a websocket connection with a write mutex. gorilla/websocket
// connections do not support concurrent writers.
type peerConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (pc *peerConn) write(msg *Message) error {
	pc.wmu.Lock()
	defer pc.wmu.Unlock()
	_ = pc.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return pc.conn.WriteJSON(msg)
}

// WebSocketOptions configures a WebSocket transport.
type WebSocketOptions struct {
	// Endpoint is the URL peers use to reach this instance, e.g.
	// ws://10.0.0.5:7400/ws. Listen fills it in when empty.
	Endpoint    string
	Keys        KeyLookup
	ReadLimit   int64
	DialTimeout time.Duration
	// MaxSkew bounds message timestamps against the local clock and how
	// long request IDs are remembered. Zero means DefaultMaxSkew; negative
	// disables the check.
	MaxSkew     time.Duration
	Logger      *slog.Logger
}

// WebSocket is a Transport over persistent websocket connections. A
// connection opened by either side carries requests in both directions.
type WebSocket struct {
	kp     identity.Keypair
	opts   WebSocketOptions
	logger *slog.Logger
	dialer *websocket.Dialer
	guard  *replayGuard

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	endpoint string
	conns    map[identity.InstanceID]*peerConn
	pending  map[string]pendingReply
	handler  Handler
	closed   bool
	listener net.Listener
	server   *http.Server
}

// pendingReply is a request awaiting its reply from peer.
type pendingReply struct {
	peer identity.InstanceID
	ch   chan *Message
}

// upgrader allows any origin: peers are not browsers.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewWebSocket creates a transport signing with kp.
func NewWebSocket(kp identity.Keypair, opts WebSocketOptions) *WebSocket {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.MaxSkew == 0 {
		opts.MaxSkew = DefaultMaxSkew
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		kp:       kp,
		opts:     opts,
		logger:   logger.With("component", "transport"),
		dialer:   &websocket.Dialer{HandshakeTimeout: opts.DialTimeout},
		guard:    newReplayGuard(opts.MaxSkew),
		ctx:      ctx,
		cancel:   cancel,
		endpoint: opts.Endpoint,
		conns:    make(map[identity.InstanceID]*peerConn),
		pending:  make(map[string]pendingReply),
	}
}

// Listen serves the transport on addr at /ws. It is a convenience for
// running the transport without a surrounding HTTP server.
func (t *WebSocket) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", t)

	t.mu.Lock()
	t.listener = ln
	t.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	if t.endpoint == "" {
		t.endpoint = "ws://" + ln.Addr().String() + "/ws"
	}
	srv := t.server
	t.mu.Unlock()

	go srv.Serve(ln) //nolint:errcheck
	return nil
}

// Endpoint returns the advertised endpoint.
func (t *WebSocket) Endpoint() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.endpoint
}

// SetEndpoint changes the endpoint advertised in outgoing messages.
func (t *WebSocket) SetEndpoint(endpoint string) {
	t.mu.Lock()
	t.endpoint = endpoint
	t.mu.Unlock()
}

// ServeHTTP upgrades an inbound connection and starts reading from it. The
// remote instance is learned from its first message.
func (t *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(t.opts.ReadLimit)
	go t.readLoop(&peerConn{conn: conn}, "")
}

// Handle installs the inbound request handler.
func (t *WebSocket) Handle(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *WebSocket) connFor(ctx context.Context, peer Peer) (*peerConn, error) {
	t.mu.RLock()
	pc, ok := t.conns[peer.ID]
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return pc, nil
	}
	if peer.Endpoint == "" {
		return nil, fmt.Errorf("%w: %s has no endpoint", ErrPeerUnavailable, peer.ID)
	}

	conn, _, err := t.dialer.DialContext(ctx, peer.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrPeerUnavailable, peer.Endpoint, err)
	}
	conn.SetReadLimit(t.opts.ReadLimit)
	pc = &peerConn{conn: conn}

	t.mu.Lock()
	t.conns[peer.ID] = pc
	t.mu.Unlock()

	go t.readLoop(pc, peer.ID)
	return pc, nil
}

func (t *WebSocket) dropConn(id identity.InstanceID, pc *peerConn) {
	t.mu.Lock()
	if existing, ok := t.conns[id]; ok && existing == pc {
		delete(t.conns, id)
	}
	t.mu.Unlock()
	pc.conn.Close()
}

// Request implements Transport.
func (t *WebSocket) Request(ctx context.Context, peer Peer, msg *Message) (*Message, error) {
	pc, err := t.connFor(ctx, peer)
	if err != nil {
		return nil, err
	}

	msg.Sign(t.kp, t.Endpoint())
	ch := make(chan *Message, 1)
	t.mu.Lock()
	t.pending[msg.ID] = pendingReply{peer: peer.ID, ch: ch}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, msg.ID)
		t.mu.Unlock()
	}()

	if err := pc.write(msg); err != nil {
		t.dropConn(peer.ID, pc)
		return nil, fmt.Errorf("%w: write to %s: %v", ErrPeerUnavailable, peer.ID, err)
	}

	select {
	case reply := <-ch:
		if err := asRemoteError(peer.ID, reply); err != nil {
			return nil, err
		}
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s to %s: %w", msg.Type, peer.ID, ctx.Err())
	case <-t.ctx.Done():
		return nil, ErrClosed
	}
}

// readLoop reads messages until the connection fails. For inbound
// connections peerID starts empty and is set from the first authenticated
// message.
func (t *WebSocket) readLoop(pc *peerConn, peerID identity.InstanceID) {
	defer func() {
		if peerID != "" {
			t.dropConn(peerID, pc)
		} else {
			pc.conn.Close()
		}
	}()

	for {
		var msg Message
		if err := pc.conn.ReadJSON(&msg); err != nil {
			return
		}
		if err := authenticate(&msg, t.opts.Keys); err != nil {
			t.logger.Warn("dropping unauthenticated message", "sender", msg.Sender.Instance, "type", msg.Type, "error", err)
			if msg.ReplyTo == "" {
				_ = pc.write(errorReply(&msg, err))
			}
			continue
		}
		if err := t.guard.check(&msg, time.Now()); err != nil {
			t.logger.Warn("dropping message", "sender", msg.Sender.Instance, "type", msg.Type, "error", err)
			if msg.ReplyTo == "" {
				_ = pc.write(errorReply(&msg, err))
			}
			continue
		}

		if peerID == "" {
			peerID = msg.Sender.Instance
			t.mu.Lock()
			if _, ok := t.conns[peerID]; !ok {
				t.conns[peerID] = pc
			}
			t.mu.Unlock()
		}

		if msg.ReplyTo != "" {
			t.mu.RLock()
			p, ok := t.pending[msg.ReplyTo]
			t.mu.RUnlock()
			if !ok {
				continue
			}
			if p.peer != msg.Sender.Instance {
				t.logger.Warn("dropping reply from unexpected sender", "sender", msg.Sender.Instance, "expected", p.peer, "reply_to", msg.ReplyTo)
				continue
			}
			select {
			case p.ch <- &msg:
			default:
			}
			continue
		}

		go t.serve(pc, &msg)
	}
}

func (t *WebSocket) serve(pc *peerConn, req *Message) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()

	var reply *Message
	if h == nil {
		reply = errorReply(req, fmt.Errorf("no handler installed"))
	} else {
		resp, err := h(t.ctx, req)
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
	if err := pc.write(reply); err != nil {
		t.logger.Debug("write reply failed", "to", req.Sender.Instance, "error", err)
	}
}

// ConnectedPeers returns the instances with an open connection.
func (t *WebSocket) ConnectedPeers() []identity.InstanceID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]identity.InstanceID, 0, len(t.conns))
	for id := range t.conns {
		out = append(out, id)
	}
	return out
}

// Close stops the listener and closes every connection. Pending requests
// return ErrClosed.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	srv := t.server
	conns := t.conns
	t.conns = make(map[identity.InstanceID]*peerConn)
	t.mu.Unlock()

	t.cancel()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	for _, pc := range conns {
		pc.conn.Close()
	}
	return nil
}
