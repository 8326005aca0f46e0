// Package node builds and owns every component of one instance.
package node

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ssd-technologies/confluence/internal/auth"
	"github.com/ssd-technologies/confluence/internal/capability"
	"github.com/ssd-technologies/confluence/internal/clock"
	"github.com/ssd-technologies/confluence/internal/config"
	"github.com/ssd-technologies/confluence/internal/embedding"
	"github.com/ssd-technologies/confluence/internal/identity"
	"github.com/ssd-technologies/confluence/internal/merge"
	"github.com/ssd-technologies/confluence/internal/observe"
	"github.com/ssd-technologies/confluence/internal/record"
	"github.com/ssd-technologies/confluence/internal/registry"
	"github.com/ssd-technologies/confluence/internal/server"
	"github.com/ssd-technologies/confluence/internal/similarity"
	"github.com/ssd-technologies/confluence/internal/storage"
	"github.com/ssd-technologies/confluence/internal/syncer"
	"github.com/ssd-technologies/confluence/internal/transport"
)

var _ server.Backend = (*Node)(nil)

// Options are collaborators supplied by the caller. All are optional.
type Options struct {
	Logger *slog.Logger
	// Sink receives events in addition to the log.
	Sink observe.Sink
	// Keypair overrides the key file.
	Keypair *identity.Keypair
}

// Node is one running instance.
type Node struct {
	cfg    config.Config
	logger *slog.Logger
	kp     identity.Keypair

	db        *storage.DB
	clock     *clock.Clock
	registry  *registry.Registry
	resolver  *capability.Resolver
	service   *capability.Service
	remote    *capability.RemoteService
	merger    *merge.Merger
	transport *transport.WebSocket
	syncer    *syncer.Coordinator
	handler   http.Handler

	mu       sync.Mutex
	started  bool
	closed   bool
	listener net.Listener
	server   *http.Server
	cancel   context.CancelFunc
	workers  sync.WaitGroup
}

// New opens storage, restores persisted state and wires every component.
// Nothing listens until Start.
func New(ctx context.Context, cfg config.Config, opts Options) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var kp identity.Keypair
	if opts.Keypair != nil {
		kp = *opts.Keypair
	} else {
		var err error
		if kp, err = identity.LoadOrGenerate(cfg.KeyFile); err != nil {
			return nil, fmt.Errorf("load key: %w", err)
		}
	}
	logger = logger.With("instance", string(kp.ID))

	db, err := storage.NewDB(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	n := &Node{cfg: cfg, logger: logger, kp: kp, db: db}
	if err := n.build(ctx, opts); err != nil {
		db.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) build(ctx context.Context, opts Options) error {
	cfg := n.cfg
	sink := observe.Sink(observe.NewMulti(observe.NewSlogSink(n.logger), opts.Sink))

	state, err := n.db.LoadClock(ctx, n.kp.ID)
	if err != nil {
		return err
	}
	n.clock = clock.Restore(n.kp.ID, state)

	n.registry = registry.New(cfg.Registry)
	peers, err := n.db.LoadPeers(ctx)
	if err != nil {
		return err
	}
	for _, p := range peers {
		n.registry.Register(p)
	}
	for _, p := range cfg.Peers {
		pub, err := hex.DecodeString(p.PublicKey)
		if err != nil {
			return fmt.Errorf("peer %s: public key: %w", p.ID, err)
		}
		n.registry.Register(registry.PeerDescriptor{ID: identity.InstanceID(p.ID), Endpoint: p.Endpoint, PublicKey: pub})
	}

	if err := n.buildCapabilities(sink); err != nil {
		return err
	}

	index := similarity.NewIndex(n.indexOptions())
	n.merger, err = merge.New(cfg.Merge, merge.Deps{
		Store:   n.db,
		Index:   index,
		Hasher:  n.resolver,
		Reviews: n.db,
		Sink:    sink,
		Logger:  n.logger,
	})
	if err != nil {
		return err
	}
	if err := n.merger.Rebuild(ctx); err != nil {
		return err
	}

	n.transport = transport.NewWebSocket(n.kp, transport.WebSocketOptions{
		Endpoint: cfg.Advertise,
		Keys:     n.keyOf,
		MaxSkew:  cfg.MessageSkew,
		Logger:   n.logger,
	})
	consensus, err := n.db.LoadConsensusTimestamp(ctx)
	if err != nil {
		return err
	}
	n.syncer, err = syncer.New(cfg.Sync, syncer.Deps{
		Self:               n.kp,
		Clock:              n.clock,
		Registry:           n.registry,
		Transport:          n.transport,
		Merger:             n.merger,
		Log:                n.db,
		Capabilities:       n.resolver,
		Consensus:          n.db,
		ConsensusTimestamp: consensus,
		Sink:               sink,
		Logger:             n.logger,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", n.transport)
	if cfg.Capability.Serve {
		path, h := capability.NewHandler(n.service)
		if cfg.Capability.RequireSigned {
			h = auth.Middleware(n.keyOf, h, n.logger)
		}
		mux.Handle(path, h)
	}
	mux.Handle("/api/", server.New(n, server.Options{}))
	n.handler = mux
	return nil
}

// buildCapabilities registers the library binding, the embedded service and,
// when configured, the shared networked service.
func (n *Node) buildCapabilities(sink observe.Sink) error {
	cc := n.cfg.Capability
	backends := capability.NewBackends()
	if err := backends.Register(capability.SourceLibrary, capability.NewLibrary(n.kp)); err != nil {
		return err
	}
	n.service = capability.NewService(n.kp,
		capability.WithMemoEntries(cc.MemoEntries),
		capability.WithMaxInFlight(cc.MaxInFlight),
	)
	if err := backends.Register(capability.SourceEmbedded, n.service); err != nil {
		return err
	}

	dctx := cc.Deployment
	if cc.RemoteURL != "" {
		client := &http.Client{
			Timeout:   cc.CallTimeout,
			Transport: &auth.Transport{Keypair: n.kp},
		}
		n.remote = capability.NewRemoteService(client, cc.RemoteURL)
		// The shared service signs with its own host key, so records are
		// always signed locally.
		if err := backends.RegisterOps(capability.SourceNetworked, n.remote, capability.OpHash, capability.OpAggregate); err != nil {
			return err
		}
		// Reachability is established by the first probe.
		dctx.SharedServiceReachable = false
	}
	n.resolver = capability.NewResolver(backends, dctx, capability.Options{
		CallTimeout: cc.CallTimeout,
		Log:         n.db,
		Sink:        sink,
		Logger:      n.logger,
	})
	return nil
}

func (n *Node) indexOptions() similarity.Options {
	ec := n.cfg.Embedding
	opts := similarity.Options{EmbedTimeout: ec.Timeout, Logger: n.logger}
	var provider embedding.Provider
	switch ec.Provider {
	case "hashing":
		provider = embedding.NewHashing(ec.Dimensions)
	case "openai":
		provider = embedding.NewOpenAI(embedding.OpenAIConfig{
			APIKey:     ec.APIKey,
			BaseURL:    ec.BaseURL,
			Model:      ec.Model,
			Dimensions: ec.Dimensions,
			Timeout:    ec.Timeout,
		})
	default:
		return opts
	}
	opts.Embedder = provider
	opts.ANN = similarity.NewLSH(similarity.LSHConfig{
		Dimensions: provider.Dimensions(),
		Tables:     ec.LSHTables,
		Bits:       ec.LSHBits,
		Seed:       ec.LSHSeed,
	})
	return opts
}

// keyOf is the transport's view of the registry.
func (n *Node) keyOf(id identity.InstanceID) ([]byte, bool) {
	d, ok := n.registry.Get(id)
	if !ok || len(d.PublicKey) == 0 {
		return nil, false
	}
	return d.PublicKey, true
}

// Start binds the listener, serves the transport, capability service and
// local API, and starts the sync loops.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.New("node: closed")
	}
	if n.started {
		return nil
	}

	ln, err := net.Listen("tcp", n.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.cfg.Listen, err)
	}
	if n.cfg.Advertise == "" {
		n.transport.SetEndpoint("ws://" + ln.Addr().String() + "/ws")
	}
	n.listener = ln
	n.server = &http.Server{Handler: n.handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := n.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("http server stopped", "error", err)
		}
	}()

	wctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.startWorkers(wctx)
	if n.remote != nil {
		n.probeRemote(ctx)
	}
	n.syncer.Start()
	n.started = true
	n.logger.Info("instance started", "listen", ln.Addr().String(), "endpoint", n.Endpoint(), "peers", n.registry.Len())
	return nil
}

// Close stops the loops and the listener, persists peers and the clock and
// closes storage.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	srv, cancel := n.server, n.cancel
	n.mu.Unlock()

	n.syncer.Close()
	if cancel != nil {
		cancel()
	}
	n.workers.Wait()

	var errs []error
	if srv != nil {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, srv.Shutdown(ctx))
		done()
	}
	errs = append(errs, n.transport.Close())
	errs = append(errs, n.persist(context.Background()))
	errs = append(errs, n.db.Close())
	return errors.Join(errs...)
}

// persist saves the registry and the clock.
func (n *Node) persist(ctx context.Context) error {
	var errs []error
	for _, p := range n.registry.Peers() {
		if err := n.db.SavePeer(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	if err := n.db.SaveClock(ctx, n.kp.ID, n.clock.Now()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ID returns the instance id.
func (n *Node) ID() identity.InstanceID { return n.kp.ID }

// PublicKey returns the instance's signing key.
func (n *Node) PublicKey() []byte { return n.kp.Public }

// Endpoint returns the websocket endpoint advertised to peers.
func (n *Node) Endpoint() string { return n.transport.Endpoint() }

// Addr returns the bound listener address, or "" before Start.
func (n *Node) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Handler returns the HTTP handler serving /ws, the capability service and
// /api/.
func (n *Node) Handler() http.Handler { return n.handler }

// AddPeer registers a peer.
func (n *Node) AddPeer(d registry.PeerDescriptor) { n.registry.Register(d) }

func (n *Node) Publish(ctx context.Context, rec record.Record) (syncer.PublishResult, error) {
	return n.syncer.Publish(ctx, rec)
}

func (n *Node) Entities(ctx context.Context, q merge.EntityQuery) ([]*record.Entity, error) {
	return n.merger.Query(ctx, q)
}

func (n *Node) Entity(ctx context.Context, id string) (*record.Entity, error) {
	return n.merger.Get(ctx, id)
}

func (n *Node) Peers() []registry.PeerDescriptor { return n.registry.Peers() }

func (n *Node) Decisions(ctx context.Context, limit int) ([]capability.ResolutionDecision, error) {
	return n.db.ListDecisions(ctx, limit)
}

func (n *Node) Reviews(ctx context.Context, limit int) ([]record.Review, error) {
	return n.db.PendingReviews(ctx, limit)
}

func (n *Node) ResolveReview(ctx context.Context, id string) error {
	return n.db.ResolveReview(ctx, id)
}

func (n *Node) RunLumped(ctx context.Context) (syncer.LumpedResult, error) {
	return n.syncer.RunLumped(ctx)
}

func (n *Node) CheckIn(ctx context.Context) (syncer.CheckInResult, error) {
	return n.syncer.CheckIn(ctx)
}

func (n *Node) ConsensusTimestamp() int64 { return n.syncer.ConsensusTimestamp() }
