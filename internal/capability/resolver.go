package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/confluence/internal/observe"
)

const (
	defaultCallTimeout  = 2 * time.Second
	defaultLatencyAlpha = 0.2
)

// Options tunes a Resolver. Zero values select defaults.
type Options struct {
	// CallTimeout bounds each attempt, so a hung primary still leaves time
	// for the fallback.
	CallTimeout  time.Duration
	LatencyAlpha float64
	Log          DecisionLog
	Sink         observe.Sink
	Logger       *slog.Logger
}

type latencyKey struct {
	op  Operation
	src Source
}

// Resolver routes each operation to one implementation. Backends must be
// fully registered before the Resolver is created.
type Resolver struct {
	backends *Backends
	opts     Options
	logger   *slog.Logger

	mu      sync.RWMutex
	dctx    DeploymentContext
	latency map[latencyKey]time.Duration
}

// NewResolver creates a resolver over backends in deployment context dctx.
func NewResolver(backends *Backends, dctx DeploymentContext, opts Options) *Resolver {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.LatencyAlpha <= 0 || opts.LatencyAlpha > 1 {
		opts.LatencyAlpha = defaultLatencyAlpha
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		backends: backends,
		opts:     opts,
		logger:   logger.With("component", "capability"),
		dctx:     dctx,
		latency:  make(map[latencyKey]time.Duration),
	}
}

// Context returns the current deployment context.
func (r *Resolver) Context() DeploymentContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dctx
}

// SetContext replaces the deployment context, e.g. after a reachability probe.
func (r *Resolver) SetContext(d DeploymentContext) {
	r.mu.Lock()
	r.dctx = d
	r.mu.Unlock()
}

// SetSharedServiceReachable updates only the reachability flag.
func (r *Resolver) SetSharedServiceReachable(ok bool) {
	r.mu.Lock()
	r.dctx.SharedServiceReachable = ok
	r.mu.Unlock()
}

// LatencyEstimate returns the moving-average latency observed for op on src.
func (r *Resolver) LatencyEstimate(op Operation, src Source) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latency[latencyKey{op, src}]
}

func (r *Resolver) observeLatency(op Operation, src Source, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := latencyKey{op, src}
	prev, ok := r.latency[k]
	if !ok {
		r.latency[k] = d
		return
	}
	a := r.opts.LatencyAlpha
	r.latency[k] = time.Duration(a*float64(d) + (1-a)*float64(prev))
}

// Plan returns the primary source for op, its single fallback (empty when
// none) and the reason for the choice. ok is false when nothing is registered.
func (r *Resolver) Plan(op Operation) (primary, fallback Source, reason string, ok bool) {
	d := r.Context()
	has := func(s Source) bool {
		if s == SourceNetworked && !d.SharedServiceReachable {
			return false
		}
		return r.backends.Has(op, s)
	}

	switch {
	case d.Distributed && d.PreferReusability && has(SourceNetworked):
		primary, reason = SourceNetworked, "distributed deployment prefers the reachable shared service"
	case d.LatencySensitive && has(SourceEmbedded):
		primary, reason = SourceEmbedded, "latency-sensitive caller uses the embedded service"
	case !has(SourceNetworked) && has(SourceEmbedded):
		primary, reason = SourceEmbedded, "no networked service reachable"
	case has(SourceLibrary):
		primary, reason = SourceLibrary, "library binding as last resort"
	case has(SourceEmbedded):
		primary, reason = SourceEmbedded, "embedded service without library binding"
	case has(SourceNetworked):
		primary, reason = SourceNetworked, "networked service is the only implementation"
	default:
		return "", "", "", false
	}

	order := []Source{SourceEmbedded, SourceLibrary, SourceNetworked}
	if primary == SourceLibrary {
		order = []Source{SourceEmbedded, SourceNetworked}
	}
	for _, s := range order {
		if s != primary && has(s) {
			fallback = s
			break
		}
	}
	return primary, fallback, reason, true
}

// Hash computes the digest of data through the selected hash implementation.
func (r *Resolver) Hash(ctx context.Context, data []byte) (string, error) {
	return invoke(ctx, r, OpHash, func(ctx context.Context, src Source) (string, error) {
		return r.backends.hashers[src].Hash(ctx, data)
	})
}

// Sign signs msg through the selected signing implementation.
func (r *Resolver) Sign(ctx context.Context, msg []byte) (Signature, error) {
	return invoke(ctx, r, OpSign, func(ctx context.Context, src Source) (Signature, error) {
		return r.backends.signers[src].Sign(ctx, msg)
	})
}

// Aggregate computes a trimmed mean through the selected implementation.
func (r *Resolver) Aggregate(ctx context.Context, values []float64, trimFraction float64) (float64, error) {
	return invoke(ctx, r, OpAggregate, func(ctx context.Context, src Source) (float64, error) {
		return r.backends.aggregators[src].Aggregate(ctx, values, trimFraction)
	})
}

func invoke[T any](ctx context.Context, r *Resolver, op Operation, call func(context.Context, Source) (T, error)) (T, error) {
	var zero T
	primary, fallback, reason, ok := r.Plan(op)
	if !ok {
		ex := &ExhaustedError{Operation: op}
		r.record(ctx, ResolutionDecision{Operation: op, Reason: "no implementation registered", Error: ex.Error()})
		return zero, ex
	}

	sources := []Source{primary}
	if fallback != "" {
		sources = append(sources, fallback)
	}

	var attempts []Attempt
	for i, src := range sources {
		estimate := r.LatencyEstimate(op, src)
		callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
		start := time.Now()
		out, err := call(callCtx, src)
		elapsed := time.Since(start)
		cancel()
		r.observeLatency(op, src, elapsed)

		if err == nil {
			d := ResolutionDecision{
				Operation:        op,
				Source:           src,
				Primary:          primary,
				Fallback:         i > 0,
				Reason:           reason,
				EstimatedLatency: estimate,
				Latency:          elapsed,
			}
			if i > 0 {
				d.Reason = fmt.Sprintf("%s; fell back after %s failed", reason, primary)
				d.Error = attempts[0].Err.Error()
			}
			r.record(ctx, d)
			return out, nil
		}

		r.logger.Warn("capability call failed", "operation", op, "source", src, "error", err)
		attempts = append(attempts, Attempt{Source: src, Latency: elapsed, Err: err})
		if ctx.Err() != nil {
			break
		}
	}

	ex := &ExhaustedError{Operation: op, Attempts: attempts}
	last := attempts[len(attempts)-1]
	r.record(ctx, ResolutionDecision{
		Operation: op,
		Source:    last.Source,
		Primary:   primary,
		Fallback:  len(attempts) > 1,
		Reason:    reason,
		Latency:   last.Latency,
		Error:     ex.Error(),
	})
	return zero, ex
}

func (r *Resolver) record(ctx context.Context, d ResolutionDecision) {
	d.ID = uuid.New().String()
	d.At = time.Now()

	if r.opts.Log != nil {
		// The audit entry must survive a cancelled caller.
		if err := r.opts.Log.RecordDecision(context.WithoutCancel(ctx), d); err != nil {
			r.logger.Error("record resolution decision", "error", err)
		}
	}

	level := observe.LevelDebug
	if d.Error != "" {
		level = observe.LevelWarn
	}
	observe.Emit(ctx, r.opts.Sink, observe.Event{
		Type:   observe.ResolutionDecision,
		Level:  level,
		Source: "capability",
		Fields: map[string]any{
			"decision_id": d.ID,
			"operation":   string(d.Operation),
			"impl_source": string(d.Source),
			"fallback":    d.Fallback,
			"latency_ms":  d.Latency.Milliseconds(),
			"reason":      d.Reason,
		},
	})
}
