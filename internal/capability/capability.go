// Package capability chooses, per call, which implementation of a shared
// primitive (hashing, signing, robust aggregation) serves the call, and keeps
// an audit trail of every choice.
//
// Three sources can back an operation: a networked shared service reached
// over RPC, an embedded in-process service, and a plain library binding. The
// Resolver picks one from the current DeploymentContext, falls back at most
// once, and fails with an *ExhaustedError when nothing can serve the call.
package capability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Operation is a primitive the resolver can route.
type Operation string

const (
	OpHash      Operation = "hash"
	OpSign      Operation = "sign"
	OpAggregate Operation = "aggregate"
)

// Source is where an implementation lives.
type Source string

const (
	SourceNetworked Source = "networked"
	SourceEmbedded  Source = "embedded"
	SourceLibrary   Source = "library"
)

// DeploymentContext describes the environment a call is made in.
type DeploymentContext struct {
	Distributed            bool `json:"distributed" yaml:"distributed"`
	SharedServiceReachable bool `json:"shared_service_reachable" yaml:"shared_service_reachable"`
	LatencySensitive       bool `json:"latency_sensitive" yaml:"latency_sensitive"`
	PreferReusability      bool `json:"prefer_reusability" yaml:"prefer_reusability"`
}

// Signature is a detached Ed25519 signature and the key that produced it.
type Signature struct {
	PublicKey []byte `json:"public_key"`
	Value     []byte `json:"value"`
}

// Hasher computes the hex-encoded content fingerprint digest of data.
type Hasher interface {
	Hash(ctx context.Context, data []byte) (string, error)
}

// Signer signs messages.
type Signer interface {
	Sign(ctx context.Context, msg []byte) (Signature, error)
}

// Aggregator reduces peer-reported values robustly.
type Aggregator interface {
	Aggregate(ctx context.Context, values []float64, trimFraction float64) (float64, error)
}

// ResolutionDecision records which source served one invocation and why.
type ResolutionDecision struct {
	ID               string        `json:"id"`
	Operation        Operation     `json:"operation"`
	Source           Source        `json:"source"`
	Primary          Source        `json:"primary"`
	Fallback         bool          `json:"fallback"`
	Reason           string        `json:"reason"`
	EstimatedLatency time.Duration `json:"estimated_latency"`
	Latency          time.Duration `json:"latency"`
	Error            string        `json:"error,omitempty"`
	At               time.Time     `json:"at"`
}

// DecisionLog persists resolution decisions.
type DecisionLog interface {
	RecordDecision(ctx context.Context, d ResolutionDecision) error
}

// Attempt is one failed try at serving an operation.
type Attempt struct {
	Source  Source
	Latency time.Duration
	Err     error
}

// ExhaustedError is returned when no source could serve an operation, either
// because none is registered or because the primary and its fallback failed.
type ExhaustedError struct {
	Operation Operation
	Attempts  []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("capability %s: no implementation available", e.Operation)
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Source, a.Err)
	}
	return fmt.Sprintf("capability %s: all implementations failed (%s)", e.Operation, strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// IsExhausted reports whether err carries an *ExhaustedError.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// Backends holds the candidate implementations for each operation, keyed by
// source.
type Backends struct {
	hashers     map[Source]Hasher
	signers     map[Source]Signer
	aggregators map[Source]Aggregator
}

// NewBackends returns an empty candidate set.
func NewBackends() *Backends {
	return &Backends{
		hashers:     make(map[Source]Hasher),
		signers:     make(map[Source]Signer),
		aggregators: make(map[Source]Aggregator),
	}
}

// Register adds impl under src for every operation interface it implements.
// It fails if impl implements none of them.
func (b *Backends) Register(src Source, impl any) error {
	return b.RegisterOps(src, impl)
}

// RegisterOps adds impl under src for ops only, or for every operation it
// implements when ops is empty. A listed operation impl does not implement
// is an error.
func (b *Backends) RegisterOps(src Source, impl any, ops ...Operation) error {
	all := len(ops) == 0
	if all {
		ops = []Operation{OpHash, OpSign, OpAggregate}
	}
	matched := false
	for _, op := range ops {
		ok := false
		switch op {
		case OpHash:
			var h Hasher
			if h, ok = impl.(Hasher); ok {
				b.hashers[src] = h
			}
		case OpSign:
			var s Signer
			if s, ok = impl.(Signer); ok {
				b.signers[src] = s
			}
		case OpAggregate:
			var a Aggregator
			if a, ok = impl.(Aggregator); ok {
				b.aggregators[src] = a
			}
		default:
			return fmt.Errorf("capability: unknown operation %q", op)
		}
		if !ok && !all {
			return fmt.Errorf("capability: %T does not implement %s", impl, op)
		}
		matched = matched || ok
	}
	if !matched {
		return fmt.Errorf("capability: %T implements no operation", impl)
	}
	return nil
}

// Has reports whether op has an implementation registered under src.
func (b *Backends) Has(op Operation, src Source) bool {
	switch op {
	case OpHash:
		_, ok := b.hashers[src]
		return ok
	case OpSign:
		_, ok := b.signers[src]
		return ok
	case OpAggregate:
		_, ok := b.aggregators[src]
		return ok
	}
	return false
}
