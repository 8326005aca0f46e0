// Package observe carries structured events about ingest, matching, merging,
// synchronization and capability resolution. Events identify content by its
// hash and never carry raw content.
package observe

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Level is event severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// SlogLevel maps l onto a slog level.
func (l Level) SlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Type names an event.
type Type string

const (
	IngestStart        Type = "ingest.start"
	MatchCandidate     Type = "match.candidate"
	MergeApplied       Type = "merge.applied"
	MergeInserted      Type = "merge.inserted"
	MergeDeferred      Type = "merge.deferred"
	MergeRejected      Type = "merge.rejected"
	MergeDuplicate     Type = "merge.duplicate"
	SyncRoundComplete  Type = "sync.round.complete"
	SyncPeerFailed     Type = "sync.peer.failed"
	QuorumNotReached   Type = "sync.quorum.failed"
	ResolutionDecision Type = "resolution.decision"
)

// Event is one observation. ContentHash identifies content; Fields carries
// additional attributes such as score, stage, source, latency and reason.
type Event struct {
	Type        Type
	Level       Level
	Time        time.Time
	Source      string
	ContentHash string
	Fields      map[string]any
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// Emit stamps ev with the current time when unset and forwards it to s. A nil
// sink discards the event.
func Emit(ctx context.Context, s Sink, ev Event) {
	if s == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.Emit(ctx, ev)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// SlogSink renders events through a slog.Logger. The event type is the log
// message and Fields are flattened into attributes.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a sink writing to logger, or slog.Default() when nil.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Emit(ctx context.Context, ev Event) {
	attrs := make([]slog.Attr, 0, len(ev.Fields)+2)
	attrs = append(attrs, slog.String("source", ev.Source))
	if ev.ContentHash != "" {
		attrs = append(attrs, slog.String("content_hash", ev.ContentHash))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.logger.LogAttrs(ctx, ev.Level.SlogLevel(), string(ev.Type), attrs...)
}

// Multi fans events out to several sinks.
type Multi struct {
	sinks []Sink
}

// NewMulti drops nil sinks and returns a fan-out sink over the rest.
func NewMulti(sinks ...Sink) *Multi {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Multi{sinks: kept}
}

func (m *Multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m.sinks {
		s.Emit(ctx, ev)
	}
}

// Recorder keeps every event in memory. It is used by tests and by the CLI
// status output.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events with the given type, in order.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Reset discards recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
