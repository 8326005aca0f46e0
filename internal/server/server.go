// Package server is the local HTTP API of an instance: agents publish
// records through it and operators inspect state and trigger sync rounds.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ssd-technologies/confluence/internal/capability"
	"github.com/ssd-technologies/confluence/internal/identity"
	"github.com/ssd-technologies/confluence/internal/merge"
	"github.com/ssd-technologies/confluence/internal/record"
	"github.com/ssd-technologies/confluence/internal/registry"
	"github.com/ssd-technologies/confluence/internal/syncer"
)

// Backend is the instance the API serves.
type Backend interface {
	ID() identity.InstanceID
	Endpoint() string
	Publish(ctx context.Context, rec record.Record) (syncer.PublishResult, error)
	Entities(ctx context.Context, q merge.EntityQuery) ([]*record.Entity, error)
	Entity(ctx context.Context, id string) (*record.Entity, error)
	Peers() []registry.PeerDescriptor
	Decisions(ctx context.Context, limit int) ([]capability.ResolutionDecision, error)
	Reviews(ctx context.Context, limit int) ([]record.Review, error)
	ResolveReview(ctx context.Context, id string) error
	RunLumped(ctx context.Context) (syncer.LumpedResult, error)
	CheckIn(ctx context.Context) (syncer.CheckInResult, error)
	ConsensusTimestamp() int64
}

// Options tunes the API. Zero values select defaults.
type Options struct {
	// RateLimit is requests per minute per client IP. Negative disables it.
	RateLimit   int
	MaxBodySize int64
}

// Server is the HTTP handler for the local API.
type Server struct {
	backend Backend
	mux     *http.ServeMux
	limiter *rateLimiter
	maxBody int64
	started time.Time
}

// New creates a Server with all routes registered.
func New(backend Backend, opts Options) *Server {
	if opts.RateLimit == 0 {
		opts.RateLimit = 600
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 1 << 20
	}
	s := &Server{
		backend: backend,
		mux:     http.NewServeMux(),
		maxBody: opts.MaxBodySize,
		started: time.Now(),
	}
	if opts.RateLimit > 0 {
		s.limiter = newRateLimiter(opts.RateLimit, time.Minute)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.allow(getIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	s.mux.ServeHTTP(w, r)
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	// Records and entities
	s.mux.HandleFunc("POST /api/records", s.handlePublish)
	s.mux.HandleFunc("GET /api/entities", s.handleListEntities)
	s.mux.HandleFunc("GET /api/entities/{id}", s.handleGetEntity)

	// Inspection
	s.mux.HandleFunc("GET /api/peers", s.handlePeers)
	s.mux.HandleFunc("GET /api/decisions", s.handleDecisions)
	s.mux.HandleFunc("GET /api/reviews", s.handleReviews)
	s.mux.HandleFunc("POST /api/reviews/{id}/resolve", s.handleResolveReview)

	// Sync rounds
	s.mux.HandleFunc("POST /api/sync/lumped", s.handleLumped)
	s.mux.HandleFunc("POST /api/sync/checkin", s.handleCheckIn)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "confluence",
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
