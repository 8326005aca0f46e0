package merge

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ssd-technologies/confluence/internal/record"
)

// ErrNotFound is returned by stores when an entity does not exist.
var ErrNotFound = errors.New("entity not found")

// EntityQuery filters entities. Zero fields match everything.
type EntityQuery struct {
	Kind          record.Kind
	Partition     record.Partition
	ContentHash   string
	MinConfidence float64
	Limit         int
}

// Matches reports whether e satisfies q, ignoring Limit.
func (q EntityQuery) Matches(e *record.Entity) bool {
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	if q.Partition != "" && e.Partition != q.Partition {
		return false
	}
	if q.ContentHash != "" && e.ContentHash != q.ContentHash {
		return false
	}
	return e.Confidence >= q.MinConfidence
}

// Store is the durable entity store. Each Put replaces one entity atomically.
type Store interface {
	GetEntity(ctx context.Context, id string) (*record.Entity, error)
	PutEntity(ctx context.Context, e *record.Entity) error
	QueryEntities(ctx context.Context, q EntityQuery) ([]*record.Entity, error)
}

// ReviewQueue receives gray-zone matches for later inspection.
type ReviewQueue interface {
	EnqueueReview(ctx context.Context, r record.Review) error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*record.Entity
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entities: make(map[string]*record.Entity)}
}

func (s *MemoryStore) GetEntity(ctx context.Context, id string) (*record.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) PutEntity(ctx context.Context, e *record.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.entities[e.ID] = e.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) QueryEntities(ctx context.Context, q EntityQuery) ([]*record.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*record.Entity, 0)
	for _, e := range s.entities {
		if q.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// MemoryReviews is an in-memory ReviewQueue.
type MemoryReviews struct {
	mu      sync.Mutex
	pending []record.Review
}

func (q *MemoryReviews) EnqueueReview(_ context.Context, r record.Review) error {
	q.mu.Lock()
	q.pending = append(q.pending, r)
	q.mu.Unlock()
	return nil
}

// Pending returns the queued reviews in arrival order.
func (q *MemoryReviews) Pending() []record.Review {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]record.Review(nil), q.pending...)
}
