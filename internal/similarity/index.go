// Package similarity finds stored entities that resemble incoming content.
//
// Lookups walk a fallback chain: an exact content-hash match, then an
// approximate nearest-neighbour search over embeddings, then a linear scan.
// The chain stops at the first stage that yields a candidate at or above the
// requested minimum score, and the result records which stage answered.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ssd-technologies/confluence/internal/embedding"
	"github.com/ssd-technologies/confluence/internal/record"
)

// Stage names a step of the lookup chain.
type Stage string

const (
	StageExactHash  Stage = "exact_hash"
	StageANN        Stage = "ann"
	StageLinearScan Stage = "linear_scan"
)

// Candidate is a stored entity scored against a query.
type Candidate struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Stage Stage   `json:"stage"`
}

// Result is the outcome of one lookup. Degraded lists the stages that were
// skipped or failed on the way to Stage.
type Result struct {
	Candidates []Candidate `json:"candidates"`
	Stage      Stage       `json:"stage"`
	Degraded   []string    `json:"degraded,omitempty"`
}

// Best returns the highest-scoring candidate.
func (r Result) Best() (Candidate, bool) {
	if len(r.Candidates) == 0 {
		return Candidate{}, false
	}
	return r.Candidates[0], true
}

// Embedder produces vectors for content.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Neighbor is one approximate search hit.
type Neighbor struct {
	ID    string
	Score float64
}

// ANN is an approximate nearest-neighbour backend.
type ANN interface {
	Upsert(id string, vec []float64) error
	Remove(id string)
	Search(ctx context.Context, vec []float64, k int) ([]Neighbor, error)
}

// Item is what the index stores for one entity. ContentHashes lists every
// content hash that should resolve to the entity by exact match.
type Item struct {
	ID            string
	Kind          record.Kind
	Partition     record.Partition
	Content       string
	ContentHashes []string
	Embedding     []float64
}

// Query describes content to match. Matches are restricted to the same kind
// and partition.
type Query struct {
	Kind        record.Kind
	Partition   record.Partition
	Content     string
	ContentHash string
	Embedding   []float64
}

// Options configures an Index. Nil Embedder or ANN disables the ANN stage.
type Options struct {
	Embedder     Embedder
	ANN          ANN
	EmbedTimeout time.Duration
	ANNTimeout   time.Duration
	ScanTimeout  time.Duration
	Logger       *slog.Logger
}

type hashKey struct {
	kind      record.Kind
	partition record.Partition
	hash      string
}

type entry struct {
	item   Item
	tokens map[string]struct{}
}

// Index is safe for concurrent use.
type Index struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	byHash  map[hashKey]string
}

// NewIndex creates an empty index.
func NewIndex(opts Options) *Index {
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = 2 * time.Second
	}
	if opts.ANNTimeout <= 0 {
		opts.ANNTimeout = 500 * time.Millisecond
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		opts:    opts,
		logger:  logger.With("component", "similarity"),
		entries: make(map[string]*entry),
		byHash:  make(map[hashKey]string),
	}
}

// Len returns the number of indexed entities.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Embed computes a vector for content within the embed timeout. It returns
// nil without error when no embedder is configured.
func (x *Index) Embed(ctx context.Context, content string) ([]float64, error) {
	if x.opts.Embedder == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, x.opts.EmbedTimeout)
	defer cancel()
	return x.opts.Embedder.Embed(ctx, content)
}

// Upsert adds or replaces an entity. When the item has no embedding and an
// embedder is configured, one is computed; failure to embed leaves the entity
// reachable through exact and linear lookups.
func (x *Index) Upsert(ctx context.Context, item Item) error {
	if item.ID == "" {
		return errors.New("similarity: empty id")
	}
	if item.Embedding == nil {
		vec, err := x.Embed(ctx, item.Content)
		if err != nil {
			x.logger.Warn("embed on upsert failed", "id", item.ID, "error", err)
		}
		item.Embedding = vec
	}

	x.mu.Lock()
	if old, ok := x.entries[item.ID]; ok {
		for _, h := range old.item.ContentHashes {
			delete(x.byHash, hashKey{old.item.Kind, old.item.Partition, h})
		}
	}
	x.entries[item.ID] = &entry{item: item, tokens: record.Tokens(item.Content)}
	for _, h := range item.ContentHashes {
		x.byHash[hashKey{item.Kind, item.Partition, h}] = item.ID
	}
	x.mu.Unlock()

	if x.opts.ANN != nil && len(item.Embedding) > 0 {
		if err := x.opts.ANN.Upsert(item.ID, item.Embedding); err != nil {
			return fmt.Errorf("similarity: ann upsert %s: %w", item.ID, err)
		}
	}
	return nil
}

// Remove drops an entity from every stage.
func (x *Index) Remove(id string) {
	x.mu.Lock()
	if old, ok := x.entries[id]; ok {
		for _, h := range old.item.ContentHashes {
			delete(x.byHash, hashKey{old.item.Kind, old.item.Partition, h})
		}
		delete(x.entries, id)
	}
	x.mu.Unlock()
	if x.opts.ANN != nil {
		x.opts.ANN.Remove(id)
	}
}

// FindSimilar returns up to topK candidates scoring at least minScore. The
// only error returned is the caller's context ending; stage failures degrade
// to the next stage.
func (x *Index) FindSimilar(ctx context.Context, q Query, topK int, minScore float64) (Result, error) {
	if topK <= 0 {
		topK = 1
	}

	if q.ContentHash != "" {
		x.mu.RLock()
		id, ok := x.byHash[hashKey{q.Kind, q.Partition, q.ContentHash}]
		x.mu.RUnlock()
		if ok {
			return Result{Stage: StageExactHash, Candidates: []Candidate{{ID: id, Score: 1, Stage: StageExactHash}}}, nil
		}
	}

	var degraded []string
	vec := q.Embedding
	if vec == nil && x.opts.Embedder != nil {
		v, err := x.Embed(ctx, q.Content)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			degraded = append(degraded, fmt.Sprintf("embed: %v", err))
		}
		vec = v
	}

	switch {
	case x.opts.ANN == nil:
		degraded = append(degraded, "ann: not configured")
	case len(vec) == 0:
		degraded = append(degraded, "ann: no query embedding")
	default:
		cands, err := x.searchANN(ctx, q, vec, topK, minScore)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			degraded = append(degraded, fmt.Sprintf("ann: %v", err))
		} else if len(cands) > 0 {
			return Result{Stage: StageANN, Candidates: cands, Degraded: degraded}, nil
		}
	}

	cands, err := x.scan(ctx, q, vec, topK, minScore)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		degraded = append(degraded, fmt.Sprintf("linear_scan: %v", err))
	}
	return Result{Stage: StageLinearScan, Candidates: cands, Degraded: degraded}, nil
}

func (x *Index) searchANN(ctx context.Context, q Query, vec []float64, topK int, minScore float64) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, x.opts.ANNTimeout)
	defer cancel()

	// Over-fetch so partition and kind filtering still leaves topK hits.
	hits, err := x.opts.ANN.Search(ctx, vec, topK*4)
	if err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]Candidate, 0, topK)
	for _, h := range hits {
		e, ok := x.entries[h.ID]
		if !ok || e.item.Kind != q.Kind || e.item.Partition != q.Partition || h.Score < minScore {
			continue
		}
		out = append(out, Candidate{ID: h.ID, Score: h.Score, Stage: StageANN})
	}
	sortCandidates(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// scan scores every entity of the query's kind and partition: cosine
// similarity when both sides have embeddings of equal size, token-set Jaccard
// otherwise. A scan cut short by its timeout returns what it scored so far.
func (x *Index) scan(ctx context.Context, q Query, vec []float64, topK int, minScore float64) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, x.opts.ScanTimeout)
	defer cancel()

	tokens := record.Tokens(q.Content)

	x.mu.RLock()
	defer x.mu.RUnlock()

	var (
		out []Candidate
		err error
		n   int
	)
	for id, e := range x.entries {
		n++
		if n%256 == 0 {
			if err = ctx.Err(); err != nil {
				break
			}
		}
		if e.item.Kind != q.Kind || e.item.Partition != q.Partition {
			continue
		}
		var score float64
		if len(vec) > 0 && len(vec) == len(e.item.Embedding) {
			score = embedding.Cosine(vec, e.item.Embedding)
		} else {
			score = Jaccard(tokens, e.tokens)
		}
		if score >= minScore {
			out = append(out, Candidate{ID: id, Score: score, Stage: StageLinearScan})
		}
	}
	sortCandidates(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out, err
}

func sortCandidates(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		return c[i].ID < c[j].ID
	})
}

// Jaccard returns |a∩b| / |a∪b|, or 0 when both sets are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
