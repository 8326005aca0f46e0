package similarity

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/ssd-technologies/confluence/internal/embedding"
)

// LSHConfig sizes a random-hyperplane index. More tables raise recall, more
// bits per table make buckets more selective.
type LSHConfig struct {
	Dimensions int
	Tables     int
	Bits       int
	Seed       int64
}

// LSH is an in-memory approximate nearest-neighbour index using random
// hyperplane hashing for cosine similarity, with single-bit multi-probe.
type LSH struct {
	cfg LSHConfig

	mu      sync.RWMutex
	planes  [][][]float64
	buckets []map[uint64]map[string]struct{}
	vectors map[string][]float64
	keys    map[string][]uint64
}

// NewLSH builds an empty index. Dimensions must match every vector inserted.
func NewLSH(cfg LSHConfig) *LSH {
	if cfg.Tables <= 0 {
		cfg.Tables = 8
	}
	if cfg.Bits <= 0 || cfg.Bits > 63 {
		cfg.Bits = 12
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	planes := make([][][]float64, cfg.Tables)
	buckets := make([]map[uint64]map[string]struct{}, cfg.Tables)
	for t := range planes {
		planes[t] = make([][]float64, cfg.Bits)
		for b := range planes[t] {
			p := make([]float64, cfg.Dimensions)
			for i := range p {
				p[i] = rng.NormFloat64()
			}
			planes[t][b] = p
		}
		buckets[t] = make(map[uint64]map[string]struct{})
	}
	return &LSH{
		cfg:     cfg,
		planes:  planes,
		buckets: buckets,
		vectors: make(map[string][]float64),
		keys:    make(map[string][]uint64),
	}
}

func (l *LSH) signature(table int, vec []float64) uint64 {
	var sig uint64
	for b, plane := range l.planes[table] {
		var dot float64
		for i, x := range plane {
			dot += x * vec[i]
		}
		if dot >= 0 {
			sig |= 1 << uint(b)
		}
	}
	return sig
}

func (l *LSH) checkDims(vec []float64) error {
	if len(vec) != l.cfg.Dimensions {
		return fmt.Errorf("lsh: vector has %d dimensions, index expects %d", len(vec), l.cfg.Dimensions)
	}
	return nil
}

// Upsert inserts or replaces the vector stored under id.
func (l *LSH) Upsert(id string, vec []float64) error {
	if err := l.checkDims(vec); err != nil {
		return err
	}
	stored := append([]float64(nil), vec...)
	keys := make([]uint64, len(l.planes))
	for t := range l.planes {
		keys[t] = l.signature(t, stored)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(id)
	l.vectors[id] = stored
	l.keys[id] = keys
	for t, k := range keys {
		set, ok := l.buckets[t][k]
		if !ok {
			set = make(map[string]struct{})
			l.buckets[t][k] = set
		}
		set[id] = struct{}{}
	}
	return nil
}

// Remove drops id from the index.
func (l *LSH) Remove(id string) {
	l.mu.Lock()
	l.removeLocked(id)
	l.mu.Unlock()
}

func (l *LSH) removeLocked(id string) {
	keys, ok := l.keys[id]
	if !ok {
		return
	}
	for t, k := range keys {
		if set := l.buckets[t][k]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(l.buckets[t], k)
			}
		}
	}
	delete(l.keys, id)
	delete(l.vectors, id)
}

// Len returns the number of stored vectors.
func (l *LSH) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.vectors)
}

// Search returns up to k stored vectors ranked by cosine similarity among the
// candidates sharing a bucket (or a bucket one bit away) with vec.
func (l *LSH) Search(ctx context.Context, vec []float64, k int) ([]Neighbor, error) {
	if err := l.checkDims(vec); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]struct{})
	for t := range l.planes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sig := l.signature(t, vec)
		for id := range l.buckets[t][sig] {
			seen[id] = struct{}{}
		}
		for b := 0; b < l.cfg.Bits; b++ {
			for id := range l.buckets[t][sig^(1<<uint(b))] {
				seen[id] = struct{}{}
			}
		}
	}

	out := make([]Neighbor, 0, len(seen))
	for id := range seen {
		out = append(out, Neighbor{ID: id, Score: embedding.Cosine(vec, l.vectors[id])})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}
