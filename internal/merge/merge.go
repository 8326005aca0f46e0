// Package merge collapses incoming records into canonical entities.
//
// Every record, local or remote, passes through Merger.Ingest: sanitize,
// fingerprint, look up similar entities, then merge, insert, or insert with a
// deferred review when the match is ambiguous. Updates to one entity are
// serialized and applied by replacing the stored entity in a single write.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/confluence/internal/clock"
	"github.com/ssd-technologies/confluence/internal/observe"
	"github.com/ssd-technologies/confluence/internal/record"
	"github.com/ssd-technologies/confluence/internal/similarity"
)

// Action is what Ingest did with a record.
type Action string

const (
	ActionInserted  Action = "inserted"
	ActionMerged    Action = "merged"
	ActionDeferred  Action = "deferred"
	ActionDuplicate Action = "duplicate"
	ActionRejected  Action = "rejected"
)

// Outcome reports the result of one Ingest. For deferred outcomes EntityID is
// the newly inserted entity and CandidateID the ambiguous match.
type Outcome struct {
	Action      Action           `json:"action"`
	EntityID    string           `json:"entity_id,omitempty"`
	CandidateID string           `json:"candidate_id,omitempty"`
	ContentHash string           `json:"content_hash,omitempty"`
	Score       float64          `json:"score,omitempty"`
	Stage       similarity.Stage `json:"stage,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// Config holds merge policy.
type Config struct {
	// Thresholds is the similarity score a match must reach to merge, per
	// trust tier of the incoming record. Higher is stricter.
	Thresholds map[record.Tier]float64 `yaml:"thresholds"`
	// GrayZone is the width of the band below the threshold in which a match
	// is inserted separately and queued for review.
	GrayZone float64 `yaml:"gray_zone"`
	// TierWeights scale an incoming record's confidence in the blend.
	TierWeights map[record.Tier]float64 `yaml:"tier_weights"`
	// ExistingWeight is the blend weight of each prior verification.
	ExistingWeight     float64       `yaml:"existing_weight"`
	RecencyHalfLife    time.Duration `yaml:"recency_half_life"`
	TopK               int           `yaml:"top_k"`
	MaxContentLength   int           `yaml:"max_content_length"`
	DisallowedPatterns []string      `yaml:"disallowed_patterns"`
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		Thresholds: map[record.Tier]float64{
			record.TierHuman:    0.95,
			record.TierVerified: 0.90,
			record.TierAuto:     0.85,
		},
		GrayZone: 0.10,
		TierWeights: map[record.Tier]float64{
			record.TierHuman:    1.0,
			record.TierVerified: 0.8,
			record.TierAuto:     0.5,
		},
		ExistingWeight:     1.0,
		RecencyHalfLife:    7 * 24 * time.Hour,
		TopK:               5,
		MaxContentLength:   8192,
		DisallowedPatterns: append([]string(nil), DefaultDisallowedPatterns...),
	}
}

// Validate reports every policy problem.
func (c Config) Validate() error {
	var errs []error
	for _, tier := range []record.Tier{record.TierHuman, record.TierVerified, record.TierAuto} {
		th, ok := c.Thresholds[tier]
		if !ok {
			errs = append(errs, fmt.Errorf("merge: missing threshold for tier %s", tier))
			continue
		}
		if th <= 0 || th > 1 {
			errs = append(errs, fmt.Errorf("merge: threshold for %s must be in (0,1], got %v", tier, th))
		}
		if c.GrayZone >= th {
			errs = append(errs, fmt.Errorf("merge: gray zone %v must be below the %s threshold %v", c.GrayZone, tier, th))
		}
		if w := c.TierWeights[tier]; w < 0 || math.IsNaN(w) {
			errs = append(errs, fmt.Errorf("merge: tier weight for %s must be >= 0, got %v", tier, w))
		}
	}
	if c.GrayZone < 0 {
		errs = append(errs, fmt.Errorf("merge: gray zone must be >= 0, got %v", c.GrayZone))
	}
	if c.ExistingWeight <= 0 {
		errs = append(errs, fmt.Errorf("merge: existing weight must be > 0, got %v", c.ExistingWeight))
	}
	if c.RecencyHalfLife <= 0 {
		errs = append(errs, fmt.Errorf("merge: recency half-life must be > 0"))
	}
	if c.TopK <= 0 {
		errs = append(errs, fmt.Errorf("merge: top_k must be > 0, got %d", c.TopK))
	}
	if c.MaxContentLength < 0 {
		errs = append(errs, fmt.Errorf("merge: max content length must be >= 0"))
	}
	return errors.Join(errs...)
}

// Hasher computes content fingerprints. The capability resolver satisfies it.
type Hasher interface {
	Hash(ctx context.Context, data []byte) (string, error)
}

// Deps are the collaborators of a Merger. Reviews, Sink and Logger are optional.
type Deps struct {
	Store   Store
	Index   *similarity.Index
	Hasher  Hasher
	Reviews ReviewQueue
	Sink    observe.Sink
	Logger  *slog.Logger
	Now     func() time.Time
}

// Merger is safe for concurrent use.
type Merger struct {
	cfg       Config
	deps      Deps
	logger    *slog.Logger
	sanitizer *Sanitizer
	locks     *lockSet
	now       func() time.Time
}

// New validates cfg and builds a Merger.
func New(cfg Config, deps Deps) (*Merger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Index == nil || deps.Hasher == nil {
		return nil, errors.New("merge: store, index and hasher are required")
	}
	sanitizer, err := NewSanitizer(cfg.MaxContentLength, cfg.DisallowedPatterns)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Merger{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With("component", "merge"),
		sanitizer: sanitizer,
		locks:     newLockSet(),
		now:       now,
	}, nil
}

// Rebuild loads every stored entity into the similarity index.
func (m *Merger) Rebuild(ctx context.Context) error {
	entities, err := m.deps.Store.QueryEntities(ctx, EntityQuery{})
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	for _, e := range entities {
		if err := m.deps.Index.Upsert(ctx, indexItem(e)); err != nil {
			return fmt.Errorf("rebuild index: %w", err)
		}
	}
	m.logger.Info("similarity index rebuilt", "entities", len(entities))
	return nil
}

// Get returns one entity.
func (m *Merger) Get(ctx context.Context, id string) (*record.Entity, error) {
	return m.deps.Store.GetEntity(ctx, id)
}

// Query lists entities.
func (m *Merger) Query(ctx context.Context, q EntityQuery) ([]*record.Entity, error) {
	return m.deps.Store.QueryEntities(ctx, q)
}

func indexItem(e *record.Entity) similarity.Item {
	hashes := []string{e.ContentHash}
	seen := map[string]struct{}{e.ContentHash: {}}
	for _, p := range e.Provenance {
		if _, ok := seen[p.ContentHash]; ok || p.ContentHash == "" {
			continue
		}
		seen[p.ContentHash] = struct{}{}
		hashes = append(hashes, p.ContentHash)
	}
	return similarity.Item{
		ID:            e.ID,
		Kind:          e.Kind,
		Partition:     e.Partition,
		Content:       e.Content,
		ContentHashes: hashes,
		Embedding:     e.Embedding,
	}
}

func (m *Merger) emit(ctx context.Context, t observe.Type, level observe.Level, hash string, fields map[string]any) {
	observe.Emit(ctx, m.deps.Sink, observe.Event{
		Type:        t,
		Level:       level,
		Source:      "merge",
		ContentHash: hash,
		Fields:      fields,
	})
}

// Ingest runs rec through the merge pipeline. Rejections and duplicates are
// outcomes, not errors; errors mean the record could not be processed and may
// be retried.
func (m *Merger) Ingest(ctx context.Context, rec record.Record) (Outcome, error) {
	m.emit(ctx, observe.IngestStart, observe.LevelDebug, "", map[string]any{
		"record_id": rec.ID,
		"source":    string(rec.Source),
		"kind":      string(rec.Kind),
	})

	if err := m.sanitizer.Check(&rec); err != nil {
		var rej *RejectError
		if !errors.As(err, &rej) {
			return Outcome{}, err
		}
		m.emit(ctx, observe.MergeRejected, observe.LevelWarn, "", map[string]any{
			"record_id": rec.ID,
			"source":    string(rec.Source),
			"reason":    rej.Reason,
		})
		return Outcome{Action: ActionRejected, Reason: rej.Reason}, nil
	}

	hash, err := m.deps.Hasher.Hash(ctx, record.FingerprintInput(rec.Kind, rec.Content))
	if err != nil {
		return Outcome{}, fmt.Errorf("fingerprint record %s: %w", rec.ID, err)
	}

	if rec.Embedding == nil {
		vec, err := m.deps.Index.Embed(ctx, rec.Content)
		if err != nil {
			m.logger.Debug("embedding unavailable", "content_hash", hash, "error", err)
		}
		rec.Embedding = vec
	}

	unlockHash := m.locks.lock("hash/" + string(rec.Kind) + "/" + string(rec.Partition) + "/" + hash)
	defer unlockHash()

	threshold := m.cfg.Thresholds[rec.Tier]
	floor := threshold - m.cfg.GrayZone
	res, err := m.deps.Index.FindSimilar(ctx, similarity.Query{
		Kind:        rec.Kind,
		Partition:   rec.Partition,
		Content:     rec.Content,
		ContentHash: hash,
		Embedding:   rec.Embedding,
	}, m.cfg.TopK, floor)
	if err != nil {
		return Outcome{}, fmt.Errorf("similarity lookup: %w", err)
	}
	for _, d := range res.Degraded {
		m.logger.Debug("similarity stage degraded", "content_hash", hash, "detail", d)
	}

	best, found := res.Best()
	if found {
		m.emit(ctx, observe.MatchCandidate, observe.LevelDebug, hash, map[string]any{
			"candidate_id": best.ID,
			"score":        best.Score,
			"stage":        string(best.Stage),
			"threshold":    threshold,
		})
	}

	switch {
	case found && best.Score >= threshold:
		out, err := m.mergeInto(ctx, best, rec, hash)
		if !errors.Is(err, ErrNotFound) {
			return out, err
		}
		// The index pointed at an entity the store no longer has.
		m.deps.Index.Remove(best.ID)
		return m.insert(ctx, rec, hash, nil, res.Stage)
	case found:
		return m.insert(ctx, rec, hash, &best, res.Stage)
	default:
		return m.insert(ctx, rec, hash, nil, res.Stage)
	}
}

// incomingProvenance credits only the record's own source. Provenance a
// peer attaches to a record is unverifiable and never merged.
func (m *Merger) incomingProvenance(rec record.Record, hash string) []record.Provenance {
	return []record.Provenance{{
		Instance:    rec.Source,
		ContentHash: hash,
		RecordID:    rec.ID,
		Time:        rec.Time.Clone(),
		ObservedAt:  m.now(),
	}}
}

// recency weights a record by its age with exponential decay.
func (m *Merger) recency(created time.Time) float64 {
	if created.IsZero() {
		return 1
	}
	age := m.now().Sub(created)
	if age <= 0 {
		return 1
	}
	w := math.Pow(0.5, float64(age)/float64(m.cfg.RecencyHalfLife))
	return math.Max(w, 0.05)
}

// blend combines existing and incoming confidence. Each prior verification
// weighs ExistingWeight; the incoming record weighs its tier weight scaled by
// recency.
func (m *Merger) blend(existing *record.Entity, rec record.Record) float64 {
	we := m.cfg.ExistingWeight * float64(max(existing.VerificationCount, 1))
	wi := m.cfg.TierWeights[rec.Tier] * m.recency(rec.CreatedAt)
	if wi <= 0 {
		return existing.Confidence
	}
	c := (we*existing.Confidence + wi*rec.Confidence) / (we + wi)
	return math.Min(1, math.Max(0, c))
}

func (m *Merger) mergeInto(ctx context.Context, cand similarity.Candidate, rec record.Record, hash string) (Outcome, error) {
	unlock := m.locks.lock("entity/" + cand.ID)
	defer unlock()

	existing, err := m.deps.Store.GetEntity(ctx, cand.ID)
	if err != nil {
		return Outcome{}, err
	}
	if existing.Partition != rec.Partition || existing.Kind != rec.Kind {
		return Outcome{}, fmt.Errorf("merge: candidate %s is outside %s/%s", cand.ID, rec.Kind, rec.Partition)
	}

	prov, added := record.UnionProvenance(existing.Provenance, m.incomingProvenance(rec, hash))
	if added == 0 {
		m.emit(ctx, observe.MergeDuplicate, observe.LevelDebug, hash, map[string]any{"entity_id": existing.ID})
		return Outcome{Action: ActionDuplicate, EntityID: existing.ID, ContentHash: hash, Score: cand.Score, Stage: cand.Stage}, nil
	}

	now := m.now()
	next := existing.Clone()
	next.Confidence = m.blend(existing, rec)
	next.Importance = math.Max(existing.Importance, rec.Importance)
	next.Provenance = prov
	next.Sources = record.SourcesOf(prov)
	next.VerificationCount = len(prov)
	next.Tier = record.Stronger(existing.Tier, rec.Tier)
	next.Time = clock.Max(existing.Time, rec.Time)
	next.UpdatedAt = now
	next.LastAccessed = now
	next.Version++
	if len(next.Embedding) == 0 && len(rec.Embedding) > 0 {
		next.Embedding = append([]float64(nil), rec.Embedding...)
	}
	if err := next.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("merge produced invalid entity: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if err := m.deps.Store.PutEntity(ctx, next); err != nil {
		return Outcome{}, fmt.Errorf("store merged entity %s: %w", next.ID, err)
	}
	if err := m.deps.Index.Upsert(ctx, indexItem(next)); err != nil {
		m.logger.Warn("index update after merge failed", "entity_id", next.ID, "error", err)
	}

	m.emit(ctx, observe.MergeApplied, observe.LevelInfo, hash, map[string]any{
		"entity_id":          next.ID,
		"score":              cand.Score,
		"stage":              string(cand.Stage),
		"source":             string(rec.Source),
		"verification_count": next.VerificationCount,
	})
	return Outcome{Action: ActionMerged, EntityID: next.ID, ContentHash: hash, Score: cand.Score, Stage: cand.Stage}, nil
}

func (m *Merger) insert(ctx context.Context, rec record.Record, hash string, gray *similarity.Candidate, stage similarity.Stage) (Outcome, error) {
	now := m.now()
	prov, _ := record.UnionProvenance(nil, m.incomingProvenance(rec, hash))
	e := &record.Entity{
		ID:                uuid.New().String(),
		Kind:              rec.Kind,
		Content:           rec.Content,
		ContentHash:       hash,
		Partition:         rec.Partition,
		Tier:              rec.Tier,
		Confidence:        rec.Confidence,
		Importance:        rec.Importance,
		Sources:           record.SourcesOf(prov),
		Provenance:        prov,
		VerificationCount: len(prov),
		Embedding:         append([]float64(nil), rec.Embedding...),
		Time:              rec.Time.Clone(),
		CreatedAt:         now,
		UpdatedAt:         now,
		LastAccessed:      now,
		Version:           1,
	}
	if gray != nil {
		e.Related = []string{gray.ID}
	}
	if err := e.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("insert produced invalid entity: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if err := m.deps.Store.PutEntity(ctx, e); err != nil {
		return Outcome{}, fmt.Errorf("store entity %s: %w", e.ID, err)
	}
	if err := m.deps.Index.Upsert(ctx, indexItem(e)); err != nil {
		m.logger.Warn("index update after insert failed", "entity_id", e.ID, "error", err)
	}

	if gray == nil {
		m.emit(ctx, observe.MergeInserted, observe.LevelInfo, hash, map[string]any{
			"entity_id": e.ID,
			"source":    string(rec.Source),
			"stage":     string(stage),
		})
		return Outcome{Action: ActionInserted, EntityID: e.ID, ContentHash: hash, Stage: stage}, nil
	}

	reason := fmt.Sprintf("similarity %.3f below merge threshold %.3f", gray.Score, m.cfg.Thresholds[rec.Tier])
	if m.deps.Reviews != nil {
		review := record.Review{
			ID:          uuid.New().String(),
			EntityID:    e.ID,
			CandidateID: gray.ID,
			ContentHash: hash,
			Score:       gray.Score,
			Reason:      reason,
			CreatedAt:   now,
		}
		if err := m.deps.Reviews.EnqueueReview(context.WithoutCancel(ctx), review); err != nil {
			m.logger.Error("enqueue review failed", "entity_id", e.ID, "error", err)
		}
	}
	m.emit(ctx, observe.MergeDeferred, observe.LevelInfo, hash, map[string]any{
		"entity_id":    e.ID,
		"candidate_id": gray.ID,
		"score":        gray.Score,
		"stage":        string(gray.Stage),
		"reason":       reason,
	})
	return Outcome{
		Action:      ActionDeferred,
		EntityID:    e.ID,
		CandidateID: gray.ID,
		ContentHash: hash,
		Score:       gray.Score,
		Stage:       gray.Stage,
		Reason:      reason,
	}, nil
}
