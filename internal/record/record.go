// Package record defines the experience records exchanged between instances
// and the merged entities they collapse into.
package record

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ssd-technologies/confluence/internal/clock"
	"github.com/ssd-technologies/confluence/internal/identity"
)

// Kind classifies what a record describes.
type Kind string

const (
	KindMemory    Kind = "memory"
	KindSkill     Kind = "skill"
	KindKnowledge Kind = "knowledge"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindMemory, KindSkill, KindKnowledge:
		return true
	}
	return false
}

// Tier is how much the producer of a record is trusted.
type Tier string

const (
	TierHuman    Tier = "human"
	TierVerified Tier = "verified"
	TierAuto     Tier = "auto"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierHuman, TierVerified, TierAuto:
		return true
	}
	return false
}

// Rank orders tiers from least (auto) to most trusted (human).
func (t Tier) Rank() int {
	switch t {
	case TierHuman:
		return 3
	case TierVerified:
		return 2
	case TierAuto:
		return 1
	}
	return 0
}

// Stronger returns the more trusted of a and b.
func Stronger(a, b Tier) Tier {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Partition names a privacy scope. Records in different partitions are never
// merged with one another.
type Partition string

const (
	PartitionShared  Partition = "shared"
	PartitionPrivate Partition = "private"
)

// Provenance notes that an instance observed content with a given hash.
type Provenance struct {
	Instance    identity.InstanceID `json:"instance"`
	ContentHash string              `json:"content_hash"`
	RecordID    string              `json:"record_id,omitempty"`
	Time        clock.LogicalTime   `json:"time"`
	ObservedAt  time.Time           `json:"observed_at"`
}

// Key identifies a provenance entry for de-duplication.
func (p Provenance) Key() string {
	return string(p.Instance) + "/" + p.ContentHash
}

// Record is one unit of experience as produced by a single instance.
type Record struct {
	ID          string              `json:"id"`
	Kind        Kind                `json:"kind"`
	Content     string              `json:"content"`
	ContentHash string              `json:"content_hash,omitempty"`
	Source      identity.InstanceID `json:"source"`
	Tier        Tier                `json:"tier"`
	Partition   Partition           `json:"partition"`
	Confidence  float64             `json:"confidence"`
	Importance  float64             `json:"importance"`
	Time        clock.LogicalTime   `json:"time"`
	CreatedAt   time.Time           `json:"created_at"`
	Embedding   []float64           `json:"embedding,omitempty"`
	Provenance  []Provenance        `json:"provenance,omitempty"`
	SignerKey   []byte              `json:"signer_key,omitempty"`
	Signature   []byte              `json:"signature,omitempty"`
}

// signedFields is the subset of a record covered by its signature.
type signedFields struct {
	ID         string              `json:"id"`
	Kind       Kind                `json:"kind"`
	Content    string              `json:"content"`
	Source     identity.InstanceID `json:"source"`
	Tier       Tier                `json:"tier"`
	Partition  Partition           `json:"partition"`
	Confidence float64             `json:"confidence"`
	Importance float64             `json:"importance"`
	Lamport    uint64              `json:"lamport"`
	CreatedAt  int64               `json:"created_at"`
}

// SigningBytes returns the canonical bytes a producer signs.
func (r *Record) SigningBytes() []byte {
	data, _ := json.Marshal(signedFields{
		ID:         r.ID,
		Kind:       r.Kind,
		Content:    r.Content,
		Source:     r.Source,
		Tier:       r.Tier,
		Partition:  r.Partition,
		Confidence: r.Confidence,
		Importance: r.Importance,
		Lamport:    r.Time.Lamport,
		CreatedAt:  r.CreatedAt.UnixNano(),
	})
	return data
}

var (
	ErrUnsigned       = errors.New("record: unsigned")
	ErrSignerMismatch = errors.New("record: signer key does not belong to source")
	ErrBadSignature   = errors.New("record: invalid signature")
)

// VerifySignature checks a signed record: the signer key must be the key
// Source is derived from, and the signature must cover SigningBytes.
// Unsigned records return nil.
func (r *Record) VerifySignature() error {
	if len(r.Signature) == 0 {
		return nil
	}
	if len(r.SignerKey) != ed25519.PublicKeySize || identity.FromPublicKey(r.SignerKey) != r.Source {
		return fmt.Errorf("%w: record %s from %s", ErrSignerMismatch, r.ID, r.Source)
	}
	if !identity.Verify(r.SignerKey, r.SigningBytes(), r.Signature) {
		return fmt.Errorf("%w: record %s", ErrBadSignature, r.ID)
	}
	return nil
}

// VerifyOrigin is VerifySignature for records relayed between instances,
// which must be signed by their source.
func (r *Record) VerifyOrigin() error {
	if len(r.Signature) == 0 {
		return fmt.Errorf("%w: record %s", ErrUnsigned, r.ID)
	}
	return r.VerifySignature()
}

// Entity is the canonical merged form of one or more records.
type Entity struct {
	ID                string                `json:"id"`
	Kind              Kind                  `json:"kind"`
	Content           string                `json:"content"`
	ContentHash       string                `json:"content_hash"`
	Partition         Partition             `json:"partition"`
	Tier              Tier                  `json:"tier"`
	Confidence        float64               `json:"confidence"`
	Importance        float64               `json:"importance"`
	Sources           []identity.InstanceID `json:"sources"`
	Provenance        []Provenance          `json:"provenance"`
	VerificationCount int                   `json:"verification_count"`
	Related           []string              `json:"related,omitempty"`
	Embedding         []float64             `json:"embedding,omitempty"`
	Time              clock.LogicalTime     `json:"time"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	LastAccessed      time.Time             `json:"last_accessed"`
	Version           int64                 `json:"version"`
}

// Clone returns a deep copy of e.
func (e *Entity) Clone() *Entity {
	out := *e
	out.Sources = append([]identity.InstanceID(nil), e.Sources...)
	out.Provenance = append([]Provenance(nil), e.Provenance...)
	out.Related = append([]string(nil), e.Related...)
	out.Embedding = append([]float64(nil), e.Embedding...)
	out.Time = e.Time.Clone()
	return &out
}

// Validate checks the invariants every stored entity must satisfy.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("entity: empty id")
	}
	if !InUnitRange(e.Confidence) {
		return fmt.Errorf("entity %s: confidence %v outside [0,1]", e.ID, e.Confidence)
	}
	if !InUnitRange(e.Importance) {
		return fmt.Errorf("entity %s: importance %v outside [0,1]", e.ID, e.Importance)
	}
	if len(e.Sources) == 0 {
		return fmt.Errorf("entity %s: no sources", e.ID)
	}
	if e.VerificationCount != len(e.Provenance) {
		return fmt.Errorf("entity %s: verification count %d != provenance %d", e.ID, e.VerificationCount, len(e.Provenance))
	}
	return nil
}

// AsRecord exports the entity as an unsigned record reported by source.
// Provenance stays behind: a receiver credits only the reporting instance.
func (e *Entity) AsRecord(source identity.InstanceID) Record {
	return Record{
		ID:          e.ID,
		Kind:        e.Kind,
		Content:     e.Content,
		ContentHash: e.ContentHash,
		Source:      source,
		Tier:        e.Tier,
		Partition:   e.Partition,
		Confidence:  e.Confidence,
		Importance:  e.Importance,
		Time:        e.Time.Clone(),
		CreatedAt:   e.CreatedAt,
		Embedding:   append([]float64(nil), e.Embedding...),
	}
}

// Review is a gray-zone match queued for later inspection.
type Review struct {
	ID          string    `json:"id"`
	EntityID    string    `json:"entity_id"`
	CandidateID string    `json:"candidate_id"`
	ContentHash string    `json:"content_hash"`
	Score       float64   `json:"score"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// InUnitRange reports whether v is a finite value in [0, 1].
func InUnitRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// UnionProvenance merges incoming into existing, de-duplicated by
// (instance, content hash) and sorted by that key. It returns the union and
// the number of entries that were new.
func UnionProvenance(existing, incoming []Provenance) ([]Provenance, int) {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]Provenance, 0, len(existing)+len(incoming))
	for _, p := range existing {
		if _, ok := seen[p.Key()]; ok {
			continue
		}
		seen[p.Key()] = struct{}{}
		out = append(out, p)
	}
	added := 0
	for _, p := range incoming {
		if _, ok := seen[p.Key()]; ok {
			continue
		}
		seen[p.Key()] = struct{}{}
		out = append(out, p)
		added++
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, added
}

// SourcesOf returns the distinct instances named in provenance, sorted.
func SourcesOf(prov []Provenance) []identity.InstanceID {
	seen := make(map[identity.InstanceID]struct{}, len(prov))
	out := make([]identity.InstanceID, 0, len(prov))
	for _, p := range prov {
		if _, ok := seen[p.Instance]; ok {
			continue
		}
		seen[p.Instance] = struct{}{}
		out = append(out, p.Instance)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
