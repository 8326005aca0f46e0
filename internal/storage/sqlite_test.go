package storage

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/confluence/internal/capability"
	"github.com/ssd-technologies/confluence/internal/clock"
	"github.com/ssd-technologies/confluence/internal/identity"
	"github.com/ssd-technologies/confluence/internal/merge"
	"github.com/ssd-technologies/confluence/internal/record"
	"github.com/ssd-technologies/confluence/internal/registry"
)

// Compile-time checks that DB satisfies the interfaces it is wired into.
var (
	_ merge.Store            = (*DB)(nil)
	_ merge.ReviewQueue      = (*DB)(nil)
	_ capability.DecisionLog = (*DB)(nil)
)

// testDB creates an in-memory SQLite database for testing.
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(":memory:")
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func entity(id, hash string, kind record.Kind, partition record.Partition, confidence float64) *record.Entity {
	prov := []record.Provenance{{Instance: "aaaaaaaaaaaaaaaa", ContentHash: hash, RecordID: id + "-r"}}
	return &record.Entity{
		ID:                id,
		Kind:              kind,
		Content:           "content of " + id,
		ContentHash:       hash,
		Partition:         partition,
		Tier:              record.TierAuto,
		Confidence:        confidence,
		Importance:        0.4,
		Sources:           record.SourcesOf(prov),
		Provenance:        prov,
		VerificationCount: 1,
		Time:              clock.LogicalTime{Lamport: 3, Vector: map[identity.InstanceID]uint64{"aaaaaaaaaaaaaaaa": 3}},
		CreatedAt:         t0,
		UpdatedAt:         t0,
		Version:           1,
	}
}

func TestNewDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	db, err := NewDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}
}

func TestNewDB_AllTablesExist(t *testing.T) {
	db := testDB(t)

	expected := []string{"entities", "records", "peers", "decisions", "reviews", "clock_state", "meta"}
	for _, table := range expected {
		var name string
		err := db.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestNewDB_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "node.db")
	ctx := context.Background()

	db, err := NewDB(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.PutEntity(ctx, entity("e1", "h1", record.KindMemory, record.PartitionShared, 0.5)))
	require.NoError(t, db.Close())

	db, err = NewDB(dbPath)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.GetEntity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "h1", got.ContentHash)
}

func TestEntities_PutGetReplace(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	e := entity("e1", "h1", record.KindMemory, record.PartitionShared, 0.5)
	require.NoError(t, db.PutEntity(ctx, e))

	got, err := db.GetEntity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, e.Content, got.Content)
	assert.Equal(t, e.Provenance, got.Provenance)
	assert.Equal(t, e.Time, got.Time)
	assert.True(t, e.CreatedAt.Equal(got.CreatedAt))
	require.NoError(t, got.Validate())

	got.Confidence = 0.9
	got.Version = 2
	require.NoError(t, db.PutEntity(ctx, got))

	again, err := db.GetEntity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 0.9, again.Confidence)
	assert.Equal(t, int64(2), again.Version)

	n, err := db.CountEntities(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEntities_GetMissing(t *testing.T) {
	db := testDB(t)
	_, err := db.GetEntity(context.Background(), "nope")
	assert.ErrorIs(t, err, merge.ErrNotFound)
}

func TestEntities_Query(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutEntity(ctx, entity("a", "h1", record.KindMemory, record.PartitionShared, 0.2)))
	require.NoError(t, db.PutEntity(ctx, entity("b", "h2", record.KindMemory, record.PartitionPrivate, 0.8)))
	require.NoError(t, db.PutEntity(ctx, entity("c", "h3", record.KindSkill, record.PartitionShared, 0.9)))

	all, err := db.QueryEntities(ctx, merge.EntityQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)

	mem, err := db.QueryEntities(ctx, merge.EntityQuery{Kind: record.KindMemory})
	require.NoError(t, err)
	assert.Len(t, mem, 2)

	shared, err := db.QueryEntities(ctx, merge.EntityQuery{Partition: record.PartitionShared, MinConfidence: 0.5})
	require.NoError(t, err)
	require.Len(t, shared, 1)
	assert.Equal(t, "c", shared[0].ID)

	byHash, err := db.QueryEntities(ctx, merge.EntityQuery{ContentHash: "h2"})
	require.NoError(t, err)
	require.Len(t, byHash, 1)
	assert.Equal(t, "b", byHash[0].ID)

	limited, err := db.QueryEntities(ctx, merge.EntityQuery{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRecords_AppendIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	r := record.Record{ID: "r1", Kind: record.KindMemory, Content: "x", ContentHash: "h", Source: "s", Partition: record.PartitionShared}
	added, err := db.AppendRecord(ctx, r)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = db.AppendRecord(ctx, r)
	require.NoError(t, err)
	assert.False(t, added)
}

func TestRecords_SinceWatermarkAndPrivacy(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, r := range []record.Record{
		{ID: "r1", Partition: record.PartitionShared},
		{ID: "r2", Partition: record.PartitionPrivate},
		{ID: "r3", Partition: record.PartitionShared},
		{ID: "r4", Partition: record.PartitionShared},
	} {
		_, err := db.AppendRecord(ctx, r)
		require.NoError(t, err)
	}

	ids, last, err := db.RecordsSince(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r3"}, ids)

	rest, last2, err := db.RecordsSince(ctx, last, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"r4"}, rest)
	assert.Greater(t, last2, last)

	none, last3, err := db.RecordsSince(ctx, last2, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Equal(t, last2, last3)
}

func TestRecords_HasAndGet(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	src := record.Record{ID: "r1", Kind: record.KindSkill, Content: "tie knots", ContentHash: "h", Source: "s",
		Tier: record.TierHuman, Partition: record.PartitionShared, Confidence: 0.7, SignerKey: []byte{1, 2}, Signature: []byte{3}}
	_, err := db.AppendRecord(ctx, src)
	require.NoError(t, err)

	has, err := db.HasRecords(ctx, []string{"r1", "r2"})
	require.NoError(t, err)
	assert.True(t, has["r1"])
	assert.False(t, has["r2"])

	got, err := db.GetRecords(ctx, []string{"r2", "r1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, src.Content, got[0].Content)
	assert.Equal(t, src.Signature, got[0].Signature)
	assert.Equal(t, src.Tier, got[0].Tier)
}

func TestRecords_ManyIDsAreChunked(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	ids := make([]string, 0, 1200)
	for i := 0; i < 1200; i++ {
		id := "r" + strconv.Itoa(i)
		ids = append(ids, id)
		if i%2 == 0 {
			_, err := db.AppendRecord(ctx, record.Record{ID: id, Partition: record.PartitionShared})
			require.NoError(t, err)
		}
	}
	has, err := db.HasRecords(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, has, 600)
}

func TestPeers_SaveLoadDelete(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	p := registry.PeerDescriptor{
		ID:          "bbbbbbbbbbbbbbbb",
		Endpoint:    "ws://10.0.0.2:7400/ws",
		PublicKey:   []byte{9, 9, 9},
		Health:      0.75,
		Reliability: 0.6,
		LastContact: t0,
		Successes:   4,
		Failures:    1,
	}
	require.NoError(t, db.SavePeer(ctx, p))
	p.Health = 0.5
	require.NoError(t, db.SavePeer(ctx, p))
	require.NoError(t, db.SavePeer(ctx, registry.PeerDescriptor{ID: "aaaaaaaaaaaaaaaa", Endpoint: "ws://a/ws", Health: 1, Reliability: 0.5}))

	peers, err := db.LoadPeers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, identity.InstanceID("aaaaaaaaaaaaaaaa"), peers[0].ID)
	assert.Nil(t, peers[0].PublicKey)
	assert.True(t, peers[0].LastContact.IsZero())

	b := peers[1]
	assert.Equal(t, 0.5, b.Health)
	assert.Equal(t, []byte{9, 9, 9}, b.PublicKey)
	assert.True(t, b.LastContact.Equal(t0))
	assert.Equal(t, int64(4), b.Successes)

	ok, err := db.DeletePeer(ctx, "bbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = db.DeletePeer(ctx, "bbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecisions_RecordAndList(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first := capability.ResolutionDecision{
		ID: "d1", Operation: capability.OpHash, Source: capability.SourceEmbedded, Primary: capability.SourceNetworked,
		Fallback: true, Reason: "networked failed", EstimatedLatency: 3 * time.Millisecond,
		Latency: 5 * time.Millisecond, Error: "timeout", At: t0,
	}
	second := capability.ResolutionDecision{
		ID: "d2", Operation: capability.OpSign, Source: capability.SourceLibrary, Primary: capability.SourceLibrary,
		Reason: "library available", At: t0.Add(time.Second),
	}
	require.NoError(t, db.RecordDecision(ctx, first))
	require.NoError(t, db.RecordDecision(ctx, second))

	got, err := db.ListDecisions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d2", got[0].ID)
	assert.Equal(t, "", got[0].Error)

	d1 := got[1]
	assert.Equal(t, capability.OpHash, d1.Operation)
	assert.True(t, d1.Fallback)
	assert.Equal(t, 5*time.Millisecond, d1.Latency)
	assert.Equal(t, "timeout", d1.Error)
	assert.True(t, d1.At.Equal(t0))
}

func TestReviews_EnqueueAndResolve(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.EnqueueReview(ctx, record.Review{ID: "v1", EntityID: "e2", CandidateID: "e1", ContentHash: "h", Score: 0.8, Reason: "gray_zone", CreatedAt: t0}))
	require.NoError(t, db.EnqueueReview(ctx, record.Review{ID: "v2", EntityID: "e3", CandidateID: "e1", ContentHash: "h", Score: 0.82, Reason: "gray_zone", CreatedAt: t0.Add(time.Minute)}))

	pending, err := db.PendingReviews(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "v1", pending[0].ID)

	require.NoError(t, db.ResolveReview(ctx, "v1"))
	pending, err = db.PendingReviews(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "v2", pending[0].ID)

	assert.Error(t, db.ResolveReview(ctx, "missing"))
}

func TestClock_SaveLoad(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	self := identity.InstanceID("aaaaaaaaaaaaaaaa")

	empty, err := db.LoadClock(ctx, self)
	require.NoError(t, err)
	assert.True(t, empty.IsZero())

	lt := clock.LogicalTime{Lamport: 42, Vector: map[identity.InstanceID]uint64{self: 40, "bbbbbbbbbbbbbbbb": 7}}
	require.NoError(t, db.SaveClock(ctx, self, lt))
	got, err := db.LoadClock(ctx, self)
	require.NoError(t, err)
	assert.Equal(t, lt, got)

	restored := clock.Restore(self, got)
	next := restored.Tick()
	assert.Equal(t, uint64(43), next.Lamport)
}

func TestConsensusTimestamp(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	ts, err := db.LoadConsensusTimestamp(ctx)
	require.NoError(t, err)
	assert.Zero(t, ts)

	require.NoError(t, db.SaveConsensusTimestamp(ctx, 1_700_000_000_000))
	ts, err = db.LoadConsensusTimestamp(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_000), ts)
}
