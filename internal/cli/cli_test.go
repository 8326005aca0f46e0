package cli

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/confluence/internal/capability"
	"github.com/ssd-technologies/confluence/internal/identity"
	"github.com/ssd-technologies/confluence/internal/record"
	"github.com/ssd-technologies/confluence/internal/registry"
	"github.com/ssd-technologies/confluence/internal/storage"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// seedDB writes a small store to a file and returns its path.
func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.db")
	db, err := storage.NewDB(path)
	require.NoError(t, err)
	ctx := context.Background()

	for _, e := range []*record.Entity{
		{ID: "e1", Kind: record.KindMemory, Content: "retry with backoff", ContentHash: "h1", Partition: record.PartitionShared, Tier: record.TierAuto, Confidence: 0.9, Sources: []identity.InstanceID{"a", "b"}, UpdatedAt: t0},
		{ID: "e2", Kind: record.KindSkill, Content: "parse yaml", ContentHash: "h2", Partition: record.PartitionShared, Tier: record.TierAuto, Confidence: 0.4, UpdatedAt: t0},
	} {
		require.NoError(t, db.PutEntity(ctx, e))
	}
	require.NoError(t, db.SavePeer(ctx, registry.PeerDescriptor{ID: "peer-1", Endpoint: "ws://10.0.0.2:7420/ws", Health: 0.8, Reliability: 0.5, LastContact: t0}))
	require.NoError(t, db.RecordDecision(ctx, capability.ResolutionDecision{ID: "d1", Operation: capability.OpHash, Source: capability.SourceLibrary, Primary: capability.SourceLibrary, Reason: "local only", Latency: time.Millisecond, At: t0}))
	require.NoError(t, db.EnqueueReview(ctx, record.Review{ID: "r1", EntityID: "e1", CandidateID: "c1", ContentHash: "h3", Score: 0.91, Reason: "human tier gray zone", CreatedAt: t0}))
	require.NoError(t, db.Close())
	return path
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "yaml", "peers", "--db", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestKeygenIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	out, err := execute(t, "--format", "json", "keygen", "--out", path)
	require.NoError(t, err)
	var first keygenOutput
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, path, first.File)

	pub, err := hex.DecodeString(first.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, identity.FromPublicKey(pub), first.ID)

	out, err = execute(t, "--format", "json", "keygen", "--out", path)
	require.NoError(t, err)
	var second keygenOutput
	require.NoError(t, json.Unmarshal([]byte(out), &second))
	assert.Equal(t, first, second)
}

func TestEntitiesCommand(t *testing.T) {
	db := seedDB(t)

	out, err := execute(t, "entities", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "CONFIDENCE")
	assert.Contains(t, out, "retry with backoff")
	assert.Contains(t, out, "parse yaml")

	out, err = execute(t, "--format", "json", "entities", "--db", db, "--min-confidence", "0.5")
	require.NoError(t, err)
	var ents []record.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &ents))
	require.Len(t, ents, 1)
	assert.Equal(t, "e1", ents[0].ID)

	out, err = execute(t, "--format", "json", "entities", "--db", db, "--kind", "knowledge")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestPeersAndDecisions(t *testing.T) {
	db := seedDB(t)

	out, err := execute(t, "peers", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "peer-1")
	assert.Contains(t, out, "ws://10.0.0.2:7420/ws")
	assert.Contains(t, out, "2026-05-01T09:00:00Z")

	out, err = execute(t, "--format", "json", "decisions", "--db", db)
	require.NoError(t, err)
	var decs []capability.ResolutionDecision
	require.NoError(t, json.Unmarshal([]byte(out), &decs))
	require.Len(t, decs, 1)
	assert.Equal(t, capability.SourceLibrary, decs[0].Source)
	assert.Equal(t, "local only", decs[0].Reason)
}

func TestReviewsResolve(t *testing.T) {
	db := seedDB(t)

	out, err := execute(t, "reviews", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "r1")
	assert.Contains(t, out, "0.910")

	out, err = execute(t, "reviews", "resolve", "r1", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "resolved r1")

	out, err = execute(t, "--format", "json", "reviews", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "null\n", out)

	_, err = execute(t, "reviews", "resolve", "missing", "--db", db)
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "warn", "json", false).Info("hidden")
	assert.Empty(t, buf.String())

	newLogger(&buf, "warn", "json", true).Debug("shown", "k", 1)
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "a b", truncate("a\n  b", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
