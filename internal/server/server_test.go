package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ssd-technologies/confluence/internal/capability"
	"github.com/ssd-technologies/confluence/internal/identity"
	"github.com/ssd-technologies/confluence/internal/merge"
	"github.com/ssd-technologies/confluence/internal/record"
	"github.com/ssd-technologies/confluence/internal/registry"
	"github.com/ssd-technologies/confluence/internal/syncer"
)

// fakeBackend records published records and serves canned inspection data.
type fakeBackend struct {
	mu        sync.Mutex
	published []record.Record
	entities  []*record.Entity
	reviews   map[string]bool
	lastQuery merge.EntityQuery
	checkIn   error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{reviews: map[string]bool{"rev-1": false}}
}

func (f *fakeBackend) ID() identity.InstanceID { return "00aa11bb22cc33dd" }
func (f *fakeBackend) Endpoint() string        { return "ws://127.0.0.1:7420/ws" }

func (f *fakeBackend) Publish(_ context.Context, rec record.Record) (syncer.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.Content == "" {
		return syncer.PublishResult{Record: rec, Outcome: merge.Outcome{Action: merge.ActionRejected, Reason: "empty_content"}}, nil
	}
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("rec-%d", len(f.published)+1)
	}
	rec.ContentHash = "hash-" + rec.ID
	f.published = append(f.published, rec)
	return syncer.PublishResult{
		Record:  rec,
		Outcome: merge.Outcome{Action: merge.ActionInserted, EntityID: "ent-1", ContentHash: rec.ContentHash},
		Peers: []syncer.PeerResult{
			{Peer: "peer-a", Pushed: 1},
			{Peer: "peer-b", Err: errors.New("push: peer unavailable")},
		},
	}, nil
}

func (f *fakeBackend) Entities(_ context.Context, q merge.EntityQuery) ([]*record.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	var out []*record.Entity
	for _, e := range f.entities {
		if q.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeBackend) Entity(_ context.Context, id string) (*record.Entity, error) {
	for _, e := range f.entities {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, merge.ErrNotFound
}

func (f *fakeBackend) Peers() []registry.PeerDescriptor {
	return []registry.PeerDescriptor{{ID: "peer-a", Endpoint: "ws://a/ws", Health: 1, Reliability: 0.5}}
}

func (f *fakeBackend) Decisions(context.Context, int) ([]capability.ResolutionDecision, error) {
	return []capability.ResolutionDecision{{ID: "d1", Operation: capability.OpHash, Source: capability.SourceLibrary}}, nil
}

func (f *fakeBackend) Reviews(context.Context, int) ([]record.Review, error) {
	return nil, nil
}

func (f *fakeBackend) ResolveReview(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.reviews[id]; !ok {
		return fmt.Errorf("resolve review: %w", sql.ErrNoRows)
	}
	f.reviews[id] = true
	return nil
}

func (f *fakeBackend) RunLumped(context.Context) (syncer.LumpedResult, error) {
	return syncer.LumpedResult{Batch: 2, Pulled: 3, Peers: []syncer.PeerResult{{Peer: "peer-a", Pushed: 2, Pulled: 3}}}, nil
}

func (f *fakeBackend) CheckIn(context.Context) (syncer.CheckInResult, error) {
	if f.checkIn != nil {
		return syncer.CheckInResult{Acks: 1}, f.checkIn
	}
	return syncer.CheckInResult{Acks: 2, ConsensusTimestamp: 1700000000000, Outcomes: map[merge.Action]int{merge.ActionInserted: 4}}, nil
}

func (f *fakeBackend) ConsensusTimestamp() int64 { return 1700000000000 }

func setupTestServer(t *testing.T) (*Server, *fakeBackend) {
	t.Helper()
	b := newFakeBackend()
	return New(b, Options{}), b
}

func do(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(t, srv, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	decodeBody(t, w, &body)
	if body["status"] != "ok" || body["service"] != "confluence" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestStatus(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(t, srv, http.MethodGet, "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	decodeBody(t, w, &body)
	if body["instance"] != "00aa11bb22cc33dd" {
		t.Errorf("instance = %v", body["instance"])
	}
	if body["peers"] != float64(1) {
		t.Errorf("peers = %v", body["peers"])
	}
}

func TestPublishDefaultsAndPeerErrors(t *testing.T) {
	srv, b := setupTestServer(t)
	w := do(t, srv, http.MethodPost, "/api/records", map[string]any{
		"kind":       "memory",
		"content":    "tides follow the moon",
		"confidence": 0.7,
		"importance": 0.4,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		RecordID string        `json:"record_id"`
		Outcome  merge.Outcome `json:"outcome"`
		Peers    []peerView    `json:"peers"`
	}
	decodeBody(t, w, &body)
	if body.RecordID != "rec-1" || body.Outcome.Action != merge.ActionInserted {
		t.Errorf("unexpected response: %+v", body)
	}
	if len(body.Peers) != 2 || body.Peers[1].Error == "" {
		t.Errorf("expected the failed peer to carry an error: %+v", body.Peers)
	}

	if len(b.published) != 1 {
		t.Fatalf("expected 1 published record, got %d", len(b.published))
	}
	got := b.published[0]
	if got.Partition != record.PartitionShared || got.Tier != record.TierAuto {
		t.Errorf("defaults not applied: partition=%s tier=%s", got.Partition, got.Tier)
	}
}

func TestPublishRejectedIs422(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(t, srv, http.MethodPost, "/api/records", map[string]any{"kind": "memory", "content": ""})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	var body struct {
		Outcome merge.Outcome `json:"outcome"`
	}
	decodeBody(t, w, &body)
	if body.Outcome.Reason != "empty_content" {
		t.Errorf("reason = %q", body.Outcome.Reason)
	}
}

func TestPublishBadBody(t *testing.T) {
	srv, _ := setupTestServer(t)
	for _, body := range []string{"{", `{"kind":"memory","source":"spoofed"}`} {
		w := do(t, srv, http.MethodPost, "/api/records", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, w.Code)
		}
	}
}

func TestListEntitiesFilters(t *testing.T) {
	srv, b := setupTestServer(t)
	b.entities = []*record.Entity{
		{ID: "e1", Kind: record.KindMemory, Partition: record.PartitionShared, Confidence: 0.9},
		{ID: "e2", Kind: record.KindSkill, Partition: record.PartitionShared, Confidence: 0.9},
		{ID: "e3", Kind: record.KindMemory, Partition: record.PartitionShared, Confidence: 0.2},
	}

	w := do(t, srv, http.MethodGet, "/api/entities?kind=memory&min_confidence=0.5&limit=20", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got []record.Entity
	decodeBody(t, w, &got)
	if len(got) != 1 || got[0].ID != "e1" {
		t.Errorf("unexpected entities: %+v", got)
	}
	if b.lastQuery.Limit != 20 {
		t.Errorf("limit = %d, want 20", b.lastQuery.Limit)
	}

	w = do(t, srv, http.MethodGet, "/api/entities?kind=knowledge", nil)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty array, got %s", w.Body.String())
	}

	for _, bad := range []string{"min_confidence=2", "min_confidence=x", "limit=0", "limit=abc"} {
		w := do(t, srv, http.MethodGet, "/api/entities?"+bad, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", bad, w.Code)
		}
	}
}

func TestGetEntity(t *testing.T) {
	srv, b := setupTestServer(t)
	b.entities = []*record.Entity{{ID: "e1", Kind: record.KindMemory}}

	if w := do(t, srv, http.MethodGet, "/api/entities/e1", nil); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/api/entities/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestInspectionEndpoints(t *testing.T) {
	srv, _ := setupTestServer(t)
	for _, path := range []string{"/api/peers", "/api/decisions", "/api/reviews"} {
		w := do(t, srv, http.MethodGet, path, nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, w.Code)
		}
		var arr []json.RawMessage
		decodeBody(t, w, &arr)
	}
}

func TestResolveReview(t *testing.T) {
	srv, b := setupTestServer(t)
	if w := do(t, srv, http.MethodPost, "/api/reviews/rev-1/resolve", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !b.reviews["rev-1"] {
		t.Error("review not marked resolved")
	}
	if w := do(t, srv, http.MethodPost, "/api/reviews/nope/resolve", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestSyncRounds(t *testing.T) {
	srv, b := setupTestServer(t)

	w := do(t, srv, http.MethodPost, "/api/sync/lumped", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("lumped: expected 200, got %d", w.Code)
	}
	var lumped map[string]any
	decodeBody(t, w, &lumped)
	if lumped["pulled"] != float64(3) {
		t.Errorf("pulled = %v", lumped["pulled"])
	}

	if w := do(t, srv, http.MethodPost, "/api/sync/checkin", nil); w.Code != http.StatusOK {
		t.Fatalf("checkin: expected 200, got %d", w.Code)
	}

	b.checkIn = &syncer.QuorumError{Acks: 1, Required: 2}
	w = do(t, srv, http.MethodPost, "/api/sync/checkin", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without quorum, got %d", w.Code)
	}
	var body map[string]any
	decodeBody(t, w, &body)
	if body["acks"] != float64(1) || body["error"] == nil {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestRateLimit(t *testing.T) {
	srv := New(newFakeBackend(), Options{RateLimit: 2})
	for i := 0; i < 2; i++ {
		if w := do(t, srv, http.MethodGet, "/api/health", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	if w := do(t, srv, http.MethodGet, "/api/health", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}

	// A different client has its own budget.
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Forwarded-For", "10.1.2.3, 192.168.0.1")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for another client, got %d", w.Code)
	}

	unlimited := New(newFakeBackend(), Options{RateLimit: -1})
	for i := 0; i < 5; i++ {
		if w := do(t, unlimited, http.MethodGet, "/api/health", nil); w.Code != http.StatusOK {
			t.Fatalf("unlimited request %d: got %d", i, w.Code)
		}
	}
}

func TestGetIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	if got := getIP(req); got != "192.0.2.1" {
		t.Errorf("getIP = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	if got := getIP(req); got != "203.0.113.9" {
		t.Errorf("getIP with XFF = %q", got)
	}
}
