package syncer

import (
	"context"
	"sync"

	"github.com/ssd-technologies/confluence/internal/record"
)

// RecordLog is the append-only log of records this instance has accepted.
// Sequence numbers are local; peers use them as watermarks.
type RecordLog interface {
	// AppendRecord logs rec and reports false if its id was already logged.
	AppendRecord(ctx context.Context, rec record.Record) (bool, error)
	HasRecords(ctx context.Context, ids []string) (map[string]bool, error)
	// RecordsSince lists shareable record ids logged after sequence after,
	// and the sequence of the last one listed.
	RecordsSince(ctx context.Context, after int64, limit int) ([]string, int64, error)
	GetRecords(ctx context.Context, ids []string) ([]record.Record, error)
}

// MemoryLog is an in-memory RecordLog.
type MemoryLog struct {
	mu   sync.RWMutex
	recs []record.Record
	byID map[string]int
}

// NewMemoryLog returns an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{byID: make(map[string]int)}
}

func (l *MemoryLog) AppendRecord(_ context.Context, rec record.Record) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[rec.ID]; ok {
		return false, nil
	}
	l.recs = append(l.recs, rec)
	l.byID[rec.ID] = len(l.recs) // sequence numbers start at 1
	return true, nil
}

func (l *MemoryLog) HasRecords(_ context.Context, ids []string) (map[string]bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := l.byID[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (l *MemoryLog) RecordsSince(_ context.Context, after int64, limit int) ([]string, int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	last := after
	ids := make([]string, 0)
	for i := int(max(after, 0)); i < len(l.recs) && len(ids) < limit; i++ {
		last = int64(i + 1)
		if !shareable(l.recs[i]) {
			continue
		}
		ids = append(ids, l.recs[i].ID)
	}
	return ids, last, nil
}

func (l *MemoryLog) GetRecords(_ context.Context, ids []string) ([]record.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]record.Record, 0, len(ids))
	for _, id := range ids {
		if seq, ok := l.byID[id]; ok {
			out = append(out, l.recs[seq-1])
		}
	}
	return out, nil
}

// Len returns the number of logged records.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.recs)
}
