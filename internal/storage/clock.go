package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ssd-technologies/confluence/internal/clock"
	"github.com/ssd-technologies/confluence/internal/identity"
)

const metaConsensusTimestamp = "consensus_timestamp"

// SaveClock persists the logical time of instance self.
func (d *DB) SaveClock(ctx context.Context, self identity.InstanceID, t clock.LogicalTime) error {
	vec, err := json.Marshal(t.Vector)
	if err != nil {
		return fmt.Errorf("encode vector: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO clock_state (instance, lamport, vector, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(instance) DO UPDATE SET
		   lamport = excluded.lamport, vector = excluded.vector, updated_at = excluded.updated_at`,
		string(self), int64(t.Lamport), string(vec), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save clock: %w", err)
	}
	return nil
}

// LoadClock returns the persisted logical time of self, or the zero time
// when none was saved.
func (d *DB) LoadClock(ctx context.Context, self identity.InstanceID) (clock.LogicalTime, error) {
	var (
		lamport int64
		vec     string
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT lamport, vector FROM clock_state WHERE instance = ?`, string(self)).Scan(&lamport, &vec)
	if errors.Is(err, sql.ErrNoRows) {
		return clock.LogicalTime{}, nil
	}
	if err != nil {
		return clock.LogicalTime{}, fmt.Errorf("load clock: %w", err)
	}
	t := clock.LogicalTime{Lamport: uint64(lamport)}
	if err := json.Unmarshal([]byte(vec), &t.Vector); err != nil {
		return clock.LogicalTime{}, fmt.Errorf("decode vector: %w", err)
	}
	return t, nil
}

// SaveConsensusTimestamp persists the last agreed check-in timestamp.
func (d *DB) SaveConsensusTimestamp(ctx context.Context, ts int64) error {
	return d.SetMeta(ctx, metaConsensusTimestamp, strconv.FormatInt(ts, 10))
}

// LoadConsensusTimestamp returns the last agreed check-in timestamp, or 0.
func (d *DB) LoadConsensusTimestamp(ctx context.Context) (int64, error) {
	v, ok, err := d.GetMeta(ctx, metaConsensusTimestamp)
	if err != nil || !ok {
		return 0, err
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse consensus timestamp: %w", err)
	}
	return ts, nil
}
