package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ssd-technologies/confluence/internal/merge"
	"github.com/ssd-technologies/confluence/internal/record"
)

// GetEntity implements merge.Store.
func (d *DB) GetEntity(ctx context.Context, id string) (*record.Entity, error) {
	var body string
	err := d.db.QueryRowContext(ctx, `SELECT body FROM entities WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merge.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return decodeEntity(body)
}

// PutEntity implements merge.Store. The row is replaced in one statement.
func (d *DB) PutEntity(ctx context.Context, e *record.Entity) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entity: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO entities (id, kind, partition, content_hash, confidence, version, updated_at, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   kind = excluded.kind,
		   partition = excluded.partition,
		   content_hash = excluded.content_hash,
		   confidence = excluded.confidence,
		   version = excluded.version,
		   updated_at = excluded.updated_at,
		   body = excluded.body`,
		e.ID, string(e.Kind), string(e.Partition), e.ContentHash, e.Confidence,
		e.Version, toUnixNano(e.UpdatedAt), string(body),
	)
	if err != nil {
		return fmt.Errorf("put entity: %w", err)
	}
	return nil
}

// QueryEntities implements merge.Store. Results are ordered by id.
func (d *DB) QueryEntities(ctx context.Context, q merge.EntityQuery) ([]*record.Entity, error) {
	var (
		where []string
		args  []any
	)
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.Partition != "" {
		where = append(where, "partition = ?")
		args = append(args, string(q.Partition))
	}
	if q.ContentHash != "" {
		where = append(where, "content_hash = ?")
		args = append(args, q.ContentHash)
	}
	if q.MinConfidence > 0 {
		where = append(where, "confidence >= ?")
		args = append(args, q.MinConfidence)
	}

	query := `SELECT body FROM entities`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	out := make([]*record.Entity, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e, err := decodeEntity(body)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEntities returns the number of stored entities.
func (d *DB) CountEntities(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return n, nil
}

func decodeEntity(body string) (*record.Entity, error) {
	var e record.Entity
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return &e, nil
}
