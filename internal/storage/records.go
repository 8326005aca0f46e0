package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ssd-technologies/confluence/internal/record"
)

// AppendRecord adds rec to the record log. It returns false when a record
// with the same id is already logged.
func (d *DB) AppendRecord(ctx context.Context, rec record.Record) (bool, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode record: %w", err)
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO records (id, content_hash, source, partition, body, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.ContentHash, string(rec.Source), string(rec.Partition), string(body),
		time.Now().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("append record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append record rows affected: %w", err)
	}
	return n == 1, nil
}

// HasRecords reports which of ids are in the log.
func (d *DB) HasRecords(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, chunk := range chunks(ids, 500) {
		rows, err := d.db.QueryContext(ctx,
			`SELECT id FROM records WHERE id IN (`+placeholders(len(chunk))+`)`, toArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("has records: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan record id: %w", err)
			}
			out[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RecordsSince returns up to limit ids of shareable records logged after
// sequence after, in log order, and the sequence of the last one returned.
// Private-partition records are never listed.
func (d *DB) RecordsSince(ctx context.Context, after int64, limit int) ([]string, int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT seq, id FROM records WHERE seq > ? AND partition != ? ORDER BY seq LIMIT ?`,
		after, string(record.PartitionPrivate), limit)
	if err != nil {
		return nil, after, fmt.Errorf("records since: %w", err)
	}
	defer rows.Close()

	last := after
	ids := make([]string, 0)
	for rows.Next() {
		var (
			seq int64
			id  string
		)
		if err := rows.Scan(&seq, &id); err != nil {
			return nil, after, fmt.Errorf("scan record: %w", err)
		}
		ids = append(ids, id)
		last = seq
	}
	return ids, last, rows.Err()
}

// GetRecords returns the logged records among ids. Unknown ids are skipped.
func (d *DB) GetRecords(ctx context.Context, ids []string) ([]record.Record, error) {
	out := make([]record.Record, 0, len(ids))
	for _, chunk := range chunks(ids, 500) {
		rows, err := d.db.QueryContext(ctx,
			`SELECT body FROM records WHERE id IN (`+placeholders(len(chunk))+`) ORDER BY seq`, toArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("get records: %w", err)
		}
		for rows.Next() {
			var body string
			if err := rows.Scan(&body); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan record: %w", err)
			}
			var rec record.Record
			if err := json.Unmarshal([]byte(body), &rec); err != nil {
				rows.Close()
				return nil, fmt.Errorf("decode record: %w", err)
			}
			out = append(out, rec)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func chunks(ss []string, size int) [][]string {
	var out [][]string
	for len(ss) > size {
		out = append(out, ss[:size])
		ss = ss[size:]
	}
	if len(ss) > 0 {
		out = append(out, ss)
	}
	return out
}
