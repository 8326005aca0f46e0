package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ssd-technologies/confluence/internal/capability"
	"github.com/ssd-technologies/confluence/internal/record"
)

// RecordDecision implements capability.DecisionLog.
func (d *DB) RecordDecision(ctx context.Context, dec capability.ResolutionDecision) error {
	var errText sql.NullString
	if dec.Error != "" {
		errText = sql.NullString{String: dec.Error, Valid: true}
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO decisions (id, operation, source, primary_source, fallback, reason, estimated_latency, latency, error, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dec.ID, string(dec.Operation), string(dec.Source), string(dec.Primary), boolToInt(dec.Fallback),
		dec.Reason, int64(dec.EstimatedLatency), int64(dec.Latency), errText, toUnixNano(dec.At),
	)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// ListDecisions returns the most recent decisions, newest first.
func (d *DB) ListDecisions(ctx context.Context, limit int) ([]capability.ResolutionDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, operation, source, primary_source, fallback, reason, estimated_latency, latency, error, at
		 FROM decisions ORDER BY at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []capability.ResolutionDecision
	for rows.Next() {
		var (
			dec                    capability.ResolutionDecision
			op, src, primary       string
			fallback               int
			estimated, latency, at int64
			errText                sql.NullString
		)
		if err := rows.Scan(&dec.ID, &op, &src, &primary, &fallback, &dec.Reason,
			&estimated, &latency, &errText, &at); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		dec.Operation = capability.Operation(op)
		dec.Source = capability.Source(src)
		dec.Primary = capability.Source(primary)
		dec.Fallback = fallback != 0
		dec.EstimatedLatency = time.Duration(estimated)
		dec.Latency = time.Duration(latency)
		dec.Error = errText.String
		dec.At = fromUnixNano(at)
		out = append(out, dec)
	}
	return out, rows.Err()
}

// EnqueueReview implements merge.ReviewQueue.
func (d *DB) EnqueueReview(ctx context.Context, r record.Review) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO reviews (id, entity_id, candidate_id, content_hash, score, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.EntityID, r.CandidateID, r.ContentHash, r.Score, r.Reason, toUnixNano(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue review: %w", err)
	}
	return nil
}

// PendingReviews returns unresolved reviews, oldest first.
func (d *DB) PendingReviews(ctx context.Context, limit int) ([]record.Review, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, entity_id, candidate_id, content_hash, score, reason, created_at
		 FROM reviews WHERE resolved = 0 ORDER BY created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending reviews: %w", err)
	}
	defer rows.Close()

	var out []record.Review
	for rows.Next() {
		var (
			r  record.Review
			at int64
		)
		if err := rows.Scan(&r.ID, &r.EntityID, &r.CandidateID, &r.ContentHash, &r.Score, &r.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		r.CreatedAt = fromUnixNano(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolveReview marks a review as handled.
func (d *DB) ResolveReview(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `UPDATE reviews SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("resolve review: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve review rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("resolve review: %w", sql.ErrNoRows)
	}
	return nil
}
