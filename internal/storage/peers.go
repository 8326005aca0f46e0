package storage

import (
	"context"
	"fmt"

	"github.com/ssd-technologies/confluence/internal/identity"
	"github.com/ssd-technologies/confluence/internal/registry"
)

// SavePeer inserts or replaces a peer row.
func (d *DB) SavePeer(ctx context.Context, p registry.PeerDescriptor) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO peers (id, endpoint, public_key, health, reliability, last_contact, last_attempt, successes, failures)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   endpoint = excluded.endpoint,
		   public_key = excluded.public_key,
		   health = excluded.health,
		   reliability = excluded.reliability,
		   last_contact = excluded.last_contact,
		   last_attempt = excluded.last_attempt,
		   successes = excluded.successes,
		   failures = excluded.failures`,
		string(p.ID), p.Endpoint, p.PublicKey, p.Health, p.Reliability,
		toUnixNano(p.LastContact), toUnixNano(p.LastAttempt), p.Successes, p.Failures,
	)
	if err != nil {
		return fmt.Errorf("save peer: %w", err)
	}
	return nil
}

// LoadPeers returns every stored peer ordered by id.
func (d *DB) LoadPeers(ctx context.Context) ([]registry.PeerDescriptor, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, endpoint, public_key, health, reliability, last_contact, last_attempt, successes, failures
		 FROM peers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load peers: %w", err)
	}
	defer rows.Close()

	var peers []registry.PeerDescriptor
	for rows.Next() {
		var (
			p                    registry.PeerDescriptor
			id                   string
			lastContact, lastTry int64
		)
		if err := rows.Scan(&id, &p.Endpoint, &p.PublicKey, &p.Health, &p.Reliability,
			&lastContact, &lastTry, &p.Successes, &p.Failures); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		p.ID = identity.InstanceID(id)
		p.LastContact = fromUnixNano(lastContact)
		p.LastAttempt = fromUnixNano(lastTry)
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// DeletePeer removes a peer row. It reports whether a row existed.
func (d *DB) DeletePeer(ctx context.Context, id identity.InstanceID) (bool, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM peers WHERE id = ?`, string(id))
	if err != nil {
		return false, fmt.Errorf("delete peer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete peer rows affected: %w", err)
	}
	return n > 0, nil
}
