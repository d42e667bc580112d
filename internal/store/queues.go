package store

import (
	"context"
	"strings"
	"time"

	"ippproxy/internal/model"
)

const queueColumns = `id, name, trusted, allowed_nets, proxy_printer, disabled, deleted, created_at, updated_at`

func scanQueue(row interface{ Scan(...any) error }) (model.Queue, error) {
	var q model.Queue
	var trusted, disabled, deleted int
	if err := row.Scan(&q.ID, &q.Name, &trusted, &q.AllowedNets, &q.ProxyPrinter, &disabled, &deleted, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return model.Queue{}, err
	}
	q.Trusted = trusted != 0
	q.Disabled = disabled != 0
	q.Deleted = deleted != 0
	return q, nil
}

// EnsureDefaultQueue creates the named queue when no queue exists yet.
func (s *Store) EnsureDefaultQueue(ctx context.Context, name string) error {
	return s.WithTx(ctx, false, func(tx *Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM queues").Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		_, err := s.UpsertQueue(ctx, tx, model.Queue{Name: name})
		return err
	})
}

func (s *Store) GetQueue(ctx context.Context, tx *Tx, name string) (model.Queue, error) {
	q, err := scanQueue(tx.QueryRowContext(ctx, `
        SELECT `+queueColumns+`
        FROM queues
        WHERE name = ? AND deleted = 0
    `, strings.ToLower(name)))
	return q, notFound(err)
}

func (s *Store) ListQueues(ctx context.Context, tx *Tx) ([]model.Queue, error) {
	rows, err := tx.QueryContext(ctx, `
        SELECT `+queueColumns+`
        FROM queues
        WHERE deleted = 0
        ORDER BY name
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Queue{}
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// UpsertQueue creates or updates a queue by name. Queue names are stored
// lower-cased.
func (s *Store) UpsertQueue(ctx context.Context, tx *Tx, q model.Queue) (model.Queue, error) {
	now := time.Now().UTC()
	name := strings.ToLower(strings.TrimSpace(q.Name))
	_, err := tx.ExecContext(ctx, `
        INSERT INTO queues (name, trusted, allowed_nets, proxy_printer, disabled, deleted, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, 0, ?, ?)
        ON CONFLICT(name) DO UPDATE SET
            trusted = excluded.trusted,
            allowed_nets = excluded.allowed_nets,
            proxy_printer = excluded.proxy_printer,
            disabled = excluded.disabled,
            deleted = 0,
            updated_at = excluded.updated_at
    `, name, boolInt(q.Trusted), q.AllowedNets, q.ProxyPrinter, boolInt(q.Disabled), now, now)
	if err != nil {
		return model.Queue{}, err
	}
	return s.GetQueue(ctx, tx, name)
}
