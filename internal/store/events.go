package store

import (
	"context"
	"time"

	"ippproxy/internal/model"
)

func (s *Store) AddAdminEvent(ctx context.Context, e model.AdminEvent) (int64, error) {
	var id int64
	err := s.WithTx(ctx, false, func(tx *Tx) error {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		var err error
		id, err = tx.insert(ctx, `
            INSERT INTO admin_events (topic, level, message, created_at) VALUES (?, ?, ?, ?)
        `, e.Topic, e.Level, e.Message, e.CreatedAt)
		return err
	})
	return id, err
}

// ListAdminEvents returns the newest events first.
func (s *Store) ListAdminEvents(ctx context.Context, tx *Tx, limit int) ([]model.AdminEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := tx.QueryContext(ctx, `
        SELECT id, topic, level, message, created_at
        FROM admin_events
        ORDER BY id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.AdminEvent{}
	for rows.Next() {
		var e model.AdminEvent
		if err := rows.Scan(&e.ID, &e.Topic, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
