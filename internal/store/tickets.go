package store

import (
	"context"
	"database/sql"
	"time"

	"ippproxy/internal/model"
)

func (s *Store) CreateJobTicket(ctx context.Context, t model.JobTicket) (model.JobTicket, error) {
	err := s.WithTx(ctx, false, func(tx *Tx) error {
		now := time.Now().UTC()
		if t.State == "" {
			t.State = model.TicketPending
		}
		id, err := tx.insert(ctx, `
            INSERT INTO job_tickets (username, printer, state, payload, cost, created_at)
            VALUES (?, ?, ?, ?, ?, ?)
        `, t.Username, t.Printer, t.State, t.Payload, t.Cost, now)
		if err != nil {
			return err
		}
		t.ID = id
		t.CreatedAt = now
		return nil
	})
	return t, err
}

func (s *Store) GetJobTicket(ctx context.Context, id int64) (model.JobTicket, error) {
	var t model.JobTicket
	err := s.WithTx(ctx, true, func(tx *Tx) error {
		var released sql.NullTime
		err := tx.QueryRowContext(ctx, `
            SELECT id, username, printer, state, payload, cost, created_at, released_at
            FROM job_tickets WHERE id = ?
        `, id).Scan(&t.ID, &t.Username, &t.Printer, &t.State, &t.Payload, &t.Cost, &t.CreatedAt, &released)
		if err != nil {
			return notFound(err)
		}
		if released.Valid {
			t.ReleasedAt = &released.Time
		}
		return nil
	})
	return t, err
}

func (s *Store) UpdateJobTicketState(ctx context.Context, id int64, state string) error {
	return s.WithTx(ctx, false, func(tx *Tx) error {
		var released sql.NullTime
		if state == model.TicketReleased {
			released = sql.NullTime{Time: time.Now().UTC(), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `UPDATE job_tickets SET state = ?, released_at = ? WHERE id = ?`, state, released, id)
		return err
	})
}

// ClaimJobTicket moves a ticket from one state to another. It reports false
// when the ticket was not in state from, so concurrent claims have one
// winner.
func (s *Store) ClaimJobTicket(ctx context.Context, id int64, from, to string) (bool, error) {
	var claimed bool
	err := s.WithTx(ctx, false, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE job_tickets SET state = ? WHERE id = ? AND state = ?`, to, id, from)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}
