package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ippproxy/internal/model"
)

const printOutColumns = `id, username, printer, job_name, cups_job_id, cups_job_state, cups_creation_time, cups_completed_time,
    duplex, grayscale, copies, pages, sheets, media_size, esu, cost, ticket_id, created_at, updated_at`

func scanPrintOut(row interface{ Scan(...any) error }) (model.PrintOut, error) {
	var p model.PrintOut
	var completed sql.NullTime
	var duplex, gray int
	err := row.Scan(&p.ID, &p.Username, &p.Printer, &p.JobName, &p.CupsJobID, &p.CupsJobState, &p.CupsCreationTime, &completed,
		&duplex, &gray, &p.Copies, &p.Pages, &p.Sheets, &p.MediaSize, &p.ESU, &p.Cost, &p.TicketID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return model.PrintOut{}, err
	}
	if completed.Valid {
		p.CupsCompletedTime = &completed.Time
	}
	p.Duplex = duplex != 0
	p.Grayscale = gray != 0
	return p, nil
}

// PersistPrintOut stores p. Its cost was already taken from the account
// with DebitAccount before the job was submitted.
func (s *Store) PersistPrintOut(ctx context.Context, p *model.PrintOut) error {
	return s.WithTx(ctx, false, func(tx *Tx) error {
		now := time.Now().UTC()
		var completed sql.NullTime
		if p.CupsCompletedTime != nil {
			completed = sql.NullTime{Time: *p.CupsCompletedTime, Valid: true}
		}
		id, err := tx.insert(ctx, `
            INSERT INTO print_outs (username, printer, job_name, cups_job_id, cups_job_state, cups_creation_time, cups_completed_time,
                duplex, grayscale, copies, pages, sheets, media_size, esu, cost, ticket_id, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        `, p.Username, p.Printer, p.JobName, p.CupsJobID, p.CupsJobState, p.CupsCreationTime.UTC(), completed,
			boolInt(p.Duplex), boolInt(p.Grayscale), p.Copies, p.Pages, p.Sheets, p.MediaSize, p.ESU, p.Cost, p.TicketID, now, now)
		if err != nil {
			return fmt.Errorf("insert print out: %w", err)
		}
		p.ID = id
		p.CreatedAt = now
		p.UpdatedAt = now
		return nil
	})
}

// FindCupsJob returns the most recent PrintOut of a CUPS job.
func (s *Store) FindCupsJob(ctx context.Context, printer string, cupsJobID int) (model.PrintOut, error) {
	var p model.PrintOut
	err := s.WithTx(ctx, true, func(tx *Tx) error {
		var err error
		p, err = scanPrintOut(tx.QueryRowContext(ctx, `
            SELECT `+printOutColumns+`
            FROM print_outs
            WHERE printer = ? AND cups_job_id = ?
            ORDER BY id DESC
            LIMIT 1
        `, printer, cupsJobID))
		return notFound(err)
	})
	return p, err
}

// UpdateCupsJobState records a CUPS job state. completed is only written
// when non-nil.
func (s *Store) UpdateCupsJobState(ctx context.Context, id int64, state int, completed *time.Time) error {
	return s.WithTx(ctx, false, func(tx *Tx) error {
		now := time.Now().UTC()
		var err error
		if completed != nil {
			_, err = tx.ExecContext(ctx, `
                UPDATE print_outs SET cups_job_state = ?, cups_completed_time = ?, updated_at = ? WHERE id = ?
            `, state, completed.UTC(), now, id)
		} else {
			_, err = tx.ExecContext(ctx, `
                UPDATE print_outs SET cups_job_state = ?, updated_at = ? WHERE id = ?
            `, state, now, id)
		}
		return err
	})
}

// ListActivePrintOuts returns PrintOuts whose CUPS job has not reached a
// terminal state.
func (s *Store) ListActivePrintOuts(ctx context.Context) ([]model.PrintOut, error) {
	out := []model.PrintOut{}
	err := s.WithTx(ctx, true, func(tx *Tx) error {
		rows, err := tx.QueryContext(ctx, `
            SELECT `+printOutColumns+`
            FROM print_outs
            WHERE cups_job_state IN (?, ?, ?, ?)
            ORDER BY id ASC
        `, model.JobPending, model.JobPendingHeld, model.JobProcessing, model.JobProcessingStopped)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanPrintOut(rows)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}
