package store

import (
	"context"
	"strings"
	"time"

	"ippproxy/internal/model"
)

func (s *Store) GetPrinterByName(ctx context.Context, tx *Tx, name string) (model.Printer, error) {
	var p model.Printer
	var ticket, disabled, deleted int
	err := tx.QueryRowContext(ctx, `
        SELECT id, name, display_name, job_ticket, disabled, deleted, created_at, updated_at
        FROM printers
        WHERE name = ?
    `, strings.ToUpper(name)).Scan(&p.ID, &p.Name, &p.DisplayName, &ticket, &disabled, &deleted, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return model.Printer{}, notFound(err)
	}
	p.JobTicket = ticket != 0
	p.Disabled = disabled != 0
	p.Deleted = deleted != 0
	return p, nil
}

// EnsurePrinter returns the id of the persisted printer, creating it or
// clearing its deleted flag as needed.
func (s *Store) EnsurePrinter(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.WithTx(ctx, false, func(tx *Tx) error {
		now := time.Now().UTC()
		p, err := s.GetPrinterByName(ctx, tx, name)
		switch {
		case err == nil:
			id = p.ID
			if p.Deleted {
				_, err = tx.ExecContext(ctx, `UPDATE printers SET deleted = 0, updated_at = ? WHERE id = ?`, now, p.ID)
			}
			return err
		case err != ErrNotFound:
			return err
		}
		id, err = tx.insert(ctx, `
            INSERT INTO printers (name, display_name, created_at, updated_at)
            VALUES (?, ?, ?, ?)
        `, strings.ToUpper(name), name, now, now)
		return err
	})
	return id, err
}

func (s *Store) MarkPrinterDeleted(ctx context.Context, tx *Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE printers SET deleted = 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func (s *Store) SetPrinterJobTicket(ctx context.Context, tx *Tx, id int64, ticket bool) error {
	_, err := tx.ExecContext(ctx, `UPDATE printers SET job_ticket = ?, updated_at = ? WHERE id = ?`, boolInt(ticket), time.Now().UTC(), id)
	return err
}

func (s *Store) GrantPrinterAccess(ctx context.Context, tx *Tx, printerID int64, username string) error {
	_, err := tx.ExecContext(ctx, `
        INSERT INTO printer_access (printer_id, username) VALUES (?, ?)
        ON CONFLICT(printer_id, username) DO NOTHING
    `, printerID, username)
	return err
}

// PrinterAccessGranted reports whether username may print to the printer.
// A printer without access rows is open to every user; a disabled or
// deleted printer is open to none.
func (s *Store) PrinterAccessGranted(ctx context.Context, printer, username string) (bool, error) {
	granted := false
	err := s.WithTx(ctx, true, func(tx *Tx) error {
		p, err := s.GetPrinterByName(ctx, tx, printer)
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		if p.Disabled || p.Deleted {
			return nil
		}
		var total, match int
		if err := tx.QueryRowContext(ctx, `
            SELECT COUNT(*), COALESCE(SUM(CASE WHEN username = ? THEN 1 ELSE 0 END), 0)
            FROM printer_access
            WHERE printer_id = ?
        `, username, p.ID).Scan(&total, &match); err != nil {
			return err
		}
		granted = total == 0 || match > 0
		return nil
	})
	return granted, err
}

// PrinterRequiresTicket reports whether jobs for printer are held as job
// tickets. Unknown printers do not require one.
func (s *Store) PrinterRequiresTicket(ctx context.Context, printer string) (bool, error) {
	var ticket bool
	err := s.WithTx(ctx, true, func(tx *Tx) error {
		p, err := s.GetPrinterByName(ctx, tx, printer)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		ticket = p.JobTicket
		return nil
	})
	return ticket, err
}
