package store

import (
	"context"
	"time"

	"ippproxy/internal/model"
)

const inboxColumns = `id, username, queue, title, mime_type, path, size_bytes, pages, job_uuid, supplier_job_id, state, deleted_pages, fit_to_page, media_size, created_at`

func scanInboxJob(row interface{ Scan(...any) error }) (model.InboxJob, error) {
	var j model.InboxJob
	var deleted string
	var fit int
	err := row.Scan(&j.ID, &j.Username, &j.Queue, &j.Title, &j.MimeType, &j.Path, &j.SizeBytes, &j.Pages,
		&j.JobUUID, &j.SupplierJobID, &j.State, &deleted, &fit, &j.MediaSize, &j.CreatedAt)
	if err != nil {
		return model.InboxJob{}, err
	}
	j.DeletedPages = splitInts(deleted)
	j.FitToPage = fit != 0
	return j, nil
}

// CreateInboxJob registers a pending job. The generated id doubles as the
// IPP job-id and, unless the caller supplies one, as the supplier job id.
func (s *Store) CreateInboxJob(ctx context.Context, tx *Tx, j model.InboxJob) (model.InboxJob, error) {
	now := time.Now().UTC()
	if j.State == 0 {
		j.State = model.JobPending
	}
	id, err := tx.insert(ctx, `
        INSERT INTO inbox_jobs (username, queue, title, mime_type, path, size_bytes, pages, job_uuid, supplier_job_id, state, deleted_pages, fit_to_page, media_size, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, j.Username, j.Queue, j.Title, j.MimeType, j.Path, j.SizeBytes, j.Pages, j.JobUUID, j.SupplierJobID, j.State,
		joinInts(j.DeletedPages), boolInt(j.FitToPage), j.MediaSize, now)
	if err != nil {
		return model.InboxJob{}, err
	}
	j.ID = id
	j.CreatedAt = now
	if j.SupplierJobID == 0 {
		j.SupplierJobID = id
		if _, err := tx.ExecContext(ctx, `UPDATE inbox_jobs SET supplier_job_id = ? WHERE id = ?`, id, id); err != nil {
			return model.InboxJob{}, err
		}
	}
	return j, nil
}

func (s *Store) GetInboxJob(ctx context.Context, tx *Tx, id int64) (model.InboxJob, error) {
	j, err := scanInboxJob(tx.QueryRowContext(ctx, `SELECT `+inboxColumns+` FROM inbox_jobs WHERE id = ?`, id))
	return j, notFound(err)
}

// AttachInboxDocument records the spooled document of a job.
func (s *Store) AttachInboxDocument(ctx context.Context, tx *Tx, id int64, path, mimeType string, size int64, pages int) error {
	res, err := tx.ExecContext(ctx, `
        UPDATE inbox_jobs SET path = ?, mime_type = ?, size_bytes = ?, pages = ? WHERE id = ?
    `, path, mimeType, size, pages, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateInboxJobState(ctx context.Context, tx *Tx, id int64, state int) error {
	_, err := tx.ExecContext(ctx, `UPDATE inbox_jobs SET state = ? WHERE id = ?`, state, id)
	return err
}

// ListInbox returns the user's completed inbox documents in arrival order.
func (s *Store) ListInbox(ctx context.Context, tx *Tx, username string) ([]model.InboxJob, error) {
	rows, err := tx.QueryContext(ctx, `
        SELECT `+inboxColumns+`
        FROM inbox_jobs
        WHERE username = ? AND state = ?
        ORDER BY id ASC
    `, username, model.JobCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.InboxJob{}
	for rows.Next() {
		j, err := scanInboxJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) SetInboxDeletedPages(ctx context.Context, tx *Tx, id int64, pages []int) error {
	_, err := tx.ExecContext(ctx, `UPDATE inbox_jobs SET deleted_pages = ? WHERE id = ?`, joinInts(pages), id)
	return err
}

func (s *Store) DeleteInboxJob(ctx context.Context, tx *Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM inbox_jobs WHERE id = ?`, id)
	return err
}

// UserInbox lists the user's inbox outside of a caller transaction.
func (s *Store) UserInbox(ctx context.Context, username string) ([]model.InboxJob, error) {
	var out []model.InboxJob
	err := s.WithTx(ctx, true, func(tx *Tx) error {
		var err error
		out, err = s.ListInbox(ctx, tx, username)
		return err
	})
	return out, err
}

// ClearInbox removes whole jobs and records deleted pages of the others in
// one transaction.
func (s *Store) ClearInbox(ctx context.Context, remove []int64, deleted map[int64][]int) error {
	return s.WithTx(ctx, false, func(tx *Tx) error {
		for _, id := range remove {
			if err := s.DeleteInboxJob(ctx, tx, id); err != nil {
				return err
			}
		}
		for id, pages := range deleted {
			if err := s.SetInboxDeletedPages(ctx, tx, id, pages); err != nil {
				return err
			}
		}
		return nil
	})
}

// InboxPaths returns the spool paths still referenced by inbox jobs.
func (s *Store) InboxPaths(ctx context.Context, tx *Tx) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT path FROM inbox_jobs WHERE path <> ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[p] = true
	}
	return out, rows.Err()
}
