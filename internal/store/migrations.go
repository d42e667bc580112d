package store

import (
	"context"
	"strings"
)

func (s *Store) migrate(ctx context.Context) error {
	r := strings.NewReplacer(
		"{{id}}", s.dialect.AutoIncrement(),
		"{{ts}}", s.dialect.TimestampType(),
		"{{blob}}", s.dialect.BlobType(),
	)
	return s.WithTx(ctx, false, func(tx *Tx) error {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS queues (
                id {{id}},
                name TEXT NOT NULL UNIQUE,
                trusted INTEGER NOT NULL DEFAULT 0,
                allowed_nets TEXT NOT NULL DEFAULT '',
                proxy_printer TEXT NOT NULL DEFAULT '',
                disabled INTEGER NOT NULL DEFAULT 0,
                deleted INTEGER NOT NULL DEFAULT 0,
                created_at {{ts}} NOT NULL,
                updated_at {{ts}} NOT NULL
            )`,
			`CREATE TABLE IF NOT EXISTS printers (
                id {{id}},
                name TEXT NOT NULL UNIQUE,
                display_name TEXT NOT NULL DEFAULT '',
                job_ticket INTEGER NOT NULL DEFAULT 0,
                disabled INTEGER NOT NULL DEFAULT 0,
                deleted INTEGER NOT NULL DEFAULT 0,
                created_at {{ts}} NOT NULL,
                updated_at {{ts}} NOT NULL
            )`,
			`CREATE TABLE IF NOT EXISTS printer_access (
                printer_id INTEGER NOT NULL,
                username TEXT NOT NULL,
                PRIMARY KEY (printer_id, username),
                FOREIGN KEY (printer_id) REFERENCES printers(id) ON DELETE CASCADE
            )`,
			`CREATE TABLE IF NOT EXISTS users (
                id {{id}},
                username TEXT NOT NULL UNIQUE,
                password_hash TEXT NOT NULL,
                is_admin INTEGER NOT NULL DEFAULT 0,
                disabled INTEGER NOT NULL DEFAULT 0,
                created_at {{ts}} NOT NULL,
                updated_at {{ts}} NOT NULL
            )`,
			`CREATE TABLE IF NOT EXISTS accounts (
                username TEXT PRIMARY KEY,
                balance INTEGER NOT NULL DEFAULT 0,
                credit_limit INTEGER NOT NULL DEFAULT 0,
                updated_at {{ts}} NOT NULL
            )`,
			`CREATE TABLE IF NOT EXISTS cost_params (
                media_size TEXT PRIMARY KEY,
                price_gray INTEGER NOT NULL DEFAULT 0,
                price_color INTEGER NOT NULL DEFAULT 0,
                duplex_discount INTEGER NOT NULL DEFAULT 0,
                eco_discount INTEGER NOT NULL DEFAULT 0
            )`,
			`CREATE TABLE IF NOT EXISTS inbox_jobs (
                id {{id}},
                username TEXT NOT NULL,
                queue TEXT NOT NULL DEFAULT '',
                title TEXT NOT NULL DEFAULT '',
                mime_type TEXT NOT NULL DEFAULT '',
                path TEXT NOT NULL DEFAULT '',
                size_bytes INTEGER NOT NULL DEFAULT 0,
                pages INTEGER NOT NULL DEFAULT 0,
                job_uuid TEXT NOT NULL DEFAULT '',
                supplier_job_id INTEGER NOT NULL DEFAULT 0,
                state INTEGER NOT NULL,
                deleted_pages TEXT NOT NULL DEFAULT '',
                fit_to_page INTEGER NOT NULL DEFAULT 0,
                media_size TEXT NOT NULL DEFAULT '',
                created_at {{ts}} NOT NULL
            )`,
			`CREATE TABLE IF NOT EXISTS print_outs (
                id {{id}},
                username TEXT NOT NULL,
                printer TEXT NOT NULL,
                job_name TEXT NOT NULL DEFAULT '',
                cups_job_id INTEGER NOT NULL,
                cups_job_state INTEGER NOT NULL,
                cups_creation_time {{ts}} NOT NULL,
                cups_completed_time {{ts}},
                duplex INTEGER NOT NULL DEFAULT 0,
                grayscale INTEGER NOT NULL DEFAULT 0,
                copies INTEGER NOT NULL DEFAULT 1,
                pages INTEGER NOT NULL DEFAULT 0,
                sheets INTEGER NOT NULL DEFAULT 0,
                media_size TEXT NOT NULL DEFAULT '',
                esu INTEGER NOT NULL DEFAULT 0,
                cost INTEGER NOT NULL DEFAULT 0,
                ticket_id INTEGER,
                created_at {{ts}} NOT NULL,
                updated_at {{ts}} NOT NULL
            )`,
			`CREATE INDEX IF NOT EXISTS print_outs_cups_job ON print_outs (printer, cups_job_id)`,
			`CREATE TABLE IF NOT EXISTS job_tickets (
                id {{id}},
                username TEXT NOT NULL,
                printer TEXT NOT NULL,
                state TEXT NOT NULL,
                payload TEXT NOT NULL DEFAULT '',
                cost INTEGER NOT NULL DEFAULT 0,
                created_at {{ts}} NOT NULL,
                released_at {{ts}}
            )`,
			`CREATE TABLE IF NOT EXISTS admin_events (
                id {{id}},
                topic TEXT NOT NULL,
                level TEXT NOT NULL,
                message TEXT NOT NULL,
                created_at {{ts}} NOT NULL
            )`,
			`CREATE TABLE IF NOT EXISTS subscriptions (
                id {{id}},
                queue_id INTEGER,
                job_id INTEGER,
                events TEXT NOT NULL DEFAULT 'all',
                lease_seconds INTEGER NOT NULL DEFAULT 0,
                owner TEXT NOT NULL DEFAULT '',
                recipient_uri TEXT NOT NULL DEFAULT '',
                pull_method TEXT NOT NULL DEFAULT '',
                time_interval INTEGER NOT NULL DEFAULT 0,
                user_data {{blob}},
                created_at {{ts}} NOT NULL
            )`,
			`CREATE TABLE IF NOT EXISTS notifications (
                id {{id}},
                subscription_id INTEGER NOT NULL,
                event TEXT NOT NULL,
                job_id INTEGER NOT NULL DEFAULT 0,
                job_state INTEGER NOT NULL DEFAULT 0,
                text TEXT NOT NULL DEFAULT '',
                created_at {{ts}} NOT NULL,
                FOREIGN KEY (subscription_id) REFERENCES subscriptions(id) ON DELETE CASCADE
            )`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, r.Replace(stmt)); err != nil {
				return err
			}
		}
		return nil
	})
}
