package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"ippproxy/internal/model"
)

const subscriptionColumns = `id, queue_id, job_id, events, lease_seconds, owner, recipient_uri, pull_method, time_interval, user_data, created_at`

func scanSubscription(row interface{ Scan(...any) error }) (model.Subscription, error) {
	var sub model.Subscription
	err := row.Scan(&sub.ID, &sub.QueueID, &sub.JobID, &sub.Events, &sub.LeaseSecs, &sub.Owner,
		&sub.RecipientURI, &sub.PullMethod, &sub.TimeInterval, &sub.UserData, &sub.CreatedAt)
	return sub, err
}

func (s *Store) CreateSubscription(ctx context.Context, tx *Tx, queueID *int64, jobID *int64, events string, leaseSecs int64, owner string, recipientURI string, pullMethod string, timeInterval int64, userData []byte) (model.Subscription, error) {
	now := time.Now().UTC()
	events = normalizeEvents(events)
	if owner == "" {
		owner = "anonymous"
	}
	if strings.TrimSpace(pullMethod) == "" && strings.TrimSpace(recipientURI) == "" {
		pullMethod = "ippget"
	}
	var qid sql.NullInt64
	var jid sql.NullInt64
	if queueID != nil {
		qid = sql.NullInt64{Int64: *queueID, Valid: true}
	}
	if jobID != nil {
		jid = sql.NullInt64{Int64: *jobID, Valid: true}
	}
	id, err := tx.insert(ctx, `
        INSERT INTO subscriptions (queue_id, job_id, events, lease_seconds, owner, recipient_uri, pull_method, time_interval, user_data, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, qid, jid, events, leaseSecs, owner, recipientURI, pullMethod, timeInterval, userData, now)
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{
		ID:           id,
		QueueID:      qid,
		JobID:        jid,
		Events:       events,
		LeaseSecs:    leaseSecs,
		Owner:        owner,
		RecipientURI: recipientURI,
		PullMethod:   pullMethod,
		TimeInterval: timeInterval,
		UserData:     userData,
		CreatedAt:    now,
	}, nil
}

func (s *Store) GetSubscription(ctx context.Context, tx *Tx, id int64) (model.Subscription, error) {
	sub, err := scanSubscription(tx.QueryRowContext(ctx, `
        SELECT `+subscriptionColumns+`
        FROM subscriptions
        WHERE id = ?
    `, id))
	if err != nil {
		return model.Subscription{}, notFound(err)
	}
	if !subscriptionActive(sub.CreatedAt, sub.LeaseSecs, time.Now().UTC()) {
		return model.Subscription{}, ErrNotFound
	}
	return sub, nil
}

// UpdateSubscriptionLease restarts the lease of a subscription from now.
func (s *Store) UpdateSubscriptionLease(ctx context.Context, tx *Tx, id int64, leaseSecs int64) (model.Subscription, error) {
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
        UPDATE subscriptions
        SET lease_seconds = ?, created_at = ?
        WHERE id = ?
    `, leaseSecs, now, id)
	if err != nil {
		return model.Subscription{}, err
	}
	return s.GetSubscription(ctx, tx, id)
}

func (s *Store) ListSubscriptions(ctx context.Context, tx *Tx, queueID *int64, jobID *int64, owner string, limit int) ([]model.Subscription, error) {
	query := `
        SELECT ` + subscriptionColumns + `
        FROM subscriptions
        WHERE 1 = 1`
	args := []any{}
	if queueID != nil {
		query += ` AND queue_id = ?`
		args = append(args, *queueID)
	}
	if jobID != nil {
		query += ` AND job_id = ?`
		args = append(args, *jobID)
	}
	if owner != "" {
		query += ` AND owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	now := time.Now().UTC()
	out := []model.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		if subscriptionActive(sub.CreatedAt, sub.LeaseSecs, now) {
			out = append(out, sub)
		}
	}
	return out, rows.Err()
}

func (s *Store) CancelSubscription(ctx context.Context, tx *Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE subscription_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListNotifications returns events with a sequence number (the row id)
// greater than after.
func (s *Store) ListNotifications(ctx context.Context, tx *Tx, subscriptionID int64, after int64, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := tx.QueryContext(ctx, `
        SELECT id, subscription_id, event, job_id, job_state, text, created_at
        FROM notifications
        WHERE subscription_id = ? AND id > ?
        ORDER BY id ASC
        LIMIT ?
    `, subscriptionID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.SubscriptionID, &n.Event, &n.JobID, &n.JobState, &n.Text, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// AddJobEvent records event for every live subscription on the queue or
// the job that asked for it.
func (s *Store) AddJobEvent(ctx context.Context, tx *Tx, queueID int64, jobID int64, event string, jobState int, text string) error {
	now := time.Now().UTC()
	if s.MaxEvents <= 0 {
		return nil
	}
	rows, err := tx.QueryContext(ctx, `
        SELECT id, events, lease_seconds, created_at
        FROM subscriptions
        WHERE queue_id = ? OR job_id = ?
    `, queueID, jobID)
	if err != nil {
		return err
	}
	type target struct {
		id     int64
		events string
	}
	var targets []target
	for rows.Next() {
		var t target
		var lease int64
		var createdAt time.Time
		if err := rows.Scan(&t.id, &t.events, &lease, &createdAt); err != nil {
			rows.Close()
			return err
		}
		if subscriptionActive(createdAt, lease, now) && eventAllowed(t.events, event) {
			targets = append(targets, t)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, t := range targets {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO notifications (subscription_id, event, job_id, job_state, text, created_at)
            VALUES (?, ?, ?, ?, ?, ?)
        `, t.id, event, jobID, jobState, text, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
            DELETE FROM notifications
            WHERE subscription_id = ?
              AND id NOT IN (
                SELECT id FROM notifications
                WHERE subscription_id = ?
                ORDER BY id DESC
                LIMIT ?
              )
        `, t.id, t.id, s.MaxEvents); err != nil {
			return err
		}
	}
	return nil
}

// PruneExpiredSubscriptions deletes subscriptions whose lease ran out.
func (s *Store) PruneExpiredSubscriptions(ctx context.Context) (int, error) {
	pruned := 0
	err := s.WithTx(ctx, false, func(tx *Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, lease_seconds, created_at FROM subscriptions WHERE lease_seconds > 0`)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		var expired []int64
		for rows.Next() {
			var id, lease int64
			var createdAt time.Time
			if err := rows.Scan(&id, &lease, &createdAt); err != nil {
				rows.Close()
				return err
			}
			if !subscriptionActive(createdAt, lease, now) {
				expired = append(expired, id)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range expired {
			if err := s.CancelSubscription(ctx, tx, id); err != nil && err != ErrNotFound {
				return err
			}
		}
		pruned = len(expired)
		return nil
	})
	return pruned, err
}

func normalizeEvents(events string) string {
	events = strings.TrimSpace(events)
	if events == "" {
		return "all"
	}
	parts := strings.Split(events, ",")
	seen := map[string]bool{}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return "all"
	}
	return strings.Join(out, ",")
}

func subscriptionActive(createdAt time.Time, leaseSecs int64, now time.Time) bool {
	if leaseSecs <= 0 {
		return true
	}
	expireAt := createdAt.Add(time.Duration(leaseSecs) * time.Second)
	return now.Before(expireAt)
}

func eventAllowed(events string, event string) bool {
	events = normalizeEvents(events)
	if events == "all" {
		return true
	}
	for _, e := range strings.Split(events, ",") {
		e = strings.TrimSpace(e)
		if e == event {
			return true
		}
		// job-state-changed covers the more specific job events.
		if e == "job-state-changed" && strings.HasPrefix(event, "job-") {
			return true
		}
	}
	return false
}
