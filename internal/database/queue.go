package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bottle-rewards-api/internal/apperr"
	"bottle-rewards-api/internal/models"
)

// Promotion is the outcome of a promotion attempt.
type Promotion struct {
	Promoted bool
	EntryID  string
}

// InsertQueueEntry appends an entry to the queue.
func (db *DB) InsertQueueEntry(ctx context.Context, entry models.QueueEntry) error {
	return insertQueueEntry(ctx, db.conn, entry)
}

func insertQueueEntry(ctx context.Context, q querier, entry models.QueueEntry) error {
	status := entry.Status
	if status == "" {
		status = models.QueuePending
	}
	_, err := q.ExecContext(ctx, `INSERT INTO queue_entries (
		id, user_id, lat, lon, location_name, requested_at, status
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.UserID,
		entry.Location.Lat,
		entry.Location.Lon,
		entry.Location.Name,
		entry.RequestedAt.UnixNano(),
		string(status),
	)
	return classify("insert queue entry", err)
}

// DeleteQueueEntry removes an entry regardless of its status.
func (db *DB) DeleteQueueEntry(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ?`, id)
	if err != nil {
		return classify("delete queue entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("delete queue entry", err)
	}
	if n == 0 {
		return apperr.NotFound("queue entry", id)
	}
	return nil
}

// GetQueueEntry returns a single queue entry.
func (db *DB) GetQueueEntry(ctx context.Context, id string) (models.QueueEntry, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT id, user_id, lat, lon, location_name, requested_at, status
		FROM queue_entries WHERE id = ?`, id)

	var e models.QueueEntry
	var requestedAt int64
	var status string
	err := row.Scan(&e.ID, &e.UserID, &e.Location.Lat, &e.Location.Lon, &e.Location.Name, &requestedAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueEntry{}, apperr.NotFound("queue entry", id)
	}
	if err != nil {
		return models.QueueEntry{}, classify("get queue entry", err)
	}
	e.RequestedAt = time.Unix(0, requestedAt).UTC()
	e.Status = models.QueueStatus(status)
	return e, nil
}

// PromoteNext moves the earliest pending entry to in_progress, but only when
// no entry is currently in progress. The check and the update are a single
// statement, so two concurrent promotions cannot both succeed.
func (db *DB) PromoteNext(ctx context.Context) (Promotion, error) {
	var id string
	err := db.conn.QueryRowContext(ctx, `UPDATE queue_entries
		SET status = 'in_progress'
		WHERE seq = (
			SELECT seq FROM queue_entries
			WHERE status = 'pending'
			ORDER BY requested_at ASC, seq ASC
			LIMIT 1
		)
		AND NOT EXISTS (
			SELECT 1 FROM queue_entries WHERE status = 'in_progress'
		)
		RETURNING id`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Promotion{}, nil
	}
	if err != nil {
		return Promotion{}, classify("promote queue entry", err)
	}
	return Promotion{Promoted: true, EntryID: id}, nil
}

// CompleteQueueEntry finishes the in-progress entry and removes it in one
// transaction. It reports false, writing nothing, when the entry is not in
// progress.
func (db *DB) CompleteQueueEntry(ctx context.Context, id string) (bool, error) {
	completed := false
	err := db.withTx(ctx, "complete queue entry", func(tx *sql.Tx) error {
		changed, err := setQueueEntryStatus(ctx, tx, id, models.QueueInProgress, models.QueueCompleted)
		if err != nil || !changed {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ? AND status = ?`,
			id, string(models.QueueCompleted)); err != nil {
			return classify("remove completed queue entry", err)
		}
		completed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return completed, nil
}

// setQueueEntryStatus moves an entry from one status to another, only if it
// is currently in the expected status. It reports whether the row changed.
// Moving to in_progress is additionally guarded by the single-active index.
func setQueueEntryStatus(ctx context.Context, q querier, id string, from, to models.QueueStatus) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE queue_entries SET status = ?
		WHERE id = ? AND status = ?`, string(to), id, string(from))
	if err != nil {
		return false, classify("set queue entry status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("set queue entry status", err)
	}
	return n == 1, nil
}

// ResetQueue replaces the whole queue with a single entry.
func (db *DB) ResetQueue(ctx context.Context, entry models.QueueEntry) error {
	return db.withTx(ctx, "reset queue", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries`); err != nil {
			return classify("clear queue", err)
		}
		return insertQueueEntry(ctx, tx, entry)
	})
}

// ListQueue returns every entry ordered by request time, annotated with the
// requesting user's display data.
func (db *DB) ListQueue(ctx context.Context) ([]models.QueueEntryView, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT q.id, q.user_id, q.lat, q.lon, q.location_name,
			q.requested_at, q.status,
			COALESCE(u.first_name, ''), COALESCE(u.last_name, ''), COALESCE(u.email, '')
		FROM queue_entries q
		LEFT JOIN users u ON u.id = q.user_id
		ORDER BY q.requested_at ASC, q.seq ASC`)
	if err != nil {
		return nil, classify("list queue", err)
	}
	defer rows.Close()

	entries := []models.QueueEntryView{}
	for rows.Next() {
		var v models.QueueEntryView
		var requestedAt int64
		var status string
		var user models.User
		err := rows.Scan(
			&v.ID, &v.UserID, &v.Location.Lat, &v.Location.Lon, &v.Location.Name,
			&requestedAt, &status,
			&user.FirstName, &user.LastName, &user.Email,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		v.RequestedAt = time.Unix(0, requestedAt).UTC()
		v.Status = models.QueueStatus(status)
		v.UserName = user.DisplayName()
		v.UserEmail = user.Email
		entries = append(entries, v)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterate queue", err)
	}
	return entries, nil
}

// ListQueueByStatus returns entries in one status ordered by request time.
func (db *DB) ListQueueByStatus(ctx context.Context, status models.QueueStatus) ([]models.QueueEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, user_id, lat, lon, location_name, requested_at, status
		FROM queue_entries
		WHERE status = ?
		ORDER BY requested_at ASC, seq ASC`, string(status))
	if err != nil {
		return nil, classify("list queue by status", err)
	}
	defer rows.Close()

	entries := []models.QueueEntry{}
	for rows.Next() {
		var e models.QueueEntry
		var requestedAt int64
		var s string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Location.Lat, &e.Location.Lon, &e.Location.Name, &requestedAt, &s); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.RequestedAt = time.Unix(0, requestedAt).UTC()
		e.Status = models.QueueStatus(s)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterate queue", err)
	}
	return entries, nil
}
