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

// UpsertUser creates or updates a user profile.
func (db *DB) UpsertUser(ctx context.Context, user models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO users (
		id, first_name, last_name, email, level, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		first_name = excluded.first_name,
		last_name = excluded.last_name,
		email = excluded.email,
		level = excluded.level,
		updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, query,
		user.ID,
		user.FirstName,
		user.LastName,
		user.Email,
		string(user.Level),
		user.CreatedAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339),
	)
	return classify("upsert user", err)
}

// GetUser returns the user with the given id.
func (db *DB) GetUser(ctx context.Context, id string) (models.User, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT id, first_name, last_name, email, level, created_at
		FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, apperr.NotFound("user", id)
	}
	return user, classify("get user", err)
}

// FindAdminUser returns the earliest registered administrative user.
func (db *DB) FindAdminUser(ctx context.Context) (models.User, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT id, first_name, last_name, email, level, created_at
		FROM users WHERE level = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, string(models.LevelAdmin))
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, apperr.NotFound("admin user", "")
	}
	return user, classify("find admin user", err)
}

func scanUser(row *sql.Row) (models.User, error) {
	var user models.User
	var level, createdAt string
	if err := row.Scan(&user.ID, &user.FirstName, &user.LastName, &user.Email, &level, &createdAt); err != nil {
		return models.User{}, err
	}
	user.Level = models.UserLevel(level)

	parsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	user.CreatedAt = parsed
	return user, nil
}
