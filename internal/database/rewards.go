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

// StockUpdate is the outcome of a conditional stock decrement: either the new
// stock value, or Applied=false when the precondition did not hold.
type StockUpdate struct {
	Applied bool
	Stock   int64
}

// UpsertReward creates or updates a reward.
func (db *DB) UpsertReward(ctx context.Context, reward models.Reward) error {
	query := `INSERT INTO rewards (
		id, name, description, points_required, stocks, category,
		valid_from, valid_until, status, archived, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		description = excluded.description,
		points_required = excluded.points_required,
		stocks = excluded.stocks,
		category = excluded.category,
		valid_from = excluded.valid_from,
		valid_until = excluded.valid_until,
		status = excluded.status,
		archived = excluded.archived,
		updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, query,
		reward.ID,
		reward.Name,
		reward.Description,
		reward.PointsRequired,
		reward.Stocks,
		reward.Category,
		reward.ValidFrom.UTC().Format(time.RFC3339),
		reward.ValidUntil.UTC().Format(time.RFC3339),
		string(reward.Status),
		boolToInt(reward.Archived),
		time.Now().UTC().Format(time.RFC3339),
	)
	return classify("upsert reward", err)
}

// GetReward returns the non-archived reward with the given id.
func (db *DB) GetReward(ctx context.Context, id string) (models.Reward, error) {
	query := `SELECT id, name, description, points_required, stocks, category,
		valid_from, valid_until, status, archived
		FROM rewards
		WHERE id = ? AND archived = 0`

	var reward models.Reward
	var validFrom, validUntil, status string
	var archived int

	err := db.conn.QueryRowContext(ctx, query, id).Scan(
		&reward.ID,
		&reward.Name,
		&reward.Description,
		&reward.PointsRequired,
		&reward.Stocks,
		&reward.Category,
		&validFrom,
		&validUntil,
		&status,
		&archived,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Reward{}, apperr.NotFound("reward", id)
	}
	if err != nil {
		return models.Reward{}, classify("get reward", err)
	}

	reward.Status = models.RewardStatus(status)
	reward.Archived = archived == 1

	reward.ValidFrom, err = time.Parse(time.RFC3339, validFrom)
	if err != nil {
		return models.Reward{}, fmt.Errorf("failed to parse valid_from: %w", err)
	}

	reward.ValidUntil, err = time.Parse(time.RFC3339, validUntil)
	if err != nil {
		return models.Reward{}, fmt.Errorf("failed to parse valid_until: %w", err)
	}

	return reward, nil
}

// DecrementStock lowers the stock of a reward by one, only if the current
// stock is at least expectedMinStock.
func (db *DB) DecrementStock(ctx context.Context, rewardID string, expectedMinStock int64) (StockUpdate, error) {
	return decrementStock(ctx, db.conn, rewardID, expectedMinStock)
}

func decrementStock(ctx context.Context, q querier, rewardID string, expectedMinStock int64) (StockUpdate, error) {
	if expectedMinStock < 1 {
		expectedMinStock = 1
	}

	var stock int64
	err := q.QueryRowContext(ctx, `UPDATE rewards
		SET stocks = stocks - 1
		WHERE id = ? AND archived = 0 AND stocks >= ?
		RETURNING stocks`, rewardID, expectedMinStock).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		return StockUpdate{Applied: false}, nil
	}
	if err != nil {
		return StockUpdate{}, classify("decrement stock", err)
	}
	return StockUpdate{Applied: true, Stock: stock}, nil
}
