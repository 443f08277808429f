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

// InsertDisposal appends a disposal event to the log.
func (db *DB) InsertDisposal(ctx context.Context, event models.DisposalEvent) error {
	_, err := db.conn.ExecContext(ctx, `INSERT INTO disposals (
		id, user_id, bottle_count, points_accumulated, occurred_at, archived
	) VALUES (?, ?, ?, ?, ?, 0)`,
		event.ID,
		event.UserID,
		event.BottleCount,
		event.PointsAccumulated,
		event.OccurredAt.UnixNano(),
	)
	return classify("insert disposal", err)
}

// ArchiveDisposal flags a disposal event as archived and returns its owner.
// Archived events no longer count towards the ledger.
func (db *DB) ArchiveDisposal(ctx context.Context, id string) (string, error) {
	return db.archive(ctx, "disposals", "disposal", id)
}

// ArchiveClaim flags a reward claim as archived and returns its owner.
func (db *DB) ArchiveClaim(ctx context.Context, id string) (string, error) {
	return db.archive(ctx, "reward_claims", "reward claim", id)
}

func (db *DB) archive(ctx context.Context, table, resource, id string) (string, error) {
	var userID string
	err := db.conn.QueryRowContext(ctx,
		fmt.Sprintf(`UPDATE %s SET archived = 1 WHERE id = ? RETURNING user_id`, table), id).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFound(resource, id)
	}
	if err != nil {
		return "", classify("archive "+resource, err)
	}
	return userID, nil
}

// SumDisposalPoints totals points accumulated by a user over non-archived disposals.
func (db *DB) SumDisposalPoints(ctx context.Context, userID string) (int64, error) {
	return sumDisposalPoints(ctx, db.conn, userID)
}

// SumClaimPoints totals points spent by a user over non-archived claims.
func (db *DB) SumClaimPoints(ctx context.Context, userID string) (int64, error) {
	return sumClaimPoints(ctx, db.conn, userID)
}

// SumBottleCount totals bottles deposited by a user over non-archived disposals.
func (db *DB) SumBottleCount(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := db.conn.QueryRowContext(ctx, `SELECT COALESCE(SUM(bottle_count), 0)
		FROM disposals WHERE user_id = ? AND archived = 0`, userID).Scan(&total)
	return total, classify("sum bottle count", err)
}

func sumDisposalPoints(ctx context.Context, q querier, userID string) (int64, error) {
	var total int64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(SUM(points_accumulated), 0)
		FROM disposals WHERE user_id = ? AND archived = 0`, userID).Scan(&total)
	return total, classify("sum disposal points", err)
}

func sumClaimPoints(ctx context.Context, q querier, userID string) (int64, error) {
	var total int64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(SUM(points_spent), 0)
		FROM reward_claims WHERE user_id = ? AND archived = 0`, userID).Scan(&total)
	return total, classify("sum claim points", err)
}

// CommitClaim appends a reward claim and decrements the reward stock in one
// write transaction. The ledger balance and the stock are both re-checked
// under the write lock, so concurrent claims can neither overspend a user nor
// oversell a reward. A failed stock precondition is reported as
// StockUpdate{Applied: false} with no claim written.
func (db *DB) CommitClaim(ctx context.Context, claim models.RewardClaim) (StockUpdate, error) {
	var update StockUpdate

	err := db.withTx(ctx, "commit claim", func(tx *sql.Tx) error {
		accrued, err := sumDisposalPoints(ctx, tx, claim.UserID)
		if err != nil {
			return err
		}
		spent, err := sumClaimPoints(ctx, tx, claim.UserID)
		if err != nil {
			return err
		}
		if accrued-spent < claim.PointsSpent {
			return apperr.Reject(apperr.ReasonInsufficientPoints,
				fmt.Sprintf("insufficient points: %d available, %d required", max(accrued-spent, 0), claim.PointsSpent))
		}

		update, err = decrementStock(ctx, tx, claim.RewardID, 1)
		if err != nil {
			return err
		}
		if !update.Applied {
			return nil
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO reward_claims (
			id, user_id, reward_id, points_spent, claimed_at, archived
		) VALUES (?, ?, ?, ?, ?, 0)`,
			claim.ID,
			claim.UserID,
			claim.RewardID,
			claim.PointsSpent,
			claim.ClaimedAt.UnixNano(),
		)
		return classify("insert reward claim", err)
	})
	if err != nil {
		return StockUpdate{}, err
	}
	return update, nil
}

// ListDisposals returns a user's disposal history, newest first.
func (db *DB) ListDisposals(ctx context.Context, userID string, includeArchived bool) ([]models.DisposalEvent, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, user_id, bottle_count, points_accumulated, occurred_at, archived
		FROM disposals
		WHERE user_id = ? AND (archived = 0 OR ?)
		ORDER BY occurred_at DESC, id`, userID, includeArchived)
	if err != nil {
		return nil, classify("list disposals", err)
	}
	defer rows.Close()

	events := []models.DisposalEvent{}
	for rows.Next() {
		var e models.DisposalEvent
		var occurredAt int64
		var archived int
		if err := rows.Scan(&e.ID, &e.UserID, &e.BottleCount, &e.PointsAccumulated, &occurredAt, &archived); err != nil {
			return nil, fmt.Errorf("failed to scan disposal: %w", err)
		}
		e.OccurredAt = time.Unix(0, occurredAt).UTC()
		e.Archived = archived == 1
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterate disposals", err)
	}
	return events, nil
}

// ListClaims returns a user's reward claim history, newest first.
func (db *DB) ListClaims(ctx context.Context, userID string, includeArchived bool) ([]models.RewardClaim, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, user_id, reward_id, points_spent, claimed_at, archived
		FROM reward_claims
		WHERE user_id = ? AND (archived = 0 OR ?)
		ORDER BY claimed_at DESC, id`, userID, includeArchived)
	if err != nil {
		return nil, classify("list claims", err)
	}
	defer rows.Close()

	claims := []models.RewardClaim{}
	for rows.Next() {
		var c models.RewardClaim
		var claimedAt int64
		var archived int
		if err := rows.Scan(&c.ID, &c.UserID, &c.RewardID, &c.PointsSpent, &claimedAt, &archived); err != nil {
			return nil, fmt.Errorf("failed to scan reward claim: %w", err)
		}
		c.ClaimedAt = time.Unix(0, claimedAt).UTC()
		c.Archived = archived == 1
		claims = append(claims, c)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterate reward claims", err)
	}
	return claims, nil
}

// CountClaimsForReward counts committed, non-archived claims of a reward.
func (db *DB) CountClaimsForReward(ctx context.Context, rewardID string) (int64, error) {
	var n int64
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM reward_claims
		WHERE reward_id = ? AND archived = 0`, rewardID).Scan(&n)
	return n, classify("count reward claims", err)
}
