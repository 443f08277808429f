package service

import (
	"context"
	"fmt"
	"time"

	"bottle-rewards-api/internal/apperr"
	"bottle-rewards-api/internal/database"
	"bottle-rewards-api/internal/models"
)

// RewardCatalog exposes the reward metadata a claim is checked against.
type RewardCatalog interface {
	GetReward(ctx context.Context, id string) (models.Reward, error)
}

// ClaimStore commits a claim together with its stock decrement.
type ClaimStore interface {
	CommitClaim(ctx context.Context, claim models.RewardClaim) (database.StockUpdate, error)
}

// ClaimResult is a committed claim and the stock left after it.
type ClaimResult struct {
	Claim          models.RewardClaim
	RemainingStock int64
}

// RedemptionEngine validates and commits reward claims. It is the only
// writer of stock decrements and claim records.
type RedemptionEngine struct {
	catalog RewardCatalog
	claims  ClaimStore
	ledger  *Ledger
	newID   func() string
}

// NewRedemptionEngine creates a redemption engine.
func NewRedemptionEngine(catalog RewardCatalog, claims ClaimStore, ledger *Ledger, newID func() string) *RedemptionEngine {
	return &RedemptionEngine{
		catalog: catalog,
		claims:  claims,
		ledger:  ledger,
		newID:   newID,
	}
}

// Claim redeems a reward for a user at the given instant.
//
// Checks run in a fixed order: status, validity window, points, stock. No
// check touches the stock; the decrement happens only in the final commit,
// which re-checks points and stock under the store's write lock.
func (e *RedemptionEngine) Claim(ctx context.Context, userID, rewardID string, now time.Time) (ClaimResult, error) {
	reward, err := e.catalog.GetReward(ctx, rewardID)
	if err != nil {
		return ClaimResult{}, err
	}

	if reward.Status != models.RewardActive {
		return ClaimResult{}, apperr.Reject(apperr.ReasonRewardInactive,
			fmt.Sprintf("reward %s is not active", reward.ID))
	}

	if !WithinValidityWindow(reward, now) {
		return ClaimResult{}, apperr.Reject(apperr.ReasonOutsideValidityWindow,
			fmt.Sprintf("reward %s is valid from %s to %s", reward.ID,
				reward.ValidFrom.Format(time.DateOnly), reward.ValidUntil.Format(time.DateOnly)))
	}

	available, err := e.ledger.AvailablePoints(ctx, userID)
	if err != nil {
		return ClaimResult{}, err
	}
	if available < reward.PointsRequired {
		return ClaimResult{}, apperr.Reject(apperr.ReasonInsufficientPoints,
			fmt.Sprintf("insufficient points: %d available, %d required", available, reward.PointsRequired))
	}

	if reward.Stocks <= 0 {
		return ClaimResult{}, outOfStock(reward.ID)
	}

	claim := models.RewardClaim{
		ID:          e.newID(),
		UserID:      userID,
		RewardID:    reward.ID,
		PointsSpent: reward.PointsRequired,
		ClaimedAt:   now.UTC(),
	}

	update, err := e.claims.CommitClaim(ctx, claim)
	if err != nil {
		return ClaimResult{}, err
	}

	if !update.Applied {
		// Someone else took the stock between the read and the commit.
		current, err := e.catalog.GetReward(ctx, rewardID)
		if err != nil {
			return ClaimResult{}, err
		}
		if current.Stocks <= 0 {
			return ClaimResult{}, outOfStock(reward.ID)
		}
		return ClaimResult{}, apperr.Conflict(fmt.Sprintf("stock of reward %s changed during claim", reward.ID))
	}

	return ClaimResult{Claim: claim, RemainingStock: update.Stock}, nil
}

func outOfStock(rewardID string) error {
	return apperr.Reject(apperr.ReasonOutOfStock, fmt.Sprintf("reward %s is out of stock", rewardID))
}

// WithinValidityWindow reports whether now falls on or between the reward's
// first and last valid calendar day (UTC). Time of day is ignored.
func WithinValidityWindow(reward models.Reward, now time.Time) bool {
	day := calendarDay(now)
	return !day.Before(calendarDay(reward.ValidFrom)) && !day.After(calendarDay(reward.ValidUntil))
}

func calendarDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
