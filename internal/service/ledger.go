package service

import (
	"context"
	"fmt"
)

// PointsLog is the part of the disposal and claim logs the ledger reads.
type PointsLog interface {
	SumDisposalPoints(ctx context.Context, userID string) (int64, error)
	SumClaimPoints(ctx context.Context, userID string) (int64, error)
}

// Ledger derives point balances by replaying the event logs. It keeps no
// balance of its own.
type Ledger struct {
	log PointsLog
}

// NewLedger creates a ledger over the given logs.
func NewLedger(log PointsLog) *Ledger {
	return &Ledger{log: log}
}

// AvailablePoints returns the points a user can still spend.
func (l *Ledger) AvailablePoints(ctx context.Context, userID string) (int64, error) {
	accrued, err := l.log.SumDisposalPoints(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to sum accrued points: %w", err)
	}

	spent, err := l.log.SumClaimPoints(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to sum spent points: %w", err)
	}

	return Balance(accrued, spent), nil
}

// Balance is accrued minus spent, floored at zero.
func Balance(accrued, spent int64) int64 {
	if spent >= accrued {
		return 0
	}
	return accrued - spent
}
