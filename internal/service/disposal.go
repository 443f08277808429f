package service

import (
	"context"
	"fmt"
	"time"

	"bottle-rewards-api/internal/models"
)

// DisposalLog is the append-only log of bottle deposits.
type DisposalLog interface {
	InsertDisposal(ctx context.Context, event models.DisposalEvent) error
}

// DisposalRecorder appends deposit events, pricing them with the bot's
// bottle exchange rate.
type DisposalRecorder struct {
	users UserDirectory
	log   DisposalLog
	bot   *BotSettings
	newID func() string
}

// NewDisposalRecorder creates a disposal recorder.
func NewDisposalRecorder(users UserDirectory, log DisposalLog, bot *BotSettings, newID func() string) *DisposalRecorder {
	return &DisposalRecorder{users: users, log: log, bot: bot, newID: newID}
}

// Record appends a deposit of bottleCount bottles for an existing user.
func (r *DisposalRecorder) Record(ctx context.Context, userID string, bottleCount int64, now time.Time) (models.DisposalEvent, error) {
	if _, err := r.users.GetUser(ctx, userID); err != nil {
		return models.DisposalEvent{}, err
	}

	cfg, err := r.bot.Current(ctx)
	if err != nil {
		return models.DisposalEvent{}, err
	}

	event := models.DisposalEvent{
		ID:                r.newID(),
		UserID:            userID,
		BottleCount:       bottleCount,
		PointsAccumulated: bottleCount * cfg.BottleExchange.EquivalentInPoints,
		OccurredAt:        now.UTC(),
	}
	if err := r.log.InsertDisposal(ctx, event); err != nil {
		return models.DisposalEvent{}, fmt.Errorf("failed to record disposal: %w", err)
	}

	return event, nil
}
