package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"bottle-rewards-api/internal/apperr"
	"bottle-rewards-api/internal/database"
	"bottle-rewards-api/internal/logger"
	"bottle-rewards-api/internal/models"
)

// QueueStore is the persistence the scheduler drives.
type QueueStore interface {
	InsertQueueEntry(ctx context.Context, entry models.QueueEntry) error
	DeleteQueueEntry(ctx context.Context, id string) error
	GetQueueEntry(ctx context.Context, id string) (models.QueueEntry, error)
	PromoteNext(ctx context.Context) (database.Promotion, error)
	CompleteQueueEntry(ctx context.Context, id string) (bool, error)
	ResetQueue(ctx context.Context, entry models.QueueEntry) error
	ListQueue(ctx context.Context) ([]models.QueueEntryView, error)
	ListQueueByStatus(ctx context.Context, status models.QueueStatus) ([]models.QueueEntry, error)
}

// UserDirectory resolves user profiles.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (models.User, error)
	FindAdminUser(ctx context.Context) (models.User, error)
}

// Scheduler keeps the single-lane bot queue. At most one entry is in
// progress; it is always the earliest pending one at promotion time.
type Scheduler struct {
	store QueueStore
	users UserDirectory
	newID func() string
	seq   atomic.Uint64
}

// NewScheduler creates a queue scheduler.
func NewScheduler(store QueueStore, users UserDirectory, newID func() string) *Scheduler {
	return &Scheduler{store: store, users: users, newID: newID}
}

// Enqueue appends a pending request for the user and returns the new ordering.
func (s *Scheduler) Enqueue(ctx context.Context, userID string, loc models.Location, now time.Time) (models.QueueSnapshot, error) {
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return models.QueueSnapshot{}, err
	}

	entry := models.QueueEntry{
		ID:          s.newID(),
		UserID:      userID,
		Location:    loc,
		RequestedAt: now.UTC(),
		Status:      models.QueuePending,
	}
	if err := s.store.InsertQueueEntry(ctx, entry); err != nil {
		return models.QueueSnapshot{}, fmt.Errorf("failed to enqueue: %w", err)
	}

	return s.promoteAndSnapshot(ctx)
}

// Dequeue removes an entry whatever its status and returns the new ordering.
func (s *Scheduler) Dequeue(ctx context.Context, entryID string) (models.QueueSnapshot, error) {
	if err := s.store.DeleteQueueEntry(ctx, entryID); err != nil {
		return models.QueueSnapshot{}, err
	}
	return s.promoteAndSnapshot(ctx)
}

// Complete finishes the in-progress entry, removes it and advances the queue.
func (s *Scheduler) Complete(ctx context.Context, entryID string) (models.QueueSnapshot, error) {
	completed, err := s.store.CompleteQueueEntry(ctx, entryID)
	if err != nil {
		return models.QueueSnapshot{}, err
	}
	if !completed {
		entry, err := s.store.GetQueueEntry(ctx, entryID)
		if err != nil {
			return models.QueueSnapshot{}, err
		}
		return models.QueueSnapshot{}, apperr.Conflict(
			fmt.Sprintf("queue entry %s is %s, not in progress", entryID, entry.Status))
	}

	return s.promoteAndSnapshot(ctx)
}

// Reset clears the queue and sends the bot to loc on behalf of the
// administrative user.
func (s *Scheduler) Reset(ctx context.Context, loc models.Location, now time.Time) (models.QueueSnapshot, error) {
	admin, err := s.users.FindAdminUser(ctx)
	if err != nil {
		return models.QueueSnapshot{}, fmt.Errorf("failed to find admin user: %w", err)
	}

	entry := models.QueueEntry{
		ID:          s.newID(),
		UserID:      admin.ID,
		Location:    loc,
		RequestedAt: now.UTC(),
		Status:      models.QueuePending,
	}
	if err := s.store.ResetQueue(ctx, entry); err != nil {
		return models.QueueSnapshot{}, err
	}

	return s.promoteAndSnapshot(ctx)
}

// Snapshot returns the full ordering annotated with user display data.
func (s *Scheduler) Snapshot(ctx context.Context) (models.QueueSnapshot, error) {
	// Taken before the read: a later read sees every write an earlier one saw.
	seq := s.seq.Add(1)
	entries, err := s.store.ListQueue(ctx)
	if err != nil {
		return models.QueueSnapshot{}, err
	}
	return models.QueueSnapshot{Seq: seq, Entries: entries}, nil
}

// ByStatus returns the entries in one status, ordered by request time.
func (s *Scheduler) ByStatus(ctx context.Context, status models.QueueStatus) ([]models.QueueEntry, error) {
	return s.store.ListQueueByStatus(ctx, status)
}

// promote advances at most one pending entry.
func (s *Scheduler) promote(ctx context.Context) error {
	p, err := s.store.PromoteNext(ctx)
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			// The active slot was taken concurrently.
			return nil
		}
		return fmt.Errorf("failed to promote queue entry: %w", err)
	}
	if p.Promoted {
		logger.FromContext(ctx).Debug("queue entry promoted", zap.String("entry_id", p.EntryID))
	}
	return nil
}

func (s *Scheduler) promoteAndSnapshot(ctx context.Context) (models.QueueSnapshot, error) {
	if err := s.promote(ctx); err != nil {
		return models.QueueSnapshot{}, err
	}
	return s.Snapshot(ctx)
}
