package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"bottle-rewards-api/internal/logger"
	"bottle-rewards-api/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventDisposalRecorded is emitted after a disposal event is appended.
	EventDisposalRecorded EventType = "disposal.recorded"
	// EventDisposalArchived is emitted after a disposal event is archived.
	EventDisposalArchived EventType = "disposal.archived"
	// EventClaimCommitted is emitted after a reward claim commits.
	EventClaimCommitted EventType = "claim.committed"
	// EventClaimArchived is emitted after a reward claim is archived.
	EventClaimArchived EventType = "claim.archived"
	// EventQueueChanged is emitted after every queue mutation with the full ordering.
	EventQueueChanged EventType = "queue.changed"
	// EventBotTelemetry is emitted when the bot reports its state.
	EventBotTelemetry EventType = "bot.telemetry"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      any
}

// DisposalData accompanies disposal events.
type DisposalData struct {
	Disposal models.DisposalEvent
}

// ClaimData accompanies claim events. RemainingStock is only set on commit.
type ClaimData struct {
	Claim          models.RewardClaim
	RemainingStock int64
}

// QueueData carries the queue ordering after a mutation.
type QueueData struct {
	Snapshot models.QueueSnapshot
}

// TelemetryData is the raw state document reported by the bot.
type TelemetryData struct {
	Payload json.RawMessage
}

// UserID returns the user whose ledger an event touches, if any.
func (e Event) UserID() string {
	switch d := e.Data.(type) {
	case DisposalData:
		return d.Disposal.UserID
	case ClaimData:
		return d.Claim.UserID
	}
	return ""
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager dispatches events to subscribed handlers. Handlers run
// synchronously in subscription order on the publishing goroutine. Events
// published from different goroutines may arrive in either order; queue
// snapshots carry a Seq for subscribers that need the latest one.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
	now      func() time.Time
}

// NewManager creates a new event manager.
func NewManager(enabled bool) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
		now:      time.Now,
	}
}

// Subscribe subscribes a handler to one or more event types.
func (m *Manager) Subscribe(handler Handler, eventTypes ...EventType) {
	if !m.enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range eventTypes {
		m.handlers[t] = append(m.handlers[t], handler)
	}
}

// Publish publishes an event to all subscribed handlers. Handler failures are
// logged and do not stop the remaining handlers.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data any) {
	m.mu.RLock()
	enabled := m.enabled
	handlers := m.handlers[eventType]
	m.mu.RUnlock()

	if !enabled || len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: m.now(),
		Data:      data,
	}

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			logger.FromContext(ctx).Warn("event handler failed",
				zap.String("event", string(eventType)),
				zap.Error(err),
			)
		}
	}
}

// PublishDisposalRecorded publishes a disposal recorded event.
func (m *Manager) PublishDisposalRecorded(ctx context.Context, disposal models.DisposalEvent) {
	m.Publish(ctx, EventDisposalRecorded, DisposalData{Disposal: disposal})
}

// PublishDisposalArchived publishes a disposal archived event.
func (m *Manager) PublishDisposalArchived(ctx context.Context, disposal models.DisposalEvent) {
	m.Publish(ctx, EventDisposalArchived, DisposalData{Disposal: disposal})
}

// PublishClaimCommitted publishes a claim committed event.
func (m *Manager) PublishClaimCommitted(ctx context.Context, claim models.RewardClaim, remainingStock int64) {
	m.Publish(ctx, EventClaimCommitted, ClaimData{Claim: claim, RemainingStock: remainingStock})
}

// PublishClaimArchived publishes a claim archived event.
func (m *Manager) PublishClaimArchived(ctx context.Context, claim models.RewardClaim) {
	m.Publish(ctx, EventClaimArchived, ClaimData{Claim: claim})
}

// PublishQueueChanged publishes the queue ordering after a mutation.
func (m *Manager) PublishQueueChanged(ctx context.Context, snapshot models.QueueSnapshot) {
	m.Publish(ctx, EventQueueChanged, QueueData{Snapshot: snapshot})
}

// PublishBotTelemetry publishes a bot state report.
func (m *Manager) PublishBotTelemetry(ctx context.Context, payload json.RawMessage) {
	m.Publish(ctx, EventBotTelemetry, TelemetryData{Payload: payload})
}

// Shutdown shuts down the event manager.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
}
