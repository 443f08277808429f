package realtime

import (
	"context"

	"bottle-rewards-api/internal/events"
	"bottle-rewards-api/internal/features"
)

// ClaimNotice is the payload broadcast on the claim channel.
type ClaimNotice struct {
	ClaimID        string `json:"claim_id"`
	UserID         string `json:"user_id"`
	RewardID       string `json:"reward_id"`
	PointsSpent    int64  `json:"points_spent"`
	RemainingStock int64  `json:"remaining_stock"`
}

// Subscribe wires domain events to broadcasts. Queue and claim broadcasts
// honour their feature flags; bot telemetry is always forwarded.
func (n *Notifier) Subscribe(bus *events.Manager, flags *features.Manager) {
	bus.Subscribe(func(_ context.Context, e events.Event) error {
		if !flags.IsEnabled(features.FeatureRealtimeQueue) {
			return nil
		}
		if d, ok := e.Data.(events.QueueData); ok {
			n.BroadcastQueue(d.Snapshot)
		}
		return nil
	}, events.EventQueueChanged)

	bus.Subscribe(func(_ context.Context, e events.Event) error {
		if !flags.IsEnabled(features.FeatureRealtimeClaims) {
			return nil
		}
		if d, ok := e.Data.(events.ClaimData); ok {
			n.Broadcast(ChannelClaim, "reward claimed", ClaimNotice{
				ClaimID:        d.Claim.ID,
				UserID:         d.Claim.UserID,
				RewardID:       d.Claim.RewardID,
				PointsSpent:    d.Claim.PointsSpent,
				RemainingStock: d.RemainingStock,
			})
		}
		return nil
	}, events.EventClaimCommitted)

	bus.Subscribe(func(_ context.Context, e events.Event) error {
		if d, ok := e.Data.(events.TelemetryData); ok {
			n.Broadcast(ChannelBotState, "bot state", d.Payload)
		}
		return nil
	}, events.EventBotTelemetry)
}
