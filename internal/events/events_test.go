package events

import (
	"context"
	"errors"
	"testing"

	"bottle-rewards-api/internal/models"
)

func TestPublish_RunsHandlersInOrder(t *testing.T) {
	m := NewManager(true)

	var order []string
	m.Subscribe(func(ctx context.Context, e Event) error {
		order = append(order, "first")
		return errors.New("ignored")
	}, EventQueueChanged)
	m.Subscribe(func(ctx context.Context, e Event) error {
		order = append(order, "second")
		if _, ok := e.Data.(QueueData); !ok {
			t.Errorf("Expected QueueData, got %T", e.Data)
		}
		return nil
	}, EventQueueChanged)

	m.PublishQueueChanged(context.Background(), models.QueueSnapshot{})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("Expected [first second], got %v", order)
	}
}

func TestPublish_Disabled(t *testing.T) {
	m := NewManager(false)

	called := false
	m.Subscribe(func(ctx context.Context, e Event) error {
		called = true
		return nil
	}, EventClaimCommitted)

	m.PublishClaimCommitted(context.Background(), models.RewardClaim{}, 0)

	if called {
		t.Error("Expected disabled manager not to dispatch")
	}
}

func TestShutdown_StopsDispatch(t *testing.T) {
	m := NewManager(true)

	calls := 0
	m.Subscribe(func(ctx context.Context, e Event) error {
		calls++
		return nil
	}, EventDisposalRecorded, EventClaimCommitted)

	m.PublishDisposalRecorded(context.Background(), models.DisposalEvent{UserID: "u"})
	m.Shutdown()
	m.PublishClaimCommitted(context.Background(), models.RewardClaim{UserID: "u"}, 1)

	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestEventUserID(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{"disposal", Event{Data: DisposalData{Disposal: models.DisposalEvent{UserID: "a"}}}, "a"},
		{"claim", Event{Data: ClaimData{Claim: models.RewardClaim{UserID: "b"}}}, "b"},
		{"queue", Event{Data: QueueData{}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.UserID(); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}
