package models

import "time"

// RewardStatus is the activation state of a catalog reward.
type RewardStatus string

const (
	RewardActive   RewardStatus = "active"
	RewardInactive RewardStatus = "inactive"
)

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueInProgress QueueStatus = "in_progress"
	QueueCompleted  QueueStatus = "completed"
)

// UserLevel is the access level of a user profile.
type UserLevel string

const (
	LevelCitizen UserLevel = "citizen"
	LevelStaff   UserLevel = "staff"
	LevelAdmin   UserLevel = "admin"
)

// User is the slice of a user profile the core needs.
type User struct {
	ID        string    `json:"id"` // uuid
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email"`
	Level     UserLevel `json:"level"`
	CreatedAt time.Time `json:"created_at"`
}

// DisplayName returns the name shown to queue viewers.
func (u User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return u.LastName
	}
}

// Reward is a redeemable catalog item.
type Reward struct {
	ID             string       `json:"id"` // uuid
	Name           string       `json:"name"`
	Description    string       `json:"description"`
	PointsRequired int64        `json:"points_required"`
	Stocks         int64        `json:"stocks"`
	Category       string       `json:"category"` // Goods, Clothing, Beverage, Other
	ValidFrom      time.Time    `json:"valid_from"`
	ValidUntil     time.Time    `json:"valid_until"`
	Status         RewardStatus `json:"status"`
	Archived       bool         `json:"archived"`
}

// DisposalEvent records bottles deposited by a user and the points earned.
type DisposalEvent struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	BottleCount       int64     `json:"bottle_count"`
	PointsAccumulated int64     `json:"points_accumulated"`
	OccurredAt        time.Time `json:"occurred_at"`
	Archived          bool      `json:"archived"`
}

// RewardClaim records points spent redeeming a reward.
type RewardClaim struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	RewardID    string    `json:"reward_id"`
	PointsSpent int64     `json:"points_spent"`
	ClaimedAt   time.Time `json:"claimed_at"`
	Archived    bool      `json:"archived"`
}

// Location is a bot navigation target.
type Location struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Name string  `json:"name"`
}

// QueueEntry is one pickup/navigation request for the bot.
type QueueEntry struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	Location    Location    `json:"location"`
	RequestedAt time.Time   `json:"requested_at"`
	Status      QueueStatus `json:"status"`
}

// QueueEntryView is a queue entry annotated with the requesting user's display data.
type QueueEntryView struct {
	QueueEntry
	UserName  string `json:"user_name"`
	UserEmail string `json:"user_email"`
}

// QueueSnapshot is the full queue ordered by request time. Seq increases with
// every snapshot read, so a higher Seq never shows an older queue state.
type QueueSnapshot struct {
	Seq     uint64           `json:"seq"`
	Entries []QueueEntryView `json:"entries"`
}

// InProgress returns the active entry, if any.
func (s QueueSnapshot) InProgress() (QueueEntryView, bool) {
	for _, e := range s.Entries {
		if e.Status == QueueInProgress {
			return e, true
		}
	}
	return QueueEntryView{}, false
}

// BottleExchange converts deposited bottles to points.
type BottleExchange struct {
	BaseWeight         float64 `json:"base_weight"`
	BaseUnit           string  `json:"base_unit"` // kg, g, lb
	EquivalentInPoints int64   `json:"equivalent_in_points"`
}

// BotConfig is the single configuration row of the bottle bot.
type BotConfig struct {
	DefaultLocation Location       `json:"default_location"`
	BottleExchange  BottleExchange `json:"bottle_exchange"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ClaimRequest represents the request body for claiming a reward.
type ClaimRequest struct {
	UserID   string `json:"user_id"`
	RewardID string `json:"reward_id"`
}

// ClaimResponse represents a committed claim.
type ClaimResponse struct {
	ClaimID        string `json:"claim_id"`
	PointsSpent    int64  `json:"points_spent"`
	RemainingStock int64  `json:"remaining_stock"`
}

// DisposalRequest represents the request body for recording a deposit.
type DisposalRequest struct {
	UserID      string `json:"user_id"`
	BottleCount int64  `json:"bottle_count"`
}

// DisposalResponse represents a recorded deposit.
type DisposalResponse struct {
	DisposalID        string `json:"disposal_id"`
	PointsAccumulated int64  `json:"points_accumulated"`
}

// EnqueueRequest represents the request body for queueing a bot visit.
type EnqueueRequest struct {
	UserID          string   `json:"user_id"`
	Location        Location `json:"location"`
	ReturnToDefault bool     `json:"return_to_default"`
}

// PointsResponse is the available balance of a user.
type PointsResponse struct {
	UserID          string `json:"user_id"`
	AvailablePoints int64  `json:"available_points"`
}

// BottleCountResponse is the number of bottles a user has deposited.
type BottleCountResponse struct {
	UserID      string `json:"user_id"`
	BottleCount int64  `json:"bottle_count"`
}

// WeightPointsResponse is the points equivalent of a bottle weight.
type WeightPointsResponse struct {
	Weight float64 `json:"weight"`
	Points int64   `json:"points"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
	// Retryable is set when the whole operation may be retried once.
	Retryable bool `json:"retryable,omitempty"`
}
