package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"bottle-rewards-api/internal/apperr"
	"bottle-rewards-api/internal/models"
)

var uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

const (
	maxBottlesPerDeposit = 10_000
	maxNameLength        = 200
)

var rewardCategories = map[string]bool{
	"Goods":    true,
	"Clothing": true,
	"Beverage": true,
	"Other":    true,
}

var weightUnits = map[string]bool{
	"kg": true,
	"g":  true,
	"lb": true,
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// Kind reports the error as caller-fixable input.
func (e *ValidationError) Kind() apperr.Kind {
	return apperr.KindValidation
}

func ValidateClaimRequest(req models.ClaimRequest) error {
	if err := ValidateUUID(req.UserID, "user_id"); err != nil {
		return err
	}
	return ValidateUUID(req.RewardID, "reward_id")
}

func ValidateDisposalRequest(req models.DisposalRequest) error {
	if err := ValidateUUID(req.UserID, "user_id"); err != nil {
		return err
	}

	if req.BottleCount < 1 {
		return &ValidationError{
			Field:   "bottle_count",
			Message: "must be at least 1",
		}
	}

	if req.BottleCount > maxBottlesPerDeposit {
		return &ValidationError{
			Field:   "bottle_count",
			Message: fmt.Sprintf("cannot exceed %d per deposit", maxBottlesPerDeposit),
		}
	}

	return nil
}

func ValidateEnqueueRequest(req models.EnqueueRequest) error {
	if err := ValidateUUID(req.UserID, "user_id"); err != nil {
		return err
	}
	return ValidateLocation(req.Location, "location")
}

func ValidateLocation(loc models.Location, field string) error {
	if strings.TrimSpace(loc.Name) == "" {
		return &ValidationError{
			Field:   field + ".name",
			Message: "is required",
		}
	}

	if len(loc.Name) > maxNameLength {
		return &ValidationError{
			Field:   field + ".name",
			Message: fmt.Sprintf("cannot exceed %d characters", maxNameLength),
		}
	}

	if loc.Lat < -90 || loc.Lat > 90 {
		return &ValidationError{
			Field:   field + ".lat",
			Message: "must be between -90 and 90",
		}
	}

	if loc.Lon < -180 || loc.Lon > 180 {
		return &ValidationError{
			Field:   field + ".lon",
			Message: "must be between -180 and 180",
		}
	}

	return nil
}

func ValidateReward(reward models.Reward) error {
	if err := ValidateUUID(reward.ID, "id"); err != nil {
		return err
	}

	if strings.TrimSpace(reward.Name) == "" {
		return &ValidationError{
			Field:   "name",
			Message: "is required",
		}
	}

	if reward.PointsRequired < 0 {
		return &ValidationError{
			Field:   "points_required",
			Message: "must be non-negative",
		}
	}

	if reward.Stocks < 0 {
		return &ValidationError{
			Field:   "stocks",
			Message: "must be non-negative",
		}
	}

	if !rewardCategories[reward.Category] {
		return &ValidationError{
			Field:   "category",
			Message: "must be one of Goods, Clothing, Beverage, Other",
		}
	}

	if reward.Status != models.RewardActive && reward.Status != models.RewardInactive {
		return &ValidationError{
			Field:   "status",
			Message: "must be active or inactive",
		}
	}

	if reward.ValidFrom.IsZero() {
		return &ValidationError{
			Field:   "valid_from",
			Message: "is required",
		}
	}

	if reward.ValidUntil.IsZero() {
		return &ValidationError{
			Field:   "valid_until",
			Message: "is required",
		}
	}

	if reward.ValidUntil.Before(reward.ValidFrom) {
		return &ValidationError{
			Field:   "valid_until",
			Message: "must not be before valid_from",
		}
	}

	return nil
}

func ValidateUser(user models.User) error {
	if err := ValidateUUID(user.ID, "id"); err != nil {
		return err
	}

	if strings.TrimSpace(user.FirstName) == "" && strings.TrimSpace(user.LastName) == "" {
		return &ValidationError{
			Field:   "first_name",
			Message: "a first or last name is required",
		}
	}

	switch user.Level {
	case models.LevelCitizen, models.LevelStaff, models.LevelAdmin:
	default:
		return &ValidationError{
			Field:   "level",
			Message: "must be citizen, staff or admin",
		}
	}

	return nil
}

func ValidateBotConfig(cfg models.BotConfig) error {
	if err := ValidateLocation(cfg.DefaultLocation, "default_location"); err != nil {
		return err
	}

	if cfg.BottleExchange.BaseWeight <= 0 {
		return &ValidationError{
			Field:   "bottle_exchange.base_weight",
			Message: "must be positive",
		}
	}

	if !weightUnits[cfg.BottleExchange.BaseUnit] {
		return &ValidationError{
			Field:   "bottle_exchange.base_unit",
			Message: "must be kg, g or lb",
		}
	}

	if cfg.BottleExchange.EquivalentInPoints < 1 {
		return &ValidationError{
			Field:   "bottle_exchange.equivalent_in_points",
			Message: "must be at least 1",
		}
	}

	return nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

func ValidateUUID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	id = SanitizeString(id)

	if !uuidRegex.MatchString(strings.ToLower(id)) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be a valid UUID",
		}
	}

	return nil
}
