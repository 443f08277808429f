package service

import (
	"context"
	"math"
	"time"

	"bottle-rewards-api/internal/apperr"
	"bottle-rewards-api/internal/models"
)

// BotConfigStore persists the single bot configuration row.
type BotConfigStore interface {
	GetBotConfig(ctx context.Context) (models.BotConfig, error)
	SaveBotConfig(ctx context.Context, cfg models.BotConfig) error
}

// BotSettings serves the bot configuration, falling back to process
// defaults until one has been saved.
type BotSettings struct {
	store    BotConfigStore
	defaults models.BotConfig
}

// NewBotSettings creates bot settings over a store.
func NewBotSettings(store BotConfigStore, defaults models.BotConfig) *BotSettings {
	return &BotSettings{store: store, defaults: defaults}
}

// DefaultBotConfig is used when neither the store nor the process
// configuration provides values.
func DefaultBotConfig() models.BotConfig {
	return models.BotConfig{
		DefaultLocation: models.Location{Name: "Home"},
		BottleExchange: models.BottleExchange{
			BaseWeight:         1,
			BaseUnit:           "kg",
			EquivalentInPoints: 1,
		},
	}
}

// Current returns the saved configuration or the defaults.
func (b *BotSettings) Current(ctx context.Context) (models.BotConfig, error) {
	cfg, err := b.store.GetBotConfig(ctx)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return b.defaults, nil
	}
	if err != nil {
		return models.BotConfig{}, err
	}
	return cfg, nil
}

// Save replaces the configuration.
func (b *BotSettings) Save(ctx context.Context, cfg models.BotConfig, now time.Time) (models.BotConfig, error) {
	cfg.UpdatedAt = now.UTC()
	if err := b.store.SaveBotConfig(ctx, cfg); err != nil {
		return models.BotConfig{}, err
	}
	return cfg, nil
}

// PointsForWeight converts a bottle weight, in the exchange's base unit, to
// whole points.
func PointsForWeight(exchange models.BottleExchange, weight float64) int64 {
	if exchange.BaseWeight <= 0 || weight <= 0 {
		return 0
	}
	return int64(math.Floor(weight / exchange.BaseWeight * float64(exchange.EquivalentInPoints)))
}
