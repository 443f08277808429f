package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bottle-rewards-api/internal/apperr"
	"bottle-rewards-api/internal/models"
)

// GetBotConfig returns the bot configuration row.
func (db *DB) GetBotConfig(ctx context.Context) (models.BotConfig, error) {
	var cfg models.BotConfig
	var updatedAt string
	err := db.conn.QueryRowContext(ctx, `SELECT location_name, lat, lon, base_weight, base_unit,
		equivalent_in_points, updated_at
		FROM bot_config WHERE id = 1`).Scan(
		&cfg.DefaultLocation.Name,
		&cfg.DefaultLocation.Lat,
		&cfg.DefaultLocation.Lon,
		&cfg.BottleExchange.BaseWeight,
		&cfg.BottleExchange.BaseUnit,
		&cfg.BottleExchange.EquivalentInPoints,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.BotConfig{}, apperr.NotFound("bot config", "")
	}
	if err != nil {
		return models.BotConfig{}, classify("get bot config", err)
	}

	cfg.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return models.BotConfig{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return cfg, nil
}

// SaveBotConfig creates or replaces the bot configuration row.
func (db *DB) SaveBotConfig(ctx context.Context, cfg models.BotConfig) error {
	_, err := db.conn.ExecContext(ctx, `INSERT INTO bot_config (
		id, location_name, lat, lon, base_weight, base_unit, equivalent_in_points, updated_at
	) VALUES (1, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		location_name = excluded.location_name,
		lat = excluded.lat,
		lon = excluded.lon,
		base_weight = excluded.base_weight,
		base_unit = excluded.base_unit,
		equivalent_in_points = excluded.equivalent_in_points,
		updated_at = excluded.updated_at`,
		cfg.DefaultLocation.Name,
		cfg.DefaultLocation.Lat,
		cfg.DefaultLocation.Lon,
		cfg.BottleExchange.BaseWeight,
		cfg.BottleExchange.BaseUnit,
		cfg.BottleExchange.EquivalentInPoints,
		cfg.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return classify("save bot config", err)
}
