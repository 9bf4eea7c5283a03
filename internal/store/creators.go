package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Creator is a community owner selling a paid tier.
type Creator struct {
	ID             string    `json:"id" yaml:"id"`
	DisplayName    string    `json:"display_name" yaml:"display_name"`
	TelegramChatID int64     `json:"telegram_chat_id" yaml:"telegram_chat_id"`
	TierPrice      float64   `json:"tier_price" yaml:"tier_price"`
	Currency       string    `json:"currency" yaml:"currency"`
	TierDays       int       `json:"tier_days" yaml:"tier_days"`
	CreatedAt      time.Time `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"-"`
}

// GetCreator loads a creator by id.
func (s *Store) GetCreator(ctx context.Context, id string) (*Creator, error) {
	c := &Creator{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, telegram_chat_id, tier_price, currency, tier_days, created_at, updated_at
		FROM creators WHERE id = $1`, id,
	).Scan(&c.ID, &c.DisplayName, &c.TelegramChatID, &c.TierPrice, &c.Currency, &c.TierDays, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCreatorNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load creator %s: %w", id, err)
	}
	return c, nil
}

// UpsertCreator inserts or updates a creator's tier configuration.
func (s *Store) UpsertCreator(ctx context.Context, c *Creator) error {
	if c.ID == "" {
		return fmt.Errorf("creator id is required")
	}
	if c.Currency == "" {
		c.Currency = "ETB"
	}
	if c.TierDays <= 0 {
		c.TierDays = 30
	}
	now := timestamp(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO creators (id, display_name, telegram_chat_id, tier_price, currency, tier_days, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			telegram_chat_id = excluded.telegram_chat_id,
			tier_price = excluded.tier_price,
			currency = excluded.currency,
			tier_days = excluded.tier_days,
			updated_at = excluded.updated_at`,
		c.ID, c.DisplayName, c.TelegramChatID, c.TierPrice, c.Currency, c.TierDays, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert creator %s: %w", c.ID, err)
	}
	return nil
}
