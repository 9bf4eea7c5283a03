package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Subscription statuses.
const (
	SubscriptionActive  = "active"
	SubscriptionExpired = "expired"
)

// Subscription grants a user access to a creator's community until ExpirationDate.
type Subscription struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	CreatorID      string    `json:"creator_id"`
	Status         string    `json:"status"`
	StartDate      time.Time `json:"start_date"`
	ExpirationDate time.Time `json:"expiration_date"`
	InviteLink     string    `json:"invite_link,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RevenueEvent records the income from one activation.
type RevenueEvent struct {
	ID             string    `json:"id"`
	CreatorID      string    `json:"creator_id"`
	UserID         string    `json:"user_id"`
	SubscriptionID string    `json:"subscription_id"`
	Amount         float64   `json:"amount"`
	Currency       string    `json:"currency"`
	CreatedAt      time.Time `json:"created_at"`
}

// Activation describes a subscription to create.
type Activation struct {
	UserID    string
	CreatorID string
	Duration  time.Duration
	Amount    float64
	Currency  string
}

const subscriptionColumns = `id, user_id, creator_id, status, start_date, expiration_date, invite_link, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	err := row.Scan(&sub.ID, &sub.UserID, &sub.CreatorID, &sub.Status, &sub.StartDate, &sub.ExpirationDate, &sub.InviteLink, &sub.CreatedAt)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func activeSubscription(ctx context.Context, q queryer, userID, creatorID string, now time.Time) (*Subscription, error) {
	sub, err := scanSubscription(q.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1 AND creator_id = $2 AND status = 'active' AND expiration_date > $3
		ORDER BY expiration_date DESC
		LIMIT 1`, userID, creatorID, timestamp(now)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription: %w", err)
	}
	return sub, nil
}

// ActiveSubscription returns the non-expired active subscription for the pair,
// or ErrSubscriptionNotFound.
func (s *Store) ActiveSubscription(ctx context.Context, userID, creatorID string) (*Subscription, error) {
	return activeSubscription(ctx, s.db, userID, creatorID, s.now())
}

// Activate creates an active subscription and its revenue event in one
// transaction. Stale active rows past their expiration are expired first.
// If a live active subscription exists it is returned with existing=true.
// A concurrent activation that wins the unique index yields ErrDuplicateSubscription.
func (s *Store) Activate(ctx context.Context, a Activation) (sub *Subscription, existing bool, err error) {
	if a.UserID == "" || a.CreatorID == "" {
		return nil, false, fmt.Errorf("user_id and creator_id are required")
	}
	if a.Duration <= 0 {
		a.Duration = 30 * 24 * time.Hour
	}
	now := timestamp(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		UPDATE subscriptions SET status = 'expired'
		WHERE user_id = $1 AND creator_id = $2 AND status = 'active' AND expiration_date <= $3`,
		a.UserID, a.CreatorID, now,
	); err != nil {
		return nil, false, fmt.Errorf("failed to expire stale subscriptions: %w", err)
	}

	current, lookupErr := activeSubscription(ctx, tx, a.UserID, a.CreatorID, now)
	if lookupErr == nil {
		if err = tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit: %w", err)
		}
		return current, true, nil
	}
	if !errors.Is(lookupErr, ErrSubscriptionNotFound) {
		err = lookupErr
		return nil, false, err
	}

	sub = &Subscription{
		ID:             uuid.NewString(),
		UserID:         a.UserID,
		CreatorID:      a.CreatorID,
		Status:         SubscriptionActive,
		StartDate:      now,
		ExpirationDate: now.Add(a.Duration),
		CreatedAt:      now,
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.UserID, sub.CreatorID, sub.Status, sub.StartDate, sub.ExpirationDate, sub.InviteLink, sub.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			err = fmt.Errorf("%w: %s/%s", ErrDuplicateSubscription, a.UserID, a.CreatorID)
			return nil, false, err
		}
		return nil, false, fmt.Errorf("failed to insert subscription: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO revenue_events (id, creator_id, user_id, subscription_id, amount, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), a.CreatorID, a.UserID, sub.ID, a.Amount, a.Currency, now,
	); err != nil {
		return nil, false, fmt.Errorf("failed to record revenue event: %w", err)
	}

	if err = tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			err = fmt.Errorf("%w: %s/%s", ErrDuplicateSubscription, a.UserID, a.CreatorID)
			return nil, false, err
		}
		return nil, false, fmt.Errorf("failed to commit: %w", err)
	}
	return sub, false, nil
}

// SetInviteLink stores the invite link issued for a subscription.
func (s *Store) SetInviteLink(ctx context.Context, subscriptionID, link string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET invite_link = $1 WHERE id = $2`, link, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to set invite link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, subscriptionID)
	}
	return nil
}

// CountActive returns the number of active rows for the pair.
func (s *Store) CountActive(ctx context.Context, userID, creatorID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscriptions
		WHERE user_id = $1 AND creator_id = $2 AND status = 'active'`, userID, creatorID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	return n, nil
}

// RevenueEvents lists revenue events for a creator, newest first.
func (s *Store) RevenueEvents(ctx context.Context, creatorID string, limit int) ([]RevenueEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, creator_id, user_id, subscription_id, amount, currency, created_at
		FROM revenue_events WHERE creator_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, creatorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query revenue events: %w", err)
	}
	defer rows.Close()

	var events []RevenueEvent
	for rows.Next() {
		var ev RevenueEvent
		if err := rows.Scan(&ev.ID, &ev.CreatorID, &ev.UserID, &ev.SubscriptionID, &ev.Amount, &ev.Currency, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan revenue event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
