// Package provision activates subscriptions after a confirmed payment and
// hands the subscriber an invite to the creator's Telegram community.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"subzz/internal/store"
)

// Store is the persistence the provisioner needs.
type Store interface {
	GetCreator(ctx context.Context, id string) (*store.Creator, error)
	ActiveSubscription(ctx context.Context, userID, creatorID string) (*store.Subscription, error)
	Activate(ctx context.Context, a store.Activation) (*store.Subscription, bool, error)
	SetInviteLink(ctx context.Context, subscriptionID, link string) error
}

// Notifier issues community invites and messages subscribers.
type Notifier interface {
	CreateInviteLink(ctx context.Context, chatID int64, expiresAt time.Time) (string, error)
	SendMessage(ctx context.Context, userID int64, text string) error
}

// Result of a provisioning call.
type Result struct {
	Subscription *store.Subscription `json:"subscription"`
	InviteLink   string              `json:"inviteLink,omitempty"`
	// Existing is true when an active subscription was already in place.
	Existing bool `json:"alreadySubscribed"`
	// Notified is true when the invite was delivered by direct message.
	Notified bool `json:"notified"`
}

// Provisioner creates or returns subscriptions and issues invites.
type Provisioner struct {
	store    Store
	notifier Notifier
	logger   *zap.Logger
}

// New creates a provisioner. notifier may be nil, in which case no invites are issued.
func New(s Store, notifier Notifier, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{store: s, notifier: notifier, logger: logger}
}

// Provision activates a subscription for the pair. It is idempotent per live
// subscription: a second call returns the existing one with Existing=true.
func (p *Provisioner) Provision(ctx context.Context, userID, creatorID string) (*Result, error) {
	creator, err := p.store.GetCreator(ctx, creatorID)
	if err != nil {
		return nil, err
	}

	sub, existing, err := p.store.Activate(ctx, store.Activation{
		UserID:    userID,
		CreatorID: creatorID,
		Duration:  time.Duration(creator.TierDays) * 24 * time.Hour,
		Amount:    creator.TierPrice,
		Currency:  creator.Currency,
	})
	if errors.Is(err, store.ErrDuplicateSubscription) {
		// Lost the race against a concurrent activation; hand back the winner.
		p.logger.Info("Concurrent activation detected, returning existing subscription",
			zap.String("user_id", userID),
			zap.String("creator_id", creatorID),
		)
		sub, err = p.store.ActiveSubscription(ctx, userID, creatorID)
		existing = true
	}
	if err != nil {
		return nil, fmt.Errorf("failed to activate subscription: %w", err)
	}

	result := &Result{Subscription: sub, InviteLink: sub.InviteLink, Existing: existing}
	if existing {
		return result, nil
	}

	p.logger.Info("Subscription activated",
		zap.String("subscription_id", sub.ID),
		zap.String("user_id", userID),
		zap.String("creator_id", creatorID),
		zap.Time("expiration_date", sub.ExpirationDate),
		zap.Float64("amount", creator.TierPrice),
	)

	p.issueInvite(ctx, creator, result)
	return result, nil
}

// issueInvite is best effort: failures are logged and leave InviteLink empty.
func (p *Provisioner) issueInvite(ctx context.Context, creator *store.Creator, result *Result) {
	if p.notifier == nil || creator.TelegramChatID == 0 {
		return
	}
	sub := result.Subscription

	link, err := p.notifier.CreateInviteLink(ctx, creator.TelegramChatID, sub.ExpirationDate)
	if err != nil {
		p.logger.Warn("Failed to create invite link",
			zap.String("subscription_id", sub.ID),
			zap.Int64("chat_id", creator.TelegramChatID),
			zap.Error(err),
		)
		return
	}
	result.InviteLink = link
	sub.InviteLink = link

	if err := p.store.SetInviteLink(ctx, sub.ID, link); err != nil {
		p.logger.Warn("Failed to store invite link",
			zap.String("subscription_id", sub.ID),
			zap.Error(err),
		)
	}

	telegramUserID, err := strconv.ParseInt(sub.UserID, 10, 64)
	if err != nil {
		p.logger.Debug("User id is not a Telegram id, skipping direct message",
			zap.String("user_id", sub.UserID),
		)
		return
	}
	text := InviteMessage(creator.DisplayName, link, sub.ExpirationDate)
	if err := p.notifier.SendMessage(ctx, telegramUserID, text); err != nil {
		p.logger.Warn("Failed to send invite message",
			zap.String("subscription_id", sub.ID),
			zap.Error(err),
		)
		return
	}
	result.Notified = true
}

// InviteMessage is the direct message sent to a new subscriber.
func InviteMessage(creatorName, link string, expiresAt time.Time) string {
	if creatorName == "" {
		creatorName = "the community"
	}
	return fmt.Sprintf("Your subscription to %s is active until %s.\nJoin here: %s",
		creatorName, expiresAt.UTC().Format("2006-01-02"), link)
}
