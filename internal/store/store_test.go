package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := s.UpsertCreator(ctx, &Creator{ID: "alice", DisplayName: "Alice", TelegramChatID: -1001, TierPrice: 1000}); err != nil {
		t.Fatalf("UpsertCreator() error = %v", err)
	}
	return s
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "x"); err == nil {
		t.Error("expected error for unsupported driver")
	}
	if _, err := Open(context.Background(), DriverPostgres, ""); err == nil {
		t.Error("expected error for postgres without DSN")
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Errorf("second Migrate() error = %v", err)
	}
}

func TestCreators(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.GetCreator(ctx, "alice")
	if err != nil {
		t.Fatalf("GetCreator() error = %v", err)
	}
	if c.TierPrice != 1000 || c.Currency != "ETB" || c.TierDays != 30 {
		t.Errorf("creator = %+v, want price 1000 ETB 30 days", c)
	}

	c.TierPrice = 1500
	if err := s.UpsertCreator(ctx, c); err != nil {
		t.Fatalf("UpsertCreator() error = %v", err)
	}
	updated, _ := s.GetCreator(ctx, "alice")
	if updated.TierPrice != 1500 {
		t.Errorf("TierPrice = %v, want 1500", updated.TierPrice)
	}

	if _, err := s.GetCreator(ctx, "nobody"); !errors.Is(err, ErrCreatorNotFound) {
		t.Errorf("GetCreator(nobody) error = %v, want ErrCreatorNotFound", err)
	}
	if err := s.UpsertCreator(ctx, &Creator{}); err == nil {
		t.Error("expected error for creator without id")
	}
}

func TestActivate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.ActiveSubscription(ctx, "u1", "alice"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("ActiveSubscription() error = %v, want ErrSubscriptionNotFound", err)
	}

	sub, existing, err := s.Activate(ctx, Activation{UserID: "u1", CreatorID: "alice", Duration: 24 * time.Hour, Amount: 1000, Currency: "ETB"})
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if existing {
		t.Error("first activation should not report existing")
	}
	if sub.Status != SubscriptionActive {
		t.Errorf("Status = %s, want active", sub.Status)
	}

	again, existing, err := s.Activate(ctx, Activation{UserID: "u1", CreatorID: "alice", Duration: 24 * time.Hour, Amount: 1000, Currency: "ETB"})
	if err != nil {
		t.Fatalf("second Activate() error = %v", err)
	}
	if !existing || again.ID != sub.ID {
		t.Errorf("second activation = (%s, %v), want (%s, true)", again.ID, existing, sub.ID)
	}

	found, err := s.ActiveSubscription(ctx, "u1", "alice")
	if err != nil || found.ID != sub.ID {
		t.Errorf("ActiveSubscription() = %v, %v; want %s", found, err, sub.ID)
	}

	events, err := s.RevenueEvents(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("RevenueEvents() error = %v", err)
	}
	if len(events) != 1 || events[0].Amount != 1000 || events[0].SubscriptionID != sub.ID {
		t.Errorf("revenue events = %+v, want one event of 1000 for %s", events, sub.ID)
	}
}

func TestActivate_ExpiresStaleSubscription(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	old, _, err := s.Activate(ctx, Activation{UserID: "u1", CreatorID: "alice", Duration: time.Hour})
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := s.ActiveSubscription(ctx, "u1", "alice"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("expired subscription should not be active, err = %v", err)
	}

	renewed, existing, err := s.Activate(ctx, Activation{UserID: "u1", CreatorID: "alice", Duration: time.Hour})
	if err != nil {
		t.Fatalf("renewal Activate() error = %v", err)
	}
	if existing || renewed.ID == old.ID {
		t.Error("renewal should create a new subscription")
	}
	if n, _ := s.CountActive(ctx, "u1", "alice"); n != 1 {
		t.Errorf("CountActive() = %d, want 1", n)
	}
}

func TestActivate_ConcurrentSinglePair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.Activate(ctx, Activation{UserID: "u1", CreatorID: "alice"})
			if err != nil && !errors.Is(err, ErrDuplicateSubscription) {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Activate() error = %v", err)
	}

	if n, _ := s.CountActive(ctx, "u1", "alice"); n != 1 {
		t.Errorf("CountActive() = %d, want 1", n)
	}
}

func TestUniqueIndexRejectsSecondActiveRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := timestamp(time.Now())
	insert := `INSERT INTO subscriptions (` + subscriptionColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := s.db.ExecContext(ctx, insert, "s1", "u1", "alice", "active", now, now.Add(time.Hour), "", now); err != nil {
		t.Fatalf("first insert error = %v", err)
	}
	_, err := s.db.ExecContext(ctx, insert, "s2", "u1", "alice", "active", now, now.Add(time.Hour), "", now)
	if !isUniqueViolation(err) {
		t.Errorf("second insert error = %v, want unique violation", err)
	}
}

func TestSetInviteLink(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub, _, err := s.Activate(ctx, Activation{UserID: "u1", CreatorID: "alice"})
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if err := s.SetInviteLink(ctx, sub.ID, "https://t.me/+abc"); err != nil {
		t.Fatalf("SetInviteLink() error = %v", err)
	}
	found, _ := s.ActiveSubscription(ctx, "u1", "alice")
	if found.InviteLink != "https://t.me/+abc" {
		t.Errorf("InviteLink = %q, want https://t.me/+abc", found.InviteLink)
	}
	if err := s.SetInviteLink(ctx, "missing", "x"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("SetInviteLink(missing) error = %v, want ErrSubscriptionNotFound", err)
	}
}
