package driver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/auctionhouse/internal/bidding"
	"github.com/mmeshcher/auctionhouse/internal/ledger"
	"github.com/mmeshcher/auctionhouse/internal/lock"
	"github.com/mmeshcher/auctionhouse/internal/model"
	"github.com/mmeshcher/auctionhouse/internal/repository"
	"github.com/mmeshcher/auctionhouse/internal/settlement"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.Event
}

func (n *recordingNotifier) Publish(_ context.Context, e model.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) byType(t model.EventType) []model.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var res []model.Event
	for _, e := range n.events {
		if e.Type == t {
			res = append(res, e)
		}
	}
	return res
}

type fixture struct {
	repo     *repository.MemoryRepository
	ledger   *ledger.Ledger
	bidding  *bidding.Engine
	driver   *Driver
	notifier *recordingNotifier
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := repository.NewMemoryRepository()
	led := ledger.New(repo, zap.NewNop())
	locker := lock.NewKeyedMutex()
	notifier := &recordingNotifier{}
	settler := settlement.NewEngine(repo, led, locker, notifier, zap.NewNop())

	f := &fixture{
		repo:     repo,
		ledger:   led,
		bidding:  bidding.NewEngine(repo, led, locker, nil, zap.NewNop()),
		driver:   New(repo, settler, led, notifier, time.Second, zap.NewNop()),
		notifier: notifier,
		now:      time.Now(),
	}
	f.driver.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) session(t *testing.T, status model.SessionStatus, start, end time.Time) *model.Session {
	t.Helper()
	s := &model.Session{
		Name:         "morning",
		StartTime:    start,
		EndTime:      end,
		Status:       status,
		DepositRatio: decimal.RequireFromString("0.10"),
	}
	require.NoError(t, f.repo.CreateSession(context.Background(), s))
	return s
}

func (f *fixture) item(t *testing.T, sessionID int64, status model.ItemStatus) *model.Item {
	t.Helper()
	item := &model.Item{
		SessionID:     &sessionID,
		Title:         "lot",
		StartingPrice: 1000,
		CurrentPrice:  1000,
		Status:        status,
	}
	require.NoError(t, f.repo.CreateItem(context.Background(), item))
	return item
}

func TestRunOnce_StartsDueSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	due := f.session(t, model.SessionStatusScheduled, f.now.Add(-time.Second), f.now.Add(time.Hour))
	approved := f.item(t, due.ID, model.ItemStatusApproved)
	pending := f.item(t, due.ID, model.ItemStatusPending)
	future := f.session(t, model.SessionStatusScheduled, f.now.Add(time.Minute), f.now.Add(time.Hour))

	stats := f.driver.RunOnce(ctx)
	assert.Equal(t, 1, stats.SessionsStarted)
	assert.Equal(t, 1, stats.ItemsStarted)
	assert.Zero(t, stats.Errors)

	s, err := f.repo.GetSession(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusRunning, s.Status)

	item, err := f.repo.GetItem(ctx, approved.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusAuctioning, item.Status)

	item, err = f.repo.GetItem(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusPending, item.Status)

	s, err = f.repo.GetSession(ctx, future.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusScheduled, s.Status)

	// повторный проход ничего не меняет
	stats = f.driver.RunOnce(ctx)
	assert.Zero(t, stats.SessionsStarted)
}

func TestRunOnce_FinishesAndSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.session(t, model.SessionStatusRunning, f.now.Add(-time.Hour), f.now.Add(time.Hour))
	item := f.item(t, s.ID, model.ItemStatusAuctioning)

	_, err := f.ledger.Deposit(ctx, 1, 5000)
	require.NoError(t, err)
	_, err = f.bidding.PlaceBid(ctx, 1, item.ID, 1100)
	require.NoError(t, err)

	stats := f.driver.RunOnce(ctx)
	assert.Zero(t, stats.SessionsFinished, "session is still open")

	f.now = f.now.Add(2 * time.Hour)
	stats = f.driver.RunOnce(ctx)
	assert.Equal(t, 1, stats.SessionsFinished)
	assert.Equal(t, 1, stats.SessionsSettled)
	assert.Zero(t, stats.Errors)

	stored, err := f.repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusEnded, stored.Status)
	assert.True(t, stored.Settled)

	stored2, err := f.repo.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusSold, stored2.Status)

	orders, err := f.repo.ListOrdersByStatus(ctx, model.OrderStatusUnpaid, time.Time{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, int64(110), orders[0].DepositAmount)
	assert.Len(t, f.notifier.byType(model.EventOrderCreated), 1)

	stats = f.driver.RunOnce(ctx)
	assert.Zero(t, stats.SessionsSettled)
}

func TestRunOnce_ReleasesCancelledSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.session(t, model.SessionStatusRunning, f.now.Add(-time.Hour), f.now.Add(time.Hour))
	item := f.item(t, s.ID, model.ItemStatusAuctioning)
	_, err := f.ledger.Deposit(ctx, 7, 5000)
	require.NoError(t, err)
	_, err = f.bidding.PlaceBid(ctx, 7, item.ID, 1100)
	require.NoError(t, err)

	cancelled := *s
	cancelled.Status = model.SessionStatusCancelled
	ok, err := f.repo.SaveSessionStatus(ctx, &cancelled, model.SessionStatusRunning, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)

	stats := f.driver.RunOnce(ctx)
	assert.Equal(t, 1, stats.SessionsSettled)

	account, err := f.ledger.Account(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), account.AvailableAmount)
	assert.Zero(t, account.FrozenAmount)
}

func (f *fixture) unpaidOrder(t *testing.T, buyerID, deposit int64, createdAt time.Time) *model.Order {
	t.Helper()
	order := &model.Order{
		ID:            uuid.New(),
		OrderNo:       uuid.NewString(),
		SessionID:     1,
		ItemID:        1,
		BuyerID:       buyerID,
		TotalAmount:   deposit * 10,
		DepositAmount: deposit,
		BalanceAmount: deposit * 9,
		Status:        model.OrderStatusUnpaid,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	require.NoError(t, f.repo.CreateOrder(context.Background(), order))
	return order
}

func TestRunOnce_UnpaidOrders(t *testing.T) {
	t.Run("forfeit keeps deposit", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		overdue := f.unpaidOrder(t, 3, 200, f.now.Add(-time.Hour))
		fresh := f.unpaidOrder(t, 3, 200, f.now.Add(-time.Minute))

		stats := f.driver.RunOnce(ctx)
		assert.Equal(t, 1, stats.OrdersCancelled)

		got, err := f.repo.GetOrder(ctx, overdue.ID)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusCancelled, got.Status)
		assert.True(t, got.DepositForfeited)

		got, err = f.repo.GetOrder(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusUnpaid, got.Status)

		_, err = f.ledger.Account(ctx, 3)
		assert.Error(t, err, "forfeit must not touch the ledger")
	})

	t.Run("refund returns deposit", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		settings := model.DefaultSettings()
		settings.UnpaidPolicy = model.UnpaidPolicyRefund
		require.NoError(t, f.repo.SaveSettings(ctx, settings))

		order := f.unpaidOrder(t, 4, 250, f.now.Add(-time.Hour))

		stats := f.driver.RunOnce(ctx)
		assert.Equal(t, 1, stats.OrdersCancelled)

		got, err := f.repo.GetOrder(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusCancelled, got.Status)
		assert.False(t, got.DepositForfeited)

		account, err := f.ledger.Account(ctx, 4)
		require.NoError(t, err)
		assert.Equal(t, int64(250), account.AvailableAmount)
		assert.Equal(t, int64(250), account.RefundedAmount)

		stats = f.driver.RunOnce(ctx)
		assert.Zero(t, stats.OrdersCancelled)
	})
}

func TestRunOnce_Countdown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	window := model.DefaultSettings().CountdownWindow
	closing := f.session(t, model.SessionStatusRunning, f.now.Add(-time.Hour), f.now.Add(window-500*time.Millisecond))
	f.session(t, model.SessionStatusRunning, f.now.Add(-time.Hour), f.now.Add(window-time.Minute))
	f.session(t, model.SessionStatusRunning, f.now.Add(-time.Hour), f.now.Add(time.Hour))

	stats := f.driver.RunOnce(ctx)
	assert.Equal(t, 1, stats.Countdowns)

	events := f.notifier.byType(model.EventAuctionCountdown)
	require.Len(t, events, 1)
	assert.Equal(t, closing.ID, events[0].SessionID)
	require.NotNil(t, events[0].EndTime)
	assert.True(t, closing.EndTime.Equal(*events[0].EndTime))

	f.now = f.now.Add(time.Second)
	stats = f.driver.RunOnce(ctx)
	assert.Zero(t, stats.Countdowns)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.driver.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.driver.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("driver did not stop")
	}
}
