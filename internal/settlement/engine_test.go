package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/auctionhouse/internal/auctionerrors"
	"github.com/mmeshcher/auctionhouse/internal/bidding"
	"github.com/mmeshcher/auctionhouse/internal/ledger"
	"github.com/mmeshcher/auctionhouse/internal/lock"
	"github.com/mmeshcher/auctionhouse/internal/model"
	"github.com/mmeshcher/auctionhouse/internal/repository"
	"github.com/mmeshcher/auctionhouse/internal/validation"
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

// flakyLedger отказывает в списании залога одному пользователю.
type flakyLedger struct {
	*ledger.Ledger
	failUser int64
}

func (l *flakyLedger) Deduct(ctx context.Context, userID, amount int64, ref model.Ref, reason string) (*model.DepositTransaction, error) {
	if userID == l.failUser {
		return nil, errors.New("ledger unavailable")
	}
	return l.Ledger.Deduct(ctx, userID, amount, ref, reason)
}

type fixture struct {
	repo     *repository.MemoryRepository
	ledger   *ledger.Ledger
	bidding  *bidding.Engine
	engine   *Engine
	notifier *recordingNotifier
	session  *model.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	repo := repository.NewMemoryRepository()
	led := ledger.New(repo, zap.NewNop())
	locker := lock.NewKeyedMutex()
	notifier := &recordingNotifier{}

	now := time.Now()
	session := &model.Session{
		Name:            "evening",
		StartTime:       now.Add(-time.Hour),
		EndTime:         now.Add(time.Hour),
		Status:          model.SessionStatusRunning,
		DepositRatio:    decimal.RequireFromString("0.10"),
		CommissionRatio: decimal.RequireFromString("0.05"),
	}
	require.NoError(t, repo.CreateSession(ctx, session))

	return &fixture{
		repo:     repo,
		ledger:   led,
		bidding:  bidding.NewEngine(repo, led, locker, nil, zap.NewNop()),
		engine:   NewEngine(repo, led, locker, notifier, zap.NewNop()),
		notifier: notifier,
		session:  session,
	}
}

func (f *fixture) addItem(t *testing.T, startingPrice int64, reserve *int64) *model.Item {
	t.Helper()
	sessionID := f.session.ID
	item := &model.Item{
		SessionID:     &sessionID,
		Title:         "lot",
		StartingPrice: startingPrice,
		CurrentPrice:  startingPrice,
		ReservePrice:  reserve,
		Status:        model.ItemStatusAuctioning,
	}
	require.NoError(t, f.repo.CreateItem(context.Background(), item))
	return item
}

func (f *fixture) fund(t *testing.T, users ...int64) {
	t.Helper()
	for _, u := range users {
		_, err := f.ledger.Deposit(context.Background(), u, 10000)
		require.NoError(t, err)
	}
}

func (f *fixture) bid(t *testing.T, userID, itemID, amount int64) {
	t.Helper()
	_, err := f.bidding.PlaceBid(context.Background(), userID, itemID, amount)
	require.NoError(t, err)
}

func (f *fixture) endSession(t *testing.T, status model.SessionStatus) {
	t.Helper()
	ctx := context.Background()
	s, err := f.repo.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	from := s.Status
	s.Status = status
	ok, err := f.repo.SaveSessionStatus(ctx, s, from, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)
}

func (f *fixture) frozen(t *testing.T, userID int64) int64 {
	t.Helper()
	acc, err := f.ledger.Account(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, acc.Balanced())
	return acc.FrozenAmount
}

func TestSettleSession_WinnerPaysLosersReleased(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 2, 3)
	item := f.addItem(t, 1000, nil)

	f.bid(t, 1, item.ID, 1100)
	f.bid(t, 2, item.ID, 1200)
	f.bid(t, 1, item.ID, 1300)
	f.bid(t, 3, item.ID, 1400)
	f.endSession(t, model.SessionStatusEnded)

	report, err := f.engine.SettleSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sold)
	assert.Equal(t, 0, report.Failed)
	require.Len(t, report.Outcomes, 1)

	order := report.Outcomes[0].Order
	require.NotNil(t, order)
	assert.Equal(t, int64(3), order.BuyerID)
	assert.Equal(t, int64(1400), order.TotalAmount)
	assert.Equal(t, int64(140), order.DepositAmount)
	assert.Equal(t, int64(70), order.Commission)
	assert.Equal(t, int64(1400+70-140), order.BalanceAmount)
	assert.Equal(t, model.OrderStatusUnpaid, order.Status)
	assert.True(t, validation.IsValidOrderNumber(order.OrderNo))

	for _, u := range []int64{1, 2, 3} {
		assert.Equal(t, int64(0), f.frozen(t, u), "user %d", u)
	}
	acc, err := f.ledger.Account(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(10000-140), acc.TotalAmount)

	stored, err := f.repo.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusSold, stored.Status)

	session, err := f.repo.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.True(t, session.Settled)

	assert.Len(t, f.notifier.byType(model.EventOrderCreated), 1)
	assert.Len(t, f.notifier.byType(model.EventAuctionSettled), 1)
}

func TestSettleSession_FreezeRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 2, 3)
	item := f.addItem(t, 1000, nil)

	f.bid(t, 1, item.ID, 1100)
	f.bid(t, 2, item.ID, 1500)
	f.bid(t, 3, item.ID, 1600)
	f.bid(t, 1, item.ID, 2000)
	f.endSession(t, model.SessionStatusEnded)

	_, err := f.engine.SettleSession(ctx, f.session.ID)
	require.NoError(t, err)

	var frozen, released int64
	for _, u := range []int64{1, 2, 3} {
		txs, err := f.ledger.Transactions(ctx, u, 0)
		require.NoError(t, err)
		for _, tx := range txs {
			switch tx.Type {
			case model.TransactionFreeze:
				frozen += tx.Amount
			case model.TransactionUnfreeze, model.TransactionDeduct:
				released += tx.Amount
			}
		}

		rec, err := f.ledger.Reconcile(ctx, u)
		require.NoError(t, err)
		assert.True(t, rec.Consistent(), "user %d: %v", u, rec.Mismatches)
	}
	assert.Equal(t, frozen, released)
	assert.Equal(t, int64(200+150+160), frozen)
}

func TestSettleSession_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 2)
	a := f.addItem(t, 1000, nil)
	b := f.addItem(t, 2000, nil)

	f.bid(t, 1, a.ID, 1100)
	f.bid(t, 2, b.ID, 2100)
	f.endSession(t, model.SessionStatusEnded)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.SettleSession(ctx, f.session.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	report, err := f.engine.SettleSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.True(t, report.AlreadySettled)

	results, err := f.repo.ListResults(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	orders, err := f.repo.ListOrdersByStatus(ctx, model.OrderStatusUnpaid, time.Time{})
	require.NoError(t, err)
	assert.Len(t, orders, 2)
	assert.Len(t, f.notifier.byType(model.EventOrderCreated), 2)

	for _, u := range []int64{1, 2} {
		assert.Equal(t, int64(0), f.frozen(t, u))
	}
}

func TestSettleSession_ReserveNotMet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1)
	reserve := int64(5000)
	item := f.addItem(t, 3900, &reserve)

	f.bid(t, 1, item.ID, 4000)
	assert.Equal(t, int64(400), f.frozen(t, 1))
	f.endSession(t, model.SessionStatusEnded)

	report, err := f.engine.SettleSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unsold)
	require.Len(t, report.Outcomes, 1)
	assert.Nil(t, report.Outcomes[0].Order)
	assert.Equal(t, model.ResultUnsold, report.Outcomes[0].Result.ResultStatus)
	assert.Equal(t, remarkReserveNotMet, report.Outcomes[0].Result.Remark)

	assert.Equal(t, int64(0), f.frozen(t, 1))

	stored, err := f.repo.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusUnsold, stored.Status)

	orders, err := f.repo.ListOrdersByStatus(ctx, model.OrderStatusUnpaid, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestSettleSession_NoBids(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addItem(t, 1000, nil)
	f.endSession(t, model.SessionStatusEnded)

	report, err := f.engine.SettleSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unsold)
	assert.Equal(t, remarkNoBids, report.Outcomes[0].Result.Remark)
}

func TestSettleSession_RequiresEndedSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.SettleSession(ctx, f.session.ID)
	require.ErrorIs(t, err, auctionerrors.ErrIllegalTransition)

	_, err = f.engine.SettleSession(ctx, 12345)
	require.ErrorIs(t, err, auctionerrors.ErrNotFound)
}

func TestSettleSession_FailedItemIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 2)
	a := f.addItem(t, 1000, nil)
	b := f.addItem(t, 1000, nil)

	f.bid(t, 1, a.ID, 1100)
	f.bid(t, 2, b.ID, 1100)
	f.endSession(t, model.SessionStatusEnded)

	flaky := NewEngine(f.repo, &flakyLedger{Ledger: f.ledger, failUser: 1}, lock.NewKeyedMutex(), nil, zap.NewNop())
	report, err := flaky.SettleSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Sold)

	stored, err := f.repo.GetItem(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusAuctioning, stored.Status, "failed item stays open for retry")
	assert.Equal(t, int64(110), f.frozen(t, 1))

	session, err := f.repo.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.False(t, session.Settled)

	report, err = f.engine.SettleSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sold)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, int64(0), f.frozen(t, 1))

	session, err = f.repo.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.True(t, session.Settled)
}

func TestReleaseSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 2)
	item := f.addItem(t, 1000, nil)

	f.bid(t, 1, item.ID, 1100)
	f.bid(t, 2, item.ID, 1200)

	_, err := f.engine.ReleaseSession(ctx, f.session.ID)
	require.ErrorIs(t, err, auctionerrors.ErrIllegalTransition)

	f.endSession(t, model.SessionStatusCancelled)
	report, err := f.engine.ReleaseSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unsold)
	assert.Equal(t, remarkSessionCancelled, report.Outcomes[0].Result.Remark)

	assert.Equal(t, int64(0), f.frozen(t, 1))
	assert.Equal(t, int64(0), f.frozen(t, 2))

	report, err = f.engine.ReleaseSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.True(t, report.AlreadySettled)
}

func TestSettleSession_LockTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1)
	item := f.addItem(t, 1000, nil)
	f.bid(t, 1, item.ID, 1100)
	f.endSession(t, model.SessionStatusEnded)

	locker := lock.NewKeyedMutex()
	unlock, err := locker.Lock(ctx, lock.ItemKey(item.ID))
	require.NoError(t, err)

	engine := NewEngine(f.repo, f.ledger, locker, nil, zap.NewNop())
	engine.lockTimeout = 20 * time.Millisecond

	report, err := engine.SettleSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Outcomes, 1)
	assert.ErrorIs(t, report.Outcomes[0].Err, auctionerrors.ErrTransient)
	assert.Equal(t, int64(110), f.frozen(t, 1))

	unlock()
	report, err = engine.SettleSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sold)
	assert.Equal(t, int64(0), f.frozen(t, 1))
}
