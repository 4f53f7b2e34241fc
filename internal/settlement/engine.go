// Package settlement подводит итоги торгов по завершённой сессии: определяет победителей,
// создаёт заказы, зачитывает залог победителя и освобождает залоги остальных участников.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/auctionhouse/internal/auctionerrors"
	"github.com/mmeshcher/auctionhouse/internal/lifecycle"
	"github.com/mmeshcher/auctionhouse/internal/lock"
	"github.com/mmeshcher/auctionhouse/internal/model"
	"github.com/mmeshcher/auctionhouse/internal/validation"
)

// Store описывает хранилище, которое использует расчёт.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	Settings(ctx context.Context) (model.Settings, error)
	GetSession(ctx context.Context, id int64) (*model.Session, error)
	ListSessionItems(ctx context.Context, sessionID int64) ([]model.Item, error)
	LockItem(ctx context.Context, id int64) (*model.Item, error)
	SaveItemStatus(ctx context.Context, item *model.Item, from model.ItemStatus) (bool, error)
	GetResult(ctx context.Context, sessionID, itemID int64) (*model.AuctionResult, error)
	CreateResult(ctx context.Context, result *model.AuctionResult) error
	HighestBid(ctx context.Context, itemID int64) (*model.Bid, error)
	ListHolders(ctx context.Context, itemID int64) ([]model.Bid, error)
	CreateOrder(ctx context.Context, order *model.Order) error
	MarkSessionSettled(ctx context.Context, sessionID int64, now time.Time) (bool, error)
}

// Ledger освобождает и списывает залоги.
type Ledger interface {
	Unfreeze(ctx context.Context, userID, amount int64, ref model.Ref, reason string) (*model.DepositTransaction, error)
	Deduct(ctx context.Context, userID, amount int64, ref model.Ref, reason string) (*model.DepositTransaction, error)
}

// Notifier публикует итоги торгов.
type Notifier interface {
	Publish(ctx context.Context, event model.Event) error
}

const (
	remarkNoBids           = "no valid bids"
	remarkReserveNotMet    = "reserve price not met"
	remarkSessionCancelled = "session cancelled"

	defaultLockTimeout = 5 * time.Second
)

// ItemOutcome описывает итог расчёта одного лота.
type ItemOutcome struct {
	ItemID  int64
	Result  *model.AuctionResult
	Order   *model.Order
	Skipped bool
	Err     error
}

// Report описывает итог расчёта сессии.
type Report struct {
	SessionID      int64
	AlreadySettled bool
	Sold           int
	Unsold         int
	Skipped        int
	Failed         int
	Outcomes       []ItemOutcome
}

// Engine рассчитывает сессии. Повторный вызов для той же сессии ничего не меняет.
type Engine struct {
	store       Store
	ledger      Ledger
	locker      lock.Locker
	notifier    Notifier
	logger      *zap.Logger
	now         func() time.Time
	lockTimeout time.Duration
}

// NewEngine создаёт движок расчёта.
func NewEngine(store Store, ledger Ledger, locker lock.Locker, notifier Notifier, logger *zap.Logger) *Engine {
	return &Engine{
		store:       store,
		ledger:      ledger,
		locker:      locker,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
		lockTimeout: defaultLockTimeout,
	}
}

// SettleSession рассчитывает все лоты завершённой сессии.
// Ошибка по одному лоту не прерывает расчёт остальных: лот остаётся нерассчитанным
// до следующего прохода, а сессия не получает признак Settled.
func (e *Engine) SettleSession(ctx context.Context, sessionID int64) (*Report, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Settled {
		return &Report{SessionID: sessionID, AlreadySettled: true}, nil
	}
	if session.Status != model.SessionStatusEnded {
		return nil, fmt.Errorf("%w: session %d is %s, not ended", auctionerrors.ErrIllegalTransition, sessionID, session.Status)
	}
	return e.run(ctx, session, false)
}

// ReleaseSession освобождает все залоги отменённой сессии и закрывает её лоты как непроданные.
func (e *Engine) ReleaseSession(ctx context.Context, sessionID int64) (*Report, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Settled {
		return &Report{SessionID: sessionID, AlreadySettled: true}, nil
	}
	if session.Status != model.SessionStatusCancelled {
		return nil, fmt.Errorf("%w: session %d is %s, not cancelled", auctionerrors.ErrIllegalTransition, sessionID, session.Status)
	}
	return e.run(ctx, session, true)
}

func (e *Engine) run(ctx context.Context, session *model.Session, cancelled bool) (*Report, error) {
	settings, err := e.store.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	items, err := e.store.ListSessionItems(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("list session items: %w", err)
	}

	report := &Report{SessionID: session.ID}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		outcome := e.settleItem(ctx, session, settings, item.ID, cancelled)
		report.Outcomes = append(report.Outcomes, outcome)

		switch {
		case outcome.Err != nil:
			report.Failed++
			level := zap.WarnLevel
			if errors.Is(outcome.Err, auctionerrors.ErrInvariantViolation) {
				level = zap.ErrorLevel
			}
			e.logger.Log(level, "failed to settle item",
				zap.Int64("sessionID", session.ID),
				zap.Int64("itemID", item.ID),
				zap.Error(outcome.Err),
			)
		case outcome.Skipped:
			report.Skipped++
		case outcome.Result.ResultStatus == model.ResultSold:
			report.Sold++
			e.publishSold(ctx, outcome)
		default:
			report.Unsold++
			e.publishUnsold(ctx, outcome)
		}
	}

	if report.Failed == 0 {
		if _, err := e.store.MarkSessionSettled(ctx, session.ID, e.now()); err != nil {
			return report, fmt.Errorf("mark session settled: %w", err)
		}
	}

	e.logger.Info("session settled",
		zap.Int64("sessionID", session.ID),
		zap.Bool("cancelled", cancelled),
		zap.Int("sold", report.Sold),
		zap.Int("unsold", report.Unsold),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (e *Engine) settleItem(ctx context.Context, session *model.Session, settings model.Settings, itemID int64, cancelled bool) ItemOutcome {
	outcome := ItemOutcome{ItemID: itemID}

	// лот, занятый дольше lockTimeout, останется на следующий проход
	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	unlock, err := e.locker.Lock(lockCtx, lock.ItemKey(itemID))
	cancel()
	if err != nil {
		outcome.Err = fmt.Errorf("%w: lock item %d: %w", auctionerrors.ErrTransient, itemID, err)
		return outcome
	}
	defer unlock()

	err = e.store.InTx(ctx, func(ctx context.Context) error {
		if _, err := e.store.GetResult(ctx, session.ID, itemID); err == nil {
			return auctionerrors.ErrAlreadySettled
		} else if !errors.Is(err, auctionerrors.ErrNotFound) {
			return fmt.Errorf("load result: %w", err)
		}

		item, err := e.store.LockItem(ctx, itemID)
		if err != nil {
			return err
		}
		if !item.InSession(session.ID) || item.Status != model.ItemStatusAuctioning {
			return auctionerrors.ErrAlreadySettled
		}

		result, order, err := e.decide(ctx, session, settings, item, cancelled)
		if err != nil {
			return err
		}

		ok, err := e.store.SaveItemStatus(ctx, item, model.ItemStatusAuctioning)
		if err != nil {
			return fmt.Errorf("save item status: %w", err)
		}
		if !ok {
			return fmt.Errorf("item %d changed status during settlement", itemID)
		}

		if err := e.store.CreateResult(ctx, result); err != nil {
			return err
		}

		outcome.Result = result
		outcome.Order = order
		return nil
	})

	if errors.Is(err, auctionerrors.ErrAlreadySettled) {
		outcome.Skipped = true
		outcome.Result = nil
		outcome.Order = nil
		return outcome
	}
	if err != nil {
		outcome.Err = err
		outcome.Result = nil
		outcome.Order = nil
	}
	return outcome
}

// decide определяет исход торгов по лоту и проводит движения по залогам.
// Вызывается внутри транзакции под блокировкой лота.
func (e *Engine) decide(
	ctx context.Context,
	session *model.Session,
	settings model.Settings,
	item *model.Item,
	cancelled bool,
) (*model.AuctionResult, *model.Order, error) {
	now := e.now()

	holders, err := e.store.ListHolders(ctx, item.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list holders: %w", err)
	}

	highest, err := e.store.HighestBid(ctx, item.ID)
	if err != nil && !errors.Is(err, auctionerrors.ErrNotFound) {
		return nil, nil, fmt.Errorf("load highest bid: %w", err)
	}
	if err != nil {
		highest = nil
	}

	result := &model.AuctionResult{
		ID:           uuid.New(),
		SessionID:    session.ID,
		ItemID:       item.ID,
		FinalPrice:   item.CurrentPrice,
		ResultStatus: model.ResultUnsold,
		SettleStatus: model.SettleStatusSettled,
		CreatedAt:    now,
	}

	var order *model.Order
	switch {
	case cancelled:
		result.Remark = remarkSessionCancelled
	case highest == nil:
		result.Remark = remarkNoBids
	case item.ReservePrice != nil && highest.Amount < *item.ReservePrice:
		result.Remark = remarkReserveNotMet
	default:
		order = &model.Order{
			ID:            uuid.New(),
			OrderNo:       validation.OrderNumber(session.ID, item.ID, now),
			SessionID:     session.ID,
			ItemID:        item.ID,
			BuyerID:       highest.UserID,
			TotalAmount:   highest.Amount,
			Commission:    model.Commission(highest.Amount, settings.CommissionRatioFor(session)),
			DepositAmount: highest.DepositHeld,
			Status:        model.OrderStatusUnpaid,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		order.BalanceAmount = max(0, order.TotalAmount+order.Commission-order.DepositAmount)

		if err := e.store.CreateOrder(ctx, order); err != nil {
			return nil, nil, fmt.Errorf("create order: %w", err)
		}
		ref := model.Ref{Type: model.RefOrder, ID: order.ID.String()}
		if _, err := e.ledger.Deduct(ctx, order.BuyerID, order.DepositAmount, ref, "deposit-applied"); err != nil {
			return nil, nil, fmt.Errorf("apply winner deposit: %w", err)
		}

		winnerID := highest.UserID
		bidID := highest.ID
		result.WinnerID = &winnerID
		result.HighestBidID = &bidID
		result.FinalPrice = highest.Amount
		result.Commission = order.Commission
		result.DepositApplied = order.DepositAmount
		result.OrderID = &order.ID
		result.ResultStatus = model.ResultSold
	}

	ref := model.Ref{Type: model.RefItem, ID: fmt.Sprintf("%d", item.ID)}
	for _, h := range holders {
		if order != nil && h.UserID == order.BuyerID {
			continue
		}
		if _, err := e.ledger.Unfreeze(ctx, h.UserID, h.DepositHeld, ref, "auction-ended"); err != nil {
			return nil, nil, fmt.Errorf("release deposit of user %d: %w", h.UserID, err)
		}
	}

	action, target := lifecycle.ActionUnsold, model.ItemStatusUnsold
	if order != nil {
		action, target = lifecycle.ActionSold, model.ItemStatusSold
	}
	if err := lifecycle.TransitionItem(item, action, target, now); err != nil {
		return nil, nil, err
	}

	return result, order, nil
}

func (e *Engine) publishSold(ctx context.Context, outcome ItemOutcome) {
	if e.notifier == nil {
		return
	}
	order := outcome.Order
	total := order.TotalAmount
	e.publish(ctx, model.Event{
		Type:      model.EventOrderCreated,
		SessionID: order.SessionID,
		ItemID:    order.ItemID,
		OrderID:   order.OrderNo,
		UserID:    order.BuyerID,
		Amount:    &total,
		Timestamp: order.CreatedAt,
	})
	e.publish(ctx, model.Event{
		Type:      model.EventAuctionSettled,
		SessionID: order.SessionID,
		ItemID:    order.ItemID,
		UserID:    order.BuyerID,
		Amount:    &total,
		Timestamp: outcome.Result.CreatedAt,
	})
}

func (e *Engine) publishUnsold(ctx context.Context, outcome ItemOutcome) {
	if e.notifier == nil {
		return
	}
	e.publish(ctx, model.Event{
		Type:      model.EventAuctionSettled,
		SessionID: outcome.Result.SessionID,
		ItemID:    outcome.Result.ItemID,
		Timestamp: outcome.Result.CreatedAt,
	})
}

func (e *Engine) publish(ctx context.Context, event model.Event) {
	if err := e.notifier.Publish(ctx, event); err != nil {
		e.logger.Warn("failed to publish settlement event",
			zap.String("type", string(event.Type)),
			zap.Int64("itemID", event.ItemID),
			zap.Error(err),
		)
	}
}
