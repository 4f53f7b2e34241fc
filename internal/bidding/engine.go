// Package bidding принимает ставки: проверяет шаг, замораживает залог, двигает цену лота
// и продлевает сессию при поздних ставках.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/auctionhouse/internal/auctionerrors"
	"github.com/mmeshcher/auctionhouse/internal/increment"
	"github.com/mmeshcher/auctionhouse/internal/lifecycle"
	"github.com/mmeshcher/auctionhouse/internal/lock"
	"github.com/mmeshcher/auctionhouse/internal/model"
)

// Store описывает хранилище, которое использует движок ставок.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	Settings(ctx context.Context) (model.Settings, error)
	GetItem(ctx context.Context, id int64) (*model.Item, error)
	LockItem(ctx context.Context, id int64) (*model.Item, error)
	GetSession(ctx context.Context, id int64) (*model.Session, error)
	LatestUserBid(ctx context.Context, itemID, userID int64) (*model.Bid, error)
	HighestBid(ctx context.Context, itemID int64) (*model.Bid, error)
	CreateBid(ctx context.Context, bid *model.Bid) error
	SetBidStatus(ctx context.Context, bidID uuid.UUID, status model.BidStatus) error
	UpdateItemPrice(ctx context.Context, itemID, price int64, bidID uuid.UUID, now time.Time) error
	ExtendSession(ctx context.Context, sessionID int64, expectedCount int, newEnd, now time.Time) (bool, error)
	ListBids(ctx context.Context, itemID int64) ([]model.Bid, error)
}

// Ledger замораживает залог участника.
type Ledger interface {
	Freeze(ctx context.Context, userID, amount int64, ref model.Ref, reason string) (*model.DepositTransaction, error)
}

// PriceCache описывает необязательный кеш текущих цен.
type PriceCache interface {
	SetPrice(ctx context.Context, itemID, price int64) error
	Price(ctx context.Context, itemID int64) (int64, bool, error)
}

// Notifier публикует события о перебитых ставках.
type Notifier interface {
	Publish(ctx context.Context, event model.Event) error
}

const (
	defaultLockTimeout = 5 * time.Second
	maxExtendAttempts  = 3
)

// Engine принимает ставки. Ставки на один лот выполняются строго по очереди.
type Engine struct {
	store       Store
	ledger      Ledger
	locker      lock.Locker
	notifier    Notifier
	cache       PriceCache
	logger      *zap.Logger
	now         func() time.Time
	lockTimeout time.Duration
}

// NewEngine создаёт движок ставок.
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

// WithPriceCache подключает кеш текущих цен.
func (e *Engine) WithPriceCache(c PriceCache) *Engine {
	e.cache = c
	return e
}

// Result описывает принятую ставку.
type Result struct {
	Bid        model.Bid
	Frozen     int64
	Outbid     *model.Bid
	Extended   bool
	EndTime    time.Time
	MinimumBid int64
}

// PlaceBid принимает ставку amount пользователя userID на лот itemID.
// Отказ по бизнес-правилу не оставляет побочных эффектов: цена лота и счёт не меняются.
func (e *Engine) PlaceBid(ctx context.Context, userID, itemID, amount int64) (*Result, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: bid %d", auctionerrors.ErrInvalidAmount, amount)
	}

	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	unlock, err := e.locker.Lock(lockCtx, lock.ItemKey(itemID))
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: lock item %d: %w", auctionerrors.ErrTransient, itemID, err)
	}

	res, err := e.placeLocked(ctx, userID, itemID, amount)
	unlock()

	if err != nil {
		if auctionerrors.IsBusinessRejection(err) || errors.Is(err, auctionerrors.ErrNotFound) {
			e.logger.Debug("bid rejected",
				zap.Int64("userID", userID),
				zap.Int64("itemID", itemID),
				zap.Int64("amount", amount),
				zap.Error(err),
			)
		} else {
			e.logger.Error("failed to place bid",
				zap.Int64("userID", userID),
				zap.Int64("itemID", itemID),
				zap.Int64("amount", amount),
				zap.Error(err),
			)
		}
		return nil, err
	}

	e.logger.Info("bid accepted",
		zap.String("bidID", res.Bid.ID.String()),
		zap.Int64("userID", userID),
		zap.Int64("itemID", itemID),
		zap.Int64("amount", amount),
		zap.Int64("frozen", res.Frozen),
		zap.Bool("extended", res.Extended),
	)
	e.afterCommit(ctx, res)
	return res, nil
}

func (e *Engine) placeLocked(ctx context.Context, userID, itemID, amount int64) (*Result, error) {
	var res *Result

	err := e.store.InTx(ctx, func(ctx context.Context) error {
		item, err := e.store.LockItem(ctx, itemID)
		if err != nil {
			return err
		}
		if item.SessionID == nil {
			return fmt.Errorf("%w: item %d is not assigned to a session", auctionerrors.ErrItemNotAuctioning, itemID)
		}
		session, err := e.store.GetSession(ctx, *item.SessionID)
		if err != nil {
			return err
		}

		now := e.now()
		if err := lifecycle.AcceptsBids(session, item, now); err != nil {
			return err
		}

		settings, err := e.store.Settings(ctx)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		policy, err := increment.NewPolicy(settings.IncrementTiers)
		if err != nil {
			return err
		}
		if err := policy.Validate(item.CurrentPrice, amount); err != nil {
			return err
		}

		var held int64
		prior, err := e.store.LatestUserBid(ctx, itemID, userID)
		switch {
		case err == nil:
			held = prior.DepositHeld
		case !errors.Is(err, auctionerrors.ErrNotFound):
			return fmt.Errorf("load prior bid: %w", err)
		}

		required := model.RequiredDeposit(amount, settings.DepositRatioFor(item, session))
		bid := model.Bid{
			ID:          uuid.New(),
			SessionID:   session.ID,
			ItemID:      itemID,
			UserID:      userID,
			Amount:      amount,
			DepositHeld: max(held, required),
			Status:      model.BidStatusValid,
			CreatedAt:   now,
		}

		delta := max(0, required-held)
		if delta > 0 {
			ref := model.Ref{Type: model.RefBid, ID: bid.ID.String()}
			if _, err := e.ledger.Freeze(ctx, userID, delta, ref, "bid"); err != nil {
				if errors.Is(err, auctionerrors.ErrInsufficientFunds) {
					return fmt.Errorf("%w: %w", auctionerrors.ErrInsufficientDeposit, err)
				}
				return fmt.Errorf("freeze deposit: %w", err)
			}
		}

		previous, err := e.store.HighestBid(ctx, itemID)
		switch {
		case err == nil:
			if err := e.store.SetBidStatus(ctx, previous.ID, model.BidStatusSuperseded); err != nil {
				return fmt.Errorf("supersede bid: %w", err)
			}
		case errors.Is(err, auctionerrors.ErrNotFound):
			previous = nil
		default:
			return fmt.Errorf("load highest bid: %w", err)
		}

		if err := e.store.CreateBid(ctx, &bid); err != nil {
			return fmt.Errorf("create bid: %w", err)
		}
		if err := e.store.UpdateItemPrice(ctx, itemID, amount, bid.ID, now); err != nil {
			return fmt.Errorf("update item price: %w", err)
		}

		extended, endTime, err := e.extend(ctx, session, now)
		if err != nil {
			return fmt.Errorf("extend session: %w", err)
		}

		res = &Result{
			Bid:        bid,
			Frozen:     delta,
			Outbid:     previous,
			Extended:   extended,
			EndTime:    endTime,
			MinimumBid: policy.MinimumBid(amount),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// extend продлевает сессию, если ставка попала в окно антиснайпинга.
// Продление записывается условно по счётчику; при гонке с соседним лотом сессия перечитывается.
func (e *Engine) extend(ctx context.Context, session *model.Session, now time.Time) (bool, time.Time, error) {
	for attempt := 0; attempt < maxExtendAttempts; attempt++ {
		cfg := session.AntiSniping
		if !cfg.Enabled || cfg.ExtendSec <= 0 || session.Status != model.SessionStatusRunning {
			return false, session.EndTime, nil
		}
		threshold := session.EndTime.Add(-time.Duration(cfg.ThresholdSec) * time.Second)
		if now.Before(threshold) {
			return false, session.EndTime, nil
		}
		if cfg.MaxExtends > 0 && session.ExtendCount >= cfg.MaxExtends {
			return false, session.EndTime, nil
		}

		newEnd := session.EndTime.Add(time.Duration(cfg.ExtendSec) * time.Second)
		ok, err := e.store.ExtendSession(ctx, session.ID, session.ExtendCount, newEnd, now)
		if err != nil {
			return false, session.EndTime, err
		}
		if ok {
			e.logger.Info("session extended",
				zap.Int64("sessionID", session.ID),
				zap.Time("endTime", newEnd),
				zap.Int("extendCount", session.ExtendCount+1),
			)
			return true, newEnd, nil
		}

		session, err = e.store.GetSession(ctx, session.ID)
		if err != nil {
			return false, time.Time{}, err
		}
	}
	return false, session.EndTime, nil
}

func (e *Engine) afterCommit(ctx context.Context, res *Result) {
	if e.cache != nil {
		if err := e.cache.SetPrice(ctx, res.Bid.ItemID, res.Bid.Amount); err != nil {
			e.logger.Warn("failed to cache price", zap.Int64("itemID", res.Bid.ItemID), zap.Error(err))
		}
	}

	if e.notifier == nil || res.Outbid == nil || res.Outbid.UserID == res.Bid.UserID {
		return
	}
	amount := res.Bid.Amount
	event := model.Event{
		Type:      model.EventBidOutbid,
		SessionID: res.Bid.SessionID,
		ItemID:    res.Bid.ItemID,
		UserID:    res.Outbid.UserID,
		Amount:    &amount,
		Timestamp: res.Bid.CreatedAt,
	}
	if err := e.notifier.Publish(ctx, event); err != nil {
		e.logger.Warn("failed to publish outbid event", zap.Int64("itemID", res.Bid.ItemID), zap.Error(err))
	}
}
