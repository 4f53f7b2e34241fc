// Package service объединяет ядро аукциона в один фасад для HTTP-слоя:
// администрирование сессий и лотов, ставки, депозитные счета и заказы.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/auctionhouse/internal/auctionerrors"
	"github.com/mmeshcher/auctionhouse/internal/bidding"
	"github.com/mmeshcher/auctionhouse/internal/increment"
	"github.com/mmeshcher/auctionhouse/internal/ledger"
	"github.com/mmeshcher/auctionhouse/internal/lifecycle"
	"github.com/mmeshcher/auctionhouse/internal/model"
	"github.com/mmeshcher/auctionhouse/internal/settlement"
	"github.com/mmeshcher/auctionhouse/internal/validation"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	Settings(ctx context.Context) (model.Settings, error)
	SaveSettings(ctx context.Context, s model.Settings) error
	CreateItem(ctx context.Context, item *model.Item) error
	GetItem(ctx context.Context, id int64) (*model.Item, error)
	LockItem(ctx context.Context, id int64) (*model.Item, error)
	SetItemSession(ctx context.Context, itemID int64, sessionID *int64, now time.Time) error
	SaveItemStatus(ctx context.Context, item *model.Item, from model.ItemStatus) (bool, error)
	CreateSession(ctx context.Context, session *model.Session) error
	GetSession(ctx context.Context, id int64) (*model.Session, error)
	ListSessionItems(ctx context.Context, sessionID int64) ([]model.Item, error)
	SaveSessionStatus(ctx context.Context, session *model.Session, from model.SessionStatus, dueBy time.Time) (bool, error)
	ListResults(ctx context.Context, sessionID int64) ([]model.AuctionResult, error)
	GetOrderByNo(ctx context.Context, orderNo string) (*model.Order, error)
	ListBuyerOrders(ctx context.Context, buyerID int64) ([]model.Order, error)
	SaveOrderStatus(ctx context.Context, order *model.Order, from model.OrderStatus) (bool, error)
}

// Bidder принимает ставки и отдаёт состояние торгов по лоту.
type Bidder interface {
	PlaceBid(ctx context.Context, userID, itemID, amount int64) (*bidding.Result, error)
	Item(ctx context.Context, itemID int64) (*bidding.ItemView, error)
	History(ctx context.Context, itemID int64) ([]model.Bid, error)
}

// Settler рассчитывает сессии.
type Settler interface {
	SettleSession(ctx context.Context, sessionID int64) (*settlement.Report, error)
	ReleaseSession(ctx context.Context, sessionID int64) (*settlement.Report, error)
}

// Ledger описывает операции с депозитными счетами, доступные через сервис.
type Ledger interface {
	Deposit(ctx context.Context, userID, amount int64) (*model.DepositTransaction, error)
	Withdraw(ctx context.Context, userID, amount int64) (*model.DepositTransaction, error)
	Refund(ctx context.Context, userID, amount int64, ref model.Ref, reason string) (*model.DepositTransaction, error)
	Account(ctx context.Context, userID int64) (*model.DepositAccount, error)
	Transactions(ctx context.Context, userID int64, limit int) ([]model.DepositTransaction, error)
	Reconcile(ctx context.Context, userID int64) (*ledger.Reconciliation, error)
}

// Service содержит прикладную логику аукционного сервиса.
type Service struct {
	repo    Repository
	bidder  Bidder
	settler Settler
	ledger  Ledger
	logger  *zap.Logger
	now     func() time.Time
}

// NewService создаёт сервис поверх хранилища и движков ядра.
func NewService(repo Repository, bidder Bidder, settler Settler, ledger Ledger, logger *zap.Logger) *Service {
	return &Service{
		repo:    repo,
		bidder:  bidder,
		settler: settler,
		ledger:  ledger,
		logger:  logger,
		now:     time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", auctionerrors.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func validRatio(d decimal.Decimal) bool {
	return !d.IsNegative() && d.LessThanOrEqual(decimal.NewFromInt(1))
}

// SessionInput содержит параметры новой сессии.
type SessionInput struct {
	Name            string
	StartTime       time.Time
	EndTime         time.Time
	DepositRatio    decimal.Decimal
	CommissionRatio decimal.Decimal
	AntiSniping     model.AntiSniping
}

// CreateSession создаёт сессию в статусе DRAFT.
func (s *Service) CreateSession(ctx context.Context, in SessionInput) (*model.Session, error) {
	switch {
	case in.Name == "":
		return nil, invalid("session name is empty")
	case !in.EndTime.After(in.StartTime):
		return nil, invalid("session must end after it starts")
	case !validRatio(in.DepositRatio) || !validRatio(in.CommissionRatio):
		return nil, invalid("ratios must be within [0, 1]")
	case in.AntiSniping.ThresholdSec < 0 || in.AntiSniping.ExtendSec < 0 || in.AntiSniping.MaxExtends < 0:
		return nil, invalid("anti-sniping parameters must not be negative")
	case in.AntiSniping.Enabled && (in.AntiSniping.ThresholdSec == 0 || in.AntiSniping.ExtendSec == 0):
		return nil, invalid("anti-sniping needs threshold and extension")
	}

	now := s.now()
	session := &model.Session{
		Name:            in.Name,
		StartTime:       in.StartTime,
		EndTime:         in.EndTime,
		Status:          model.SessionStatusDraft,
		DepositRatio:    in.DepositRatio,
		CommissionRatio: in.CommissionRatio,
		AntiSniping:     in.AntiSniping,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Info("session created", zap.Int64("sessionID", session.ID), zap.Time("start", session.StartTime))
	return session, nil
}

// Session возвращает сессию вместе с её лотами.
func (s *Service) Session(ctx context.Context, id int64) (*model.SessionWithItems, error) {
	session, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListSessionItems(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.SessionWithItems{Session: *session, Items: items}, nil
}

// ScheduleSession публикует черновик сессии. Планировщик откроет её в StartTime.
func (s *Service) ScheduleSession(ctx context.Context, id int64) (*model.Session, error) {
	var updated model.Session
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		session, err := s.repo.GetSession(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		if !session.EndTime.After(now) {
			return invalid("session %d already past its end time", id)
		}

		updated = *session
		if err := lifecycle.TransitionSession(&updated, lifecycle.ActionSchedule, model.SessionStatusScheduled, now); err != nil {
			return err
		}
		return s.saveSession(ctx, &updated, session.Status)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("session scheduled", zap.Int64("sessionID", id))
	return &updated, nil
}

// CancelSession отменяет сессию и освобождает залоги участников.
// Если освобождение не удалось, его повторит планировщик.
func (s *Service) CancelSession(ctx context.Context, id int64) (*settlement.Report, error) {
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		session, err := s.repo.GetSession(ctx, id)
		if err != nil {
			return err
		}
		updated := *session
		if err := lifecycle.TransitionSession(&updated, lifecycle.ActionCancel, model.SessionStatusCancelled, s.now()); err != nil {
			return err
		}
		return s.saveSession(ctx, &updated, session.Status)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("session cancelled", zap.Int64("sessionID", id))

	report, err := s.settler.ReleaseSession(ctx, id)
	if err != nil {
		s.logger.Warn("failed to release cancelled session", zap.Int64("sessionID", id), zap.Error(err))
		return nil, err
	}
	return report, nil
}

// SettleSession запускает расчёт завершённой сессии вручную.
func (s *Service) SettleSession(ctx context.Context, id int64) (*settlement.Report, error) {
	return s.settler.SettleSession(ctx, id)
}

// Results возвращает итоги торгов по сессии.
func (s *Service) Results(ctx context.Context, sessionID int64) ([]model.AuctionResult, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListResults(ctx, sessionID)
}

func (s *Service) saveSession(ctx context.Context, session *model.Session, from model.SessionStatus) error {
	ok, err := s.repo.SaveSessionStatus(ctx, session, from, time.Time{})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: session %d changed concurrently", auctionerrors.ErrIllegalTransition, session.ID)
	}
	return nil
}

// ItemInput содержит параметры нового лота.
type ItemInput struct {
	Title         string
	StartingPrice int64
	ReservePrice  *int64
	DepositRatio  *decimal.Decimal
}

// CreateItem создаёт лот в статусе PENDING.
func (s *Service) CreateItem(ctx context.Context, in ItemInput) (*model.Item, error) {
	switch {
	case in.Title == "":
		return nil, invalid("item title is empty")
	case in.StartingPrice < 0:
		return nil, fmt.Errorf("%w: starting price %d", auctionerrors.ErrInvalidAmount, in.StartingPrice)
	case in.ReservePrice != nil && *in.ReservePrice < 0:
		return nil, fmt.Errorf("%w: reserve price %d", auctionerrors.ErrInvalidAmount, *in.ReservePrice)
	case in.DepositRatio != nil && !validRatio(*in.DepositRatio):
		return nil, invalid("deposit ratio must be within [0, 1]")
	}

	now := s.now()
	item := &model.Item{
		Title:         in.Title,
		StartingPrice: in.StartingPrice,
		ReservePrice:  in.ReservePrice,
		CurrentPrice:  in.StartingPrice,
		DepositRatio:  in.DepositRatio,
		Status:        model.ItemStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.CreateItem(ctx, item); err != nil {
		return nil, err
	}

	s.logger.Info("item created", zap.Int64("itemID", item.ID))
	return item, nil
}

// AssignItem прикрепляет лот к сессии, которая ещё не началась. sessionID == nil открепляет лот.
// Лот из отменённой или завершённой сессии можно перенести в новую.
func (s *Service) AssignItem(ctx context.Context, itemID int64, sessionID *int64) (*model.Item, error) {
	var res *model.Item
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		item, err := s.repo.LockItem(ctx, itemID)
		if err != nil {
			return err
		}
		if item.Status != model.ItemStatusPending && item.Status != model.ItemStatusApproved {
			return fmt.Errorf("%w: item %d is %s", auctionerrors.ErrIllegalTransition, itemID, item.Status)
		}

		if item.SessionID != nil {
			current, err := s.repo.GetSession(ctx, *item.SessionID)
			if err != nil {
				return err
			}
			// из отменённой или завершённой сессии лот забрать можно, из идущей нельзя
			if current.Status == model.SessionStatusRunning {
				return fmt.Errorf("%w: session %d is %s", auctionerrors.ErrIllegalTransition, current.ID, current.Status)
			}
		}
		if sessionID != nil {
			target, err := s.repo.GetSession(ctx, *sessionID)
			if err != nil {
				return err
			}
			if !sessionOpen(target) {
				return fmt.Errorf("%w: session %d is %s", auctionerrors.ErrIllegalTransition, target.ID, target.Status)
			}
		}

		now := s.now()
		if err := s.repo.SetItemSession(ctx, itemID, sessionID, now); err != nil {
			return err
		}
		item.SessionID = sessionID
		item.UpdatedAt = now
		res = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func sessionOpen(session *model.Session) bool {
	return session.Status == model.SessionStatusDraft || session.Status == model.SessionStatusScheduled
}

// ApproveItem допускает лот к торгам.
func (s *Service) ApproveItem(ctx context.Context, itemID int64) (*model.Item, error) {
	return s.transitionItem(ctx, itemID, lifecycle.ActionApprove)
}

// RejectItem отклоняет лот.
func (s *Service) RejectItem(ctx context.Context, itemID int64) (*model.Item, error) {
	return s.transitionItem(ctx, itemID, lifecycle.ActionReject)
}

// OfflineItem снимает лот с витрины.
func (s *Service) OfflineItem(ctx context.Context, itemID int64) (*model.Item, error) {
	return s.transitionItem(ctx, itemID, lifecycle.ActionOffline)
}

func (s *Service) transitionItem(ctx context.Context, itemID int64, action lifecycle.Action) (*model.Item, error) {
	var updated model.Item
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		item, err := s.repo.LockItem(ctx, itemID)
		if err != nil {
			return err
		}
		target, err := lifecycle.NextItemStatus(item.Status, action)
		if err != nil {
			return err
		}
		updated = *item
		if err := lifecycle.TransitionItem(&updated, action, target, s.now()); err != nil {
			return err
		}
		ok, err := s.repo.SaveItemStatus(ctx, &updated, item.Status)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: item %d changed concurrently", auctionerrors.ErrIllegalTransition, itemID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("item status changed",
		zap.Int64("itemID", itemID),
		zap.String("action", string(action)),
		zap.String("status", string(updated.Status)),
	)
	return &updated, nil
}

// Item возвращает лот с минимальной следующей ставкой.
func (s *Service) Item(ctx context.Context, itemID int64) (*bidding.ItemView, error) {
	return s.bidder.Item(ctx, itemID)
}

// Bids возвращает историю ставок по лоту.
func (s *Service) Bids(ctx context.Context, itemID int64) ([]model.Bid, error) {
	return s.bidder.History(ctx, itemID)
}

// PlaceBid принимает ставку пользователя.
func (s *Service) PlaceBid(ctx context.Context, userID, itemID, amount int64) (*bidding.Result, error) {
	return s.bidder.PlaceBid(ctx, userID, itemID, amount)
}

// Account возвращает депозитный счёт пользователя.
func (s *Service) Account(ctx context.Context, userID int64) (*model.DepositAccount, error) {
	return s.ledger.Account(ctx, userID)
}

// Transactions возвращает журнал операций по счёту пользователя.
func (s *Service) Transactions(ctx context.Context, userID int64, limit int) ([]model.DepositTransaction, error) {
	return s.ledger.Transactions(ctx, userID, limit)
}

// Deposit пополняет депозитный счёт.
func (s *Service) Deposit(ctx context.Context, userID, amount int64) (*model.DepositTransaction, error) {
	return s.ledger.Deposit(ctx, userID, amount)
}

// Withdraw выводит свободные средства с депозитного счёта.
func (s *Service) Withdraw(ctx context.Context, userID, amount int64) (*model.DepositTransaction, error) {
	return s.ledger.Withdraw(ctx, userID, amount)
}

// Reconcile сверяет балансы счёта с журналом.
func (s *Service) Reconcile(ctx context.Context, userID int64) (*ledger.Reconciliation, error) {
	rec, err := s.ledger.Reconcile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !rec.Consistent() {
		s.logger.Error("deposit account does not match its journal",
			zap.Int64("userID", userID),
			zap.Strings("mismatches", rec.Mismatches),
		)
	}
	return rec, nil
}

// Orders возвращает заказы покупателя.
func (s *Service) Orders(ctx context.Context, buyerID int64) ([]model.Order, error) {
	return s.repo.ListBuyerOrders(ctx, buyerID)
}

// Order возвращает заказ покупателя по номеру.
// Чужой заказ неотличим от несуществующего.
func (s *Service) Order(ctx context.Context, buyerID int64, orderNo string) (*model.Order, error) {
	order, err := s.order(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != buyerID {
		return nil, fmt.Errorf("%w: order %s", auctionerrors.ErrNotFound, orderNo)
	}
	return order, nil
}

func (s *Service) order(ctx context.Context, orderNo string) (*model.Order, error) {
	if !validation.IsValidOrderNumber(orderNo) {
		return nil, fmt.Errorf("%w: %s", auctionerrors.ErrInvalidOrderNumber, orderNo)
	}
	return s.repo.GetOrderByNo(ctx, orderNo)
}

// PayOrder отмечает оплату остатка по заказу. Сам платёж проводится внешней системой.
func (s *Service) PayOrder(ctx context.Context, buyerID int64, orderNo string) (*model.Order, error) {
	return s.buyerTransition(ctx, buyerID, orderNo, lifecycle.ActionPay)
}

// ReceiveOrder подтверждает получение лота покупателем.
func (s *Service) ReceiveOrder(ctx context.Context, buyerID int64, orderNo string) (*model.Order, error) {
	return s.buyerTransition(ctx, buyerID, orderNo, lifecycle.ActionReceive)
}

// CompleteOrder закрывает заказ.
func (s *Service) CompleteOrder(ctx context.Context, buyerID int64, orderNo string) (*model.Order, error) {
	return s.buyerTransition(ctx, buyerID, orderNo, lifecycle.ActionComplete)
}

// ShipOrder отмечает отправку лота.
func (s *Service) ShipOrder(ctx context.Context, orderNo string) (*model.Order, error) {
	return s.transitionOrder(ctx, orderNo, lifecycle.ActionShip, nil)
}

// CancelOrder отменяет неоплаченный заказ. При refund залог возвращается покупателю,
// иначе остаётся удержанным.
func (s *Service) CancelOrder(ctx context.Context, orderNo string, refund bool) (*model.Order, error) {
	return s.transitionOrder(ctx, orderNo, lifecycle.ActionCancel, func(ctx context.Context, o *model.Order) error {
		o.DepositForfeited = !refund
		if !refund || o.DepositAmount == 0 {
			return nil
		}
		ref := model.Ref{Type: model.RefOrder, ID: o.ID.String()}
		_, err := s.ledger.Refund(ctx, o.BuyerID, o.DepositAmount, ref, "order-cancelled")
		return err
	})
}

func (s *Service) buyerTransition(ctx context.Context, buyerID int64, orderNo string, action lifecycle.Action) (*model.Order, error) {
	if _, err := s.Order(ctx, buyerID, orderNo); err != nil {
		return nil, err
	}
	return s.transitionOrder(ctx, orderNo, action, nil)
}

func (s *Service) transitionOrder(
	ctx context.Context,
	orderNo string,
	action lifecycle.Action,
	effect func(ctx context.Context, o *model.Order) error,
) (*model.Order, error) {
	var updated model.Order
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		order, err := s.order(ctx, orderNo)
		if err != nil {
			return err
		}
		target, err := lifecycle.NextOrderStatus(order.Status, action)
		if err != nil {
			return err
		}
		updated = *order
		if err := lifecycle.TransitionOrder(&updated, action, target, s.now()); err != nil {
			return err
		}
		if effect != nil {
			if err := effect(ctx, &updated); err != nil {
				return err
			}
		}
		ok, err := s.repo.SaveOrderStatus(ctx, &updated, order.Status)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: order %s changed concurrently", auctionerrors.ErrIllegalTransition, orderNo)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order status changed",
		zap.String("orderNo", orderNo),
		zap.String("action", string(action)),
		zap.String("status", string(updated.Status)),
	)
	return &updated, nil
}

// Settings возвращает текущие бизнес-параметры.
func (s *Service) Settings(ctx context.Context) (model.Settings, error) {
	return s.repo.Settings(ctx)
}

// UpdateSettings проверяет и сохраняет бизнес-параметры. Они применяются к следующей операции.
func (s *Service) UpdateSettings(ctx context.Context, settings model.Settings) error {
	if _, err := increment.NewPolicy(settings.IncrementTiers); err != nil {
		return fmt.Errorf("%w: %w", auctionerrors.ErrInvalidArgument, err)
	}
	if len(settings.IncrementTiers) == 0 {
		return invalid("at least one increment tier is required")
	}
	if !validRatio(settings.DefaultDepositRatio) || !validRatio(settings.DefaultCommissionRatio) {
		return invalid("ratios must be within [0, 1]")
	}
	if settings.UnpaidPolicy != model.UnpaidPolicyForfeit && settings.UnpaidPolicy != model.UnpaidPolicyRefund {
		return invalid("unknown unpaid policy %q", settings.UnpaidPolicy)
	}
	if settings.UnpaidOrderDeadline < 0 || settings.CountdownWindow < 0 {
		return invalid("durations must not be negative")
	}

	if err := s.repo.SaveSettings(ctx, settings); err != nil {
		return err
	}
	s.logger.Info("settings updated")
	return nil
}
