// Package driver периодически продвигает жизненный цикл торгов: открывает и закрывает сессии,
// запускает расчёт, отменяет просроченные заказы и рассылает предупреждения о скором окончании.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/auctionhouse/internal/lifecycle"
	"github.com/mmeshcher/auctionhouse/internal/model"
	"github.com/mmeshcher/auctionhouse/internal/settlement"
)

// Store описывает хранилище, которое использует планировщик.
// Все Save* методы условные: false означает, что предусловие уже не выполняется.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	Settings(ctx context.Context) (model.Settings, error)
	ListSessionsByStatus(ctx context.Context, status model.SessionStatus) ([]model.Session, error)
	SaveSessionStatus(ctx context.Context, session *model.Session, from model.SessionStatus, dueBy time.Time) (bool, error)
	ListSessionItems(ctx context.Context, sessionID int64) ([]model.Item, error)
	SaveItemStatus(ctx context.Context, item *model.Item, from model.ItemStatus) (bool, error)
	ListOrdersByStatus(ctx context.Context, status model.OrderStatus, createdBefore time.Time) ([]model.Order, error)
	SaveOrderStatus(ctx context.Context, order *model.Order, from model.OrderStatus) (bool, error)
}

// Settler рассчитывает завершённые и отменённые сессии.
type Settler interface {
	SettleSession(ctx context.Context, sessionID int64) (*settlement.Report, error)
	ReleaseSession(ctx context.Context, sessionID int64) (*settlement.Report, error)
}

// Ledger возвращает залог при отмене заказа с политикой возврата.
type Ledger interface {
	Refund(ctx context.Context, userID, amount int64, ref model.Ref, reason string) (*model.DepositTransaction, error)
}

// Notifier публикует предупреждения о скором окончании сессии.
type Notifier interface {
	Publish(ctx context.Context, event model.Event) error
}

// errLostRace означает, что сущность изменил кто-то другой между выборкой и записью.
var errLostRace = errors.New("precondition no longer holds")

// Stats содержит счётчики одного прохода.
type Stats struct {
	SessionsStarted  int
	ItemsStarted     int
	SessionsFinished int
	SessionsSettled  int
	OrdersCancelled  int
	Countdowns       int
	Errors           int
}

// Driver выполняет проходы по расписанию. Состояние между проходами хранится только в сущностях.
type Driver struct {
	store    Store
	settler  Settler
	ledger   Ledger
	notifier Notifier
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// New создаёт планировщик с периодом interval.
func New(store Store, settler Settler, ledger Ledger, notifier Notifier, interval time.Duration, logger *zap.Logger) *Driver {
	return &Driver{
		store:    store,
		settler:  settler,
		ledger:   ledger,
		notifier: notifier,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run выполняет проходы каждые interval до отмены контекста.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("lifecycle driver started", zap.Duration("interval", d.interval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("lifecycle driver stopped")
			return nil
		case <-ticker.C:
			stats := d.RunOnce(ctx)
			if stats.Errors > 0 {
				d.logger.Warn("lifecycle pass finished with errors", zap.Int("errors", stats.Errors))
			}
		}
	}
}

// RunOnce выполняет все проходы один раз. Ошибка по одной сущности не останавливает проход.
func (d *Driver) RunOnce(ctx context.Context) Stats {
	var stats Stats
	settings, err := d.store.Settings(ctx)
	if err != nil {
		d.logger.Error("failed to load settings", zap.Error(err))
		stats.Errors++
		return stats
	}

	d.startPass(ctx, &stats)
	d.endPass(ctx, &stats)
	d.settlePass(ctx, &stats)
	d.unpaidPass(ctx, settings, &stats)
	d.countdownPass(ctx, settings, &stats)
	return stats
}

func (d *Driver) startPass(ctx context.Context, stats *Stats) {
	sessions, err := d.store.ListSessionsByStatus(ctx, model.SessionStatusScheduled)
	if err != nil {
		d.logger.Error("failed to list scheduled sessions", zap.Error(err))
		stats.Errors++
		return
	}

	for i := range sessions {
		if ctx.Err() != nil {
			return
		}
		now := d.now()
		if sessions[i].StartTime.After(now) {
			continue
		}

		items, err := d.startSession(ctx, &sessions[i], now)
		switch {
		case errors.Is(err, errLostRace):
			d.logger.Debug("session start skipped", zap.Int64("sessionID", sessions[i].ID))
		case err != nil:
			stats.Errors++
			d.logger.Error("failed to start session", zap.Int64("sessionID", sessions[i].ID), zap.Error(err))
		default:
			stats.SessionsStarted++
			stats.ItemsStarted += items
			d.logger.Info("session started", zap.Int64("sessionID", sessions[i].ID), zap.Int("items", items))
		}
	}
}

// startSession переводит сессию в RUNNING и открывает торги по одобренным лотам в одной транзакции.
func (d *Driver) startSession(ctx context.Context, session *model.Session, now time.Time) (int, error) {
	started := 0
	err := d.store.InTx(ctx, func(ctx context.Context) error {
		started = 0
		updated := *session
		if err := lifecycle.TransitionSession(&updated, lifecycle.ActionStart, model.SessionStatusRunning, now); err != nil {
			return err
		}
		ok, err := d.store.SaveSessionStatus(ctx, &updated, session.Status, now)
		if err != nil {
			return fmt.Errorf("save session status: %w", err)
		}
		if !ok {
			return errLostRace
		}

		items, err := d.store.ListSessionItems(ctx, session.ID)
		if err != nil {
			return fmt.Errorf("list session items: %w", err)
		}
		for i := range items {
			item := items[i]
			if !lifecycle.CanTransitionItem(item.Status, lifecycle.ActionStartAuction, model.ItemStatusAuctioning) {
				continue
			}
			from := item.Status
			if err := lifecycle.TransitionItem(&item, lifecycle.ActionStartAuction, model.ItemStatusAuctioning, now); err != nil {
				return err
			}
			ok, err := d.store.SaveItemStatus(ctx, &item, from)
			if err != nil {
				return fmt.Errorf("start item %d: %w", item.ID, err)
			}
			if ok {
				started++
			}
		}
		return nil
	})
	return started, err
}

func (d *Driver) endPass(ctx context.Context, stats *Stats) {
	sessions, err := d.store.ListSessionsByStatus(ctx, model.SessionStatusRunning)
	if err != nil {
		d.logger.Error("failed to list running sessions", zap.Error(err))
		stats.Errors++
		return
	}

	for i := range sessions {
		if ctx.Err() != nil {
			return
		}
		now := d.now()
		session := sessions[i]
		if session.EndTime.After(now) {
			continue
		}

		updated := session
		if err := lifecycle.TransitionSession(&updated, lifecycle.ActionFinish, model.SessionStatusEnded, now); err != nil {
			stats.Errors++
			d.logger.Error("failed to finish session", zap.Int64("sessionID", session.ID), zap.Error(err))
			continue
		}
		// end_time перепроверяется при записи: ставка могла продлить сессию после выборки
		ok, err := d.store.SaveSessionStatus(ctx, &updated, session.Status, now)
		if err != nil {
			stats.Errors++
			d.logger.Error("failed to finish session", zap.Int64("sessionID", session.ID), zap.Error(err))
			continue
		}
		if !ok {
			d.logger.Debug("session finish skipped", zap.Int64("sessionID", session.ID))
			continue
		}
		stats.SessionsFinished++
		d.logger.Info("session finished", zap.Int64("sessionID", session.ID))
	}
}

// settlePass рассчитывает закрытые и отменённые сессии без признака Settled,
// в том числе те, расчёт которых на прошлых проходах завершился с ошибками.
func (d *Driver) settlePass(ctx context.Context, stats *Stats) {
	for _, status := range []model.SessionStatus{model.SessionStatusEnded, model.SessionStatusCancelled} {
		sessions, err := d.store.ListSessionsByStatus(ctx, status)
		if err != nil {
			d.logger.Error("failed to list sessions", zap.String("status", string(status)), zap.Error(err))
			stats.Errors++
			continue
		}
		for _, s := range sessions {
			if ctx.Err() != nil {
				return
			}
			if s.Settled {
				continue
			}
			d.settle(ctx, s.ID, status == model.SessionStatusCancelled, stats)
		}
	}
}

func (d *Driver) settle(ctx context.Context, sessionID int64, cancelled bool, stats *Stats) {
	var (
		report *settlement.Report
		err    error
	)
	if cancelled {
		report, err = d.settler.ReleaseSession(ctx, sessionID)
	} else {
		report, err = d.settler.SettleSession(ctx, sessionID)
	}
	if err != nil {
		stats.Errors++
		d.logger.Error("failed to settle session", zap.Int64("sessionID", sessionID), zap.Error(err))
		return
	}
	if report.AlreadySettled {
		return
	}
	stats.Errors += report.Failed
	if report.Failed == 0 {
		stats.SessionsSettled++
	}
}

func (d *Driver) unpaidPass(ctx context.Context, settings model.Settings, stats *Stats) {
	if settings.UnpaidOrderDeadline <= 0 {
		return
	}

	orders, err := d.store.ListOrdersByStatus(ctx, model.OrderStatusUnpaid, d.now().Add(-settings.UnpaidOrderDeadline))
	if err != nil {
		d.logger.Error("failed to list unpaid orders", zap.Error(err))
		stats.Errors++
		return
	}

	for i := range orders {
		if ctx.Err() != nil {
			return
		}
		order := orders[i]
		err := d.cancelUnpaid(ctx, &order, settings.UnpaidPolicy)
		switch {
		case errors.Is(err, errLostRace):
			d.logger.Debug("order cancel skipped", zap.String("orderNo", order.OrderNo))
		case err != nil:
			stats.Errors++
			d.logger.Error("failed to cancel unpaid order", zap.String("orderNo", order.OrderNo), zap.Error(err))
		default:
			stats.OrdersCancelled++
			d.logger.Info("unpaid order cancelled",
				zap.String("orderNo", order.OrderNo),
				zap.Int64("buyerID", order.BuyerID),
				zap.String("policy", string(settings.UnpaidPolicy)),
			)
		}
	}
}

// cancelUnpaid отменяет заказ. Залог победителя уже списан при расчёте:
// при FORFEIT он остаётся удержанным, при REFUND возвращается на счёт.
func (d *Driver) cancelUnpaid(ctx context.Context, order *model.Order, policy model.UnpaidPolicy) error {
	return d.store.InTx(ctx, func(ctx context.Context) error {
		updated := *order
		if err := lifecycle.TransitionOrder(&updated, lifecycle.ActionCancel, model.OrderStatusCancelled, d.now()); err != nil {
			return err
		}
		updated.DepositForfeited = policy != model.UnpaidPolicyRefund

		ok, err := d.store.SaveOrderStatus(ctx, &updated, order.Status)
		if err != nil {
			return fmt.Errorf("save order status: %w", err)
		}
		if !ok {
			return errLostRace
		}

		if policy == model.UnpaidPolicyRefund && order.DepositAmount > 0 {
			ref := model.Ref{Type: model.RefOrder, ID: order.ID.String()}
			if _, err := d.ledger.Refund(ctx, order.BuyerID, order.DepositAmount, ref, "order-unpaid"); err != nil {
				return fmt.Errorf("refund deposit: %w", err)
			}
		}
		return nil
	})
}

// countdownPass сообщает о скором окончании сессии один раз: когда до конца остаётся
// не больше CountdownWindow, а на предыдущем проходе оставалось больше.
func (d *Driver) countdownPass(ctx context.Context, settings model.Settings, stats *Stats) {
	if settings.CountdownWindow <= 0 || d.notifier == nil {
		return
	}

	sessions, err := d.store.ListSessionsByStatus(ctx, model.SessionStatusRunning)
	if err != nil {
		d.logger.Error("failed to list running sessions", zap.Error(err))
		stats.Errors++
		return
	}

	now := d.now()
	for _, s := range sessions {
		remaining := s.EndTime.Sub(now)
		if remaining <= 0 || remaining > settings.CountdownWindow || remaining <= settings.CountdownWindow-d.interval {
			continue
		}

		endTime := s.EndTime
		event := model.Event{
			Type:      model.EventAuctionCountdown,
			SessionID: s.ID,
			EndTime:   &endTime,
			Timestamp: now,
		}
		if err := d.notifier.Publish(ctx, event); err != nil {
			d.logger.Warn("failed to publish countdown", zap.Int64("sessionID", s.ID), zap.Error(err))
			continue
		}
		stats.Countdowns++
	}
}
