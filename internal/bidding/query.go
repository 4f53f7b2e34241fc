package bidding

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/auctionhouse/internal/increment"
	"github.com/mmeshcher/auctionhouse/internal/model"
)

// ItemView описывает лот вместе с минимальной следующей ставкой и залогом под неё.
type ItemView struct {
	Item            model.Item
	MinimumBid      int64
	RequiredDeposit int64
}

// Item возвращает лот с расчётом минимальной ставки.
// Цену берёт из кеша, если там значение не ниже сохранённого: кеш обновляется сразу после ставки.
func (e *Engine) Item(ctx context.Context, itemID int64) (*ItemView, error) {
	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	settings, err := e.store.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	policy, err := increment.NewPolicy(settings.IncrementTiers)
	if err != nil {
		return nil, err
	}

	var session *model.Session
	if item.SessionID != nil {
		session, err = e.store.GetSession(ctx, *item.SessionID)
		if err != nil {
			return nil, err
		}
	}

	item.CurrentPrice = e.currentPrice(ctx, item)
	minimum := policy.MinimumBid(item.CurrentPrice)
	return &ItemView{
		Item:            *item,
		MinimumBid:      minimum,
		RequiredDeposit: model.RequiredDeposit(minimum, settings.DepositRatioFor(item, session)),
	}, nil
}

// currentPrice сверяет цену лота с кешем. Ошибка или промах кеша оставляют цену из хранилища
// и прогревают кеш ею.
func (e *Engine) currentPrice(ctx context.Context, item *model.Item) int64 {
	if e.cache == nil {
		return item.CurrentPrice
	}

	price, ok, err := e.cache.Price(ctx, item.ID)
	switch {
	case err != nil:
		e.logger.Warn("price cache unavailable", zap.Int64("itemID", item.ID), zap.Error(err))
	case ok && price >= item.CurrentPrice:
		return price
	default:
		if err := e.cache.SetPrice(ctx, item.ID, item.CurrentPrice); err != nil {
			e.logger.Warn("failed to cache price", zap.Int64("itemID", item.ID), zap.Error(err))
		}
	}
	return item.CurrentPrice
}

// History возвращает все ставки по лоту, новые первыми, включая перебитые.
func (e *Engine) History(ctx context.Context, itemID int64) ([]model.Bid, error) {
	if _, err := e.store.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	return e.store.ListBids(ctx, itemID)
}
