// Package lifecycle содержит таблицы допустимых переходов статусов лотов, сессий и заказов.
// Любое изменение статуса в сервисе проходит через функции этого пакета.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/mmeshcher/auctionhouse/internal/auctionerrors"
	"github.com/mmeshcher/auctionhouse/internal/model"
)

// Action описывает действие, вызывающее смену статуса.
type Action string

// Действия над лотами.
const (
	ActionApprove      Action = "APPROVE"
	ActionReject       Action = "REJECT"
	ActionStartAuction Action = "START_AUCTION"
	ActionSold         Action = "SOLD"
	ActionUnsold       Action = "UNSOLD"
	ActionOffline      Action = "OFFLINE"
)

// Действия над сессиями.
const (
	ActionSchedule Action = "SCHEDULE"
	ActionStart    Action = "START"
	ActionFinish   Action = "FINISH"
	ActionCancel   Action = "CANCEL"
)

// Действия над заказами. ActionCancel общий с сессиями.
const (
	ActionPay      Action = "PAY"
	ActionShip     Action = "SHIP"
	ActionReceive  Action = "RECEIVE"
	ActionComplete Action = "COMPLETE"
)

type table[S comparable] map[Action]map[S]S

func (t table[S]) allowed(current S, action Action, target S) bool {
	next, ok := t[action][current]
	return ok && next == target
}

func (t table[S]) next(current S, action Action) (S, bool) {
	next, ok := t[action][current]
	return next, ok
}

var itemTransitions = table[model.ItemStatus]{
	ActionApprove:      {model.ItemStatusPending: model.ItemStatusApproved},
	ActionReject:       {model.ItemStatusPending: model.ItemStatusRejected},
	ActionStartAuction: {model.ItemStatusApproved: model.ItemStatusAuctioning},
	ActionSold:         {model.ItemStatusAuctioning: model.ItemStatusSold},
	ActionUnsold:       {model.ItemStatusAuctioning: model.ItemStatusUnsold},
	ActionOffline: {
		model.ItemStatusApproved: model.ItemStatusDelisted,
		model.ItemStatusSold:     model.ItemStatusDelisted,
		model.ItemStatusUnsold:   model.ItemStatusDelisted,
	},
}

var sessionTransitions = table[model.SessionStatus]{
	ActionSchedule: {model.SessionStatusDraft: model.SessionStatusScheduled},
	ActionStart:    {model.SessionStatusScheduled: model.SessionStatusRunning},
	ActionFinish:   {model.SessionStatusRunning: model.SessionStatusEnded},
	ActionCancel: {
		model.SessionStatusScheduled: model.SessionStatusCancelled,
		model.SessionStatusRunning:   model.SessionStatusCancelled,
	},
}

var orderTransitions = table[model.OrderStatus]{
	ActionPay:      {model.OrderStatusUnpaid: model.OrderStatusPaid},
	ActionShip:     {model.OrderStatusPaid: model.OrderStatusShipped},
	ActionReceive:  {model.OrderStatusShipped: model.OrderStatusReceived},
	ActionComplete: {model.OrderStatusReceived: model.OrderStatusCompleted},
	ActionCancel:   {model.OrderStatusUnpaid: model.OrderStatusCancelled},
}

// CanTransitionItem сообщает, допустим ли переход лота.
func CanTransitionItem(current model.ItemStatus, action Action, target model.ItemStatus) bool {
	return itemTransitions.allowed(current, action, target)
}

// CanTransitionSession сообщает, допустим ли переход сессии.
func CanTransitionSession(current model.SessionStatus, action Action, target model.SessionStatus) bool {
	return sessionTransitions.allowed(current, action, target)
}

// CanTransitionOrder сообщает, допустим ли переход заказа.
func CanTransitionOrder(current model.OrderStatus, action Action, target model.OrderStatus) bool {
	return orderTransitions.allowed(current, action, target)
}

// NextItemStatus возвращает статус лота, в который его переводит действие.
func NextItemStatus(current model.ItemStatus, action Action) (model.ItemStatus, error) {
	next, ok := itemTransitions.next(current, action)
	if !ok {
		return current, illegal("item", string(current), action)
	}
	return next, nil
}

// NextSessionStatus возвращает статус сессии, в который её переводит действие.
func NextSessionStatus(current model.SessionStatus, action Action) (model.SessionStatus, error) {
	next, ok := sessionTransitions.next(current, action)
	if !ok {
		return current, illegal("session", string(current), action)
	}
	return next, nil
}

// NextOrderStatus возвращает статус заказа, в который его переводит действие.
func NextOrderStatus(current model.OrderStatus, action Action) (model.OrderStatus, error) {
	next, ok := orderTransitions.next(current, action)
	if !ok {
		return current, illegal("order", string(current), action)
	}
	return next, nil
}

// TransitionItem применяет переход к лоту или возвращает ErrIllegalTransition, не меняя его.
func TransitionItem(item *model.Item, action Action, target model.ItemStatus, now time.Time) error {
	if !CanTransitionItem(item.Status, action, target) {
		return illegal("item", fmt.Sprintf("%s->%s", item.Status, target), action)
	}
	item.Status = target
	item.UpdatedAt = now
	return nil
}

// TransitionSession применяет переход к сессии или возвращает ErrIllegalTransition, не меняя её.
func TransitionSession(session *model.Session, action Action, target model.SessionStatus, now time.Time) error {
	if !CanTransitionSession(session.Status, action, target) {
		return illegal("session", fmt.Sprintf("%s->%s", session.Status, target), action)
	}
	session.Status = target
	session.UpdatedAt = now
	return nil
}

// TransitionOrder применяет переход к заказу или возвращает ErrIllegalTransition, не меняя его.
func TransitionOrder(order *model.Order, action Action, target model.OrderStatus, now time.Time) error {
	if !CanTransitionOrder(order.Status, action, target) {
		return illegal("order", fmt.Sprintf("%s->%s", order.Status, target), action)
	}
	order.Status = target
	order.UpdatedAt = now
	switch target {
	case model.OrderStatusPaid:
		order.PaidAt = &now
	case model.OrderStatusShipped:
		order.ShippedAt = &now
	case model.OrderStatusReceived:
		order.ReceivedAt = &now
	}
	return nil
}

// AcceptsBids проверяет, может ли лот принимать ставки в данный момент.
func AcceptsBids(session *model.Session, item *model.Item, now time.Time) error {
	if session.Status != model.SessionStatusRunning || !now.Before(session.EndTime) || now.Before(session.StartTime) {
		return fmt.Errorf("%w: session %d is %s", auctionerrors.ErrSessionNotRunning, session.ID, session.Status)
	}
	if !item.InSession(session.ID) || item.Status != model.ItemStatusAuctioning {
		return fmt.Errorf("%w: item %d is %s", auctionerrors.ErrItemNotAuctioning, item.ID, item.Status)
	}
	return nil
}

func illegal(entity, from string, action Action) error {
	return fmt.Errorf("%w: %s %s by %s", auctionerrors.ErrIllegalTransition, entity, from, action)
}
