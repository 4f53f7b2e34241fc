// Package model содержит доменные сущности аукционного сервиса.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountStatus описывает состояние депозитного счёта.
type AccountStatus string

const (
	AccountStatusActive AccountStatus = "ACTIVE"
	AccountStatusLocked AccountStatus = "LOCKED"
)

// DepositAccount хранит балансы депозитного счёта пользователя в копейках.
// Инвариант: TotalAmount == AvailableAmount + FrozenAmount.
type DepositAccount struct {
	ID              int64
	UserID          int64
	TotalAmount     int64
	AvailableAmount int64
	FrozenAmount    int64
	RefundedAmount  int64
	Status          AccountStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Balanced сообщает, выполняется ли инвариант счёта.
func (a *DepositAccount) Balanced() bool {
	return a.TotalAmount == a.AvailableAmount+a.FrozenAmount &&
		a.TotalAmount >= 0 && a.AvailableAmount >= 0 && a.FrozenAmount >= 0 && a.RefundedAmount >= 0
}

// TransactionType описывает вид операции по депозитному счёту.
type TransactionType string

const (
	TransactionDeposit  TransactionType = "DEPOSIT"
	TransactionWithdraw TransactionType = "WITHDRAW"
	TransactionFreeze   TransactionType = "FREEZE"
	TransactionUnfreeze TransactionType = "UNFREEZE"
	TransactionDeduct   TransactionType = "DEDUCT"
	TransactionRefund   TransactionType = "REFUND"
)

// RefType описывает тип сущности, на которую ссылается операция.
type RefType string

const (
	RefNone    RefType = ""
	RefBid     RefType = "BID"
	RefItem    RefType = "ITEM"
	RefOrder   RefType = "ORDER"
	RefSession RefType = "SESSION"
)

// Ref ссылается на сущность, вызвавшую движение средств.
type Ref struct {
	Type RefType
	ID   string
}

// DepositTransaction описывает неизменяемую запись журнала депозитного счёта.
type DepositTransaction struct {
	ID              uuid.UUID
	AccountID       int64
	UserID          int64
	Type            TransactionType
	Amount          int64
	AvailableBefore int64
	AvailableAfter  int64
	FrozenBefore    int64
	FrozenAfter     int64
	Ref             Ref
	Reason          string
	CreatedAt       time.Time
}

// BidStatus описывает статус ставки.
type BidStatus string

const (
	BidStatusValid      BidStatus = "VALID"
	BidStatusSuperseded BidStatus = "SUPERSEDED"
	BidStatusInvalid    BidStatus = "INVALID"
)

// Bid описывает ставку пользователя на лот.
// DepositHeld хранит суммарный залог участника по лоту после этой ставки.
type Bid struct {
	ID          uuid.UUID
	SessionID   int64
	ItemID      int64
	UserID      int64
	Amount      int64
	DepositHeld int64
	Status      BidStatus
	CreatedAt   time.Time
}

// ItemStatus описывает статус лота.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "PENDING"
	ItemStatusApproved   ItemStatus = "APPROVED"
	ItemStatusRejected   ItemStatus = "REJECTED"
	ItemStatusAuctioning ItemStatus = "AUCTIONING"
	ItemStatusSold       ItemStatus = "SOLD"
	ItemStatusUnsold     ItemStatus = "UNSOLD"
	ItemStatusDelisted   ItemStatus = "DELISTED"
)

// Item описывает лот аукциона.
type Item struct {
	ID            int64
	SessionID     *int64
	Title         string
	StartingPrice int64
	ReservePrice  *int64
	CurrentPrice  int64
	DepositRatio  *decimal.Decimal
	HighestBidID  *uuid.UUID
	Status        ItemStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// InSession сообщает, прикреплён ли лот к указанной сессии.
func (i *Item) InSession(sessionID int64) bool {
	return i.SessionID != nil && *i.SessionID == sessionID
}

// SessionStatus описывает статус аукционной сессии.
type SessionStatus string

const (
	SessionStatusDraft     SessionStatus = "DRAFT"
	SessionStatusScheduled SessionStatus = "SCHEDULED"
	SessionStatusRunning   SessionStatus = "RUNNING"
	SessionStatusEnded     SessionStatus = "ENDED"
	SessionStatusCancelled SessionStatus = "CANCELLED"
)

// AntiSniping задаёт параметры продления сессии при поздних ставках.
// MaxExtends == 0 означает неограниченное число продлений.
type AntiSniping struct {
	Enabled      bool
	ThresholdSec int
	ExtendSec    int
	MaxExtends   int
}

// Session описывает аукционную сессию.
type Session struct {
	ID              int64
	Name            string
	StartTime       time.Time
	EndTime         time.Time
	Status          SessionStatus
	DepositRatio    decimal.Decimal
	CommissionRatio decimal.Decimal
	AntiSniping     AntiSniping
	ExtendCount     int
	Settled         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SessionWithItems содержит сессию вместе с её лотами.
type SessionWithItems struct {
	Session Session
	Items   []Item
}

// ResultStatus описывает исход торгов по лоту.
type ResultStatus string

const (
	ResultSold   ResultStatus = "SOLD"
	ResultUnsold ResultStatus = "UNSOLD"
)

// SettleStatus описывает состояние расчёта по лоту.
type SettleStatus string

const (
	SettleStatusUnsettled SettleStatus = "UNSETTLED"
	SettleStatusSettled   SettleStatus = "SETTLED"
)

// AuctionResult фиксирует итог торгов по лоту в рамках сессии.
type AuctionResult struct {
	ID             uuid.UUID
	SessionID      int64
	ItemID         int64
	WinnerID       *int64
	HighestBidID   *uuid.UUID
	FinalPrice     int64
	Commission     int64
	DepositApplied int64
	OrderID        *uuid.UUID
	ResultStatus   ResultStatus
	SettleStatus   SettleStatus
	Remark         string
	CreatedAt      time.Time
}

// OrderStatus описывает статус заказа победителя.
type OrderStatus string

const (
	OrderStatusUnpaid    OrderStatus = "UNPAID"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusShipped   OrderStatus = "SHIPPED"
	OrderStatusReceived  OrderStatus = "RECEIVED"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Order описывает заказ, созданный по итогам торгов.
type Order struct {
	ID               uuid.UUID
	OrderNo          string
	SessionID        int64
	ItemID           int64
	BuyerID          int64
	TotalAmount      int64
	Commission       int64
	DepositAmount    int64
	BalanceAmount    int64
	Status           OrderStatus
	DepositForfeited bool
	CreatedAt        time.Time
	PaidAt           *time.Time
	ShippedAt        *time.Time
	ReceivedAt       *time.Time
	UpdatedAt        time.Time
}

// IncrementTier задаёт минимальный шаг ставки для диапазона цен [MinAmount, MaxAmount).
// MaxAmount == 0 означает открытый сверху диапазон.
type IncrementTier struct {
	MinAmount       int64
	MaxAmount       int64
	IncrementAmount int64
}

// UnpaidPolicy определяет судьбу залога по неоплаченному заказу.
type UnpaidPolicy string

const (
	UnpaidPolicyForfeit UnpaidPolicy = "FORFEIT"
	UnpaidPolicyRefund  UnpaidPolicy = "REFUND"
)

// Settings содержит бизнес-параметры, которые перечитываются перед каждой операцией.
type Settings struct {
	DefaultDepositRatio    decimal.Decimal
	DefaultCommissionRatio decimal.Decimal
	IncrementTiers         []IncrementTier
	UnpaidOrderDeadline    time.Duration
	UnpaidPolicy           UnpaidPolicy
	CountdownWindow        time.Duration
}

// DefaultSettings возвращает параметры, используемые при пустом хранилище настроек.
func DefaultSettings() Settings {
	return Settings{
		DefaultDepositRatio:    decimal.RequireFromString("0.10"),
		DefaultCommissionRatio: decimal.Zero,
		IncrementTiers: []IncrementTier{
			{MinAmount: 0, MaxAmount: 5000, IncrementAmount: 100},
			{MinAmount: 5000, MaxAmount: 50000, IncrementAmount: 500},
			{MinAmount: 50000, MaxAmount: 0, IncrementAmount: 1000},
		},
		UnpaidOrderDeadline: 30 * time.Minute,
		UnpaidPolicy:        UnpaidPolicyForfeit,
		CountdownWindow:     5 * time.Minute,
	}
}

// EventType описывает тип уведомления.
type EventType string

const (
	EventBidOutbid        EventType = "BID_OUTBID"
	EventAuctionCountdown EventType = "AUCTION_COUNTDOWN"
	EventAuctionSettled   EventType = "AUCTION_SETTLED"
	EventOrderCreated     EventType = "ORDER_CREATED"
)

// Event описывает уведомление, которое ядро отправляет во внешний канал.
type Event struct {
	Type      EventType  `json:"type"`
	SessionID int64      `json:"sessionId,omitempty"`
	ItemID    int64      `json:"itemId,omitempty"`
	OrderID   string     `json:"orderId,omitempty"`
	UserID    int64      `json:"userId,omitempty"`
	Amount    *int64     `json:"amount,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
