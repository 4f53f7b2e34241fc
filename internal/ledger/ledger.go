// Package ledger управляет депозитными счетами участников торгов.
// Каждая операция меняет балансы и пишет запись журнала в одной транзакции хранилища.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/auctionhouse/internal/auctionerrors"
	"github.com/mmeshcher/auctionhouse/internal/model"
)

// Store описывает доступ к счетам и журналу операций.
// LockAccount блокирует строку счёта до конца транзакции и возвращает ErrNotFound, если счёта нет.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	EnsureAccount(ctx context.Context, userID int64) error
	LockAccount(ctx context.Context, userID int64) (*model.DepositAccount, error)
	GetAccount(ctx context.Context, userID int64) (*model.DepositAccount, error)
	SaveAccount(ctx context.Context, account *model.DepositAccount) error
	AddTransaction(ctx context.Context, tx *model.DepositTransaction) error
	ListTransactions(ctx context.Context, userID int64, limit int) ([]model.DepositTransaction, error)
}

// Ledger выполняет атомарные операции над депозитными счетами.
type Ledger struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// New создаёт журнал поверх хранилища.
func New(store Store, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, now: time.Now}
}

type mutation func(a *model.DepositAccount) error

// Freeze переводит сумму из доступной в замороженную. Нулевая сумма ничего не меняет.
func (l *Ledger) Freeze(ctx context.Context, userID, amount int64, ref model.Ref, reason string) (*model.DepositTransaction, error) {
	if amount == 0 {
		return nil, nil
	}
	if amount < 0 {
		return nil, fmt.Errorf("%w: freeze %d", auctionerrors.ErrInvalidAmount, amount)
	}

	tx, err := l.apply(ctx, userID, model.TransactionFreeze, amount, ref, reason, false, func(a *model.DepositAccount) error {
		if a.AvailableAmount < amount {
			return fmt.Errorf("%w: available %d, requested %d", auctionerrors.ErrInsufficientFunds, a.AvailableAmount, amount)
		}
		a.AvailableAmount -= amount
		a.FrozenAmount += amount
		return nil
	})
	if errors.Is(err, auctionerrors.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %d has no deposit account", auctionerrors.ErrInsufficientFunds, userID)
	}
	return tx, err
}

// Unfreeze возвращает замороженную сумму в доступную.
func (l *Ledger) Unfreeze(ctx context.Context, userID, amount int64, ref model.Ref, reason string) (*model.DepositTransaction, error) {
	if amount == 0 {
		return nil, nil
	}
	if amount < 0 {
		return nil, fmt.Errorf("%w: unfreeze %d", auctionerrors.ErrInvalidAmount, amount)
	}

	return l.apply(ctx, userID, model.TransactionUnfreeze, amount, ref, reason, false, func(a *model.DepositAccount) error {
		if a.FrozenAmount < amount {
			return fmt.Errorf("%w: unfreeze %d with frozen %d", auctionerrors.ErrInvariantViolation, amount, a.FrozenAmount)
		}
		a.FrozenAmount -= amount
		a.AvailableAmount += amount
		return nil
	})
}

// Deduct списывает замороженную сумму: залог зачтён в заказ или удержан.
func (l *Ledger) Deduct(ctx context.Context, userID, amount int64, ref model.Ref, reason string) (*model.DepositTransaction, error) {
	if amount == 0 {
		return nil, nil
	}
	if amount < 0 {
		return nil, fmt.Errorf("%w: deduct %d", auctionerrors.ErrInvalidAmount, amount)
	}

	return l.apply(ctx, userID, model.TransactionDeduct, amount, ref, reason, false, func(a *model.DepositAccount) error {
		if a.FrozenAmount < amount {
			return fmt.Errorf("%w: deduct %d with frozen %d", auctionerrors.ErrInvariantViolation, amount, a.FrozenAmount)
		}
		a.FrozenAmount -= amount
		a.TotalAmount -= amount
		return nil
	})
}

// Refund возвращает ранее списанную сумму на доступный баланс.
func (l *Ledger) Refund(ctx context.Context, userID, amount int64, ref model.Ref, reason string) (*model.DepositTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: refund %d", auctionerrors.ErrInvalidAmount, amount)
	}

	return l.apply(ctx, userID, model.TransactionRefund, amount, ref, reason, true, func(a *model.DepositAccount) error {
		a.AvailableAmount += amount
		a.TotalAmount += amount
		a.RefundedAmount += amount
		return nil
	})
}

// Deposit пополняет доступный баланс. Счёт создаётся при первом пополнении.
func (l *Ledger) Deposit(ctx context.Context, userID, amount int64) (*model.DepositTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: deposit %d", auctionerrors.ErrInvalidAmount, amount)
	}

	return l.apply(ctx, userID, model.TransactionDeposit, amount, model.Ref{}, "top-up", true, func(a *model.DepositAccount) error {
		a.AvailableAmount += amount
		a.TotalAmount += amount
		return nil
	})
}

// Withdraw выводит средства с доступного баланса.
func (l *Ledger) Withdraw(ctx context.Context, userID, amount int64) (*model.DepositTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: withdraw %d", auctionerrors.ErrInvalidAmount, amount)
	}

	tx, err := l.apply(ctx, userID, model.TransactionWithdraw, amount, model.Ref{}, "withdrawal", false, func(a *model.DepositAccount) error {
		if a.AvailableAmount < amount {
			return fmt.Errorf("%w: available %d, requested %d", auctionerrors.ErrInsufficientFunds, a.AvailableAmount, amount)
		}
		a.AvailableAmount -= amount
		a.TotalAmount -= amount
		return nil
	})
	if errors.Is(err, auctionerrors.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %d has no deposit account", auctionerrors.ErrInsufficientFunds, userID)
	}
	return tx, err
}

// Account возвращает текущее состояние счёта.
func (l *Ledger) Account(ctx context.Context, userID int64) (*model.DepositAccount, error) {
	return l.store.GetAccount(ctx, userID)
}

// Transactions возвращает последние записи журнала, новые первыми. limit <= 0 означает все записи.
func (l *Ledger) Transactions(ctx context.Context, userID int64, limit int) ([]model.DepositTransaction, error) {
	return l.store.ListTransactions(ctx, userID, limit)
}

func (l *Ledger) apply(
	ctx context.Context,
	userID int64,
	typ model.TransactionType,
	amount int64,
	ref model.Ref,
	reason string,
	create bool,
	mutate mutation,
) (*model.DepositTransaction, error) {
	var record *model.DepositTransaction

	err := l.store.InTx(ctx, func(ctx context.Context) error {
		if create {
			if err := l.store.EnsureAccount(ctx, userID); err != nil {
				return fmt.Errorf("ensure account: %w", err)
			}
		}

		account, err := l.store.LockAccount(ctx, userID)
		if err != nil {
			if errors.Is(err, auctionerrors.ErrNotFound) && (typ == model.TransactionUnfreeze || typ == model.TransactionDeduct) {
				return fmt.Errorf("%w: %s for user %d without account", auctionerrors.ErrInvariantViolation, typ, userID)
			}
			return err
		}
		if account.Status == model.AccountStatusLocked && typ != model.TransactionUnfreeze && typ != model.TransactionDeduct {
			return fmt.Errorf("%w: account of user %d is locked", auctionerrors.ErrInsufficientFunds, userID)
		}

		before := *account
		if err := mutate(account); err != nil {
			return err
		}
		if !account.Balanced() {
			return fmt.Errorf("%w: %s %d leaves account %d unbalanced", auctionerrors.ErrInvariantViolation, typ, amount, account.ID)
		}

		now := l.now()
		account.UpdatedAt = now
		if err := l.store.SaveAccount(ctx, account); err != nil {
			return fmt.Errorf("save account: %w", err)
		}

		record = &model.DepositTransaction{
			ID:              uuid.New(),
			AccountID:       account.ID,
			UserID:          userID,
			Type:            typ,
			Amount:          amount,
			AvailableBefore: before.AvailableAmount,
			AvailableAfter:  account.AvailableAmount,
			FrozenBefore:    before.FrozenAmount,
			FrozenAfter:     account.FrozenAmount,
			Ref:             ref,
			Reason:          reason,
			CreatedAt:       now,
		}
		if err := l.store.AddTransaction(ctx, record); err != nil {
			return fmt.Errorf("add transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, auctionerrors.ErrInvariantViolation) {
			l.logger.Error("ledger invariant violation",
				zap.Int64("userID", userID),
				zap.String("type", string(typ)),
				zap.Int64("amount", amount),
				zap.String("refType", string(ref.Type)),
				zap.String("refID", ref.ID),
				zap.Error(err),
				zap.Stack("stack"),
			)
		}
		return nil, err
	}

	l.logger.Debug("ledger operation applied",
		zap.Int64("userID", userID),
		zap.String("type", string(typ)),
		zap.Int64("amount", amount),
		zap.String("refID", ref.ID),
	)
	return record, nil
}
