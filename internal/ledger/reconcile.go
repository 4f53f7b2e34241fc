package ledger

import (
	"context"
	"fmt"

	"github.com/mmeshcher/auctionhouse/internal/model"
)

// Reconciliation содержит результат сверки балансов счёта с журналом операций.
type Reconciliation struct {
	Account    model.DepositAccount
	Total      int64
	Available  int64
	Frozen     int64
	Refunded   int64
	Replayed   int
	Mismatches []string
}

// Consistent сообщает, совпали ли балансы счёта с журналом.
func (r *Reconciliation) Consistent() bool {
	return len(r.Mismatches) == 0
}

// Reconcile проигрывает журнал счёта с начала и сравнивает результат с сохранёнными балансами.
func (l *Ledger) Reconcile(ctx context.Context, userID int64) (*Reconciliation, error) {
	account, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}

	txs, err := l.store.ListTransactions(ctx, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	rec := &Reconciliation{Account: *account}
	// журнал отдаётся новыми записями вперёд
	for i := len(txs) - 1; i >= 0; i-- {
		tx := txs[i]
		if tx.AvailableBefore != rec.Available || tx.FrozenBefore != rec.Frozen {
			rec.Mismatches = append(rec.Mismatches, fmt.Sprintf(
				"transaction %s: recorded before %d/%d, replayed %d/%d",
				tx.ID, tx.AvailableBefore, tx.FrozenBefore, rec.Available, rec.Frozen))
		}

		switch tx.Type {
		case model.TransactionDeposit:
			rec.Available += tx.Amount
			rec.Total += tx.Amount
		case model.TransactionWithdraw:
			rec.Available -= tx.Amount
			rec.Total -= tx.Amount
		case model.TransactionFreeze:
			rec.Available -= tx.Amount
			rec.Frozen += tx.Amount
		case model.TransactionUnfreeze:
			rec.Frozen -= tx.Amount
			rec.Available += tx.Amount
		case model.TransactionDeduct:
			rec.Frozen -= tx.Amount
			rec.Total -= tx.Amount
		case model.TransactionRefund:
			rec.Available += tx.Amount
			rec.Total += tx.Amount
			rec.Refunded += tx.Amount
		default:
			rec.Mismatches = append(rec.Mismatches, fmt.Sprintf("transaction %s: unknown type %q", tx.ID, tx.Type))
		}

		if tx.AvailableAfter != rec.Available || tx.FrozenAfter != rec.Frozen {
			rec.Mismatches = append(rec.Mismatches, fmt.Sprintf(
				"transaction %s: recorded after %d/%d, replayed %d/%d",
				tx.ID, tx.AvailableAfter, tx.FrozenAfter, rec.Available, rec.Frozen))
			rec.Available, rec.Frozen = tx.AvailableAfter, tx.FrozenAfter
		}
		rec.Replayed++
	}

	if rec.Total != account.TotalAmount {
		rec.Mismatches = append(rec.Mismatches, fmt.Sprintf("total: stored %d, replayed %d", account.TotalAmount, rec.Total))
	}
	if rec.Available != account.AvailableAmount {
		rec.Mismatches = append(rec.Mismatches, fmt.Sprintf("available: stored %d, replayed %d", account.AvailableAmount, rec.Available))
	}
	if rec.Frozen != account.FrozenAmount {
		rec.Mismatches = append(rec.Mismatches, fmt.Sprintf("frozen: stored %d, replayed %d", account.FrozenAmount, rec.Frozen))
	}
	if rec.Refunded != account.RefundedAmount {
		rec.Mismatches = append(rec.Mismatches, fmt.Sprintf("refunded: stored %d, replayed %d", account.RefundedAmount, rec.Refunded))
	}

	return rec, nil
}
