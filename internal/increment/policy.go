// Package increment вычисляет минимальный шаг ставки по ценовым диапазонам.
package increment

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mmeshcher/auctionhouse/internal/auctionerrors"
	"github.com/mmeshcher/auctionhouse/internal/model"
)

// ErrInvalidTiers возвращается для пересекающихся или некорректных диапазонов.
var ErrInvalidTiers = errors.New("invalid increment tiers")

// fallbackIncrement используется, если цена не попала ни в один диапазон.
const fallbackIncrement int64 = 1

// Policy хранит неизменяемую таблицу шагов ставки.
type Policy struct {
	tiers []model.IncrementTier
}

// NewPolicy проверяет диапазоны и строит политику. Диапазоны сортируются по MinAmount.
func NewPolicy(tiers []model.IncrementTier) (*Policy, error) {
	sorted := append([]model.IncrementTier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinAmount < sorted[j].MinAmount })

	for i, t := range sorted {
		if t.MinAmount < 0 || t.IncrementAmount <= 0 {
			return nil, fmt.Errorf("%w: tier %d has negative bound or non-positive increment", ErrInvalidTiers, i)
		}
		if t.MaxAmount != 0 && t.MaxAmount <= t.MinAmount {
			return nil, fmt.Errorf("%w: tier %d has empty range [%d, %d)", ErrInvalidTiers, i, t.MinAmount, t.MaxAmount)
		}
		if i == len(sorted)-1 {
			continue
		}
		next := sorted[i+1]
		if t.MaxAmount == 0 || t.MaxAmount > next.MinAmount {
			return nil, fmt.Errorf("%w: tier %d overlaps tier %d", ErrInvalidTiers, i, i+1)
		}
	}

	return &Policy{tiers: sorted}, nil
}

// Increment возвращает минимальный шаг для текущей цены.
func (p *Policy) Increment(price int64) int64 {
	for _, t := range p.tiers {
		if price >= t.MinAmount && (t.MaxAmount == 0 || price < t.MaxAmount) {
			return t.IncrementAmount
		}
	}
	return fallbackIncrement
}

// MinimumBid возвращает минимальную допустимую ставку при текущей цене.
func (p *Policy) MinimumBid(price int64) int64 {
	return price + p.Increment(price)
}

// Validate проверяет, что ставка превышает текущую цену хотя бы на один шаг.
func (p *Policy) Validate(price, bid int64) error {
	if minimum := p.MinimumBid(price); bid < minimum {
		return fmt.Errorf("%w: minimum is %d", auctionerrors.ErrBidTooLow, minimum)
	}
	return nil
}
