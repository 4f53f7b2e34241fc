package model

import "github.com/shopspring/decimal"

// RequiredDeposit возвращает залог для ставки: amount × ratio с округлением вверх до копейки.
func RequiredDeposit(amount int64, ratio decimal.Decimal) int64 {
	if amount <= 0 || !ratio.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(ratio).Ceil().IntPart()
}

// Commission возвращает комиссию: price × ratio с округлением до копейки, половина вверх.
func Commission(price int64, ratio decimal.Decimal) int64 {
	if price <= 0 || !ratio.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(price).Mul(ratio).Round(0).IntPart()
}

// DepositRatioFor выбирает долю залога: настройка лота, затем сессии, затем значение по умолчанию.
// Доли сессии задаются при её создании, поэтому нулевая доля сессии означает залог 0.
func (s Settings) DepositRatioFor(item *Item, session *Session) decimal.Decimal {
	if item != nil && item.DepositRatio != nil {
		return *item.DepositRatio
	}
	if session != nil {
		return session.DepositRatio
	}
	return s.DefaultDepositRatio
}

// CommissionRatioFor выбирает долю комиссии: настройка сессии, затем значение по умолчанию.
func (s Settings) CommissionRatioFor(session *Session) decimal.Decimal {
	if session != nil {
		return session.CommissionRatio
	}
	return s.DefaultCommissionRatio
}
