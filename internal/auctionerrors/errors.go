// Package auctionerrors содержит ошибки ядра аукциона.
package auctionerrors

import "errors"

// Ошибки хранилища и инфраструктуры.
var (
	ErrNotFound  = errors.New("not found")
	ErrTransient = errors.New("transient failure")
)

// Отказы по бизнес-правилам. Возвращаются вызывающему без побочных эффектов.
var (
	ErrIllegalTransition   = errors.New("illegal status transition")
	ErrBidTooLow           = errors.New("bid amount too low")
	ErrInsufficientDeposit = errors.New("insufficient deposit")
	ErrSessionNotRunning   = errors.New("auction session is not running")
	ErrItemNotAuctioning   = errors.New("item is not open for bidding")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInvalidOrderNumber  = errors.New("invalid order number")
)

// Ошибки депозитного журнала.
var (
	ErrInsufficientFunds = errors.New("insufficient available funds")
	// ErrInvariantViolation означает нарушение целостности балансов и всегда эскалируется.
	ErrInvariantViolation = errors.New("ledger invariant violation")
)

// ErrAlreadySettled сообщает, что лот уже рассчитан; для вызывающего это не ошибка.
var ErrAlreadySettled = errors.New("already settled")

// IsBusinessRejection сообщает, относится ли ошибка к отказам, которые показываются пользователю.
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrBidTooLow) ||
		errors.Is(err, ErrInsufficientDeposit) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrSessionNotRunning) ||
		errors.Is(err, ErrItemNotAuctioning) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInvalidOrderNumber)
}
