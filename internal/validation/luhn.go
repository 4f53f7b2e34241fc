// Package validation проверяет и строит номера заказов с контрольной цифрой Луна.
package validation

import (
	"fmt"
	"time"
)

// IsValidOrderNumber проверяет корректность номера заказа по алгоритму Луна.
func IsValidOrderNumber(number string) bool {
	if number == "" {
		return false
	}
	sum, ok := luhnSum(number, false)
	return ok && sum%10 == 0
}

// CheckDigit возвращает контрольную цифру, которую нужно дописать к payload.
func CheckDigit(payload string) (byte, error) {
	sum, ok := luhnSum(payload, true)
	if !ok || payload == "" {
		return 0, fmt.Errorf("payload %q must be a non-empty digit string", payload)
	}
	return byte('0' + (10-sum%10)%10), nil
}

// OrderNumber строит номер заказа для лота в сессии: дата, сессия, лот и контрольная цифра.
// Пара (сессия, лот) даёт не больше одного заказа, поэтому номер уникален.
func OrderNumber(sessionID, itemID int64, at time.Time) string {
	payload := fmt.Sprintf("%s%06d%08d", at.UTC().Format("20060102"), sessionID, itemID)
	digit, _ := CheckDigit(payload)
	return payload + string(digit)
}

// luhnSum считает сумму цифр справа налево, удваивая каждую вторую.
// doubleFirst нужен при расчёте контрольной цифры, которой ещё нет в строке.
func luhnSum(number string, doubleFirst bool) (int, bool) {
	sum := 0
	double := doubleFirst

	for i := len(number) - 1; i >= 0; i-- {
		ch := number[i]
		if ch < '0' || ch > '9' {
			return 0, false
		}
		digit := int(ch - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return sum, true
}
