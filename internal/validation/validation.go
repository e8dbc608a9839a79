// Package validation содержит функции валидации входных данных.
package validation

import (
	"math"
	"strings"
)

// IsValidEmail выполняет минимальную проверку адреса, используемого как
// идентификатор счёта. Полная валидация выполняется внешней системой
// аутентификации.
func IsValidEmail(email string) bool {
	if email == "" || len(email) > 254 {
		return false
	}
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return false
	}
	if strings.IndexByte(email[at+1:], '@') != -1 {
		return false
	}
	if strings.ContainsAny(email, " \t\r\n") {
		return false
	}
	return strings.IndexByte(email[at+1:], '.') > 0
}

// ToMinorUnits переводит сумму из основных единиц валюты в минимальные.
// Возвращает false для неположительных, нечисловых и слишком больших значений.
func ToMinorUnits(amount float64) (int64, bool) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, false
	}
	cents := math.Round(amount * 100)
	if cents <= 0 || cents > math.MaxInt64/2 {
		return 0, false
	}
	return int64(cents), true
}
