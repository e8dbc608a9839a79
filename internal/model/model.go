// Package model содержит доменные сущности портала дистрибьюторов.
package model

import "time"

// Role определяет роль действующего лица при обращении к API.
type Role string

const (
	RoleDistributor  Role = "distributor"
	RoleManufacturer Role = "manufacturer"
	RoleAdmin        Role = "admin"
)

// Privileged сообщает, может ли роль изменять чужие балансы.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleManufacturer
}

// Account представляет счёт дистрибьютора с текущей задолженностью.
// Outstanding хранится в минимальных единицах валюты и всегда равен знаковой сумме записей журнала.
type Account struct {
	Email       string
	Name        string
	Outstanding int64
}

// EntryKind описывает вид записи журнала. Сумма записи всегда положительна,
// знак определяется видом: *_DEBIT увеличивает задолженность, *_CREDIT уменьшает.
type EntryKind string

const (
	EntryOrderDebit       EntryKind = "ORDER_DEBIT"
	EntryPaymentCredit    EntryKind = "PAYMENT_CREDIT"
	EntryAdjustmentDebit  EntryKind = "ADMIN_ADJUSTMENT_DEBIT"
	EntryAdjustmentCredit EntryKind = "ADMIN_ADJUSTMENT_CREDIT"
)

// Debit сообщает, увеличивает ли запись задолженность.
func (k EntryKind) Debit() bool {
	return k == EntryOrderDebit || k == EntryAdjustmentDebit
}

// Signed возвращает вклад записи с данной суммой в задолженность счёта.
func (k EntryKind) Signed(amount int64) int64 {
	if k.Debit() {
		return amount
	}
	return -amount
}

// LedgerEntry описывает неизменяемую запись журнала по одному счёту.
type LedgerEntry struct {
	ID           int64
	AccountEmail string
	Kind         EntryKind
	Amount       int64
	Note         string
	Reference    string
	CreatedAt    time.Time
}

// OrderItem описывает одну позицию заказа. Суммы в минимальных единицах валюты.
type OrderItem struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Rate      int64  `json:"rate"`
	Qty       int    `json:"qty"`
	Total     int64  `json:"total"`
}

// Order описывает принятый заказ дистрибьютора.
type Order struct {
	ID               int64
	FromEmail        string
	FromName         string
	Items            []OrderItem
	GrandTotal       int64
	InvoiceReference string
	CreatedAt        time.Time
}

// AccountDebitTotal содержит сумму заказов по счёту для отчёта по лидерам.
type AccountDebitTotal struct {
	Email string
	Name  string
	Total int64
}

// Summary содержит агрегированные показатели для панели администратора.
// Все суммы в минимальных единицах валюты.
type Summary struct {
	TotalSales       int64
	TotalPayments    int64
	TotalOutstanding int64
	OrderCount       int64
	WeekSales        int64
	MonthSales       int64
}

// DriftReport описывает результат сверки одного счёта: расхождение между
// хранимой задолженностью и знаковой суммой записей журнала.
type DriftReport struct {
	Email       string
	Outstanding int64
	EntrySum    int64
}

// Drift возвращает величину расхождения. Ноль означает согласованный счёт.
func (d DriftReport) Drift() int64 {
	return d.Outstanding - d.EntrySum
}
