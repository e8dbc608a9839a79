// Package service реализует бизнес-логику учёта задолженностей дистрибьюторов.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/distributor-ledger/internal/catalog"
	"github.com/mmeshcher/distributor-ledger/internal/model"
)

// ErrInvalidAmount возвращается для неположительных сумм операций.
var (
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrEmptyOrder возвращается, если в корзине нет позиций с положительным количеством.
	ErrEmptyOrder = errors.New("order contains no items")
	// ErrUnauthorized возвращается при попытке операции, недоступной роли.
	ErrUnauthorized = errors.New("operation is not permitted for this role")
	// ErrLedgerDrift возвращается при расхождении баланса с суммой записей журнала.
	// Расхождение никогда не исправляется автоматически.
	ErrLedgerDrift = errors.New("ledger drift detected")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetAccount(ctx context.Context, email string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	ApplyEntry(ctx context.Context, email string, kind model.EntryKind, amount int64, note, reference string) (*model.LedgerEntry, int64, error)
	CreateOrderWithDebit(ctx context.Context, order *model.Order, note string) (*model.LedgerEntry, int64, error)
	GetOrders(ctx context.Context, email string) ([]model.Order, error)
	GetEntries(ctx context.Context, email string, limit, offset int) ([]model.LedgerEntry, error)
	GetAccountWithEntrySum(ctx context.Context, email string) (*model.Account, int64, error)
	AggregateOrderDebits(ctx context.Context, from, to time.Time) (int64, error)
	TopAccountsByDebit(ctx context.Context, limit int) ([]model.AccountDebitTotal, error)
	Summary(ctx context.Context) (*model.Summary, error)
}

// InvoiceRenderer описывает внешний сервис генерации накладных.
type InvoiceRenderer interface {
	Render(ctx context.Context, order *model.Order) (string, error)
}

// EntryPublisher описывает публикацию событий проведённых записей журнала.
type EntryPublisher interface {
	PublishEntry(ctx context.Context, entry *model.LedgerEntry, newBalance int64) error
}

// Service содержит бизнес-логику портала дистрибьюторов: проведение заказов,
// платежей и корректировок, а также отчётные выборки по журналу.
type Service struct {
	repo      Repository
	catalog   *catalog.Catalog
	renderer  InvoiceRenderer
	publisher EntryPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// Option настраивает необязательные зависимости сервиса.
type Option func(*Service)

// WithRenderer подключает внешний сервис накладных.
func WithRenderer(r InvoiceRenderer) Option {
	return func(s *Service) { s.renderer = r }
}

// WithPublisher подключает публикацию событий записей журнала.
func WithPublisher(p EntryPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLogger подключает логгер сервиса.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService создаёт новый сервис с указанным репозиторием и каталогом товаров.
func NewService(repo Repository, cat *catalog.Catalog, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		catalog: cat,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// PlaceOrderResult описывает результат проведения заказа.
// InvoicePending означает, что заказ проведён, но накладная ещё не готова.
type PlaceOrderResult struct {
	Order          *model.Order
	Entry          *model.LedgerEntry
	NewOutstanding int64
	InvoicePending bool
}

// maxOrderQty ограничивает количество в одной позиции: произведение
// qty * rate обязано помещаться в int64 без переполнения.
const maxOrderQty = 1_000_000

// buildOrderLines собирает позиции заказа из корзины по каталогу.
// Позиции с неположительным количеством и неизвестные товары отбрасываются;
// количество сверх maxOrderQty отклоняется целиком.
func (s *Service) buildOrderLines(cart map[string]int) ([]model.OrderItem, int64, error) {
	var (
		items []model.OrderItem
		total int64
	)

	for _, p := range s.catalog.Products() {
		qty := cart[p.ID]
		if qty <= 0 {
			continue
		}
		if qty > maxOrderQty {
			return nil, 0, fmt.Errorf("%w: product %s quantity %d exceeds limit", ErrInvalidAmount, p.ID, qty)
		}

		lineTotal := int64(qty) * p.Rate
		total += lineTotal

		items = append(items, model.OrderItem{
			ProductID: p.ID,
			Name:      p.Name,
			Rate:      p.Rate,
			Qty:       qty,
			Total:     lineTotal,
		})
	}

	return items, total, nil
}

// PlaceOrder проводит заказ дистрибьютора: вычисляет сумму по каталогу,
// запрашивает накладную и атомарно фиксирует заказ, запись журнала
// ORDER_DEBIT и увеличение задолженности. Сбой генерации накладной не
// блокирует проведение: заказ фиксируется с отложенной накладной.
func (s *Service) PlaceOrder(ctx context.Context, email, name string, cart map[string]int) (*PlaceOrderResult, error) {
	items, total, err := s.buildOrderLines(cart)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrEmptyOrder
	}

	order := &model.Order{
		FromEmail:  email,
		FromName:   name,
		Items:      items,
		GrandTotal: total,
	}

	res := &PlaceOrderResult{Order: order}

	if s.renderer != nil {
		ref, err := s.renderer.Render(ctx, order)
		if err != nil {
			res.InvoicePending = true
		} else {
			order.InvoiceReference = ref
		}
	} else {
		res.InvoicePending = true
	}

	entry, outstanding, err := s.repo.CreateOrderWithDebit(ctx, order, "")
	if err != nil {
		return nil, err
	}

	res.Entry = entry
	res.NewOutstanding = outstanding

	s.publish(ctx, entry, outstanding)

	return res, nil
}

// ApplyPayment проводит платёж в счёт задолженности. Дистрибьютор может
// платить только по своему счёту; платежи привилегированных ролей
// фиксируются как корректировки с указанием роли.
func (s *Service) ApplyPayment(ctx context.Context, actorEmail string, actorRole model.Role, accountEmail string, amount int64, note string) (*model.LedgerEntry, int64, error) {
	if amount <= 0 {
		return nil, 0, ErrInvalidAmount
	}

	kind := model.EntryPaymentCredit
	if actorRole.Privileged() {
		kind = model.EntryAdjustmentCredit
	} else if actorEmail != accountEmail {
		return nil, 0, ErrUnauthorized
	}

	entry, outstanding, err := s.repo.ApplyEntry(ctx, accountEmail, kind, amount, note, "")
	if err != nil {
		return nil, 0, err
	}

	s.publish(ctx, entry, outstanding)

	return entry, outstanding, nil
}

// ApplyAdjustment проводит прямую корректировку задолженности. Доступно
// только привилегированным ролям; знак суммы определяет вид записи.
func (s *Service) ApplyAdjustment(ctx context.Context, actorRole model.Role, accountEmail string, amount int64, note string) (*model.LedgerEntry, int64, error) {
	if !actorRole.Privileged() {
		return nil, 0, ErrUnauthorized
	}
	if amount == 0 {
		return nil, 0, ErrInvalidAmount
	}

	kind := model.EntryAdjustmentDebit
	magnitude := amount
	if amount < 0 {
		kind = model.EntryAdjustmentCredit
		magnitude = -amount
	}

	entry, outstanding, err := s.repo.ApplyEntry(ctx, accountEmail, kind, magnitude, note, "")
	if err != nil {
		return nil, 0, err
	}

	s.publish(ctx, entry, outstanding)

	return entry, outstanding, nil
}

// publish отправляет событие записи журнала, если публикация настроена.
// Публикация выполняется после фиксации и не влияет на результат операции;
// сбой отправки только логируется.
func (s *Service) publish(ctx context.Context, entry *model.LedgerEntry, newBalance int64) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishEntry(ctx, entry, newBalance); err != nil {
		s.logger.Warn("publish ledger entry event",
			zap.Error(err),
			zap.Int64("entry_id", entry.ID),
			zap.String("email", entry.AccountEmail),
		)
	}
}

// GetAccount возвращает счёт дистрибьютора.
func (s *Service) GetAccount(ctx context.Context, email string) (*model.Account, error) {
	return s.repo.GetAccount(ctx, email)
}

// ListAccounts возвращает все счета для панелей привилегированных ролей.
func (s *Service) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.repo.ListAccounts(ctx)
}

// GetOrders возвращает заказы счёта; пустой email — заказы всех счетов.
func (s *Service) GetOrders(ctx context.Context, email string) ([]model.Order, error) {
	return s.repo.GetOrders(ctx, email)
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// History возвращает страницу журнала счёта, новые записи первыми.
func (s *Service) History(ctx context.Context, email string, limit, offset int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.GetEntries(ctx, email, limit, offset)
}

// AggregateTotals возвращает сумму заказов за окно [now-window, now).
func (s *Service) AggregateTotals(ctx context.Context, window time.Duration) (int64, error) {
	now := s.now()
	return s.repo.AggregateOrderDebits(ctx, now.Add(-window), now)
}

const defaultTopLimit = 5

// TopAccounts возвращает счета с наибольшей суммой заказов.
func (s *Service) TopAccounts(ctx context.Context, limit int) ([]model.AccountDebitTotal, error) {
	if limit <= 0 {
		limit = defaultTopLimit
	}
	return s.repo.TopAccountsByDebit(ctx, limit)
}

// SummaryReport возвращает сводку для панели администратора, включая
// суммы заказов за неделю и месяц.
func (s *Service) SummaryReport(ctx context.Context) (*model.Summary, error) {
	summary, err := s.repo.Summary(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()

	summary.WeekSales, err = s.repo.AggregateOrderDebits(ctx, now.Add(-7*24*time.Hour), now)
	if err != nil {
		return nil, err
	}

	summary.MonthSales, err = s.repo.AggregateOrderDebits(ctx, now.Add(-30*24*time.Hour), now)
	if err != nil {
		return nil, err
	}

	return summary, nil
}

// Reconcile сверяет хранимую задолженность счёта со знаковой суммой записей
// журнала. Баланс и сумма читаются в одном снимке, чтобы параллельное
// проведение не выглядело расхождением. При расхождении возвращает отчёт
// и ErrLedgerDrift.
func (s *Service) Reconcile(ctx context.Context, email string) (*model.DriftReport, error) {
	account, sum, err := s.repo.GetAccountWithEntrySum(ctx, email)
	if err != nil {
		return nil, err
	}

	report := &model.DriftReport{
		Email:       account.Email,
		Outstanding: account.Outstanding,
		EntrySum:    sum,
	}

	if report.Drift() != 0 {
		return report, fmt.Errorf("%w: account %s, outstanding %d, entry sum %d",
			ErrLedgerDrift, account.Email, account.Outstanding, sum)
	}

	return report, nil
}

// ReconcileAll сверяет все счета и возвращает отчёты по расхождениям.
// Пустой результат означает согласованный журнал.
func (s *Service) ReconcileAll(ctx context.Context) ([]model.DriftReport, error) {
	accounts, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	var drifts []model.DriftReport
	for _, a := range accounts {
		report, err := s.Reconcile(ctx, a.Email)
		if err != nil {
			if errors.Is(err, ErrLedgerDrift) {
				drifts = append(drifts, *report)
				continue
			}
			return nil, err
		}
	}

	return drifts, nil
}
