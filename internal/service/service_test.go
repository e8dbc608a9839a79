package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mmeshcher/distributor-ledger/internal/catalog"
	"github.com/mmeshcher/distributor-ledger/internal/model"
	"github.com/mmeshcher/distributor-ledger/internal/repository"
)

const testCatalog = `[
	{"id": "P1", "name": "Valve 20mm", "rate": 300},
	{"id": "P2", "name": "Valve 32mm", "rate": 450}
]`

type stubRepo struct {
	account    *model.Account
	accountErr error

	accounts []model.Account

	applyEntry   *model.LedgerEntry
	applyBalance int64
	applyErr     error
	applyCalls   int
	lastKind     model.EntryKind
	lastAmount   int64
	lastEmail    string

	orderEntry   *model.LedgerEntry
	orderBalance int64
	orderErr     error
	orderCalls   int
	lastOrder    *model.Order

	entries []model.LedgerEntry

	entrySums map[string]int64

	aggregate     int64
	aggregateFrom time.Time
	aggregateTo   time.Time

	top []model.AccountDebitTotal

	summary *model.Summary
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) GetAccount(ctx context.Context, email string) (*model.Account, error) {
	if s.accountErr != nil {
		return nil, s.accountErr
	}
	if s.account != nil && s.account.Email == email {
		return s.account, nil
	}
	for i := range s.accounts {
		if s.accounts[i].Email == email {
			return &s.accounts[i], nil
		}
	}
	return nil, repository.ErrAccountNotFound
}

func (s *stubRepo) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.accounts, nil
}

func (s *stubRepo) ApplyEntry(ctx context.Context, email string, kind model.EntryKind, amount int64, note, reference string) (*model.LedgerEntry, int64, error) {
	s.applyCalls++
	s.lastEmail = email
	s.lastKind = kind
	s.lastAmount = amount
	if s.applyErr != nil {
		return nil, 0, s.applyErr
	}
	return s.applyEntry, s.applyBalance, nil
}

func (s *stubRepo) CreateOrderWithDebit(ctx context.Context, order *model.Order, note string) (*model.LedgerEntry, int64, error) {
	s.orderCalls++
	s.lastOrder = order
	if s.orderErr != nil {
		return nil, 0, s.orderErr
	}
	return s.orderEntry, s.orderBalance, nil
}

func (s *stubRepo) GetOrders(ctx context.Context, email string) ([]model.Order, error) {
	return nil, nil
}

func (s *stubRepo) GetEntries(ctx context.Context, email string, limit, offset int) ([]model.LedgerEntry, error) {
	return s.entries, nil
}

func (s *stubRepo) GetAccountWithEntrySum(ctx context.Context, email string) (*model.Account, int64, error) {
	a, err := s.GetAccount(ctx, email)
	if err != nil {
		return nil, 0, err
	}
	return a, s.entrySums[email], nil
}

func (s *stubRepo) AggregateOrderDebits(ctx context.Context, from, to time.Time) (int64, error) {
	s.aggregateFrom = from
	s.aggregateTo = to
	return s.aggregate, nil
}

func (s *stubRepo) TopAccountsByDebit(ctx context.Context, limit int) ([]model.AccountDebitTotal, error) {
	if limit < len(s.top) {
		return s.top[:limit], nil
	}
	return s.top, nil
}

func (s *stubRepo) Summary(ctx context.Context) (*model.Summary, error) {
	if s.summary == nil {
		return &model.Summary{}, nil
	}
	return s.summary, nil
}

type stubRenderer struct {
	reference string
	err       error
	calls     int
}

func (r *stubRenderer) Render(ctx context.Context, order *model.Order) (string, error) {
	r.calls++
	return r.reference, r.err
}

type stubPublisher struct {
	entries []*model.LedgerEntry
	err     error
}

func (p *stubPublisher) PublishEntry(ctx context.Context, entry *model.LedgerEntry, newBalance int64) error {
	p.entries = append(p.entries, entry)
	return p.err
}

func newTestService(t *testing.T, repo *stubRepo, opts ...Option) *Service {
	t.Helper()

	cat, err := catalog.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}

	return NewService(repo, cat, opts...)
}

func TestPlaceOrder_ComputesTotalFromCatalog(t *testing.T) {
	repo := &stubRepo{
		orderEntry:   &model.LedgerEntry{ID: 1, Kind: model.EntryOrderDebit, Amount: 60000},
		orderBalance: 60000,
	}
	renderer := &stubRenderer{reference: "order_1.pdf"}
	svc := newTestService(t, repo, WithRenderer(renderer))

	// P2 с нулевым количеством отбрасывается.
	res, err := svc.PlaceOrder(context.Background(), "dist1@vfive.com", "Vijayakumar", map[string]int{"P1": 2, "P2": 0})
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}

	if res.Order.GrandTotal != 60000 {
		t.Fatalf("grand total = %d, want 60000", res.Order.GrandTotal)
	}
	if len(res.Order.Items) != 1 || res.Order.Items[0].ProductID != "P1" {
		t.Fatalf("unexpected items: %+v", res.Order.Items)
	}
	if res.Order.Items[0].Total != 60000 {
		t.Fatalf("line total = %d, want 60000", res.Order.Items[0].Total)
	}
	if res.Order.InvoiceReference != "order_1.pdf" {
		t.Fatalf("invoice reference = %q", res.Order.InvoiceReference)
	}
	if res.InvoicePending {
		t.Fatalf("invoice must not be pending")
	}
	if repo.orderCalls != 1 {
		t.Fatalf("order calls = %d, want 1", repo.orderCalls)
	}
}

func TestPlaceOrder_EmptyCart(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(t, repo)

	_, err := svc.PlaceOrder(context.Background(), "dist1@vfive.com", "Vijayakumar", map[string]int{"P2": 0, "unknown": 3})
	if !errors.Is(err, ErrEmptyOrder) {
		t.Fatalf("expected ErrEmptyOrder, got %v", err)
	}
	if repo.orderCalls != 0 {
		t.Fatalf("repository must not be called for empty order")
	}
}

func TestPlaceOrder_UnknownProductIgnored(t *testing.T) {
	repo := &stubRepo{
		orderEntry: &model.LedgerEntry{ID: 1},
	}
	svc := newTestService(t, repo)

	res, err := svc.PlaceOrder(context.Background(), "dist1@vfive.com", "V", map[string]int{"P1": 1, "ghost": 5})
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}
	if res.Order.GrandTotal != 30000 {
		t.Fatalf("grand total = %d, want 30000", res.Order.GrandTotal)
	}
}

func TestPlaceOrder_RendererFailureIsDegradedSuccess(t *testing.T) {
	repo := &stubRepo{
		orderEntry:   &model.LedgerEntry{ID: 7, Kind: model.EntryOrderDebit, Amount: 30000},
		orderBalance: 30000,
	}
	renderer := &stubRenderer{err: errors.New("renderer down")}
	svc := newTestService(t, repo, WithRenderer(renderer))

	res, err := svc.PlaceOrder(context.Background(), "dist1@vfive.com", "V", map[string]int{"P1": 1})
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}
	if !res.InvoicePending {
		t.Fatalf("expected pending invoice")
	}
	if res.Order.InvoiceReference != "" {
		t.Fatalf("invoice reference must be empty, got %q", res.Order.InvoiceReference)
	}
	if repo.orderCalls != 1 {
		t.Fatalf("order must still be posted")
	}
}

func TestPlaceOrder_QuantityOverflowRejected(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(t, repo)

	// qty * rate переполнил бы int64 и дал бы отрицательную сумму заказа.
	_, err := svc.PlaceOrder(context.Background(), "dist1@vfive.com", "V", map[string]int{"P1": 307445734561826})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if repo.orderCalls != 0 {
		t.Fatalf("repository must not be called for oversized quantity")
	}

	_, err = svc.PlaceOrder(context.Background(), "dist1@vfive.com", "V", map[string]int{"P1": maxOrderQty + 1})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount just above the limit, got %v", err)
	}
}

func TestPlaceOrder_AccountNotFound(t *testing.T) {
	repo := &stubRepo{orderErr: repository.ErrAccountNotFound}
	svc := newTestService(t, repo)

	_, err := svc.PlaceOrder(context.Background(), "ghost@vfive.com", "G", map[string]int{"P1": 1})
	if !errors.Is(err, repository.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestApplyPayment_SelfService(t *testing.T) {
	repo := &stubRepo{
		applyEntry:   &model.LedgerEntry{ID: 2, Kind: model.EntryPaymentCredit, Amount: 50000},
		applyBalance: 100000,
	}
	svc := newTestService(t, repo)

	entry, balance, err := svc.ApplyPayment(context.Background(), "dist1@vfive.com", model.RoleDistributor, "dist1@vfive.com", 50000, "bank transfer")
	if err != nil {
		t.Fatalf("ApplyPayment error: %v", err)
	}
	if entry.ID != 2 {
		t.Fatalf("entry id = %d", entry.ID)
	}
	if balance != 100000 {
		t.Fatalf("balance = %d, want 100000", balance)
	}
	if repo.lastKind != model.EntryPaymentCredit {
		t.Fatalf("kind = %s, want PAYMENT_CREDIT", repo.lastKind)
	}
}

func TestApplyPayment_DistributorCannotPayForOthers(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(t, repo)

	_, _, err := svc.ApplyPayment(context.Background(), "dist1@vfive.com", model.RoleDistributor, "dist2@vfive.com", 100, "")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if repo.applyCalls != 0 {
		t.Fatalf("repository must not be called")
	}
}

func TestApplyPayment_PrivilegedRecordedAsAdjustment(t *testing.T) {
	repo := &stubRepo{
		applyEntry: &model.LedgerEntry{ID: 3, Kind: model.EntryAdjustmentCredit},
	}
	svc := newTestService(t, repo)

	_, _, err := svc.ApplyPayment(context.Background(), "admin@vfive.com", model.RoleAdmin, "dist1@vfive.com", 100, "offline cheque")
	if err != nil {
		t.Fatalf("ApplyPayment error: %v", err)
	}
	if repo.lastKind != model.EntryAdjustmentCredit {
		t.Fatalf("kind = %s, want ADMIN_ADJUSTMENT_CREDIT", repo.lastKind)
	}
}

func TestApplyPayment_InvalidAmount(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(t, repo)

	for _, amount := range []int64{0, -500} {
		_, _, err := svc.ApplyPayment(context.Background(), "dist1@vfive.com", model.RoleDistributor, "dist1@vfive.com", amount, "")
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
	if repo.applyCalls != 0 {
		t.Fatalf("repository must not be called for invalid amounts")
	}
}

func TestApplyAdjustment_SignPicksKind(t *testing.T) {
	repo := &stubRepo{applyEntry: &model.LedgerEntry{ID: 4}}
	svc := newTestService(t, repo)

	_, _, err := svc.ApplyAdjustment(context.Background(), model.RoleAdmin, "dist1@vfive.com", 500, "correction")
	if err != nil {
		t.Fatalf("ApplyAdjustment error: %v", err)
	}
	if repo.lastKind != model.EntryAdjustmentDebit || repo.lastAmount != 500 {
		t.Fatalf("got kind %s amount %d, want debit 500", repo.lastKind, repo.lastAmount)
	}

	_, _, err = svc.ApplyAdjustment(context.Background(), model.RoleManufacturer, "dist1@vfive.com", -300, "correction")
	if err != nil {
		t.Fatalf("ApplyAdjustment error: %v", err)
	}
	if repo.lastKind != model.EntryAdjustmentCredit || repo.lastAmount != 300 {
		t.Fatalf("got kind %s amount %d, want credit 300", repo.lastKind, repo.lastAmount)
	}
}

func TestApplyAdjustment_RequiresPrivilegedRole(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(t, repo)

	_, _, err := svc.ApplyAdjustment(context.Background(), model.RoleDistributor, "dist1@vfive.com", 100, "")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	_, _, err = svc.ApplyAdjustment(context.Background(), model.RoleAdmin, "dist1@vfive.com", 0, "")
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
	}
}

func TestAggregateTotals_HalfOpenWindow(t *testing.T) {
	repo := &stubRepo{aggregate: 20000}
	svc := newTestService(t, repo)

	fixed := time.Date(2025, 11, 20, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	total, err := svc.AggregateTotals(context.Background(), 7*24*time.Hour)
	if err != nil {
		t.Fatalf("AggregateTotals error: %v", err)
	}
	if total != 20000 {
		t.Fatalf("total = %d, want 20000", total)
	}
	if !repo.aggregateFrom.Equal(fixed.Add(-7 * 24 * time.Hour)) {
		t.Fatalf("from = %v", repo.aggregateFrom)
	}
	if !repo.aggregateTo.Equal(fixed) {
		t.Fatalf("to = %v", repo.aggregateTo)
	}
}

func TestReconcile_Consistent(t *testing.T) {
	repo := &stubRepo{
		account:   &model.Account{Email: "dist1@vfive.com", Outstanding: 150000},
		entrySums: map[string]int64{"dist1@vfive.com": 150000},
	}
	svc := newTestService(t, repo)

	report, err := svc.Reconcile(context.Background(), "dist1@vfive.com")
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if report.Drift() != 0 {
		t.Fatalf("drift = %d, want 0", report.Drift())
	}
}

func TestReconcile_DetectsDrift(t *testing.T) {
	repo := &stubRepo{
		account:   &model.Account{Email: "dist1@vfive.com", Outstanding: 150000},
		entrySums: map[string]int64{"dist1@vfive.com": 140000},
	}
	svc := newTestService(t, repo)

	report, err := svc.Reconcile(context.Background(), "dist1@vfive.com")
	if !errors.Is(err, ErrLedgerDrift) {
		t.Fatalf("expected ErrLedgerDrift, got %v", err)
	}
	if report.Drift() != 10000 {
		t.Fatalf("drift = %d, want 10000", report.Drift())
	}
}

func TestReconcileAll_ReportsOnlyDrifted(t *testing.T) {
	repo := &stubRepo{
		accounts: []model.Account{
			{Email: "dist1@vfive.com", Outstanding: 100},
			{Email: "dist2@vfive.com", Outstanding: 200},
		},
		entrySums: map[string]int64{
			"dist1@vfive.com": 100,
			"dist2@vfive.com": 50,
		},
	}
	svc := newTestService(t, repo)

	drifts, err := svc.ReconcileAll(context.Background())
	if err != nil {
		t.Fatalf("ReconcileAll error: %v", err)
	}
	if len(drifts) != 1 || drifts[0].Email != "dist2@vfive.com" {
		t.Fatalf("unexpected drift reports: %+v", drifts)
	}
}

func TestPlaceOrder_PublishesEntryEvent(t *testing.T) {
	repo := &stubRepo{
		orderEntry: &model.LedgerEntry{ID: 9, Kind: model.EntryOrderDebit, Amount: 30000},
	}
	pub := &stubPublisher{}
	svc := newTestService(t, repo, WithPublisher(pub))

	_, err := svc.PlaceOrder(context.Background(), "dist1@vfive.com", "V", map[string]int{"P1": 1})
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}
	if len(pub.entries) != 1 || pub.entries[0].ID != 9 {
		t.Fatalf("unexpected published entries: %+v", pub.entries)
	}
}

func TestPublish_FailureLoggedNotFatal(t *testing.T) {
	repo := &stubRepo{
		orderEntry: &model.LedgerEntry{ID: 11, Kind: model.EntryOrderDebit, Amount: 30000},
	}
	pub := &stubPublisher{err: errors.New("broker unavailable")}
	core, logs := observer.New(zap.WarnLevel)
	svc := newTestService(t, repo, WithPublisher(pub), WithLogger(zap.New(core)))

	_, err := svc.PlaceOrder(context.Background(), "dist1@vfive.com", "V", map[string]int{"P1": 1})
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}
	if logs.FilterMessage("publish ledger entry event").Len() != 1 {
		t.Fatalf("expected one warning about the failed publish, got %d log entries", logs.Len())
	}
}

func TestHistory_ClampsLimit(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(t, repo)

	if _, err := svc.History(context.Background(), "dist1@vfive.com", -5, -10); err != nil {
		t.Fatalf("History error: %v", err)
	}
}
