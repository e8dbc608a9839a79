// Package handler содержит HTTP-обработчики API портала дистрибьюторов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/distributor-ledger/internal/middleware"
	"github.com/mmeshcher/distributor-ledger/internal/model"
	"github.com/mmeshcher/distributor-ledger/internal/repository"
	"github.com/mmeshcher/distributor-ledger/internal/service"
	"github.com/mmeshcher/distributor-ledger/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	GetAccount(ctx context.Context, email string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	PlaceOrder(ctx context.Context, email, name string, cart map[string]int) (*service.PlaceOrderResult, error)
	GetOrders(ctx context.Context, email string) ([]model.Order, error)
	ApplyPayment(ctx context.Context, actorEmail string, actorRole model.Role, accountEmail string, amount int64, note string) (*model.LedgerEntry, int64, error)
	ApplyAdjustment(ctx context.Context, actorRole model.Role, accountEmail string, amount int64, note string) (*model.LedgerEntry, int64, error)
	History(ctx context.Context, email string, limit, offset int) ([]model.LedgerEntry, error)
	TopAccounts(ctx context.Context, limit int) ([]model.AccountDebitTotal, error)
	SummaryReport(ctx context.Context) (*model.Summary, error)
	ReconcileAll(ctx context.Context) ([]model.DriftReport, error)
}

// Handler реализует HTTP-обработчики API портала дистрибьюторов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware

	adminEmails        map[string]struct{}
	manufacturerEmails map[string]struct{}
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// Списки admins и manufacturers определяют роли при открытии сессии.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, admins, manufacturers []string) *Handler {
	h := &Handler{
		service:            s,
		logger:             logger,
		authMiddleware:     auth,
		adminEmails:        make(map[string]struct{}, len(admins)),
		manufacturerEmails: make(map[string]struct{}, len(manufacturers)),
	}
	for _, e := range admins {
		h.adminEmails[e] = struct{}{}
	}
	for _, e := range manufacturers {
		h.manufacturerEmails[e] = struct{}{}
	}
	return h
}

func toMajor(amount int64) float64 {
	return float64(amount) / 100
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type sessionRequest struct {
	Email string `json:"email"`
}

type sessionResponse struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// CreateSession обменивает адрес, подтверждённый внешней аутентификацией,
// на подписанный cookie с ролью. Роль определяется списками конфигурации,
// для остальных адресов требуется существующий счёт дистрибьютора.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !validation.IsValidEmail(email) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	role := model.RoleDistributor
	switch {
	case h.hasRole(h.adminEmails, email):
		role = model.RoleAdmin
	case h.hasRole(h.manufacturerEmails, email):
		role = model.RoleManufacturer
	default:
		if _, err := h.service.GetAccount(r.Context(), email); err != nil {
			if errors.Is(err, repository.ErrAccountNotFound) {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			h.logger.Error("create session error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	h.authMiddleware.SetAuthCookie(w, middleware.Actor{Email: email, Role: role})
	writeJSON(w, sessionResponse{Email: email, Role: string(role)})
}

func (h *Handler) hasRole(set map[string]struct{}, email string) bool {
	_, ok := set[email]
	return ok
}

type orderRequest struct {
	Cart map[string]int `json:"cart"`
	Name string         `json:"name"`
}

type orderResponse struct {
	OK               bool    `json:"ok"`
	OrderID          int64   `json:"order_id"`
	GrandTotal       float64 `json:"grand_total"`
	NewOutstanding   float64 `json:"new_outstanding"`
	InvoiceReference string  `json:"invoice_reference,omitempty"`
	InvoicePending   bool    `json:"invoice_pending,omitempty"`
}

// PlaceOrder принимает корзину текущего дистрибьютора и проводит заказ.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.PlaceOrder(r.Context(), actor.Email, req.Name, req.Cart)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, service.ErrEmptyOrder):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrAccountNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("place order error", zap.Error(err), zap.String("email", actor.Email))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, orderResponse{
		OK:               true,
		OrderID:          res.Order.ID,
		GrandTotal:       toMajor(res.Order.GrandTotal),
		NewOutstanding:   toMajor(res.NewOutstanding),
		InvoiceReference: res.Order.InvoiceReference,
		InvoicePending:   res.InvoicePending,
	})
}

type orderListItem struct {
	ID               int64             `json:"id"`
	FromEmail        string            `json:"from_email"`
	FromName         string            `json:"from_name"`
	Items            []model.OrderItem `json:"items"`
	GrandTotal       float64           `json:"grand_total"`
	InvoiceReference string            `json:"invoice_reference,omitempty"`
	CreatedAt        string            `json:"created_at"`
}

// GetOrders возвращает заказы текущего счёта; привилегированные роли видят все.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	email := actor.Email
	if actor.Role.Privileged() {
		email = r.URL.Query().Get("email")
	}

	orders, err := h.service.GetOrders(r.Context(), email)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.String("email", actor.Email))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderListItem, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, orderListItem{
			ID:               o.ID,
			FromEmail:        o.FromEmail,
			FromName:         o.FromName,
			Items:            o.Items,
			GrandTotal:       toMajor(o.GrandTotal),
			InvoiceReference: o.InvoiceReference,
			CreatedAt:        o.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, resp)
}

type balanceResponse struct {
	Email       string  `json:"email"`
	Name        string  `json:"name"`
	Outstanding float64 `json:"outstanding"`
}

// GetBalance возвращает текущую задолженность счёта.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	email := actor.Email
	if q := r.URL.Query().Get("email"); q != "" {
		if !actor.Role.Privileged() {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		email = q
	}

	account, err := h.service.GetAccount(r.Context(), email)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get balance error", zap.Error(err), zap.String("email", email))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, balanceResponse{
		Email:       account.Email,
		Name:        account.Name,
		Outstanding: toMajor(account.Outstanding),
	})
}

type paymentRequest struct {
	Email  string  `json:"email,omitempty"`
	Amount float64 `json:"amount"`
	Note   string  `json:"note,omitempty"`
}

type mutationResponse struct {
	OK         bool    `json:"ok"`
	EntryID    int64   `json:"entry_id"`
	Kind       string  `json:"kind"`
	NewBalance float64 `json:"new_balance"`
}

// CreatePayment проводит платёж в счёт задолженности. Дистрибьютор платит
// по своему счёту; привилегированные роли указывают счёт явно.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	amount, ok := validation.ToMinorUnits(req.Amount)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	accountEmail := actor.Email
	if req.Email != "" {
		accountEmail = strings.ToLower(strings.TrimSpace(req.Email))
	}

	entry, balance, err := h.service.ApplyPayment(r.Context(), actor.Email, actor.Role, accountEmail, amount, req.Note)
	if err != nil {
		h.writeMutationError(w, err, actor.Email)
		return
	}

	writeJSON(w, mutationResponse{
		OK:         true,
		EntryID:    entry.ID,
		Kind:       string(entry.Kind),
		NewBalance: toMajor(balance),
	})
}

type adjustmentRequest struct {
	Email     string  `json:"email"`
	Amount    float64 `json:"amount"`
	Direction string  `json:"direction"`
	Note      string  `json:"note,omitempty"`
}

// CreateAdjustment проводит корректировку задолженности счёта.
// Direction принимает значения debit и credit.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req adjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	amount, ok := validation.ToMinorUnits(req.Amount)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	switch req.Direction {
	case "debit":
	case "credit":
		amount = -amount
	default:
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	accountEmail := strings.ToLower(strings.TrimSpace(req.Email))
	if accountEmail == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entry, balance, err := h.service.ApplyAdjustment(r.Context(), actor.Role, accountEmail, amount, req.Note)
	if err != nil {
		h.writeMutationError(w, err, actor.Email)
		return
	}

	writeJSON(w, mutationResponse{
		OK:         true,
		EntryID:    entry.ID,
		Kind:       string(entry.Kind),
		NewBalance: toMajor(balance),
	})
}

func (h *Handler) writeMutationError(w http.ResponseWriter, err error, actorEmail string) {
	switch {
	case errors.Is(err, service.ErrInvalidAmount):
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	case errors.Is(err, service.ErrUnauthorized):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, repository.ErrAccountNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	default:
		h.logger.Error("ledger mutation error", zap.Error(err), zap.String("actor", actorEmail))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type entryResponse struct {
	ID        int64   `json:"id"`
	Email     string  `json:"email"`
	Kind      string  `json:"kind"`
	Amount    float64 `json:"amount"`
	Note      string  `json:"note,omitempty"`
	Reference string  `json:"reference,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// GetLedger возвращает страницу журнала счёта, новые записи первыми.
// Привилегированные роли могут запросить журнал любого счёта через ?email=.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	email := actor.Email
	if q := r.URL.Query().Get("email"); q != "" {
		if !actor.Role.Privileged() {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		email = q
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := h.service.History(r.Context(), email, limit, offset)
	if err != nil {
		h.logger.Error("get ledger error", zap.Error(err), zap.String("email", email))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, entryResponse{
			ID:        e.ID,
			Email:     e.AccountEmail,
			Kind:      string(e.Kind),
			Amount:    toMajor(e.Amount),
			Note:      e.Note,
			Reference: e.Reference,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, resp)
}

// GetAccounts возвращает все счета с задолженностями для панелей
// привилегированных ролей.
func (h *Handler) GetAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListAccounts(r.Context())
	if err != nil {
		h.logger.Error("list accounts error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]balanceResponse, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, balanceResponse{
			Email:       a.Email,
			Name:        a.Name,
			Outstanding: toMajor(a.Outstanding),
		})
	}

	writeJSON(w, resp)
}

type summaryResponse struct {
	TotalSales       float64 `json:"total_sales"`
	TotalPayments    float64 `json:"total_payments"`
	TotalOutstanding float64 `json:"total_outstanding"`
	OrderCount       int64   `json:"order_count"`
	WeekSales        float64 `json:"week_sales"`
	MonthSales       float64 `json:"month_sales"`
}

// GetSummary возвращает сводку по продажам, платежам и задолженностям.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.SummaryReport(r.Context())
	if err != nil {
		h.logger.Error("summary report error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, summaryResponse{
		TotalSales:       toMajor(summary.TotalSales),
		TotalPayments:    toMajor(summary.TotalPayments),
		TotalOutstanding: toMajor(summary.TotalOutstanding),
		OrderCount:       summary.OrderCount,
		WeekSales:        toMajor(summary.WeekSales),
		MonthSales:       toMajor(summary.MonthSales),
	})
}

type topAccountResponse struct {
	Email string  `json:"email"`
	Name  string  `json:"name"`
	Total float64 `json:"total"`
}

// GetTopAccounts возвращает счета с наибольшей суммой заказов.
func (h *Handler) GetTopAccounts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	top, err := h.service.TopAccounts(r.Context(), limit)
	if err != nil {
		h.logger.Error("top accounts error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]topAccountResponse, 0, len(top))
	for _, t := range top {
		resp = append(resp, topAccountResponse{
			Email: t.Email,
			Name:  t.Name,
			Total: toMajor(t.Total),
		})
	}

	writeJSON(w, resp)
}

type driftResponse struct {
	Email       string  `json:"email"`
	Outstanding float64 `json:"outstanding"`
	EntrySum    float64 `json:"entry_sum"`
	Drift       float64 `json:"drift"`
}

// Reconcile сверяет все счета и возвращает отчёты по расхождениям.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	drifts, err := h.service.ReconcileAll(r.Context())
	if err != nil {
		h.logger.Error("reconcile error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]driftResponse, 0, len(drifts))
	for _, d := range drifts {
		resp = append(resp, driftResponse{
			Email:       d.Email,
			Outstanding: toMajor(d.Outstanding),
			EntrySum:    toMajor(d.EntrySum),
			Drift:       toMajor(d.Drift()),
		})
	}

	writeJSON(w, resp)
}
