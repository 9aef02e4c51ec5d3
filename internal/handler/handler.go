// Package handler содержит HTTP-обработчики API сервиса subboost.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/subboost-system/internal/ledger"
	"github.com/mmeshcher/subboost-system/internal/middleware"
	"github.com/mmeshcher/subboost-system/internal/model"
	"github.com/mmeshcher/subboost-system/internal/pricing"
	"github.com/mmeshcher/subboost-system/internal/repository"
	"github.com/mmeshcher/subboost-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, name, email, password, phone, referralCode string) (int64, error)
	AuthenticateUser(ctx context.Context, email, password string) (int64, error)

	VerifyChannel(ctx context.Context, userID int64, rawURL string) (*model.Channel, error)
	PriceQuote(ctx context.Context, subscribers int64) (*pricing.Quote, error)

	CreateOrder(ctx context.Context, userID int64, rawURL string, subscribers int64, notes string) (*model.Order, error)
	CreateBulkOrders(ctx context.Context, userID int64, rawURL string, batches []int64) ([]*model.Order, *ledger.Transaction, error)
	GetOrdersByUser(ctx context.Context, userID int64, status string) ([]model.Order, error)
	GetOrder(ctx context.Context, userID, orderID int64) (*model.Order, string, error)
	CancelOrder(ctx context.Context, userID, orderID int64) (*model.Order, int64, error)
	RetryOrder(ctx context.Context, userID, orderID int64) (*model.Order, error)

	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	CreateDeposit(ctx context.Context, userID, amount int64, method string) (*ledger.Transaction, error)
	CompleteDeposit(ctx context.Context, receiptID string) (*ledger.Transaction, error)
	Withdraw(ctx context.Context, userID, amount int64, account string) (*ledger.Transaction, error)
	GetTransactionsByUser(ctx context.Context, userID int64, limit int) ([]ledger.Transaction, error)
	GetDashboard(ctx context.Context, userID int64) (*model.DashboardStats, error)
}

// Handler реализует HTTP-обработчики API сервиса subboost.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("write response error", zap.Error(err))
	}
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return id, ok
}

type registerRequest struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	Phone        string `json:"phone,omitempty"`
	ReferralCode string `json:"referral_code,omitempty"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Name, req.Email, req.Password, req.Phone, req.ReferralCode)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// GetBalance возвращает текущий баланс пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, balance)
}

type depositRequest struct {
	Amount int64  `json:"amount"`
	Method string `json:"method"`
}

type depositResponse struct {
	ReceiptID string `json:"receipt_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// CreateDeposit создаёт ожидающее пополнение баланса.
func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	dep, err := h.service.CreateDeposit(r.Context(), userID, req.Amount, req.Method)
	if err != nil {
		if errors.Is(err, service.ErrAmountTooSmall) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("create deposit error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, depositResponse{
		ReceiptID: dep.ReceiptID,
		Amount:    dep.Amount,
		Status:    string(dep.Status),
	})
}

type paymentCallbackRequest struct {
	ReceiptID string `json:"receipt_id"`
}

// PaymentCallback подтверждает оплату пополнения по receipt_id.
// Вызывается платёжным шлюзом без авторизации пользователя.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req paymentCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReceiptID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	dep, err := h.service.CompleteDeposit(r.Context(), req.ReceiptID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrReceiptNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrDepositNotPending):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("payment callback error", zap.Error(err), zap.String("receipt_id", req.ReceiptID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, depositResponse{
		ReceiptID: dep.ReceiptID,
		Amount:    dep.Amount,
		Status:    string(dep.Status),
	})
}

type withdrawRequest struct {
	Amount  int64  `json:"amount"`
	Account string `json:"account"`
}

// Withdraw списывает средства пользователя на внешний счёт.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	_, err := h.service.Withdraw(r.Context(), userID, req.Amount, req.Account)
	if err != nil {
		var insufficientErr *ledger.InsufficientFundsError
		switch {
		case errors.Is(err, service.ErrAmountTooSmall):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.As(err, &insufficientErr):
			h.writeJSON(w, http.StatusPaymentRequired, insufficientFundsResponse(insufficientErr))
		default:
			h.logger.Error("withdraw error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type transactionResponse struct {
	ID          int64           `json:"id"`
	OrderID     *int64          `json:"order_id,omitempty"`
	Amount      int64           `json:"amount"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	Description string          `json:"description,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func transactionView(t ledger.Transaction) transactionResponse {
	return transactionResponse{
		ID:          t.ID,
		OrderID:     t.OrderID,
		Amount:      t.Amount,
		Kind:        string(t.Kind),
		Status:      string(t.Status),
		Description: t.Description,
		Metadata:    t.Metadata,
		CreatedAt:   t.CreatedAt,
	}
}

// GetTransactions возвращает историю операций пользователя.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	txs, err := h.service.GetTransactionsByUser(r.Context(), userID, 50)
	if err != nil {
		h.logger.Error("get transactions error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(txs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	out := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, transactionView(t))
	}

	h.writeJSON(w, http.StatusOK, out)
}

// GetDashboard возвращает сводную статистику кабинета пользователя.
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	stats, err := h.service.GetDashboard(r.Context(), userID)
	if err != nil {
		h.logger.Error("get dashboard error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, dashboardResponse(stats))
}

type dashboardView struct {
	Balance            int64                 `json:"balance"`
	TotalOrders        int64                 `json:"total_orders"`
	ActiveOrders       int64                 `json:"active_orders"`
	CompletedOrders    int64                 `json:"completed_orders"`
	FailedOrders       int64                 `json:"failed_orders"`
	TotalSubscribers   int64                 `json:"total_subscribers"`
	TotalSpent         int64                 `json:"total_spent"`
	RecentOrders       []orderResponse       `json:"recent_orders"`
	RecentTransactions []transactionResponse `json:"recent_transactions"`
}

func dashboardResponse(stats *model.DashboardStats) dashboardView {
	recent := make([]orderResponse, 0, len(stats.RecentOrders))
	for i := range stats.RecentOrders {
		recent = append(recent, orderView(&stats.RecentOrders[i], ""))
	}
	recentTxs := make([]transactionResponse, 0, len(stats.RecentTransactions))
	for _, t := range stats.RecentTransactions {
		recentTxs = append(recentTxs, transactionView(t))
	}
	return dashboardView{
		Balance:            stats.Balance,
		TotalOrders:        stats.TotalOrders,
		ActiveOrders:       stats.ActiveOrders,
		CompletedOrders:    stats.CompletedOrders,
		FailedOrders:       stats.FailedOrders,
		TotalSubscribers:   stats.TotalSubscribers,
		TotalSpent:         stats.TotalSpent,
		RecentOrders:       recent,
		RecentTransactions: recentTxs,
	}
}
