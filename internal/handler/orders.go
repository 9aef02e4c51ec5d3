package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/subboost-system/internal/ledger"
	"github.com/mmeshcher/subboost-system/internal/model"
	"github.com/mmeshcher/subboost-system/internal/repository"
	"github.com/mmeshcher/subboost-system/internal/service"
)

type verifyChannelRequest struct {
	ChannelURL string `json:"channel_url"`
}

type channelResponse struct {
	ChannelID       string `json:"channel_id"`
	Title           string `json:"title"`
	SubscriberCount int64  `json:"subscriber_count"`
	VideoCount      int64  `json:"video_count"`
	ViewCount       int64  `json:"view_count"`
	Verified        bool   `json:"verified"`
}

// VerifyChannel проверяет URL канала и закрепляет канал за пользователем.
func (h *Handler) VerifyChannel(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req verifyChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelURL == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ch, err := h.service.VerifyChannel(r.Context(), userID, req.ChannelURL)
	if err != nil {
		if errors.Is(err, service.ErrInvalidChannelURL) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("verify channel error", zap.Error(err), zap.String("url", req.ChannelURL))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, channelResponse{
		ChannelID:       ch.ChannelID,
		Title:           ch.Title,
		SubscriberCount: ch.SubscriberCount,
		VideoCount:      ch.VideoCount,
		ViewCount:       ch.ViewCount,
		Verified:        ch.Verified,
	})
}

type priceRequest struct {
	Subscribers int64 `json:"subscribers"`
}

type priceResponse struct {
	Subscribers     int64 `json:"subscribers"`
	BasePrice       int64 `json:"base_price"`
	DiscountPercent int64 `json:"discount_percent"`
	DiscountAmount  int64 `json:"discount_amount"`
	FinalPrice      int64 `json:"final_price"`
}

// PriceQuote возвращает расчёт цены заказа без его создания.
func (h *Handler) PriceQuote(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.userID(w, r); !ok {
		return
	}

	var req priceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	q, err := h.service.PriceQuote(r.Context(), req.Subscribers)
	if err != nil {
		if errors.Is(err, service.ErrSubscribersOutOfRange) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("price quote error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, priceResponse{
		Subscribers:     q.Subscribers,
		BasePrice:       q.BasePrice,
		DiscountPercent: q.DiscountPercent,
		DiscountAmount:  q.DiscountAmount,
		FinalPrice:      q.FinalPrice,
	})
}

type createOrderRequest struct {
	ChannelURL  string `json:"channel_url"`
	Subscribers int64  `json:"subscribers"`
	Notes       string `json:"notes,omitempty"`
}

type orderResponse struct {
	ID                   int64      `json:"id"`
	ChannelURL           string     `json:"channel_url"`
	ChannelName          string     `json:"channel_name,omitempty"`
	TargetSubscribers    int64      `json:"target_subscribers"`
	Price                int64      `json:"price"`
	Status               string     `json:"status"`
	Progress             float64    `json:"progress"`
	SubscribersDelivered int64      `json:"subscribers_delivered"`
	StartedAt            time.Time  `json:"started_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	EstimatedCompletion  time.Time  `json:"estimated_completion"`
	TimeRemaining        string     `json:"time_remaining,omitempty"`
	Notes                string     `json:"notes,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

func orderView(o *model.Order, timeRemaining string) orderResponse {
	return orderResponse{
		ID:                   o.ID,
		ChannelURL:           o.ChannelURL,
		ChannelName:          o.ChannelName,
		TargetSubscribers:    o.TargetSubscribers,
		Price:                o.Price,
		Status:               string(o.Status),
		Progress:             o.Progress,
		SubscribersDelivered: o.SubscribersDelivered,
		StartedAt:            o.StartedAt,
		CompletedAt:          o.CompletedAt,
		EstimatedCompletion:  o.EstimatedCompletion,
		TimeRemaining:        timeRemaining,
		Notes:                o.Notes,
		CreatedAt:            o.CreatedAt,
	}
}

type insufficientFundsView struct {
	Message        string `json:"message"`
	RequiredAmount int64  `json:"required_amount"`
	CurrentBalance int64  `json:"current_balance"`
	ShortBy        int64  `json:"short_by"`
}

func insufficientFundsResponse(e *ledger.InsufficientFundsError) insufficientFundsView {
	return insufficientFundsView{
		Message:        e.Error(),
		RequiredAmount: e.Required,
		CurrentBalance: e.Current,
		ShortBy:        e.ShortBy(),
	}
}

// CreateOrder создаёт заказ на привлечение подписчиков.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelURL == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	o, err := h.service.CreateOrder(r.Context(), userID, req.ChannelURL, req.Subscribers, req.Notes)
	if err != nil {
		var insufficientErr *ledger.InsufficientFundsError
		switch {
		case errors.Is(err, service.ErrSubscribersOutOfRange),
			errors.Is(err, service.ErrInvalidChannelURL):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrChannelNotVerified):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.As(err, &insufficientErr):
			h.writeJSON(w, http.StatusPaymentRequired, insufficientFundsResponse(insufficientErr))
		default:
			h.logger.Error("create order error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	resp := createOrderResponse{orderResponse: orderView(o, "")}
	if balance, err := h.service.GetBalance(r.Context(), userID); err == nil && balance != nil {
		resp.Balance = balance.Current
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

type createOrderResponse struct {
	orderResponse
	Balance int64 `json:"balance"`
}

type bulkOrderRequest struct {
	ChannelURL string  `json:"channel_url"`
	Orders     []int64 `json:"orders"`
}

type bulkOrderResponse struct {
	Orders     []orderResponse `json:"orders"`
	TotalPrice int64           `json:"total_price"`
}

// CreateBulkOrders создаёт пакет заказов одним платежом.
func (h *Handler) CreateBulkOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req bulkOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelURL == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	orders, payment, err := h.service.CreateBulkOrders(r.Context(), userID, req.ChannelURL, req.Orders)
	if err != nil {
		var insufficientErr *ledger.InsufficientFundsError
		switch {
		case errors.Is(err, service.ErrSubscribersOutOfRange),
			errors.Is(err, service.ErrInvalidChannelURL),
			errors.Is(err, service.ErrTooManyOrders):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrChannelNotVerified):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.As(err, &insufficientErr):
			h.writeJSON(w, http.StatusPaymentRequired, insufficientFundsResponse(insufficientErr))
		default:
			h.logger.Error("create bulk orders error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderView(o, ""))
	}

	h.writeJSON(w, http.StatusCreated, bulkOrderResponse{Orders: out, TotalPrice: payment.Amount})
}

// GetOrders возвращает заказы пользователя; query-параметр status фильтрует по статусу.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), userID, r.URL.Query().Get("status"))
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	out := make([]orderResponse, 0, len(orders))
	for i := range orders {
		out = append(out, orderView(&orders[i], ""))
	}

	h.writeJSON(w, http.StatusOK, out)
}

func orderIDFromURL(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// GetOrder возвращает заказ с оценкой оставшегося времени обработки.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	orderID, ok := orderIDFromURL(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	o, timeRemaining, err := h.service.GetOrder(r.Context(), userID, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.Int64("order_id", orderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, orderView(o, timeRemaining))
}

type cancelOrderResponse struct {
	orderResponse
	RefundAmount int64 `json:"refund_amount"`
}

// CancelOrder отменяет заказ и возвращает средства по политике возврата.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	orderID, ok := orderIDFromURL(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	o, refund, err := h.service.CancelOrder(r.Context(), userID, orderID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrOrderNotCancellable):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("cancel order error", zap.Error(err), zap.Int64("order_id", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, cancelOrderResponse{
		orderResponse: orderView(o, ""),
		RefundAmount:  refund,
	})
}

// RetryOrder создаёт новый заказ взамен неудавшегося.
func (h *Handler) RetryOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	orderID, ok := orderIDFromURL(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	o, err := h.service.RetryOrder(r.Context(), userID, orderID)
	if err != nil {
		var insufficientErr *ledger.InsufficientFundsError
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrOrderNotFailed):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.As(err, &insufficientErr):
			h.writeJSON(w, http.StatusPaymentRequired, insufficientFundsResponse(insufficientErr))
		default:
			h.logger.Error("retry order error", zap.Error(err), zap.Int64("order_id", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, orderView(o, ""))
}
