// Package model содержит доменные сущности сервиса subboost.
package model

import (
	"math"
	"time"

	"github.com/mmeshcher/subboost-system/internal/ledger"
)

// User представляет зарегистрированного пользователя сервиса.
type User struct {
	ID               int64
	Name             string
	Email            string
	PasswordHash     []byte
	Phone            string
	Balance          int64
	TotalSpent       int64
	TotalSubscribers int64
	ReferralCode     string
	ReferredBy       *int64
	CreatedAt        time.Time
}

// Channel описывает ранее верифицированный канал пользователя.
type Channel struct {
	ID                    int64
	UserID                int64
	ChannelID             string
	ChannelURL            string
	Title                 string
	SubscriberCount       int64
	VideoCount            int64
	ViewCount             int64
	Verified              bool
	TotalOrders           int64
	TotalSubscribersAdded int64
	LastCheckedAt         time.Time
}

// OrderStatus описывает статус жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusFailed     OrderStatus = "failed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// Terminal сообщает, является ли статус терминальным: из терминального
// статуса переходы запрещены.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusFailed || s == OrderStatusCancelled
}

// Order описывает заказ на привлечение подписчиков.
type Order struct {
	ID                   int64
	UserID               int64
	ChannelID            string
	ChannelURL           string
	ChannelName          string
	TargetSubscribers    int64
	Price                int64
	Status               OrderStatus
	Progress             float64
	SubscribersDelivered int64
	StartedAt            time.Time
	CompletedAt          *time.Time
	EstimatedCompletion  time.Time
	Notes                string
	PaymentID            *int64
	CreatedAt            time.Time
}

// DeliveredFor возвращает число подписчиков, которое должно быть доставлено
// при указанном прогрессе: floor(target * progress / 100).
func (o *Order) DeliveredFor(progress float64) int64 {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return int64(math.Floor(float64(o.TargetSubscribers) * progress / 100))
}

// RefundOnCancel вычисляет сумму возврата при отмене заказа.
// Из pending возвращается полная цена, из processing при прогрессе меньше 50 —
// floor(price*(100-progress)/100), после половины выполнения возврата нет.
func (o *Order) RefundOnCancel() int64 {
	switch {
	case o.Status == OrderStatusPending:
		return o.Price
	case o.Status == OrderStatusProcessing && o.Progress < 50:
		return int64(math.Floor(float64(o.Price) * (100 - o.Progress) / 100))
	default:
		return 0
	}
}

// Cancellable сообщает, допускает ли текущий статус отмену заказа пользователем.
func (o *Order) Cancellable() bool {
	return o.Status == OrderStatusPending || o.Status == OrderStatusProcessing
}

// Balance содержит баланс пользователя и сумму всех трат на заказы.
type Balance struct {
	Current    int64 `json:"current"`
	TotalSpent int64 `json:"total_spent"`
}

// DashboardStats содержит сводную статистику кабинета пользователя.
type DashboardStats struct {
	Balance            int64
	TotalOrders        int64
	ActiveOrders       int64
	CompletedOrders    int64
	FailedOrders       int64
	TotalSubscribers   int64
	TotalSpent         int64
	RecentOrders       []Order
	RecentTransactions []ledger.Transaction
}
