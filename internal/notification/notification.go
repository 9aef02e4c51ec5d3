// Package notification определяет интерфейс доставки событий жизненного цикла
// заказов подключённому клиенту. Конкретный транспорт (push-канал, опрос,
// очередь сообщений) — адаптер вне ядра.
package notification

import (
	"context"

	"go.uber.org/zap"

	"github.com/mmeshcher/subboost-system/internal/model"
)

// Имена событий жизненного цикла заказа.
const (
	EventOrderCreated   = "order-created"
	EventOrderProgress  = "order-progress"
	EventOrderCompleted = "order-completed"
	EventOrderCancelled = "order-cancelled"
)

// Event — одно событие, адресованное пользователю.
type Event struct {
	Name    string
	UserID  int64
	Payload any
}

// Sink принимает события ядра для доставки клиенту.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

// OrderCreatedPayload сопровождает событие создания заказа.
type OrderCreatedPayload struct {
	OrderID             int64  `json:"order_id"`
	Subscribers         int64  `json:"subscribers"`
	Price               int64  `json:"price"`
	EstimatedCompletion string `json:"estimated_completion"`
}

// OrderProgressPayload сопровождает каждый незавершающий тик заказа.
type OrderProgressPayload struct {
	OrderID                int64   `json:"order_id"`
	Progress               float64 `json:"progress"`
	SubscribersDelivered   int64   `json:"subscribers_delivered"`
	EstimatedTimeRemaining string  `json:"estimated_time_remaining"`
}

// OrderCompletedPayload сопровождает завершающий тик заказа.
type OrderCompletedPayload struct {
	OrderID              int64        `json:"order_id"`
	SubscribersDelivered int64        `json:"subscribers_delivered"`
	Order                *model.Order `json:"order"`
}

// OrderCancelledPayload сопровождает отмену заказа.
type OrderCancelledPayload struct {
	OrderID      int64  `json:"order_id"`
	RefundAmount int64  `json:"refund_amount"`
	Status       string `json:"status"`
}

// LogSink — простейшая реализация Sink, пишущая события в журнал.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink создаёт sink, публикующий события в указанный логгер.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish записывает событие в журнал.
func (s *LogSink) Publish(_ context.Context, e Event) {
	s.logger.Info("event",
		zap.String("event", e.Name),
		zap.Int64("userID", e.UserID),
		zap.Any("payload", e.Payload),
	)
}
