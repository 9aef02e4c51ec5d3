package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/subboost-system/internal/channels"
	"github.com/mmeshcher/subboost-system/internal/ledger"
	"github.com/mmeshcher/subboost-system/internal/model"
	"github.com/mmeshcher/subboost-system/internal/notification"
	"github.com/mmeshcher/subboost-system/internal/pricing"
	"github.com/mmeshcher/subboost-system/internal/validation"
)

// Максимальный размер пакета заказов в одном запросе.
const maxBulkOrders = 10

// Ожидаемое время доставки одного «шага» прогресса используется для первичной
// оценки завершения заказа.
const estimatePerSubscriber = 100 * time.Millisecond

// VerifyChannel проверяет URL канала, получает его данные у внешнего
// верификатора (либо симулирует их) и сохраняет канал за пользователем.
func (s *Service) VerifyChannel(ctx context.Context, userID int64, rawURL string) (*model.Channel, error) {
	channelID, ok := validation.ExtractChannelID(rawURL)
	if !ok {
		return nil, ErrInvalidChannelURL
	}

	var info *channels.Info
	if s.verifier != nil {
		var err error
		info, err = s.verifier.GetChannelInfo(ctx, channelID)
		if err != nil {
			s.logger.Warn("channel verifier unavailable, falling back to simulation",
				zap.String("channel_id", channelID), zap.Error(err))
		}
	}
	if info == nil {
		info = channels.Simulated(channelID)
	}

	ch := &model.Channel{
		UserID:          userID,
		ChannelID:       channelID,
		ChannelURL:      rawURL,
		Title:           info.Title,
		SubscriberCount: info.SubscriberCount,
		VideoCount:      info.VideoCount,
		ViewCount:       info.ViewCount,
		Verified:        true,
	}

	return s.repo.UpsertChannel(ctx, ch)
}

// PriceQuote возвращает расчёт цены заказа без его создания.
func (s *Service) PriceQuote(_ context.Context, subscribers int64) (*pricing.Quote, error) {
	if subscribers < pricing.MinSubscribers || subscribers > pricing.MaxSubscribers {
		return nil, fmt.Errorf("%w: want %d..%d, got %d",
			ErrSubscribersOutOfRange, pricing.MinSubscribers, pricing.MaxSubscribers, subscribers)
	}

	q := pricing.Estimate(subscribers)
	return &q, nil
}

func (s *Service) buildOrder(userID int64, ch *model.Channel, subscribers, price int64, now time.Time) *model.Order {
	return &model.Order{
		UserID:              userID,
		ChannelID:           ch.ChannelID,
		ChannelURL:          ch.ChannelURL,
		ChannelName:         ch.Title,
		TargetSubscribers:   subscribers,
		Price:               price,
		Status:              model.OrderStatusProcessing,
		StartedAt:           now,
		EstimatedCompletion: now.Add(time.Duration(subscribers) * estimatePerSubscriber),
	}
}

// CreateOrder создаёт заказ по ранее верифицированному каналу, атомарно
// списывая его цену с баланса. Заказ сразу ставится на фоновую обработку.
func (s *Service) CreateOrder(ctx context.Context, userID int64, rawURL string, subscribers int64, notes string) (*model.Order, error) {
	if subscribers < pricing.MinSubscribers || subscribers > pricing.MaxSubscribers {
		return nil, fmt.Errorf("%w: want %d..%d, got %d",
			ErrSubscribersOutOfRange, pricing.MinSubscribers, pricing.MaxSubscribers, subscribers)
	}

	channelID, ok := validation.ExtractChannelID(rawURL)
	if !ok {
		return nil, ErrInvalidChannelURL
	}

	ch, err := s.repo.GetChannel(ctx, userID, channelID)
	if err != nil {
		return nil, err
	}

	quote := pricing.Estimate(subscribers)
	o := s.buildOrder(userID, ch, subscribers, quote.FinalPrice, time.Now())
	o.Notes = notes

	description := fmt.Sprintf("Payment for %d subscribers on %s", subscribers, ch.ChannelID)
	meta := ledger.PaymentMeta{
		ChannelURL:      rawURL,
		Subscribers:     subscribers,
		BasePrice:       quote.BasePrice,
		DiscountPercent: quote.DiscountPercent,
	}

	o, err = s.repo.CreateOrderWithPayment(ctx, o, description, meta)
	if err != nil {
		return nil, err
	}

	if s.tracker != nil {
		s.tracker.Track(o.ID)
	}

	s.publish(ctx, notification.Event{
		Name:   notification.EventOrderCreated,
		UserID: userID,
		Payload: notification.OrderCreatedPayload{
			OrderID:             o.ID,
			Subscribers:         o.TargetSubscribers,
			Price:               o.Price,
			EstimatedCompletion: o.EstimatedCompletion.Format(time.RFC3339),
		},
	})

	return o, nil
}

// CreateBulkOrders создаёт до maxBulkOrders заказов одним платежом. Цена
// каждого заказа считается без оптовой скидки.
func (s *Service) CreateBulkOrders(ctx context.Context, userID int64, rawURL string, batches []int64) ([]*model.Order, *ledger.Transaction, error) {
	if len(batches) == 0 {
		return nil, nil, errors.New("empty bulk order request")
	}
	if len(batches) > maxBulkOrders {
		return nil, nil, fmt.Errorf("%w: maximum is %d", ErrTooManyOrders, maxBulkOrders)
	}

	channelID, ok := validation.ExtractChannelID(rawURL)
	if !ok {
		return nil, nil, ErrInvalidChannelURL
	}

	ch, err := s.repo.GetChannel(ctx, userID, channelID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	var total int64
	orders := make([]*model.Order, 0, len(batches))
	for _, subscribers := range batches {
		if subscribers < pricing.MinSubscribers || subscribers > pricing.MaxSubscribers {
			return nil, nil, fmt.Errorf("%w: want %d..%d, got %d",
				ErrSubscribersOutOfRange, pricing.MinSubscribers, pricing.MaxSubscribers, subscribers)
		}

		price := pricing.Calculate(subscribers)
		total += price
		orders = append(orders, s.buildOrder(userID, ch, subscribers, price, now))
	}

	payment, err := s.repo.CreateBulkOrders(ctx, userID, orders, total)
	if err != nil {
		return nil, nil, err
	}

	for _, o := range orders {
		if s.tracker != nil {
			s.tracker.Track(o.ID)
		}
		s.publish(ctx, notification.Event{
			Name:   notification.EventOrderCreated,
			UserID: userID,
			Payload: notification.OrderCreatedPayload{
				OrderID:             o.ID,
				Subscribers:         o.TargetSubscribers,
				Price:               o.Price,
				EstimatedCompletion: o.EstimatedCompletion.Format(time.RFC3339),
			},
		})
	}

	return orders, payment, nil
}

// GetOrdersByUser возвращает заказы пользователя; status фильтрует по статусу.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64, status string) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID, status)
}

// GetOrder возвращает заказ и человекочитаемую оценку оставшегося времени.
func (s *Service) GetOrder(ctx context.Context, userID, orderID int64) (*model.Order, string, error) {
	o, err := s.repo.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, "", err
	}
	return o, TimeRemaining(o, time.Now()), nil
}

// CancelOrder отменяет заказ, выполняет возврат по политике заказа и снимает
// его с фоновой обработки.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID int64) (*model.Order, int64, error) {
	o, refund, err := s.repo.CancelOrder(ctx, userID, orderID)
	if err != nil {
		return nil, 0, err
	}

	if s.tracker != nil {
		s.tracker.Untrack(o.ID)
	}

	s.publish(ctx, notification.Event{
		Name:   notification.EventOrderCancelled,
		UserID: userID,
		Payload: notification.OrderCancelledPayload{
			OrderID:      o.ID,
			RefundAmount: refund,
			Status:       string(o.Status),
		},
	})

	return o, refund, nil
}

// RetryOrder создаёт новый заказ взамен неудавшегося со свежим списанием.
func (s *Service) RetryOrder(ctx context.Context, userID, orderID int64) (*model.Order, error) {
	orig, err := s.repo.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}

	ch := &model.Channel{
		ChannelID:  orig.ChannelID,
		ChannelURL: orig.ChannelURL,
		Title:      orig.ChannelName,
	}
	fresh := s.buildOrder(userID, ch, orig.TargetSubscribers, pricing.Calculate(orig.TargetSubscribers), time.Now())

	fresh, err = s.repo.RetryOrder(ctx, userID, orderID, fresh)
	if err != nil {
		return nil, err
	}

	if s.tracker != nil {
		s.tracker.Track(fresh.ID)
	}

	s.publish(ctx, notification.Event{
		Name:   notification.EventOrderCreated,
		UserID: userID,
		Payload: notification.OrderCreatedPayload{
			OrderID:             fresh.ID,
			Subscribers:         fresh.TargetSubscribers,
			Price:               fresh.Price,
			EstimatedCompletion: fresh.EstimatedCompletion.Format(time.RFC3339),
		},
	})

	return fresh, nil
}

// AdvanceOrder продвигает прогресс заказа на delta и публикует событие
// прогресса либо завершения. Вызывается планировщиком.
func (s *Service) AdvanceOrder(ctx context.Context, orderID int64, delta float64) (*model.Order, error) {
	o, err := s.repo.AdvanceOrder(ctx, orderID, delta)
	if err != nil {
		return nil, err
	}

	if o.Status == model.OrderStatusCompleted {
		s.publish(ctx, notification.Event{
			Name:   notification.EventOrderCompleted,
			UserID: o.UserID,
			Payload: notification.OrderCompletedPayload{
				OrderID:              o.ID,
				SubscribersDelivered: o.SubscribersDelivered,
				Order:                o,
			},
		})
	} else {
		s.publish(ctx, notification.Event{
			Name:   notification.EventOrderProgress,
			UserID: o.UserID,
			Payload: notification.OrderProgressPayload{
				OrderID:                o.ID,
				Progress:               o.Progress,
				SubscribersDelivered:   o.SubscribersDelivered,
				EstimatedTimeRemaining: TimeRemaining(o, time.Now()),
			},
		})
	}

	return o, nil
}

// FailOrder помечает заказ неуспешным. Вызывается планировщиком.
func (s *Service) FailOrder(ctx context.Context, orderID int64, reason string) error {
	return s.repo.FailOrder(ctx, orderID, reason)
}

// ResumeProcessing ставит на фоновую обработку все заказы, оставшиеся в
// статусе processing после перезапуска процесса.
func (s *Service) ResumeProcessing(ctx context.Context) error {
	ids, err := s.repo.GetProcessingOrderIDs(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if s.tracker != nil {
			s.tracker.Track(id)
		}
	}

	if len(ids) > 0 {
		s.logger.Info("resumed processing of active orders", zap.Int("count", len(ids)))
	}

	return nil
}

func (s *Service) publish(ctx context.Context, e notification.Event) {
	if s.sink != nil {
		s.sink.Publish(ctx, e)
	}
}

// TimeRemaining оценивает оставшееся время обработки по текущей скорости
// прогресса. До первого продвижения оценка невозможна.
func TimeRemaining(o *model.Order, now time.Time) string {
	if o.Status != model.OrderStatusProcessing {
		return ""
	}
	if o.Progress <= 0 {
		return "Calculating..."
	}

	elapsed := now.Sub(o.StartedAt)
	if elapsed <= 0 {
		return "Calculating..."
	}

	total := time.Duration(float64(elapsed) / (o.Progress / 100))
	remaining := total - elapsed
	if remaining < 0 {
		remaining = 0
	}

	minutes := int(remaining.Minutes())
	seconds := int(remaining.Seconds()) % 60
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
