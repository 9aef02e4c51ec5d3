// Package scheduler управляет фоновым продвижением заказов.
// Каждому активному заказу соответствует собственная горутина с тикером,
// поэтому тики одного заказа всегда строго последовательны.
package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/subboost-system/internal/model"
	"github.com/mmeshcher/subboost-system/internal/repository"
)

const (
	// DefaultTickInterval — период продвижения прогресса заказа.
	DefaultTickInterval = time.Second
	// DefaultMaxLifetime — предельное время обработки заказа. По его истечении
	// незавершённый заказ принудительно помечается неуспешным.
	DefaultMaxLifetime = 24 * time.Hour
)

// Advancer продвигает и завершает заказы. Реализуется сервисным слоем.
type Advancer interface {
	AdvanceOrder(ctx context.Context, orderID int64, delta float64) (*model.Order, error)
	FailOrder(ctx context.Context, orderID int64, reason string) error
}

// task — управляющая ручка одной горутины обработки. Отдельный тип нужен,
// чтобы горутина при завершении снимала с учёта именно себя, а не более
// позднюю задачу того же заказа.
type task struct {
	cancel context.CancelFunc
}

// Scheduler ведёт набор обрабатываемых заказов. Потокобезопасен.
type Scheduler struct {
	advancer Advancer
	logger   *zap.Logger

	tickInterval time.Duration
	maxLifetime  time.Duration

	// step возвращает прибавку прогресса на очередной тик.
	step func() float64

	mu    sync.Mutex
	tasks map[int64]*task
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New создаёт планировщик. Нулевые tickInterval и maxLifetime заменяются
// значениями по умолчанию.
func New(advancer Advancer, logger *zap.Logger, tickInterval, maxLifetime time.Duration) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	if maxLifetime <= 0 {
		maxLifetime = DefaultMaxLifetime
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		advancer:     advancer,
		logger:       logger,
		tickInterval: tickInterval,
		maxLifetime:  maxLifetime,
		step:         func() float64 { return rand.Float64() * 5 },
		tasks:        make(map[int64]*task),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Track ставит заказ на обработку. Повторный вызов для уже отслеживаемого
// заказа ничего не делает.
func (s *Scheduler) Track(orderID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[orderID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{cancel: cancel}
	s.tasks[orderID] = t

	s.wg.Add(1)
	go s.run(ctx, orderID, t)
}

// Untrack снимает заказ с обработки. Текущий тик, если он уже начался,
// довыполняется; новых тиков не будет.
func (s *Scheduler) Untrack(orderID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[orderID]; ok {
		t.cancel()
		delete(s.tasks, orderID)
	}
}

// Stop останавливает все горутины планировщика и дожидается их завершения.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// forget удаляет запись заказа, только если она всё ещё принадлежит этой
// горутине: после Untrack+Track тем же заказом владеет уже новая задача.
func (s *Scheduler) forget(orderID int64, t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[orderID] == t {
		delete(s.tasks, orderID)
	}
}

func (s *Scheduler) run(ctx context.Context, orderID int64, t *task) {
	defer s.wg.Done()
	defer s.forget(orderID, t)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(s.maxLifetime)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-deadline.C:
			s.logger.Warn("order exceeded max processing lifetime",
				zap.Int64("order_id", orderID),
				zap.Duration("lifetime", s.maxLifetime))
			err := s.advancer.FailOrder(ctx, orderID, "processing time limit exceeded")
			if err != nil &&
				!errors.Is(err, repository.ErrOrderNotProcessing) &&
				!errors.Is(err, repository.ErrOrderNotFound) {
				s.logger.Error("failed to fail stale order",
					zap.Int64("order_id", orderID), zap.Error(err))
			}
			return

		case <-ticker.C:
			o, err := s.advancer.AdvanceOrder(ctx, orderID, s.step())
			if err != nil {
				// Заказ мог быть отменён между тиками: это штатная остановка.
				if errors.Is(err, repository.ErrOrderNotProcessing) ||
					errors.Is(err, repository.ErrOrderNotFound) ||
					errors.Is(err, context.Canceled) {
					return
				}

				s.logger.Error("order tick failed",
					zap.Int64("order_id", orderID), zap.Error(err))
				if err := s.advancer.FailOrder(ctx, orderID, err.Error()); err != nil {
					s.logger.Error("failed to mark order failed",
						zap.Int64("order_id", orderID), zap.Error(err))
				}
				return
			}

			if o.Status.Terminal() {
				return
			}
		}
	}
}
