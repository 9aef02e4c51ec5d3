package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mmeshcher/subboost-system/internal/model"
	"github.com/mmeshcher/subboost-system/internal/repository"
)

type fakeAdvancer struct {
	mu     sync.Mutex
	orders map[int64]*model.Order
	failed map[int64]string

	advanceErr error
	failErr    error
}

func newFakeAdvancer() *fakeAdvancer {
	return &fakeAdvancer{
		orders: make(map[int64]*model.Order),
		failed: make(map[int64]string),
	}
}

func (f *fakeAdvancer) add(id int64, target int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[id] = &model.Order{
		ID:                id,
		TargetSubscribers: target,
		Status:            model.OrderStatusProcessing,
	}
}

func (f *fakeAdvancer) AdvanceOrder(_ context.Context, orderID int64, delta float64) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.advanceErr != nil {
		return nil, f.advanceErr
	}

	o, ok := f.orders[orderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	if o.Status != model.OrderStatusProcessing {
		return nil, repository.ErrOrderNotProcessing
	}

	o.Progress += delta
	if o.Progress >= 100 {
		o.Progress = 100
		o.Status = model.OrderStatusCompleted
		o.SubscribersDelivered = o.TargetSubscribers
	}

	cp := *o
	return &cp, nil
}

func (f *fakeAdvancer) FailOrder(_ context.Context, orderID int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.failed[orderID] = reason
	if o, ok := f.orders[orderID]; ok {
		o.Status = model.OrderStatusFailed
	}
	return nil
}

func (f *fakeAdvancer) status(id int64) model.OrderStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[id]; ok {
		return o.Status
	}
	return ""
}

func (f *fakeAdvancer) failReason(id int64) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reason, ok := f.failed[id]
	return reason, ok
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met within timeout")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSchedulerCompletesOrder(t *testing.T) {
	adv := newFakeAdvancer()
	adv.add(1, 500)

	s := New(adv, zap.NewNop(), time.Millisecond, time.Minute)
	s.step = func() float64 { return 25 }
	defer s.Stop()

	s.Track(1)

	waitFor(t, time.Second, func() bool {
		return adv.status(1) == model.OrderStatusCompleted
	})

	// После завершения горутина должна сняться с учёта сама.
	waitFor(t, time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.tasks[1]
		return !ok
	})
}

func TestSchedulerTrackIdempotent(t *testing.T) {
	adv := newFakeAdvancer()
	adv.add(1, 500)

	s := New(adv, zap.NewNop(), time.Hour, time.Hour)
	defer s.Stop()

	s.Track(1)
	s.Track(1)
	s.Track(1)

	s.mu.Lock()
	n := len(s.tasks)
	s.mu.Unlock()

	if n != 1 {
		t.Fatalf("want 1 tracked order, got %d", n)
	}
}

func TestSchedulerUntrackStopsTicks(t *testing.T) {
	adv := newFakeAdvancer()
	adv.add(1, 500)

	s := New(adv, zap.NewNop(), time.Millisecond, time.Minute)
	s.step = func() float64 { return 1 }
	defer s.Stop()

	s.Track(1)
	waitFor(t, time.Second, func() bool {
		adv.mu.Lock()
		defer adv.mu.Unlock()
		return adv.orders[1].Progress > 0
	})

	s.Untrack(1)

	// Дать завершиться уже идущему тику, затем прогресс должен замереть.
	time.Sleep(10 * time.Millisecond)
	adv.mu.Lock()
	before := adv.orders[1].Progress
	adv.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	adv.mu.Lock()
	after := adv.orders[1].Progress
	adv.mu.Unlock()

	if before != after {
		t.Fatalf("progress advanced after Untrack: %v -> %v", before, after)
	}
}

func TestSchedulerStopsOnCancelledOrder(t *testing.T) {
	adv := newFakeAdvancer()
	adv.add(1, 500)
	adv.mu.Lock()
	adv.orders[1].Status = model.OrderStatusCancelled
	adv.mu.Unlock()

	s := New(adv, zap.NewNop(), time.Millisecond, time.Minute)
	defer s.Stop()

	s.Track(1)

	// Тик по отменённому заказу тихо останавливает горутину и не помечает
	// заказ неуспешным.
	waitFor(t, time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.tasks[1]
		return !ok
	})

	if _, failed := adv.failReason(1); failed {
		t.Fatal("cancelled order must not be failed by the scheduler")
	}
	if adv.status(1) != model.OrderStatusCancelled {
		t.Fatalf("status changed: %s", adv.status(1))
	}
}

func TestSchedulerFailsOrderOnError(t *testing.T) {
	adv := newFakeAdvancer()
	adv.add(1, 500)
	adv.advanceErr = context.DeadlineExceeded

	s := New(adv, zap.NewNop(), time.Millisecond, time.Minute)
	defer s.Stop()

	s.Track(1)

	waitFor(t, time.Second, func() bool {
		_, ok := adv.failReason(1)
		return ok
	})
}

func TestSchedulerLifetimeExceeded(t *testing.T) {
	adv := newFakeAdvancer()
	adv.add(1, 500)

	s := New(adv, zap.NewNop(), time.Hour, 5*time.Millisecond)
	defer s.Stop()

	s.Track(1)

	waitFor(t, time.Second, func() bool {
		reason, ok := adv.failReason(1)
		return ok && reason == "processing time limit exceeded"
	})
}

func TestSchedulerReTrackKeepsFreshTask(t *testing.T) {
	adv := newFakeAdvancer()
	adv.add(1, 500)

	s := New(adv, zap.NewNop(), time.Millisecond, time.Minute)
	s.step = func() float64 { return 1 }
	defer s.Stop()

	s.Track(1)
	waitFor(t, time.Second, func() bool {
		adv.mu.Lock()
		defer adv.mu.Unlock()
		return adv.orders[1].Progress > 0
	})

	// Снять и тут же поставить заказ снова: завершающаяся горутина первой
	// задачи не должна снять с учёта новую.
	s.Untrack(1)
	s.Track(1)

	time.Sleep(20 * time.Millisecond)
	s.mu.Lock()
	_, ok := s.tasks[1]
	s.mu.Unlock()
	if !ok {
		t.Fatal("re-tracked order lost its task handle")
	}

	// Повторный Untrack обязан остановить тики, а не стать no-op.
	s.Untrack(1)
	time.Sleep(10 * time.Millisecond)
	adv.mu.Lock()
	before := adv.orders[1].Progress
	adv.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	adv.mu.Lock()
	after := adv.orders[1].Progress
	adv.mu.Unlock()

	if before != after {
		t.Fatalf("progress advanced after Untrack: %v -> %v", before, after)
	}
}

func TestSchedulerLifetimeOnFinishedOrderQuiet(t *testing.T) {
	adv := newFakeAdvancer()
	adv.add(1, 500)
	adv.failErr = repository.ErrOrderNotProcessing

	core, logs := observer.New(zap.ErrorLevel)

	s := New(adv, zap.New(core), time.Hour, 5*time.Millisecond)
	defer s.Stop()

	s.Track(1)

	// Истечение срока по уже завершённому заказу не должно попадать в лог
	// как ошибка.
	waitFor(t, time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.tasks[1]
		return !ok
	})

	if n := logs.Len(); n != 0 {
		t.Fatalf("unexpected error logs: %d", n)
	}
}
