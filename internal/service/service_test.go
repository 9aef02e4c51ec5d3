package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/subboost-system/internal/ledger"
	"github.com/mmeshcher/subboost-system/internal/model"
	"github.com/mmeshcher/subboost-system/internal/repository"
)

type stubRepo struct {
	users       map[string]*model.User
	usersByID   map[int64]*model.User
	usersByCode map[string]*model.User
	channels    map[string]*model.Channel
	orders      map[int64]*model.Order
	balance     int64
	nextID      int64

	credits     []ledger.Transaction
	cancelErr   error
	retryErr    error
	advanceErr  error
	lastDeposit *ledger.Transaction
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		users:       make(map[string]*model.User),
		usersByID:   make(map[int64]*model.User),
		usersByCode: make(map[string]*model.User),
		channels:    make(map[string]*model.Channel),
		orders:      make(map[int64]*model.Order),
		nextID:      1,
	}
}

func (r *stubRepo) Close() error { return nil }

func (r *stubRepo) CreateUser(_ context.Context, u *model.User) (int64, error) {
	if _, ok := r.users[u.Email]; ok {
		return 0, repository.ErrUserExists
	}
	u.ID = r.nextID
	r.nextID++
	r.users[u.Email] = u
	r.usersByID[u.ID] = u
	r.usersByCode[u.ReferralCode] = u
	return u.ID, nil
}

func (r *stubRepo) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	if u, ok := r.users[email]; ok {
		return u, nil
	}
	return nil, repository.ErrUserNotFound
}

func (r *stubRepo) GetUserByID(_ context.Context, id int64) (*model.User, error) {
	if u, ok := r.usersByID[id]; ok {
		return u, nil
	}
	return nil, repository.ErrUserNotFound
}

func (r *stubRepo) GetUserByReferralCode(_ context.Context, code string) (*model.User, error) {
	if u, ok := r.usersByCode[code]; ok {
		return u, nil
	}
	return nil, repository.ErrUserNotFound
}

func (r *stubRepo) UpsertChannel(_ context.Context, ch *model.Channel) (*model.Channel, error) {
	ch.ID = r.nextID
	r.nextID++
	r.channels[ch.ChannelID] = ch
	return ch, nil
}

func (r *stubRepo) GetChannel(_ context.Context, _ int64, channelID string) (*model.Channel, error) {
	if ch, ok := r.channels[channelID]; ok {
		return ch, nil
	}
	return nil, repository.ErrChannelNotVerified
}

func (r *stubRepo) CreateOrderWithPayment(_ context.Context, o *model.Order, _ string, _ ledger.PaymentMeta) (*model.Order, error) {
	if r.balance < o.Price {
		return nil, &ledger.InsufficientFundsError{Required: o.Price, Current: r.balance}
	}
	r.balance -= o.Price
	o.ID = r.nextID
	r.nextID++
	r.orders[o.ID] = o
	return o, nil
}

func (r *stubRepo) CreateBulkOrders(_ context.Context, _ int64, orders []*model.Order, totalPrice int64) (*ledger.Transaction, error) {
	if r.balance < totalPrice {
		return nil, &ledger.InsufficientFundsError{Required: totalPrice, Current: r.balance}
	}
	r.balance -= totalPrice
	for _, o := range orders {
		o.ID = r.nextID
		r.nextID++
		r.orders[o.ID] = o
	}
	return &ledger.Transaction{Amount: totalPrice}, nil
}

func (r *stubRepo) GetOrdersByUser(_ context.Context, _ int64, status string) ([]model.Order, error) {
	var out []model.Order
	for _, o := range r.orders {
		if status == "" || string(o.Status) == status {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (r *stubRepo) GetOrder(_ context.Context, _ int64, orderID int64) (*model.Order, error) {
	if o, ok := r.orders[orderID]; ok {
		return o, nil
	}
	return nil, repository.ErrOrderNotFound
}

func (r *stubRepo) GetProcessingOrderIDs(_ context.Context) ([]int64, error) {
	var ids []int64
	for id, o := range r.orders {
		if o.Status == model.OrderStatusProcessing {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *stubRepo) AdvanceOrder(_ context.Context, orderID int64, delta float64) (*model.Order, error) {
	if r.advanceErr != nil {
		return nil, r.advanceErr
	}
	o, ok := r.orders[orderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	o.Progress += delta
	if o.Progress >= 100 {
		o.Progress = 100
		o.Status = model.OrderStatusCompleted
		o.SubscribersDelivered = o.TargetSubscribers
	}
	return o, nil
}

func (r *stubRepo) CancelOrder(_ context.Context, _ int64, orderID int64) (*model.Order, int64, error) {
	if r.cancelErr != nil {
		return nil, 0, r.cancelErr
	}
	o, ok := r.orders[orderID]
	if !ok {
		return nil, 0, repository.ErrOrderNotFound
	}
	refund := o.RefundOnCancel()
	r.balance += refund
	o.Status = model.OrderStatusCancelled
	return o, refund, nil
}

func (r *stubRepo) RetryOrder(_ context.Context, _ int64, orderID int64, fresh *model.Order) (*model.Order, error) {
	if r.retryErr != nil {
		return nil, r.retryErr
	}
	o, ok := r.orders[orderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	if o.Status != model.OrderStatusFailed {
		return nil, repository.ErrOrderNotFailed
	}
	if r.balance < fresh.Price {
		return nil, &ledger.InsufficientFundsError{Required: fresh.Price, Current: r.balance}
	}
	r.balance -= fresh.Price
	fresh.ID = r.nextID
	r.nextID++
	r.orders[fresh.ID] = fresh
	return fresh, nil
}

func (r *stubRepo) FailOrder(_ context.Context, orderID int64, _ string) error {
	if o, ok := r.orders[orderID]; ok {
		o.Status = model.OrderStatusFailed
	}
	return nil
}

func (r *stubRepo) Dashboard(_ context.Context, _ int64) (*model.DashboardStats, error) {
	return &model.DashboardStats{Balance: r.balance}, nil
}

func (r *stubRepo) Credit(_ context.Context, userID, amount int64, kind ledger.Kind, description string, _ any) (*ledger.Transaction, error) {
	r.balance += amount
	t := ledger.Transaction{UserID: userID, Amount: amount, Kind: kind, Description: description}
	r.credits = append(r.credits, t)
	return &t, nil
}

func (r *stubRepo) CreateDeposit(_ context.Context, userID, amount int64, receiptID, _ string) (*ledger.Transaction, error) {
	t := &ledger.Transaction{UserID: userID, Amount: amount, ReceiptID: receiptID, Status: ledger.StatusPending}
	r.lastDeposit = t
	return t, nil
}

func (r *stubRepo) CompleteDeposit(_ context.Context, receiptID string) (*ledger.Transaction, error) {
	if r.lastDeposit == nil || r.lastDeposit.ReceiptID != receiptID {
		return nil, repository.ErrReceiptNotFound
	}
	if r.lastDeposit.Status != ledger.StatusPending {
		return nil, repository.ErrDepositNotPending
	}
	r.lastDeposit.Status = ledger.StatusCompleted
	r.balance += r.lastDeposit.Amount
	return r.lastDeposit, nil
}

func (r *stubRepo) Withdraw(_ context.Context, userID, amount int64, _ string) (*ledger.Transaction, error) {
	if r.balance < amount {
		return nil, &ledger.InsufficientFundsError{Required: amount, Current: r.balance}
	}
	r.balance -= amount
	return &ledger.Transaction{UserID: userID, Amount: amount}, nil
}

func (r *stubRepo) GetBalance(_ context.Context, _ int64) (int64, int64, error) {
	return r.balance, 0, nil
}

func (r *stubRepo) GetTransactionsByUser(_ context.Context, _ int64, _ int) ([]ledger.Transaction, error) {
	return r.credits, nil
}

type stubTracker struct {
	tracked   []int64
	untracked []int64
}

func (t *stubTracker) Track(id int64)   { t.tracked = append(t.tracked, id) }
func (t *stubTracker) Untrack(id int64) { t.untracked = append(t.untracked, id) }

func newTestService(repo *stubRepo) (*Service, *stubTracker) {
	svc := NewService(repo, nil, nil, zap.NewNop())
	tracker := &stubTracker{}
	svc.AttachTracker(tracker)
	return svc, tracker
}

func TestRegisterAndAuthenticate(t *testing.T) {
	repo := newStubRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	id, err := svc.RegisterUser(ctx, "Alice", "alice@example.com", "secret", "", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := svc.AuthenticateUser(ctx, "alice@example.com", "secret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got != id {
		t.Fatalf("want user %d, got %d", id, got)
	}

	if _, err := svc.AuthenticateUser(ctx, "alice@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("want ErrInvalidCredentials, got %v", err)
	}
}

func TestRegisterWithReferralCreditsBonus(t *testing.T) {
	repo := newStubRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.RegisterUser(ctx, "Alice", "alice@example.com", "secret", "", ""); err != nil {
		t.Fatalf("register referrer: %v", err)
	}
	code := repo.users["alice@example.com"].ReferralCode

	if _, err := svc.RegisterUser(ctx, "Bob", "bob@example.com", "secret", "", code); err != nil {
		t.Fatalf("register referred: %v", err)
	}

	if len(repo.credits) != 1 {
		t.Fatalf("want 1 referral credit, got %d", len(repo.credits))
	}
	if repo.credits[0].Amount != referralBonus || repo.credits[0].Kind != ledger.KindReferralBonus {
		t.Fatalf("unexpected credit: %+v", repo.credits[0])
	}
}

func verifyChannel(t *testing.T, svc *Service, userID int64, rawURL string) *model.Channel {
	t.Helper()
	ch, err := svc.VerifyChannel(context.Background(), userID, rawURL)
	if err != nil {
		t.Fatalf("verify channel: %v", err)
	}
	return ch
}

func TestCreateOrderInsufficientFunds(t *testing.T) {
	repo := newStubRepo()
	repo.balance = 4
	svc, _ := newTestService(repo)
	ctx := context.Background()

	url := "https://youtube.com/channel/UCtest"
	verifyChannel(t, svc, 1, url)

	// 500 подписчиков стоят 10, на балансе 4 — не хватает 6.
	_, err := svc.CreateOrder(ctx, 1, url, 500, "")

	var insufficientErr *ledger.InsufficientFundsError
	if !errors.As(err, &insufficientErr) {
		t.Fatalf("want InsufficientFundsError, got %v", err)
	}
	if insufficientErr.Required != 10 || insufficientErr.Current != 4 {
		t.Fatalf("unexpected amounts: %+v", insufficientErr)
	}
	if insufficientErr.ShortBy() != 6 {
		t.Fatalf("want shortBy 6, got %d", insufficientErr.ShortBy())
	}
}

func TestCreateOrderDebitsAndTracks(t *testing.T) {
	repo := newStubRepo()
	repo.balance = 100
	svc, tracker := newTestService(repo)
	ctx := context.Background()

	url := "https://youtube.com/channel/UCtest"
	verifyChannel(t, svc, 1, url)

	o, err := svc.CreateOrder(ctx, 1, url, 500, "")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if o.Price != 10 {
		t.Fatalf("want price 10, got %d", o.Price)
	}
	if repo.balance != 90 {
		t.Fatalf("want balance 90, got %d", repo.balance)
	}
	if o.Status != model.OrderStatusProcessing {
		t.Fatalf("want processing, got %s", o.Status)
	}
	if len(tracker.tracked) != 1 || tracker.tracked[0] != o.ID {
		t.Fatalf("order not tracked: %+v", tracker.tracked)
	}
}

func TestCreateOrderRejectsRange(t *testing.T) {
	repo := newStubRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	for _, subs := range []int64{0, 49, 100001} {
		_, err := svc.CreateOrder(ctx, 1, "https://youtube.com/channel/UCtest", subs, "")
		if !errors.Is(err, ErrSubscribersOutOfRange) {
			t.Fatalf("subs=%d: want ErrSubscribersOutOfRange, got %v", subs, err)
		}
	}
}

func TestCreateOrderUnverifiedChannel(t *testing.T) {
	repo := newStubRepo()
	repo.balance = 100
	svc, _ := newTestService(repo)

	_, err := svc.CreateOrder(context.Background(), 1, "https://youtube.com/channel/UCother", 500, "")
	if !errors.Is(err, repository.ErrChannelNotVerified) {
		t.Fatalf("want ErrChannelNotVerified, got %v", err)
	}
}

func TestCancelOrderUntracksAndRefunds(t *testing.T) {
	repo := newStubRepo()
	repo.balance = 100
	svc, tracker := newTestService(repo)
	ctx := context.Background()

	url := "https://youtube.com/channel/UCtest"
	verifyChannel(t, svc, 1, url)

	o, err := svc.CreateOrder(ctx, 1, url, 500, "")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	o.Progress = 30

	cancelled, refund, err := svc.CancelOrder(ctx, 1, o.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// floor(10 * 70 / 100) = 7
	if refund != 7 {
		t.Fatalf("want refund 7, got %d", refund)
	}
	if cancelled.Status != model.OrderStatusCancelled {
		t.Fatalf("want cancelled, got %s", cancelled.Status)
	}
	if len(tracker.untracked) != 1 || tracker.untracked[0] != o.ID {
		t.Fatalf("order not untracked: %+v", tracker.untracked)
	}
}

func TestRetryOrderOnlyFromFailed(t *testing.T) {
	repo := newStubRepo()
	repo.balance = 100
	svc, tracker := newTestService(repo)
	ctx := context.Background()

	url := "https://youtube.com/channel/UCtest"
	verifyChannel(t, svc, 1, url)

	o, err := svc.CreateOrder(ctx, 1, url, 500, "")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if _, err := svc.RetryOrder(ctx, 1, o.ID); !errors.Is(err, repository.ErrOrderNotFailed) {
		t.Fatalf("want ErrOrderNotFailed, got %v", err)
	}

	o.Status = model.OrderStatusFailed
	fresh, err := svc.RetryOrder(ctx, 1, o.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if fresh.ID == o.ID {
		t.Fatal("retry must create a new order")
	}
	if len(tracker.tracked) != 2 {
		t.Fatalf("fresh order not tracked: %+v", tracker.tracked)
	}
}

func TestBulkOrdersNoTierDiscount(t *testing.T) {
	repo := newStubRepo()
	repo.balance = 1000
	svc, tracker := newTestService(repo)
	ctx := context.Background()

	url := "https://youtube.com/channel/UCtest"
	verifyChannel(t, svc, 1, url)

	// Каждый заказ меньше порога скидки: 3 x ceil(500/50) = 30.
	orders, payment, err := svc.CreateBulkOrders(ctx, 1, url, []int64{500, 500, 500})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}

	if payment.Amount != 30 {
		t.Fatalf("want total 30, got %d", payment.Amount)
	}
	if len(orders) != 3 {
		t.Fatalf("want 3 orders, got %d", len(orders))
	}
	if repo.balance != 970 {
		t.Fatalf("want balance 970, got %d", repo.balance)
	}
	if len(tracker.tracked) != 3 {
		t.Fatalf("want 3 tracked orders, got %d", len(tracker.tracked))
	}

	if _, _, err := svc.CreateBulkOrders(ctx, 1, url, make([]int64, 11)); !errors.Is(err, ErrTooManyOrders) {
		t.Fatalf("want ErrTooManyOrders, got %v", err)
	}
}

func TestDepositAndWithdrawMinimums(t *testing.T) {
	repo := newStubRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.CreateDeposit(ctx, 1, 9, "card"); !errors.Is(err, ErrAmountTooSmall) {
		t.Fatalf("deposit: want ErrAmountTooSmall, got %v", err)
	}

	dep, err := svc.CreateDeposit(ctx, 1, 200, "card")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if dep.ReceiptID == "" {
		t.Fatal("deposit must carry a receipt id")
	}

	if _, err := svc.CompleteDeposit(ctx, dep.ReceiptID); err != nil {
		t.Fatalf("complete deposit: %v", err)
	}
	if repo.balance != 200 {
		t.Fatalf("want balance 200, got %d", repo.balance)
	}

	if _, err := svc.Withdraw(ctx, 1, 99, "acct-1"); !errors.Is(err, ErrAmountTooSmall) {
		t.Fatalf("withdraw: want ErrAmountTooSmall, got %v", err)
	}
	if _, err := svc.Withdraw(ctx, 1, 150, "acct-1"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if repo.balance != 50 {
		t.Fatalf("want balance 50, got %d", repo.balance)
	}
}

func TestResumeProcessingTracksActiveOrders(t *testing.T) {
	repo := newStubRepo()
	repo.orders[7] = &model.Order{ID: 7, Status: model.OrderStatusProcessing}
	repo.orders[8] = &model.Order{ID: 8, Status: model.OrderStatusCompleted}
	svc, tracker := newTestService(repo)

	if err := svc.ResumeProcessing(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(tracker.tracked) != 1 || tracker.tracked[0] != 7 {
		t.Fatalf("want only order 7 tracked, got %+v", tracker.tracked)
	}
}

func TestTimeRemaining(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name  string
		order model.Order
		want  string
	}{
		{
			name:  "not processing",
			order: model.Order{Status: model.OrderStatusCompleted},
			want:  "",
		},
		{
			name:  "no progress yet",
			order: model.Order{Status: model.OrderStatusProcessing, StartedAt: now.Add(-time.Minute)},
			want:  "Calculating...",
		},
		{
			name: "half done after one minute",
			order: model.Order{
				Status:    model.OrderStatusProcessing,
				Progress:  50,
				StartedAt: now.Add(-time.Minute),
			},
			want: "1m 0s",
		},
		{
			name: "quarter done after 30s",
			order: model.Order{
				Status:    model.OrderStatusProcessing,
				Progress:  25,
				StartedAt: now.Add(-30 * time.Second),
			},
			want: "1m 30s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TimeRemaining(&tt.order, now); got != tt.want {
				t.Fatalf("want %q, got %q", tt.want, got)
			}
		})
	}
}
