// Package service реализует бизнес-логику сервиса subboost.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/subboost-system/internal/channels"
	"github.com/mmeshcher/subboost-system/internal/ledger"
	"github.com/mmeshcher/subboost-system/internal/model"
	"github.com/mmeshcher/subboost-system/internal/notification"
	"github.com/mmeshcher/subboost-system/internal/repository"
)

// Сумма реферального бонуса за приглашённого пользователя.
const referralBonus = 50

// Минимальные суммы денежных операций.
const (
	minDeposit    = 10
	minWithdrawal = 100
)

var (
	// ErrInvalidCredentials возвращается при неверной паре email/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidChannelURL возвращается, если из URL не извлекается канал.
	ErrInvalidChannelURL = errors.New("invalid channel url")
	// ErrSubscribersOutOfRange возвращается при количестве подписчиков вне
	// допустимого диапазона заказа.
	ErrSubscribersOutOfRange = errors.New("subscribers count out of range")
	// ErrAmountTooSmall возвращается при сумме ниже минимума операции.
	ErrAmountTooSmall = errors.New("amount below minimum")
	// ErrTooManyOrders возвращается при превышении размера пакета заказов.
	ErrTooManyOrders = errors.New("too many orders in bulk request")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateUser(ctx context.Context, u *model.User) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*model.User, error)

	UpsertChannel(ctx context.Context, ch *model.Channel) (*model.Channel, error)
	GetChannel(ctx context.Context, userID int64, channelID string) (*model.Channel, error)

	CreateOrderWithPayment(ctx context.Context, o *model.Order, description string, meta ledger.PaymentMeta) (*model.Order, error)
	CreateBulkOrders(ctx context.Context, userID int64, orders []*model.Order, totalPrice int64) (*ledger.Transaction, error)
	GetOrdersByUser(ctx context.Context, userID int64, status string) ([]model.Order, error)
	GetOrder(ctx context.Context, userID, orderID int64) (*model.Order, error)
	GetProcessingOrderIDs(ctx context.Context) ([]int64, error)
	AdvanceOrder(ctx context.Context, orderID int64, delta float64) (*model.Order, error)
	CancelOrder(ctx context.Context, userID, orderID int64) (*model.Order, int64, error)
	RetryOrder(ctx context.Context, userID, orderID int64, fresh *model.Order) (*model.Order, error)
	FailOrder(ctx context.Context, orderID int64, reason string) error
	Dashboard(ctx context.Context, userID int64) (*model.DashboardStats, error)

	Credit(ctx context.Context, userID, amount int64, kind ledger.Kind, description string, meta any) (*ledger.Transaction, error)
	CreateDeposit(ctx context.Context, userID, amount int64, receiptID, method string) (*ledger.Transaction, error)
	CompleteDeposit(ctx context.Context, receiptID string) (*ledger.Transaction, error)
	Withdraw(ctx context.Context, userID, amount int64, account string) (*ledger.Transaction, error)
	GetBalance(ctx context.Context, userID int64) (int64, int64, error)
	GetTransactionsByUser(ctx context.Context, userID int64, limit int) ([]ledger.Transaction, error)
}

// Tracker ставит заказы на фоновую обработку и снимает с неё.
type Tracker interface {
	Track(orderID int64)
	Untrack(orderID int64)
}

// Service содержит бизнес-логику сервиса subboost.
type Service struct {
	repo     Repository
	verifier *channels.Client
	sink     notification.Sink
	tracker  Tracker
	logger   *zap.Logger
}

// NewService создаёт сервис. verifier может быть nil: тогда данные каналов
// симулируются детерминированно.
func NewService(repo Repository, verifier *channels.Client, sink notification.Sink, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		verifier: verifier,
		sink:     sink,
		logger:   logger,
	}
}

// AttachTracker подключает планировщик фоновой обработки. Планировщику нужен
// сервис, поэтому связь устанавливается после создания обоих.
func (s *Service) AttachTracker(t Tracker) {
	s.tracker = t
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует пользователя. Непустой referralCode привязывает
// его к пригласившему и начисляет тому бонус.
func (s *Service) RegisterUser(ctx context.Context, name, email, password, phone, referralCode string) (int64, error) {
	u := &model.User{
		Name:         name,
		Email:        email,
		PasswordHash: hashPassword(email, password),
		Phone:        phone,
		ReferralCode: newReferralCode(),
	}

	var referrer *model.User
	if referralCode != "" {
		var err error
		referrer, err = s.repo.GetUserByReferralCode(ctx, referralCode)
		if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
			return 0, err
		}
		if referrer != nil {
			u.ReferredBy = &referrer.ID
		}
	}

	id, err := s.repo.CreateUser(ctx, u)
	if err != nil {
		return 0, err
	}

	if referrer != nil {
		_, err := s.repo.Credit(ctx, referrer.ID, referralBonus, ledger.KindReferralBonus,
			fmt.Sprintf("Referral bonus for inviting %s", name),
			ledger.ReferralMeta{ReferredUserID: id})
		if err != nil {
			// Регистрация уже состоялась, бонус не должен её ломать.
			s.logger.Error("failed to credit referral bonus",
				zap.Int64("referrer_id", referrer.ID), zap.Error(err))
		}
	}

	return id, nil
}

// AuthenticateUser проверяет email и пароль и возвращает идентификатор пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (int64, error) {
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	hashed := hashPassword(email, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(email, password string) []byte {
	sum := sha256.Sum256([]byte(email + ":" + password))
	return sum[:]
}

func newReferralCode() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	code := hex.EncodeToString(b[:])
	out := make([]byte, len(code))
	for i := 0; i < len(code); i++ {
		c := code[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// GetBalance возвращает текущий баланс и сумму трат пользователя.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	current, spent, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{Current: current, TotalSpent: spent}, nil
}

// CreateDeposit создаёт ожидающее пополнение и возвращает запись с receipt_id,
// по которому платёжный шлюз подтвердит оплату.
func (s *Service) CreateDeposit(ctx context.Context, userID, amount int64, method string) (*ledger.Transaction, error) {
	if amount < minDeposit {
		return nil, fmt.Errorf("%w: deposit minimum is %d", ErrAmountTooSmall, minDeposit)
	}

	receiptID := uuid.NewString()
	return s.repo.CreateDeposit(ctx, userID, amount, receiptID, method)
}

// CompleteDeposit зачисляет ожидающее пополнение по receipt_id.
func (s *Service) CompleteDeposit(ctx context.Context, receiptID string) (*ledger.Transaction, error) {
	return s.repo.CompleteDeposit(ctx, receiptID)
}

// Withdraw списывает средства на внешний счёт.
func (s *Service) Withdraw(ctx context.Context, userID, amount int64, account string) (*ledger.Transaction, error) {
	if amount < minWithdrawal {
		return nil, fmt.Errorf("%w: withdrawal minimum is %d", ErrAmountTooSmall, minWithdrawal)
	}
	if account == "" {
		return nil, errors.New("withdrawal account is required")
	}

	return s.repo.Withdraw(ctx, userID, amount, account)
}

// GetTransactionsByUser возвращает историю операций пользователя, новые первыми.
func (s *Service) GetTransactionsByUser(ctx context.Context, userID int64, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.GetTransactionsByUser(ctx, userID, limit)
}

// GetDashboard возвращает сводную статистику кабинета пользователя.
func (s *Service) GetDashboard(ctx context.Context, userID int64) (*model.DashboardStats, error) {
	return s.repo.Dashboard(ctx, userID)
}
