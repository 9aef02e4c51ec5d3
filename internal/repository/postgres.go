// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/subboost-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже занятым email.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrChannelNotVerified возвращается, если канал не был верифицирован пользователем.
	ErrChannelNotVerified = errors.New("channel not verified")
	// ErrOrderNotFound возвращается, если заказ отсутствует или принадлежит другому пользователю.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotProcessing возвращается при попытке продвинуть заказ вне статуса processing.
	ErrOrderNotProcessing = errors.New("order is not processing")
	// ErrOrderNotCancellable возвращается при отмене заказа в терминальном статусе.
	ErrOrderNotCancellable = errors.New("order cannot be cancelled")
	// ErrOrderNotFailed возвращается при попытке повторить заказ не в статусе failed.
	ErrOrderNotFailed = errors.New("order is not failed")
	// ErrReceiptNotFound возвращается, если квитанция платёжного шлюза не известна.
	ErrReceiptNotFound = errors.New("receipt not found")
	// ErrDepositNotPending возвращается при повторном подтверждении депозита.
	ErrDepositNotPending = errors.New("deposit is not pending")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет денежные транзакции при сбоях сериализации и дедлоках.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (name, email, password_hash, phone, referral_code, referred_by)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		u.Name, u.Email, u.PasswordHash, u.Phone, u.ReferralCode, u.ReferredBy,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, u.Email)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByEmail возвращает пользователя по email.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.getUser(ctx, `WHERE email = $1`, email)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return r.getUser(ctx, `WHERE id = $1`, id)
}

// GetUserByReferralCode возвращает пользователя по реферальному коду.
func (r *PostgresRepository) GetUserByReferralCode(ctx context.Context, code string) (*model.User, error) {
	return r.getUser(ctx, `WHERE referral_code = $1`, code)
}

func (r *PostgresRepository) getUser(ctx context.Context, where string, arg any) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, email, password_hash, phone, balance, total_spent,
		        total_subscribers, referral_code, referred_by, created_at
		 FROM users `+where,
		arg,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Phone, &u.Balance,
		&u.TotalSpent, &u.TotalSubscribers, &u.ReferralCode, &u.ReferredBy, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// UpsertChannel сохраняет данные верифицированного канала, обновляя их при
// повторной верификации.
func (r *PostgresRepository) UpsertChannel(ctx context.Context, ch *model.Channel) (*model.Channel, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO channels (user_id, channel_id, channel_url, title, subscriber_count,
		                       video_count, view_count, verified, last_checked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		 ON CONFLICT (user_id, channel_id) DO UPDATE SET
		     channel_url = EXCLUDED.channel_url,
		     title = EXCLUDED.title,
		     subscriber_count = EXCLUDED.subscriber_count,
		     video_count = EXCLUDED.video_count,
		     view_count = EXCLUDED.view_count,
		     verified = EXCLUDED.verified,
		     last_checked_at = now()
		 RETURNING id, total_orders, total_subscribers_added, last_checked_at`,
		ch.UserID, ch.ChannelID, ch.ChannelURL, ch.Title, ch.SubscriberCount,
		ch.VideoCount, ch.ViewCount, ch.Verified,
	)

	res := *ch
	if err := row.Scan(&res.ID, &res.TotalOrders, &res.TotalSubscribersAdded, &res.LastCheckedAt); err != nil {
		return nil, fmt.Errorf("upsert channel: %w", err)
	}

	return &res, nil
}

// GetChannel возвращает верифицированный канал пользователя.
func (r *PostgresRepository) GetChannel(ctx context.Context, userID int64, channelID string) (*model.Channel, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, channel_id, channel_url, title, subscriber_count,
		        video_count, view_count, verified, total_orders, total_subscribers_added,
		        last_checked_at
		 FROM channels
		 WHERE user_id = $1 AND channel_id = $2`,
		userID, channelID,
	)

	var ch model.Channel
	err := row.Scan(&ch.ID, &ch.UserID, &ch.ChannelID, &ch.ChannelURL, &ch.Title,
		&ch.SubscriberCount, &ch.VideoCount, &ch.ViewCount, &ch.Verified,
		&ch.TotalOrders, &ch.TotalSubscribersAdded, &ch.LastCheckedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChannelNotVerified
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}

	return &ch, nil
}
