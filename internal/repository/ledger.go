package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/subboost-system/internal/ledger"
)

// lockUserBalance блокирует строку пользователя и возвращает текущий баланс.
// Блокировка сериализует все денежные операции одного пользователя.
func lockUserBalance(ctx context.Context, tx pgx.Tx, userID int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx,
		`SELECT balance FROM users WHERE id = $1 FOR UPDATE`,
		userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("lock user: %w", err)
	}
	return balance, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t *ledger.Transaction) error {
	var receipt *string
	if t.ReceiptID != "" {
		receipt = &t.ReceiptID
	}

	err := tx.QueryRow(ctx,
		`INSERT INTO transactions (user_id, order_id, amount, kind, status, receipt_id, description, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		t.UserID, t.OrderID, t.Amount, string(t.Kind), string(t.Status), receipt, t.Description, t.Metadata,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// Credit атомарно увеличивает баланс пользователя и создаёт completed-запись.
// Используется для возвратов и реферальных бонусов.
func (r *PostgresRepository) Credit(ctx context.Context, userID, amount int64, kind ledger.Kind, description string, meta any) (*ledger.Transaction, error) {
	t := &ledger.Transaction{
		UserID:      userID,
		Amount:      amount,
		Kind:        kind,
		Status:      ledger.StatusCompleted,
		Description: description,
		Metadata:    ledger.EncodeMeta(meta),
	}

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := lockUserBalance(ctx, tx, userID); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE users SET balance = balance + $2 WHERE id = $1`,
			userID, amount,
		); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}

		if err := insertTransaction(ctx, tx, t); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}

	return t, nil
}

// CreateDeposit создаёт ожидающую подтверждения запись пополнения.
// Баланс не меняется до подтверждения платёжным шлюзом.
func (r *PostgresRepository) CreateDeposit(ctx context.Context, userID, amount int64, receiptID, method string) (*ledger.Transaction, error) {
	t := &ledger.Transaction{
		UserID:      userID,
		Amount:      amount,
		Kind:        ledger.KindDeposit,
		Status:      ledger.StatusPending,
		ReceiptID:   receiptID,
		Description: fmt.Sprintf("Deposit of %d", amount),
		Metadata:    ledger.EncodeMeta(ledger.DepositMeta{ReceiptID: receiptID, Method: method}),
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertTransaction(ctx, tx, t); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return t, nil
}

// CompleteDeposit подтверждает пополнение по квитанции шлюза: запись переходит
// в completed, баланс увеличивается. Повторное подтверждение отклоняется.
func (r *PostgresRepository) CompleteDeposit(ctx context.Context, receiptID string) (*ledger.Transaction, error) {
	var t ledger.Transaction

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var status string
		row := tx.QueryRow(ctx,
			`SELECT id, user_id, amount, kind, status, description, created_at
			 FROM transactions
			 WHERE receipt_id = $1
			 FOR UPDATE`,
			receiptID,
		)
		if err := row.Scan(&t.ID, &t.UserID, &t.Amount, &t.Kind, &status, &t.Description, &t.CreatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrReceiptNotFound
			}
			return fmt.Errorf("select deposit: %w", err)
		}

		if ledger.Status(status) != ledger.StatusPending {
			return ErrDepositNotPending
		}

		if _, err := lockUserBalance(ctx, tx, t.UserID); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE transactions SET status = $2 WHERE id = $1`,
			t.ID, string(ledger.StatusCompleted),
		); err != nil {
			return fmt.Errorf("complete deposit: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE users SET balance = balance + $2 WHERE id = $1`,
			t.UserID, t.Amount,
		); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}

	t.ReceiptID = receiptID
	t.Status = ledger.StatusCompleted
	return &t, nil
}

// Withdraw атомарно списывает средства на внешний счёт. При нехватке средств
// возвращает ledger.InsufficientFundsError, баланс не меняется.
func (r *PostgresRepository) Withdraw(ctx context.Context, userID, amount int64, account string) (*ledger.Transaction, error) {
	t := &ledger.Transaction{
		UserID:      userID,
		Amount:      amount,
		Kind:        ledger.KindWithdrawal,
		Status:      ledger.StatusCompleted,
		Description: fmt.Sprintf("Withdrawal to %s", account),
		Metadata:    ledger.EncodeMeta(ledger.WithdrawalMeta{Account: account}),
	}

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		balance, err := lockUserBalance(ctx, tx, userID)
		if err != nil {
			return err
		}

		if balance < amount {
			return &ledger.InsufficientFundsError{Required: amount, Current: balance}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE users SET balance = balance - $2 WHERE id = $1`,
			userID, amount,
		); err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}

		if err := insertTransaction(ctx, tx, t); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}

	return t, nil
}

// GetBalance возвращает текущий баланс пользователя и сумму трат на заказы.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, int64, error) {
	var current, totalSpent int64
	err := r.pool.QueryRow(ctx,
		`SELECT balance, total_spent FROM users WHERE id = $1`,
		userID,
	).Scan(&current, &totalSpent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrUserNotFound
		}
		return 0, 0, fmt.Errorf("get balance: %w", err)
	}

	return current, totalSpent, nil
}

// GetTransactionsByUser возвращает историю денежных движений пользователя,
// новые записи первыми.
func (r *PostgresRepository) GetTransactionsByUser(ctx context.Context, userID int64, limit int) ([]ledger.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, order_id, amount, kind, status,
		        COALESCE(receipt_id, ''), description, metadata, created_at
		 FROM transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []ledger.Transaction
	for rows.Next() {
		var (
			t         ledger.Transaction
			kind      string
			status    string
			createdAt time.Time
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.OrderID, &t.Amount, &kind, &status,
			&t.ReceiptID, &t.Description, &t.Metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Kind = ledger.Kind(kind)
		t.Status = ledger.Status(status)
		t.CreatedAt = createdAt

		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
