package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/subboost-system/internal/ledger"
	"github.com/mmeshcher/subboost-system/internal/model"
)

const orderColumns = `id, user_id, channel_id, channel_url, channel_name,
	target_subscribers, price, status, progress, subscribers_delivered,
	started_at, completed_at, estimated_completion, notes, payment_id, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.ChannelID, &o.ChannelURL, &o.ChannelName,
		&o.TargetSubscribers, &o.Price, &status, &o.Progress, &o.SubscribersDelivered,
		&o.StartedAt, &o.CompletedAt, &o.EstimatedCompletion, &o.Notes, &o.PaymentID, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

func insertOrder(ctx context.Context, tx pgx.Tx, o *model.Order) error {
	err := tx.QueryRow(ctx,
		`INSERT INTO orders (user_id, channel_id, channel_url, channel_name,
		                     target_subscribers, price, status, progress, subscribers_delivered,
		                     started_at, estimated_completion, notes, payment_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id, created_at`,
		o.UserID, o.ChannelID, o.ChannelURL, o.ChannelName,
		o.TargetSubscribers, o.Price, string(o.Status), o.Progress, o.SubscribersDelivered,
		o.StartedAt, o.EstimatedCompletion, o.Notes, o.PaymentID,
	).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// debitAndCreateOrder выполняет связку «дебет + запись платежа + заказ» внутри
// открытой транзакции. Нехватка средств отменяет всё целиком.
func debitAndCreateOrder(ctx context.Context, tx pgx.Tx, o *model.Order, description string, meta ledger.PaymentMeta) error {
	balance, err := lockUserBalance(ctx, tx, o.UserID)
	if err != nil {
		return err
	}

	if balance < o.Price {
		return &ledger.InsufficientFundsError{Required: o.Price, Current: balance}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET balance = balance - $2, total_spent = total_spent + $2 WHERE id = $1`,
		o.UserID, o.Price,
	); err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}

	payment := &ledger.Transaction{
		UserID:      o.UserID,
		Amount:      o.Price,
		Kind:        ledger.KindOrderPayment,
		Status:      ledger.StatusCompleted,
		Description: description,
		Metadata:    ledger.EncodeMeta(meta),
	}
	if err := insertTransaction(ctx, tx, payment); err != nil {
		return err
	}

	o.PaymentID = &payment.ID
	if err := insertOrder(ctx, tx, o); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE transactions SET order_id = $2 WHERE id = $1`,
		payment.ID, o.ID,
	); err != nil {
		return fmt.Errorf("link payment to order: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE channels SET total_orders = total_orders + 1, last_checked_at = now()
		 WHERE user_id = $1 AND channel_id = $2`,
		o.UserID, o.ChannelID,
	); err != nil {
		return fmt.Errorf("update channel stats: %w", err)
	}

	return nil
}

// CreateOrderWithPayment атомарно списывает цену заказа и создаёт заказ.
// Либо выполняется всё (дебет, запись платежа, заказ), либо ничего.
func (r *PostgresRepository) CreateOrderWithPayment(ctx context.Context, o *model.Order, description string, meta ledger.PaymentMeta) (*model.Order, error) {
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := debitAndCreateOrder(ctx, tx, o, description, meta); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}

	return o, nil
}

// CreateBulkOrders атомарно списывает суммарную цену пакета и создаёт все заказы
// одним платежом.
func (r *PostgresRepository) CreateBulkOrders(ctx context.Context, userID int64, orders []*model.Order, totalPrice int64) (*ledger.Transaction, error) {
	payment := &ledger.Transaction{
		UserID:      userID,
		Amount:      totalPrice,
		Kind:        ledger.KindOrderPayment,
		Status:      ledger.StatusCompleted,
		Description: fmt.Sprintf("Bulk payment for %d orders", len(orders)),
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

		if balance < totalPrice {
			return &ledger.InsufficientFundsError{Required: totalPrice, Current: balance}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE users SET balance = balance - $2, total_spent = total_spent + $2 WHERE id = $1`,
			userID, totalPrice,
		); err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}

		if err := insertTransaction(ctx, tx, payment); err != nil {
			return err
		}

		ids := make([]int64, 0, len(orders))
		for _, o := range orders {
			o.PaymentID = &payment.ID
			if err := insertOrder(ctx, tx, o); err != nil {
				return err
			}
			ids = append(ids, o.ID)

			if _, err := tx.Exec(ctx,
				`UPDATE channels SET total_orders = total_orders + 1, last_checked_at = now()
				 WHERE user_id = $1 AND channel_id = $2`,
				userID, o.ChannelID,
			); err != nil {
				return fmt.Errorf("update channel stats: %w", err)
			}
		}

		meta := ledger.EncodeMeta(ledger.BulkOrderMeta{OrderCount: len(orders), OrderIDs: ids})
		if _, err := tx.Exec(ctx,
			`UPDATE transactions SET metadata = $2 WHERE id = $1`,
			payment.ID, meta,
		); err != nil {
			return fmt.Errorf("update payment metadata: %w", err)
		}
		payment.Metadata = meta

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}

	return payment, nil
}

// GetOrdersByUser возвращает заказы пользователя, новые первыми.
// Непустой status ограничивает выборку одним статусом.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64, status string) ([]model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// GetOrder возвращает заказ пользователя по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, userID, orderID int64) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 AND user_id = $2`,
		orderID, userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	return o, nil
}

// GetProcessingOrderIDs возвращает идентификаторы всех активных заказов.
// Используется для возобновления обработки после перезапуска процесса.
func (r *PostgresRepository) GetProcessingOrderIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM orders WHERE status = $1 ORDER BY started_at`,
		string(model.OrderStatusProcessing),
	)
	if err != nil {
		return nil, fmt.Errorf("select processing orders: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// AdvanceOrder продвигает прогресс заказа на delta под блокировкой строки.
// Заказ вне статуса processing не изменяется: возвращается ErrOrderNotProcessing,
// чем подавляется гонка тика с отменой.
func (r *PostgresRepository) AdvanceOrder(ctx context.Context, orderID int64, delta float64) (*model.Order, error) {
	var result *model.Order

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		o, err := scanOrder(tx.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`,
			orderID,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("select order: %w", err)
		}

		if o.Status != model.OrderStatusProcessing {
			return ErrOrderNotProcessing
		}

		progress := o.Progress + delta
		if progress >= 100 {
			now := time.Now()
			o.Progress = 100
			o.SubscribersDelivered = o.TargetSubscribers
			o.Status = model.OrderStatusCompleted
			o.CompletedAt = &now

			if _, err := tx.Exec(ctx,
				`UPDATE orders SET status = $2, progress = 100, subscribers_delivered = $3, completed_at = $4
				 WHERE id = $1`,
				o.ID, string(o.Status), o.SubscribersDelivered, now,
			); err != nil {
				return fmt.Errorf("complete order: %w", err)
			}

			if _, err := tx.Exec(ctx,
				`UPDATE users SET total_subscribers = total_subscribers + $2 WHERE id = $1`,
				o.UserID, o.TargetSubscribers,
			); err != nil {
				return fmt.Errorf("update user stats: %w", err)
			}

			if _, err := tx.Exec(ctx,
				`UPDATE channels SET total_subscribers_added = total_subscribers_added + $3
				 WHERE user_id = $1 AND channel_id = $2`,
				o.UserID, o.ChannelID, o.TargetSubscribers,
			); err != nil {
				return fmt.Errorf("update channel stats: %w", err)
			}
		} else {
			o.Progress = progress
			o.SubscribersDelivered = o.DeliveredFor(progress)

			if _, err := tx.Exec(ctx,
				`UPDATE orders SET progress = $2, subscribers_delivered = $3 WHERE id = $1`,
				o.ID, o.Progress, o.SubscribersDelivered,
			); err != nil {
				return fmt.Errorf("advance order: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// refundMetaFor собирает метаданные возврата по заказу. Платёжную запись
// можно помечать refunded, только если она оплачивает ровно этот заказ:
// общий платёж пакета заказов остаётся completed, а доля конкретного
// заказа фиксируется в метаданных возврата.
func refundMetaFor(paymentID, paymentAmount, orderPrice, refund int64) (ledger.RefundMeta, bool) {
	return ledger.RefundMeta{
		OriginalEntryID: paymentID,
		OriginalAmount:  orderPrice,
		RefundPercent:   refund * 100 / orderPrice,
	}, paymentAmount == orderPrice
}

// CancelOrder отменяет заказ пользователя и выполняет возврат по политике
// заказа: создаётся встречная refund-запись, баланс увеличивается, платёж
// при полном возврате помечается refunded — всё одной транзакцией.
func (r *PostgresRepository) CancelOrder(ctx context.Context, userID, orderID int64) (*model.Order, int64, error) {
	var (
		result *model.Order
		refund int64
	)

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		o, err := scanOrder(tx.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE id = $1 AND user_id = $2 FOR UPDATE`,
			orderID, userID,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("select order: %w", err)
		}

		if !o.Cancellable() {
			return fmt.Errorf("%w: status %s", ErrOrderNotCancellable, o.Status)
		}

		refund = o.RefundOnCancel()

		if refund > 0 && o.PaymentID != nil {
			if _, err := lockUserBalance(ctx, tx, userID); err != nil {
				return err
			}

			if _, err := tx.Exec(ctx,
				`UPDATE users SET balance = balance + $2 WHERE id = $1`,
				userID, refund,
			); err != nil {
				return fmt.Errorf("credit refund: %w", err)
			}

			var paymentAmount int64
			if err := tx.QueryRow(ctx,
				`SELECT amount FROM transactions WHERE id = $1`, *o.PaymentID,
			).Scan(&paymentAmount); err != nil {
				return fmt.Errorf("select payment: %w", err)
			}

			meta, markRefunded := refundMetaFor(*o.PaymentID, paymentAmount, o.Price, refund)
			if markRefunded {
				if _, err := tx.Exec(ctx,
					`UPDATE transactions SET status = $2 WHERE id = $1`,
					*o.PaymentID, string(ledger.StatusRefunded),
				); err != nil {
					return fmt.Errorf("mark payment refunded: %w", err)
				}
			}

			refundTx := &ledger.Transaction{
				UserID:      userID,
				OrderID:     &o.ID,
				Amount:      refund,
				Kind:        ledger.KindRefund,
				Status:      ledger.StatusCompleted,
				Description: fmt.Sprintf("Refund for cancelled order #%d", o.ID),
				Metadata:    ledger.EncodeMeta(meta),
			}
			if err := insertTransaction(ctx, tx, refundTx); err != nil {
				return err
			}
		}

		now := time.Now()
		notes := o.Notes
		if notes != "" {
			notes += "\n"
		}
		notes += "Cancelled by user on " + now.Format(time.RFC3339)

		o.Status = model.OrderStatusCancelled
		o.Progress = 0
		o.CompletedAt = &now
		o.Notes = notes

		if _, err := tx.Exec(ctx,
			`UPDATE orders SET status = $2, progress = 0, completed_at = $3, notes = $4 WHERE id = $1`,
			o.ID, string(o.Status), now, notes,
		); err != nil {
			return fmt.Errorf("cancel order: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = o
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	return result, refund, nil
}

// RetryOrder создаёт новый заказ с параметрами неудавшегося и свежим дебетом.
// Исходный заказ остаётся в статусе failed.
func (r *PostgresRepository) RetryOrder(ctx context.Context, userID, orderID int64, fresh *model.Order) (*model.Order, error) {
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var status string
		err = tx.QueryRow(ctx,
			`SELECT status FROM orders WHERE id = $1 AND user_id = $2`,
			orderID, userID,
		).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("select order: %w", err)
		}

		if model.OrderStatus(status) != model.OrderStatusFailed {
			return fmt.Errorf("%w: status %s", ErrOrderNotFailed, status)
		}

		meta := ledger.PaymentMeta{
			ChannelURL:  fresh.ChannelURL,
			Subscribers: fresh.TargetSubscribers,
			RetryOf:     &orderID,
		}
		description := fmt.Sprintf("Retry payment for failed order #%d", orderID)

		if err := debitAndCreateOrder(ctx, tx, fresh, description, meta); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}

	return fresh, nil
}

// FailOrder переводит незавершённый заказ в failed с указанием причины.
// Возврат средств при этом не выполняется.
func (r *PostgresRepository) FailOrder(ctx context.Context, orderID int64, reason string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $2,
		     notes = CASE WHEN notes = '' THEN $3 ELSE notes || E'\n' || $3 END
		 WHERE id = $1 AND status IN ($4, $5)`,
		orderID, string(model.OrderStatusFailed), "Processing failed: "+reason,
		string(model.OrderStatusPending), string(model.OrderStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("fail order: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Либо заказа нет, либо он уже в конечном статусе. Для вызывающего
		// это разные ситуации: гонка с завершением не ошибка.
		var status string
		err := r.pool.QueryRow(ctx,
			`SELECT status FROM orders WHERE id = $1`, orderID,
		).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("fail order: %w", err)
		}
		return fmt.Errorf("%w: status %s", ErrOrderNotProcessing, status)
	}

	return nil
}

// Dashboard возвращает сводную статистику кабинета пользователя.
func (r *PostgresRepository) Dashboard(ctx context.Context, userID int64) (*model.DashboardStats, error) {
	var stats model.DashboardStats

	err := r.pool.QueryRow(ctx,
		`SELECT balance, total_spent, total_subscribers FROM users WHERE id = $1`,
		userID,
	).Scan(&stats.Balance, &stats.TotalSpent, &stats.TotalSubscribers)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user stats: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status IN ($2, $3)),
		        COUNT(*) FILTER (WHERE status = $4),
		        COUNT(*) FILTER (WHERE status = $5)
		 FROM orders WHERE user_id = $1`,
		userID,
		string(model.OrderStatusPending), string(model.OrderStatusProcessing),
		string(model.OrderStatusCompleted), string(model.OrderStatusFailed),
	).Scan(&stats.TotalOrders, &stats.ActiveOrders, &stats.CompletedOrders, &stats.FailedOrders)
	if err != nil {
		return nil, fmt.Errorf("aggregate orders: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC LIMIT 5`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select recent orders: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		stats.RecentOrders = append(stats.RecentOrders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	stats.RecentTransactions, err = r.GetTransactionsByUser(ctx, userID, 5)
	if err != nil {
		return nil, err
	}

	return &stats, nil
}
