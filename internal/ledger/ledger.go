// Package ledger содержит типы денежных движений по балансу пользователя.
//
// Каждое изменение баланса фиксируется ровно одной записью Transaction;
// прямых путей мутации баланса в системе нет. Сами атомарные операции
// (дебет, кредит, возврат) выполняет хранилище одной транзакцией БД.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind определяет вид денежного движения.
type Kind string

const (
	KindDeposit       Kind = "deposit"
	KindWithdrawal    Kind = "withdrawal"
	KindOrderPayment  Kind = "order_payment"
	KindRefund        Kind = "refund"
	KindReferralBonus Kind = "referral_bonus"
)

// Status определяет состояние записи.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Transaction — неизменяемая запись одного денежного движения.
type Transaction struct {
	ID          int64
	UserID      int64
	OrderID     *int64
	Amount      int64
	Kind        Kind
	Status      Status
	ReceiptID   string
	Description string
	Metadata    json.RawMessage
	CreatedAt   time.Time
}

// PaymentMeta — метаданные оплаты заказа.
type PaymentMeta struct {
	ChannelURL      string `json:"channel_url"`
	Subscribers     int64  `json:"subscribers"`
	BasePrice       int64  `json:"base_price"`
	DiscountPercent int64  `json:"discount_percent"`
	RetryOf         *int64 `json:"retry_of,omitempty"`
}

// RefundMeta — метаданные возврата с перекрёстной ссылкой на исходный платёж.
type RefundMeta struct {
	OriginalEntryID int64 `json:"original_entry_id"`
	OriginalAmount  int64 `json:"original_amount"`
	RefundPercent   int64 `json:"refund_percent"`
}

// DepositMeta — метаданные пополнения через платёжный шлюз.
type DepositMeta struct {
	ReceiptID string `json:"receipt_id"`
	Method    string `json:"method"`
}

// WithdrawalMeta — метаданные вывода средств.
type WithdrawalMeta struct {
	Account string `json:"account"`
}

// BulkOrderMeta — метаданные оплаты пакета заказов.
type BulkOrderMeta struct {
	OrderCount int     `json:"order_count"`
	OrderIDs   []int64 `json:"order_ids"`
}

// ReferralMeta — метаданные реферального бонуса.
type ReferralMeta struct {
	ReferredUserID int64 `json:"referred_user_id"`
}

// EncodeMeta сериализует метаданные движения для сохранения в записи.
func EncodeMeta(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// InsufficientFundsError возвращается при попытке дебета, превышающего баланс.
// Дебет не выполняется даже частично.
type InsufficientFundsError struct {
	Required int64
	Current  int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %d, current balance %d", e.Required, e.Current)
}

// ShortBy возвращает недостающую сумму.
func (e *InsufficientFundsError) ShortBy() int64 {
	return e.Required - e.Current
}
