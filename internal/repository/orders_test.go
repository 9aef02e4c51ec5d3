package repository

import (
	"testing"

	"github.com/mmeshcher/subboost-system/internal/ledger"
)

func TestRefundMetaFor(t *testing.T) {
	tests := []struct {
		name          string
		paymentAmount int64
		orderPrice    int64
		refund        int64
		wantMark      bool
		wantMeta      ledger.RefundMeta
	}{
		{
			name:          "полный возврат одиночного платежа",
			paymentAmount: 10,
			orderPrice:    10,
			refund:        10,
			wantMark:      true,
			wantMeta: ledger.RefundMeta{
				OriginalEntryID: 7,
				OriginalAmount:  10,
				RefundPercent:   100,
			},
		},
		{
			name:          "частичный возврат одиночного платежа",
			paymentAmount: 10,
			orderPrice:    10,
			refund:        7,
			wantMark:      true,
			wantMeta: ledger.RefundMeta{
				OriginalEntryID: 7,
				OriginalAmount:  10,
				RefundPercent:   70,
			},
		},
		{
			name:          "общий платёж пакета остаётся completed",
			paymentAmount: 30,
			orderPrice:    10,
			refund:        10,
			wantMark:      false,
			wantMeta: ledger.RefundMeta{
				OriginalEntryID: 7,
				OriginalAmount:  10,
				RefundPercent:   100,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, mark := refundMetaFor(7, tt.paymentAmount, tt.orderPrice, tt.refund)
			if mark != tt.wantMark {
				t.Fatalf("mark refunded: want %v, got %v", tt.wantMark, mark)
			}
			if meta != tt.wantMeta {
				t.Fatalf("meta: want %+v, got %+v", tt.wantMeta, meta)
			}
		})
	}
}
