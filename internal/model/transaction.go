package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Transaction types.
const (
	TxTypeDeposit    = "deposit"
	TxTypeWithdrawal = "withdrawal"
	TxTypeBidLock    = "bid_lock"
	TxTypeBidUnlock  = "bid_unlock"
	TxTypeBidForfeit = "bid_forfeit"
	TxTypePayment    = "payment"
	TxTypeSignupFee  = "signup_fee"
	TxTypeRefund     = "refund"
)

// Transaction statuses.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
	TxStatusReversed  = "reversed"
)

// WalletTransaction is an append-only audit record. One row is written inside
// the same database transaction as every balance mutation; rows are never
// updated or deleted — corrections append a compensating row.
//
// BalanceBefore/BalanceAfter refer to the balance dimension the operation
// touches: total for deposit/forfeit, available for lock/unlock.
type WalletTransaction struct {
	ID            string           `gorm:"primaryKey;size:36"`
	WalletID      string           `gorm:"size:36;not null;index"`
	UserID        string           `gorm:"size:36;not null;index"`
	Type          string           `gorm:"size:32;not null"`
	Amount        decimal.Decimal  `gorm:"type:numeric(12,2);not null"`
	Currency      string           `gorm:"size:3;not null"`
	USDAmount     decimal.Decimal  `gorm:"type:numeric(12,2);not null"`
	ExchangeRate  *decimal.Decimal `gorm:"type:numeric(12,4)"`
	BalanceBefore decimal.Decimal  `gorm:"type:numeric(12,2);not null"`
	BalanceAfter  decimal.Decimal  `gorm:"type:numeric(12,2);not null"`
	BidID         *string          `gorm:"size:36;index"`
	Status        string           `gorm:"size:16;not null;default:'completed'"`
	Description   string           `gorm:"size:255"`
	Metadata      string           `gorm:"type:jsonb"`
	CreatedAt     time.Time        `gorm:"autoCreateTime"`
}

func (WalletTransaction) TableName() string { return "wallet_transaction" }

func (t *WalletTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
