package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Wallet holds one user's ledger balances. TotalBalance must always equal
// AvailableBalance + LockedBalance.
type Wallet struct {
	ID               string          `gorm:"primaryKey;size:36"`
	UserID           string          `gorm:"size:36;not null;uniqueIndex"`
	TotalBalance     decimal.Decimal `gorm:"type:numeric(12,2);not null;default:'0'"`
	AvailableBalance decimal.Decimal `gorm:"type:numeric(12,2);not null;default:'0'"`
	LockedBalance    decimal.Decimal `gorm:"type:numeric(12,2);not null;default:'0'"`
	Currency         string          `gorm:"size:3;not null;default:'USD'"`
	Version          uint64          `gorm:"not null;default:0"`
	CreatedAt        time.Time       `gorm:"autoCreateTime"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallet" }

func (w *Wallet) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	return nil
}

// BalanceSnapshot is the read model returned to callers and cached in Redis.
type BalanceSnapshot struct {
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}
