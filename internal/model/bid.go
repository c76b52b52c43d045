package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Bid statuses.
const (
	BidStatusPending = "pending"
	BidStatusWon     = "won"
	BidStatusLost    = "lost"
	BidStatusOutbid  = "outbid"
)

// Bid carries the subset of the bid record the ledger owns: the deposit
// reservation fields. DepositLocked is the authoritative flag for whether
// collateral is currently reserved and is flipped atomically with the
// wallet mutation.
type Bid struct {
	ID                 string          `gorm:"primaryKey;size:36"`
	UserID             string          `gorm:"size:36;not null;index"`
	VehicleID          string          `gorm:"size:36;not null;index"`
	MaxBidAmount       decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Status             string          `gorm:"size:16;not null;default:'pending'"`
	DepositAmount      decimal.Decimal `gorm:"type:numeric(12,2);not null;default:'0'"`
	DepositLocked      bool            `gorm:"not null;default:false"`
	DepositForfeitedAt *time.Time
	CreatedAt          time.Time `gorm:"autoCreateTime"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime"`
}

func (Bid) TableName() string { return "bid" }

func (b *Bid) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}
