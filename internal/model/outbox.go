package model

import "time"

// Ledger event types published through the outbox.
const (
	EventWalletCreated    = "WalletCreated"
	EventWalletFunded     = "WalletFunded"
	EventWalletWithdrawn  = "WalletWithdrawn"
	EventBidPlaced        = "BidPlaced"
	EventDepositLocked    = "DepositLocked"
	EventDepositUnlocked  = "DepositUnlocked"
	EventDepositForfeited = "DepositForfeited"
)

// OutboxEvent is written in the same transaction as the ledger mutation it
// describes and published to Kafka by cmd/poller.
type OutboxEvent struct {
	ID          uint64    `gorm:"primaryKey"`
	Aggregate   string    `gorm:"size:64;not null"`
	AggregateID string    `gorm:"size:36;not null"`
	EventType   string    `gorm:"size:64;not null"`
	Payload     string    `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	Processed   bool      `gorm:"not null;default:false"`
	ProcessedAt *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }
