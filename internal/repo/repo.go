package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/ledger-service/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrVersionConflict is returned when the versioned wallet update matched no
// row, meaning another writer got there first.
var ErrVersionConflict = errors.New("wallet version conflict")

// RepositoryInterface restricts Repo methods (unit test mock seam).
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	GetWalletByUser(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error)
	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error)
	CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error
	UpdateWalletBalances(ctx context.Context, tx *gorm.DB, walletID string, total, available, locked decimal.Decimal, oldVersion uint64) error
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.WalletTransaction) error
	ListTransactions(ctx context.Context, userID string, limit int) ([]model.WalletTransaction, error)
	CreateBid(ctx context.Context, tx *gorm.DB, b *model.Bid) error
	GetBidForUpdate(ctx context.Context, tx *gorm.DB, bidID string) (*model.Bid, error)
	UpdateBid(ctx context.Context, tx *gorm.DB, bidID string, fields map[string]interface{}) error
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	CacheSnapshot(ctx context.Context, userID string, snap model.BalanceSnapshot) error
	GetCachedSnapshot(ctx context.Context, userID string) (model.BalanceSnapshot, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetWalletByUser reads a wallet without locking it.
func (r *Repository) GetWalletByUser(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWalletForUpdate takes a row-level lock on the user's wallet for the
// duration of the enclosing transaction.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWallet inserts a fresh zero-balance wallet.
func (r *Repository) CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error {
	return tx.WithContext(ctx).Create(w).Error
}

// UpdateWalletBalances writes all three balances guarded by the version
// column, so a concurrent writer that slipped past the row lock still cannot
// apply a stale delta.
func (r *Repository) UpdateWalletBalances(ctx context.Context, tx *gorm.DB, walletID string, total, available, locked decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", walletID, oldVersion).
		Updates(map[string]interface{}{
			"total_balance":     total,
			"available_balance": available,
			"locked_balance":    locked,
			"version":           oldVersion + 1,
			"updated_at":        time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// CreateTransaction appends an audit record.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.WalletTransaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// ListTransactions returns a user's most recent transactions, newest first.
func (r *Repository) ListTransactions(ctx context.Context, userID string, limit int) ([]model.WalletTransaction, error) {
	var txs []model.WalletTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// CreateBid inserts a bid row.
func (r *Repository) CreateBid(ctx context.Context, tx *gorm.DB, b *model.Bid) error {
	return tx.WithContext(ctx).Create(b).Error
}

// GetBidForUpdate locks the bid row so lock/unlock/forfeit for one bid are
// mutually exclusive.
func (r *Repository) GetBidForUpdate(ctx context.Context, tx *gorm.DB, bidID string) (*model.Bid, error) {
	var b model.Bid
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", bidID).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateBid writes the given bid fields.
func (r *Repository) UpdateBid(ctx context.Context, tx *gorm.DB, bidID string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now()
	return tx.WithContext(ctx).Model(&model.Bid{}).Where("id = ?", bidID).Updates(fields).Error
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id=?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.ID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

func snapshotKey(userID string) string { return "wallet:balance:" + userID }

// CacheSnapshot writes the balance snapshot to Redis, best effort.
func (r *Repository) CacheSnapshot(ctx context.Context, userID string, snap model.BalanceSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, snapshotKey(userID), data, 5*time.Minute).Err()
}

// GetCachedSnapshot reads the balance snapshot from Redis.
func (r *Repository) GetCachedSnapshot(ctx context.Context, userID string) (model.BalanceSnapshot, error) {
	var snap model.BalanceSnapshot
	data, err := r.rdb.Get(ctx, snapshotKey(userID)).Bytes()
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, err
	}
	return snap, nil
}
