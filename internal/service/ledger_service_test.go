package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/richardliu001/ledger-service/internal/logger"
	"github.com/richardliu001/ledger-service/internal/model"
	"github.com/richardliu001/ledger-service/internal/repo"
)

func newTestService(t *testing.T) (*LedgerService, context.Context) {
	// SQLite in-memory DB, one schema per test
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Wallet{}, &model.WalletTransaction{}, &model.Bid{}, &model.OutboxEvent{}))

	// Redis mock with no expectations: every cache call misses, which forces
	// the DB path and keeps assertions on the store itself.
	rdb, _ := redismock.NewClientMock()

	log, _ := logger.NewLogger()
	repository := repo.NewRepository(db, rdb, nil, log)
	svc := NewLedgerService(repository, decimal.RequireFromString("0.10"), "USD", log)

	return svc, context.Background()
}

func fundWallet(t *testing.T, svc *LedgerService, ctx context.Context, userID string, usd int64) {
	t.Helper()
	_, err := svc.CreateWallet(ctx, userID)
	require.NoError(t, err)
	amt := decimal.NewFromInt(usd)
	require.NoError(t, svc.AddFunds(ctx, userID, amt, "USD", amt, nil, "ref-"+userID))
}

func assertBalances(t *testing.T, svc *LedgerService, ctx context.Context, userID string, total, available, locked int64) {
	t.Helper()
	snap, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, decimal.NewFromInt(total).StringFixed(2), snap.Total.StringFixed(2))
	assert.Equal(t, decimal.NewFromInt(available).StringFixed(2), snap.Available.StringFixed(2))
	assert.Equal(t, decimal.NewFromInt(locked).StringFixed(2), snap.Locked.StringFixed(2))
	// the partition invariant must hold after every operation
	assert.True(t, snap.Total.Equal(snap.Available.Add(snap.Locked)),
		"total %s != available %s + locked %s", snap.Total, snap.Available, snap.Locked)
	assert.False(t, snap.Total.IsNegative())
	assert.False(t, snap.Available.IsNegative())
	assert.False(t, snap.Locked.IsNegative())
}

func txsOfType(t *testing.T, svc *LedgerService, ctx context.Context, userID, txType string) []model.WalletTransaction {
	t.Helper()
	all, err := svc.GetHistory(ctx, userID, 100)
	require.NoError(t, err)
	var out []model.WalletTransaction
	for _, tx := range all {
		if tx.Type == txType {
			out = append(out, tx)
		}
	}
	return out
}

func TestFundLockForfeitScenario(t *testing.T) {
	svc, ctx := newTestService(t)
	const user = "user-1"

	_, err := svc.CreateWallet(ctx, user)
	require.NoError(t, err)
	assertBalances(t, svc, ctx, user, 0, 0, 0)

	// fund $1000
	require.NoError(t, svc.AddFunds(ctx, user, decimal.NewFromInt(1000), "USD", decimal.NewFromInt(1000), nil, "ps-001"))
	assertBalances(t, svc, ctx, user, 1000, 1000, 0)
	deposits := txsOfType(t, svc, ctx, user, model.TxTypeDeposit)
	require.Len(t, deposits, 1)
	assert.Equal(t, "1000.00", deposits[0].BalanceAfter.StringFixed(2))
	assert.Equal(t, "0.00", deposits[0].BalanceBefore.StringFixed(2))

	// eligible for a $5000 bid at 10%
	elig, err := svc.CheckEligibility(ctx, user, decimal.NewFromInt(5000))
	require.NoError(t, err)
	assert.True(t, elig.Eligible)
	assert.Equal(t, "500.00", elig.RequiredDeposit.StringFixed(2))
	assert.Equal(t, "0.00", elig.Shortfall.StringFixed(2))

	// place the bid: deposit moves available -> locked
	bid, err := svc.PlaceBid(ctx, user, "veh-1", decimal.NewFromInt(5000))
	require.NoError(t, err)
	assert.True(t, bid.DepositLocked)
	assert.Equal(t, "500.00", bid.DepositAmount.StringFixed(2))
	assertBalances(t, svc, ctx, user, 1000, 500, 500)
	locks := txsOfType(t, svc, ctx, user, model.TxTypeBidLock)
	require.Len(t, locks, 1)
	assert.Equal(t, "1000.00", locks[0].BalanceBefore.StringFixed(2))
	assert.Equal(t, "500.00", locks[0].BalanceAfter.StringFixed(2))
	require.NotNil(t, locks[0].BidID)
	assert.Equal(t, bid.ID, *locks[0].BidID)

	// forfeit destroys value: total drops, available keeps its post-lock value
	require.NoError(t, svc.ForfeitDeposit(ctx, bid.ID))
	assertBalances(t, svc, ctx, user, 500, 500, 0)
	forfeits := txsOfType(t, svc, ctx, user, model.TxTypeBidForfeit)
	require.Len(t, forfeits, 1)
	assert.Equal(t, "1000.00", forfeits[0].BalanceBefore.StringFixed(2))
	assert.Equal(t, "500.00", forfeits[0].BalanceAfter.StringFixed(2))

	var stored model.Bid
	require.NoError(t, svc.Repo().DB(ctx).First(&stored, "id = ?", bid.ID).Error)
	assert.False(t, stored.DepositLocked)
	assert.NotNil(t, stored.DepositForfeitedAt)

	// forfeiting again is a no-op, not a second deduction
	require.NoError(t, svc.ForfeitDeposit(ctx, bid.ID))
	assertBalances(t, svc, ctx, user, 500, 500, 0)
}

func TestLockUnlockRoundTrip(t *testing.T) {
	svc, ctx := newTestService(t)
	const user = "user-2"
	fundWallet(t, svc, ctx, user, 1000)

	bid, err := svc.PlaceBid(ctx, user, "veh-2", decimal.NewFromInt(3000))
	require.NoError(t, err)
	assertBalances(t, svc, ctx, user, 1000, 700, 300)

	// lost bid: deposit comes back in full, total untouched throughout
	require.NoError(t, svc.ResolveBid(ctx, bid.ID, model.BidStatusLost))
	assertBalances(t, svc, ctx, user, 1000, 1000, 0)

	unlocks := txsOfType(t, svc, ctx, user, model.TxTypeBidUnlock)
	require.Len(t, unlocks, 1)
	assert.Equal(t, "700.00", unlocks[0].BalanceBefore.StringFixed(2))
	assert.Equal(t, "1000.00", unlocks[0].BalanceAfter.StringFixed(2))

	var stored model.Bid
	require.NoError(t, svc.Repo().DB(ctx).First(&stored, "id = ?", bid.ID).Error)
	assert.Equal(t, model.BidStatusLost, stored.Status)
	assert.False(t, stored.DepositLocked)

	// unlocking a bid with nothing locked is a no-op
	require.NoError(t, svc.UnlockDeposit(ctx, bid.ID))
	assertBalances(t, svc, ctx, user, 1000, 1000, 0)
	assert.Len(t, txsOfType(t, svc, ctx, user, model.TxTypeBidUnlock), 1)
}

func TestCheckEligibilityShortfall(t *testing.T) {
	svc, ctx := newTestService(t)
	const user = "user-3"
	fundWallet(t, svc, ctx, user, 450)

	elig, err := svc.CheckEligibility(ctx, user, decimal.NewFromInt(5000))
	require.NoError(t, err)
	assert.False(t, elig.Eligible)
	assert.Equal(t, "450.00", elig.AvailableBalance.StringFixed(2))
	assert.Equal(t, "500.00", elig.RequiredDeposit.StringFixed(2))
	assert.Equal(t, "50.00", elig.Shortfall.StringFixed(2))
}

func TestCheckEligibilityNoWallet(t *testing.T) {
	svc, ctx := newTestService(t)

	elig, err := svc.CheckEligibility(ctx, "nobody", decimal.NewFromInt(5000))
	require.NoError(t, err)
	assert.False(t, elig.Eligible)
	assert.Equal(t, "0.00", elig.AvailableBalance.StringFixed(2))
	assert.Equal(t, "500.00", elig.RequiredDeposit.StringFixed(2))
	assert.Equal(t, "500.00", elig.Shortfall.StringFixed(2))
}

func TestDoubleLockRejected(t *testing.T) {
	svc, ctx := newTestService(t)
	const user = "user-4"
	fundWallet(t, svc, ctx, user, 1000)

	bid, err := svc.PlaceBid(ctx, user, "veh-4", decimal.NewFromInt(2000))
	require.NoError(t, err)
	assertBalances(t, svc, ctx, user, 1000, 800, 200)

	// second lock for the same bid must fail, not double-deduct
	err = svc.LockDeposit(ctx, user, bid.ID, decimal.NewFromInt(2000))
	assert.ErrorIs(t, err, ErrDepositLocked)
	assertBalances(t, svc, ctx, user, 1000, 800, 200)
	assert.Len(t, txsOfType(t, svc, ctx, user, model.TxTypeBidLock), 1)
}

func TestAddFundsValidation(t *testing.T) {
	svc, ctx := newTestService(t)

	// wallets are provisioned at registration; funding an unknown user is a bug upstream
	err := svc.AddFunds(ctx, "ghost", decimal.NewFromInt(100), "USD", decimal.NewFromInt(100), nil, "")
	assert.ErrorIs(t, err, ErrWalletNotFound)

	_, err = svc.CreateWallet(ctx, "user-5")
	require.NoError(t, err)
	err = svc.AddFunds(ctx, "user-5", decimal.Zero, "USD", decimal.Zero, nil, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	err = svc.AddFunds(ctx, "user-5", decimal.NewFromInt(-5), "USD", decimal.NewFromInt(-5), nil, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	hist, err := svc.GetHistory(ctx, "user-5", 10)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestAddFundsKeepsProvenance(t *testing.T) {
	svc, ctx := newTestService(t)
	const user = "user-6"
	_, err := svc.CreateWallet(ctx, user)
	require.NoError(t, err)

	rate := decimal.RequireFromString("1530.25")
	// NGN payment converted at intake; ledger stays USD
	require.NoError(t, svc.AddFunds(ctx, user,
		decimal.NewFromInt(200), "NGN", decimal.RequireFromString("306050"), &rate, "paystack-77"))
	assertBalances(t, svc, ctx, user, 200, 200, 0)

	deposits := txsOfType(t, svc, ctx, user, model.TxTypeDeposit)
	require.Len(t, deposits, 1)
	assert.Equal(t, "NGN", deposits[0].Currency)
	assert.Equal(t, "306050.00", deposits[0].Amount.StringFixed(2))
	assert.Equal(t, "200.00", deposits[0].USDAmount.StringFixed(2))
	require.NotNil(t, deposits[0].ExchangeRate)
	assert.Equal(t, "1530.25", deposits[0].ExchangeRate.StringFixed(2))
	assert.Contains(t, deposits[0].Metadata, "paystack-77")
}

func TestPlaceBidInsufficientRollsBack(t *testing.T) {
	svc, ctx := newTestService(t)
	const user = "user-7"
	fundWallet(t, svc, ctx, user, 40)

	_, err := svc.PlaceBid(ctx, user, "veh-7", decimal.NewFromInt(5000))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "500.00", insufficient.Required.StringFixed(2))
	assert.Equal(t, "40.00", insufficient.Available.StringFixed(2))
	assert.Equal(t, "460.00", insufficient.Shortfall.StringFixed(2))

	// bid row must have rolled back with the failed lock
	var count int64
	require.NoError(t, svc.Repo().DB(ctx).Model(&model.Bid{}).Where("user_id = ?", user).Count(&count).Error)
	assert.Zero(t, count)
	assertBalances(t, svc, ctx, user, 40, 40, 0)
}

func TestGetBalanceReadOnly(t *testing.T) {
	svc, ctx := newTestService(t)

	// missing wallet reads as zeros rather than failing
	snap, err := svc.GetBalance(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, snap.Total.IsZero())
	assert.True(t, snap.Available.IsZero())
	assert.True(t, snap.Locked.IsZero())

	const user = "user-8"
	fundWallet(t, svc, ctx, user, 300)

	first, err := svc.GetBalance(ctx, user)
	require.NoError(t, err)
	second, err := svc.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.True(t, first.Total.Equal(second.Total))
	assert.True(t, first.Available.Equal(second.Available))
	assert.True(t, first.Locked.Equal(second.Locked))
}

func TestWithdrawLeavesLockedUntouchable(t *testing.T) {
	svc, ctx := newTestService(t)
	const user = "user-10"
	fundWallet(t, svc, ctx, user, 1000)

	_, err := svc.PlaceBid(ctx, user, "veh-10", decimal.NewFromInt(4000))
	require.NoError(t, err)
	assertBalances(t, svc, ctx, user, 1000, 600, 400)

	require.NoError(t, svc.Withdraw(ctx, user, decimal.NewFromInt(500), "payout-1"))
	assertBalances(t, svc, ctx, user, 500, 100, 400)

	withdrawals := txsOfType(t, svc, ctx, user, model.TxTypeWithdrawal)
	require.Len(t, withdrawals, 1)
	assert.Equal(t, "1000.00", withdrawals[0].BalanceBefore.StringFixed(2))
	assert.Equal(t, "500.00", withdrawals[0].BalanceAfter.StringFixed(2))

	// locked collateral cannot be withdrawn
	err = svc.Withdraw(ctx, user, decimal.NewFromInt(200), "payout-2")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assertBalances(t, svc, ctx, user, 500, 100, 400)
}

func TestCreateWalletIdempotent(t *testing.T) {
	svc, ctx := newTestService(t)

	w1, err := svc.CreateWallet(ctx, "user-9")
	require.NoError(t, err)
	w2, err := svc.CreateWallet(ctx, "user-9")
	require.NoError(t, err)
	assert.Equal(t, w1.ID, w2.ID)

	var count int64
	require.NoError(t, svc.Repo().DB(ctx).Model(&model.Wallet{}).Where("user_id = ?", "user-9").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}
