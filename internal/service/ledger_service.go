package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/ledger-service/internal/model"
	"github.com/richardliu001/ledger-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LedgerService owns every wallet balance mutation. Each operation runs as a
// single database transaction: the wallet row is locked, all three balances
// are rewritten through a versioned update, and the audit transaction row,
// bid flags and outbox event are committed together or not at all.
type LedgerService struct {
	repo        repo.RepositoryInterface
	depositRate decimal.Decimal
	currency    string
	log         *zap.SugaredLogger
}

// NewLedgerService returns LedgerService. depositRate is the fraction of a
// bid's maximum amount reserved as collateral (0.10 under current policy).
func NewLedgerService(r repo.RepositoryInterface, depositRate decimal.Decimal, currency string, logger *zap.SugaredLogger) *LedgerService {
	return &LedgerService{repo: r, depositRate: depositRate, currency: currency, log: logger}
}

// BidEligibility is the advisory answer to "can this user place this bid".
type BidEligibility struct {
	Eligible         bool            `json:"eligible"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	RequiredDeposit  decimal.Decimal `json:"required_deposit"`
	Shortfall        decimal.Decimal `json:"shortfall"`
}

// RequiredDeposit computes the collateral for a bid amount under the
// configured rate.
func (s *LedgerService) RequiredDeposit(bidAmount decimal.Decimal) decimal.Decimal {
	return bidAmount.Mul(s.depositRate).Round(2)
}

// CreateWallet provisions a zero-balance wallet for a newly registered user.
// Idempotent: an existing wallet is returned unchanged.
func (s *LedgerService) CreateWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var out *model.Wallet
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.repo.GetWalletByUser(ctx, tx, userID)
		if err == nil {
			out = w
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		w = &model.Wallet{
			UserID:           userID,
			TotalBalance:     decimal.Zero,
			AvailableBalance: decimal.Zero,
			LockedBalance:    decimal.Zero,
			Currency:         s.currency,
		}
		if err := s.repo.CreateWallet(ctx, tx, w); err != nil {
			return err
		}
		if err := s.appendOutbox(ctx, tx, "Wallet", w.ID, model.EventWalletCreated, map[string]interface{}{
			"user_id": userID,
		}); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetBalance returns the user's balance snapshot. A user without a wallet
// gets all zeros: callers must not assume a wallet exists before first
// funding. Read-only.
func (s *LedgerService) GetBalance(ctx context.Context, userID string) (model.BalanceSnapshot, error) {
	if snap, err := s.repo.GetCachedSnapshot(ctx, userID); err == nil {
		return snap, nil
	}
	w, err := s.repo.GetWalletByUser(ctx, s.repo.DB(ctx), userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.BalanceSnapshot{Total: decimal.Zero, Available: decimal.Zero, Locked: decimal.Zero}, nil
		}
		return model.BalanceSnapshot{}, err
	}
	snap := snapshotOf(w)
	if err := s.repo.CacheSnapshot(ctx, userID, snap); err != nil {
		s.log.Warnw("cache snapshot", "user_id", userID, "err", err)
	}
	return snap, nil
}

// AddFunds credits a verified external payment to the wallet: total and
// available rise together. The payment itself is verified by the webhook
// collaborator before this is called; the ledger only records it. The
// original currency, amount and conversion rate are kept on the transaction
// row for audit.
func (s *LedgerService) AddFunds(ctx context.Context, userID string, usdAmount decimal.Decimal, sourceCurrency string, sourceAmount decimal.Decimal, exchangeRate *decimal.Decimal, reference string) error {
	if usdAmount.LessThanOrEqual(decimal.Zero) || sourceAmount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.repo.GetWalletForUpdate(ctx, tx, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrWalletNotFound
			}
			return err
		}
		newTotal := w.TotalBalance.Add(usdAmount)
		newAvailable := w.AvailableBalance.Add(usdAmount)
		if err := s.repo.UpdateWalletBalances(ctx, tx, w.ID, newTotal, newAvailable, w.LockedBalance, w.Version); err != nil {
			return err
		}
		meta, _ := json.Marshal(map[string]string{"reference": reference})
		t := &model.WalletTransaction{
			WalletID:      w.ID,
			UserID:        userID,
			Type:          model.TxTypeDeposit,
			Amount:        sourceAmount,
			Currency:      sourceCurrency,
			USDAmount:     usdAmount,
			ExchangeRate:  exchangeRate,
			BalanceBefore: w.TotalBalance,
			BalanceAfter:  newTotal,
			Status:        model.TxStatusCompleted,
			Description:   fmt.Sprintf("Wallet funding via %s", sourceCurrency),
			Metadata:      string(meta),
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		if err := s.appendOutbox(ctx, tx, "Wallet", w.ID, model.EventWalletFunded, map[string]interface{}{
			"user_id": userID, "usd_amount": usdAmount, "reference": reference,
		}); err != nil {
			return err
		}
		s.refreshSnapshot(ctx, userID, newTotal, newAvailable, w.LockedBalance)
		return nil
	})
}

// Withdraw pays out available funds: total and available drop together,
// locked collateral is untouchable.
func (s *LedgerService) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, reference string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.repo.GetWalletForUpdate(ctx, tx, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrWalletNotFound
			}
			return err
		}
		if w.AvailableBalance.LessThan(amount) {
			return &InsufficientBalanceError{
				Required:  amount,
				Available: w.AvailableBalance,
				Shortfall: amount.Sub(w.AvailableBalance),
			}
		}
		newTotal := w.TotalBalance.Sub(amount)
		newAvailable := w.AvailableBalance.Sub(amount)
		if err := s.repo.UpdateWalletBalances(ctx, tx, w.ID, newTotal, newAvailable, w.LockedBalance, w.Version); err != nil {
			return err
		}
		meta, _ := json.Marshal(map[string]string{"reference": reference})
		t := &model.WalletTransaction{
			WalletID:      w.ID,
			UserID:        userID,
			Type:          model.TxTypeWithdrawal,
			Amount:        amount,
			Currency:      s.currency,
			USDAmount:     amount,
			BalanceBefore: w.TotalBalance,
			BalanceAfter:  newTotal,
			Status:        model.TxStatusCompleted,
			Description:   "Wallet withdrawal",
			Metadata:      string(meta),
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		if err := s.appendOutbox(ctx, tx, "Wallet", w.ID, model.EventWalletWithdrawn, map[string]interface{}{
			"user_id": userID, "amount": amount, "reference": reference,
		}); err != nil {
			return err
		}
		s.refreshSnapshot(ctx, userID, newTotal, newAvailable, w.LockedBalance)
		return nil
	})
}

// CheckEligibility answers whether the user's available balance covers the
// collateral for a candidate bid. Advisory only: it reserves nothing and may
// be stale by the time LockDeposit runs, which re-validates.
func (s *LedgerService) CheckEligibility(ctx context.Context, userID string, bidAmount decimal.Decimal) (BidEligibility, error) {
	if bidAmount.LessThanOrEqual(decimal.Zero) {
		return BidEligibility{}, ErrInvalidAmount
	}
	required := s.RequiredDeposit(bidAmount)
	snap, err := s.GetBalance(ctx, userID)
	if err != nil {
		return BidEligibility{}, err
	}
	shortfall := required.Sub(snap.Available)
	if shortfall.IsNegative() {
		shortfall = decimal.Zero
	}
	return BidEligibility{
		Eligible:         snap.Available.GreaterThanOrEqual(required),
		AvailableBalance: snap.Available,
		RequiredDeposit:  required,
		Shortfall:        shortfall,
	}, nil
}

// LockDeposit reserves the collateral for an accepted bid, moving it from
// available to locked. Available balance is re-checked here under the row
// lock; the earlier eligibility answer is not trusted.
func (s *LedgerService) LockDeposit(ctx context.Context, userID, bidID string, bidAmount decimal.Decimal) error {
	if bidAmount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		return s.lockDeposit(ctx, tx, userID, bidID, bidAmount)
	})
}

// lockDeposit is the shared body of LockDeposit and PlaceBid; it must run
// inside an open transaction.
func (s *LedgerService) lockDeposit(ctx context.Context, tx *gorm.DB, userID, bidID string, bidAmount decimal.Decimal) error {
	bid, err := s.repo.GetBidForUpdate(ctx, tx, bidID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrBidNotFound
		}
		return err
	}
	if bid.UserID != userID {
		return ErrBidOwnerMismatch
	}
	if bid.DepositLocked {
		return ErrDepositLocked
	}
	w, err := s.repo.GetWalletForUpdate(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrWalletNotFound
		}
		return err
	}
	deposit := s.RequiredDeposit(bidAmount)
	if w.AvailableBalance.LessThan(deposit) {
		return &InsufficientBalanceError{
			Required:  deposit,
			Available: w.AvailableBalance,
			Shortfall: deposit.Sub(w.AvailableBalance),
		}
	}
	newAvailable := w.AvailableBalance.Sub(deposit)
	newLocked := w.LockedBalance.Add(deposit)
	if err := s.repo.UpdateWalletBalances(ctx, tx, w.ID, w.TotalBalance, newAvailable, newLocked, w.Version); err != nil {
		return err
	}
	t := &model.WalletTransaction{
		WalletID:      w.ID,
		UserID:        userID,
		Type:          model.TxTypeBidLock,
		Amount:        deposit,
		Currency:      s.currency,
		USDAmount:     deposit,
		BalanceBefore: w.AvailableBalance,
		BalanceAfter:  newAvailable,
		BidID:         &bidID,
		Status:        model.TxStatusCompleted,
		Description:   fmt.Sprintf("Deposit locked for bid (%s%% of %s)", s.depositRate.Mul(decimal.NewFromInt(100)), bidAmount),
	}
	if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
		return err
	}
	if err := s.repo.UpdateBid(ctx, tx, bidID, map[string]interface{}{
		"deposit_amount": deposit,
		"deposit_locked": true,
	}); err != nil {
		return err
	}
	if err := s.appendOutbox(ctx, tx, "Wallet", w.ID, model.EventDepositLocked, map[string]interface{}{
		"user_id": userID, "bid_id": bidID, "deposit": deposit,
	}); err != nil {
		return err
	}
	s.refreshSnapshot(ctx, userID, w.TotalBalance, newAvailable, newLocked)
	return nil
}

// UnlockDeposit returns a lost or withdrawn bid's collateral to the
// available balance in full. Total balance never changes on this path.
// A bid with nothing locked is a no-op.
func (s *LedgerService) UnlockDeposit(ctx context.Context, bidID string) error {
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		bid, err := s.repo.GetBidForUpdate(ctx, tx, bidID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBidNotFound
			}
			return err
		}
		if !bid.DepositLocked || bid.DepositAmount.LessThanOrEqual(decimal.Zero) {
			return nil
		}
		w, err := s.repo.GetWalletForUpdate(ctx, tx, bid.UserID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrWalletNotFound
			}
			return err
		}
		deposit := bid.DepositAmount
		newAvailable := w.AvailableBalance.Add(deposit)
		newLocked := w.LockedBalance.Sub(deposit)
		if err := s.repo.UpdateWalletBalances(ctx, tx, w.ID, w.TotalBalance, newAvailable, newLocked, w.Version); err != nil {
			return err
		}
		t := &model.WalletTransaction{
			WalletID:      w.ID,
			UserID:        bid.UserID,
			Type:          model.TxTypeBidUnlock,
			Amount:        deposit,
			Currency:      s.currency,
			USDAmount:     deposit,
			BalanceBefore: w.AvailableBalance,
			BalanceAfter:  newAvailable,
			BidID:         &bid.ID,
			Status:        model.TxStatusCompleted,
			Description:   "Deposit released - bid not won",
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		if err := s.repo.UpdateBid(ctx, tx, bid.ID, map[string]interface{}{
			"deposit_locked": false,
		}); err != nil {
			return err
		}
		if err := s.appendOutbox(ctx, tx, "Wallet", w.ID, model.EventDepositUnlocked, map[string]interface{}{
			"user_id": bid.UserID, "bid_id": bid.ID, "deposit": deposit,
		}); err != nil {
			return err
		}
		s.refreshSnapshot(ctx, bid.UserID, w.TotalBalance, newAvailable, newLocked)
		return nil
	})
}

// ForfeitDeposit permanently removes a won-but-unpaid bid's collateral from
// the wallet: locked and total drop together, available is untouched. The
// payment-deadline policy that decides to forfeit lives upstream; the ledger
// only executes the transition. Terminal for the bid's deposit.
func (s *LedgerService) ForfeitDeposit(ctx context.Context, bidID string) error {
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		bid, err := s.repo.GetBidForUpdate(ctx, tx, bidID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBidNotFound
			}
			return err
		}
		if !bid.DepositLocked || bid.DepositAmount.LessThanOrEqual(decimal.Zero) {
			return nil
		}
		w, err := s.repo.GetWalletForUpdate(ctx, tx, bid.UserID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrWalletNotFound
			}
			return err
		}
		deposit := bid.DepositAmount
		newTotal := w.TotalBalance.Sub(deposit)
		newLocked := w.LockedBalance.Sub(deposit)
		if err := s.repo.UpdateWalletBalances(ctx, tx, w.ID, newTotal, w.AvailableBalance, newLocked, w.Version); err != nil {
			return err
		}
		t := &model.WalletTransaction{
			WalletID:      w.ID,
			UserID:        bid.UserID,
			Type:          model.TxTypeBidForfeit,
			Amount:        deposit,
			Currency:      s.currency,
			USDAmount:     deposit,
			BalanceBefore: w.TotalBalance,
			BalanceAfter:  newTotal,
			BidID:         &bid.ID,
			Status:        model.TxStatusCompleted,
			Description:   "Deposit forfeited - payment not completed",
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		now := time.Now()
		if err := s.repo.UpdateBid(ctx, tx, bid.ID, map[string]interface{}{
			"deposit_locked":       false,
			"deposit_forfeited_at": &now,
		}); err != nil {
			return err
		}
		if err := s.appendOutbox(ctx, tx, "Wallet", w.ID, model.EventDepositForfeited, map[string]interface{}{
			"user_id": bid.UserID, "bid_id": bid.ID, "deposit": deposit,
		}); err != nil {
			return err
		}
		s.refreshSnapshot(ctx, bid.UserID, newTotal, w.AvailableBalance, newLocked)
		return nil
	})
}

// PlaceBid creates the bid row and locks its deposit in one database
// transaction, so a failed lock rolls the bid back with it and the two can
// never diverge.
func (s *LedgerService) PlaceBid(ctx context.Context, userID, vehicleID string, maxBidAmount decimal.Decimal) (*model.Bid, error) {
	if maxBidAmount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	var bid *model.Bid
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		bid = &model.Bid{
			UserID:       userID,
			VehicleID:    vehicleID,
			MaxBidAmount: maxBidAmount,
			Status:       model.BidStatusPending,
		}
		if err := s.repo.CreateBid(ctx, tx, bid); err != nil {
			return err
		}
		if err := s.lockDeposit(ctx, tx, userID, bid.ID, maxBidAmount); err != nil {
			return err
		}
		return s.appendOutbox(ctx, tx, "Bid", bid.ID, model.EventBidPlaced, map[string]interface{}{
			"user_id": userID, "vehicle_id": vehicleID, "max_bid_amount": maxBidAmount,
		})
	})
	if err != nil {
		return nil, err
	}
	// re-read so deposit fields set by lockDeposit are reflected
	bid.DepositAmount = s.RequiredDeposit(maxBidAmount)
	bid.DepositLocked = true
	return bid, nil
}

// ResolveBid records the auction outcome. Lost and outbid bids get their
// deposit back; a won bid keeps its lock for the payment-settlement workflow
// (or a later forfeit).
func (s *LedgerService) ResolveBid(ctx context.Context, bidID, status string) error {
	switch status {
	case model.BidStatusWon, model.BidStatusLost, model.BidStatusOutbid:
	default:
		return fmt.Errorf("unknown bid status %q", status)
	}
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repo.GetBidForUpdate(ctx, tx, bidID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBidNotFound
			}
			return err
		}
		return s.repo.UpdateBid(ctx, tx, bidID, map[string]interface{}{"status": status})
	})
	if err != nil {
		return err
	}
	if status == model.BidStatusLost || status == model.BidStatusOutbid {
		return s.UnlockDeposit(ctx, bidID)
	}
	return nil
}

// GetHistory fetches the user's most recent wallet transactions.
func (s *LedgerService) GetHistory(ctx context.Context, userID string, limit int) ([]model.WalletTransaction, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListTransactions(ctx, userID, limit)
}

// Repo exposes underlying repository (unit tests helper).
func (s *LedgerService) Repo() repo.RepositoryInterface {
	return s.repo
}

func snapshotOf(w *model.Wallet) model.BalanceSnapshot {
	return model.BalanceSnapshot{
		Total:     w.TotalBalance,
		Available: w.AvailableBalance,
		Locked:    w.LockedBalance,
	}
}

func (s *LedgerService) refreshSnapshot(ctx context.Context, userID string, total, available, locked decimal.Decimal) {
	snap := model.BalanceSnapshot{Total: total, Available: available, Locked: locked}
	if err := s.repo.CacheSnapshot(ctx, userID, snap); err != nil {
		s.log.Warnw("cache snapshot", "user_id", userID, "err", err)
	}
}

func (s *LedgerService) appendOutbox(ctx context.Context, tx *gorm.DB, aggregate, aggregateID, eventType string, payload map[string]interface{}) error {
	data, _ := json.Marshal(payload)
	evt := &model.OutboxEvent{
		Aggregate:   aggregate,
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     string(data),
	}
	return s.repo.CreateOutboxEvent(ctx, tx, evt)
}
