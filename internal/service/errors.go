package service

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrWalletNotFound means a mutation targeted a user with no wallet. Wallets
// are provisioned at registration, so this is an upstream bug, not a
// recoverable condition.
var ErrWalletNotFound = errors.New("wallet not found")

// ErrInvalidAmount means a non-positive amount was passed.
var ErrInvalidAmount = errors.New("amount must be positive")

// ErrBidNotFound means the referenced bid row does not exist.
var ErrBidNotFound = errors.New("bid not found")

// ErrBidOwnerMismatch means the bid belongs to a different user than the one
// the caller supplied.
var ErrBidOwnerMismatch = errors.New("bid does not belong to user")

// ErrDepositLocked means LockDeposit was called for a bid whose deposit is
// already reserved. Locking twice without an intervening unlock is rejected
// rather than treated as a no-op, so the caller learns its bid lifecycle is
// out of step.
var ErrDepositLocked = errors.New("deposit already locked for bid")

// ErrInsufficientBalance is the sentinel matched by errors.Is for
// InsufficientBalanceError.
var ErrInsufficientBalance = errors.New("insufficient balance")

// InsufficientBalanceError reports how short the available balance fell, so
// the caller can prompt the user to fund the difference.
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: need %s, have %s", e.Required, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}
