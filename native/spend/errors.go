package spend

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrZeroAmount is returned when an authorization names a zero amount.
	ErrZeroAmount = errors.New("spend: amount must be positive")
	// ErrInvalidDailyLimit rejects registrations with a zero daily limit.
	ErrInvalidDailyLimit = errors.New("spend: daily limit must be positive")
	// ErrInvalidTransferType rejects transfer types above the bitmap width.
	ErrInvalidTransferType = errors.New("spend: transfer type out of range")
	// ErrInvalidAddress rejects the null address.
	ErrInvalidAddress = errors.New("spend: invalid address")
	// ErrCannotRegisterCoreAddress rejects registering the avatar or the
	// owner as a sub-account.
	ErrCannotRegisterCoreAddress = errors.New("spend: cannot register core address")
	// ErrEOAAlreadyRegistered rejects double registration of a live EOA.
	ErrEOAAlreadyRegistered = errors.New("spend: eoa already registered")
	// ErrEOANotRegistered is returned when the caller is not a live EOA.
	ErrEOANotRegistered = errors.New("spend: eoa not registered")
	// ErrTooManySpendRecords is returned when the live record window is full.
	ErrTooManySpendRecords = errors.New("spend: too many spend records")
	// ErrNotOwner guards owner-only operations.
	ErrNotOwner = errors.New("spend: caller is not the owner")
	// ErrPaused is returned while the authorizer is paused.
	ErrPaused = errors.New("spend: authorizer paused")
	// ErrInvalidRecordAmount is returned when an amount does not fit the
	// packed 128-bit representation.
	ErrInvalidRecordAmount = errors.New("spend: amount exceeds record width")
)

// TransferTypeNotAllowedError reports an authorization whose transfer type is
// absent from the EOA's bitmap.
type TransferTypeNotAllowedError struct {
	Type TransferType
}

// Error satisfies the error interface.
func (e *TransferTypeNotAllowedError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("spend: transfer type %d not allowed", e.Type)
}

// DailyLimitExceededError carries the requested amount alongside the remaining
// window headroom so callers can surface both to the requester.
type DailyLimitExceededError struct {
	Requested *big.Int
	Remaining *big.Int
}

// Error satisfies the error interface.
func (e *DailyLimitExceededError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("spend: daily limit exceeded: requested %s remaining %s", e.Requested, e.Remaining)
}
