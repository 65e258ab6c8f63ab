// Package treasury specifies the role-gated treasury vault and its companion
// time-delay queue as consumed by the authorization core. The vault itself is
// an external collaborator; this package carries the interface, the operation
// state model and the guard checks, not fund movement.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Role orders treasury actors by spending authority.
type Role uint8

const (
	// RoleNone has no treasury authority.
	RoleNone Role = iota
	// RoleOperator may move funds up to the operator limit.
	RoleOperator
	// RoleManager may move funds up to the manager limit.
	RoleManager
	// RoleDirector is unbounded.
	RoleDirector
)

// String returns the lowercase role name.
func (r Role) String() string {
	switch r {
	case RoleOperator:
		return "operator"
	case RoleManager:
		return "manager"
	case RoleDirector:
		return "director"
	}
	return "none"
}

var (
	// ErrAmountExceedsRoleLimit rejects transfers above the caller's role cap.
	ErrAmountExceedsRoleLimit = errors.New("treasury: amount exceeds role limit")
	// ErrTargetNotWhitelisted rejects transfers to unknown targets.
	ErrTargetNotWhitelisted = errors.New("treasury: target not whitelisted")
	// ErrReserveViolation rejects transfers that would breach the per-token
	// reserve requirement.
	ErrReserveViolation = errors.New("treasury: reserve requirement violated")
	// ErrBelowTimelockThreshold rejects scheduling operations whose USD
	// amount is under the timelock threshold.
	ErrBelowTimelockThreshold = errors.New("treasury: amount below timelock threshold")
	// ErrOperationNotPending is returned for execute/cancel on a
	// non-pending operation.
	ErrOperationNotPending = errors.New("treasury: operation not pending")
	// ErrDelayNotElapsed is returned when execute is attempted before the
	// minimum delay has passed.
	ErrDelayNotElapsed = errors.New("treasury: minimum delay not elapsed")
	// ErrInvalidLimits rejects limit configurations that are not monotonic.
	ErrInvalidLimits = errors.New("treasury: operator limit must not exceed manager limit")
)

// Limits carries the monotonic USD role caps. The director role is
// unbounded.
type Limits struct {
	OperatorLimitUSD *big.Int
	ManagerLimitUSD  *big.Int
}

// Validate checks the monotonicity requirement operator ≤ manager.
func (l Limits) Validate() error {
	if l.OperatorLimitUSD == nil || l.ManagerLimitUSD == nil {
		return fmt.Errorf("treasury: limits required")
	}
	if l.OperatorLimitUSD.Cmp(l.ManagerLimitUSD) > 0 {
		return ErrInvalidLimits
	}
	return nil
}

// CheckRoleAmount validates a USD amount against the caller's role cap.
func CheckRoleAmount(role Role, usdAmount *big.Int, limits Limits) error {
	if usdAmount == nil || usdAmount.Sign() < 0 {
		return fmt.Errorf("treasury: amount required")
	}
	switch role {
	case RoleDirector:
		return nil
	case RoleManager:
		if limits.ManagerLimitUSD != nil && usdAmount.Cmp(limits.ManagerLimitUSD) > 0 {
			return ErrAmountExceedsRoleLimit
		}
		return nil
	case RoleOperator:
		if limits.OperatorLimitUSD != nil && usdAmount.Cmp(limits.OperatorLimitUSD) > 0 {
			return ErrAmountExceedsRoleLimit
		}
		return nil
	}
	return ErrAmountExceedsRoleLimit
}

// CheckReserve validates balance_after_transfer ≥ reserve for a token.
func CheckReserve(balanceAfter, reserve *big.Int) error {
	if reserve == nil || reserve.Sign() == 0 {
		return nil
	}
	if balanceAfter == nil || balanceAfter.Cmp(reserve) < 0 {
		return ErrReserveViolation
	}
	return nil
}

// Vault is the role/whitelist/reserve guard the core consults before routing
// treasury movements. Implementations live outside this repository.
type Vault interface {
	RoleOf(ctx context.Context, actor common.Address) (Role, error)
	Limits(ctx context.Context) (Limits, error)
	IsWhitelisted(ctx context.Context, target common.Address) (bool, error)
	ReserveRequirement(ctx context.Context, token common.Address) (*big.Int, error)
	Balance(ctx context.Context, token common.Address) (*big.Int, error)
}

// OperationState tracks a queued treasury operation through its lifecycle.
type OperationState uint8

const (
	// StateUnset is the zero state of an unknown operation id.
	StateUnset OperationState = iota
	// StatePending marks a scheduled, not yet executable operation.
	StatePending
	// StateReady marks a pending operation whose delay has elapsed.
	StateReady
	// StateExecuted is terminal.
	StateExecuted
	// StateCancelled is terminal.
	StateCancelled
)

// String returns the lowercase state name.
func (s OperationState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateExecuted:
		return "executed"
	case StateCancelled:
		return "cancelled"
	}
	return "unset"
}

// Operation is one scheduled treasury movement awaiting its delay.
type Operation struct {
	ID          common.Hash
	To          common.Address
	Value       *big.Int
	Data        []byte
	USDAmount   *big.Int
	Salt        [32]byte
	ScheduledAt time.Time
	State       OperationState
}

// StateAt derives the effective state at the supplied time: a pending
// operation becomes ready once scheduled_at + minDelay has elapsed.
func (o *Operation) StateAt(now time.Time, minDelay time.Duration) OperationState {
	if o == nil {
		return StateUnset
	}
	if o.State == StatePending && !now.Before(o.ScheduledAt.Add(minDelay)) {
		return StateReady
	}
	return o.State
}

// OperationID derives the deterministic identifier of a scheduled operation.
func OperationID(to common.Address, value *big.Int, data []byte, salt [32]byte) common.Hash {
	buf := make([]byte, 0, 20+32+len(data)+32)
	buf = append(buf, to.Bytes()...)
	if value != nil {
		buf = append(buf, common.LeftPadBytes(value.Bytes(), 32)...)
	} else {
		buf = append(buf, make([]byte, 32)...)
	}
	buf = append(buf, data...)
	buf = append(buf, salt[:]...)
	return crypto.Keccak256Hash(buf)
}

// Timelock is the companion delay queue. Scheduling below the configured USD
// threshold fails; execution requires the minimum delay; cancellation is
// permitted while pending by the canceller role.
type Timelock interface {
	Schedule(ctx context.Context, to common.Address, value *big.Int, data []byte, usdAmount *big.Int, salt [32]byte) (common.Hash, error)
	Execute(ctx context.Context, id common.Hash) error
	Cancel(ctx context.Context, id common.Hash) error
	Operation(ctx context.Context, id common.Hash) (Operation, error)
	MinDelay(ctx context.Context) (time.Duration, error)
}

// ValidateSchedule applies the schedule-time guard shared by timelock
// implementations: the USD amount must meet the threshold.
func ValidateSchedule(usdAmount, threshold *big.Int) error {
	if usdAmount == nil {
		return fmt.Errorf("treasury: usd amount required")
	}
	if threshold != nil && usdAmount.Cmp(threshold) < 0 {
		return ErrBelowTimelockThreshold
	}
	return nil
}

// ValidateTransition checks a requested timelock transition against the
// effective state.
func ValidateTransition(effective OperationState, requested OperationState) error {
	switch requested {
	case StateExecuted:
		if effective != StateReady {
			if effective == StatePending {
				return ErrDelayNotElapsed
			}
			return ErrOperationNotPending
		}
	case StateCancelled:
		if effective != StatePending && effective != StateReady {
			return ErrOperationNotPending
		}
	default:
		return fmt.Errorf("treasury: unsupported transition to %s", requested)
	}
	return nil
}
