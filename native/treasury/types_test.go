package treasury

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestLimitsMonotonic(t *testing.T) {
	limits := Limits{OperatorLimitUSD: big.NewInt(100), ManagerLimitUSD: big.NewInt(50)}
	if err := limits.Validate(); !errors.Is(err, ErrInvalidLimits) {
		t.Fatalf("expected monotonicity rejection, got %v", err)
	}
	limits.ManagerLimitUSD = big.NewInt(100)
	if err := limits.Validate(); err != nil {
		t.Fatalf("equal limits are valid: %v", err)
	}
}

func TestCheckRoleAmount(t *testing.T) {
	limits := Limits{OperatorLimitUSD: big.NewInt(100), ManagerLimitUSD: big.NewInt(1000)}
	if err := CheckRoleAmount(RoleNone, big.NewInt(1), limits); !errors.Is(err, ErrAmountExceedsRoleLimit) {
		t.Fatalf("role none must be rejected, got %v", err)
	}
	if err := CheckRoleAmount(RoleOperator, big.NewInt(100), limits); err != nil {
		t.Fatalf("operator at limit: %v", err)
	}
	if err := CheckRoleAmount(RoleOperator, big.NewInt(101), limits); !errors.Is(err, ErrAmountExceedsRoleLimit) {
		t.Fatalf("operator above limit, got %v", err)
	}
	if err := CheckRoleAmount(RoleManager, big.NewInt(500), limits); err != nil {
		t.Fatalf("manager within limit: %v", err)
	}
	if err := CheckRoleAmount(RoleDirector, big.NewInt(1_000_000), limits); err != nil {
		t.Fatalf("director is unbounded: %v", err)
	}
}

func TestCheckReserve(t *testing.T) {
	if err := CheckReserve(big.NewInt(99), big.NewInt(100)); !errors.Is(err, ErrReserveViolation) {
		t.Fatalf("expected reserve violation, got %v", err)
	}
	if err := CheckReserve(big.NewInt(100), big.NewInt(100)); err != nil {
		t.Fatalf("exact reserve is allowed: %v", err)
	}
	if err := CheckReserve(nil, nil); err != nil {
		t.Fatalf("zero reserve never blocks: %v", err)
	}
}

func TestOperationLifecycle(t *testing.T) {
	scheduled := time.Unix(1_700_000_000, 0)
	minDelay := time.Hour
	op := &Operation{State: StatePending, ScheduledAt: scheduled}

	if got := op.StateAt(scheduled.Add(30*time.Minute), minDelay); got != StatePending {
		t.Fatalf("expected pending before delay, got %s", got)
	}
	if err := ValidateTransition(op.StateAt(scheduled.Add(30*time.Minute), minDelay), StateExecuted); !errors.Is(err, ErrDelayNotElapsed) {
		t.Fatalf("execute before delay, got %v", err)
	}
	if got := op.StateAt(scheduled.Add(minDelay), minDelay); got != StateReady {
		t.Fatalf("expected ready at delay, got %s", got)
	}
	if err := ValidateTransition(StateReady, StateExecuted); err != nil {
		t.Fatalf("execute once ready: %v", err)
	}
	if err := ValidateTransition(StatePending, StateCancelled); err != nil {
		t.Fatalf("cancel while pending: %v", err)
	}
	if err := ValidateTransition(StateExecuted, StateCancelled); !errors.Is(err, ErrOperationNotPending) {
		t.Fatalf("cancel after execute, got %v", err)
	}
	if err := ValidateTransition(StateUnset, StateExecuted); !errors.Is(err, ErrOperationNotPending) {
		t.Fatalf("execute unset, got %v", err)
	}
}

func TestScheduleThreshold(t *testing.T) {
	if err := ValidateSchedule(big.NewInt(99), big.NewInt(100)); !errors.Is(err, ErrBelowTimelockThreshold) {
		t.Fatalf("expected threshold rejection, got %v", err)
	}
	if err := ValidateSchedule(big.NewInt(100), big.NewInt(100)); err != nil {
		t.Fatalf("threshold amount is schedulable: %v", err)
	}
}

func TestOperationIDDeterministic(t *testing.T) {
	to := common.HexToAddress("0x52")
	salt := [32]byte{1}
	first := OperationID(to, big.NewInt(5), []byte{0xde, 0xad}, salt)
	second := OperationID(to, big.NewInt(5), []byte{0xde, 0xad}, salt)
	if first != second {
		t.Fatalf("operation id must be deterministic")
	}
	other := OperationID(to, big.NewInt(5), []byte{0xde, 0xad}, [32]byte{2})
	if first == other {
		t.Fatalf("salt must differentiate operations")
	}
}
