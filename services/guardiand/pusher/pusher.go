package pusher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"spendguard/native/acquired"
	"spendguard/observability"
)

var (
	// ErrStalePortfolioValue is returned when the substrate's safe value is
	// older than the configured maximum age.
	ErrStalePortfolioValue = errors.New("pusher: stale portfolio value")

	basisPoints = big.NewInt(10_000)
)

// ExceedsAbsoluteMaxSpendingError reports an allowance above the hard
// ceiling derived from the safe value.
type ExceedsAbsoluteMaxSpendingError struct {
	Requested *big.Int
	Maximum   *big.Int
}

// Error satisfies the error interface.
func (e *ExceedsAbsoluteMaxSpendingError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("pusher: allowance %s exceeds absolute maximum %s", e.Requested, e.Maximum)
}

// BatchUpdate is one pipelined state submission for a sub-account.
type BatchUpdate struct {
	ID           uuid.UUID
	Sequence     uint64
	SubAccount   common.Address
	NewAllowance *big.Int
	Tokens       []string
	Balances     []*big.Int
}

// Submission identifies an in-flight batch update awaiting confirmation.
type Submission struct {
	ID         uuid.UUID
	Sequence   uint64
	SubAccount common.Address
	TxHash     common.Hash
}

// Substrate is the enforcement-substrate surface the pusher drives.
// Submissions are pipelined with contiguous sequence numbers and awaited in
// bulk; WaitForSubmissions returns the subset that confirmed.
type Substrate interface {
	SafeValue(ctx context.Context) (*big.Int, time.Time, error)
	SpendingAllowance(ctx context.Context, sub common.Address) (*big.Int, error)
	AcquiredBalances(ctx context.Context, sub common.Address) (map[string]*big.Int, error)
	SubmitBatchUpdate(ctx context.Context, update BatchUpdate) (Submission, error)
	WaitForSubmissions(ctx context.Context, submissions []Submission) ([]Submission, error)
}

// StateStore persists per-(module, sub-account) push bookkeeping.
type StateStore interface {
	PushTimestamp(ctx context.Context, module, subAccount string) (time.Time, bool, error)
	SetPushTimestamp(ctx context.Context, module, subAccount string, confirmedAt time.Time) error
}

// Config bundles the pusher policy knobs.
type Config struct {
	Module                 string
	MaxSpendingBps         uint64
	AbsoluteMaxSpendingBps uint64
	IncreaseThresholdBps   uint64
	MaxStaleness           time.Duration
	MaxSafeValueAge        time.Duration
}

// Pusher computes new allowances from rebuilt state and submits batched
// updates under the update-threshold policy.
type Pusher struct {
	substrate Substrate
	store     StateStore
	cfg       Config
	logger    *log.Logger
	metrics   *observability.GuardiandMetrics
	clock     func() time.Time

	mu       sync.Mutex
	sequence uint64
}

// Option customises the pusher.
type Option func(*Pusher)

// WithLogger installs a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Pusher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock sets the time source, enabling deterministic unit tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Pusher) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// New constructs a pusher over the substrate and push-state store.
func New(substrate Substrate, store StateStore, cfg Config, opts ...Option) (*Pusher, error) {
	if substrate == nil {
		return nil, fmt.Errorf("pusher: substrate required")
	}
	if store == nil {
		return nil, fmt.Errorf("pusher: state store required")
	}
	if cfg.Module == "" {
		cfg.Module = "defi"
	}
	if cfg.MaxSpendingBps == 0 {
		cfg.MaxSpendingBps = 1000
	}
	if cfg.AbsoluteMaxSpendingBps == 0 {
		cfg.AbsoluteMaxSpendingBps = 2000
	}
	if cfg.MaxSpendingBps > cfg.AbsoluteMaxSpendingBps {
		return nil, fmt.Errorf("pusher: max spending bps %d exceeds absolute ceiling %d", cfg.MaxSpendingBps, cfg.AbsoluteMaxSpendingBps)
	}
	if cfg.IncreaseThresholdBps == 0 {
		cfg.IncreaseThresholdBps = 200
	}
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = 2700 * time.Second
	}
	if cfg.MaxSafeValueAge <= 0 {
		cfg.MaxSafeValueAge = time.Hour
	}
	p := &Pusher{
		substrate: substrate,
		store:     store,
		cfg:       cfg,
		logger:    log.Default(),
		metrics:   observability.Guardiand(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// ComputeAllowance derives the new spending allowance:
// max(safe_value × max_bps / 10000 − rolling_spend, 0).
func ComputeAllowance(safeValue *big.Int, maxBps uint64, rollingSpend *big.Int) *big.Int {
	if safeValue == nil {
		return big.NewInt(0)
	}
	budget := new(big.Int).Mul(safeValue, new(big.Int).SetUint64(maxBps))
	budget.Quo(budget, basisPoints)
	if rollingSpend != nil {
		budget.Sub(budget, rollingSpend)
	}
	if budget.Sign() < 0 {
		return big.NewInt(0)
	}
	return budget
}

// CheckCeiling rejects allowances above safe_value × absolute_max_bps / 10000.
func CheckCeiling(safeValue, allowance *big.Int, absoluteMaxBps uint64) error {
	if safeValue == nil || allowance == nil {
		return fmt.Errorf("pusher: safe value and allowance required")
	}
	maximum := new(big.Int).Mul(safeValue, new(big.Int).SetUint64(absoluteMaxBps))
	maximum.Quo(maximum, basisPoints)
	if allowance.Cmp(maximum) > 0 {
		return &ExceedsAbsoluteMaxSpendingError{
			Requested: new(big.Int).Set(allowance),
			Maximum:   maximum,
		}
	}
	return nil
}

// PlannedUpdate is the outcome of evaluating one sub-account against the
// update policy.
type PlannedUpdate struct {
	SubAccount common.Address
	Allowance  *big.Int
	Tokens     []string
	Balances   []*big.Int
	Reason     string
}

// Plan evaluates the rebuilt state against the on-chain values and the
// update policy. A nil result with nil error means the update is skipped.
func (p *Pusher) Plan(ctx context.Context, sub common.Address, state *acquired.SubAccountState) (*PlannedUpdate, error) {
	if p == nil {
		return nil, fmt.Errorf("pusher: not configured")
	}
	if state == nil {
		return nil, fmt.Errorf("pusher: state required")
	}
	safeValue, updatedAt, err := p.substrate.SafeValue(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch safe value: %w", err)
	}
	if p.clock().Sub(updatedAt) > p.cfg.MaxSafeValueAge {
		return nil, ErrStalePortfolioValue
	}
	newAllowance := ComputeAllowance(safeValue, p.cfg.MaxSpendingBps, state.TotalSpendingInWindow)
	if err := CheckCeiling(safeValue, newAllowance, p.cfg.AbsoluteMaxSpendingBps); err != nil {
		return nil, err
	}

	onChainAllowance, err := p.substrate.SpendingAllowance(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("fetch allowance: %w", err)
	}
	onChainBalances, err := p.substrate.AcquiredBalances(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("fetch balances: %w", err)
	}

	desired := make(map[string]*big.Int, len(state.AcquiredBalances))
	for token, balance := range state.AcquiredBalances {
		desired[acquired.NormalizeToken(token)] = balance
	}
	// Stale on-chain tokens absent from the rebuild are cleared to zero.
	for token := range onChainBalances {
		key := acquired.NormalizeToken(token)
		if _, ok := desired[key]; !ok {
			desired[key] = big.NewInt(0)
		}
	}

	reason := p.updateReason(ctx, sub, newAllowance, onChainAllowance, desired, onChainBalances)
	if reason == "" {
		return nil, nil
	}

	tokens := make([]string, 0, len(desired))
	for token := range desired {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	balances := make([]*big.Int, 0, len(tokens))
	for _, token := range tokens {
		balances = append(balances, new(big.Int).Set(desired[token]))
	}
	return &PlannedUpdate{
		SubAccount: sub,
		Allowance:  newAllowance,
		Tokens:     tokens,
		Balances:   balances,
		Reason:     reason,
	}, nil
}

func (p *Pusher) updateReason(ctx context.Context, sub common.Address, newAllowance, onChainAllowance *big.Int, desired, onChain map[string]*big.Int) string {
	for token, balance := range desired {
		current := onChain[acquired.NormalizeToken(token)]
		if current == nil {
			current = big.NewInt(0)
		}
		if balance.Cmp(current) != 0 {
			return "drift"
		}
	}
	if newAllowance.Cmp(onChainAllowance) < 0 {
		return "decrease"
	}
	if newAllowance.Cmp(onChainAllowance) > 0 {
		// Any increase from zero is significant.
		if onChainAllowance.Sign() == 0 {
			return "increase"
		}
		diff := new(big.Int).Sub(newAllowance, onChainAllowance)
		diff.Mul(diff, basisPoints)
		threshold := new(big.Int).Mul(onChainAllowance, new(big.Int).SetUint64(p.cfg.IncreaseThresholdBps))
		if diff.Cmp(threshold) > 0 {
			return "increase"
		}
	}
	last, ok, err := p.store.PushTimestamp(ctx, p.cfg.Module, sub.Hex())
	if err != nil {
		p.logger.Printf("guardiand: push state read failed for %s: %v", sub.Hex(), err)
		return ""
	}
	if !ok || p.clock().Sub(last) > p.cfg.MaxStaleness {
		return "stale"
	}
	return ""
}

// Push submits the planned updates with contiguous sequence numbers without
// waiting, then awaits confirmations in bulk. Only confirmed submissions
// advance last_update_timestamp; failures are retried by the next cycle.
func (p *Pusher) Push(ctx context.Context, updates []*PlannedUpdate) error {
	if p == nil {
		return fmt.Errorf("pusher: not configured")
	}
	if len(updates) == 0 {
		return nil
	}
	submissions := make([]Submission, 0, len(updates))
	reasons := make(map[uuid.UUID]string, len(updates))
	for _, update := range updates {
		if update == nil {
			continue
		}
		batch := BatchUpdate{
			ID:           uuid.New(),
			Sequence:     p.nextSequence(),
			SubAccount:   update.SubAccount,
			NewAllowance: update.Allowance,
			Tokens:       update.Tokens,
			Balances:     update.Balances,
		}
		submission, err := p.substrate.SubmitBatchUpdate(ctx, batch)
		if err != nil {
			p.metrics.RecordPushError("submit")
			p.logger.Printf("guardiand: submit batch update for %s: %v", update.SubAccount.Hex(), err)
			continue
		}
		reasons[batch.ID] = update.Reason
		submissions = append(submissions, submission)
	}
	if len(submissions) == 0 {
		return fmt.Errorf("pusher: no submissions accepted")
	}

	confirmed, err := p.substrate.WaitForSubmissions(ctx, submissions)
	if err != nil {
		p.metrics.RecordPushError("confirm")
		return fmt.Errorf("await submissions: %w", err)
	}
	now := p.clock().UTC()
	for _, submission := range confirmed {
		if err := p.store.SetPushTimestamp(ctx, p.cfg.Module, submission.SubAccount.Hex(), now); err != nil {
			return fmt.Errorf("record push timestamp: %w", err)
		}
		p.metrics.RecordPush(reasons[submission.ID])
	}
	if len(confirmed) < len(submissions) {
		p.metrics.RecordPushError("confirm")
		p.logger.Printf("guardiand: %d of %d submissions unconfirmed, will retry next cycle", len(submissions)-len(confirmed), len(submissions))
	}
	return nil
}

func (p *Pusher) nextSequence() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq := p.sequence
	p.sequence++
	return seq
}
