package pusher

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"spendguard/native/acquired"
)

var testSub = common.HexToAddress("0x5151515151515151515151515151515151515151")

func usd(n int64) *big.Int {
	scaled := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return scaled.Mul(scaled, big.NewInt(n))
}

type fakeSubstrate struct {
	mu sync.Mutex

	safeValue     *big.Int
	safeValueTime time.Time
	allowance     *big.Int
	balances      map[string]*big.Int

	submitted []BatchUpdate
	confirm   func(subs []Submission) []Submission
	waitErr   error
}

func (f *fakeSubstrate) SafeValue(context.Context) (*big.Int, time.Time, error) {
	return new(big.Int).Set(f.safeValue), f.safeValueTime, nil
}

func (f *fakeSubstrate) SpendingAllowance(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int).Set(f.allowance), nil
}

func (f *fakeSubstrate) AcquiredBalances(context.Context, common.Address) (map[string]*big.Int, error) {
	out := make(map[string]*big.Int, len(f.balances))
	for token, balance := range f.balances {
		out[token] = new(big.Int).Set(balance)
	}
	return out, nil
}

func (f *fakeSubstrate) SubmitBatchUpdate(_ context.Context, update BatchUpdate) (Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, update)
	return Submission{ID: update.ID, Sequence: update.Sequence, SubAccount: update.SubAccount}, nil
}

func (f *fakeSubstrate) WaitForSubmissions(_ context.Context, subs []Submission) ([]Submission, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	if f.confirm != nil {
		return f.confirm(subs), nil
	}
	return subs, nil
}

type fakeStateStore struct {
	timestamps map[string]time.Time
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{timestamps: make(map[string]time.Time)}
}

func (f *fakeStateStore) PushTimestamp(_ context.Context, module, sub string) (time.Time, bool, error) {
	ts, ok := f.timestamps[module+"/"+sub]
	return ts, ok, nil
}

func (f *fakeStateStore) SetPushTimestamp(_ context.Context, module, sub string, confirmedAt time.Time) error {
	f.timestamps[module+"/"+sub] = confirmedAt
	return nil
}

func newTestPusher(t *testing.T, substrate *fakeSubstrate, store *fakeStateStore, now time.Time) *Pusher {
	t.Helper()
	p, err := New(substrate, store, Config{
		Module:                 "defi",
		MaxSpendingBps:         1000,
		AbsoluteMaxSpendingBps: 2000,
		IncreaseThresholdBps:   200,
		MaxStaleness:           45 * time.Minute,
		MaxSafeValueAge:        time.Hour,
	}, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return p
}

func stateWith(spending *big.Int, balances map[string]*big.Int) *acquired.SubAccountState {
	return &acquired.SubAccountState{
		SubAccount:            testSub,
		TotalSpendingInWindow: spending,
		AcquiredBalances:      balances,
	}
}

func TestComputeAllowance(t *testing.T) {
	allowance := ComputeAllowance(usd(1_000_000), 1000, usd(30_000))
	require.Zero(t, allowance.Cmp(usd(70_000)))

	floored := ComputeAllowance(usd(1000), 1000, usd(500))
	require.Zero(t, floored.Sign(), "allowance never goes negative")
}

func TestAbsoluteCeilingRejected(t *testing.T) {
	err := CheckCeiling(usd(1_000_000), usd(250_000), 2000)
	var ceilingErr *ExceedsAbsoluteMaxSpendingError
	require.ErrorAs(t, err, &ceilingErr)
	require.Zero(t, ceilingErr.Requested.Cmp(usd(250_000)))
	require.Zero(t, ceilingErr.Maximum.Cmp(usd(200_000)))

	require.NoError(t, CheckCeiling(usd(1_000_000), usd(200_000), 2000))
}

func TestPlanSkipsWhenNothingChanged(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	substrate := &fakeSubstrate{
		safeValue:     usd(1_000_000),
		safeValueTime: now,
		allowance:     usd(100_000),
		balances:      map[string]*big.Int{"0xusdc": usd(50)},
	}
	store := newFakeStateStore()
	store.timestamps["defi/"+testSub.Hex()] = now.Add(-10 * time.Minute)
	p := newTestPusher(t, substrate, store, now)

	planned, err := p.Plan(context.Background(), testSub, stateWith(big.NewInt(0), map[string]*big.Int{"0xusdc": usd(50)}))
	require.NoError(t, err)
	require.Nil(t, planned, "matching state within threshold and freshness is skipped")
}

func TestPlanDetectsBalanceDrift(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	substrate := &fakeSubstrate{
		safeValue:     usd(1_000_000),
		safeValueTime: now,
		allowance:     usd(100_000),
		balances:      map[string]*big.Int{"0xusdc": usd(50)},
	}
	p := newTestPusher(t, substrate, newFakeStateStore(), now)

	planned, err := p.Plan(context.Background(), testSub, stateWith(big.NewInt(0), map[string]*big.Int{"0xusdc": usd(75)}))
	require.NoError(t, err)
	require.NotNil(t, planned)
	require.Equal(t, "drift", planned.Reason)
}

func TestPlanAlwaysPushesDecreases(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	substrate := &fakeSubstrate{
		safeValue:     usd(1_000_000),
		safeValueTime: now,
		allowance:     usd(100_000),
	}
	store := newFakeStateStore()
	store.timestamps["defi/"+testSub.Hex()] = now.Add(-time.Minute)
	p := newTestPusher(t, substrate, store, now)

	// Rolling spend of 10k drops the allowance below the on-chain value.
	planned, err := p.Plan(context.Background(), testSub, stateWith(usd(10_000), nil))
	require.NoError(t, err)
	require.NotNil(t, planned)
	require.Equal(t, "decrease", planned.Reason)
	require.Zero(t, planned.Allowance.Cmp(usd(90_000)))
}

func TestPlanIncreaseThreshold(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := newFakeStateStore()
	store.timestamps["defi/"+testSub.Hex()] = now.Add(-time.Minute)

	// About 1.4% above on-chain: inside the 2% threshold, skipped.
	substrate := &fakeSubstrate{
		safeValue:     usd(1_000_000),
		safeValueTime: now,
		allowance:     usd(98_600),
	}
	p := newTestPusher(t, substrate, store, now)
	planned, err := p.Plan(context.Background(), testSub, stateWith(big.NewInt(0), nil))
	require.NoError(t, err)
	require.Nil(t, planned)

	// 4% above on-chain: beyond the threshold, pushed.
	substrate.allowance = usd(96_000)
	planned, err = p.Plan(context.Background(), testSub, stateWith(big.NewInt(0), nil))
	require.NoError(t, err)
	require.NotNil(t, planned)
	require.Equal(t, "increase", planned.Reason)
}

func TestPlanIncreaseFromZeroIsSignificant(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	substrate := &fakeSubstrate{
		safeValue:     usd(1_000_000),
		safeValueTime: now,
		allowance:     big.NewInt(0),
	}
	p := newTestPusher(t, substrate, newFakeStateStore(), now)

	planned, err := p.Plan(context.Background(), testSub, stateWith(big.NewInt(0), nil))
	require.NoError(t, err)
	require.NotNil(t, planned)
	require.Equal(t, "increase", planned.Reason)
}

func TestPlanStaleness(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	substrate := &fakeSubstrate{
		safeValue:     usd(1_000_000),
		safeValueTime: now,
		allowance:     usd(100_000),
	}
	store := newFakeStateStore()
	store.timestamps["defi/"+testSub.Hex()] = now.Add(-46 * time.Minute)
	p := newTestPusher(t, substrate, store, now)

	planned, err := p.Plan(context.Background(), testSub, stateWith(big.NewInt(0), nil))
	require.NoError(t, err)
	require.NotNil(t, planned)
	require.Equal(t, "stale", planned.Reason)
}

func TestPlanClearsStaleOnChainTokens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	substrate := &fakeSubstrate{
		safeValue:     usd(1_000_000),
		safeValueTime: now,
		allowance:     usd(100_000),
		balances:      map[string]*big.Int{"0xstale": usd(10)},
	}
	p := newTestPusher(t, substrate, newFakeStateStore(), now)

	planned, err := p.Plan(context.Background(), testSub, stateWith(big.NewInt(0), map[string]*big.Int{"0xusdc": usd(50)}))
	require.NoError(t, err)
	require.NotNil(t, planned)
	require.Equal(t, []string{"0xstale", "0xusdc"}, planned.Tokens)
	require.Zero(t, planned.Balances[0].Sign(), "stale token must be cleared to zero")
	require.Zero(t, planned.Balances[1].Cmp(usd(50)))
}

func TestPlanRejectsStaleSafeValue(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	substrate := &fakeSubstrate{
		safeValue:     usd(1_000_000),
		safeValueTime: now.Add(-2 * time.Hour),
		allowance:     usd(100_000),
	}
	p := newTestPusher(t, substrate, newFakeStateStore(), now)

	_, err := p.Plan(context.Background(), testSub, stateWith(big.NewInt(0), nil))
	require.ErrorIs(t, err, ErrStalePortfolioValue)
}

func TestPushSequencesAndRecordsOnConfirm(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	substrate := &fakeSubstrate{safeValue: usd(1_000_000), safeValueTime: now, allowance: big.NewInt(0)}
	store := newFakeStateStore()
	p := newTestPusher(t, substrate, store, now)

	other := common.HexToAddress("0x6262626262626262626262626262626262626262")
	updates := []*PlannedUpdate{
		{SubAccount: testSub, Allowance: usd(1), Reason: "increase"},
		{SubAccount: other, Allowance: usd(2), Reason: "drift"},
	}
	require.NoError(t, p.Push(context.Background(), updates))

	require.Len(t, substrate.submitted, 2)
	require.Equal(t, uint64(0), substrate.submitted[0].Sequence)
	require.Equal(t, uint64(1), substrate.submitted[1].Sequence)

	_, ok, err := store.PushTimestamp(context.Background(), "defi", testSub.Hex())
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = store.PushTimestamp(context.Background(), "defi", other.Hex())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPushLeavesTimestampOnWaitFailure(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	substrate := &fakeSubstrate{safeValue: usd(1_000_000), safeValueTime: now, allowance: big.NewInt(0)}
	substrate.waitErr = errors.New("confirmation lost")
	store := newFakeStateStore()
	p := newTestPusher(t, substrate, store, now)

	err := p.Push(context.Background(), []*PlannedUpdate{{SubAccount: testSub, Allowance: usd(1), Reason: "increase"}})
	require.Error(t, err)

	_, ok, storeErr := store.PushTimestamp(context.Background(), "defi", testSub.Hex())
	require.NoError(t, storeErr)
	require.False(t, ok, "unconfirmed submissions must not advance the timestamp")
}

func TestPushPartialConfirmation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	substrate := &fakeSubstrate{safeValue: usd(1_000_000), safeValueTime: now, allowance: big.NewInt(0)}
	substrate.confirm = func(subs []Submission) []Submission {
		return subs[:1]
	}
	store := newFakeStateStore()
	p := newTestPusher(t, substrate, store, now)

	other := common.HexToAddress("0x6262626262626262626262626262626262626262")
	require.NoError(t, p.Push(context.Background(), []*PlannedUpdate{
		{SubAccount: testSub, Allowance: usd(1), Reason: "increase"},
		{SubAccount: other, Allowance: usd(2), Reason: "drift"},
	}))

	_, ok, err := store.PushTimestamp(context.Background(), "defi", testSub.Hex())
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = store.PushTimestamp(context.Background(), "defi", other.Hex())
	require.NoError(t, err)
	require.False(t, ok, "the unconfirmed sub-account retries next cycle")
}
