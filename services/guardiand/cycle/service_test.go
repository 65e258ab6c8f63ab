package cycle

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"spendguard/native/acquired"
	"spendguard/services/guardiand/indexer"
	"spendguard/services/guardiand/pusher"
	"spendguard/services/guardiand/storage"
)

type staticChain struct {
	head uint64
}

func (c *staticChain) HeaderByNumber(_ context.Context, number *big.Int) (*gethtypes.Header, error) {
	height := c.head
	if number != nil {
		height = number.Uint64()
	}
	return &gethtypes.Header{
		Number:     new(big.Int).SetUint64(height),
		Time:       height,
		Difficulty: big.NewInt(1),
	}, nil
}

func (c *staticChain) FilterLogs(context.Context, ethereum.FilterQuery) ([]gethtypes.Log, error) {
	return nil, nil
}

type blockingSubstrate struct {
	mu        sync.Mutex
	submitted []pusher.BatchUpdate
	gate      chan struct{}
	now       time.Time
}

func (f *blockingSubstrate) SafeValue(context.Context) (*big.Int, time.Time, error) {
	if f.gate != nil {
		<-f.gate
	}
	value := new(big.Int).Mul(big.NewInt(1_000_000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	return value, f.now, nil
}

func (f *blockingSubstrate) SpendingAllowance(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *blockingSubstrate) AcquiredBalances(context.Context, common.Address) (map[string]*big.Int, error) {
	return nil, nil
}

func (f *blockingSubstrate) SubmitBatchUpdate(_ context.Context, update pusher.BatchUpdate) (pusher.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, update)
	return pusher.Submission{ID: update.ID, Sequence: update.Sequence, SubAccount: update.SubAccount}, nil
}

func (f *blockingSubstrate) WaitForSubmissions(_ context.Context, subs []pusher.Submission) ([]pusher.Submission, error) {
	return subs, nil
}

func (f *blockingSubstrate) submittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func newTestService(t *testing.T, substrate pusher.Substrate, now time.Time) (*Service, *storage.Storage) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "cycle.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ring, err := indexer.NewRing([]indexer.Endpoint{{Name: "static", Client: &staticChain{head: 100}}}, 3, nil)
	require.NoError(t, err)
	ix, err := indexer.New(ring, store, indexer.Config{
		ConfirmationBlocks: 10,
		RequestsPerSecond:  10_000,
	})
	require.NoError(t, err)

	push, err := pusher.New(substrate, store, pusher.Config{
		Module:          "defi",
		MaxSpendingBps:  1000,
		MaxSafeValueAge: 100 * 365 * 24 * time.Hour,
	}, pusher.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	svc, err := NewService(store, ix, nil, push, 24*time.Hour, time.Minute, time.Hour, 2,
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return svc, store
}

func seedSwap(t *testing.T, store *storage.Storage, ts uint64) {
	t.Helper()
	rec, err := storage.EncodeEvent(acquired.Event{
		Kind:         acquired.KindProtocol,
		Op:           acquired.OpSwap,
		SubAccount:   [20]byte{0x51},
		Target:       [20]byte{0x52},
		TokensIn:     []string{"0xusdc"},
		AmountsIn:    []*big.Int{big.NewInt(100)},
		TokensOut:    []string{"0xweth"},
		AmountsOut:   []*big.Int{big.NewInt(3)},
		SpendingCost: big.NewInt(100),
		Timestamp:    ts,
		BlockNumber:  50,
		LogIndex:     0,
		TxHash:       [32]byte{0x01},
	})
	require.NoError(t, err)
	_, err = store.UpsertEvent(context.Background(), rec)
	require.NoError(t, err)
}

func TestCycleRebuildsAndPushes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	substrate := &blockingSubstrate{now: now}
	svc, store := newTestService(t, substrate, now)
	seedSwap(t, store, uint64(now.Unix())-3600)

	require.NoError(t, svc.TriggerCycle(context.Background()))
	require.Equal(t, 1, substrate.submittedCount())

	// Allowance reflects the in-window spending cost against the budget.
	update := substrate.submitted[0]
	budget := new(big.Int).Mul(big.NewInt(100_000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	expected := new(big.Int).Sub(budget, big.NewInt(100))
	require.Zero(t, update.NewAllowance.Cmp(expected))

	status := svc.Status(context.Background())
	require.Equal(t, now, status.LastRun)
	require.Empty(t, status.LastError)
}

func TestTriggeredRefreshDroppedWhileBusy(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	substrate := &blockingSubstrate{now: now, gate: make(chan struct{})}
	svc, store := newTestService(t, substrate, now)
	seedSwap(t, store, uint64(now.Unix())-3600)

	done := make(chan error, 1)
	go func() {
		done <- svc.TriggerCycle(context.Background())
	}()

	// Wait until the in-flight cycle is blocked inside the substrate call,
	// then a second trigger must be dropped immediately.
	require.Eventually(t, func() bool {
		if !svc.cycleMu.TryLock() {
			return true
		}
		svc.cycleMu.Unlock()
		return false
	}, time.Second, time.Millisecond)

	require.NoError(t, svc.TriggerCycle(context.Background()))
	require.Equal(t, 0, substrate.submittedCount(), "dropped trigger must not run a cycle")

	close(substrate.gate)
	require.NoError(t, <-done)
	require.Equal(t, 1, substrate.submittedCount())
}
