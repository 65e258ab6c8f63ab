package storage

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spendguard/native/acquired"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "guardiand.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleEvent(txByte byte, block uint64, ts uint64) acquired.Event {
	return acquired.Event{
		Kind:         acquired.KindProtocol,
		Op:           acquired.OpSwap,
		SubAccount:   [20]byte{0x51},
		Target:       [20]byte{0x52},
		TokensIn:     []string{"0xaaa1"},
		AmountsIn:    []*big.Int{big.NewInt(100)},
		TokensOut:    []string{"0xbbb2"},
		AmountsOut:   []*big.Int{big.NewInt(42)},
		SpendingCost: big.NewInt(7),
		Timestamp:    ts,
		BlockNumber:  block,
		LogIndex:     3,
		TxHash:       [32]byte{txByte},
	}
}

func TestUpsertEventIdempotent(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()

	rec, err := EncodeEvent(sampleEvent(1, 100, 1000))
	require.NoError(t, err)
	rec.BlockHash = "0xdeadbeef"

	inserted, err := store.UpsertEvent(ctx, rec)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.UpsertEvent(ctx, rec)
	require.NoError(t, err)
	require.False(t, inserted, "re-ingesting the same event must be a no-op")

	events, err := store.EventsForSub(ctx, rec.SubAccount, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestEventRoundTrip(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()

	original := sampleEvent(2, 101, 2000)
	rec, err := EncodeEvent(original)
	require.NoError(t, err)
	_, err = store.UpsertEvent(ctx, rec)
	require.NoError(t, err)

	stored, err := store.EventsForSub(ctx, rec.SubAccount, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	decoded, err := DecodeEvent(stored[0])
	require.NoError(t, err)
	require.Equal(t, original.Op, decoded.Op)
	require.Equal(t, original.SubAccount, decoded.SubAccount)
	require.Equal(t, original.Target, decoded.Target)
	require.Equal(t, original.TokensIn, decoded.TokensIn)
	require.Zero(t, original.AmountsIn[0].Cmp(decoded.AmountsIn[0]))
	require.Zero(t, original.SpendingCost.Cmp(decoded.SpendingCost))
	require.Equal(t, original.Timestamp, decoded.Timestamp)
	require.Equal(t, original.BlockNumber, decoded.BlockNumber)
	require.Equal(t, original.LogIndex, decoded.LogIndex)
}

func TestDeleteEventsFromRewindsLedger(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()

	for i := byte(1); i <= 3; i++ {
		rec, err := EncodeEvent(sampleEvent(i, 100+uint64(i), 1000*uint64(i)))
		require.NoError(t, err)
		_, err = store.UpsertEvent(ctx, rec)
		require.NoError(t, err)
	}

	require.NoError(t, store.DeleteEventsFrom(ctx, 102))

	events, err := store.EventsForSub(ctx, "0x5100000000000000000000000000000000000000", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, uint64(101), events[0].BlockNumber)
}

func TestCursorRoundTrip(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()

	_, ok, err := store.LastProcessedBlock(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SetLastProcessedBlock(ctx, 1050))
	height, ok, err := store.LastProcessedBlock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1050), height)

	require.NoError(t, store.SetLastProcessedBlock(ctx, 1047))
	height, _, err = store.LastProcessedBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1047), height, "cursor must support rewind")
}

func TestPushTimestamps(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()

	_, ok, err := store.PushTimestamp(ctx, "defi", "0x51")
	require.NoError(t, err)
	require.False(t, ok)

	confirmed := time.Unix(1_700_000_000, 0)
	require.NoError(t, store.SetPushTimestamp(ctx, "defi", "0x51", confirmed))
	got, ok, err := store.PushTimestamp(ctx, "defi", "0x51")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, confirmed.UTC(), got)
}

func TestKVRoundTrip(t *testing.T) {
	store := openTestStorage(t)

	type payload struct {
		Amount string
		Count  int
	}
	require.NoError(t, store.KVPut([]byte("spend/nonce"), payload{Amount: "42", Count: 7}))

	var out payload
	ok, err := store.KVGet([]byte("spend/nonce"), &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payload{Amount: "42", Count: 7}, out)

	ok, err = store.KVGet([]byte("spend/missing"), &out)
	require.NoError(t, err)
	require.False(t, ok)
}
