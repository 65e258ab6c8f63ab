package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"spendguard/services/guardiand/storage"
)

var (
	authorizerAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	interactorAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	subAddr        = common.HexToAddress("0x5151515151515151515151515151515151515151")
	tokenAddr      = common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	recipientAddr  = common.HexToAddress("0x9999999999999999999999999999999999999999")
)

type fakeChain struct {
	headers map[uint64]*gethtypes.Header
	logs    []gethtypes.Log
	head    uint64

	headerCalls int
	filterCalls int
	failFilter  error
}

func newFakeChain(head uint64) *fakeChain {
	chain := &fakeChain{headers: make(map[uint64]*gethtypes.Header), head: head}
	for h := uint64(0); h <= head; h++ {
		chain.setHeader(h, 0)
	}
	return chain
}

func (f *fakeChain) setHeader(height uint64, fork byte) {
	f.headers[height] = &gethtypes.Header{
		Number:     new(big.Int).SetUint64(height),
		Time:       1_000_000 + height,
		Difficulty: big.NewInt(1),
		Extra:      []byte{fork},
	}
}

func (f *fakeChain) HeaderByNumber(_ context.Context, number *big.Int) (*gethtypes.Header, error) {
	f.headerCalls++
	if number == nil {
		return f.headers[f.head], nil
	}
	header, ok := f.headers[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return header, nil
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	f.filterCalls++
	if f.failFilter != nil {
		return nil, f.failFilter
	}
	from := q.FromBlock.Uint64()
	to := q.ToBlock.Uint64()
	var out []gethtypes.Log
	for _, logEntry := range f.logs {
		if logEntry.BlockNumber >= from && logEntry.BlockNumber <= to {
			out = append(out, logEntry)
		}
	}
	return out, nil
}

func (f *fakeChain) addTransferLog(t *testing.T, d *eventDecoder, height uint64, txByte byte, amount int64) {
	t.Helper()
	data, err := d.abi.Events["TransferExecuted"].Inputs.NonIndexed().Pack(big.NewInt(amount), big.NewInt(amount))
	require.NoError(t, err)
	f.logs = append(f.logs, gethtypes.Log{
		Address: interactorAddr,
		Topics: []common.Hash{
			d.transferExecutedID,
			common.BytesToHash(subAddr.Bytes()),
			common.BytesToHash(tokenAddr.Bytes()),
			common.BytesToHash(recipientAddr.Bytes()),
		},
		Data:        data,
		BlockNumber: height,
		BlockHash:   f.headers[height].Hash(),
		TxHash:      common.Hash{txByte},
		Index:       0,
	})
}

func newTestIndexer(t *testing.T, chain *fakeChain, confirmations, maxBlocks uint64) (*Indexer, *storage.Storage) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "indexer.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ring, err := NewRing([]Endpoint{{Name: "primary", Client: chain}}, 3, nil)
	require.NoError(t, err)

	ix, err := New(ring, store, Config{
		Authorizer:         authorizerAddr,
		Interactor:         interactorAddr,
		ConfirmationBlocks: confirmations,
		MaxBlocksPerQuery:  maxBlocks,
		RequestsPerSecond:  10_000,
	})
	require.NoError(t, err)
	return ix, store
}

func TestSyncIngestsFinalizedRange(t *testing.T) {
	chain := newFakeChain(110)
	ix, store := newTestIndexer(t, chain, 10, 1000)
	chain.addTransferLog(t, ix.decoder, 50, 1, 100)
	chain.addTransferLog(t, ix.decoder, 90, 2, 200)
	// Beyond the finalized tip: must not be ingested.
	chain.addTransferLog(t, ix.decoder, 105, 3, 300)

	require.NoError(t, ix.Sync(context.Background()))

	cursor, ok, err := store.LastProcessedBlock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), cursor, "tip = head − confirmation depth")

	events, err := store.EventsForSub(context.Background(), subAddr.Hex(), 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestSyncChunksRange(t *testing.T) {
	chain := newFakeChain(60)
	ix, store := newTestIndexer(t, chain, 10, 10)

	require.NoError(t, ix.Sync(context.Background()))

	cursor, _, err := store.LastProcessedBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(50), cursor)
	require.Equal(t, 6, chain.filterCalls, "51 blocks at 10 per query")
}

func TestSyncIsIdempotent(t *testing.T) {
	chain := newFakeChain(110)
	ix, store := newTestIndexer(t, chain, 10, 1000)
	chain.addTransferLog(t, ix.decoder, 50, 1, 100)

	require.NoError(t, ix.Sync(context.Background()))
	chain.head = 120
	chain.setHeader(111, 0)
	for h := uint64(112); h <= 120; h++ {
		chain.setHeader(h, 0)
	}
	require.NoError(t, ix.Sync(context.Background()))

	events, err := store.EventsForSub(context.Background(), subAddr.Hex(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1, "a second sync must not duplicate ingested events")
}

func TestReorgRewindsAndReingests(t *testing.T) {
	chain := newFakeChain(110)
	ix, store := newTestIndexer(t, chain, 2, 1000)
	chain.addTransferLog(t, ix.decoder, 100, 1, 100)
	chain.addTransferLog(t, ix.decoder, 104, 2, 200)

	require.NoError(t, ix.Sync(context.Background()))
	cursor, _, err := store.LastProcessedBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(108), cursor)

	// The chain reorganises at height 104: the cached hash no longer
	// matches, so the first sync pass rewinds without advancing.
	chain.setHeader(104, 1)
	for h := uint64(105); h <= 110; h++ {
		chain.setHeader(h, 1)
	}
	chain.logs = chain.logs[:1]
	chain.addTransferLog(t, ix.decoder, 104, 3, 250)

	require.NoError(t, ix.Sync(context.Background()))
	cursor, _, err = store.LastProcessedBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(103), cursor, "cursor must rewind to h−1")

	events, err := store.EventsForSub(context.Background(), subAddr.Hex(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1, "events at or above the reorg height are discarded")

	// The following cycle re-ingests from the canonical chain.
	require.NoError(t, ix.Sync(context.Background()))
	events, err = store.EventsForSub(context.Background(), subAddr.Hex(), 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	decoded, err := storage.DecodeEvent(events[1])
	require.NoError(t, err)
	require.Zero(t, decoded.Amount.Cmp(big.NewInt(250)), "canonical replacement event wins")
}

func TestRingRotatesAfterRepeatedFailures(t *testing.T) {
	failing := newFakeChain(110)
	failing.failFilter = errors.New("rpc unavailable")
	healthy := newFakeChain(110)
	healthy.setHeader(50, 0)

	rotations := 0
	ring, err := NewRing([]Endpoint{
		{Name: "primary", Client: failing},
		{Name: "fallback", Client: healthy},
	}, 3, func() { rotations++ })
	require.NoError(t, err)

	var logs []gethtypes.Log
	err = ring.Do(context.Background(), func(c Client) error {
		fetched, err := c.FilterLogs(context.Background(), ethereum.FilterQuery{
			FromBlock: big.NewInt(0),
			ToBlock:   big.NewInt(10),
		})
		if err != nil {
			return err
		}
		logs = fetched
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, logs)
	require.Equal(t, 1, rotations)
	require.Equal(t, 3, failing.filterCalls, "primary gets max_failures attempts")
	require.Equal(t, "fallback", ring.Current().Name)
}

type fakeGraph struct {
	records []storage.EventRecord
	err     error
	calls   int
}

func (g *fakeGraph) Events(_ context.Context, fromBlock, toBlock uint64) ([]storage.EventRecord, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	var out []storage.EventRecord
	for _, rec := range g.records {
		if rec.BlockNumber >= fromBlock && rec.BlockNumber <= toBlock {
			out = append(out, rec)
		}
	}
	return out, nil
}

func TestGraphSourcePreferredOverLogs(t *testing.T) {
	chain := newFakeChain(110)
	ix, store := newTestIndexer(t, chain, 10, 1000)

	graph := &fakeGraph{records: []storage.EventRecord{{
		TxHash:      fmt.Sprintf("0x%064d", 7),
		LogIndex:    0,
		BlockNumber: 42,
		BlockHash:   chain.headers[42].Hash().Hex(),
		Timestamp:   1_000_042,
		Kind:        storage.KindTransfer,
		SubAccount:  subAddr.Hex(),
		Payload:     []byte(`{"token":"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48","recipient":"0x9999999999999999999999999999999999999999","amount":"5","spending_cost":"5"}`),
	}}}
	ix.graph = graph

	require.NoError(t, ix.Sync(context.Background()))
	require.Equal(t, 1, graph.calls)
	require.Equal(t, 0, chain.filterCalls, "logs fallback must stay idle while the indexer answers")

	events, err := store.EventsForSub(context.Background(), subAddr.Hex(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestGraphFailureFallsBackToLogs(t *testing.T) {
	chain := newFakeChain(110)
	ix, store := newTestIndexer(t, chain, 10, 1000)
	chain.addTransferLog(t, ix.decoder, 50, 1, 100)
	ix.graph = &fakeGraph{err: errors.New("indexer down")}

	require.NoError(t, ix.Sync(context.Background()))
	require.Positive(t, chain.filterCalls)

	events, err := store.EventsForSub(context.Background(), subAddr.Hex(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
}
