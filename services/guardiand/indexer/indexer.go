package indexer

import (
	"context"
	"fmt"
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"

	"spendguard/observability"
	"spendguard/services/guardiand/storage"
)

// Config bundles the indexer tuning knobs.
type Config struct {
	Authorizer          common.Address
	Interactor          common.Address
	ConfirmationBlocks  uint64
	MaxBlocksPerQuery   uint64
	MaxBlockHashCache   int
	MaxHistoricalBlocks uint64
	RequestsPerSecond   float64
}

// Indexer produces a chronological, reorg-safe event stream from the
// enforcement substrate into the ledger store.
type Indexer struct {
	ring    *Ring
	graph   GraphSource
	store   *storage.Storage
	cfg     Config
	decoder *eventDecoder
	cache   *BlockHashCache
	limiter *rate.Limiter
	logger  *log.Logger
	metrics *observability.GuardiandMetrics
}

// Option customises the indexer.
type Option func(*Indexer)

// WithGraphSource installs the primary GraphQL path.
func WithGraphSource(source GraphSource) Option {
	return func(ix *Indexer) { ix.graph = source }
}

// WithLogger installs a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(ix *Indexer) {
		if l != nil {
			ix.logger = l
		}
	}
}

// New constructs an indexer over the endpoint ring and ledger store.
func New(ring *Ring, store *storage.Storage, cfg Config, opts ...Option) (*Indexer, error) {
	if ring == nil {
		return nil, fmt.Errorf("indexer: endpoint ring required")
	}
	if store == nil {
		return nil, fmt.Errorf("indexer: storage required")
	}
	if cfg.MaxBlocksPerQuery == 0 || cfg.MaxBlocksPerQuery > 1000 {
		cfg.MaxBlocksPerQuery = 1000
	}
	if cfg.MaxHistoricalBlocks == 0 {
		cfg.MaxHistoricalBlocks = 2_592_000
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	decoder, err := newEventDecoder()
	if err != nil {
		return nil, err
	}
	ix := &Indexer{
		ring:    ring,
		store:   store,
		cfg:     cfg,
		decoder: decoder,
		cache:   NewBlockHashCache(cfg.MaxBlockHashCache),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  log.Default(),
		metrics: observability.Guardiand(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ix)
		}
	}
	return ix, nil
}

// LastProcessedBlock exposes the persisted cursor for status reporting.
func (ix *Indexer) LastProcessedBlock(ctx context.Context) (uint64, bool, error) {
	return ix.store.LastProcessedBlock(ctx)
}

// CurrentEndpoint names the active RPC endpoint.
func (ix *Indexer) CurrentEndpoint() string {
	return ix.ring.Current().Name
}

// Sync advances the ledger to the finalized tip: it re-verifies recently
// processed block hashes, rewinding on mismatch, then ingests the missing
// range in bounded chunks. Failures leave the cursor unadvanced so the next
// cycle retries from the same point.
func (ix *Indexer) Sync(ctx context.Context) error {
	if ix == nil {
		return fmt.Errorf("indexer: not configured")
	}
	head, err := ix.headerByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("fetch head: %w", err)
	}
	headHeight := head.Number.Uint64()
	if headHeight <= ix.cfg.ConfirmationBlocks {
		return nil
	}
	tip := headHeight - ix.cfg.ConfirmationBlocks

	rewound, err := ix.verifyRecentHashes(ctx)
	if err != nil {
		return err
	}
	if rewound {
		// Re-ingest happens on the next pass, once derived state for the
		// rewound range has been discarded too.
		return nil
	}

	cursor, haveCursor, err := ix.store.LastProcessedBlock(ctx)
	if err != nil {
		return err
	}
	from := uint64(0)
	if haveCursor {
		from = cursor + 1
	}
	if tip >= ix.cfg.MaxHistoricalBlocks && from < tip-ix.cfg.MaxHistoricalBlocks {
		from = tip - ix.cfg.MaxHistoricalBlocks
	}
	if from > tip {
		return nil
	}

	for chunkStart := from; chunkStart <= tip; chunkStart += ix.cfg.MaxBlocksPerQuery {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		chunkEnd := chunkStart + ix.cfg.MaxBlocksPerQuery - 1
		if chunkEnd > tip {
			chunkEnd = tip
		}
		records, err := ix.fetchRange(ctx, chunkStart, chunkEnd)
		if err != nil {
			return err
		}
		for _, rec := range records {
			inserted, err := ix.store.UpsertEvent(ctx, rec)
			if err != nil {
				return err
			}
			if inserted {
				ix.metrics.RecordEvent(rec.Kind)
			}
			if rec.BlockHash != "" {
				ix.cache.Put(rec.BlockNumber, common.HexToHash(rec.BlockHash))
			}
		}
		endHeader, err := ix.headerByNumber(ctx, new(big.Int).SetUint64(chunkEnd))
		if err != nil {
			return fmt.Errorf("fetch chunk header %d: %w", chunkEnd, err)
		}
		ix.cache.Put(chunkEnd, endHeader.Hash())
		if err := ix.store.SetLastProcessedBlock(ctx, chunkEnd); err != nil {
			return err
		}
		ix.metrics.SetLastProcessedBlock(chunkEnd)
	}
	return nil
}

// verifyRecentHashes re-fetches the most recent 2×confirmation_depth
// processed blocks and compares their hashes against the cache. On the first
// mismatch at height h, cached hashes at or above h are dropped, events from
// those blocks are removed from the ledger and the cursor is rewound to h−1.
func (ix *Indexer) verifyRecentHashes(ctx context.Context) (bool, error) {
	cursor, ok, err := ix.store.LastProcessedBlock(ctx)
	if err != nil || !ok {
		return false, err
	}
	depth := 2 * ix.cfg.ConfirmationBlocks
	floor := uint64(0)
	if cursor > depth {
		floor = cursor - depth
	}
	for _, height := range ix.cache.HeightsFrom(floor) {
		if height > cursor {
			continue
		}
		cached, found := ix.cache.Get(height)
		if !found {
			continue
		}
		header, err := ix.headerByNumber(ctx, new(big.Int).SetUint64(height))
		if err != nil {
			return false, fmt.Errorf("verify block %d: %w", height, err)
		}
		if header.Hash() == cached {
			continue
		}
		ix.logger.Printf("guardiand: reorg detected at height %d, rewinding to %d", height, height-1)
		ix.metrics.RecordReorg()
		ix.cache.DropFrom(height)
		if err := ix.store.DeleteEventsFrom(ctx, height); err != nil {
			return false, err
		}
		if err := ix.store.SetLastProcessedBlock(ctx, height-1); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// fetchRange prefers the GraphQL indexer and falls back to direct substrate
// log queries when it fails.
func (ix *Indexer) fetchRange(ctx context.Context, fromBlock, toBlock uint64) ([]storage.EventRecord, error) {
	if ix.graph != nil {
		records, err := ix.graph.Events(ctx, fromBlock, toBlock)
		if err == nil {
			return records, nil
		}
		ix.logger.Printf("guardiand: indexer query failed for %d-%d, falling back to logs: %v", fromBlock, toBlock, err)
	}
	return ix.fetchLogs(ctx, fromBlock, toBlock)
}

func (ix *Indexer) fetchLogs(ctx context.Context, fromBlock, toBlock uint64) ([]storage.EventRecord, error) {
	if err := ix.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{ix.cfg.Authorizer, ix.cfg.Interactor},
	}
	var logs []gethtypes.Log
	err := ix.ring.Do(ctx, func(c Client) error {
		fetched, err := c.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		logs = fetched
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", fromBlock, toBlock, err)
	}

	timestamps := make(map[uint64]uint64)
	records := make([]storage.EventRecord, 0, len(logs))
	for _, logEntry := range logs {
		if logEntry.Removed {
			continue
		}
		timestamp, ok := timestamps[logEntry.BlockNumber]
		if !ok {
			header, err := ix.headerByNumber(ctx, new(big.Int).SetUint64(logEntry.BlockNumber))
			if err != nil {
				return nil, fmt.Errorf("fetch block %d: %w", logEntry.BlockNumber, err)
			}
			timestamp = header.Time
			timestamps[logEntry.BlockNumber] = timestamp
		}
		record, err := ix.decoder.Decode(logEntry, timestamp)
		if err != nil {
			// Malformed events are logged and skipped, never silently
			// ingested.
			ix.logger.Printf("guardiand: skipping malformed log tx=%s index=%d: %v", logEntry.TxHash.Hex(), logEntry.Index, err)
			continue
		}
		if record == nil {
			continue
		}
		records = append(records, *record)
	}
	return records, nil
}

func (ix *Indexer) headerByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	if err := ix.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var header *gethtypes.Header
	err := ix.ring.Do(ctx, func(c Client) error {
		fetched, err := c.HeaderByNumber(ctx, number)
		if err != nil {
			return err
		}
		if fetched == nil {
			return fmt.Errorf("missing header")
		}
		header = fetched
		return nil
	})
	return header, err
}
