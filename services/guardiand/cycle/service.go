// Package cycle hosts the off-chain reconstruction pipeline: event source,
// acquired-balance rebuilder and allowance pusher, orchestrated as a
// single-flight cycle.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"spendguard/native/acquired"
	"spendguard/observability"
	"spendguard/services/guardiand/indexer"
	"spendguard/services/guardiand/oracle"
	"spendguard/services/guardiand/pusher"
	"spendguard/services/guardiand/storage"
)

// Service drives the cycle: sync events, rebuild per-sub-account state,
// plan and push allowance updates. Only one cycle runs at a time; a refresh
// triggered while one is running is dropped, not queued.
type Service struct {
	store       *storage.Storage
	indexer     *indexer.Indexer
	view        *oracle.View
	pusher      *pusher.Pusher
	window      time.Duration
	maxParallel int
	poll        time.Duration
	refresh     time.Duration
	logger      *log.Logger
	metrics     *observability.GuardiandMetrics
	clock       func() time.Time

	cycleMu sync.Mutex

	statusMu  sync.Mutex
	lastRun   time.Time
	lastError string
}

// ServiceOption customises the service.
type ServiceOption func(*Service)

// WithLogger installs a custom logger.
func WithLogger(l *log.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the time source, enabling deterministic unit tests.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService wires the pipeline components together.
func NewService(store *storage.Storage, ix *indexer.Indexer, view *oracle.View, push *pusher.Pusher, window, poll, refresh time.Duration, maxParallel int, opts ...ServiceOption) (*Service, error) {
	if store == nil || ix == nil || push == nil {
		return nil, fmt.Errorf("guardiand: store, indexer and pusher required")
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	if maxParallel <= 0 {
		maxParallel = 4
	}
	if poll <= 0 {
		poll = 15 * time.Second
	}
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}
	svc := &Service{
		store:       store,
		indexer:     ix,
		view:        view,
		pusher:      push,
		window:      window,
		maxParallel: maxParallel,
		poll:        poll,
		refresh:     refresh,
		logger:      log.Default(),
		metrics:     observability.Guardiand(),
		clock:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc, nil
}

// Run blocks, driving cycles from the block poller and the periodic refresh
// until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("guardiand: service not configured")
	}
	// Run one cycle at startup instead of waiting for the first tick. Like
	// every cycle it syncs the indexer first.
	if err := s.TriggerCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Printf("guardiand: startup cycle: %v", err)
	}
	pollTicker := time.NewTicker(s.poll)
	defer pollTicker.Stop()
	refreshTicker := time.NewTicker(s.refresh)
	defer refreshTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pollTicker.C:
		case <-refreshTicker.C:
		}
		if err := s.TriggerCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.logger.Printf("guardiand: cycle: %v", err)
		}
	}
}

// TriggerCycle runs one cycle unless another is already in flight, in which
// case the trigger is dropped.
func (s *Service) TriggerCycle(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("guardiand: service not configured")
	}
	if !s.cycleMu.TryLock() {
		s.metrics.RecordDroppedRefresh()
		return nil
	}
	defer s.cycleMu.Unlock()

	start := s.clock()
	err := s.runCycle(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.RecordCycle(outcome, s.clock().Sub(start))

	s.statusMu.Lock()
	s.lastRun = start
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
	s.statusMu.Unlock()
	return err
}

func (s *Service) runCycle(ctx context.Context) error {
	if err := s.indexer.Sync(ctx); err != nil {
		return fmt.Errorf("sync events: %w", err)
	}
	subs, err := s.store.SubAccounts(ctx)
	if err != nil {
		return fmt.Errorf("enumerate sub accounts: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	var prices acquired.PriceView = &acquired.StaticPrices{}
	if s.view != nil {
		prices = s.view.Snapshot(ctx)
	}
	rebuilder, err := acquired.NewRebuilder(s.window, prices, acquired.WithLogger(s.logger))
	if err != nil {
		return err
	}

	now := uint64(s.clock().UTC().Unix())
	// The lookback doubles the window so acquisitions whose original
	// timestamp has left the window but whose inherited descendants are
	// inside it are still observed.
	lookback := uint64(2 * s.window / time.Second)
	fromTimestamp := uint64(0)
	if now > lookback {
		fromTimestamp = now - lookback
	}

	var plansMu sync.Mutex
	plans := make([]*pusher.PlannedUpdate, 0, len(subs))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.maxParallel)
	for _, sub := range subs {
		sub := sub
		group.Go(func() error {
			records, err := s.store.EventsForSub(groupCtx, sub, fromTimestamp)
			if err != nil {
				return fmt.Errorf("load events for %s: %w", sub, err)
			}
			events := make([]acquired.Event, 0, len(records))
			for _, rec := range records {
				ev, err := storage.DecodeEvent(rec)
				if err != nil {
					s.logger.Printf("guardiand: skipping undecodable ledger row %s/%d: %v", rec.TxHash, rec.LogIndex, err)
					continue
				}
				events = append(events, ev)
			}
			addr := common.HexToAddress(sub)
			state, err := rebuilder.Rebuild(addr, events, now)
			if err != nil {
				return fmt.Errorf("rebuild %s: %w", sub, err)
			}
			planned, err := s.pusher.Plan(groupCtx, addr, state)
			if err != nil {
				return fmt.Errorf("plan %s: %w", sub, err)
			}
			if planned != nil {
				plansMu.Lock()
				plans = append(plans, planned)
				plansMu.Unlock()
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if len(plans) == 0 {
		return nil
	}
	return s.pusher.Push(ctx, plans)
}

// Status summarises cycle state for the admin surface.
type Status struct {
	LastRun            time.Time `json:"last_run"`
	LastError          string    `json:"last_error,omitempty"`
	LastProcessedBlock uint64    `json:"last_processed_block"`
	Endpoint           string    `json:"endpoint"`
}

// Status reports the most recent cycle outcome and indexer position.
func (s *Service) Status(ctx context.Context) Status {
	status := Status{}
	if s == nil {
		return status
	}
	s.statusMu.Lock()
	status.LastRun = s.lastRun
	status.LastError = s.lastError
	s.statusMu.Unlock()
	if height, ok, err := s.indexer.LastProcessedBlock(ctx); err == nil && ok {
		status.LastProcessedBlock = height
	}
	status.Endpoint = s.indexer.CurrentEndpoint()
	return status
}
