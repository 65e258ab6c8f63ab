package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"spendguard/native/spend"
	"spendguard/observability"
	"spendguard/observability/logging"
	telemetry "spendguard/observability/otel"
	"spendguard/services/guardiand/config"
	"spendguard/services/guardiand/cycle"
	"spendguard/services/guardiand/indexer"
	"spendguard/services/guardiand/oracle"
	"spendguard/services/guardiand/parsers"
	"spendguard/services/guardiand/pusher"
	"spendguard/services/guardiand/server"
	"spendguard/services/guardiand/storage"
	"spendguard/services/guardiand/substrate"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/guardiand/config.yaml", "path to guardiand configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("SPENDGUARD_ENV"))
	logging.Setup("guardiand", env)
	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "guardiand",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("guardiand: load config: %v", err)
	}

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("guardiand: open storage: %v", err)
	}
	defer store.Close()

	endpoints := make([]indexer.Endpoint, 0, len(cfg.Substrate.Endpoints))
	var primary *ethclient.Client
	for _, endpoint := range cfg.Substrate.Endpoints {
		client, err := ethclient.Dial(endpoint)
		if err != nil {
			log.Fatalf("guardiand: dial %s: %v", endpoint, err)
		}
		if primary == nil {
			primary = client
		}
		endpoints = append(endpoints, indexer.Endpoint{Name: endpoint, Client: client})
	}

	metrics := observability.Guardiand()
	ring, err := indexer.NewRing(endpoints, cfg.Substrate.MaxFailures, metrics.RecordEndpointRotation)
	if err != nil {
		log.Fatalf("guardiand: endpoint ring: %v", err)
	}

	indexerOpts := []indexer.Option{}
	if cfg.Substrate.IndexerURL != "" {
		graph, err := indexer.NewGraphQLSource(cfg.Substrate.IndexerURL)
		if err != nil {
			log.Fatalf("guardiand: graphql source: %v", err)
		}
		indexerOpts = append(indexerOpts, indexer.WithGraphSource(graph))
	}
	ix, err := indexer.New(ring, store, indexer.Config{
		Authorizer:          common.HexToAddress(cfg.Substrate.AuthorizerAddress),
		Interactor:          common.HexToAddress(cfg.Substrate.InteractorAddress),
		ConfirmationBlocks:  cfg.Substrate.ConfirmationBlocks,
		MaxBlocksPerQuery:   cfg.Substrate.MaxBlocksPerQuery,
		MaxBlockHashCache:   cfg.Substrate.MaxBlockHashCache,
		MaxHistoricalBlocks: cfg.Substrate.MaxHistoricalBlocks,
	}, indexerOpts...)
	if err != nil {
		log.Fatalf("guardiand: indexer: %v", err)
	}

	feeds := make(map[string]oracle.TokenFeed, len(cfg.Oracle.Feeds))
	for _, feed := range cfg.Oracle.Feeds {
		aggregator, err := oracle.NewAggregatorFeed(primary, common.HexToAddress(feed.Feed))
		if err != nil {
			log.Fatalf("guardiand: price feed %s: %v", feed.Token, err)
		}
		feeds[feed.Token] = oracle.TokenFeed{Feed: aggregator, TokenDecimals: feed.TokenDecimals}
	}
	view := oracle.NewView(feeds, cfg.Oracle.MaxPriceFeedAge.Duration)

	chain, err := substrate.New(primary, common.HexToAddress(cfg.Substrate.InteractorAddress), cfg.Substrate.GatewayURL)
	if err != nil {
		log.Fatalf("guardiand: substrate adapter: %v", err)
	}
	push, err := pusher.New(chain, store, pusher.Config{
		Module:                 cfg.Module,
		MaxSpendingBps:         cfg.Pusher.MaxSpendingBps,
		AbsoluteMaxSpendingBps: cfg.Pusher.AbsoluteMaxSpendingBps,
		IncreaseThresholdBps:   cfg.Pusher.AllowanceIncreaseBps,
		MaxStaleness:           cfg.Pusher.MaxStaleness.Duration,
		MaxSafeValueAge:        cfg.Oracle.MaxSafeValueAge.Duration,
	})
	if err != nil {
		log.Fatalf("guardiand: pusher: %v", err)
	}

	svc, err := cycle.NewService(store, ix, view, push,
		cfg.Window.Duration.Duration,
		cfg.Cycle.PollInterval.Duration,
		cfg.Cycle.RefreshInterval.Duration,
		cfg.Cycle.MaxParallel,
	)
	if err != nil {
		log.Fatalf("guardiand: service: %v", err)
	}

	avatar, err := parseAddress(cfg.Avatar)
	if err != nil {
		log.Fatalf("guardiand: avatar address: %v", err)
	}
	owner, err := parseAddress(cfg.Owner)
	if err != nil {
		log.Fatalf("guardiand: owner address: %v", err)
	}
	spendMetrics := observability.Spend()
	authorizer, err := spend.NewAuthorizer(store, avatar, owner,
		spend.WithWindow(cfg.Window.Duration.Duration),
		spend.WithMaxRecords(cfg.Window.MaxRecordsPerEOA),
		spend.WithEmitter(spend.EmitterFunc(func(record spend.AuthorizationRecord) {
			spendMetrics.RecordAuthorization()
			log.Printf("guardiand: authorized spend eoa=0x%x amount=%s nonce=%s",
				record.EOA, record.Amount, record.Nonce)
			// Authorization records are persisted under synthetic
			// coordinates derived from (eoa, nonce); re-emission of the
			// same nonce is a no-op.
			var syntheticTx [32]byte
			copy(syntheticTx[:], crypto.Keccak256(append(record.EOA[:], record.Nonce.Bytes()...)))
			rec, err := storage.EncodeAuthorization(record, syntheticTx, 0, 0, uint64(time.Now().UTC().Unix()))
			if err != nil {
				log.Printf("guardiand: encode authorization: %v", err)
				return
			}
			if _, err := store.UpsertEvent(context.Background(), rec); err != nil {
				log.Printf("guardiand: persist authorization: %v", err)
			}
		})),
	)
	if err != nil {
		log.Fatalf("guardiand: authorizer: %v", err)
	}

	registry := parsers.NewRegistry()
	if len(cfg.Parsers.Routers) > 0 {
		router, err := parsers.NewRouterParser()
		if err != nil {
			log.Fatalf("guardiand: router parser: %v", err)
		}
		for _, target := range cfg.Parsers.Routers {
			registry.Register(common.HexToAddress(target), router)
		}
	}
	for _, vault := range cfg.Parsers.Vaults {
		parser, err := parsers.NewVaultParser(common.HexToAddress(vault.Asset), common.HexToAddress(vault.Share))
		if err != nil {
			log.Fatalf("guardiand: vault parser %s: %v", vault.Target, err)
		}
		registry.Register(common.HexToAddress(vault.Target), parser)
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		OwnerToken:    cfg.OwnerToken,
		Owner:         owner,
	}, authorizer, registry, func(ctx context.Context) interface{} {
		return svc.Status(ctx)
	}, log.Default())
	if err != nil {
		log.Fatalf("guardiand: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := svc.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("guardiand: cycle loop exited: %v", err)
			stop()
		}
	}()

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("guardiand: http server error: %v", err)
		os.Exit(1)
	}
}

func parseAddress(value string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return out, errors.New("not a hex address")
	}
	copy(out[:], common.HexToAddress(trimmed).Bytes())
	return out, nil
}
