package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for guardiand.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	DatabasePath  string          `yaml:"database"`
	OwnerToken    string          `yaml:"owner_token"`
	Avatar        string          `yaml:"avatar"`
	Owner         string          `yaml:"owner"`
	Module        string          `yaml:"module"`
	Substrate     SubstrateConfig `yaml:"substrate"`
	Window        WindowConfig    `yaml:"window"`
	Oracle        OracleConfig    `yaml:"oracle"`
	Pusher        PusherConfig    `yaml:"pusher"`
	Cycle         CycleConfig     `yaml:"cycle"`
	Parsers       ParsersConfig   `yaml:"parsers"`
}

// ParsersConfig enumerates the protocol targets with known calldata shapes.
type ParsersConfig struct {
	Routers []string            `yaml:"routers"`
	Vaults  []VaultParserConfig `yaml:"vaults"`
}

// VaultParserConfig binds a vault target to its asset and share tokens.
type VaultParserConfig struct {
	Target string `yaml:"target"`
	Asset  string `yaml:"asset"`
	Share  string `yaml:"share"`
}

// SubstrateConfig describes the enforcement substrate connection.
type SubstrateConfig struct {
	Endpoints           []string `yaml:"endpoints"`
	IndexerURL          string   `yaml:"indexer_url"`
	GatewayURL          string   `yaml:"gateway_url"`
	AuthorizerAddress   string   `yaml:"authorizer"`
	InteractorAddress   string   `yaml:"interactor"`
	ConfirmationBlocks  uint64   `yaml:"confirmation_blocks"`
	MaxBlocksPerQuery   uint64   `yaml:"max_blocks_per_query"`
	MaxBlockHashCache   int      `yaml:"max_block_hash_cache"`
	MaxHistoricalBlocks uint64   `yaml:"max_historical_blocks"`
	MaxFailures         int      `yaml:"max_failures"`
}

// WindowConfig tunes the rolling spend window.
type WindowConfig struct {
	Duration         Duration `yaml:"duration"`
	MaxRecordsPerEOA int      `yaml:"max_records_per_eoa"`
}

// OracleConfig tunes price resolution.
type OracleConfig struct {
	MaxOracleAge    Duration     `yaml:"max_oracle_age"`
	MaxSafeValueAge Duration     `yaml:"max_safe_value_age"`
	MaxPriceFeedAge Duration     `yaml:"max_price_feed_age"`
	Feeds           []FeedConfig `yaml:"feeds"`
}

// FeedConfig maps one token to its price feed.
type FeedConfig struct {
	Token         string `yaml:"token"`
	Feed          string `yaml:"feed"`
	TokenDecimals uint8  `yaml:"token_decimals"`
}

// PusherConfig tunes the allowance calculator and batch pusher.
type PusherConfig struct {
	MaxSpendingBps         uint64   `yaml:"max_spending_bps"`
	AbsoluteMaxSpendingBps uint64   `yaml:"absolute_max_spending_bps"`
	AllowanceIncreaseBps   uint64   `yaml:"allowance_increase_threshold_bps"`
	MaxStaleness           Duration `yaml:"max_staleness"`
}

// CycleConfig tunes the reconstruction loop cadence.
type CycleConfig struct {
	PollInterval    Duration `yaml:"poll_interval"`
	RefreshInterval Duration `yaml:"refresh_interval"`
	MaxParallel     int      `yaml:"max_parallel"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7095"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/guardiand.sqlite"
	}
	if cfg.Module == "" {
		cfg.Module = "defi"
	}
	if cfg.Window.Duration.Duration == 0 {
		cfg.Window.Duration.Duration = 24 * time.Hour
	}
	if cfg.Window.MaxRecordsPerEOA <= 0 {
		cfg.Window.MaxRecordsPerEOA = 200
	}
	if cfg.Substrate.ConfirmationBlocks == 0 {
		cfg.Substrate.ConfirmationBlocks = 60
	}
	if cfg.Substrate.MaxBlocksPerQuery == 0 || cfg.Substrate.MaxBlocksPerQuery > 1000 {
		cfg.Substrate.MaxBlocksPerQuery = 1000
	}
	if cfg.Substrate.MaxBlockHashCache <= 0 {
		cfg.Substrate.MaxBlockHashCache = 1000
	}
	if cfg.Substrate.MaxHistoricalBlocks == 0 {
		cfg.Substrate.MaxHistoricalBlocks = 2_592_000
	}
	if cfg.Substrate.MaxFailures <= 0 {
		cfg.Substrate.MaxFailures = 3
	}
	if cfg.Oracle.MaxOracleAge.Duration == 0 {
		cfg.Oracle.MaxOracleAge.Duration = time.Hour
	}
	if cfg.Oracle.MaxSafeValueAge.Duration == 0 {
		cfg.Oracle.MaxSafeValueAge.Duration = time.Hour
	}
	if cfg.Oracle.MaxPriceFeedAge.Duration == 0 {
		cfg.Oracle.MaxPriceFeedAge.Duration = 24 * time.Hour
	}
	if cfg.Pusher.MaxSpendingBps == 0 {
		cfg.Pusher.MaxSpendingBps = 1000
	}
	if cfg.Pusher.AbsoluteMaxSpendingBps == 0 {
		cfg.Pusher.AbsoluteMaxSpendingBps = 2000
	}
	if cfg.Pusher.AllowanceIncreaseBps == 0 {
		cfg.Pusher.AllowanceIncreaseBps = 200
	}
	if cfg.Pusher.MaxStaleness.Duration == 0 {
		cfg.Pusher.MaxStaleness.Duration = 2700 * time.Second
	}
	if cfg.Cycle.PollInterval.Duration == 0 {
		cfg.Cycle.PollInterval.Duration = 15 * time.Second
	}
	if cfg.Cycle.RefreshInterval.Duration == 0 {
		cfg.Cycle.RefreshInterval.Duration = 5 * time.Minute
	}
	if cfg.Cycle.MaxParallel <= 0 {
		cfg.Cycle.MaxParallel = 4
	}
}

// Validate rejects configurations guardiand cannot run with.
func Validate(cfg Config) error {
	if len(cfg.Substrate.Endpoints) == 0 {
		return fmt.Errorf("at least one substrate endpoint must be configured")
	}
	if strings.TrimSpace(cfg.Substrate.AuthorizerAddress) == "" {
		return fmt.Errorf("authorizer address must be configured")
	}
	if strings.TrimSpace(cfg.Substrate.InteractorAddress) == "" {
		return fmt.Errorf("interactor address must be configured")
	}
	if cfg.Pusher.MaxSpendingBps > cfg.Pusher.AbsoluteMaxSpendingBps {
		return fmt.Errorf("max_spending_bps must not exceed absolute_max_spending_bps")
	}
	for _, feed := range cfg.Oracle.Feeds {
		if strings.TrimSpace(feed.Token) == "" || strings.TrimSpace(feed.Feed) == "" {
			return fmt.Errorf("oracle feed entries require token and feed addresses")
		}
	}
	return nil
}
