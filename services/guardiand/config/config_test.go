package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
listen: ":8095"
database: "/tmp/guardiand-test.sqlite"
substrate:
  endpoints:
    - "https://rpc.example.org"
    - "https://rpc-fallback.example.org"
  authorizer: "0x1111111111111111111111111111111111111111"
  interactor: "0x2222222222222222222222222222222222222222"
  confirmation_blocks: 30
window:
  duration: "12h"
pusher:
  allowance_increase_threshold_bps: 150
oracle:
  feeds:
    - token: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
      feed: "0x3333333333333333333333333333333333333333"
      token_decimals: 6
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guardiand.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Equal(t, ":8095", cfg.ListenAddress)
	require.Equal(t, 12*time.Hour, cfg.Window.Duration.Duration)
	require.Equal(t, uint64(30), cfg.Substrate.ConfirmationBlocks)
	require.Equal(t, uint64(1000), cfg.Substrate.MaxBlocksPerQuery)
	require.Equal(t, 1000, cfg.Substrate.MaxBlockHashCache)
	require.Equal(t, uint64(2_592_000), cfg.Substrate.MaxHistoricalBlocks)
	require.Equal(t, 3, cfg.Substrate.MaxFailures)
	require.Equal(t, 200, cfg.Window.MaxRecordsPerEOA)
	require.Equal(t, uint64(150), cfg.Pusher.AllowanceIncreaseBps)
	require.Equal(t, uint64(2000), cfg.Pusher.AbsoluteMaxSpendingBps)
	require.Equal(t, 2700*time.Second, cfg.Pusher.MaxStaleness.Duration)
	require.Equal(t, 24*time.Hour, cfg.Oracle.MaxPriceFeedAge.Duration)
}

func TestValidateRejectsMissingEndpoints(t *testing.T) {
	_, err := Load(writeConfig(t, `
substrate:
  authorizer: "0x1111111111111111111111111111111111111111"
  interactor: "0x2222222222222222222222222222222222222222"
`))
	require.ErrorContains(t, err, "endpoint")
}

func TestValidateRejectsBpsAboveCeiling(t *testing.T) {
	_, err := Load(writeConfig(t, `
substrate:
  endpoints: ["https://rpc.example.org"]
  authorizer: "0x1111111111111111111111111111111111111111"
  interactor: "0x2222222222222222222222222222222222222222"
pusher:
  max_spending_bps: 2500
`))
	require.ErrorContains(t, err, "absolute_max_spending_bps")
}

func TestMaxBlocksPerQueryClamped(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
substrate:
  endpoints: ["https://rpc.example.org"]
  authorizer: "0x1111111111111111111111111111111111111111"
  interactor: "0x2222222222222222222222222222222222222222"
  max_blocks_per_query: 5000
`))
	require.NoError(t, err)
	require.Equal(t, uint64(1000), cfg.Substrate.MaxBlocksPerQuery)
}
