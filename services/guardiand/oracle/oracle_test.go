package oracle

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const usdcToken = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"

func TestPriceNormalizedTo18Decimals(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	view := NewView(map[string]TokenFeed{
		usdcToken: {
			Feed:          &StaticFeed{Answer: big.NewInt(100_000_000), FeedDecimals: 8, UpdatedAt: now},
			TokenDecimals: 6,
		},
	}, time.Hour)
	view.SetClock(func() time.Time { return now })

	price, err := view.PriceUSD(context.Background(), usdcToken)
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("1000000000000000000", 10)
	require.Zero(t, price.Cmp(want), "8-decimal feed answer must scale to 18 decimals")

	decimals, ok := view.TokenDecimals(usdcToken)
	require.True(t, ok)
	require.Equal(t, uint8(6), decimals)
}

func TestStaleFeedRejected(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	view := NewView(map[string]TokenFeed{
		usdcToken: {
			Feed:          &StaticFeed{Answer: big.NewInt(1), FeedDecimals: 0, UpdatedAt: now.Add(-2 * time.Hour)},
			TokenDecimals: 6,
		},
	}, time.Hour)
	view.SetClock(func() time.Time { return now })

	_, err := view.PriceUSD(context.Background(), usdcToken)
	require.ErrorIs(t, err, ErrStalePriceFeed)
}

func TestInvalidPriceRejected(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	view := NewView(map[string]TokenFeed{
		usdcToken: {
			Feed:          &StaticFeed{Answer: big.NewInt(0), FeedDecimals: 8, UpdatedAt: now},
			TokenDecimals: 6,
		},
	}, time.Hour)
	view.SetClock(func() time.Time { return now })

	_, err := view.PriceUSD(context.Background(), usdcToken)
	require.ErrorIs(t, err, ErrInvalidPrice)
}

func TestMissingFeedRejected(t *testing.T) {
	view := NewView(nil, time.Hour)
	_, err := view.PriceUSD(context.Background(), usdcToken)
	require.ErrorIs(t, err, ErrNoPriceFeedSet)
}

func TestSnapshotOmitsFailingFeeds(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	view := NewView(map[string]TokenFeed{
		usdcToken: {
			Feed:          &StaticFeed{Answer: big.NewInt(100_000_000), FeedDecimals: 8, UpdatedAt: now},
			TokenDecimals: 6,
		},
		"0x1111111111111111111111111111111111111111": {
			Feed:          &StaticFeed{Answer: big.NewInt(0), FeedDecimals: 8, UpdatedAt: now},
			TokenDecimals: 18,
		},
	}, time.Hour)
	view.SetClock(func() time.Time { return now })

	snapshot := view.Snapshot(context.Background())
	require.Len(t, snapshot.Prices, 1)
	price, ok := snapshot.PriceUSD(usdcToken)
	require.True(t, ok)
	require.Positive(t, price.Sign())
	_, ok = snapshot.PriceUSD("0x1111111111111111111111111111111111111111")
	require.False(t, ok)
}
