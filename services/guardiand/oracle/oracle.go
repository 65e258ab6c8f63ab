package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"spendguard/native/acquired"
)

var (
	// ErrNoPriceFeedSet is returned for tokens without a configured feed.
	ErrNoPriceFeedSet = errors.New("oracle: no price feed set")
	// ErrStalePriceFeed is returned when the feed's last update is older
	// than the configured maximum age.
	ErrStalePriceFeed = errors.New("oracle: stale price feed")
	// ErrInvalidPrice is returned for non-positive feed answers.
	ErrInvalidPrice = errors.New("oracle: invalid price")
)

// Feed resolves one token's price. Variants include on-chain aggregators and
// constant feeds; the view only requires the latest round and the feed's
// decimals.
type Feed interface {
	LatestRoundData(ctx context.Context) (answer *big.Int, updatedAt time.Time, err error)
	Decimals(ctx context.Context) (uint8, error)
}

// CallClient is the read-only contract call surface an aggregator feed needs.
type CallClient interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

const aggregatorABI = `[
  {"type":"function","name":"latestRoundData","stateMutability":"view","inputs":[],"outputs":[
    {"name":"roundId","type":"uint80"},
    {"name":"answer","type":"int256"},
    {"name":"startedAt","type":"uint256"},
    {"name":"updatedAt","type":"uint256"},
    {"name":"answeredInRound","type":"uint80"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"uint8"}]}
]`

// AggregatorFeed reads a Chainlink-shaped on-chain aggregator.
type AggregatorFeed struct {
	client  CallClient
	address common.Address
	abi     abi.ABI
}

// NewAggregatorFeed constructs a feed bound to the aggregator address.
func NewAggregatorFeed(client CallClient, address common.Address) (*AggregatorFeed, error) {
	if client == nil {
		return nil, fmt.Errorf("oracle: call client required")
	}
	parsed, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		return nil, fmt.Errorf("parse aggregator abi: %w", err)
	}
	return &AggregatorFeed{client: client, address: address, abi: parsed}, nil
}

// LatestRoundData implements Feed.
func (f *AggregatorFeed) LatestRoundData(ctx context.Context) (*big.Int, time.Time, error) {
	data, err := f.abi.Pack("latestRoundData")
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("pack latestRoundData: %w", err)
	}
	raw, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &f.address, Data: data}, nil)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("call latestRoundData: %w", err)
	}
	values, err := f.abi.Unpack("latestRoundData", raw)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("unpack latestRoundData: %w", err)
	}
	answer, ok := values[1].(*big.Int)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("malformed aggregator answer")
	}
	updatedAt, ok := values[3].(*big.Int)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("malformed aggregator timestamp")
	}
	return answer, time.Unix(updatedAt.Int64(), 0).UTC(), nil
}

// Decimals implements Feed.
func (f *AggregatorFeed) Decimals(ctx context.Context) (uint8, error) {
	data, err := f.abi.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}
	raw, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &f.address, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("call decimals: %w", err)
	}
	values, err := f.abi.Unpack("decimals", raw)
	if err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("malformed aggregator decimals")
	}
	return decimals, nil
}

// StaticFeed returns a constant price, for stable-pegged assets and tests.
type StaticFeed struct {
	Answer       *big.Int
	FeedDecimals uint8
	UpdatedAt    time.Time
}

// LatestRoundData implements Feed.
func (f *StaticFeed) LatestRoundData(context.Context) (*big.Int, time.Time, error) {
	if f == nil || f.Answer == nil {
		return nil, time.Time{}, ErrInvalidPrice
	}
	updated := f.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return new(big.Int).Set(f.Answer), updated, nil
}

// Decimals implements Feed.
func (f *StaticFeed) Decimals(context.Context) (uint8, error) {
	if f == nil {
		return 0, ErrInvalidPrice
	}
	return f.FeedDecimals, nil
}

// TokenFeed binds a token to its feed and the token's native decimals.
type TokenFeed struct {
	Feed          Feed
	TokenDecimals uint8
}

// View resolves token prices in 18-decimal fixed point with staleness
// enforcement: price_18 = answer × 10^(18 − feed_decimals).
type View struct {
	feeds  map[string]TokenFeed
	maxAge time.Duration
	clock  func() time.Time
}

// NewView constructs a view over the configured feeds.
func NewView(feeds map[string]TokenFeed, maxAge time.Duration) *View {
	normalized := make(map[string]TokenFeed, len(feeds))
	for token, feed := range feeds {
		normalized[acquired.NormalizeToken(token)] = feed
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &View{feeds: normalized, maxAge: maxAge, clock: time.Now}
}

// SetClock overrides the time source, enabling deterministic unit tests.
func (v *View) SetClock(clock func() time.Time) {
	if v == nil || clock == nil {
		return
	}
	v.clock = clock
}

// PriceUSD resolves the token's 18-decimal USD price.
func (v *View) PriceUSD(ctx context.Context, token string) (*big.Int, error) {
	if v == nil {
		return nil, fmt.Errorf("oracle: view not configured")
	}
	entry, ok := v.feeds[acquired.NormalizeToken(token)]
	if !ok || entry.Feed == nil {
		return nil, ErrNoPriceFeedSet
	}
	answer, updatedAt, err := entry.Feed.LatestRoundData(ctx)
	if err != nil {
		return nil, err
	}
	if answer == nil || answer.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	if v.clock().Sub(updatedAt) > v.maxAge {
		return nil, ErrStalePriceFeed
	}
	decimals, err := entry.Feed.Decimals(ctx)
	if err != nil {
		return nil, err
	}
	if decimals > 18 {
		return nil, fmt.Errorf("oracle: unsupported feed decimals %d", decimals)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil)
	return new(big.Int).Mul(answer, scale), nil
}

// TokenDecimals returns the configured native decimals for the token.
func (v *View) TokenDecimals(token string) (uint8, bool) {
	if v == nil {
		return 0, false
	}
	entry, ok := v.feeds[acquired.NormalizeToken(token)]
	if !ok {
		return 0, false
	}
	return entry.TokenDecimals, true
}

// Snapshot pins every configured token's price once, so a reconstruction
// cycle is internally consistent. Tokens whose feed fails are omitted; the
// rebuilder then falls back to amount-weighted ratios.
func (v *View) Snapshot(ctx context.Context) *acquired.StaticPrices {
	snapshot := &acquired.StaticPrices{
		Prices:   make(map[string]*big.Int),
		Decimals: make(map[string]uint8),
	}
	if v == nil {
		return snapshot
	}
	for token, entry := range v.feeds {
		price, err := v.PriceUSD(ctx, token)
		if err != nil {
			continue
		}
		snapshot.Prices[token] = price
		snapshot.Decimals[token] = entry.TokenDecimals
	}
	return snapshot
}
