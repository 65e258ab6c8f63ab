package acquired

import (
	"math/big"
	"sort"
	"strings"
)

// OpType identifies the protocol operation carried by an execution event.
type OpType uint8

const (
	// OpSwap exchanges input tokens for output tokens.
	OpSwap OpType = iota + 1
	// OpDeposit places input tokens into an external protocol.
	OpDeposit
	// OpWithdraw redeems previously deposited tokens.
	OpWithdraw
	// OpClaim collects protocol rewards or matured positions.
	OpClaim
	// OpApprove is a guard-only allowance grant; it never touches queues or
	// spending.
	OpApprove
)

// String returns the lowercase operation name.
func (op OpType) String() string {
	switch op {
	case OpSwap:
		return "swap"
	case OpDeposit:
		return "deposit"
	case OpWithdraw:
		return "withdraw"
	case OpClaim:
		return "claim"
	case OpApprove:
		return "approve"
	}
	return "unknown"
}

// EventKind distinguishes protocol executions from direct token transfers.
type EventKind uint8

const (
	// KindProtocol marks a ProtocolExecution event.
	KindProtocol EventKind = iota + 1
	// KindTransfer marks a TransferExecuted event.
	KindTransfer
)

// Event is one entry of the chronological stream the rebuilder consumes.
// Protocol events populate the token/amount arrays; transfer events populate
// Token, Recipient and Amount.
type Event struct {
	Kind         EventKind
	Op           OpType
	SubAccount   [20]byte
	Target       [20]byte
	TokensIn     []string
	AmountsIn    []*big.Int
	TokensOut    []string
	AmountsOut   []*big.Int
	Token        string
	Recipient    [20]byte
	Amount       *big.Int
	SpendingCost *big.Int
	Timestamp    uint64
	BlockNumber  uint64
	LogIndex     uint
	TxHash       [32]byte
}

// SortEvents orders the stream by (timestamp, block number, log index), the
// ordering that governs all queue mutations.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})
}

// NormalizeToken lowercases the token key used across queues and balances.
func NormalizeToken(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

// DepositRecord links a deposit's input to its output so later withdrawals
// can be matched back and inherit the original acquisition timestamp.
type DepositRecord struct {
	SubAccount            [20]byte
	Target                [20]byte
	TokenIn               string
	AmountIn              *big.Int
	TokenOut              string
	AmountOut             *big.Int
	RemainingAmount       *big.Int
	RemainingOutputAmount *big.Int
	OriginalTimestamp     uint64
}

// Live reports whether the record can still match withdrawals or output
// consumption.
func (d *DepositRecord) Live() bool {
	if d == nil {
		return false
	}
	if d.RemainingAmount != nil && d.RemainingAmount.Sign() > 0 {
		return true
	}
	return d.RemainingOutputAmount != nil && d.RemainingOutputAmount.Sign() > 0
}

// SpendingEntry records one in-window spending contribution.
type SpendingEntry struct {
	Cost      *big.Int
	Timestamp uint64
}

// SubAccountState is the rebuilder's output for one sub-account at the
// reference time it was built against.
type SubAccountState struct {
	SubAccount            [20]byte
	ReferenceTime         uint64
	TotalSpendingInWindow *big.Int
	AcquiredBalances      map[string]*big.Int
	DepositRecords        []*DepositRecord
	Queues                map[string]*Queue
	SpendingEntries       []SpendingEntry
}

// Balance returns the acquired balance for the token, zero when absent.
func (s *SubAccountState) Balance(token string) *big.Int {
	if s == nil {
		return big.NewInt(0)
	}
	if balance, ok := s.AcquiredBalances[NormalizeToken(token)]; ok {
		return new(big.Int).Set(balance)
	}
	return big.NewInt(0)
}

// Tokens returns the sorted token keys with a non-zero acquired balance.
func (s *SubAccountState) Tokens() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.AcquiredBalances))
	for token := range s.AcquiredBalances {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

// PriceView resolves a token to its USD price in 18-decimal fixed point. The
// second return reports whether a price is known; the rebuilder falls back to
// amount-weighted ratios when any input price is missing.
type PriceView interface {
	PriceUSD(token string) (*big.Int, bool)
	TokenDecimals(token string) (uint8, bool)
}

// StaticPrices is a PriceView over fixed values, used in tests and for
// pinned per-cycle snapshots.
type StaticPrices struct {
	Prices   map[string]*big.Int
	Decimals map[string]uint8
}

// PriceUSD implements PriceView.
func (p *StaticPrices) PriceUSD(token string) (*big.Int, bool) {
	if p == nil {
		return nil, false
	}
	price, ok := p.Prices[NormalizeToken(token)]
	if !ok || price == nil {
		return nil, false
	}
	return new(big.Int).Set(price), true
}

// TokenDecimals implements PriceView.
func (p *StaticPrices) TokenDecimals(token string) (uint8, bool) {
	if p == nil {
		return 0, false
	}
	dec, ok := p.Decimals[NormalizeToken(token)]
	return dec, ok
}
