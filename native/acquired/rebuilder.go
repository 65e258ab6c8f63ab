package acquired

import (
	"fmt"
	"log"
	"math/big"
	"time"
)

// ClaimRemainderPolicy selects how an unmatched claim remainder is treated
// when the sub-account has deposits against the claimed target.
type ClaimRemainderPolicy uint8

const (
	// ClaimRemainderOldestDeposit inherits the oldest matching deposit's
	// original acquisition timestamp.
	ClaimRemainderOldestDeposit ClaimRemainderPolicy = iota
	// ClaimRemainderDiscard drops the remainder like a withdraw would.
	ClaimRemainderDiscard
)

// Rebuilder reconstructs per-sub-account acquired state from a chronological
// event stream. The stream must cover an extended lookback (at least twice
// the window) so acquisitions whose original timestamp is outside the window
// but whose inherited descendants are inside are observed.
type Rebuilder struct {
	window      uint64
	prices      PriceView
	logger      *log.Logger
	claimPolicy ClaimRemainderPolicy
}

// RebuilderOption customises a Rebuilder.
type RebuilderOption func(*Rebuilder)

// WithLogger installs a custom logger.
func WithLogger(l *log.Logger) RebuilderOption {
	return func(r *Rebuilder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClaimRemainderPolicy overrides the claim remainder handling.
func WithClaimRemainderPolicy(p ClaimRemainderPolicy) RebuilderOption {
	return func(r *Rebuilder) { r.claimPolicy = p }
}

// NewRebuilder constructs a rebuilder for the supplied rolling window.
func NewRebuilder(window time.Duration, prices PriceView, opts ...RebuilderOption) (*Rebuilder, error) {
	if window <= 0 {
		return nil, fmt.Errorf("acquired: window must be positive")
	}
	reb := &Rebuilder{
		window: uint64(window / time.Second),
		prices: prices,
		logger: log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(reb)
		}
	}
	return reb, nil
}

type buildState struct {
	queues   map[string]*Queue
	deposits []*DepositRecord
	spending *big.Int
	entries  []SpendingEntry
}

func (b *buildState) queue(token string) *Queue {
	key := NormalizeToken(token)
	q, ok := b.queues[key]
	if !ok {
		q = NewQueue()
		b.queues[key] = q
	}
	return q
}

// Rebuild replays the events for one sub-account and returns its state at
// the reference time now. Rebuilding the same log twice produces identical
// balances and spending.
func (r *Rebuilder) Rebuild(sub [20]byte, events []Event, now uint64) (*SubAccountState, error) {
	if r == nil {
		return nil, fmt.Errorf("acquired: rebuilder not configured")
	}
	ordered := append([]Event{}, events...)
	SortEvents(ordered)

	st := &buildState{
		queues:   make(map[string]*Queue),
		spending: big.NewInt(0),
	}
	for _, ev := range ordered {
		if ev.SubAccount != sub {
			continue
		}
		if err := validateEvent(ev); err != nil {
			r.logger.Printf("acquired: skipping malformed event tx=%x log=%d: %v", ev.TxHash[:4], ev.LogIndex, err)
			continue
		}
		switch ev.Kind {
		case KindTransfer:
			r.applyTransfer(st, ev, now)
		case KindProtocol:
			switch ev.Op {
			case OpApprove:
				// Guard-only; no queue or spending effect.
			case OpSwap, OpDeposit:
				r.applyAcquisition(st, ev, now)
			case OpWithdraw, OpClaim:
				r.applyRedemption(st, ev)
			default:
				r.logger.Printf("acquired: skipping unknown op %d tx=%x", ev.Op, ev.TxHash[:4])
			}
		}
	}

	state := &SubAccountState{
		SubAccount:            sub,
		ReferenceTime:         now,
		TotalSpendingInWindow: st.spending,
		AcquiredBalances:      make(map[string]*big.Int),
		Queues:                st.queues,
		SpendingEntries:       st.entries,
	}
	for token, q := range st.queues {
		q.PruneExpired(now, r.window)
		if total := q.Total(); total.Sign() > 0 {
			state.AcquiredBalances[token] = total
		}
	}
	for _, dep := range st.deposits {
		if dep.Live() {
			state.DepositRecords = append(state.DepositRecords, dep)
		}
	}
	return state, nil
}

func validateEvent(ev Event) error {
	switch ev.Kind {
	case KindTransfer:
		if ev.Amount == nil || ev.Amount.Sign() < 0 {
			return fmt.Errorf("transfer amount missing")
		}
	case KindProtocol:
		if len(ev.TokensIn) != len(ev.AmountsIn) {
			return fmt.Errorf("input arrays out of step: %d tokens, %d amounts", len(ev.TokensIn), len(ev.AmountsIn))
		}
		if len(ev.TokensOut) != len(ev.AmountsOut) {
			return fmt.Errorf("output arrays out of step: %d tokens, %d amounts", len(ev.TokensOut), len(ev.AmountsOut))
		}
		for _, amt := range ev.AmountsIn {
			if amt == nil {
				return fmt.Errorf("nil input amount")
			}
		}
		for _, amt := range ev.AmountsOut {
			if amt == nil {
				return fmt.Errorf("nil output amount")
			}
		}
	default:
		return fmt.Errorf("unknown event kind %d", ev.Kind)
	}
	return nil
}

func (r *Rebuilder) recordSpending(st *buildState, ev Event, now uint64) {
	if ev.SpendingCost == nil || ev.SpendingCost.Sign() <= 0 {
		return
	}
	cutoff := uint64(0)
	if r.window < now {
		cutoff = now - r.window
	}
	if ev.Timestamp < cutoff || ev.Timestamp > now {
		return
	}
	st.spending.Add(st.spending, ev.SpendingCost)
	st.entries = append(st.entries, SpendingEntry{
		Cost:      new(big.Int).Set(ev.SpendingCost),
		Timestamp: ev.Timestamp,
	})
}

type inputConsumption struct {
	token         string
	amount        *big.Int
	consumed      []Entry
	consumedTotal *big.Int
}

func (r *Rebuilder) applyTransfer(st *buildState, ev Event, now uint64) {
	r.recordSpending(st, ev, now)
	if ev.Amount.Sign() > 0 {
		st.queue(ev.Token).Consume(ev.Amount, ev.Timestamp, r.window)
	}
}

// applyAcquisition handles Swap and Deposit: inputs consume from acquired
// queues, outputs inherit the consumed entries' original timestamps in
// proportion, and deposit records are created for later matching.
func (r *Rebuilder) applyAcquisition(st *buildState, ev Event, now uint64) {
	r.recordSpending(st, ev, now)

	inputs := make([]inputConsumption, 0, len(ev.TokensIn))
	totalAmountIn := big.NewInt(0)
	totalConsumed := big.NewInt(0)
	hasAllPrices := true
	totalValueIn := big.NewInt(0)
	consumedValue := big.NewInt(0)
	for i, token := range ev.TokensIn {
		amount := ev.AmountsIn[i]
		if amount.Sign() <= 0 {
			continue
		}
		key := NormalizeToken(token)
		consumed, remainder := st.queue(key).Consume(amount, ev.Timestamp, r.window)
		consumedTotal := new(big.Int).Sub(amount, remainder)
		inputs = append(inputs, inputConsumption{
			token:         key,
			amount:        new(big.Int).Set(amount),
			consumed:      consumed,
			consumedTotal: consumedTotal,
		})
		totalAmountIn.Add(totalAmountIn, amount)
		totalConsumed.Add(totalConsumed, consumedTotal)
		price, decimals, ok := r.tokenPrice(key)
		if !ok {
			hasAllPrices = false
			continue
		}
		totalValueIn.Add(totalValueIn, TokenValueUSD(amount, price, decimals))
		consumedValue.Add(consumedValue, TokenValueUSD(consumedTotal, price, decimals))
	}

	ratio := big.NewInt(0)
	switch {
	case hasAllPrices && totalValueIn.Sign() > 0:
		ratio = mulDiv(consumedValue, Precision, totalValueIn)
	case totalAmountIn.Sign() > 0:
		ratio = mulDiv(totalConsumed, Precision, totalAmountIn)
	}

	allConsumed := make([]Entry, 0)
	for _, in := range inputs {
		allConsumed = append(allConsumed, in.consumed...)
	}
	consumedSum := big.NewInt(0)
	for _, e := range allConsumed {
		consumedSum.Add(consumedSum, e.Amount)
	}

	for j, token := range ev.TokensOut {
		amountOut := ev.AmountsOut[j]
		if amountOut.Sign() <= 0 {
			continue
		}
		r.produceOutput(st, NormalizeToken(token), amountOut, ratio, allConsumed, consumedSum, ev.Timestamp)
	}

	r.createDepositRecords(st, ev, inputs, ratio, totalConsumed)
}

// produceOutput splits one output amount into an acquired portion, allocated
// across the consumed entries proportionally with the remainder going to the
// last entry, and a non-acquired portion stamped with the event time. The
// appended amounts sum to exactly amountOut.
func (r *Rebuilder) produceOutput(st *buildState, token string, amountOut, ratio *big.Int, consumed []Entry, consumedSum *big.Int, eventTime uint64) {
	q := st.queue(token)
	fromAcquired := mulDiv(amountOut, ratio, Precision)
	if fromAcquired.Sign() <= 0 || len(consumed) == 0 || consumedSum.Sign() == 0 {
		q.Append(amountOut, eventTime)
		return
	}
	if fromAcquired.Cmp(amountOut) > 0 {
		fromAcquired = new(big.Int).Set(amountOut)
	}
	fromNonAcquired := new(big.Int).Sub(amountOut, fromAcquired)

	assigned := big.NewInt(0)
	for i, entry := range consumed {
		var share *big.Int
		if i == len(consumed)-1 {
			share = new(big.Int).Sub(fromAcquired, assigned)
		} else {
			share = mulDiv(fromAcquired, entry.Amount, consumedSum)
		}
		if share.Sign() > 0 {
			q.Append(share, entry.OriginalTimestamp)
		}
		assigned.Add(assigned, share)
	}
	if fromNonAcquired.Sign() > 0 {
		q.Append(fromNonAcquired, eventTime)
	}
}

type pairing struct {
	input     *inputConsumption
	inAmount  *big.Int
	tokenOut  string
	outAmount *big.Int
}

type valuedOutput struct {
	token  string
	amount *big.Int
}

// createDepositRecords pairs inputs with outputs and records one or two
// deposit records per pairing, splitting mixed acquisitions into an acquired
// record inheriting the oldest consumed timestamp and a non-acquired record
// stamped with the event time.
func (r *Rebuilder) createDepositRecords(st *buildState, ev Event, inputs []inputConsumption, ratio, totalConsumed *big.Int) {
	outputs := make([]valuedOutput, 0, len(ev.TokensOut))
	for j, token := range ev.TokensOut {
		if ev.AmountsOut[j].Sign() <= 0 {
			continue
		}
		outputs = append(outputs, valuedOutput{token: NormalizeToken(token), amount: ev.AmountsOut[j]})
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return
	}

	var pairings []pairing
	switch {
	case len(inputs) > 1 && len(outputs) == 1:
		// Each input receives an equal 1/N share of the output; the last
		// share absorbs the division remainder.
		n := big.NewInt(int64(len(inputs)))
		share := new(big.Int).Quo(outputs[0].amount, n)
		assigned := big.NewInt(0)
		for i := range inputs {
			outShare := new(big.Int).Set(share)
			if i == len(inputs)-1 {
				outShare = new(big.Int).Sub(outputs[0].amount, assigned)
			}
			assigned.Add(assigned, outShare)
			pairings = append(pairings, pairing{
				input:     &inputs[i],
				inAmount:  inputs[i].amount,
				tokenOut:  outputs[0].token,
				outAmount: outShare,
			})
		}
	case len(inputs) == 1 && len(outputs) > 1:
		pairings = r.splitSingleInput(&inputs[0], outputs)
	default:
		for i := range inputs {
			out := outputs[0]
			if i < len(outputs) {
				out = outputs[i]
			}
			pairings = append(pairings, pairing{
				input:     &inputs[i],
				inAmount:  inputs[i].amount,
				tokenOut:  out.token,
				outAmount: out.amount,
			})
		}
	}

	for _, p := range pairings {
		r.recordPairing(st, ev, p, ratio, totalConsumed)
	}
}

// splitSingleInput allocates one input across multiple outputs weighted by
// the outputs' USD values, falling back to an equal split when any output
// price is missing. The last output receives the exact remainder.
func (r *Rebuilder) splitSingleInput(in *inputConsumption, outputs []valuedOutput) []pairing {
	values := make([]*big.Int, len(outputs))
	totalValue := big.NewInt(0)
	weighted := true
	for i, out := range outputs {
		price, decimals, ok := r.tokenPrice(out.token)
		if !ok {
			weighted = false
			break
		}
		values[i] = TokenValueUSD(out.amount, price, decimals)
		totalValue.Add(totalValue, values[i])
	}
	if weighted && totalValue.Sign() == 0 {
		weighted = false
	}

	pairings := make([]pairing, 0, len(outputs))
	assigned := big.NewInt(0)
	for i, out := range outputs {
		var inShare *big.Int
		if i == len(outputs)-1 {
			inShare = new(big.Int).Sub(in.amount, assigned)
		} else if weighted {
			inShare = mulDiv(in.amount, values[i], totalValue)
		} else {
			inShare = new(big.Int).Quo(in.amount, big.NewInt(int64(len(outputs))))
		}
		assigned.Add(assigned, inShare)
		pairings = append(pairings, pairing{
			input:     in,
			inAmount:  inShare,
			tokenOut:  out.token,
			outAmount: out.amount,
		})
	}
	return pairings
}

func (r *Rebuilder) recordPairing(st *buildState, ev Event, p pairing, ratio, totalConsumed *big.Int) {
	if p.inAmount.Sign() <= 0 {
		return
	}
	acquiredIn := mulDiv(p.inAmount, ratio, Precision)
	if acquiredIn.Cmp(p.inAmount) > 0 {
		acquiredIn = new(big.Int).Set(p.inAmount)
	}
	nonAcquiredIn := new(big.Int).Sub(p.inAmount, acquiredIn)

	mixed := totalConsumed.Sign() > 0 && acquiredIn.Sign() > 0 && nonAcquiredIn.Sign() > 0
	if mixed {
		acquiredOut := mulDiv(p.outAmount, ratio, Precision)
		if acquiredOut.Cmp(p.outAmount) > 0 {
			acquiredOut = new(big.Int).Set(p.outAmount)
		}
		nonAcquiredOut := new(big.Int).Sub(p.outAmount, acquiredOut)
		st.deposits = append(st.deposits, newDepositRecord(ev, p, acquiredIn, acquiredOut, r.oldestConsumedTimestamp(p.input, ev.Timestamp)))
		st.deposits = append(st.deposits, newDepositRecord(ev, p, nonAcquiredIn, nonAcquiredOut, ev.Timestamp))
		return
	}
	timestamp := ev.Timestamp
	if totalConsumed.Sign() > 0 && nonAcquiredIn.Sign() == 0 {
		timestamp = r.oldestConsumedTimestamp(p.input, ev.Timestamp)
	}
	st.deposits = append(st.deposits, newDepositRecord(ev, p, p.inAmount, p.outAmount, timestamp))
}

func newDepositRecord(ev Event, p pairing, amountIn, amountOut *big.Int, timestamp uint64) *DepositRecord {
	return &DepositRecord{
		SubAccount:            ev.SubAccount,
		Target:                ev.Target,
		TokenIn:               p.input.token,
		AmountIn:              new(big.Int).Set(amountIn),
		TokenOut:              p.tokenOut,
		AmountOut:             new(big.Int).Set(amountOut),
		RemainingAmount:       new(big.Int).Set(amountIn),
		RemainingOutputAmount: new(big.Int).Set(amountOut),
		OriginalTimestamp:     timestamp,
	}
}

func (r *Rebuilder) oldestConsumedTimestamp(in *inputConsumption, fallback uint64) uint64 {
	oldest := fallback
	found := false
	for _, entry := range in.consumed {
		if !found || entry.OriginalTimestamp < oldest {
			oldest = entry.OriginalTimestamp
			found = true
		}
	}
	return oldest
}

// applyRedemption handles Withdraw and Claim: outputs are matched against
// deposit records oldest first, each matched portion inheriting that
// deposit's original acquisition timestamp. The matched share of the
// deposit's output token is consumed from its queue, with the record's
// remaining output reduced by the actually consumed total.
func (r *Rebuilder) applyRedemption(st *buildState, ev Event) {
	for j, token := range ev.TokensOut {
		amountOut := ev.AmountsOut[j]
		if amountOut.Sign() <= 0 {
			continue
		}
		key := NormalizeToken(token)
		remainingToMatch := new(big.Int).Set(amountOut)
		for _, dep := range st.deposits {
			if remainingToMatch.Sign() == 0 {
				break
			}
			if dep.Target != ev.Target || dep.TokenIn != key || dep.RemainingAmount.Sign() <= 0 {
				continue
			}
			take := minBig(remainingToMatch, dep.RemainingAmount)
			dep.RemainingAmount.Sub(dep.RemainingAmount, take)
			r.consumeDepositOutput(st, dep, take, ev.Timestamp)
			st.queue(key).Append(take, dep.OriginalTimestamp)
			remainingToMatch.Sub(remainingToMatch, take)
		}
		if remainingToMatch.Sign() > 0 && ev.Op == OpClaim && r.claimPolicy == ClaimRemainderOldestDeposit {
			if oldest, ok := oldestDepositAgainst(st, ev.Target); ok {
				st.queue(key).Append(remainingToMatch, oldest)
			}
		}
		// Withdraw remainders were deposited outside the tracked history;
		// they are not acquired.
	}
}

// consumeDepositOutput draws the proportional share of the deposit's output
// token from its queue. Expired entries may make the actual consumption
// smaller than requested; the record is reduced by what was consumed.
func (r *Rebuilder) consumeDepositOutput(st *buildState, dep *DepositRecord, consumedInput *big.Int, eventTime uint64) {
	if dep.AmountIn.Sign() == 0 || dep.RemainingOutputAmount.Sign() == 0 {
		return
	}
	toConsume := mulDiv(dep.AmountOut, consumedInput, dep.AmountIn)
	if toConsume.Cmp(dep.RemainingOutputAmount) > 0 {
		toConsume = new(big.Int).Set(dep.RemainingOutputAmount)
	}
	if toConsume.Sign() <= 0 {
		return
	}
	_, remainder := st.queue(dep.TokenOut).Consume(toConsume, eventTime, r.window)
	actual := new(big.Int).Sub(toConsume, remainder)
	dep.RemainingOutputAmount.Sub(dep.RemainingOutputAmount, actual)
}

func oldestDepositAgainst(st *buildState, target [20]byte) (uint64, bool) {
	var oldest uint64
	found := false
	for _, dep := range st.deposits {
		if dep.Target != target {
			continue
		}
		if !found || dep.OriginalTimestamp < oldest {
			oldest = dep.OriginalTimestamp
			found = true
		}
	}
	return oldest, found
}

func (r *Rebuilder) tokenPrice(token string) (*big.Int, uint8, bool) {
	if r.prices == nil {
		return nil, 0, false
	}
	price, ok := r.prices.PriceUSD(token)
	if !ok || price == nil || price.Sign() <= 0 {
		return nil, 0, false
	}
	decimals, ok := r.prices.TokenDecimals(token)
	if !ok {
		return nil, 0, false
	}
	return price, decimals, true
}
