package acquired

import "math/big"

// Entry is a single atom of previously-acquired balance, tagged with the
// timestamp of its original non-acquired acquisition.
type Entry struct {
	Amount            *big.Int
	OriginalTimestamp uint64
}

// Copy returns a deep copy of the entry.
func (e Entry) Copy() Entry {
	clone := e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	}
	return clone
}

// Queue holds acquired entries for one (sub-account, token) pair in FIFO
// order. Consumption order is queue order, oldest appended first. The queue
// is not sorted by original timestamp: swap inheritance may append entries
// whose timestamp is older than existing ones, so expiry pruning must filter
// every position. Consumed entries are skipped via a logical start index and
// compacted lazily.
type Queue struct {
	entries []Entry
	start   int
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Append pushes an entry onto the tail. Zero and negative amounts are
// ignored.
func (q *Queue) Append(amount *big.Int, originalTimestamp uint64) {
	if q == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	q.entries = append(q.entries, Entry{
		Amount:            new(big.Int).Set(amount),
		OriginalTimestamp: originalTimestamp,
	})
}

// Len reports the number of live entries.
func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.entries) - q.start
}

// Entries returns a deep copy of the live entries in queue order.
func (q *Queue) Entries() []Entry {
	if q == nil {
		return nil
	}
	out := make([]Entry, 0, q.Len())
	for i := q.start; i < len(q.entries); i++ {
		out = append(out, q.entries[i].Copy())
	}
	return out
}

// Total sums the live entry amounts.
func (q *Queue) Total() *big.Int {
	total := big.NewInt(0)
	if q == nil {
		return total
	}
	for i := q.start; i < len(q.entries); i++ {
		total.Add(total, q.entries[i].Amount)
	}
	return total
}

// Consume draws up to amount from the head of the queue. Heads whose
// original timestamp precedes eventTime−window are dropped unconsumed: they
// were no longer acquired at event time. Partial consumption decrements the
// head in place. The returned entries preserve their original timestamps;
// the remainder is the unfulfilled portion and is not an error: it means
// the input was paid from non-acquired funds.
func (q *Queue) Consume(amount *big.Int, eventTime uint64, window uint64) ([]Entry, *big.Int) {
	if q == nil || amount == nil || amount.Sign() <= 0 {
		return nil, remainderOf(amount)
	}
	cutoff := uint64(0)
	if window < eventTime {
		cutoff = eventTime - window
	}
	remaining := new(big.Int).Set(amount)
	var consumed []Entry
	for q.start < len(q.entries) && remaining.Sign() > 0 {
		head := &q.entries[q.start]
		if head.OriginalTimestamp < cutoff {
			q.start++
			continue
		}
		if head.Amount.Cmp(remaining) <= 0 {
			consumed = append(consumed, head.Copy())
			remaining.Sub(remaining, head.Amount)
			q.start++
			continue
		}
		consumed = append(consumed, Entry{
			Amount:            new(big.Int).Set(remaining),
			OriginalTimestamp: head.OriginalTimestamp,
		})
		head.Amount = new(big.Int).Sub(head.Amount, remaining)
		remaining = big.NewInt(0)
	}
	q.compact()
	return consumed, remaining
}

// PruneExpired removes every entry, at any position, whose original
// timestamp precedes now−window.
func (q *Queue) PruneExpired(now uint64, window uint64) {
	if q == nil {
		return
	}
	cutoff := uint64(0)
	if window < now {
		cutoff = now - window
	}
	kept := q.entries[:0]
	for i := q.start; i < len(q.entries); i++ {
		if q.entries[i].OriginalTimestamp < cutoff {
			continue
		}
		kept = append(kept, q.entries[i])
	}
	q.entries = kept
	q.start = 0
}

// compact reclaims consumed head slots once they dominate the backing slice.
func (q *Queue) compact() {
	if q.start == 0 {
		return
	}
	if q.start < len(q.entries)/2 && q.start < 64 {
		return
	}
	q.entries = append(q.entries[:0], q.entries[q.start:]...)
	q.start = 0
}

func remainderOf(amount *big.Int) *big.Int {
	if amount == nil || amount.Sign() < 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Set(amount)
}
