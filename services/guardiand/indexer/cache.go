package indexer

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// BlockHashCache retains the hashes of processed blocks, bounded to the most
// recent maxEntries heights, for reorg detection.
type BlockHashCache struct {
	hashes     map[uint64]common.Hash
	maxEntries int
}

// NewBlockHashCache constructs a cache bounded to maxEntries heights.
func NewBlockHashCache(maxEntries int) *BlockHashCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &BlockHashCache{
		hashes:     make(map[uint64]common.Hash),
		maxEntries: maxEntries,
	}
}

// Put records the hash for a height, evicting the oldest entries beyond the
// bound.
func (c *BlockHashCache) Put(height uint64, hash common.Hash) {
	if c == nil {
		return
	}
	c.hashes[height] = hash
	if len(c.hashes) <= c.maxEntries {
		return
	}
	heights := c.sortedHeights()
	for _, h := range heights[:len(heights)-c.maxEntries] {
		delete(c.hashes, h)
	}
}

// Get returns the cached hash for the height.
func (c *BlockHashCache) Get(height uint64) (common.Hash, bool) {
	if c == nil {
		return common.Hash{}, false
	}
	hash, ok := c.hashes[height]
	return hash, ok
}

// HeightsFrom returns the cached heights at or above the floor, ascending.
func (c *BlockHashCache) HeightsFrom(floor uint64) []uint64 {
	if c == nil {
		return nil
	}
	out := make([]uint64, 0, len(c.hashes))
	for h := range c.hashes {
		if h >= floor {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DropFrom discards every cached hash at or above the height. Reorg rewinds
// use this so the rewound range is re-verified against the canonical chain.
func (c *BlockHashCache) DropFrom(height uint64) {
	if c == nil {
		return
	}
	for h := range c.hashes {
		if h >= height {
			delete(c.hashes, h)
		}
	}
}

// Len reports the number of cached heights.
func (c *BlockHashCache) Len() int {
	if c == nil {
		return 0
	}
	return len(c.hashes)
}

func (c *BlockHashCache) sortedHeights() []uint64 {
	out := make([]uint64, 0, len(c.hashes))
	for h := range c.hashes {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
