package indexer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Client is the subset of the Ethereum RPC the indexer depends on.
type Client interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// Endpoint pairs a client with its display name for logs.
type Endpoint struct {
	Name   string
	Client Client
}

// Ring rotates through fallback RPC endpoints. An endpoint is abandoned for
// the next one after maxFailures consecutive errors; success resets the
// counter.
type Ring struct {
	endpoints   []Endpoint
	current     int
	failures    int
	maxFailures int
	onRotate    func()
}

// NewRing constructs a ring over the supplied endpoints.
func NewRing(endpoints []Endpoint, maxFailures int, onRotate func()) (*Ring, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("indexer: at least one endpoint required")
	}
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &Ring{
		endpoints:   append([]Endpoint{}, endpoints...),
		maxFailures: maxFailures,
		onRotate:    onRotate,
	}, nil
}

// Current returns the active endpoint.
func (r *Ring) Current() Endpoint {
	return r.endpoints[r.current]
}

// Do invokes fn against the active endpoint, rotating through fallbacks on
// repeated failure. It gives every endpoint maxFailures attempts before
// propagating the last error.
func (r *Ring) Do(ctx context.Context, fn func(Client) error) error {
	if r == nil {
		return fmt.Errorf("indexer: ring not configured")
	}
	var lastErr error
	for attempt := 0; attempt < len(r.endpoints)*r.maxFailures; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn(r.Current().Client)
		if err == nil {
			r.failures = 0
			return nil
		}
		lastErr = err
		r.failures++
		if r.failures >= r.maxFailures {
			r.rotate()
		}
	}
	return lastErr
}

func (r *Ring) rotate() {
	r.failures = 0
	r.current = (r.current + 1) % len(r.endpoints)
	if r.onRotate != nil {
		r.onRotate()
	}
}
