package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"spendguard/services/guardiand/storage"
)

// GraphSource is the primary event path: a GraphQL indexer that mirrors the
// substrate logs. The RPC fallback takes over when it fails.
type GraphSource interface {
	Events(ctx context.Context, fromBlock, toBlock uint64) ([]storage.EventRecord, error)
}

// GraphQLSource queries a hosted subgraph for substrate events.
type GraphQLSource struct {
	endpoint string
	client   *http.Client
}

// NewGraphQLSource constructs a source for the supplied endpoint.
func NewGraphQLSource(endpoint string) (*GraphQLSource, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("indexer: graphql endpoint required")
	}
	return &GraphQLSource{
		endpoint: trimmed,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

const eventsQuery = `query SubstrateEvents($from: BigInt!, $to: BigInt!) {
  substrateEvents(
    where: { blockNumber_gte: $from, blockNumber_lte: $to }
    orderBy: blockNumber
    orderDirection: asc
    first: 1000
  ) {
    txHash
    logIndex
    blockNumber
    blockHash
    timestamp
    kind
    subAccount
    payload
  }
}`

type graphEvent struct {
	TxHash      string          `json:"txHash"`
	LogIndex    string          `json:"logIndex"`
	BlockNumber string          `json:"blockNumber"`
	BlockHash   string          `json:"blockHash"`
	Timestamp   string          `json:"timestamp"`
	Kind        string          `json:"kind"`
	SubAccount  string          `json:"subAccount"`
	Payload     json.RawMessage `json:"payload"`
}

type graphResponse struct {
	Data struct {
		SubstrateEvents []graphEvent `json:"substrateEvents"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Events implements GraphSource.
func (g *GraphQLSource) Events(ctx context.Context, fromBlock, toBlock uint64) ([]storage.EventRecord, error) {
	if g == nil {
		return nil, fmt.Errorf("indexer: graphql source not configured")
	}
	body, err := json.Marshal(map[string]interface{}{
		"query": eventsQuery,
		"variables": map[string]interface{}{
			"from": strconv.FormatUint(fromBlock, 10),
			"to":   strconv.FormatUint(toBlock, 10),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query indexer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("indexer status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	var decoded graphResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return nil, fmt.Errorf("indexer error: %s", decoded.Errors[0].Message)
	}
	records := make([]storage.EventRecord, 0, len(decoded.Data.SubstrateEvents))
	for _, ev := range decoded.Data.SubstrateEvents {
		record, err := ev.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (ev graphEvent) toRecord() (storage.EventRecord, error) {
	rec := storage.EventRecord{
		TxHash:     strings.ToLower(ev.TxHash),
		BlockHash:  strings.ToLower(ev.BlockHash),
		Kind:       ev.Kind,
		SubAccount: strings.ToLower(ev.SubAccount),
		Payload:    ev.Payload,
	}
	logIndex, err := strconv.ParseUint(ev.LogIndex, 10, 32)
	if err != nil {
		return rec, fmt.Errorf("parse log index %q: %w", ev.LogIndex, err)
	}
	rec.LogIndex = uint(logIndex)
	if rec.BlockNumber, err = strconv.ParseUint(ev.BlockNumber, 10, 64); err != nil {
		return rec, fmt.Errorf("parse block number %q: %w", ev.BlockNumber, err)
	}
	if rec.Timestamp, err = strconv.ParseUint(ev.Timestamp, 10, 64); err != nil {
		return rec, fmt.Errorf("parse timestamp %q: %w", ev.Timestamp, err)
	}
	return rec, nil
}
