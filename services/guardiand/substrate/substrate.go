// Package substrate adapts the enforcement substrate for the pusher: state
// reads go straight to the chain, while batch updates are relayed through
// the external execution gateway, which owns signing and submission.
package substrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"spendguard/services/guardiand/pusher"
)

// CallClient is the read-only contract call surface.
type CallClient interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

const interactorABI = `[
  {"type":"function","name":"safeValue","stateMutability":"view","inputs":[],"outputs":[
    {"name":"totalValueUSD","type":"uint256"},
    {"name":"updatedAt","type":"uint256"}]},
  {"type":"function","name":"spendingAllowance","stateMutability":"view","inputs":[
    {"name":"subAccount","type":"address"}],"outputs":[
    {"name":"","type":"uint256"}]},
  {"type":"function","name":"acquiredTokens","stateMutability":"view","inputs":[
    {"name":"subAccount","type":"address"}],"outputs":[
    {"name":"","type":"address[]"}]},
  {"type":"function","name":"acquiredBalance","stateMutability":"view","inputs":[
    {"name":"subAccount","type":"address"},
    {"name":"token","type":"address"}],"outputs":[
    {"name":"","type":"uint256"}]}
]`

// Substrate implements pusher.Substrate over an interactor contract and a
// relaying execution gateway.
type Substrate struct {
	client     CallClient
	interactor common.Address
	gatewayURL string
	httpClient *http.Client
	abi        abi.ABI
}

// New constructs the adapter.
func New(client CallClient, interactor common.Address, gatewayURL string) (*Substrate, error) {
	if client == nil {
		return nil, fmt.Errorf("substrate: call client required")
	}
	parsed, err := abi.JSON(strings.NewReader(interactorABI))
	if err != nil {
		return nil, fmt.Errorf("parse interactor abi: %w", err)
	}
	return &Substrate{
		client:     client,
		interactor: interactor,
		gatewayURL: strings.TrimRight(strings.TrimSpace(gatewayURL), "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		abi:        parsed,
	}, nil
}

func (s *Substrate) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := s.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &s.interactor, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := s.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// SafeValue implements pusher.Substrate.
func (s *Substrate) SafeValue(ctx context.Context) (*big.Int, time.Time, error) {
	values, err := s.call(ctx, "safeValue")
	if err != nil {
		return nil, time.Time{}, err
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("substrate: malformed safe value")
	}
	updatedAt, ok := values[1].(*big.Int)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("substrate: malformed safe value timestamp")
	}
	return value, time.Unix(updatedAt.Int64(), 0).UTC(), nil
}

// SpendingAllowance implements pusher.Substrate.
func (s *Substrate) SpendingAllowance(ctx context.Context, sub common.Address) (*big.Int, error) {
	values, err := s.call(ctx, "spendingAllowance", sub)
	if err != nil {
		return nil, err
	}
	allowance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("substrate: malformed allowance")
	}
	return allowance, nil
}

// AcquiredBalances implements pusher.Substrate: the on-chain token set with
// each token's tracked balance.
func (s *Substrate) AcquiredBalances(ctx context.Context, sub common.Address) (map[string]*big.Int, error) {
	values, err := s.call(ctx, "acquiredTokens", sub)
	if err != nil {
		return nil, err
	}
	tokens, ok := values[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("substrate: malformed token set")
	}
	balances := make(map[string]*big.Int, len(tokens))
	for _, token := range tokens {
		values, err := s.call(ctx, "acquiredBalance", sub, token)
		if err != nil {
			return nil, err
		}
		balance, ok := values[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("substrate: malformed balance for %s", token.Hex())
		}
		balances[strings.ToLower(token.Hex())] = balance
	}
	return balances, nil
}

type submitRequest struct {
	ID         string   `json:"id"`
	Sequence   uint64   `json:"sequence"`
	SubAccount string   `json:"sub_account"`
	Allowance  string   `json:"allowance"`
	Tokens     []string `json:"tokens"`
	Balances   []string `json:"balances"`
}

type submitResponse struct {
	TxHash string `json:"tx_hash"`
}

// SubmitBatchUpdate implements pusher.Substrate by relaying the update to
// the execution gateway without waiting for confirmation.
func (s *Substrate) SubmitBatchUpdate(ctx context.Context, update pusher.BatchUpdate) (pusher.Submission, error) {
	if s.gatewayURL == "" {
		return pusher.Submission{}, fmt.Errorf("substrate: gateway url required for submissions")
	}
	balances := make([]string, 0, len(update.Balances))
	for _, balance := range update.Balances {
		balances = append(balances, balance.String())
	}
	payload := submitRequest{
		ID:         update.ID.String(),
		Sequence:   update.Sequence,
		SubAccount: strings.ToLower(update.SubAccount.Hex()),
		Allowance:  update.NewAllowance.String(),
		Tokens:     update.Tokens,
		Balances:   balances,
	}
	var resp submitResponse
	if err := s.post(ctx, "/v1/batch-updates", payload, &resp); err != nil {
		return pusher.Submission{}, err
	}
	return pusher.Submission{
		ID:         update.ID,
		Sequence:   update.Sequence,
		SubAccount: update.SubAccount,
		TxHash:     common.HexToHash(resp.TxHash),
	}, nil
}

type awaitRequest struct {
	IDs []string `json:"ids"`
}

type awaitResponse struct {
	Confirmed []string `json:"confirmed"`
}

// WaitForSubmissions implements pusher.Substrate: it blocks on the gateway
// until the submissions confirm, returning the confirmed subset.
func (s *Substrate) WaitForSubmissions(ctx context.Context, submissions []pusher.Submission) ([]pusher.Submission, error) {
	if len(submissions) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(submissions))
	for _, submission := range submissions {
		ids = append(ids, submission.ID.String())
	}
	var resp awaitResponse
	if err := s.post(ctx, "/v1/batch-updates/await", awaitRequest{IDs: ids}, &resp); err != nil {
		return nil, err
	}
	confirmed := make(map[string]struct{}, len(resp.Confirmed))
	for _, id := range resp.Confirmed {
		confirmed[id] = struct{}{}
	}
	out := make([]pusher.Submission, 0, len(submissions))
	for _, submission := range submissions {
		if _, ok := confirmed[submission.ID.String()]; ok {
			out = append(out, submission)
		}
	}
	return out, nil
}

func (s *Substrate) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.gatewayURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
