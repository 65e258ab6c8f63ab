package storage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"spendguard/native/acquired"
	"spendguard/native/spend"
)

type protocolPayload struct {
	Op         string   `json:"op"`
	Target     string   `json:"target"`
	TokensIn   []string `json:"tokens_in"`
	AmountsIn  []string `json:"amounts_in"`
	TokensOut  []string `json:"tokens_out"`
	AmountsOut []string `json:"amounts_out"`
	Cost       string   `json:"spending_cost"`
}

type transferPayload struct {
	Token     string `json:"token"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Cost      string `json:"spending_cost"`
}

type authorizationPayload struct {
	Avatar        string `json:"avatar"`
	EOA           string `json:"eoa"`
	Amount        string `json:"amount"`
	RecipientHash string `json:"recipient_hash"`
	TransferType  uint8  `json:"transfer_type"`
	Nonce         string `json:"nonce"`
}

// EncodeEvent converts a rebuilder event into its ledger representation.
func EncodeEvent(ev acquired.Event) (EventRecord, error) {
	rec := EventRecord{
		TxHash:      "0x" + hex.EncodeToString(ev.TxHash[:]),
		LogIndex:    ev.LogIndex,
		BlockNumber: ev.BlockNumber,
		Timestamp:   ev.Timestamp,
		SubAccount:  "0x" + hex.EncodeToString(ev.SubAccount[:]),
	}
	switch ev.Kind {
	case acquired.KindProtocol:
		rec.Kind = KindProtocol
		payload := protocolPayload{
			Op:         ev.Op.String(),
			Target:     "0x" + hex.EncodeToString(ev.Target[:]),
			TokensIn:   ev.TokensIn,
			AmountsIn:  encodeAmounts(ev.AmountsIn),
			TokensOut:  ev.TokensOut,
			AmountsOut: encodeAmounts(ev.AmountsOut),
			Cost:       encodeAmount(ev.SpendingCost),
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return rec, fmt.Errorf("encode protocol payload: %w", err)
		}
		rec.Payload = encoded
	case acquired.KindTransfer:
		rec.Kind = KindTransfer
		payload := transferPayload{
			Token:     ev.Token,
			Recipient: "0x" + hex.EncodeToString(ev.Recipient[:]),
			Amount:    encodeAmount(ev.Amount),
			Cost:      encodeAmount(ev.SpendingCost),
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return rec, fmt.Errorf("encode transfer payload: %w", err)
		}
		rec.Payload = encoded
	default:
		return rec, fmt.Errorf("unsupported event kind %d", ev.Kind)
	}
	return rec, nil
}

// DecodeEvent converts a ledger row back into a rebuilder event.
func DecodeEvent(rec EventRecord) (acquired.Event, error) {
	ev := acquired.Event{
		Timestamp:   rec.Timestamp,
		BlockNumber: rec.BlockNumber,
		LogIndex:    rec.LogIndex,
	}
	var err error
	if ev.TxHash, err = parseHash(rec.TxHash); err != nil {
		return ev, fmt.Errorf("decode tx hash: %w", err)
	}
	if ev.SubAccount, err = parseAddress(rec.SubAccount); err != nil {
		return ev, fmt.Errorf("decode sub account: %w", err)
	}
	switch rec.Kind {
	case KindProtocol:
		var payload protocolPayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return ev, fmt.Errorf("decode protocol payload: %w", err)
		}
		ev.Kind = acquired.KindProtocol
		if ev.Op, err = parseOp(payload.Op); err != nil {
			return ev, err
		}
		if ev.Target, err = parseAddress(payload.Target); err != nil {
			return ev, fmt.Errorf("decode target: %w", err)
		}
		ev.TokensIn = payload.TokensIn
		if ev.AmountsIn, err = decodeAmounts(payload.AmountsIn); err != nil {
			return ev, fmt.Errorf("decode input amounts: %w", err)
		}
		ev.TokensOut = payload.TokensOut
		if ev.AmountsOut, err = decodeAmounts(payload.AmountsOut); err != nil {
			return ev, fmt.Errorf("decode output amounts: %w", err)
		}
		if ev.SpendingCost, err = decodeAmount(payload.Cost); err != nil {
			return ev, fmt.Errorf("decode spending cost: %w", err)
		}
	case KindTransfer:
		var payload transferPayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return ev, fmt.Errorf("decode transfer payload: %w", err)
		}
		ev.Kind = acquired.KindTransfer
		ev.Token = payload.Token
		if ev.Recipient, err = parseAddress(payload.Recipient); err != nil {
			return ev, fmt.Errorf("decode recipient: %w", err)
		}
		if ev.Amount, err = decodeAmount(payload.Amount); err != nil {
			return ev, fmt.Errorf("decode amount: %w", err)
		}
		if ev.SpendingCost, err = decodeAmount(payload.Cost); err != nil {
			return ev, fmt.Errorf("decode spending cost: %w", err)
		}
	default:
		return ev, fmt.Errorf("unsupported ledger kind %q", rec.Kind)
	}
	return ev, nil
}

// EncodeAuthorization converts an emitted authorization record into its
// ledger representation, stored under the tx hash, log index and block
// number the caller supplies.
func EncodeAuthorization(rec spend.AuthorizationRecord, txHash [32]byte, logIndex uint, blockNumber, timestamp uint64) (EventRecord, error) {
	payload := authorizationPayload{
		Avatar:        "0x" + hex.EncodeToString(rec.Avatar[:]),
		EOA:           "0x" + hex.EncodeToString(rec.EOA[:]),
		Amount:        encodeAmount(rec.Amount),
		RecipientHash: "0x" + hex.EncodeToString(rec.RecipientHash[:]),
		TransferType:  uint8(rec.TransferType),
		Nonce:         encodeAmount(rec.Nonce),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return EventRecord{}, fmt.Errorf("encode authorization payload: %w", err)
	}
	return EventRecord{
		TxHash:      "0x" + hex.EncodeToString(txHash[:]),
		LogIndex:    logIndex,
		BlockNumber: blockNumber,
		Timestamp:   timestamp,
		Kind:        KindAuthorization,
		SubAccount:  "0x" + hex.EncodeToString(rec.EOA[:]),
		Payload:     encoded,
	}, nil
}

func encodeAmounts(amounts []*big.Int) []string {
	out := make([]string, 0, len(amounts))
	for _, amount := range amounts {
		out = append(out, encodeAmount(amount))
	}
	return out
}

func encodeAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func decodeAmounts(values []string) ([]*big.Int, error) {
	out := make([]*big.Int, 0, len(values))
	for _, value := range values {
		amount, err := decodeAmount(value)
		if err != nil {
			return nil, err
		}
		out = append(out, amount)
	}
	return out, nil
}

func decodeAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func parseOp(value string) (acquired.OpType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "swap":
		return acquired.OpSwap, nil
	case "deposit":
		return acquired.OpDeposit, nil
	case "withdraw":
		return acquired.OpWithdraw, nil
	case "claim":
		return acquired.OpClaim, nil
	case "approve":
		return acquired.OpApprove, nil
	}
	return 0, fmt.Errorf("unknown op %q", value)
}

func parseAddress(value string) ([20]byte, error) {
	var out [20]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "0x"))
	if err != nil {
		return out, err
	}
	if len(raw) != 20 {
		return out, fmt.Errorf("address must be 20 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func parseHash(value string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "0x"))
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("hash must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
