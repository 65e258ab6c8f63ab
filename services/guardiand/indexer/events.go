package indexer

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"spendguard/native/acquired"
	"spendguard/services/guardiand/storage"
)

const substrateABI = `[
  {"type":"event","name":"SpendAuthorized","inputs":[
    {"name":"avatar","type":"address","indexed":true},
    {"name":"eoa","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"recipientHash","type":"bytes32","indexed":false},
    {"name":"transferType","type":"uint8","indexed":false},
    {"name":"nonce","type":"uint256","indexed":false}]},
  {"type":"event","name":"ProtocolExecution","inputs":[
    {"name":"subAccount","type":"address","indexed":true},
    {"name":"target","type":"address","indexed":true},
    {"name":"opType","type":"uint8","indexed":false},
    {"name":"tokensIn","type":"address[]","indexed":false},
    {"name":"amountsIn","type":"uint256[]","indexed":false},
    {"name":"tokensOut","type":"address[]","indexed":false},
    {"name":"amountsOut","type":"uint256[]","indexed":false},
    {"name":"spendingCost","type":"uint256","indexed":false}]},
  {"type":"event","name":"TransferExecuted","inputs":[
    {"name":"subAccount","type":"address","indexed":true},
    {"name":"token","type":"address","indexed":true},
    {"name":"recipient","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"spendingCost","type":"uint256","indexed":false}]}
]`

type eventDecoder struct {
	abi                 abi.ABI
	spendAuthorizedID   common.Hash
	protocolExecutionID common.Hash
	transferExecutedID  common.Hash
}

func newEventDecoder() (*eventDecoder, error) {
	parsed, err := abi.JSON(strings.NewReader(substrateABI))
	if err != nil {
		return nil, fmt.Errorf("parse substrate abi: %w", err)
	}
	return &eventDecoder{
		abi:                 parsed,
		spendAuthorizedID:   parsed.Events["SpendAuthorized"].ID,
		protocolExecutionID: parsed.Events["ProtocolExecution"].ID,
		transferExecutedID:  parsed.Events["TransferExecuted"].ID,
	}, nil
}

// Decode converts a raw substrate log into its ledger representation. The
// block timestamp must be supplied by the caller. A nil record with nil
// error marks a log the indexer does not track.
func (d *eventDecoder) Decode(logEntry gethtypes.Log, timestamp uint64) (*storage.EventRecord, error) {
	if len(logEntry.Topics) == 0 {
		return nil, nil
	}
	switch logEntry.Topics[0] {
	case d.spendAuthorizedID:
		return d.decodeSpendAuthorized(logEntry, timestamp)
	case d.protocolExecutionID:
		return d.decodeProtocolExecution(logEntry, timestamp)
	case d.transferExecutedID:
		return d.decodeTransferExecuted(logEntry, timestamp)
	}
	return nil, nil
}

func (d *eventDecoder) decodeSpendAuthorized(logEntry gethtypes.Log, timestamp uint64) (*storage.EventRecord, error) {
	if len(logEntry.Topics) != 3 {
		return nil, fmt.Errorf("malformed SpendAuthorized topics: %d", len(logEntry.Topics))
	}
	values, err := d.abi.Events["SpendAuthorized"].Inputs.NonIndexed().Unpack(logEntry.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack SpendAuthorized: %w", err)
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("malformed SpendAuthorized amount")
	}
	recipientHash, ok := values[1].([32]byte)
	if !ok {
		return nil, fmt.Errorf("malformed SpendAuthorized recipient hash")
	}
	transferType, ok := values[2].(uint8)
	if !ok {
		return nil, fmt.Errorf("malformed SpendAuthorized transfer type")
	}
	nonce, ok := values[3].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("malformed SpendAuthorized nonce")
	}
	record := authorizationFromLog(
		common.BytesToAddress(logEntry.Topics[1].Bytes()),
		common.BytesToAddress(logEntry.Topics[2].Bytes()),
		amount, recipientHash, transferType, nonce,
		logEntry, timestamp,
	)
	return &record, nil
}

func (d *eventDecoder) decodeProtocolExecution(logEntry gethtypes.Log, timestamp uint64) (*storage.EventRecord, error) {
	if len(logEntry.Topics) != 3 {
		return nil, fmt.Errorf("malformed ProtocolExecution topics: %d", len(logEntry.Topics))
	}
	values, err := d.abi.Events["ProtocolExecution"].Inputs.NonIndexed().Unpack(logEntry.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack ProtocolExecution: %w", err)
	}
	opByte, ok := values[0].(uint8)
	if !ok {
		return nil, fmt.Errorf("malformed ProtocolExecution op type")
	}
	op := acquired.OpType(opByte)
	switch op {
	case acquired.OpSwap, acquired.OpDeposit, acquired.OpWithdraw, acquired.OpClaim, acquired.OpApprove:
	default:
		return nil, fmt.Errorf("unknown ProtocolExecution op %d", opByte)
	}
	tokensIn, ok := values[1].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("malformed ProtocolExecution input tokens")
	}
	amountsIn, ok := values[2].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("malformed ProtocolExecution input amounts")
	}
	tokensOut, ok := values[3].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("malformed ProtocolExecution output tokens")
	}
	amountsOut, ok := values[4].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("malformed ProtocolExecution output amounts")
	}
	cost, ok := values[5].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("malformed ProtocolExecution spending cost")
	}
	if len(tokensIn) != len(amountsIn) || len(tokensOut) != len(amountsOut) {
		return nil, fmt.Errorf("ProtocolExecution arrays out of step: in %d/%d out %d/%d",
			len(tokensIn), len(amountsIn), len(tokensOut), len(amountsOut))
	}
	ev := acquired.Event{
		Kind:         acquired.KindProtocol,
		Op:           op,
		SubAccount:   common.BytesToAddress(logEntry.Topics[1].Bytes()),
		Target:       common.BytesToAddress(logEntry.Topics[2].Bytes()),
		TokensIn:     lowercaseAddresses(tokensIn),
		AmountsIn:    amountsIn,
		TokensOut:    lowercaseAddresses(tokensOut),
		AmountsOut:   amountsOut,
		SpendingCost: cost,
		Timestamp:    timestamp,
		BlockNumber:  logEntry.BlockNumber,
		LogIndex:     logEntry.Index,
		TxHash:       logEntry.TxHash,
	}
	record, err := storage.EncodeEvent(ev)
	if err != nil {
		return nil, err
	}
	record.BlockHash = strings.ToLower(logEntry.BlockHash.Hex())
	return &record, nil
}

func (d *eventDecoder) decodeTransferExecuted(logEntry gethtypes.Log, timestamp uint64) (*storage.EventRecord, error) {
	if len(logEntry.Topics) != 4 {
		return nil, fmt.Errorf("malformed TransferExecuted topics: %d", len(logEntry.Topics))
	}
	values, err := d.abi.Events["TransferExecuted"].Inputs.NonIndexed().Unpack(logEntry.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack TransferExecuted: %w", err)
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("malformed TransferExecuted amount")
	}
	cost, ok := values[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("malformed TransferExecuted spending cost")
	}
	ev := acquired.Event{
		Kind:         acquired.KindTransfer,
		SubAccount:   common.BytesToAddress(logEntry.Topics[1].Bytes()),
		Token:        strings.ToLower(common.BytesToAddress(logEntry.Topics[2].Bytes()).Hex()),
		Recipient:    common.BytesToAddress(logEntry.Topics[3].Bytes()),
		Amount:       amount,
		SpendingCost: cost,
		Timestamp:    timestamp,
		BlockNumber:  logEntry.BlockNumber,
		LogIndex:     logEntry.Index,
		TxHash:       logEntry.TxHash,
	}
	record, err := storage.EncodeEvent(ev)
	if err != nil {
		return nil, err
	}
	record.BlockHash = strings.ToLower(logEntry.BlockHash.Hex())
	return &record, nil
}

func authorizationFromLog(avatar, eoa common.Address, amount *big.Int, recipientHash [32]byte, transferType uint8, nonce *big.Int, logEntry gethtypes.Log, timestamp uint64) storage.EventRecord {
	payload := fmt.Sprintf(
		`{"avatar":%q,"eoa":%q,"amount":%q,"recipient_hash":%q,"transfer_type":%d,"nonce":%q}`,
		strings.ToLower(avatar.Hex()),
		strings.ToLower(eoa.Hex()),
		amount.String(),
		"0x"+common.Bytes2Hex(recipientHash[:]),
		transferType,
		nonce.String(),
	)
	return storage.EventRecord{
		TxHash:      strings.ToLower(logEntry.TxHash.Hex()),
		LogIndex:    logEntry.Index,
		BlockNumber: logEntry.BlockNumber,
		BlockHash:   strings.ToLower(logEntry.BlockHash.Hex()),
		Timestamp:   timestamp,
		Kind:        storage.KindAuthorization,
		SubAccount:  strings.ToLower(eoa.Hex()),
		Payload:     []byte(payload),
	}
}

func lowercaseAddresses(addrs []common.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, strings.ToLower(addr.Hex()))
	}
	return out
}
