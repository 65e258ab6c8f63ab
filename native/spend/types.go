package spend

import (
	"math/big"

	"github.com/holiman/uint256"
)

// Storage abstracts the subset of state manager functionality required by the
// spend authorizer.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// TransferType identifies the category of an authorized transfer. Types above
// MaxTransferType are rejected at registration and authorization time.
type TransferType uint8

const (
	// TransferTypePayment covers outbound merchant payments.
	TransferTypePayment TransferType = 0
	// TransferTypeTransfer covers intra-bank account transfers.
	TransferTypeTransfer TransferType = 1
	// TransferTypeInterbank covers settlement against external banks.
	TransferTypeInterbank TransferType = 2

	// MaxTransferType bounds the bitmap width; bits 0..7 are addressable.
	MaxTransferType TransferType = 7
)

// MaxRecordsPerEOA caps the live spend records retained per sub-account.
const MaxRecordsPerEOA = 200

// EOAAccount captures the registered limit state for one sub-account.
type EOAAccount struct {
	Address      [20]byte
	DailyLimit   *big.Int
	AllowedTypes uint8
	Registered   bool
}

// Copy returns a deep copy to shield callers from shared pointers.
func (a *EOAAccount) Copy() *EOAAccount {
	if a == nil {
		return nil
	}
	clone := *a
	if a.DailyLimit != nil {
		clone.DailyLimit = new(big.Int).Set(a.DailyLimit)
	}
	return &clone
}

// AllowsType reports whether the bitmap admits the supplied transfer type.
func (a *EOAAccount) AllowsType(t TransferType) bool {
	if a == nil || t > MaxTransferType {
		return false
	}
	return a.AllowedTypes&(1<<uint8(t)) != 0
}

// SpendRecord is a single authorized spend, packed for compact storage as
// amount<<128 | timestamp. Both halves must fit in 128 bits.
type SpendRecord struct {
	Amount    *big.Int
	Timestamp uint64
}

// Pack encodes the record into a single 256-bit word.
func (r SpendRecord) Pack() (*uint256.Int, error) {
	if r.Amount == nil || r.Amount.Sign() < 0 {
		return nil, ErrInvalidRecordAmount
	}
	if r.Amount.BitLen() > 128 {
		return nil, ErrInvalidRecordAmount
	}
	word, overflow := uint256.FromBig(r.Amount)
	if overflow {
		return nil, ErrInvalidRecordAmount
	}
	word.Lsh(word, 128)
	word.Or(word, uint256.NewInt(r.Timestamp))
	return word, nil
}

// UnpackSpendRecord decodes a packed 256-bit word back into a record.
func UnpackSpendRecord(word *uint256.Int) SpendRecord {
	if word == nil {
		return SpendRecord{Amount: big.NewInt(0)}
	}
	amount := new(uint256.Int).Rsh(word, 128)
	low := new(uint256.Int).And(word, lowMask)
	return SpendRecord{
		Amount:    amount.ToBig(),
		Timestamp: low.Uint64(),
	}
}

var lowMask = func() *uint256.Int {
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	return mask.Sub(mask, uint256.NewInt(1))
}()

// AuthorizationRecord is emitted exactly once per successful authorization and
// is the durable ground truth consumed by downstream execution.
type AuthorizationRecord struct {
	Avatar        [20]byte
	EOA           [20]byte
	Amount        *big.Int
	RecipientHash [32]byte
	TransferType  TransferType
	Nonce         *big.Int
}

// Copy returns a deep copy of the record.
func (r *AuthorizationRecord) Copy() *AuthorizationRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	}
	if r.Nonce != nil {
		clone.Nonce = new(big.Int).Set(r.Nonce)
	}
	return &clone
}

// Emitter receives authorization records after they have been committed.
type Emitter interface {
	EmitSpendAuthorized(record AuthorizationRecord)
}

// EmitterFunc adapts ordinary functions to Emitter.
type EmitterFunc func(record AuthorizationRecord)

// EmitSpendAuthorized implements Emitter.
func (f EmitterFunc) EmitSpendAuthorized(record AuthorizationRecord) {
	if f == nil {
		return
	}
	f(record)
}

// BuildTypeBitmap folds the supplied transfer types into a bitmap, rejecting
// any type wider than the addressable range.
func BuildTypeBitmap(types []TransferType) (uint8, error) {
	var bitmap uint8
	for _, t := range types {
		if t > MaxTransferType {
			return 0, ErrInvalidTransferType
		}
		bitmap |= 1 << uint8(t)
	}
	return bitmap, nil
}
