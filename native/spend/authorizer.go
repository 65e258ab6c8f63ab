package spend

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

var (
	accountPrefix = []byte("spend/account/")
	logPrefix     = []byte("spend/log/")
	indexKey      = []byte("spend/index")
	nonceKey      = []byte("spend/nonce")
	pausedKey     = []byte("spend/paused")
)

// DefaultWindowDuration is the rolling interval over which spends accumulate.
const DefaultWindowDuration = 24 * time.Hour

type storedAccount struct {
	DailyLimit   string
	AllowedTypes uint8
	Registered   bool
}

type storedLog struct {
	Records    []string
	StartIndex uint64
}

type storedIndex struct {
	Addresses []string
}

type storedNonce struct {
	Next string
}

type storedFlag struct {
	Value bool
}

// Authorizer validates spending intents against per-EOA rolling limits and
// assigns strictly monotonic nonces. Every successful authorization commits
// before the next begins; concurrent callers observe serializable outcomes.
type Authorizer struct {
	store      Storage
	emitter    Emitter
	avatar     [20]byte
	owner      [20]byte
	window     time.Duration
	maxRecords int
	clock      func() time.Time

	mu sync.Mutex
}

// AuthorizerOption customises the engine.
type AuthorizerOption func(*Authorizer)

// WithWindow overrides the rolling window duration.
func WithWindow(window time.Duration) AuthorizerOption {
	return func(a *Authorizer) {
		if window > 0 {
			a.window = window
		}
	}
}

// WithMaxRecords overrides the live record cap per EOA.
func WithMaxRecords(max int) AuthorizerOption {
	return func(a *Authorizer) {
		if max > 0 {
			a.maxRecords = max
		}
	}
}

// WithEmitter installs the authorization record sink.
func WithEmitter(e Emitter) AuthorizerOption {
	return func(a *Authorizer) {
		if e != nil {
			a.emitter = e
		}
	}
}

// NewAuthorizer constructs an authorizer bound to the provided storage.
func NewAuthorizer(store Storage, avatar, owner [20]byte, opts ...AuthorizerOption) (*Authorizer, error) {
	if store == nil {
		return nil, fmt.Errorf("spend: storage required")
	}
	if avatar == ([20]byte{}) || owner == ([20]byte{}) {
		return nil, ErrInvalidAddress
	}
	auth := &Authorizer{
		store:      store,
		emitter:    EmitterFunc(nil),
		avatar:     avatar,
		owner:      owner,
		window:     DefaultWindowDuration,
		maxRecords: MaxRecordsPerEOA,
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(auth)
		}
	}
	return auth, nil
}

// SetClock overrides the time source, enabling deterministic unit tests.
func (a *Authorizer) SetClock(clock func() time.Time) {
	if a == nil || clock == nil {
		return
	}
	a.clock = clock
}

// RegisterEOA registers a sub-account with its daily limit and allowed types.
func (a *Authorizer) RegisterEOA(caller, eoa [20]byte, dailyLimit *big.Int, types []TransferType) error {
	if a == nil {
		return fmt.Errorf("spend: authorizer not initialised")
	}
	if caller != a.owner {
		return ErrNotOwner
	}
	if eoa == ([20]byte{}) {
		return ErrInvalidAddress
	}
	if eoa == a.avatar || eoa == a.owner {
		return ErrCannotRegisterCoreAddress
	}
	if dailyLimit == nil || dailyLimit.Sign() <= 0 {
		return ErrInvalidDailyLimit
	}
	bitmap, err := BuildTypeBitmap(types)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	account, err := a.loadAccount(eoa)
	if err != nil {
		return err
	}
	if account != nil && account.Registered {
		return ErrEOAAlreadyRegistered
	}
	record := &EOAAccount{
		Address:      eoa,
		DailyLimit:   new(big.Int).Set(dailyLimit),
		AllowedTypes: bitmap,
		Registered:   true,
	}
	if err := a.saveAccount(record); err != nil {
		return err
	}
	return a.indexAdd(eoa)
}

// RevokeEOA clears the sub-account and removes it from the enumeration list.
// Revocation is idempotent.
func (a *Authorizer) RevokeEOA(caller, eoa [20]byte) error {
	if a == nil {
		return fmt.Errorf("spend: authorizer not initialised")
	}
	if caller != a.owner {
		return ErrNotOwner
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	account, err := a.loadAccount(eoa)
	if err != nil {
		return err
	}
	if account == nil || !account.Registered {
		return nil
	}
	cleared := &EOAAccount{Address: eoa, DailyLimit: big.NewInt(0)}
	if err := a.saveAccount(cleared); err != nil {
		return err
	}
	return a.indexRemove(eoa)
}

// UpdateLimit replaces the daily limit of a live EOA.
func (a *Authorizer) UpdateLimit(caller, eoa [20]byte, newLimit *big.Int) error {
	if a == nil {
		return fmt.Errorf("spend: authorizer not initialised")
	}
	if caller != a.owner {
		return ErrNotOwner
	}
	if newLimit == nil || newLimit.Sign() <= 0 {
		return ErrInvalidDailyLimit
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	account, err := a.loadAccount(eoa)
	if err != nil {
		return err
	}
	if account == nil || !account.Registered {
		return ErrEOANotRegistered
	}
	account.DailyLimit = new(big.Int).Set(newLimit)
	return a.saveAccount(account)
}

// UpdateAllowedTypes replaces the transfer-type bitmap of a live EOA.
func (a *Authorizer) UpdateAllowedTypes(caller, eoa [20]byte, types []TransferType) error {
	if a == nil {
		return fmt.Errorf("spend: authorizer not initialised")
	}
	if caller != a.owner {
		return ErrNotOwner
	}
	bitmap, err := BuildTypeBitmap(types)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	account, err := a.loadAccount(eoa)
	if err != nil {
		return err
	}
	if account == nil || !account.Registered {
		return ErrEOANotRegistered
	}
	account.AllowedTypes = bitmap
	return a.saveAccount(account)
}

// Pause halts authorization processing.
func (a *Authorizer) Pause(caller [20]byte) error {
	return a.setPaused(caller, true)
}

// Unpause resumes authorization processing.
func (a *Authorizer) Unpause(caller [20]byte) error {
	return a.setPaused(caller, false)
}

func (a *Authorizer) setPaused(caller [20]byte, paused bool) error {
	if a == nil {
		return fmt.Errorf("spend: authorizer not initialised")
	}
	if caller != a.owner {
		return ErrNotOwner
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.KVPut(pausedKey, storedFlag{Value: paused})
}

// AuthorizeSpend validates the intent for the calling EOA and, on success,
// appends a spend record, assigns the next nonce and emits the authorization.
// All failures abort without observable state change; the nonce counter only
// advances on success so emitted nonces are gapless.
func (a *Authorizer) AuthorizeSpend(caller [20]byte, amount *big.Int, recipientHash [32]byte, transferType TransferType) (*AuthorizationRecord, error) {
	if a == nil {
		return nil, fmt.Errorf("spend: authorizer not initialised")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var pausedRec storedFlag
	if ok, err := a.store.KVGet(pausedKey, &pausedRec); err != nil {
		return nil, err
	} else if ok && pausedRec.Value {
		return nil, ErrPaused
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if amount.BitLen() > 128 {
		return nil, ErrInvalidRecordAmount
	}
	account, err := a.loadAccount(caller)
	if err != nil {
		return nil, err
	}
	if account == nil || !account.Registered {
		return nil, ErrEOANotRegistered
	}
	if transferType > MaxTransferType {
		return nil, ErrInvalidTransferType
	}
	if !account.AllowsType(transferType) {
		return nil, &TransferTypeNotAllowedError{Type: transferType}
	}

	now := uint64(a.clock().UTC().Unix())
	cutoff := a.cutoff(now)
	log, err := a.loadLog(caller)
	if err != nil {
		return nil, err
	}
	current := rollingSum(log, cutoff)
	remaining := new(big.Int).Sub(account.DailyLimit, current)
	if remaining.Sign() < 0 {
		remaining = big.NewInt(0)
	}
	if amount.Cmp(remaining) > 0 {
		return nil, &DailyLimitExceededError{
			Requested: new(big.Int).Set(amount),
			Remaining: remaining,
		}
	}

	pruneExpired(log, cutoff)
	if live := len(log.records) - int(log.start); live >= a.maxRecords {
		return nil, ErrTooManySpendRecords
	}

	nonce, err := a.loadNonce()
	if err != nil {
		return nil, err
	}
	log.records = append(log.records, SpendRecord{Amount: new(big.Int).Set(amount), Timestamp: now})
	if err := a.saveLog(caller, log); err != nil {
		return nil, err
	}
	next := new(big.Int).Add(nonce, big.NewInt(1))
	if err := a.store.KVPut(nonceKey, storedNonce{Next: next.String()}); err != nil {
		return nil, err
	}

	record := AuthorizationRecord{
		Avatar:        a.avatar,
		EOA:           caller,
		Amount:        new(big.Int).Set(amount),
		RecipientHash: recipientHash,
		TransferType:  transferType,
		Nonce:         nonce,
	}
	a.emitter.EmitSpendAuthorized(*record.Copy())
	return &record, nil
}

// RollingSpend returns the cumulative in-window spend for the EOA.
func (a *Authorizer) RollingSpend(eoa [20]byte) (*big.Int, error) {
	if a == nil {
		return nil, fmt.Errorf("spend: authorizer not initialised")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	log, err := a.loadLog(eoa)
	if err != nil {
		return nil, err
	}
	now := uint64(a.clock().UTC().Unix())
	return rollingSum(log, a.cutoff(now)), nil
}

// RemainingLimit returns the headroom left in the current window.
func (a *Authorizer) RemainingLimit(eoa [20]byte) (*big.Int, error) {
	if a == nil {
		return nil, fmt.Errorf("spend: authorizer not initialised")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	account, err := a.loadAccount(eoa)
	if err != nil {
		return nil, err
	}
	if account == nil || !account.Registered {
		return big.NewInt(0), nil
	}
	log, err := a.loadLog(eoa)
	if err != nil {
		return nil, err
	}
	now := uint64(a.clock().UTC().Unix())
	current := rollingSum(log, a.cutoff(now))
	remaining := new(big.Int).Sub(account.DailyLimit, current)
	if remaining.Sign() < 0 {
		return big.NewInt(0), nil
	}
	return remaining, nil
}

// DailyLimit returns the configured limit for the EOA.
func (a *Authorizer) DailyLimit(eoa [20]byte) (*big.Int, error) {
	if a == nil {
		return nil, fmt.Errorf("spend: authorizer not initialised")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	account, err := a.loadAccount(eoa)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(account.DailyLimit), nil
}

// IsRegistered reports whether the EOA is currently live.
func (a *Authorizer) IsRegistered(eoa [20]byte) (bool, error) {
	if a == nil {
		return false, fmt.Errorf("spend: authorizer not initialised")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	account, err := a.loadAccount(eoa)
	if err != nil {
		return false, err
	}
	return account != nil && account.Registered, nil
}

// Account returns a copy of the stored account state, or nil when absent.
func (a *Authorizer) Account(eoa [20]byte) (*EOAAccount, error) {
	if a == nil {
		return nil, fmt.Errorf("spend: authorizer not initialised")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	account, err := a.loadAccount(eoa)
	if err != nil {
		return nil, err
	}
	return account.Copy(), nil
}

// RegisteredEOAs enumerates the live sub-accounts.
func (a *Authorizer) RegisteredEOAs() ([][20]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("spend: authorizer not initialised")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadIndex()
}

func (a *Authorizer) cutoff(now uint64) uint64 {
	window := uint64(a.window / time.Second)
	if window >= now {
		return 0
	}
	return now - window
}

type spendLog struct {
	records []SpendRecord
	start   uint64
}

// rollingSum walks the record list backward from the tail, summing amounts
// until the first record older than the cutoff. Appends are monotonic in
// time, so everything before that record is also out of window.
func rollingSum(log *spendLog, cutoff uint64) *big.Int {
	total := big.NewInt(0)
	for i := len(log.records) - 1; i >= int(log.start); i-- {
		if log.records[i].Timestamp < cutoff {
			break
		}
		total.Add(total, log.records[i].Amount)
	}
	return total
}

// pruneExpired advances the logical start index over expired records. Records
// are never removed in place.
func pruneExpired(log *spendLog, cutoff uint64) {
	for int(log.start) < len(log.records) && log.records[log.start].Timestamp < cutoff {
		log.start++
	}
}

func (a *Authorizer) loadAccount(eoa [20]byte) (*EOAAccount, error) {
	var rec storedAccount
	ok, err := a.store.KVGet(accountKey(eoa), &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	limit := big.NewInt(0)
	if strings.TrimSpace(rec.DailyLimit) != "" {
		parsed, parseOK := new(big.Int).SetString(rec.DailyLimit, 10)
		if !parseOK {
			return nil, fmt.Errorf("spend: corrupt daily limit for %s", hex.EncodeToString(eoa[:]))
		}
		limit = parsed
	}
	return &EOAAccount{
		Address:      eoa,
		DailyLimit:   limit,
		AllowedTypes: rec.AllowedTypes,
		Registered:   rec.Registered,
	}, nil
}

func (a *Authorizer) saveAccount(account *EOAAccount) error {
	rec := storedAccount{
		DailyLimit:   account.DailyLimit.String(),
		AllowedTypes: account.AllowedTypes,
		Registered:   account.Registered,
	}
	return a.store.KVPut(accountKey(account.Address), rec)
}

func (a *Authorizer) loadLog(eoa [20]byte) (*spendLog, error) {
	var rec storedLog
	ok, err := a.store.KVGet(logKey(eoa), &rec)
	if err != nil {
		return nil, err
	}
	log := &spendLog{}
	if !ok {
		return log, nil
	}
	log.start = rec.StartIndex
	log.records = make([]SpendRecord, 0, len(rec.Records))
	for _, encoded := range rec.Records {
		word, parseErr := uint256.FromHex(encoded)
		if parseErr != nil {
			return nil, fmt.Errorf("spend: corrupt record for %s: %w", hex.EncodeToString(eoa[:]), parseErr)
		}
		log.records = append(log.records, UnpackSpendRecord(word))
	}
	if log.start > uint64(len(log.records)) {
		log.start = uint64(len(log.records))
	}
	return log, nil
}

func (a *Authorizer) saveLog(eoa [20]byte, log *spendLog) error {
	rec := storedLog{StartIndex: log.start, Records: make([]string, 0, len(log.records))}
	for _, record := range log.records {
		word, err := record.Pack()
		if err != nil {
			return err
		}
		rec.Records = append(rec.Records, word.Hex())
	}
	return a.store.KVPut(logKey(eoa), rec)
}

func (a *Authorizer) loadNonce() (*big.Int, error) {
	var rec storedNonce
	ok, err := a.store.KVGet(nonceKey, &rec)
	if err != nil {
		return nil, err
	}
	if !ok || strings.TrimSpace(rec.Next) == "" {
		return big.NewInt(0), nil
	}
	nonce, parseOK := new(big.Int).SetString(rec.Next, 10)
	if !parseOK {
		return nil, fmt.Errorf("spend: corrupt nonce counter")
	}
	return nonce, nil
}

func (a *Authorizer) loadIndex() ([][20]byte, error) {
	var rec storedIndex
	ok, err := a.store.KVGet(indexKey, &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return [][20]byte{}, nil
	}
	out := make([][20]byte, 0, len(rec.Addresses))
	for _, encoded := range rec.Addresses {
		raw, decodeErr := hex.DecodeString(encoded)
		if decodeErr != nil || len(raw) != 20 {
			return nil, fmt.Errorf("spend: corrupt eoa index entry %q", encoded)
		}
		var addr [20]byte
		copy(addr[:], raw)
		out = append(out, addr)
	}
	return out, nil
}

func (a *Authorizer) saveIndex(addrs [][20]byte) error {
	rec := storedIndex{Addresses: make([]string, 0, len(addrs))}
	for _, addr := range addrs {
		rec.Addresses = append(rec.Addresses, hex.EncodeToString(addr[:]))
	}
	return a.store.KVPut(indexKey, rec)
}

func (a *Authorizer) indexAdd(eoa [20]byte) error {
	addrs, err := a.loadIndex()
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if addr == eoa {
			return nil
		}
	}
	return a.saveIndex(append(addrs, eoa))
}

// indexRemove drops the address via swap-and-pop.
func (a *Authorizer) indexRemove(eoa [20]byte) error {
	addrs, err := a.loadIndex()
	if err != nil {
		return err
	}
	for i, addr := range addrs {
		if addr == eoa {
			addrs[i] = addrs[len(addrs)-1]
			return a.saveIndex(addrs[:len(addrs)-1])
		}
	}
	return nil
}

func accountKey(eoa [20]byte) []byte {
	suffix := hex.EncodeToString(eoa[:])
	key := make([]byte, len(accountPrefix)+len(suffix))
	copy(key, accountPrefix)
	copy(key[len(accountPrefix):], suffix)
	return key
}

func logKey(eoa [20]byte) []byte {
	suffix := hex.EncodeToString(eoa[:])
	key := make([]byte, len(logPrefix)+len(suffix))
	copy(key, logPrefix)
	copy(key[len(logPrefix):], suffix)
	return key
}
