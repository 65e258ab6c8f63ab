// Package parsers classifies raw protocol calldata per target so operators
// can vet new protocol targets before whitelisting them. A registry maps a
// target address to its parser; unknown targets and unknown selectors fail
// loudly rather than being silently classified.
package parsers

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"spendguard/native/acquired"
)

var (
	// ErrUnknownTarget is returned for targets without a registered parser.
	ErrUnknownTarget = errors.New("parsers: unknown target")
	// ErrUnknownSelector is returned when a parser does not recognise the
	// calldata selector.
	ErrUnknownSelector = errors.New("parsers: unknown selector")
	// ErrShortCalldata is returned for calldata below selector width.
	ErrShortCalldata = errors.New("parsers: calldata too short")
)

// Classification is the decoded view of one protocol call.
type Classification struct {
	Op           acquired.OpType
	InputTokens  []common.Address
	InputAmounts []*big.Int
	OutputTokens []common.Address
	Recipient    common.Address
}

// Parser decodes the calldata of one protocol target.
type Parser interface {
	SupportsSelector(selector [4]byte) bool
	OperationType(selector [4]byte) (acquired.OpType, error)
	ExtractInputTokens(data []byte) ([]common.Address, error)
	ExtractInputAmounts(data []byte) ([]*big.Int, error)
	ExtractOutputTokens(data []byte) ([]common.Address, error)
	ExtractRecipient(data []byte) (common.Address, error)
}

// Registry dispatches calldata classification per protocol target.
type Registry struct {
	parsers map[common.Address]Parser
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[common.Address]Parser)}
}

// Register binds a parser to a target address.
func (r *Registry) Register(target common.Address, parser Parser) {
	if r == nil || parser == nil {
		return
	}
	r.parsers[target] = parser
}

// Lookup returns the parser for a target.
func (r *Registry) Lookup(target common.Address) (Parser, bool) {
	if r == nil {
		return nil, false
	}
	parser, ok := r.parsers[target]
	return parser, ok
}

// Classify decodes the calldata against the target's parser.
func (r *Registry) Classify(target common.Address, data []byte) (Classification, error) {
	out := Classification{}
	parser, ok := r.Lookup(target)
	if !ok {
		return out, fmt.Errorf("%w: %s", ErrUnknownTarget, target.Hex())
	}
	selector, err := selectorOf(data)
	if err != nil {
		return out, err
	}
	if !parser.SupportsSelector(selector) {
		return out, fmt.Errorf("%w: 0x%x on %s", ErrUnknownSelector, selector, target.Hex())
	}
	if out.Op, err = parser.OperationType(selector); err != nil {
		return out, err
	}
	if out.InputTokens, err = parser.ExtractInputTokens(data); err != nil {
		return out, err
	}
	if out.InputAmounts, err = parser.ExtractInputAmounts(data); err != nil {
		return out, err
	}
	if out.OutputTokens, err = parser.ExtractOutputTokens(data); err != nil {
		return out, err
	}
	if out.Recipient, err = parser.ExtractRecipient(data); err != nil {
		return out, err
	}
	return out, nil
}

func selectorOf(data []byte) ([4]byte, error) {
	var selector [4]byte
	if len(data) < 4 {
		return selector, ErrShortCalldata
	}
	copy(selector[:], data[:4])
	return selector, nil
}

const routerABI = `[
  {"type":"function","name":"swapExactTokensForTokens","inputs":[
    {"name":"amountIn","type":"uint256"},
    {"name":"amountOutMin","type":"uint256"},
    {"name":"path","type":"address[]"},
    {"name":"to","type":"address"},
    {"name":"deadline","type":"uint256"}],"outputs":[]}
]`

// RouterParser decodes pair-path swap routers.
type RouterParser struct {
	abi  abi.ABI
	swap [4]byte
}

// NewRouterParser constructs the router parser.
func NewRouterParser() (*RouterParser, error) {
	parsed, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	p := &RouterParser{abi: parsed}
	copy(p.swap[:], parsed.Methods["swapExactTokensForTokens"].ID)
	return p, nil
}

// SupportsSelector implements Parser.
func (p *RouterParser) SupportsSelector(selector [4]byte) bool {
	return selector == p.swap
}

// OperationType implements Parser.
func (p *RouterParser) OperationType(selector [4]byte) (acquired.OpType, error) {
	if selector != p.swap {
		return 0, ErrUnknownSelector
	}
	return acquired.OpSwap, nil
}

func (p *RouterParser) unpack(data []byte) (amountIn *big.Int, path []common.Address, to common.Address, err error) {
	selector, err := selectorOf(data)
	if err != nil {
		return nil, nil, common.Address{}, err
	}
	if selector != p.swap {
		return nil, nil, common.Address{}, ErrUnknownSelector
	}
	values, err := p.abi.Methods["swapExactTokensForTokens"].Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, common.Address{}, fmt.Errorf("unpack swap calldata: %w", err)
	}
	amountIn, ok := values[0].(*big.Int)
	if !ok {
		return nil, nil, common.Address{}, fmt.Errorf("malformed swap amount")
	}
	path, ok = values[2].([]common.Address)
	if !ok || len(path) < 2 {
		return nil, nil, common.Address{}, fmt.Errorf("malformed swap path")
	}
	to, ok = values[3].(common.Address)
	if !ok {
		return nil, nil, common.Address{}, fmt.Errorf("malformed swap recipient")
	}
	return amountIn, path, to, nil
}

// ExtractInputTokens implements Parser.
func (p *RouterParser) ExtractInputTokens(data []byte) ([]common.Address, error) {
	_, path, _, err := p.unpack(data)
	if err != nil {
		return nil, err
	}
	return []common.Address{path[0]}, nil
}

// ExtractInputAmounts implements Parser.
func (p *RouterParser) ExtractInputAmounts(data []byte) ([]*big.Int, error) {
	amountIn, _, _, err := p.unpack(data)
	if err != nil {
		return nil, err
	}
	return []*big.Int{amountIn}, nil
}

// ExtractOutputTokens implements Parser.
func (p *RouterParser) ExtractOutputTokens(data []byte) ([]common.Address, error) {
	_, path, _, err := p.unpack(data)
	if err != nil {
		return nil, err
	}
	return []common.Address{path[len(path)-1]}, nil
}

// ExtractRecipient implements Parser.
func (p *RouterParser) ExtractRecipient(data []byte) (common.Address, error) {
	_, _, to, err := p.unpack(data)
	return to, err
}

const vaultABI = `[
  {"type":"function","name":"deposit","inputs":[
    {"name":"assets","type":"uint256"},
    {"name":"receiver","type":"address"}],"outputs":[]},
  {"type":"function","name":"withdraw","inputs":[
    {"name":"assets","type":"uint256"},
    {"name":"receiver","type":"address"},
    {"name":"owner","type":"address"}],"outputs":[]},
  {"type":"function","name":"approve","inputs":[
    {"name":"spender","type":"address"},
    {"name":"amount","type":"uint256"}],"outputs":[]}
]`

// VaultParser decodes tokenised-vault deposits and withdrawals. The vault's
// underlying asset and share token are fixed per target.
type VaultParser struct {
	abi      abi.ABI
	asset    common.Address
	share    common.Address
	deposit  [4]byte
	withdraw [4]byte
	approve  [4]byte
}

// NewVaultParser constructs a parser for a vault over the supplied asset and
// share token.
func NewVaultParser(asset, share common.Address) (*VaultParser, error) {
	parsed, err := abi.JSON(strings.NewReader(vaultABI))
	if err != nil {
		return nil, fmt.Errorf("parse vault abi: %w", err)
	}
	p := &VaultParser{abi: parsed, asset: asset, share: share}
	copy(p.deposit[:], parsed.Methods["deposit"].ID)
	copy(p.withdraw[:], parsed.Methods["withdraw"].ID)
	copy(p.approve[:], parsed.Methods["approve"].ID)
	return p, nil
}

// SupportsSelector implements Parser.
func (p *VaultParser) SupportsSelector(selector [4]byte) bool {
	return selector == p.deposit || selector == p.withdraw || selector == p.approve
}

// OperationType implements Parser.
func (p *VaultParser) OperationType(selector [4]byte) (acquired.OpType, error) {
	switch selector {
	case p.deposit:
		return acquired.OpDeposit, nil
	case p.withdraw:
		return acquired.OpWithdraw, nil
	case p.approve:
		return acquired.OpApprove, nil
	}
	return 0, ErrUnknownSelector
}

func (p *VaultParser) method(selector [4]byte) (string, error) {
	switch selector {
	case p.deposit:
		return "deposit", nil
	case p.withdraw:
		return "withdraw", nil
	case p.approve:
		return "approve", nil
	}
	return "", ErrUnknownSelector
}

func (p *VaultParser) unpack(data []byte) (string, []interface{}, error) {
	selector, err := selectorOf(data)
	if err != nil {
		return "", nil, err
	}
	name, err := p.method(selector)
	if err != nil {
		return "", nil, err
	}
	values, err := p.abi.Methods[name].Inputs.Unpack(data[4:])
	if err != nil {
		return "", nil, fmt.Errorf("unpack %s calldata: %w", name, err)
	}
	return name, values, nil
}

// ExtractInputTokens implements Parser.
func (p *VaultParser) ExtractInputTokens(data []byte) ([]common.Address, error) {
	name, _, err := p.unpack(data)
	if err != nil {
		return nil, err
	}
	switch name {
	case "deposit", "approve":
		return []common.Address{p.asset}, nil
	case "withdraw":
		return []common.Address{p.share}, nil
	}
	return nil, ErrUnknownSelector
}

// ExtractInputAmounts implements Parser.
func (p *VaultParser) ExtractInputAmounts(data []byte) ([]*big.Int, error) {
	name, values, err := p.unpack(data)
	if err != nil {
		return nil, err
	}
	index := 0
	if name == "approve" {
		index = 1
	}
	amount, ok := values[index].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("malformed %s amount", name)
	}
	return []*big.Int{amount}, nil
}

// ExtractOutputTokens implements Parser.
func (p *VaultParser) ExtractOutputTokens(data []byte) ([]common.Address, error) {
	name, _, err := p.unpack(data)
	if err != nil {
		return nil, err
	}
	switch name {
	case "deposit":
		return []common.Address{p.share}, nil
	case "withdraw":
		return []common.Address{p.asset}, nil
	case "approve":
		return nil, nil
	}
	return nil, ErrUnknownSelector
}

// ExtractRecipient implements Parser.
func (p *VaultParser) ExtractRecipient(data []byte) (common.Address, error) {
	name, values, err := p.unpack(data)
	if err != nil {
		return common.Address{}, err
	}
	switch name {
	case "deposit", "withdraw":
		recipient, ok := values[1].(common.Address)
		if !ok {
			return common.Address{}, fmt.Errorf("malformed %s receiver", name)
		}
		return recipient, nil
	case "approve":
		spender, ok := values[0].(common.Address)
		if !ok {
			return common.Address{}, fmt.Errorf("malformed approve spender")
		}
		return spender, nil
	}
	return common.Address{}, ErrUnknownSelector
}
