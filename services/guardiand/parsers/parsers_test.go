package parsers

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"spendguard/native/acquired"
)

var (
	routerTarget = common.HexToAddress("0x7a250d5630b4cf539739df2c5dacb4c659f2488d")
	vaultTarget  = common.HexToAddress("0x4444444444444444444444444444444444444444")
	assetToken   = common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	shareToken   = common.HexToAddress("0xbcca60bb61934080951369a648fb03df4f96263c")
	wethToken    = common.HexToAddress("0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2")
	receiver     = common.HexToAddress("0x9999999999999999999999999999999999999999")
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := NewRegistry()
	router, err := NewRouterParser()
	require.NoError(t, err)
	registry.Register(routerTarget, router)
	vault, err := NewVaultParser(assetToken, shareToken)
	require.NoError(t, err)
	registry.Register(vaultTarget, vault)
	return registry
}

func TestClassifySwap(t *testing.T) {
	registry := newTestRegistry(t)
	router, _ := registry.Lookup(routerTarget)
	parser := router.(*RouterParser)

	data, err := parser.abi.Methods["swapExactTokensForTokens"].Inputs.Pack(
		big.NewInt(1000), big.NewInt(990),
		[]common.Address{assetToken, wethToken},
		receiver, big.NewInt(1_700_000_000),
	)
	require.NoError(t, err)
	calldata := append(parser.swap[:], data...)

	classified, err := registry.Classify(routerTarget, calldata)
	require.NoError(t, err)
	require.Equal(t, acquired.OpSwap, classified.Op)
	require.Equal(t, []common.Address{assetToken}, classified.InputTokens)
	require.Equal(t, []common.Address{wethToken}, classified.OutputTokens)
	require.Zero(t, classified.InputAmounts[0].Cmp(big.NewInt(1000)))
	require.Equal(t, receiver, classified.Recipient)
}

func TestClassifyVaultDepositAndWithdraw(t *testing.T) {
	registry := newTestRegistry(t)
	vaultParser, _ := registry.Lookup(vaultTarget)
	parser := vaultParser.(*VaultParser)

	deposit, err := parser.abi.Methods["deposit"].Inputs.Pack(big.NewInt(500), receiver)
	require.NoError(t, err)
	classified, err := registry.Classify(vaultTarget, append(parser.deposit[:], deposit...))
	require.NoError(t, err)
	require.Equal(t, acquired.OpDeposit, classified.Op)
	require.Equal(t, []common.Address{assetToken}, classified.InputTokens)
	require.Equal(t, []common.Address{shareToken}, classified.OutputTokens)

	withdraw, err := parser.abi.Methods["withdraw"].Inputs.Pack(big.NewInt(500), receiver, receiver)
	require.NoError(t, err)
	classified, err = registry.Classify(vaultTarget, append(parser.withdraw[:], withdraw...))
	require.NoError(t, err)
	require.Equal(t, acquired.OpWithdraw, classified.Op)
	require.Equal(t, []common.Address{shareToken}, classified.InputTokens)
	require.Equal(t, []common.Address{assetToken}, classified.OutputTokens)
}

func TestClassifyApproveIsGuardOnly(t *testing.T) {
	registry := newTestRegistry(t)
	vaultParser, _ := registry.Lookup(vaultTarget)
	parser := vaultParser.(*VaultParser)

	approve, err := parser.abi.Methods["approve"].Inputs.Pack(receiver, big.NewInt(500))
	require.NoError(t, err)
	classified, err := registry.Classify(vaultTarget, append(parser.approve[:], approve...))
	require.NoError(t, err)
	require.Equal(t, acquired.OpApprove, classified.Op)
	require.Empty(t, classified.OutputTokens)
}

func TestUnknownSelectorFailsLoudly(t *testing.T) {
	registry := newTestRegistry(t)
	_, err := registry.Classify(routerTarget, []byte{0xde, 0xad, 0xbe, 0xef, 0x00})
	require.ErrorIs(t, err, ErrUnknownSelector)
}

func TestUnknownTargetFailsLoudly(t *testing.T) {
	registry := newTestRegistry(t)
	_, err := registry.Classify(common.HexToAddress("0x5555"), []byte{0xde, 0xad, 0xbe, 0xef})
	require.ErrorIs(t, err, ErrUnknownTarget)
}

func TestShortCalldataRejected(t *testing.T) {
	registry := newTestRegistry(t)
	_, err := registry.Classify(routerTarget, []byte{0xde})
	require.ErrorIs(t, err, ErrShortCalldata)
}
