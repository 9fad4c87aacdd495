package uniswap

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/loopvault/chain"
	"github.com/michaelpento.lv/loopvault/domain"
	"github.com/michaelpento.lv/loopvault/token"
)

var (
	weth     = common.HexToAddress("0xe7e01")
	usdc     = common.HexToAddress("0xd5c02")
	pairAddr = common.HexToAddress("0x9a12")
	lp       = common.HexToAddress("0x11")
	trader   = common.HexToAddress("0x22")
)

func TestGetAmountOut(t *testing.T) {
	amountIn := big.NewInt(1000000000000000000)                 // 1 ETH
	reserveIn, _ := new(big.Int).SetString("10000000000000000000", 10) // 10 ETH
	reserveOut := big.NewInt(5000000000)                        // 5000 USDC

	amountOut := GetAmountOut(amountIn, reserveIn, reserveOut)
	// 997e15 * 5e9 / (1e22 + 997e15)
	assert.Equal(t, "453305446", amountOut.String())

	assert.Zero(t, GetAmountOut(big.NewInt(0), reserveIn, reserveOut).Sign())
	assert.Zero(t, GetAmountOut(amountIn, big.NewInt(0), reserveOut).Sign())
}

func TestGetAmountInInvertsAmountOut(t *testing.T) {
	reserveIn := big.NewInt(1_000_000_000_000)
	reserveOut, _ := new(big.Int).SetString("500000000000000000000", 10)
	want, _ := new(big.Int).SetString("1000000000000000000", 10)

	in := GetAmountIn(want, reserveIn, reserveOut)
	got := GetAmountOut(in, reserveIn, reserveOut)
	assert.GreaterOrEqual(t, got.Cmp(want), 0)

	assert.Zero(t, GetAmountIn(reserveOut, reserveIn, reserveOut).Sign())
}

func newPair(t *testing.T) (*chain.Env, *token.Bank, *Pair) {
	t.Helper()
	bank := token.NewBank(zaptest.NewLogger(t))
	require.NoError(t, bank.Register(token.Token{Address: weth, Symbol: "WETH", Decimals: 18}))
	require.NoError(t, bank.Register(token.Token{Address: usdc, Symbol: "USDC", Decimals: 6}))

	p, err := NewPair(pairAddr, usdc, weth, bank, zaptest.NewLogger(t))
	require.NoError(t, err)

	env := chain.NewEnv(1, zaptest.NewLogger(t))
	ethReserve, _ := new(big.Int).SetString("1000000000000000000000", 10) // 1000 ETH
	_, err = env.Execute(context.Background(), lp, func(call *chain.Call) error {
		if err := bank.Mint(call, usdc, lp, big.NewInt(3_000_000_000_000)); err != nil {
			return err
		}
		if err := bank.Mint(call, weth, lp, ethReserve); err != nil {
			return err
		}
		return p.AddLiquidity(call, big.NewInt(3_000_000_000_000), ethReserve)
	})
	require.NoError(t, err)
	return env, bank, p
}

func TestPairConvert(t *testing.T) {
	env, bank, p := newPair(t)
	in := big.NewInt(3_000_000_000) // 3000 USDC

	quote, err := p.Quote(context.Background(), usdc, weth, in)
	require.NoError(t, err)

	var out *big.Int
	receipt, err := env.Execute(context.Background(), trader, func(call *chain.Call) error {
		if err := bank.Mint(call, usdc, trader, in); err != nil {
			return err
		}
		out, err = p.Convert(call, usdc, weth, in, quote)
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, quote, out)
	// 0.3% fee plus price impact keep the output just under one ether
	assert.Equal(t, -1, out.Cmp(big.NewInt(1e18)))
	assert.Equal(t, 1, out.Cmp(big.NewInt(99e16)))
	assert.Equal(t, out, bank.BalanceOf(weth, trader))

	r0, _ := p.GetReserves()
	assert.Equal(t, big.NewInt(3_003_000_000_000), r0)

	swap := p.abi.Events["Swap"]
	var found bool
	for _, log := range receipt.Logs {
		if log.Address == pairAddr && log.Topics[0] == swap.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestPairConvertSlippage(t *testing.T) {
	env, bank, p := newPair(t)
	in := big.NewInt(3_000_000_000)

	_, err := env.Execute(context.Background(), trader, func(call *chain.Call) error {
		if err := bank.Mint(call, usdc, trader, in); err != nil {
			return err
		}
		_, err := p.Convert(call, usdc, weth, in, big.NewInt(1e18))
		return err
	})
	assert.ErrorIs(t, err, domain.ErrSlippage)

	r0, r1 := p.GetReserves()
	assert.Equal(t, big.NewInt(3_000_000_000_000), r0)
	assert.Equal(t, "1000000000000000000000", r1.String())
	assert.Zero(t, bank.BalanceOf(usdc, trader).Sign())
}

func TestPairRejectsUnknownTokens(t *testing.T) {
	_, _, p := newPair(t)
	_, err := p.Quote(context.Background(), weth, weth, big.NewInt(1))
	assert.ErrorContains(t, err, "does not trade")

	_, err = NewPair(pairAddr, weth, weth, token.NewBank(nil), nil)
	assert.Error(t, err)
}
