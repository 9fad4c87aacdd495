package dex

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
	"github.com/michaelpento.lv/loopvault/oracle"
	"github.com/michaelpento.lv/loopvault/token"
)

var (
	weth  = common.HexToAddress("0xe7e01")
	usdc  = common.HexToAddress("0xd5c02")
	vault = common.HexToAddress("0x7a017")
	pair  = Pair{Base: weth, Quote: usdc}
)

func setup(t *testing.T) (*chain.Env, *token.Bank) {
	t.Helper()
	bank := token.NewBank(zaptest.NewLogger(t))
	require.NoError(t, bank.Register(token.Token{Address: weth, Symbol: "WETH", Decimals: 18}))
	require.NoError(t, bank.Register(token.Token{Address: usdc, Symbol: "USDC", Decimals: 6}))
	return chain.NewEnv(1, zaptest.NewLogger(t)), bank
}

func TestFixedRateQuote(t *testing.T) {
	_, bank := setup(t)
	fr, err := NewFixedRate(bank, pair, big.NewInt(3000e8), 8, nil)
	require.NoError(t, err)

	tests := []struct {
		name     string
		in, out  common.Address
		amount   *big.Int
		expected string
	}{
		{"quote to base", usdc, weth, big.NewInt(3000_000000), "1000000000000000000"},
		{"quote to base rounds down", usdc, weth, big.NewInt(1600_000000), "533333333333333333"},
		{"base to quote", weth, usdc, big.NewInt(5e17), "1500000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fr.Quote(context.Background(), tt.in, tt.out, tt.amount)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got.String())
		})
	}

	_, err = fr.Quote(context.Background(), usdc, usdc, big.NewInt(1))
	assert.ErrorContains(t, err, "unsupported pair")
}

func TestFixedRateConvert(t *testing.T) {
	env, bank := setup(t)
	fr, err := NewFixedRate(bank, pair, big.NewInt(3000e8), 8, zaptest.NewLogger(t))
	require.NoError(t, err)

	var out *big.Int
	_, err = env.Execute(context.Background(), vault, func(call *chain.Call) error {
		if err := bank.Mint(call, usdc, vault, big.NewInt(3000_000000)); err != nil {
			return err
		}
		out, err = fr.Convert(call, usdc, weth, big.NewInt(3000_000000), nil)
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, "1000000000000000000", out.String())
	assert.Zero(t, bank.BalanceOf(usdc, vault).Sign())
	assert.Equal(t, out, bank.BalanceOf(weth, vault))
	assert.Zero(t, bank.TotalSupply(usdc).Sign(), "input is burned")
}

func TestFixedRateConvertFailures(t *testing.T) {
	env, bank := setup(t)
	fr, err := NewFixedRate(bank, pair, big.NewInt(3000e8), 8, nil)
	require.NoError(t, err)

	_, err = env.Execute(context.Background(), vault, func(call *chain.Call) error {
		return bank.Mint(call, usdc, vault, big.NewInt(100))
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		amount  *big.Int
		minOut  *big.Int
		wantErr error
	}{
		{"zero", big.NewInt(0), nil, domain.ErrInvalidAmount},
		{"min out not met", big.NewInt(100), big.NewInt(1e12), domain.ErrSlippage},
		{"more than held", big.NewInt(101), nil, domain.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.Execute(context.Background(), vault, func(call *chain.Call) error {
				_, err := fr.Convert(call, usdc, weth, tt.amount, tt.minOut)
				return err
			})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, big.NewInt(100), bank.BalanceOf(usdc, vault))
		})
	}

	_, err = NewFixedRate(bank, pair, big.NewInt(0), 8, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)
}

func TestOracleQuoterFollowsPrice(t *testing.T) {
	env, bank := setup(t)
	admin := common.HexToAddress("0xad")
	feed, err := oracle.NewFeed(common.HexToAddress("0xfeed"), admin, 8, big.NewInt(3000e8), nil)
	require.NoError(t, err)

	q := NewOracleQuoter(bank, pair, feed)
	got, err := q.Quote(context.Background(), usdc, weth, big.NewInt(3000_000000))
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", got.String())

	_, err = env.Execute(context.Background(), admin, func(call *chain.Call) error {
		return feed.SetPrice(call, big.NewInt(1000e8))
	})
	require.NoError(t, err)

	got, err = q.Quote(context.Background(), usdc, weth, big.NewInt(3000_000000))
	require.NoError(t, err)
	assert.Equal(t, "3000000000000000000", got.String())
}
