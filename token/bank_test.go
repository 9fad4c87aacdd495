package token

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/loopvault/chain"
	"github.com/michaelpento.lv/loopvault/domain"
)

var (
	usdc  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	alice = common.HexToAddress("0xa11ce")
	bob   = common.HexToAddress("0xb0b")
)

func setup(t *testing.T) (*chain.Env, *Bank) {
	t.Helper()
	bank := NewBank(zaptest.NewLogger(t))
	require.NoError(t, bank.Register(Token{Address: usdc, Symbol: "USDC", Decimals: 6}))
	return chain.NewEnv(1, zaptest.NewLogger(t)), bank
}

func run(t *testing.T, env *chain.Env, fn func(*chain.Call) error) error {
	t.Helper()
	_, err := env.Execute(context.Background(), alice, fn)
	return err
}

func TestBankMintTransferBurn(t *testing.T) {
	env, bank := setup(t)

	require.NoError(t, run(t, env, func(call *chain.Call) error {
		return bank.Mint(call, usdc, alice, big.NewInt(1_000))
	}))
	require.NoError(t, run(t, env, func(call *chain.Call) error {
		return bank.Transfer(call, usdc, alice, bob, big.NewInt(400))
	}))
	require.NoError(t, run(t, env, func(call *chain.Call) error {
		return bank.Burn(call, usdc, bob, big.NewInt(100))
	}))

	assert.Equal(t, big.NewInt(600), bank.BalanceOf(usdc, alice))
	assert.Equal(t, big.NewInt(300), bank.BalanceOf(usdc, bob))
	assert.Equal(t, big.NewInt(900), bank.TotalSupply(usdc))
}

func TestBankFailures(t *testing.T) {
	env, bank := setup(t)
	require.NoError(t, run(t, env, func(call *chain.Call) error {
		return bank.Mint(call, usdc, alice, big.NewInt(50))
	}))

	tests := []struct {
		name    string
		fn      func(call *chain.Call) error
		wantErr error
	}{
		{
			name:    "transfer above balance",
			fn:      func(call *chain.Call) error { return bank.Transfer(call, usdc, alice, bob, big.NewInt(51)) },
			wantErr: domain.ErrInsufficientBalance,
		},
		{
			name:    "burn above balance",
			fn:      func(call *chain.Call) error { return bank.Burn(call, usdc, bob, big.NewInt(1)) },
			wantErr: domain.ErrInsufficientBalance,
		},
		{
			name:    "unknown token",
			fn:      func(call *chain.Call) error { return bank.Mint(call, common.HexToAddress("0xdead"), alice, big.NewInt(1)) },
			wantErr: domain.ErrUnknownToken,
		},
		{
			name:    "zero mint",
			fn:      func(call *chain.Call) error { return bank.Mint(call, usdc, alice, big.NewInt(0)) },
			wantErr: domain.ErrInvalidAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(t, env, tt.fn)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Equal(t, big.NewInt(50), bank.BalanceOf(usdc, alice))
			assert.Equal(t, big.NewInt(50), bank.TotalSupply(usdc))
		})
	}
}

func TestBankRevertRestoresBalances(t *testing.T) {
	env, bank := setup(t)

	err := run(t, env, func(call *chain.Call) error {
		if err := bank.Mint(call, usdc, alice, big.NewInt(10)); err != nil {
			return err
		}
		if err := bank.Transfer(call, usdc, alice, bob, big.NewInt(10)); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	assert.Zero(t, bank.BalanceOf(usdc, alice).Sign())
	assert.Zero(t, bank.BalanceOf(usdc, bob).Sign())
	assert.Zero(t, bank.TotalSupply(usdc).Sign())
}

func TestBankTransferEmitsLog(t *testing.T) {
	env, bank := setup(t)

	receipt, err := env.Execute(context.Background(), alice, func(call *chain.Call) error {
		return bank.Mint(call, usdc, alice, big.NewInt(7))
	})
	require.NoError(t, err)
	require.Len(t, receipt.Logs, 1)

	log := receipt.Logs[0]
	assert.Equal(t, usdc, log.Address)
	assert.Equal(t, chain.AddressTopic(common.Address{}), log.Topics[1])
	assert.Equal(t, chain.AddressTopic(alice), log.Topics[2])
	assert.Equal(t, big.NewInt(7), new(big.Int).SetBytes(log.Data))
}

func TestBankRegister(t *testing.T) {
	_, bank := setup(t)

	err := bank.Register(Token{Address: usdc, Symbol: "USDC2", Decimals: 6})
	assert.Error(t, err)

	dec, err := bank.Decimals(usdc)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), dec)

	_, err = bank.Decimals(common.HexToAddress("0xdead"))
	assert.ErrorIs(t, err, domain.ErrUnknownToken)

	dec, err = bank.Decimals(Native)
	require.NoError(t, err)
	assert.Equal(t, uint8(18), dec)
}
