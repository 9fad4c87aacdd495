package uniswap

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/loopvault/chain"
	"github.com/michaelpento.lv/loopvault/domain"
	"github.com/michaelpento.lv/loopvault/token"
)

const pairABIJson = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"sender","type":"address"},
		{"indexed":false,"name":"amount0In","type":"uint256"},
		{"indexed":false,"name":"amount1In","type":"uint256"},
		{"indexed":false,"name":"amount0Out","type":"uint256"},
		{"indexed":false,"name":"amount1Out","type":"uint256"},
		{"indexed":true,"name":"to","type":"address"}],
	 "name":"Swap","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":false,"name":"reserve0","type":"uint112"},
		{"indexed":false,"name":"reserve1","type":"uint112"}],
	 "name":"Sync","type":"event"}
]`

// Pair is a constant-product pool whose reserves are the bank balances held
// at its address.
type Pair struct {
	address common.Address
	token0  common.Address
	token1  common.Address
	bank    *token.Bank

	mu     sync.Mutex
	abi    abi.ABI
	logger *zap.Logger
}

func NewPair(address, token0, token1 common.Address, bank *token.Bank, logger *zap.Logger) (*Pair, error) {
	if bank == nil {
		return nil, fmt.Errorf("bank cannot be nil")
	}
	if token0 == token1 {
		return nil, fmt.Errorf("identical tokens %s", token0.Hex())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pair{
		address: address,
		token0:  token0,
		token1:  token1,
		bank:    bank,
		abi:     chain.MustParseABI(pairABIJson),
		logger:  logger,
	}, nil
}

func (p *Pair) Address() common.Address { return p.address }

// GetReserves returns the current reserves of the pair
func (p *Pair) GetReserves() (reserve0 *big.Int, reserve1 *big.Int) {
	return p.bank.BalanceOf(p.token0, p.address), p.bank.BalanceOf(p.token1, p.address)
}

// AddLiquidity moves both amounts from the caller into the pool.
func (p *Pair) AddLiquidity(call *chain.Call, amount0, amount1 *big.Int) error {
	if err := p.bank.Transfer(call, p.token0, call.Sender(), p.address, amount0); err != nil {
		return fmt.Errorf("failed to add token0: %w", err)
	}
	if err := p.bank.Transfer(call, p.token1, call.Sender(), p.address, amount1); err != nil {
		return fmt.Errorf("failed to add token1: %w", err)
	}
	return p.sync(call)
}

func (p *Pair) Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	reserveIn, reserveOut, err := p.orient(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	return GetAmountOut(amountIn, reserveIn, reserveOut), nil
}

// Convert swaps amountIn of tokenIn from the caller for tokenOut.
func (p *Pair) Convert(call *chain.Call, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("%w: swap of %v", domain.ErrInvalidAmount, amountIn)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	reserveIn, reserveOut, err := p.orient(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	out := GetAmountOut(amountIn, reserveIn, reserveOut)
	if out.Sign() == 0 {
		return nil, fmt.Errorf("%w: insufficient output amount", domain.ErrInsufficientLiquidity)
	}
	if minOut != nil && out.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("%w: got %s, want at least %s", domain.ErrSlippage, out, minOut)
	}

	sender := call.Sender()
	if err := p.bank.Transfer(call, tokenIn, sender, p.address, amountIn); err != nil {
		return nil, fmt.Errorf("failed to take input: %w", err)
	}
	if err := p.bank.Transfer(call, tokenOut, p.address, sender, out); err != nil {
		return nil, fmt.Errorf("failed to deliver output: %w", err)
	}

	zero := new(big.Int)
	amount0In, amount1In, amount0Out, amount1Out := amountIn, zero, zero, out
	if tokenIn == p.token1 {
		amount0In, amount1In, amount0Out, amount1Out = zero, amountIn, out, zero
	}
	log, err := chain.EventLog(p.address, p.abi.Events["Swap"],
		[]common.Hash{chain.AddressTopic(sender), chain.AddressTopic(sender)},
		amount0In, amount1In, amount0Out, amount1Out)
	if err != nil {
		return nil, err
	}
	call.Emit(log)

	p.logger.Debug("Swapped",
		zap.String("pair", p.address.Hex()),
		zap.String("in", amountIn.String()),
		zap.String("out", out.String()))

	return out, p.sync(call)
}

func (p *Pair) orient(tokenIn, tokenOut common.Address) (*big.Int, *big.Int, error) {
	r0, r1 := p.GetReserves()
	switch {
	case tokenIn == p.token0 && tokenOut == p.token1:
		return r0, r1, nil
	case tokenIn == p.token1 && tokenOut == p.token0:
		return r1, r0, nil
	default:
		return nil, nil, fmt.Errorf("pair %s does not trade %s -> %s", p.address.Hex(), tokenIn.Hex(), tokenOut.Hex())
	}
}

func (p *Pair) sync(call *chain.Call) error {
	r0, r1 := p.GetReserves()
	log, err := chain.EventLog(p.address, p.abi.Events["Sync"], nil, r0, r1)
	if err != nil {
		return err
	}
	call.Emit(log)
	return nil
}

// GetAmountOut calculates the output amount for a given input amount
func GetAmountOut(amountIn *big.Int, reserveIn *big.Int, reserveOut *big.Int) *big.Int {
	if amountIn.Sign() <= 0 || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return big.NewInt(0)
	}

	amountInWithFee := new(big.Int).Mul(amountIn, big.NewInt(997))
	numerator := new(big.Int).Mul(amountInWithFee, reserveOut)
	denominator := new(big.Int).Add(new(big.Int).Mul(reserveIn, big.NewInt(1000)), amountInWithFee)

	return new(big.Int).Div(numerator, denominator)
}

// GetAmountIn calculates the input amount for a given output amount
func GetAmountIn(amountOut *big.Int, reserveIn *big.Int, reserveOut *big.Int) *big.Int {
	if amountOut.Sign() <= 0 || reserveIn.Sign() <= 0 || reserveOut.Cmp(amountOut) <= 0 {
		return big.NewInt(0)
	}

	numerator := new(big.Int).Mul(new(big.Int).Mul(reserveIn, amountOut), big.NewInt(1000))
	denominator := new(big.Int).Mul(new(big.Int).Sub(reserveOut, amountOut), big.NewInt(997))

	amountIn := new(big.Int).Div(numerator, denominator)
	return new(big.Int).Add(amountIn, big.NewInt(1))
}
