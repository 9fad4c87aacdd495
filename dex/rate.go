package dex

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/loopvault/chain"
	"github.com/michaelpento.lv/loopvault/domain"
	"github.com/michaelpento.lv/loopvault/oracle"
	"github.com/michaelpento.lv/loopvault/token"
	mathutil "github.com/michaelpento.lv/loopvault/utils/math"
)

// Pair is a base/quote token pair; rates are quote per one base unit.
type Pair struct {
	Base  common.Address
	Quote common.Address
}

// convertAtRate applies rate (scaled by 10^rateDecimals) across the pair,
// rounding down.
func convertAtRate(bank *token.Bank, pair Pair, rate *big.Int, rateDecimals uint8, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	if rate == nil || rate.Sign() <= 0 {
		return nil, fmt.Errorf("%w: rate %v", domain.ErrInvalidPrice, rate)
	}
	baseDec, err := bank.Decimals(pair.Base)
	if err != nil {
		return nil, err
	}
	quoteDec, err := bank.Decimals(pair.Quote)
	if err != nil {
		return nil, err
	}

	switch {
	case tokenIn == pair.Quote && tokenOut == pair.Base:
		num := new(big.Int).Mul(amountIn, mathutil.Pow10(baseDec))
		num.Mul(num, mathutil.Pow10(rateDecimals))
		den := new(big.Int).Mul(rate, mathutil.Pow10(quoteDec))
		return num.Quo(num, den), nil
	case tokenIn == pair.Base && tokenOut == pair.Quote:
		num := new(big.Int).Mul(amountIn, rate)
		num.Mul(num, mathutil.Pow10(quoteDec))
		den := new(big.Int).Mul(mathutil.Pow10(rateDecimals), mathutil.Pow10(baseDec))
		return num.Quo(num, den), nil
	default:
		return nil, fmt.Errorf("unsupported pair %s -> %s", tokenIn.Hex(), tokenOut.Hex())
	}
}

// FixedRate converts by burning the input and minting the output at a
// constant reference rate. It stands in for a swap venue.
type FixedRate struct {
	bank     *token.Bank
	pair     Pair
	rate     *big.Int
	decimals uint8
	logger   *zap.Logger
}

func NewFixedRate(bank *token.Bank, pair Pair, rate *big.Int, decimals uint8, logger *zap.Logger) (*FixedRate, error) {
	if bank == nil {
		return nil, fmt.Errorf("bank cannot be nil")
	}
	if rate == nil || rate.Sign() <= 0 {
		return nil, fmt.Errorf("%w: reference rate must be positive", domain.ErrInvalidPrice)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FixedRate{
		bank:     bank,
		pair:     pair,
		rate:     new(big.Int).Set(rate),
		decimals: decimals,
		logger:   logger,
	}, nil
}

func (f *FixedRate) Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	return convertAtRate(f.bank, f.pair, f.rate, f.decimals, tokenIn, tokenOut, amountIn)
}

func (f *FixedRate) Convert(call *chain.Call, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("%w: convert of %v", domain.ErrInvalidAmount, amountIn)
	}

	out, err := f.Quote(call.Context(), tokenIn, tokenOut, amountIn)
	if err != nil {
		return nil, err
	}
	if out.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s converts to nothing", domain.ErrInvalidAmount, amountIn)
	}
	if minOut != nil && out.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("%w: got %s, want at least %s", domain.ErrSlippage, out, minOut)
	}

	if err := f.bank.Burn(call, tokenIn, call.Sender(), amountIn); err != nil {
		return nil, fmt.Errorf("failed to take input: %w", err)
	}
	if err := f.bank.Mint(call, tokenOut, call.Sender(), out); err != nil {
		return nil, fmt.Errorf("failed to deliver output: %w", err)
	}

	f.logger.Debug("Converted at reference rate",
		zap.String("in", amountIn.String()),
		zap.String("out", out.String()))
	return out, nil
}

// OracleQuoter quotes the pair at the current oracle price.
type OracleQuoter struct {
	bank   *token.Bank
	pair   Pair
	prices oracle.PriceSource
}

func NewOracleQuoter(bank *token.Bank, pair Pair, prices oracle.PriceSource) *OracleQuoter {
	return &OracleQuoter{bank: bank, pair: pair, prices: prices}
}

func (q *OracleQuoter) Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	price, err := q.prices.LatestPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read price: %w", err)
	}
	return convertAtRate(q.bank, q.pair, price, q.prices.Decimals(), tokenIn, tokenOut, amountIn)
}
