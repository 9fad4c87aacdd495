package dex

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/loopvault/chain"
)

// Converter exchanges tokenIn held by the caller for tokenOut.
type Converter interface {
	// Convert fails with domain.ErrSlippage when the output is below minOut.
	// A nil minOut disables the bound.
	Convert(call *chain.Call, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int) (*big.Int, error)
}

// Quoter estimates a conversion without executing it.
type Quoter interface {
	Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error)
}
