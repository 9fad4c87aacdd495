package flashloan

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/loopvault/chain"
)

// Provider defines the interface for flash loan providers
type Provider interface {
	// Fee returns the premium charged for borrowing amount of token.
	Fee(ctx context.Context, token common.Address, amount *big.Int) (*big.Int, error)
	// Liquidity returns the largest loan the provider can serve.
	Liquidity(ctx context.Context, token common.Address) (*big.Int, error)
	// Lend delivers amount of token to receiver within call.
	Lend(call *chain.Call, token common.Address, amount *big.Int, receiver common.Address) error
	// Collect takes amount of token back from the borrower.
	Collect(call *chain.Call, token common.Address, amount *big.Int, from common.Address) error
	String() string
}
