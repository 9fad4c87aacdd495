package flashloan

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ProviderConfig contains configuration for flash loan providers
type ProviderConfig struct {
	Name    string
	FeeBps  uint64   // premium in basis points
	MaxLoan *big.Int // nil means unbounded
}

func (c *ProviderConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("provider name must be specified")
	}
	if c.FeeBps >= 10_000 {
		return fmt.Errorf("provider fee must be below 10000 bps, got %d", c.FeeBps)
	}
	if c.MaxLoan != nil && c.MaxLoan.Sign() <= 0 {
		return fmt.Errorf("provider max loan must be positive")
	}
	return nil
}

// Loan describes an acquired flash loan. The fee is owed until the loan is
// settled through the manager that issued it.
type Loan struct {
	Provider string
	Token    common.Address
	Amount   *big.Int
	Fee      *big.Int

	lender Provider
}
