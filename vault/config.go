package vault

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/loopvault/domain"
)

type Config struct {
	CollateralToken common.Address
	LoanToken       common.Address

	// CallbackProxy is the only account allowed to call the restricted
	// entry points.
	CallbackProxy common.Address
	// AutomationID is the identity the proxy must inject as sender.
	AutomationID common.Address

	MaxLoops        uint64
	BorrowBps       uint64   // share of the borrow headroom taken per loop
	MinBorrow       *big.Int // loop stops below this borrow amount
	UnwindBufferBps uint64   // flash loan size relative to debt
	MaxSlippageBps  uint64   // 0 disables the conversion bound
}

func DefaultConfig() Config {
	return Config{
		MaxLoops:        5,
		BorrowBps:       8_000,
		MinBorrow:       big.NewInt(10_000_000),
		UnwindBufferBps: 11_000,
	}
}

func (c Config) Validate() error {
	var errs []string

	if c.CollateralToken == c.LoanToken {
		errs = append(errs, "collateral and loan token must differ")
	}
	if c.CallbackProxy == (common.Address{}) {
		errs = append(errs, "callback proxy must be specified")
	}
	if c.AutomationID == (common.Address{}) {
		errs = append(errs, "automation identity must be specified")
	}
	if c.MaxLoops == 0 {
		errs = append(errs, "max loops must be positive")
	}
	if c.BorrowBps == 0 || c.BorrowBps > domain.BasisPoints {
		errs = append(errs, fmt.Sprintf("borrow bps must be in (0, %d]", domain.BasisPoints))
	}
	if c.MinBorrow == nil || c.MinBorrow.Sign() < 0 {
		errs = append(errs, "min borrow must be non-negative")
	}
	if c.UnwindBufferBps < domain.BasisPoints {
		errs = append(errs, "unwind buffer must cover the debt")
	}
	if c.MaxSlippageBps >= domain.BasisPoints {
		errs = append(errs, "max slippage must be below 100%")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid vault config: %s", strings.Join(errs, "; "))
	}
	return nil
}
