package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
)

const BasisPoints = 10_000

var (
	// Wad is the 1e18 fixed-point unit used for health factors.
	Wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	// MaxAmount requests the whole balance in repay and withdraw.
	MaxAmount = math.MaxBig256

	// InfiniteHealthFactor is reported for positions without debt.
	InfiniteHealthFactor = math.MaxBig256
)

// Position is a user's collateral and debt for one token pair.
type Position struct {
	Collateral *big.Int
	Debt       *big.Int
}

// AccountData is the risk view of a position.
type AccountData struct {
	Collateral      *big.Int
	Debt            *big.Int
	CollateralValue *big.Int // in debt token base units
	AvailableBorrow *big.Int
	MaxSafeBorrow   *big.Int
	HealthFactor    *big.Int
}

// IsMax reports whether amount is the "maximum" sentinel.
func IsMax(amount *big.Int) bool {
	return amount != nil && amount.Cmp(MaxAmount) == 0
}

// IsInfinite reports whether hf is the no-debt sentinel.
func IsInfinite(hf *big.Int) bool {
	return hf != nil && hf.Cmp(InfiniteHealthFactor) == 0
}
