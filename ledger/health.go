package ledger

import (
	"math/big"

	"github.com/michaelpento.lv/loopvault/domain"
	mathutil "github.com/michaelpento.lv/loopvault/utils/math"
)

// borrowCap is the largest debt the collateral value allows at max LTV.
func borrowCap(value *big.Int, p Params) *big.Int {
	return mathutil.ApplyBps(value, p.MaxLTVBps)
}

// HealthFactor returns value*LTV/debt in 1e18 fixed point, or the infinite
// sentinel when there is no debt.
func HealthFactor(value, debt *big.Int, p Params) *big.Int {
	if debt.Sign() == 0 {
		return new(big.Int).Set(domain.InfiniteHealthFactor)
	}
	return mathutil.MulDiv(borrowCap(value, p), domain.Wad, debt)
}

// AvailableBorrow returns max(0, value*LTV - debt).
func AvailableBorrow(value, debt *big.Int, p Params) *big.Int {
	return mathutil.SubFloor(borrowCap(value, p), debt)
}

// MaxSafeBorrow is the additional debt that keeps the health factor at or
// above the minimum.
func MaxSafeBorrow(value, debt *big.Int, p Params) *big.Int {
	ceiling := mathutil.MulDiv(borrowCap(value, p), domain.Wad, p.MinHealthFactor)
	return mathutil.SubFloor(ceiling, debt)
}
