package stable

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// healthFactor derives the solvency ratio from a position's collateral
// value and debt, both 18-decimal fixed point. Only thresholdBps of the
// collateral value counts toward solvency. A debt-free position reports
// the maximum representable factor rather than dividing by zero.
func healthFactor(collateralUsd, debt *big.Int, thresholdBps uint64) *big.Int {
	if debt == nil || debt.Sign() == 0 {
		return new(big.Int).Set(maxHealthFactor)
	}
	adjusted := bpsShare(collateralUsd, thresholdBps)
	return wadDiv(adjusted, debt)
}

// HealthFactor reports how far the account's discounted collateral value
// exceeds its debt at current oracle prices. Values at or above the
// configured minimum are safe; below it the position is liquidatable.
func (e *Engine) HealthFactor(account common.Address) (*big.Int, error) {
	position, err := e.ledger.Position(account)
	if err != nil {
		return nil, err
	}
	if position.Debt.Sign() == 0 {
		return new(big.Int).Set(maxHealthFactor), nil
	}
	collateralUsd, err := e.collateralValueUsd(position)
	if err != nil {
		return nil, err
	}
	return healthFactor(collateralUsd, position.Debt, e.params.LiquidationThresholdBps), nil
}

// MaxHealthFactor returns the sentinel reported for debt-free accounts.
func MaxHealthFactor() *big.Int {
	return new(big.Int).Set(maxHealthFactor)
}

// MinHealthFactor returns the engine's configured minimum.
func (e *Engine) MinHealthFactor() *big.Int {
	return new(big.Int).Set(e.params.MinHealthFactor)
}
