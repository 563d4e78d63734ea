package stable

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Position maintains the collateral and debt bookkeeping for a single
// account. Amounts are 18-decimal fixed point and never negative. Accounts
// that have never deposited or minted read as the zero position.
type Position struct {
	Account    common.Address
	Collateral map[common.Address]*big.Int
	Debt       *big.Int
}

// Clone returns a deep copy so callers cannot mutate ledger state through
// a returned position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := &Position{Account: p.Account, Collateral: make(map[common.Address]*big.Int, len(p.Collateral))}
	for asset, amount := range p.Collateral {
		if amount != nil {
			clone.Collateral[asset] = new(big.Int).Set(amount)
		}
	}
	if p.Debt != nil {
		clone.Debt = new(big.Int).Set(p.Debt)
	} else {
		clone.Debt = big.NewInt(0)
	}
	return clone
}

// CollateralOf returns the position's balance for the asset, zero when the
// asset has never been deposited.
func (p *Position) CollateralOf(asset common.Address) *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	if amount, ok := p.Collateral[asset]; ok && amount != nil {
		return new(big.Int).Set(amount)
	}
	return big.NewInt(0)
}

// RiskParameters groups the safety limits governing issuance and
// liquidation. Percentages are expressed in basis points for deterministic
// accounting.
type RiskParameters struct {
	// LiquidationThresholdBps is the share of collateral value counted
	// toward solvency. 5000 bps means only half of collateral value backs
	// debt, enforcing >=200% nominal collateralization.
	LiquidationThresholdBps uint64
	// LiquidationBonusBps is the extra collateral awarded to a liquidator
	// above the debt they repay.
	LiquidationBonusBps uint64
	// MinHealthFactor is the lowest factor (18-decimal fixed point) a
	// position may hold after a mutating operation.
	MinHealthFactor *big.Int
}

// Normalise applies the protocol defaults to unset parameters.
func (p RiskParameters) Normalise() RiskParameters {
	out := p
	if out.LiquidationThresholdBps == 0 {
		out.LiquidationThresholdBps = 5_000
	}
	if out.LiquidationBonusBps == 0 {
		out.LiquidationBonusBps = 1_000
	}
	if out.MinHealthFactor == nil || out.MinHealthFactor.Sign() <= 0 {
		out.MinHealthFactor = new(big.Int).Set(wad)
	} else {
		out.MinHealthFactor = new(big.Int).Set(out.MinHealthFactor)
	}
	return out
}

// AccountSummary is the read-only position view exposed by the engine.
type AccountSummary struct {
	Account            common.Address
	DebtMinted         *big.Int
	CollateralValueUSD *big.Int
	HealthFactor       *big.Int
}
