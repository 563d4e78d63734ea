package stable

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// priceWad resolves a fresh oracle price for the asset, normalised to the
// engine's 18-decimal scale. Oracle failures (stale, non-positive,
// unknown feed) propagate unchanged.
func (e *Engine) priceWad(asset common.Address) (*big.Int, error) {
	feed, ok := e.feeds[asset]
	if !ok {
		return nil, ErrNotAllowedAsset
	}
	reading, err := e.prices.LatestPrice(feed)
	if err != nil {
		return nil, err
	}
	return normalisePrice(reading.Price, reading.Decimals), nil
}

// UsdValue converts an asset amount into its USD value at the current
// oracle price. Pure given the price reading: no state is mutated.
func (e *Engine) UsdValue(asset common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrNeedsMoreThanZero
	}
	price, err := e.priceWad(asset)
	if err != nil {
		return nil, err
	}
	return wadMul(price, amount), nil
}

// AssetAmountFromUsd converts a USD amount into the equivalent asset
// amount at the current oracle price; the inverse of UsdValue.
func (e *Engine) AssetAmountFromUsd(asset common.Address, usdAmount *big.Int) (*big.Int, error) {
	if usdAmount == nil || usdAmount.Sign() < 0 {
		return nil, ErrNeedsMoreThanZero
	}
	price, err := e.priceWad(asset)
	if err != nil {
		return nil, err
	}
	return wadDiv(usdAmount, price), nil
}

// collateralValueUsd sums the USD value of every asset locked in the
// position.
func (e *Engine) collateralValueUsd(position *Position) (*big.Int, error) {
	total := big.NewInt(0)
	for _, asset := range e.assets {
		amount := position.CollateralOf(asset)
		if amount.Sign() == 0 {
			continue
		}
		price, err := e.priceWad(asset)
		if err != nil {
			return nil, err
		}
		total.Add(total, wadMul(price, amount))
	}
	return total, nil
}
