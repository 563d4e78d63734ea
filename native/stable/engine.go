package stable

import (
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "synthd/native/common"
	"synthd/native/oracle"
)

const moduleName = "stable"

var (
	ErrNeedsMoreThanZero       = errors.New("stable engine: amount must be more than zero")
	ErrNotAllowedAsset         = errors.New("stable engine: collateral asset not registered")
	ErrAssetFeedMismatch       = errors.New("stable engine: asset and price feed lists must be the same length")
	ErrDuplicateAsset          = errors.New("stable engine: collateral asset registered twice")
	ErrMissingTokenLedger      = errors.New("stable engine: no token ledger wired for collateral asset")
	ErrCustodyRequired         = errors.New("stable engine: custody address not configured")
	ErrInsufficientCollateral  = errors.New("stable engine: insufficient collateral")
	ErrInsufficientDebt        = errors.New("stable engine: insufficient debt")
	ErrHealthFactorBroken      = errors.New("stable engine: health factor below minimum")
	ErrHealthFactorOK          = errors.New("stable engine: health factor not below minimum")
	ErrHealthFactorNotImproved = errors.New("stable engine: liquidation did not improve health factor")
	ErrTransferFailed          = errors.New("stable engine: token transfer failed")
	ErrMintFailed              = errors.New("stable engine: debt token mint failed")
	ErrBurnFailed              = errors.New("stable engine: debt token burn failed")
	ErrReentrantCall           = errors.New("stable engine: operation already in progress")
)

// HealthFactorError carries the offending factor when a mutation would
// leave a position below the minimum. errors.Is matches it against
// ErrHealthFactorBroken.
type HealthFactorError struct {
	Factor *big.Int
}

func (e *HealthFactorError) Error() string {
	return fmt.Sprintf("stable engine: health factor %s below minimum", e.Factor)
}

func (e *HealthFactorError) Unwrap() error { return ErrHealthFactorBroken }

func brokenHealthFactor(factor *big.Int) error {
	return &HealthFactorError{Factor: new(big.Int).Set(factor)}
}

// DebtToken is the capability set the engine requires from the synthetic
// dollar ledger. Any non-nil error from a call is a hard abort of the
// surrounding operation.
type DebtToken interface {
	Mint(to common.Address, amount *big.Int) error
	Burn(from common.Address, amount *big.Int) error
	Transfer(from, to common.Address, amount *big.Int) error
	TransferFrom(spender, from, to common.Address, amount *big.Int) error
	Approve(owner, spender common.Address, amount *big.Int) error
	Allowance(owner, spender common.Address) *big.Int
	TotalSupply() *big.Int
	BalanceOf(account common.Address) *big.Int
}

// CollateralToken is the capability set the engine requires from each
// collateral asset ledger.
type CollateralToken interface {
	Transfer(from, to common.Address, amount *big.Int) error
	TransferFrom(spender, from, to common.Address, amount *big.Int) error
	Approve(owner, spender common.Address, amount *big.Int) error
	Allowance(owner, spender common.Address) *big.Int
	BalanceOf(account common.Address) *big.Int
}

// PriceSource is the oracle boundary. Readings it returns are trusted for
// the duration of a call; staleness and positivity are enforced behind it.
type PriceSource interface {
	LatestPrice(feedID string) (oracle.Reading, error)
}

// Engine orchestrates every mutation of the position ledger. It enforces
// the per-account health factor on deposit, mint, redeem, burn and
// liquidation, and owns the ledger exclusively: no other component mutates
// positions.
type Engine struct {
	busy atomic.Bool

	ledger  *Ledger
	prices  PriceSource
	debt    DebtToken
	custody common.Address

	assets []common.Address
	feeds  map[common.Address]string
	tokens map[common.Address]CollateralToken

	params RiskParameters
	pauses nativecommon.PauseView
}

// NewEngine validates the construction-time registry and wires the engine
// to its collaborators. The asset and feed lists are positional pairs; a
// length mismatch fails before any state is created.
func NewEngine(
	ledger *Ledger,
	prices PriceSource,
	debt DebtToken,
	custody common.Address,
	assets []common.Address,
	feeds []string,
	tokens map[common.Address]CollateralToken,
	params RiskParameters,
) (*Engine, error) {
	if ledger == nil {
		return nil, fmt.Errorf("stable engine: ledger required")
	}
	if prices == nil {
		return nil, fmt.Errorf("stable engine: price source required")
	}
	if debt == nil {
		return nil, fmt.Errorf("stable engine: debt token required")
	}
	if custody == (common.Address{}) {
		return nil, ErrCustodyRequired
	}
	if len(assets) != len(feeds) {
		return nil, ErrAssetFeedMismatch
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("stable engine: at least one collateral asset required")
	}
	engine := &Engine{
		ledger:  ledger,
		prices:  prices,
		debt:    debt,
		custody: custody,
		assets:  make([]common.Address, 0, len(assets)),
		feeds:   make(map[common.Address]string, len(assets)),
		tokens:  make(map[common.Address]CollateralToken, len(assets)),
		params:  params.Normalise(),
	}
	for i, asset := range assets {
		if _, exists := engine.feeds[asset]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAsset, asset.Hex())
		}
		feed := oracle.NormaliseFeedID(feeds[i])
		if feed == "" {
			return nil, fmt.Errorf("stable engine: empty price feed for asset %s", asset.Hex())
		}
		token, ok := tokens[asset]
		if !ok || token == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingTokenLedger, asset.Hex())
		}
		engine.assets = append(engine.assets, asset)
		engine.feeds[asset] = feed
		engine.tokens[asset] = token
	}
	return engine, nil
}

// SetPauses wires the operator pause switchboard.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// enter marks the engine busy for the duration of one public operation.
// Any call observing the marker set, including re-entry from an external
// transfer callback, aborts instead of interleaving with the in-flight
// mutation.
func (e *Engine) enter() error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if !e.busy.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (e *Engine) exit() { e.busy.Store(false) }

// journal accumulates compensating actions for the mutations applied so
// far in one logical operation. On failure the actions run in reverse so
// no partial state survives.
type journal struct {
	undos []func()
}

func (j *journal) record(undo func()) {
	j.undos = append(j.undos, undo)
}

func (j *journal) revert() {
	for i := len(j.undos) - 1; i >= 0; i-- {
		j.undos[i]()
	}
	j.undos = nil
}

// Deposit locks amount of the asset as collateral for the account, pulling
// the tokens from the account into engine custody.
func (e *Engine) Deposit(account, asset common.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	jrnl := &journal{}
	if err := e.deposit(jrnl, account, asset, amount); err != nil {
		jrnl.revert()
		return err
	}
	return nil
}

func (e *Engine) deposit(jrnl *journal, account, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrNeedsMoreThanZero
	}
	token, ok := e.tokens[asset]
	if !ok {
		return ErrNotAllowedAsset
	}
	if err := e.ledger.AdjustCollateral(account, asset, amount); err != nil {
		return err
	}
	jrnl.record(func() {
		_ = e.ledger.AdjustCollateral(account, asset, new(big.Int).Neg(amount))
	})
	// The pull consumes allowance; the undo must hand both back or a
	// retried operation would fail on a grant the caller already made.
	priorAllowance := token.Allowance(account, e.custody)
	if err := token.TransferFrom(e.custody, account, e.custody, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	jrnl.record(func() {
		_ = token.Transfer(e.custody, account, amount)
		_ = token.Approve(account, e.custody, priorAllowance)
	})
	return nil
}

// Mint issues amount of the debt token to the account, provided the
// resulting health factor stays at or above the minimum.
func (e *Engine) Mint(account common.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	jrnl := &journal{}
	if err := e.mint(jrnl, account, amount); err != nil {
		jrnl.revert()
		return err
	}
	return nil
}

func (e *Engine) mint(jrnl *journal, account common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrNeedsMoreThanZero
	}
	if err := e.ledger.AdjustDebt(account, amount); err != nil {
		return err
	}
	jrnl.record(func() {
		_ = e.ledger.AdjustDebt(account, new(big.Int).Neg(amount))
	})
	if err := e.requireHealthy(account); err != nil {
		return err
	}
	if err := e.debt.Mint(account, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrMintFailed, err)
	}
	jrnl.record(func() {
		_ = e.debt.Burn(account, amount)
	})
	return nil
}

// DepositAndMint composes Deposit and Mint as one atomic unit: a failure
// anywhere unwinds both steps.
func (e *Engine) DepositAndMint(account, asset common.Address, collateralAmount, mintAmount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	jrnl := &journal{}
	if err := e.deposit(jrnl, account, asset, collateralAmount); err != nil {
		jrnl.revert()
		return err
	}
	if err := e.mint(jrnl, account, mintAmount); err != nil {
		jrnl.revert()
		return err
	}
	return nil
}

// Redeem releases amount of the asset from the account's collateral back
// to the account, then verifies the position is still healthy.
func (e *Engine) Redeem(account, asset common.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	jrnl := &journal{}
	if err := e.redeem(jrnl, account, account, asset, amount); err != nil {
		jrnl.revert()
		return err
	}
	if err := e.requireHealthy(account); err != nil {
		jrnl.revert()
		return err
	}
	return nil
}

// redeem applies the collateral release without the trailing health check
// so composites and liquidation can decide when to verify.
func (e *Engine) redeem(jrnl *journal, from, to common.Address, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrNeedsMoreThanZero
	}
	token, ok := e.tokens[asset]
	if !ok {
		return ErrNotAllowedAsset
	}
	held, err := e.ledger.CollateralBalance(from, asset)
	if err != nil {
		return err
	}
	if held.Cmp(amount) < 0 {
		return ErrInsufficientCollateral
	}
	if err := e.ledger.AdjustCollateral(from, asset, new(big.Int).Neg(amount)); err != nil {
		if errors.Is(err, ErrNegativeCollateral) {
			return ErrInsufficientCollateral
		}
		return err
	}
	jrnl.record(func() {
		_ = e.ledger.AdjustCollateral(from, asset, amount)
	})
	if err := token.Transfer(e.custody, to, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	jrnl.record(func() {
		_ = token.Transfer(to, e.custody, amount)
	})
	return nil
}

// Burn pulls amount of the debt token from the account, destroys it and
// reduces the account's recorded debt. Burning can only raise the health
// factor; the trailing check is defensive.
func (e *Engine) Burn(account common.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	jrnl := &journal{}
	if err := e.burn(jrnl, account, account, amount); err != nil {
		jrnl.revert()
		return err
	}
	if err := e.requireHealthy(account); err != nil {
		jrnl.revert()
		return err
	}
	return nil
}

// burn retires debt recorded against debtor using tokens pulled from payer.
func (e *Engine) burn(jrnl *journal, debtor, payer common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrNeedsMoreThanZero
	}
	position, err := e.ledger.Position(debtor)
	if err != nil {
		return err
	}
	if position.Debt.Cmp(amount) < 0 {
		return ErrInsufficientDebt
	}
	priorAllowance := e.debt.Allowance(payer, e.custody)
	if err := e.debt.TransferFrom(e.custody, payer, e.custody, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	burned := false
	jrnl.record(func() {
		if burned {
			_ = e.debt.Mint(payer, amount)
		} else {
			_ = e.debt.Transfer(e.custody, payer, amount)
		}
		_ = e.debt.Approve(payer, e.custody, priorAllowance)
	})
	if err := e.debt.Burn(e.custody, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrBurnFailed, err)
	}
	burned = true
	if err := e.ledger.AdjustDebt(debtor, new(big.Int).Neg(amount)); err != nil {
		if errors.Is(err, ErrNegativeDebt) {
			return ErrInsufficientDebt
		}
		return err
	}
	jrnl.record(func() {
		_ = e.ledger.AdjustDebt(debtor, amount)
	})
	return nil
}

// RedeemAndBurn composes Burn then Redeem as one atomic unit with a single
// health check after both steps.
func (e *Engine) RedeemAndBurn(account, asset common.Address, redeemAmount, burnAmount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	jrnl := &journal{}
	if err := e.burn(jrnl, account, account, burnAmount); err != nil {
		jrnl.revert()
		return err
	}
	if err := e.redeem(jrnl, account, account, asset, redeemAmount); err != nil {
		jrnl.revert()
		return err
	}
	if err := e.requireHealthy(account); err != nil {
		jrnl.revert()
		return err
	}
	return nil
}

// Liquidate lets a third party repay debtToCover of the target's debt and
// seize a bonus-adjusted amount of the target's collateral. The target
// must start below the minimum health factor and the operation must
// strictly improve it; the liquidator's own position must survive the
// repayment.
func (e *Engine) Liquidate(liquidator, target, asset common.Address, debtToCover *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	jrnl := &journal{}
	if err := e.liquidate(jrnl, liquidator, target, asset, debtToCover); err != nil {
		jrnl.revert()
		return err
	}
	return nil
}

func (e *Engine) liquidate(jrnl *journal, liquidator, target, asset common.Address, debtToCover *big.Int) error {
	if debtToCover == nil || debtToCover.Sign() <= 0 {
		return ErrNeedsMoreThanZero
	}
	if _, ok := e.tokens[asset]; !ok {
		return ErrNotAllowedAsset
	}
	startFactor, err := e.HealthFactor(target)
	if err != nil {
		return err
	}
	if startFactor.Cmp(e.params.MinHealthFactor) >= 0 {
		return ErrHealthFactorOK
	}

	seizeBase, err := e.AssetAmountFromUsd(asset, debtToCover)
	if err != nil {
		return err
	}
	bonus := bpsShare(seizeBase, e.params.LiquidationBonusBps)
	seizeTotal := new(big.Int).Add(seizeBase, bonus)

	held, err := e.ledger.CollateralBalance(target, asset)
	if err != nil {
		return err
	}
	if held.Cmp(seizeTotal) < 0 {
		return ErrInsufficientCollateral
	}

	if err := e.redeem(jrnl, target, liquidator, asset, seizeTotal); err != nil {
		return err
	}
	if err := e.burn(jrnl, target, liquidator, debtToCover); err != nil {
		return err
	}

	endFactor, err := e.HealthFactor(target)
	if err != nil {
		return err
	}
	if endFactor.Cmp(startFactor) <= 0 {
		return ErrHealthFactorNotImproved
	}
	return e.requireHealthy(liquidator)
}

func (e *Engine) requireHealthy(account common.Address) error {
	factor, err := e.HealthFactor(account)
	if err != nil {
		return err
	}
	if factor.Cmp(e.params.MinHealthFactor) < 0 {
		return brokenHealthFactor(factor)
	}
	return nil
}

// --- read-only query surface ---

// Assets lists the registered collateral assets in registration order.
func (e *Engine) Assets() []common.Address {
	out := make([]common.Address, len(e.assets))
	copy(out, e.assets)
	return out
}

// FeedFor resolves the price feed identifier registered for the asset.
func (e *Engine) FeedFor(asset common.Address) (string, error) {
	feed, ok := e.feeds[asset]
	if !ok {
		return "", ErrNotAllowedAsset
	}
	return feed, nil
}

// CollateralBalance reports the account's locked balance of the asset.
func (e *Engine) CollateralBalance(account, asset common.Address) (*big.Int, error) {
	if _, ok := e.tokens[asset]; !ok {
		return nil, ErrNotAllowedAsset
	}
	return e.ledger.CollateralBalance(account, asset)
}

// AccountInformation summarises the account's debt, collateral value and
// health factor from current oracle prices.
func (e *Engine) AccountInformation(account common.Address) (*AccountSummary, error) {
	position, err := e.ledger.Position(account)
	if err != nil {
		return nil, err
	}
	collateralUsd, err := e.collateralValueUsd(position)
	if err != nil {
		return nil, err
	}
	return &AccountSummary{
		Account:            account,
		DebtMinted:         new(big.Int).Set(position.Debt),
		CollateralValueUSD: collateralUsd,
		HealthFactor:       healthFactor(collateralUsd, position.Debt, e.params.LiquidationThresholdBps),
	}, nil
}

// Accounts lists every account that has ever held a position.
func (e *Engine) Accounts() ([]common.Address, error) {
	return e.ledger.Accounts()
}

// RiskParameters returns the engine's normalised risk parameters.
func (e *Engine) RiskParameters() RiskParameters {
	out := e.params
	out.MinHealthFactor = new(big.Int).Set(e.params.MinHealthFactor)
	return out
}
