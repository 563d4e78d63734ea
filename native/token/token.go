package token

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	errInvalidAmount         = errors.New("token: amount must be non-negative")
	errInsufficientBalance   = errors.New("token: insufficient balance")
	errInsufficientAllowance = errors.New("token: insufficient allowance")
)

// Sentinel accessors so callers can match failures without importing the
// package internals.
var (
	ErrInvalidAmount         = errInvalidAmount
	ErrInsufficientBalance   = errInsufficientBalance
	ErrInsufficientAllowance = errInsufficientAllowance
)

// Ledger is an in-process fungible-token ledger with ERC-20 shaped
// semantics. The debt token and every collateral asset are instances of
// this type. Every mutation returns an explicit error; callers must treat
// any failure as a hard abort of the surrounding operation.
type Ledger struct {
	mu         sync.RWMutex
	symbol     string
	decimals   uint8
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	supply     *big.Int
}

// NewLedger constructs an empty token ledger.
func NewLedger(symbol string, decimals uint8) *Ledger {
	return &Ledger{
		symbol:     symbol,
		decimals:   decimals,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		supply:     big.NewInt(0),
	}
}

// Symbol returns the token symbol.
func (l *Ledger) Symbol() string { return l.symbol }

// Decimals returns the fixed-point scale of token amounts.
func (l *Ledger) Decimals() uint8 { return l.decimals }

// TotalSupply returns the outstanding token supply.
func (l *Ledger) TotalSupply() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.supply)
}

// BalanceOf returns the balance held by the account.
func (l *Ledger) BalanceOf(account common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if balance, ok := l.balances[account]; ok {
		return new(big.Int).Set(balance)
	}
	return big.NewInt(0)
}

// Mint issues new tokens to the account and grows the total supply.
func (l *Ledger) Mint(to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(to, amount)
	l.supply = new(big.Int).Add(l.supply, amount)
	return nil
}

// Burn destroys tokens held by the account and shrinks the total supply.
func (l *Ledger) Burn(from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debit(from, amount); err != nil {
		return err
	}
	l.supply = new(big.Int).Sub(l.supply, amount)
	return nil
}

// Transfer moves tokens between accounts.
func (l *Ledger) Transfer(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debit(from, amount); err != nil {
		return err
	}
	l.credit(to, amount)
	return nil
}

// Approve grants the spender permission to move up to amount tokens on
// behalf of the owner, replacing any prior allowance.
func (l *Ledger) Approve(owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	grants, ok := l.allowances[owner]
	if !ok {
		grants = make(map[common.Address]*big.Int)
		l.allowances[owner] = grants
	}
	grants[spender] = new(big.Int).Set(amount)
	return nil
}

// Allowance reports the remaining amount the spender may move for the owner.
func (l *Ledger) Allowance(owner, spender common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if grants, ok := l.allowances[owner]; ok {
		if remaining, ok := grants[spender]; ok {
			return new(big.Int).Set(remaining)
		}
	}
	return big.NewInt(0)
}

// TransferFrom moves tokens from the owner using the spender's allowance.
func (l *Ledger) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	grants := l.allowances[from]
	remaining := grants[spender]
	if remaining == nil || remaining.Cmp(amount) < 0 {
		return errInsufficientAllowance
	}
	if err := l.debit(from, amount); err != nil {
		return err
	}
	grants[spender] = new(big.Int).Sub(remaining, amount)
	l.credit(to, amount)
	return nil
}

func (l *Ledger) credit(account common.Address, amount *big.Int) {
	balance, ok := l.balances[account]
	if !ok {
		balance = big.NewInt(0)
	}
	l.balances[account] = new(big.Int).Add(balance, amount)
}

func (l *Ledger) debit(account common.Address, amount *big.Int) error {
	balance, ok := l.balances[account]
	if !ok || balance.Cmp(amount) < 0 {
		return errInsufficientBalance
	}
	l.balances[account] = new(big.Int).Sub(balance, amount)
	return nil
}
