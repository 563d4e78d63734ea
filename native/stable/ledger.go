package stable

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"synthd/storage"
)

var (
	positionPrefix  = []byte("stable/position/")
	accountIndexKey = []byte("stable/position/index")
)

var (
	// ErrNegativeCollateral rejects a collateral adjustment whose result
	// would be negative.
	ErrNegativeCollateral = errors.New("stable ledger: collateral balance would go negative")
	// ErrNegativeDebt rejects a debt adjustment whose result would be negative.
	ErrNegativeDebt = errors.New("stable ledger: debt would go negative")
)

// collateralEntry is the wire form of a single asset balance. Positions are
// stored with entries sorted by asset so encodings are deterministic.
type collateralEntry struct {
	Asset  common.Address
	Amount *big.Int
}

type positionRecord struct {
	Collateral []collateralEntry
	Debt       *big.Int
}

// Ledger is the keyed store of account positions. It holds no policy: it
// only applies signed deltas and rejects results that would go negative.
// The solvency engine is its sole mutator; every other component obtains
// read-only copies.
type Ledger struct {
	db storage.Database
}

// NewLedger wires the ledger to its persistence backend.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

func positionKey(account common.Address) []byte {
	key := make([]byte, 0, len(positionPrefix)+common.AddressLength)
	key = append(key, positionPrefix...)
	return append(key, account.Bytes()...)
}

// Position returns a deep copy of the stored position. Accounts that were
// never touched read as the zero position.
func (l *Ledger) Position(account common.Address) (*Position, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("stable ledger: storage not configured")
	}
	raw, err := l.db.Get(positionKey(account))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return &Position{Account: account, Collateral: make(map[common.Address]*big.Int), Debt: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, err
	}
	var record positionRecord
	if err := rlp.DecodeBytes(raw, &record); err != nil {
		return nil, fmt.Errorf("stable ledger: decode position: %w", err)
	}
	position := &Position{Account: account, Collateral: make(map[common.Address]*big.Int, len(record.Collateral))}
	for _, entry := range record.Collateral {
		if entry.Amount != nil && entry.Amount.Sign() > 0 {
			position.Collateral[entry.Asset] = new(big.Int).Set(entry.Amount)
		}
	}
	if record.Debt != nil {
		position.Debt = new(big.Int).Set(record.Debt)
	} else {
		position.Debt = big.NewInt(0)
	}
	return position, nil
}

func (l *Ledger) put(position *Position) error {
	record := positionRecord{Debt: position.Debt}
	if record.Debt == nil {
		record.Debt = big.NewInt(0)
	}
	assets := make([]common.Address, 0, len(position.Collateral))
	for asset, amount := range position.Collateral {
		if amount != nil && amount.Sign() > 0 {
			assets = append(assets, asset)
		}
	}
	sort.Slice(assets, func(i, j int) bool {
		return bytes.Compare(assets[i].Bytes(), assets[j].Bytes()) < 0
	})
	for _, asset := range assets {
		record.Collateral = append(record.Collateral, collateralEntry{Asset: asset, Amount: position.Collateral[asset]})
	}
	encoded, err := rlp.EncodeToBytes(&record)
	if err != nil {
		return fmt.Errorf("stable ledger: encode position: %w", err)
	}
	if err := l.db.Put(positionKey(position.Account), encoded); err != nil {
		return err
	}
	return l.indexAccount(position.Account)
}

// AdjustCollateral applies a signed delta to the account's balance of the
// asset, rejecting results that would be negative.
func (l *Ledger) AdjustCollateral(account, asset common.Address, delta *big.Int) error {
	if delta == nil || delta.Sign() == 0 {
		return nil
	}
	position, err := l.Position(account)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(position.CollateralOf(asset), delta)
	if next.Sign() < 0 {
		return ErrNegativeCollateral
	}
	position.Collateral[asset] = next
	return l.put(position)
}

// AdjustDebt applies a signed delta to the account's minted debt,
// rejecting results that would be negative.
func (l *Ledger) AdjustDebt(account common.Address, delta *big.Int) error {
	if delta == nil || delta.Sign() == 0 {
		return nil
	}
	position, err := l.Position(account)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(position.Debt, delta)
	if next.Sign() < 0 {
		return ErrNegativeDebt
	}
	position.Debt = next
	return l.put(position)
}

// CollateralBalance reports the account's stored balance for the asset.
func (l *Ledger) CollateralBalance(account, asset common.Address) (*big.Int, error) {
	position, err := l.Position(account)
	if err != nil {
		return nil, err
	}
	return position.CollateralOf(asset), nil
}

// Accounts lists every account that has ever held a position, in address
// order.
func (l *Ledger) Accounts() ([]common.Address, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("stable ledger: storage not configured")
	}
	raw, err := l.db.Get(accountIndexKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var accounts []common.Address
	if err := rlp.DecodeBytes(raw, &accounts); err != nil {
		return nil, fmt.Errorf("stable ledger: decode account index: %w", err)
	}
	return accounts, nil
}

func (l *Ledger) indexAccount(account common.Address) error {
	accounts, err := l.Accounts()
	if err != nil {
		return err
	}
	for _, existing := range accounts {
		if existing == account {
			return nil
		}
	}
	accounts = append(accounts, account)
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i].Bytes(), accounts[j].Bytes()) < 0
	})
	encoded, err := rlp.EncodeToBytes(accounts)
	if err != nil {
		return fmt.Errorf("stable ledger: encode account index: %w", err)
	}
	return l.db.Put(accountIndexKey, encoded)
}
