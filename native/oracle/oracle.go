package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUnknownFeed indicates the feed identifier has no registered source.
	ErrUnknownFeed = errors.New("oracle: unknown price feed")
	// ErrInvalidPrice indicates the upstream source reported a non-positive price.
	ErrInvalidPrice = errors.New("oracle: invalid price")
	// ErrStalePrice indicates the reading is older than the freshness window.
	ErrStalePrice = errors.New("oracle: stale price")
	// ErrNoReading indicates the feed has never observed a price.
	ErrNoReading = errors.New("oracle: no reading available")
)

// DefaultMaxAge is the freshness window applied when the adapter is
// constructed without an explicit one.
const DefaultMaxAge = 3 * time.Hour

// Reading captures a USD price observation for a feed along with the
// timestamp reported by the upstream source. Price is an integer scaled by
// Decimals fractional digits.
type Reading struct {
	Price      *big.Int
	Decimals   uint8
	ObservedAt time.Time
	Source     string
}

// Clone returns a deep copy of the reading to prevent accidental mutation
// of shared state.
func (r Reading) Clone() Reading {
	clone := Reading{Decimals: r.Decimals, ObservedAt: r.ObservedAt, Source: r.Source}
	if r.Price != nil {
		clone.Price = new(big.Int).Set(r.Price)
	}
	return clone
}

// Feed resolves the most recent price observation for a single market.
type Feed interface {
	LatestRound() (Reading, error)
}

// Adapter is the single point where external price data enters the system.
// It owns the feed registrations and enforces the freshness and positivity
// policy: no stale or non-positive reading is ever handed to a caller.
type Adapter struct {
	mu     sync.RWMutex
	feeds  map[string]Feed
	maxAge time.Duration
	now    func() time.Time
}

// NewAdapter constructs an adapter with the provided freshness window.
// A non-positive window falls back to DefaultMaxAge.
func NewAdapter(maxAge time.Duration) *Adapter {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Adapter{
		feeds:  make(map[string]Feed),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (a *Adapter) SetClock(now func() time.Time) {
	if a == nil || now == nil {
		return
	}
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}

// SetMaxAge updates the freshness window used when filtering readings.
func (a *Adapter) SetMaxAge(maxAge time.Duration) {
	if a == nil || maxAge <= 0 {
		return
	}
	a.mu.Lock()
	a.maxAge = maxAge
	a.mu.Unlock()
}

// Register adds or replaces a feed under the supplied identifier.
// Identifiers are stored canonically so lookups remain consistent
// regardless of the configuration casing.
func (a *Adapter) Register(feedID string, feed Feed) {
	if a == nil || feed == nil {
		return
	}
	id := NormaliseFeedID(feedID)
	if id == "" {
		return
	}
	a.mu.Lock()
	a.feeds[id] = feed
	a.mu.Unlock()
}

// Feeds lists the registered feed identifiers.
func (a *Adapter) Feeds() []string {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.feeds))
	for id := range a.feeds {
		ids = append(ids, id)
	}
	return ids
}

// LatestPrice fetches the most recent reading for the feed and validates it
// against the adapter policy. Violating readings never escape: a price <= 0
// fails with ErrInvalidPrice and a reading older than the freshness window
// fails with ErrStalePrice.
func (a *Adapter) LatestPrice(feedID string) (Reading, error) {
	if a == nil {
		return Reading{}, fmt.Errorf("oracle adapter not configured")
	}
	id := NormaliseFeedID(feedID)
	a.mu.RLock()
	feed := a.feeds[id]
	maxAge := a.maxAge
	now := a.now
	a.mu.RUnlock()
	if feed == nil {
		return Reading{}, fmt.Errorf("%w: %s", ErrUnknownFeed, id)
	}

	reading, err := feed.LatestRound()
	if err != nil {
		return Reading{}, err
	}
	if reading.Price == nil || reading.Price.Sign() <= 0 {
		return Reading{}, fmt.Errorf("%w: feed %s", ErrInvalidPrice, id)
	}
	if reading.ObservedAt.IsZero() {
		return Reading{}, fmt.Errorf("%w: feed %s has no observation timestamp", ErrStalePrice, id)
	}
	if age := now().Sub(reading.ObservedAt); age > maxAge {
		return Reading{}, fmt.Errorf("%w: feed %s is %s old", ErrStalePrice, id, age.Truncate(time.Second))
	}
	return reading.Clone(), nil
}

// NormaliseFeedID renders the canonical form of a feed identifier.
func NormaliseFeedID(feedID string) string {
	return strings.ToUpper(strings.TrimSpace(feedID))
}

// ParseDecimalPrice converts a decimal string such as "2000.50" into an
// integer price scaled by the requested number of fractional digits.
func ParseDecimalPrice(value string, decimals uint8) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("oracle: price required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("oracle: invalid price %q", value)
	}
	if rat.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(scale))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom()), nil
}
