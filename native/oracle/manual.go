package oracle

import (
	"fmt"
	"math/big"
	"sync"
	"time"
)

// ManualFeed is an in-memory feed used for tests and manual overrides
// during incident response.
type ManualFeed struct {
	mu      sync.RWMutex
	reading Reading
	set     bool
}

// NewManualFeed constructs an empty manual feed.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{}
}

// Set stores the provided integer price with its scale and observation time.
func (m *ManualFeed) Set(price *big.Int, decimals uint8, observedAt time.Time) {
	if m == nil || price == nil {
		return
	}
	m.mu.Lock()
	m.reading = Reading{
		Price:      new(big.Int).Set(price),
		Decimals:   decimals,
		ObservedAt: observedAt,
		Source:     "manual",
	}
	m.set = true
	m.mu.Unlock()
}

// SetDecimal records the supplied decimal price string, e.g. "2000.50".
func (m *ManualFeed) SetDecimal(price string, decimals uint8, observedAt time.Time) error {
	if m == nil {
		return fmt.Errorf("oracle: manual feed not configured")
	}
	scaled, err := ParseDecimalPrice(price, decimals)
	if err != nil {
		return err
	}
	m.Set(scaled, decimals, observedAt)
	return nil
}

// LatestRound returns the stored reading.
func (m *ManualFeed) LatestRound() (Reading, error) {
	if m == nil {
		return Reading{}, fmt.Errorf("oracle: manual feed not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.set {
		return Reading{}, ErrNoReading
	}
	return m.reading.Clone(), nil
}
