package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownFeed is returned when no price has ever been observed for
	// a feed id.
	ErrUnknownFeed = errors.New("unknown oracle feed")

	// ErrInvalidPrice is returned for non-positive or malformed ticks.
	ErrInvalidPrice = errors.New("invalid oracle price")
)

// Price is a fixed-point oracle observation. The quoted value is
// Mantissa / 10^Scale. SlotsSinceUpdate is how many slots old the
// observation was at read time; staleness policy belongs to the consumer.
type Price struct {
	Mantissa         uint64 `json:"mantissa"`
	Scale            uint32 `json:"scale"`
	SlotsSinceUpdate uint64 `json:"slots_since_update"`
}

// PowerOfTen returns 10^Scale for the solvency arithmetic.
func (p Price) PowerOfTen() uint64 {
	result := uint64(1)
	for i := uint32(0); i < p.Scale; i++ {
		result *= 10
	}
	return result
}

// Feed is the price source consumed by markets.
type Feed interface {
	Read(ctx context.Context, feedID string) (Price, error)
}

// StaticFeed is a governance-pinned in-memory feed, used in tests and as
// a fallback when no streaming source is wired.
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[string]Price
}

func NewStaticFeed() *StaticFeed {
	return &StaticFeed{prices: make(map[string]Price)}
}

// Set pins a price for a feed.
func (f *StaticFeed) Set(feedID string, price Price) error {
	if price.Mantissa == 0 {
		return fmt.Errorf("feed %s: %w", feedID, ErrInvalidPrice)
	}
	f.mu.Lock()
	f.prices[feedID] = price
	f.mu.Unlock()
	return nil
}

// Read returns the pinned price.
func (f *StaticFeed) Read(_ context.Context, feedID string) (Price, error) {
	f.mu.RLock()
	price, ok := f.prices[feedID]
	f.mu.RUnlock()
	if !ok {
		return Price{}, fmt.Errorf("feed %s: %w", feedID, ErrUnknownFeed)
	}
	return price, nil
}
