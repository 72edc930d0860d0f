package ledger

import (
	"errors"
	"fmt"

	"CauldronLedger/internal/math"
)

// ErrAlreadyInitialized is returned when an account is created twice.
// First-write-wins: the existing record is never overwritten.
var ErrAlreadyInitialized = errors.New("already initialized")

// ShareLedger maintains in-memory share balances keyed by account.
// It is not goroutine-safe; the owning manager serializes access.
type ShareLedger struct {
	shares  map[AccountKey]uint64
	created map[AccountKey]bool
}

func NewShareLedger() *ShareLedger {
	return &ShareLedger{
		shares:  make(map[AccountKey]uint64),
		created: make(map[AccountKey]bool),
	}
}

// Create registers an account explicitly. Balances spring into existence
// on first credit regardless, but callers that model one-time account
// initialization get the fatal-on-repeat behavior here.
func (sl *ShareLedger) Create(key AccountKey) error {
	if sl.created[key] {
		return fmt.Errorf("account %s: %w", key.AccountPath(), ErrAlreadyInitialized)
	}
	sl.created[key] = true
	return nil
}

// Get returns the current share balance for an account.
func (sl *ShareLedger) Get(key AccountKey) uint64 {
	return sl.shares[key]
}

// Add credits shares to an account with checked addition.
func (sl *ShareLedger) Add(key AccountKey, shares uint64) error {
	sum, err := math.AddU64(sl.shares[key], shares)
	if err != nil {
		return fmt.Errorf("credit %s: %w", key.AccountPath(), err)
	}
	sl.shares[key] = sum
	return nil
}

// Sub debits shares from an account with checked subtraction.
// The caller maps the underflow to its operation-specific error.
func (sl *ShareLedger) Sub(key AccountKey, shares uint64) error {
	rest, err := math.SubU64(sl.shares[key], shares)
	if err != nil {
		return fmt.Errorf("debit %s: %w", key.AccountPath(), err)
	}
	sl.shares[key] = rest
	return nil
}

// SumAsset returns the sum of all share balances for one asset.
// Share conservation requires this to equal the asset's Total.Base.
func (sl *ShareLedger) SumAsset(assetID AssetID) uint64 {
	var total uint64
	for key, shares := range sl.shares {
		if key.AssetID == assetID && key.SubType == SubTypeShares {
			total += shares
		}
	}
	return total
}

// Snapshot returns a copy of all balances keyed by account path
// (for state hashing and persistence).
func (sl *ShareLedger) Snapshot() map[string]uint64 {
	snapshot := make(map[string]uint64, len(sl.shares))
	for k, v := range sl.shares {
		if v != 0 {
			snapshot[k.AccountPath()] = v
		}
	}
	return snapshot
}

// Balances returns a typed copy of all non-zero balances.
func (sl *ShareLedger) Balances() map[AccountKey]uint64 {
	balances := make(map[AccountKey]uint64, len(sl.shares))
	for k, v := range sl.shares {
		if v != 0 {
			balances[k] = v
		}
	}
	return balances
}

// Restore loads balances from a snapshot keyed by AccountKey.
func (sl *ShareLedger) Restore(balances map[AccountKey]uint64) {
	sl.shares = make(map[AccountKey]uint64, len(balances))
	for k, v := range balances {
		sl.shares[k] = v
	}
}
