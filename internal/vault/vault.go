package vault

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"CauldronLedger/internal/auth"
	"CauldronLedger/internal/ledger"
	"CauldronLedger/internal/math"
)

const (
	// MaxTargetPercentage caps how much of an asset's elastic total may be
	// deployed into a yield strategy.
	MaxTargetPercentage = 95

	// MinimumShareBalance is the dust floor for an asset's share supply.
	// A total that is non-zero but below this is rejected on both the way
	// in and the way out, so share-price manipulation via dust totals is
	// not possible.
	MinimumShareBalance = 1000

	// StrategyDelay is the proposal window before a pending strategy can
	// be committed, in seconds (two weeks).
	StrategyDelay = 1209600
)

// Typed vault errors.
var (
	ErrAlreadyInitialized    = ledger.ErrAlreadyInitialized
	ErrAssetNotRegistered    = errors.New("asset not registered with the vault")
	ErrZeroAmount            = errors.New("amount and shares both resolve to zero")
	ErrInsufficientShares    = errors.New("insufficient shares")
	ErrTransferAmountTooHigh = errors.New("transfer amount exceeds balance")
	ErrWithdrawCannotEmpty   = errors.New("withdraw would leave total below minimum share balance")

	ErrStrategyTargetPercentageTooHigh = errors.New("strategy target percentage too high")
	ErrStrategyNotExited               = errors.New("strategy has not exited")
	ErrEmptyAccountsList               = errors.New("settlement accounts list is empty")
	ErrInvalidBaseStrategyInfoAccount  = errors.New("base strategy info account mismatch")
)

// Config wires a Vault.
type Config struct {
	ID        uuid.UUID
	Authority uuid.UUID
	Gate      *auth.Gate
	Clock     func() int64
	Log       zerolog.Logger
}

// Vault is the shared custodial vault. It tracks one base/elastic Total
// per asset and per-owner share balances against it, and runs the yield
// strategy lifecycle. All mutations are serialized under one mutex;
// operations are all-or-nothing.
type Vault struct {
	mu            sync.Mutex
	id            uuid.UUID
	authority     uuid.UUID
	selfAuthority uuid.UUID
	gate          *auth.Gate
	totals        map[ledger.AssetID]*math.Rebase
	shares        *ledger.ShareLedger
	strategies    map[ledger.AssetID]*strategyState
	clock         func() int64
	log           zerolog.Logger
}

// New creates an empty vault. The gate is consulted for every mutation
// requested by a caller other than the balance owner.
func New(cfg Config) *Vault {
	clock := cfg.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().Unix() }
	}
	return &Vault{
		id:            cfg.ID,
		authority:     cfg.Authority,
		selfAuthority: ledger.DeriveAuthority(cfg.ID, "vault-authority"),
		gate:          cfg.Gate,
		totals:        make(map[ledger.AssetID]*math.Rebase),
		shares:        ledger.NewShareLedger(),
		strategies:    make(map[ledger.AssetID]*strategyState),
		clock:         clock,
		log:           cfg.Log,
	}
}

// ID returns the vault identity other components store and validate against.
func (v *Vault) ID() uuid.UUID { return v.id }

// SelfAuthority returns the vault's derived self-identity.
func (v *Vault) SelfAuthority() uuid.UUID { return v.selfAuthority }

// RegisterAsset initializes the Total{0,0} record for an asset.
// First-write-wins; a repeat registration fails.
func (v *Vault) RegisterAsset(assetID ledger.AssetID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.totals[assetID]; ok {
		return fmt.Errorf("asset %d: %w", assetID, ErrAlreadyInitialized)
	}
	v.totals[assetID] = &math.Rebase{}
	v.strategies[assetID] = &strategyState{}

	v.log.Info().Uint16("asset", uint16(assetID)).Msg("vault asset registered")
	return nil
}

// CreateBalance registers an owner's share account for an asset.
// Deposits credit accounts implicitly; this exists for callers that model
// explicit one-time account creation, and fails fatally on repeat.
func (v *Vault) CreateBalance(owner uuid.UUID, assetID ledger.AssetID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.totals[assetID]; !ok {
		return fmt.Errorf("asset %d: %w", assetID, ErrAssetNotRegistered)
	}
	return v.shares.Create(ledger.NewShareKey(owner, assetID))
}

// Total returns a copy of the asset's base/elastic pair.
func (v *Vault) Total(assetID ledger.AssetID) (math.Rebase, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	total, ok := v.totals[assetID]
	if !ok {
		return math.Rebase{}, fmt.Errorf("asset %d: %w", assetID, ErrAssetNotRegistered)
	}
	return *total, nil
}

// BalanceOf returns an owner's share balance for an asset.
func (v *Vault) BalanceOf(owner uuid.UUID, assetID ledger.AssetID) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shares.Get(ledger.NewShareKey(owner, assetID))
}

// ToShare converts a token amount to shares at the current total.
func (v *Vault) ToShare(assetID ledger.AssetID, amount uint64, roundUp bool) (uint64, error) {
	total, err := v.Total(assetID)
	if err != nil {
		return 0, err
	}
	return total.ToBase(amount, roundUp)
}

// ToAmount converts shares to a token amount at the current total.
func (v *Vault) ToAmount(assetID ledger.AssetID, share uint64, roundUp bool) (uint64, error) {
	total, err := v.Total(assetID)
	if err != nil {
		return 0, err
	}
	return total.ToElastic(share, roundUp)
}

// Deposit converts tokens into shares for `to`. Exactly one of amount and
// share should be non-zero; the other leg is computed under the conversion
// law with the share credit rounded down (the vault keeps the dust).
// Callers other than `from` must clear the gate.
func (v *Vault) Deposit(caller uuid.UUID, assetID ledger.AssetID, from, to uuid.UUID, amount, share uint64, creds *auth.Credentials) (uint64, uint64, error) {
	if err := v.gate.Allowed(from, caller, creds); err != nil {
		return 0, 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	total, ok := v.totals[assetID]
	if !ok {
		return 0, 0, fmt.Errorf("asset %d: %w", assetID, ErrAssetNotRegistered)
	}

	var err error
	if share == 0 {
		share, err = total.ToBase(amount, false)
	} else {
		amount, err = total.ToElastic(share, true)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("deposit conversion: %w", err)
	}
	if share == 0 || amount == 0 {
		return 0, 0, ErrZeroAmount
	}

	newBase, err := math.AddU64(total.Base, share)
	if err != nil {
		return 0, 0, fmt.Errorf("deposit: %w", err)
	}
	if newBase < MinimumShareBalance {
		return 0, 0, fmt.Errorf("total base %d below dust floor: %w", newBase, ErrZeroAmount)
	}

	if err := total.AddBoth(share, amount); err != nil {
		return 0, 0, fmt.Errorf("deposit: %w", err)
	}
	if err := v.shares.Add(ledger.NewShareKey(to, assetID), share); err != nil {
		// Roll the total back so a failed credit leaves nothing behind.
		total.SubBoth(share, amount)
		return 0, 0, fmt.Errorf("deposit: %w", err)
	}

	v.log.Debug().
		Uint16("asset", uint16(assetID)).
		Str("from", from.String()).
		Str("to", to.String()).
		Uint64("amount", amount).
		Uint64("share", share).
		Msg("deposit")
	return amount, share, nil
}

// Withdraw converts shares back into tokens for `to`. The share debit is
// rounded up so repeated round trips can never drain value from the vault.
func (v *Vault) Withdraw(caller uuid.UUID, assetID ledger.AssetID, from, to uuid.UUID, amount, share uint64, creds *auth.Credentials) (uint64, uint64, error) {
	if err := v.gate.Allowed(from, caller, creds); err != nil {
		return 0, 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	total, ok := v.totals[assetID]
	if !ok {
		return 0, 0, fmt.Errorf("asset %d: %w", assetID, ErrAssetNotRegistered)
	}

	var err error
	if share == 0 {
		share, err = total.ToBase(amount, true)
	} else {
		amount, err = total.ToElastic(share, false)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("withdraw conversion: %w", err)
	}
	if share == 0 {
		return 0, 0, ErrZeroAmount
	}

	fromKey := ledger.NewShareKey(from, assetID)
	if v.shares.Get(fromKey) < share {
		return 0, 0, fmt.Errorf("have %d, need %d: %w", v.shares.Get(fromKey), share, ErrInsufficientShares)
	}

	remaining, err := math.SubU64(total.Base, share)
	if err != nil {
		return 0, 0, fmt.Errorf("withdraw: %w", err)
	}
	if remaining != 0 && remaining < MinimumShareBalance {
		return 0, 0, fmt.Errorf("remaining base %d: %w", remaining, ErrWithdrawCannotEmpty)
	}

	if err := v.shares.Sub(fromKey, share); err != nil {
		return 0, 0, fmt.Errorf("withdraw: %w", err)
	}
	if err := total.SubBoth(share, amount); err != nil {
		v.shares.Add(fromKey, share)
		return 0, 0, fmt.Errorf("withdraw: %w", err)
	}

	v.log.Debug().
		Uint16("asset", uint16(assetID)).
		Str("from", from.String()).
		Str("to", to.String()).
		Uint64("amount", amount).
		Uint64("share", share).
		Msg("withdraw")
	return amount, share, nil
}

// Transfer moves shares between owners with no token movement.
func (v *Vault) Transfer(caller uuid.UUID, assetID ledger.AssetID, from, to uuid.UUID, share uint64, creds *auth.Credentials) error {
	if err := v.gate.Allowed(from, caller, creds); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	return v.transferLocked(assetID, from, to, share)
}

// TransferMultiple fans one debit out to several recipients atomically.
func (v *Vault) TransferMultiple(caller uuid.UUID, assetID ledger.AssetID, from uuid.UUID, tos []uuid.UUID, sharesOut []uint64, creds *auth.Credentials) error {
	if err := v.gate.Allowed(from, caller, creds); err != nil {
		return err
	}
	if len(tos) == 0 || len(tos) != len(sharesOut) {
		return fmt.Errorf("recipients %d, shares %d: %w", len(tos), len(sharesOut), ErrZeroAmount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var totalShare uint64
	for _, s := range sharesOut {
		sum, err := math.AddU64(totalShare, s)
		if err != nil {
			return fmt.Errorf("transfer multiple: %w", err)
		}
		totalShare = sum
	}

	fromKey := ledger.NewShareKey(from, assetID)
	if v.shares.Get(fromKey) < totalShare {
		return fmt.Errorf("have %d, need %d: %w", v.shares.Get(fromKey), totalShare, ErrTransferAmountTooHigh)
	}

	if err := v.shares.Sub(fromKey, totalShare); err != nil {
		return fmt.Errorf("transfer multiple: %w", err)
	}
	for i, to := range tos {
		v.shares.Add(ledger.NewShareKey(to, assetID), sharesOut[i])
	}
	return nil
}

func (v *Vault) transferLocked(assetID ledger.AssetID, from, to uuid.UUID, share uint64) error {
	if share == 0 {
		return ErrZeroAmount
	}
	fromKey := ledger.NewShareKey(from, assetID)
	if v.shares.Get(fromKey) < share {
		return fmt.Errorf("have %d, need %d: %w", v.shares.Get(fromKey), share, ErrTransferAmountTooHigh)
	}
	if err := v.shares.Sub(fromKey, share); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	if err := v.shares.Add(ledger.NewShareKey(to, assetID), share); err != nil {
		v.shares.Add(fromKey, share)
		return fmt.Errorf("transfer: %w", err)
	}
	return nil
}

// SumShares returns the share supply currently credited to owners for an
// asset. Share conservation requires this to equal Total.Base.
func (v *Vault) SumShares(assetID ledger.AssetID) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shares.SumAsset(assetID)
}

// Snapshot returns all non-zero share balances by account path, plus the
// totals, for persistence and state hashing.
func (v *Vault) Snapshot() (map[string]uint64, map[ledger.AssetID]math.Rebase) {
	v.mu.Lock()
	defer v.mu.Unlock()

	totals := make(map[ledger.AssetID]math.Rebase, len(v.totals))
	for id, t := range v.totals {
		totals[id] = *t
	}
	return v.shares.Snapshot(), totals
}

// ShareBalances returns a typed copy of all non-zero share balances, for
// snapshot persistence.
func (v *Vault) ShareBalances() map[ledger.AccountKey]uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shares.Balances()
}

// Restore replaces the vault's accounting state from a snapshot. Assets
// present in the totals are registered implicitly.
func (v *Vault) Restore(totals map[ledger.AssetID]math.Rebase, shares map[ledger.AccountKey]uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.totals = make(map[ledger.AssetID]*math.Rebase, len(totals))
	for id, t := range totals {
		copied := t
		v.totals[id] = &copied
	}
	v.shares.Restore(shares)
}
