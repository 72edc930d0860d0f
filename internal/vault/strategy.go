package vault

import (
	"fmt"

	"github.com/google/uuid"

	"CauldronLedger/internal/auth"
	"CauldronLedger/internal/ledger"
	"CauldronLedger/internal/math"
)

// Strategy is an external yield strategy the vault can deploy an asset
// into. Profit and loss are reported in token units; positive means the
// strategy grew the deployed balance.
type Strategy interface {
	ID() uuid.UUID

	// Invest moves amount from vault custody into the strategy.
	Invest(amount uint64) error

	// Harvest reports profit (+) or loss (-) accumulated since the last
	// report, given the balance the vault believes is deployed.
	Harvest(balance uint64) (int64, error)

	// Withdraw pulls up to amount back into vault custody and returns
	// what actually came back.
	Withdraw(amount uint64) (uint64, error)

	// Exit liquidates the whole deployed balance and reports final
	// profit or loss.
	Exit(balance uint64) (int64, error)
}

// BaseStrategyInfo is the identity record a strategy is registered under.
// Exited flips once the strategy has fully unwound; the after-exit
// settlement callback is gated on it.
type BaseStrategyInfo struct {
	ID              uuid.UUID
	StrategyToken   ledger.AssetID
	Exited          bool
	MaxVaultBalance uint64
}

// StrategyData tracks the deployment state for one asset.
type StrategyData struct {
	StrategyStartDate int64  `json:"strategy_start_date"`
	TargetPercentage  uint64 `json:"target_percentage"`
	Balance           uint64 `json:"balance"`
}

// SettlementDescriptor names the accounts the after-exit sweep settles
// into. A statically shaped descriptor, not an open-ended account list.
type SettlementDescriptor struct {
	Asset    ledger.AssetID
	Accounts []ledger.AccountKey
}

type strategyState struct {
	data        StrategyData
	active      Strategy
	pending     Strategy
	pendingInfo *BaseStrategyInfo
	info        *BaseStrategyInfo
}

// SetStrategyTargetPercentage bounds how much of the asset's elastic total
// the strategy may hold.
func (v *Vault) SetStrategyTargetPercentage(signer uuid.UUID, assetID ledger.AssetID, pct uint64) error {
	if signer != v.authority {
		return fmt.Errorf("set target percentage: %w", errWrongAuthority())
	}
	if pct > MaxTargetPercentage {
		return fmt.Errorf("%d%% > %d%%: %w", pct, MaxTargetPercentage, ErrStrategyTargetPercentageTooHigh)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	state, ok := v.strategies[assetID]
	if !ok {
		return fmt.Errorf("asset %d: %w", assetID, ErrAssetNotRegistered)
	}
	state.data.TargetPercentage = pct
	return nil
}

// SetStrategy runs the two-phase strategy switch. The first call proposes
// and arms the delay window; the second call with the same strategy after
// the window commits it, exiting and reconciling the old strategy first.
// Proposing a different strategy restarts the window.
func (v *Vault) SetStrategy(signer uuid.UUID, assetID ledger.AssetID, s Strategy, info *BaseStrategyInfo) error {
	if signer != v.authority {
		return fmt.Errorf("set strategy: %w", errWrongAuthority())
	}
	if s == nil || info == nil {
		return fmt.Errorf("set strategy: %w", ErrInvalidBaseStrategyInfoAccount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	state, ok := v.strategies[assetID]
	if !ok {
		return fmt.Errorf("asset %d: %w", assetID, ErrAssetNotRegistered)
	}
	now := v.clock()

	if state.pending == nil || state.pending.ID() != s.ID() {
		state.pending = s
		state.pendingInfo = info
		state.data.StrategyStartDate = now + StrategyDelay
		v.log.Info().
			Uint16("asset", uint16(assetID)).
			Str("strategy", s.ID().String()).
			Int64("start_date", state.data.StrategyStartDate).
			Msg("strategy proposed")
		return nil
	}

	if now < state.data.StrategyStartDate {
		v.log.Info().
			Uint16("asset", uint16(assetID)).
			Int64("start_date", state.data.StrategyStartDate).
			Msg("strategy delay window still open")
		return nil
	}

	if state.active != nil {
		if err := v.exitActiveLocked(assetID, state); err != nil {
			return err
		}
	}

	state.active = state.pending
	state.info = state.pendingInfo
	state.pending = nil
	state.pendingInfo = nil
	state.data.StrategyStartDate = 0

	v.log.Info().
		Uint16("asset", uint16(assetID)).
		Str("strategy", state.active.ID().String()).
		Msg("strategy committed")
	return nil
}

// Harvest asks the active strategy to report profit or loss, reconciles
// the elastic total, and optionally rebalances the deployed balance toward
// the target percentage. maxChangeAmount of zero means unbounded.
func (v *Vault) Harvest(assetID ledger.AssetID, rebalance bool, maxChangeAmount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	state, ok := v.strategies[assetID]
	if !ok {
		return fmt.Errorf("asset %d: %w", assetID, ErrAssetNotRegistered)
	}
	if state.active == nil {
		return nil
	}
	total := v.totals[assetID]

	pl, err := state.active.Harvest(state.data.Balance)
	if err != nil {
		return fmt.Errorf("harvest: %w", err)
	}
	if err := v.applyStrategyResultLocked(total, state, pl); err != nil {
		return err
	}

	if !rebalance {
		return nil
	}

	target, err := math.MulDiv(total.Elastic, state.data.TargetPercentage, 100)
	if err != nil {
		return fmt.Errorf("harvest target: %w", err)
	}
	if state.info != nil && state.info.MaxVaultBalance > 0 && target > state.info.MaxVaultBalance {
		target = state.info.MaxVaultBalance
	}

	switch {
	case state.data.Balance < target:
		amountOut := target - state.data.Balance
		if maxChangeAmount > 0 && amountOut > maxChangeAmount {
			amountOut = maxChangeAmount
		}
		if err := state.active.Invest(amountOut); err != nil {
			return fmt.Errorf("invest: %w", err)
		}
		state.data.Balance += amountOut

	case state.data.Balance > target:
		amountIn := state.data.Balance - target
		if maxChangeAmount > 0 && amountIn > maxChangeAmount {
			amountIn = maxChangeAmount
		}
		actual, err := state.active.Withdraw(amountIn)
		if err != nil {
			return fmt.Errorf("divest: %w", err)
		}
		state.data.Balance -= actual
	}
	return nil
}

// StrategyExit unwinds the active strategy completely, reconciling final
// profit or loss and marking the strategy info exited.
func (v *Vault) StrategyExit(signer uuid.UUID, assetID ledger.AssetID) error {
	if signer != v.authority {
		return fmt.Errorf("strategy exit: %w", errWrongAuthority())
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	state, ok := v.strategies[assetID]
	if !ok {
		return fmt.Errorf("asset %d: %w", assetID, ErrAssetNotRegistered)
	}
	if state.active == nil {
		return nil
	}
	return v.exitActiveLocked(assetID, state)
}

// AfterExit is the post-exit settlement callback. The supplied strategy
// info must be the registered one, the settlement descriptor must name at
// least one account, and the strategy must actually have exited.
func (v *Vault) AfterExit(assetID ledger.AssetID, settle SettlementDescriptor, info *BaseStrategyInfo) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	state, ok := v.strategies[assetID]
	if !ok {
		return fmt.Errorf("asset %d: %w", assetID, ErrAssetNotRegistered)
	}
	if len(settle.Accounts) == 0 {
		return ErrEmptyAccountsList
	}
	if state.info == nil || info == nil || info.ID != state.info.ID {
		return ErrInvalidBaseStrategyInfoAccount
	}
	if !state.info.Exited {
		return ErrStrategyNotExited
	}

	v.log.Info().
		Uint16("asset", uint16(assetID)).
		Str("strategy", state.info.ID.String()).
		Int("settlement_accounts", len(settle.Accounts)).
		Msg("strategy settlement swept")
	return nil
}

// ActiveStrategyID reports the committed strategy for an asset, if any.
func (v *Vault) ActiveStrategyID(assetID ledger.AssetID) (uuid.UUID, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	state, ok := v.strategies[assetID]
	if !ok || state.active == nil {
		return uuid.Nil, false
	}
	return state.active.ID(), true
}

// StrategyDataFor returns a copy of the deployment state for an asset.
func (v *Vault) StrategyDataFor(assetID ledger.AssetID) (StrategyData, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	state, ok := v.strategies[assetID]
	if !ok {
		return StrategyData{}, fmt.Errorf("asset %d: %w", assetID, ErrAssetNotRegistered)
	}
	return state.data, nil
}

func (v *Vault) exitActiveLocked(assetID ledger.AssetID, state *strategyState) error {
	total := v.totals[assetID]

	pl, err := state.active.Exit(state.data.Balance)
	if err != nil {
		return fmt.Errorf("strategy exit: %w", err)
	}
	if err := v.applyStrategyResultLocked(total, state, pl); err != nil {
		return err
	}
	state.data.Balance = 0
	if state.info != nil {
		state.info.Exited = true
	}
	state.active = nil

	v.log.Info().
		Uint16("asset", uint16(assetID)).
		Int64("result", pl).
		Msg("strategy exited")
	return nil
}

// applyStrategyResultLocked folds a reported profit or loss into the
// elastic total. Base never changes: holders gain or lose through the
// share price, not through share counts.
func (v *Vault) applyStrategyResultLocked(total *math.Rebase, state *strategyState, pl int64) error {
	if pl > 0 {
		if err := total.AddElasticOnly(uint64(pl)); err != nil {
			return fmt.Errorf("strategy profit: %w", err)
		}
		return nil
	}
	if pl < 0 {
		loss := uint64(-pl)
		if err := total.SubElasticOnly(loss); err != nil {
			return fmt.Errorf("strategy loss: %w", err)
		}
		if state.data.Balance >= loss {
			state.data.Balance -= loss
		} else {
			state.data.Balance = 0
		}
	}
	return nil
}

func errWrongAuthority() error {
	return auth.ErrConstraintHasOne
}
