package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"CauldronLedger/internal/auth"
	"CauldronLedger/internal/event"
	"CauldronLedger/internal/ledger"
	"CauldronLedger/internal/market"
	"CauldronLedger/internal/math"
	"CauldronLedger/internal/observability"
	"CauldronLedger/internal/swap"
	"CauldronLedger/internal/vault"
)

// ErrUnknownMarket is returned for operations against an unregistered market.
var ErrUnknownMarket = errors.New("unknown market")

// CoreOutput is one applied event leaving the engine: the persistence
// worker consumes it with a blocking handoff, projections best-effort.
type CoreOutput struct {
	Envelope *event.Envelope
}

// Config wires the engine to its collaborators.
type Config struct {
	Gate    *auth.Gate
	Vault   *vault.Vault
	Swapper swap.Executor
	Metrics *observability.Metrics

	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput

	StartSequence int64
	Clock         func() int64
	Log           zerolog.Logger
}

// Engine is the command front of the ledger: it serializes every state
// mutation, delegates to the vault and markets, and turns each applied
// mutation into a sequenced, hash-chained event. Every mutating operation
// holds opMu from apply through emit, so envelope sequence order matches
// apply order even with concurrent callers, and snapshots see a consistent
// cut. The persist channel uses a blocking send (backpressure), the
// projection channel a non-blocking send with drop.
type Engine struct {
	opMu sync.Mutex

	mu       sync.Mutex
	sequence int64
	hasher   *StateHasher

	gate    *auth.Gate
	vault   *vault.Vault
	markets map[uuid.UUID]*market.Market
	swapper swap.Executor
	metrics *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	clock func() int64
	log   zerolog.Logger
}

func NewEngine(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().Unix() }
	}
	return &Engine{
		sequence:       cfg.StartSequence,
		hasher:         NewStateHasher(),
		gate:           cfg.Gate,
		vault:          cfg.Vault,
		markets:        make(map[uuid.UUID]*market.Market),
		swapper:        cfg.Swapper,
		metrics:        cfg.Metrics,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
		clock:          clock,
		log:            cfg.Log,
	}
}

// Gate returns the authorization gate.
func (e *Engine) Gate() *auth.Gate { return e.gate }

// Vault returns the shared vault.
func (e *Engine) Vault() *vault.Vault { return e.vault }

// RegisterMarket adds a market to the engine, once.
func (e *Engine) RegisterMarket(m *market.Market) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.markets[m.ID()]; ok {
		return fmt.Errorf("market %s: %w", m.ID(), ledger.ErrAlreadyInitialized)
	}
	e.markets[m.ID()] = m
	e.log.Info().Str("market", m.ID().String()).Msg("market registered")
	return nil
}

// Market returns a registered market.
func (e *Engine) Market(id uuid.UUID) (*market.Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrUnknownMarket)
	}
	return m, nil
}

// MarketIDs returns the registered market ids.
func (e *Engine) MarketIDs() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(e.markets))
	for id := range e.markets {
		ids = append(ids, id)
	}
	return ids
}

// emit sequences, hash-chains and fans out one applied event. The state
// digest is the canonical JSON payload; the chain makes any tampering
// with the persisted log detectable.
func (e *Engine) emit(evt event.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		e.log.Error().Err(err).Str("event_type", evt.EventType().String()).Msg("marshal event")
		return
	}

	// The lock is held across the fan-out so envelopes reach the
	// persistence worker in sequence order.
	e.mu.Lock()
	defer e.mu.Unlock()

	seq := e.sequence
	e.sequence++
	prev := e.hasher.GetPrevHash()
	hash := e.hasher.ComputeHash(seq, payload)

	out := CoreOutput{Envelope: &event.Envelope{
		Sequence:  seq,
		EventType: evt.EventType(),
		MarketID:  evt.MarketID(),
		Timestamp: time.Unix(e.clock(), 0).UTC(),
		Payload:   payload,
		StateHash: hash,
		PrevHash:  prev,
	}}

	if e.persistChan != nil {
		// Blocking: the engine stalls rather than lose an event.
		e.persistChan <- out
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues(evt.EventType().String()).Inc()
			}
		}
	}

	if e.metrics != nil {
		e.metrics.CoreEventsApplied.WithLabelValues(evt.EventType().String()).Inc()
		e.metrics.CoreSequence.Set(float64(e.sequence))
	}
}

func (e *Engine) reject(op string, err error) error {
	if e.metrics != nil {
		e.metrics.CoreEventsRejected.WithLabelValues(op).Inc()
		if errors.Is(err, market.ErrOracleStale) {
			e.metrics.OracleStaleRejects.WithLabelValues(op).Inc()
		}
	}
	return err
}

func assetName(id ledger.AssetID) string {
	name, _ := ledger.GetAssetName(id)
	return name
}

// ============================================================================
// Vault operations
// ============================================================================

func (e *Engine) Deposit(caller uuid.UUID, asset ledger.AssetID, from, to uuid.UUID, amount, share uint64, creds *auth.Credentials) (uint64, uint64, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	amt, sh, err := e.vault.Deposit(caller, asset, from, to, amount, share, creds)
	if err != nil {
		return 0, 0, e.reject("vault_deposit", err)
	}
	e.emit(&event.VaultDeposit{
		Asset: assetName(asset), Caller: caller, From: from, To: to, Amount: amt, Share: sh,
	})
	return amt, sh, nil
}

func (e *Engine) Withdraw(caller uuid.UUID, asset ledger.AssetID, from, to uuid.UUID, amount, share uint64, creds *auth.Credentials) (uint64, uint64, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	amt, sh, err := e.vault.Withdraw(caller, asset, from, to, amount, share, creds)
	if err != nil {
		return 0, 0, e.reject("vault_withdraw", err)
	}
	e.emit(&event.VaultWithdraw{
		Asset: assetName(asset), Caller: caller, From: from, To: to, Amount: amt, Share: sh,
	})
	return amt, sh, nil
}

func (e *Engine) Transfer(caller uuid.UUID, asset ledger.AssetID, from, to uuid.UUID, share uint64, creds *auth.Credentials) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := e.vault.Transfer(caller, asset, from, to, share, creds); err != nil {
		return e.reject("vault_transfer", err)
	}
	e.emit(&event.VaultTransfer{
		Asset: assetName(asset), Caller: caller, From: from, To: to, Share: share,
	})
	return nil
}

// ============================================================================
// Strategy operations
// ============================================================================

func (e *Engine) SetStrategy(signer uuid.UUID, asset ledger.AssetID, s vault.Strategy, info *vault.BaseStrategyInfo) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := e.vault.SetStrategy(signer, asset, s, info); err != nil {
		return e.reject("set_strategy", err)
	}
	data, _ := e.vault.StrategyDataFor(asset)
	e.emit(&event.StrategySet{
		Asset:      assetName(asset),
		StrategyID: s.ID(),
		StartDate:  data.StrategyStartDate,
		Committed:  data.StrategyStartDate == 0,
	})
	return nil
}

func (e *Engine) Harvest(asset ledger.AssetID, rebalance bool, maxChangeAmount uint64) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	before, err := e.vault.Total(asset)
	if err != nil {
		return e.reject("harvest", err)
	}
	if err := e.vault.Harvest(asset, rebalance, maxChangeAmount); err != nil {
		return e.reject("harvest", err)
	}
	after, _ := e.vault.Total(asset)
	e.emit(&event.StrategyHarvest{
		Asset:      assetName(asset),
		ProfitLoss: int64(after.Elastic) - int64(before.Elastic),
		Rebalanced: rebalance,
	})
	return nil
}

func (e *Engine) StrategyExit(signer uuid.UUID, asset ledger.AssetID) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	id, _ := e.vault.ActiveStrategyID(asset)
	before, err := e.vault.Total(asset)
	if err != nil {
		return e.reject("strategy_exit", err)
	}
	if err := e.vault.StrategyExit(signer, asset); err != nil {
		return e.reject("strategy_exit", err)
	}
	after, _ := e.vault.Total(asset)
	e.emit(&event.StrategyExit{
		Asset:      assetName(asset),
		StrategyID: id,
		ProfitLoss: int64(after.Elastic) - int64(before.Elastic),
	})
	return nil
}

// ============================================================================
// Market operations
// ============================================================================

func (e *Engine) AddCollateral(marketID, user, to uuid.UUID, share uint64, skim bool) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	m, err := e.Market(marketID)
	if err != nil {
		return err
	}
	if err := m.AddCollateral(user, to, share, skim); err != nil {
		return e.reject("add_collateral", err)
	}
	e.emit(&event.CollateralAdded{
		Market: marketID.String(), User: user, To: to, Share: share, Skim: skim,
	})
	return nil
}

func (e *Engine) RemoveCollateral(ctx context.Context, marketID, user, to uuid.UUID, share uint64, refs market.References) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	m, err := e.Market(marketID)
	if err != nil {
		return err
	}
	if err := m.RemoveCollateral(ctx, user, to, share, refs); err != nil {
		return e.reject("remove_collateral", err)
	}
	e.emit(&event.CollateralRemoved{
		Market: marketID.String(), User: user, To: to, Share: share,
	})
	return nil
}

func (e *Engine) Borrow(ctx context.Context, marketID, user, to uuid.UUID, amount uint64) (uint64, uint64, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	m, err := e.Market(marketID)
	if err != nil {
		return 0, 0, err
	}
	part, share, err := m.Borrow(ctx, user, to, amount)
	if err != nil {
		return 0, 0, e.reject("borrow", err)
	}
	fee, _ := m.OpeningFee(amount)
	e.emit(&event.Borrow{
		Market: marketID.String(), User: user, To: to, Amount: amount, Fee: fee, Part: part, Share: share,
	})
	return part, share, nil
}

func (e *Engine) Repay(marketID, payer, user uuid.UUID, part uint64, skim bool) (uint64, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	m, err := e.Market(marketID)
	if err != nil {
		return 0, err
	}
	amount, err := m.Repay(payer, user, part, skim)
	if err != nil {
		return 0, e.reject("repay", err)
	}
	e.emit(&event.Repay{
		Market: marketID.String(), Payer: payer, User: user, Part: part, Amount: amount, Skim: skim,
	})
	return amount, nil
}

func (e *Engine) Accrue(marketID uuid.UUID) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	m, err := e.Market(marketID)
	if err != nil {
		return err
	}
	before := m.Totals().Borrow.Elastic
	if err := m.Accrue(e.clock()); err != nil {
		return e.reject("accrue", err)
	}
	total := m.Totals().Borrow
	e.emit(&event.Accrue{
		Market:       marketID.String(),
		Interest:     total.Elastic - before,
		FeesEarned:   m.AccrueState().FeesEarned,
		TotalElastic: total.Elastic,
		TotalBase:    total.Base,
	})
	return nil
}

func (e *Engine) ChangeInterestRate(marketID, signer uuid.UUID, newRate uint64) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	m, err := e.Market(marketID)
	if err != nil {
		return err
	}
	oldRate := m.AccrueState().InterestPerSecond
	if err := m.ChangeInterestRate(signer, newRate, e.clock()); err != nil {
		return e.reject("change_interest_rate", err)
	}
	e.emit(&event.InterestRateChanged{
		Market: marketID.String(), OldRate: oldRate, NewRate: newRate,
	})
	return nil
}

func (e *Engine) WithdrawFees(marketID, to uuid.UUID) (uint64, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	m, err := e.Market(marketID)
	if err != nil {
		return 0, err
	}
	amount, err := m.WithdrawFees(e.clock())
	if err != nil {
		return 0, e.reject("withdraw_fees", err)
	}
	if amount > 0 {
		e.emit(&event.FeesWithdrawn{Market: marketID.String(), To: to, Amount: amount})
	}
	return amount, nil
}

// ============================================================================
// Liquidation
// ============================================================================

func (e *Engine) BeginLiquidate(ctx context.Context, marketID, liquidator, borrower uuid.UUID, maxBorrowPart uint64) (market.LiquidatorAccount, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	m, err := e.Market(marketID)
	if err != nil {
		return market.LiquidatorAccount{}, err
	}
	part := maxBorrowPart
	if userPart := m.UserBalanceOf(borrower).BorrowPart; userPart < part {
		part = userPart
	}
	rec, err := m.BeginLiquidate(ctx, liquidator, borrower, maxBorrowPart)
	if err != nil {
		return market.LiquidatorAccount{}, e.reject("begin_liquidate", err)
	}
	e.emit(&event.LiquidationOpened{
		Market:          marketID.String(),
		Liquidator:      liquidator,
		Borrower:        borrower,
		CollateralShare: rec.CollateralShare,
		BorrowAmount:    rec.BorrowAmount,
		Part:            part,
		Deadline:        rec.Deadline,
	})
	if e.metrics != nil {
		e.metrics.LiquidationsOpened.WithLabelValues(marketID.String()).Inc()
	}
	return rec, nil
}

func (e *Engine) LiquidateSwap(ctx context.Context, marketID, liquidator, caller uuid.UUID) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	m, err := e.Market(marketID)
	if err != nil {
		return err
	}
	if err := m.LiquidateSwap(ctx, liquidator, caller, e.swapper); err != nil {
		return e.reject("liquidate_swap", err)
	}
	rec, _ := m.LiquidatorAccountOf(liquidator)
	e.emit(&event.LiquidationSwapped{
		Market:     marketID.String(),
		Liquidator: liquidator,
		Caller:     caller,
		Proceeds:   rec.RealAmount,
		Deadline:   rec.Deadline,
	})
	return nil
}

func (e *Engine) CompleteLiquidate(ctx context.Context, marketID, liquidator, caller uuid.UUID) (uint64, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	m, err := e.Market(marketID)
	if err != nil {
		return 0, err
	}
	rec, _ := m.LiquidatorAccountOf(liquidator)
	bonus, err := m.CompleteLiquidate(ctx, liquidator, caller)
	if err != nil {
		return 0, e.reject("complete_liquidate", err)
	}
	e.emit(&event.LiquidationCompleted{
		Market:     marketID.String(),
		Liquidator: liquidator,
		Caller:     caller,
		Deposited:  rec.RealAmount,
		Bonus:      bonus,
	})
	if e.metrics != nil {
		e.metrics.LiquidationsCompleted.WithLabelValues(marketID.String()).Inc()
		if rec.RealAmount < rec.BorrowAmount {
			e.metrics.LiquidationShortfall.WithLabelValues(marketID.String()).Inc()
		}
	}
	return bonus, nil
}

func (e *Engine) Liquidate(ctx context.Context, marketID, caller, borrower uuid.UUID, maxBorrowPart uint64) (uint64, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	m, err := e.Market(marketID)
	if err != nil {
		return 0, err
	}
	part := maxBorrowPart
	if userPart := m.UserBalanceOf(borrower).BorrowPart; userPart < part {
		part = userPart
	}
	seized, err := m.Liquidate(ctx, caller, borrower, maxBorrowPart)
	if err != nil {
		return 0, e.reject("liquidate", err)
	}
	e.emit(&event.DirectLiquidation{
		Market:          marketID.String(),
		Liquidator:      caller,
		Borrower:        borrower,
		CollateralShare: seized,
		Part:            part,
	})
	return seized, nil
}

// ============================================================================
// Snapshot & restore
// ============================================================================

// SnapshotState is the full serializable engine state. Share balances
// carry their typed keys so a restore needs no path parsing.
type SnapshotState struct {
	Sequence  int64    `json:"sequence"`
	StateHash [32]byte `json:"state_hash"`

	VaultTotals map[ledger.AssetID]math.Rebase `json:"vault_totals"`
	VaultShares []ShareBalance                 `json:"vault_shares"`

	Markets map[string]market.MarketSnapshot `json:"markets"`
}

// ShareBalance is one share ledger entry in a snapshot.
type ShareBalance struct {
	Key     ledger.AccountKey `json:"key"`
	Balance uint64            `json:"balance"`
}

// CreateSnapshotState captures the current state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	sequence := e.sequence - 1
	stateHash := e.hasher.GetPrevHash()
	markets := make(map[string]market.MarketSnapshot, len(e.markets))
	for id, m := range e.markets {
		markets[id.String()] = m.Snapshot()
	}
	e.mu.Unlock()

	shares := e.vault.ShareBalances()
	entries := make([]ShareBalance, 0, len(shares))
	for key, bal := range shares {
		entries = append(entries, ShareBalance{Key: key, Balance: bal})
	}
	_, totals := e.vault.Snapshot()

	return &SnapshotState{
		Sequence:    sequence,
		StateHash:   stateHash,
		VaultTotals: totals,
		VaultShares: entries,
		Markets:     markets,
	}
}

// RestoreFromSnapshot loads engine, vault and market state from a
// snapshot. Markets must already be registered with matching ids.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	shares := make(map[ledger.AccountKey]uint64, len(snap.VaultShares))
	for _, entry := range snap.VaultShares {
		shares[entry.Key] = entry.Balance
	}
	e.vault.Restore(snap.VaultTotals, shares)

	for id, ms := range snap.Markets {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return fmt.Errorf("restore snapshot market %q: %w", id, err)
		}
		m, err := e.Market(parsed)
		if err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		if err := m.Restore(ms); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)
	e.mu.Unlock()

	e.log.Info().
		Int64("sequence", snap.Sequence).
		Int("markets", len(snap.Markets)).
		Msg("state restored from snapshot")
	return nil
}

// GetSequence returns the next sequence to assign.
func (e *Engine) GetSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// GetStateHash returns the hash chain tip.
func (e *Engine) GetStateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}
