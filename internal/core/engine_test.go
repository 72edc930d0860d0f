package core_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"CauldronLedger/internal/auth"
	"CauldronLedger/internal/core"
	"CauldronLedger/internal/event"
	"CauldronLedger/internal/ledger"
	"CauldronLedger/internal/market"
	"CauldronLedger/internal/oracle"
	"CauldronLedger/internal/vault"
)

var (
	governor = uuid.MustParse("dddddddd-0000-0000-0000-000000000001")
	alice    = uuid.MustParse("dddddddd-0000-0000-0000-000000000002")
	treasury = uuid.MustParse("dddddddd-0000-0000-0000-000000000003")
	feeTo    = uuid.MustParse("dddddddd-0000-0000-0000-000000000004")
	program  = uuid.MustParse("dddddddd-0000-0000-0000-000000000005")
)

const feedID = "MIM/SOL"

const onePercentRate = 317_097_920

type fixture struct {
	t        *testing.T
	engine   *core.Engine
	vault    *vault.Vault
	gate     *auth.Gate
	feed     *oracle.StaticFeed
	marketID uuid.UUID
	vaultID  uuid.UUID
	persist  chan core.CoreOutput
	project  chan core.CoreOutput
	now      int64
	mim      ledger.AssetID
	sol      ledger.AssetID
}

func newFixture(t *testing.T, projectCap int) *fixture {
	t.Helper()

	f := &fixture{t: t, now: 1_700_000_000}
	var ok bool
	if f.mim, ok = ledger.GetAssetID("MIM"); !ok {
		t.Fatal("MIM not registered")
	}
	if f.sol, ok = ledger.GetAssetID("SOL"); !ok {
		t.Fatal("SOL not registered")
	}

	f.vaultID = uuid.New()
	f.marketID = uuid.New()
	f.persist = make(chan core.CoreOutput, 64)
	f.project = make(chan core.CoreOutput, projectCap)

	f.gate = auth.NewGate(governor, ledger.DeriveAuthority(f.vaultID, "vault-authority"), zerolog.Nop())
	f.vault = vault.New(vault.Config{
		ID:        f.vaultID,
		Authority: governor,
		Gate:      f.gate,
		Clock:     func() int64 { return f.now },
		Log:       zerolog.Nop(),
	})
	for _, asset := range []ledger.AssetID{f.mim, f.sol} {
		if err := f.vault.RegisterAsset(asset); err != nil {
			t.Fatalf("register asset: %v", err)
		}
	}

	f.feed = oracle.NewStaticFeed()
	if err := f.feed.Set(feedID, oracle.Price{Mantissa: 5, Scale: 2}); err != nil {
		t.Fatalf("set price: %v", err)
	}

	f.engine = core.NewEngine(core.Config{
		Gate:           f.gate,
		Vault:          f.vault,
		PersistChan:    f.persist,
		ProjectionChan: f.project,
		Clock:          func() int64 { return f.now },
		Log:            zerolog.Nop(),
	})

	m := f.newMarket(f.vault)
	if err := f.engine.RegisterMarket(m); err != nil {
		t.Fatalf("register market: %v", err)
	}
	if err := f.gate.Whitelist(governor, f.marketID, true); err != nil {
		t.Fatalf("whitelist market: %v", err)
	}
	return f
}

func (f *fixture) newMarket(v *vault.Vault) *market.Market {
	f.t.Helper()
	m, err := market.New(market.Config{
		ID:                          f.marketID,
		Authority:                   governor,
		DebtAsset:                   f.mim,
		CollateralAsset:             f.sol,
		OracleFeed:                  feedID,
		VaultID:                     f.vaultID,
		VaultProgram:                program,
		CollaterizationRate:         75_000,
		LiquidationMultiplier:       105_000,
		DistributionPart:            10_000,
		BorrowOpeningFee:            1_000,
		InterestPerSecond:           0,
		OnePercentRate:              onePercentRate,
		StaleAfterSlotsElapsed:      10,
		CompleteLiquidationDuration: 3600,
		FeeTo:                       feeTo,
		Clock:                       func() int64 { return f.now },
		Log:                         zerolog.Nop(),
	}, v, f.feed)
	if err != nil {
		f.t.Fatalf("new market: %v", err)
	}
	return m
}

func (f *fixture) nextEnvelope() *event.Envelope {
	f.t.Helper()
	select {
	case out := <-f.persist:
		return out.Envelope
	default:
		f.t.Fatal("no envelope on persist channel")
		return nil
	}
}

func (f *fixture) seedMarketLiquidity() {
	f.t.Helper()
	if _, _, err := f.engine.Deposit(treasury, f.mim, treasury, f.marketID, 1_000_000, 0, nil); err != nil {
		f.t.Fatalf("fund market: %v", err)
	}
	if _, _, err := f.engine.Deposit(treasury, f.sol, treasury, treasury, 1_000_000, 0, nil); err != nil {
		f.t.Fatalf("seed collateral book: %v", err)
	}
}

func drain(ch chan core.CoreOutput) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// ============================================================================
// Registration
// ============================================================================

func TestRegisterMarketTwice(t *testing.T) {
	f := newFixture(t, 64)

	err := f.engine.RegisterMarket(f.newMarket(f.vault))
	if !errors.Is(err, ledger.ErrAlreadyInitialized) {
		t.Errorf("got %v, want ErrAlreadyInitialized", err)
	}
}

func TestUnknownMarket(t *testing.T) {
	f := newFixture(t, 64)

	_, err := f.engine.Market(uuid.New())
	if !errors.Is(err, core.ErrUnknownMarket) {
		t.Errorf("got %v, want ErrUnknownMarket", err)
	}
	if err := f.engine.AddCollateral(uuid.New(), alice, alice, 100, false); !errors.Is(err, core.ErrUnknownMarket) {
		t.Errorf("got %v, want ErrUnknownMarket", err)
	}
}

// ============================================================================
// Event emission
// ============================================================================

func TestDepositEmitsSequencedEnvelopes(t *testing.T) {
	f := newFixture(t, 64)

	if _, _, err := f.engine.Deposit(alice, f.mim, alice, alice, 500, 0, nil); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, _, err := f.engine.Deposit(alice, f.mim, alice, alice, 300, 0, nil); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	first := f.nextEnvelope()
	second := f.nextEnvelope()

	if first.Sequence != 0 || second.Sequence != 1 {
		t.Errorf("sequences got %d,%d, want 0,1", first.Sequence, second.Sequence)
	}
	if first.EventType != event.EventTypeVaultDeposit {
		t.Errorf("event type got %v, want VaultDeposit", first.EventType)
	}
	if first.MarketID != nil {
		t.Errorf("vault event market id got %v, want nil", *first.MarketID)
	}
	if second.PrevHash != first.StateHash {
		t.Error("second envelope does not chain from first")
	}

	// Projection channel sees the same envelopes.
	proj := <-f.project
	if proj.Envelope.Sequence != 0 {
		t.Errorf("projection sequence got %d, want 0", proj.Envelope.Sequence)
	}
}

func TestHashChainStartsAtGenesis(t *testing.T) {
	f := newFixture(t, 64)

	if _, _, err := f.engine.Deposit(alice, f.mim, alice, alice, 500, 0, nil); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	env := f.nextEnvelope()

	genesis := sha256.Sum256([]byte(core.GenesisHashSeed))
	if env.PrevHash != genesis {
		t.Error("first envelope prev hash is not the genesis hash")
	}

	h := sha256.New()
	h.Write(genesis[:])
	h.Write([]byte{0, 0, 0, 0, 0, 0, 0, 0})
	h.Write(env.Payload)
	var want [32]byte
	copy(want[:], h.Sum(nil))
	if env.StateHash != want {
		t.Error("state hash does not match recomputed chain value")
	}
}

func TestRejectedOperationEmitsNothing(t *testing.T) {
	f := newFixture(t, 64)

	if _, _, err := f.engine.Withdraw(alice, f.mim, alice, alice, 500, 0, nil); err == nil {
		t.Fatal("withdraw from empty balance succeeded")
	}
	select {
	case out := <-f.persist:
		t.Errorf("unexpected envelope %v after rejected op", out.Envelope.EventType)
	default:
	}
	if got := f.engine.GetSequence(); got != 0 {
		t.Errorf("sequence got %d, want 0", got)
	}
}

func TestProjectionDropDoesNotBlock(t *testing.T) {
	f := newFixture(t, 1)

	if _, _, err := f.engine.Deposit(alice, f.mim, alice, alice, 500, 0, nil); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// Projection buffer is full now; the next emit must still return.
	if _, _, err := f.engine.Deposit(alice, f.mim, alice, alice, 300, 0, nil); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if got := len(f.persist); got != 2 {
		t.Errorf("persist channel length got %d, want 2", got)
	}
	if got := len(f.project); got != 1 {
		t.Errorf("projection channel length got %d, want 1", got)
	}
}

func TestConcurrentDepositsChainInOrder(t *testing.T) {
	const workers = 4
	const perWorker = 10

	f := newFixture(t, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, _, err := f.engine.Deposit(alice, f.mim, alice, alice, 100, 0, nil); err != nil {
					t.Errorf("deposit: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	prev := f.nextEnvelope()
	if prev.Sequence != 0 {
		t.Errorf("first sequence got %d, want 0", prev.Sequence)
	}
	for n := int64(1); n < workers*perWorker; n++ {
		env := f.nextEnvelope()
		if env.Sequence != n {
			t.Errorf("sequence got %d, want %d", env.Sequence, n)
		}
		if env.PrevHash != prev.StateHash {
			t.Errorf("envelope %d does not chain from envelope %d", env.Sequence, prev.Sequence)
		}
		prev = env
	}
	if got := f.engine.GetSequence(); got != workers*perWorker {
		t.Errorf("sequence got %d, want %d", got, workers*perWorker)
	}
}

func TestMarketEventsCarryMarketID(t *testing.T) {
	f := newFixture(t, 64)
	f.seedMarketLiquidity()
	drain(f.persist)
	drain(f.project)

	if _, _, err := f.engine.Deposit(alice, f.sol, alice, alice, 2000, 0, nil); err != nil {
		t.Fatalf("deposit collateral: %v", err)
	}
	if err := f.gate.SetApproval(alice, alice, f.marketID, true); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := f.engine.AddCollateral(f.marketID, alice, alice, 2000, false); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	_, _, err := f.engine.Borrow(context.Background(), f.marketID, alice, alice, 1000)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}

	f.nextEnvelope() // deposit
	added := f.nextEnvelope()
	borrowed := f.nextEnvelope()

	if added.EventType != event.EventTypeCollateralAdded {
		t.Errorf("event type got %v, want CollateralAdded", added.EventType)
	}
	if added.MarketID == nil || *added.MarketID != f.marketID.String() {
		t.Error("collateral event missing market id")
	}
	if borrowed.EventType != event.EventTypeBorrow {
		t.Errorf("event type got %v, want Borrow", borrowed.EventType)
	}
}

// ============================================================================
// Snapshot & restore
// ============================================================================

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t, 64)
	f.seedMarketLiquidity()

	if _, _, err := f.engine.Deposit(alice, f.sol, alice, alice, 2000, 0, nil); err != nil {
		t.Fatalf("deposit collateral: %v", err)
	}
	if err := f.gate.SetApproval(alice, alice, f.marketID, true); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := f.engine.AddCollateral(f.marketID, alice, alice, 2000, false); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	if _, _, err := f.engine.Borrow(context.Background(), f.marketID, alice, alice, 1000); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	snap := f.engine.CreateSnapshotState()

	// Fresh vault and engine, same identities, restore.
	restoredVault := vault.New(vault.Config{
		ID:        f.vaultID,
		Authority: governor,
		Gate:      f.gate,
		Clock:     func() int64 { return f.now },
		Log:       zerolog.Nop(),
	})
	for _, asset := range []ledger.AssetID{f.mim, f.sol} {
		if err := restoredVault.RegisterAsset(asset); err != nil {
			t.Fatalf("register asset: %v", err)
		}
	}
	restored := core.NewEngine(core.Config{
		Gate:  f.gate,
		Vault: restoredVault,
		Clock: func() int64 { return f.now },
		Log:   zerolog.Nop(),
	})
	if err := restored.RegisterMarket(f.newMarket(restoredVault)); err != nil {
		t.Fatalf("register market: %v", err)
	}
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if got, want := restored.GetSequence(), f.engine.GetSequence(); got != want {
		t.Errorf("sequence got %d, want %d", got, want)
	}
	if restored.GetStateHash() != f.engine.GetStateHash() {
		t.Error("state hash mismatch after restore")
	}
	if got, want := restoredVault.BalanceOf(alice, f.mim), f.vault.BalanceOf(alice, f.mim); got != want {
		t.Errorf("alice MIM shares got %d, want %d", got, want)
	}
	if got, want := restoredVault.BalanceOf(f.marketID, f.sol), f.vault.BalanceOf(f.marketID, f.sol); got != want {
		t.Errorf("market SOL shares got %d, want %d", got, want)
	}

	m, err := restored.Market(f.marketID)
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	orig, err := f.engine.Market(f.marketID)
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	if m.Totals() != orig.Totals() {
		t.Errorf("market totals got %+v, want %+v", m.Totals(), orig.Totals())
	}
	if m.UserBalanceOf(alice) != orig.UserBalanceOf(alice) {
		t.Errorf("user balance got %+v, want %+v", m.UserBalanceOf(alice), orig.UserBalanceOf(alice))
	}
}

func TestRestoreUnknownMarketFails(t *testing.T) {
	f := newFixture(t, 64)

	snap := f.engine.CreateSnapshotState()
	empty := core.NewEngine(core.Config{
		Gate:  f.gate,
		Vault: f.vault,
		Log:   zerolog.Nop(),
	})
	if err := empty.RestoreFromSnapshot(snap); !errors.Is(err, core.ErrUnknownMarket) {
		t.Errorf("got %v, want ErrUnknownMarket", err)
	}
}
