package market_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"CauldronLedger/internal/ledger"
	"CauldronLedger/internal/market"
	"CauldronLedger/internal/oracle"
	"CauldronLedger/internal/swap"
)

// stubSwapper records the requested swap and returns a fixed result.
type stubSwapper struct {
	out        uint64
	err        error
	lastIn     uint64
	lastMinOut uint64
}

func (s *stubSwapper) Swap(_ context.Context, _, _ ledger.AssetID, amountIn, minAmountOut uint64) (uint64, error) {
	s.lastIn = amountIn
	s.lastMinOut = minAmountOut
	if s.err != nil {
		return 0, s.err
	}
	return s.out, nil
}

// insolventFixture sets up alice with 2000 collateral shares and 1010 debt
// parts, then drops the collateral price until the position is under water:
// scaled collateral value 150_000 against scaled debt 161_600.
func insolventFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, 0)
	f.depositCollateral(alice, 2000)
	if _, _, err := f.market.Borrow(context.Background(), alice, alice, 1000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := f.feed.Set(feedID, oracle.Price{Mantissa: 160, Scale: 2}); err != nil {
		t.Fatalf("set price: %v", err)
	}
	return f
}

// ============================================================================
// Begin
// ============================================================================

func TestBeginLiquidateSolventFails(t *testing.T) {
	f := newFixture(t, 0)
	f.depositCollateral(alice, 100_000)
	if _, _, err := f.market.Borrow(context.Background(), alice, alice, 1000); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	_, err := f.market.BeginLiquidate(context.Background(), liqOne, alice, 2000)
	if !errors.Is(err, market.ErrUserIsSolvent) {
		t.Errorf("got %v, want ErrUserIsSolvent", err)
	}
}

func TestBeginLiquidateSeizesCollateral(t *testing.T) {
	f := insolventFixture(t)

	rec, err := f.market.BeginLiquidate(context.Background(), liqOne, alice, 2000)
	if err != nil {
		t.Fatalf("begin liquidate: %v", err)
	}

	// 1010 debt * 1.05 multiplier * 1.6 price = 1696 collateral shares.
	if rec.CollateralShare != 1696 || rec.CollateralAmount != 1696 {
		t.Errorf("collateral = %d/%d, want 1696/1696", rec.CollateralShare, rec.CollateralAmount)
	}
	// 1010 owed plus the 10% protocol cut of the 50 bonus.
	if rec.BorrowAmount != 1015 {
		t.Errorf("borrow amount = %d, want 1015", rec.BorrowAmount)
	}
	if rec.BorrowShare != 1015 {
		t.Errorf("borrow share = %d, want 1015", rec.BorrowShare)
	}
	if rec.Deadline != f.now+3600 {
		t.Errorf("deadline = %d, want %d", rec.Deadline, f.now+3600)
	}
	if rec.Swapped {
		t.Error("fresh record marked swapped")
	}

	ub := f.market.UserBalanceOf(alice)
	if ub.BorrowPart != 0 {
		t.Errorf("borrower part = %d, want 0", ub.BorrowPart)
	}
	if ub.CollateralShare != 304 {
		t.Errorf("borrower collateral = %d, want 304", ub.CollateralShare)
	}
	total := f.market.Totals()
	if total.CollateralShare != 304 {
		t.Errorf("total collateral = %d, want 304", total.CollateralShare)
	}
	if total.Borrow.Base != 0 || total.Borrow.Elastic != 0 {
		t.Errorf("borrow total = %+v, want {0 0}", total.Borrow)
	}
	// 10 opening fee plus the 5 distribution cut.
	if got := f.market.AccrueState().FeesEarned; got != 15 {
		t.Errorf("fees = %d, want 15", got)
	}
}

func TestBeginLiquidatePartialCapsAtMaxPart(t *testing.T) {
	f := insolventFixture(t)

	rec, err := f.market.BeginLiquidate(context.Background(), liqOne, alice, 500)
	if err != nil {
		t.Fatalf("begin liquidate: %v", err)
	}
	if rec.CollateralShare != 840 {
		t.Errorf("collateral = %d, want 840", rec.CollateralShare)
	}
	if rec.BorrowAmount != 502 {
		t.Errorf("borrow amount = %d, want 502", rec.BorrowAmount)
	}

	ub := f.market.UserBalanceOf(alice)
	if ub.BorrowPart != 510 {
		t.Errorf("borrower part = %d, want 510", ub.BorrowPart)
	}
	if ub.CollateralShare != 1160 {
		t.Errorf("borrower collateral = %d, want 1160", ub.CollateralShare)
	}
}

// ============================================================================
// Swap phase
// ============================================================================

func TestLiquidateSwapUnknownRecord(t *testing.T) {
	f := newFixture(t, 0)

	err := f.market.LiquidateSwap(context.Background(), liqOne, liqOne, &stubSwapper{out: 1})
	if !errors.Is(err, market.ErrEmptyLiquidatorAccount) {
		t.Errorf("got %v, want ErrEmptyLiquidatorAccount", err)
	}
}

func TestLiquidateSwapNilSwapper(t *testing.T) {
	f := insolventFixture(t)
	if _, err := f.market.BeginLiquidate(context.Background(), liqOne, alice, 2000); err != nil {
		t.Fatalf("begin: %v", err)
	}

	err := f.market.LiquidateSwap(context.Background(), liqOne, liqOne, nil)
	if !errors.Is(err, market.ErrInvalidSwapper) {
		t.Errorf("got %v, want ErrInvalidSwapper", err)
	}
}

func TestLiquidateSwapOriginPriority(t *testing.T) {
	f := insolventFixture(t)
	if _, err := f.market.BeginLiquidate(context.Background(), liqOne, alice, 2000); err != nil {
		t.Fatalf("begin: %v", err)
	}

	err := f.market.LiquidateSwap(context.Background(), liqOne, liqTwo, &stubSwapper{out: 1100})
	if !errors.Is(err, market.ErrTooSoon) {
		t.Fatalf("foreign caller inside window: got %v, want ErrTooSoon", err)
	}

	if err := f.market.LiquidateSwap(context.Background(), liqOne, liqOne, &stubSwapper{out: 1100}); err != nil {
		t.Fatalf("origin swap: %v", err)
	}
	rec, ok := f.market.LiquidatorAccountOf(liqOne)
	if !ok {
		t.Fatal("record vanished")
	}
	if !rec.Swapped || rec.RealAmount != 1100 {
		t.Errorf("record = %+v, want swapped with 1100 proceeds", rec)
	}
}

func TestLiquidateSwapTakeoverAfterDeadline(t *testing.T) {
	f := insolventFixture(t)
	if _, err := f.market.BeginLiquidate(context.Background(), liqOne, alice, 2000); err != nil {
		t.Fatalf("begin: %v", err)
	}

	f.now += 3601
	if err := f.market.LiquidateSwap(context.Background(), liqOne, liqTwo, &stubSwapper{out: 1100}); err != nil {
		t.Fatalf("takeover swap: %v", err)
	}

	rec, _ := f.market.LiquidatorAccountOf(liqOne)
	if rec.Origin != liqTwo {
		t.Errorf("origin = %s, want %s", rec.Origin, liqTwo)
	}
	if rec.Deadline != f.now+3600 {
		t.Errorf("deadline = %d, want %d", rec.Deadline, f.now+3600)
	}

	// The previous origin lost its priority along with the record.
	_, err := f.market.CompleteLiquidate(context.Background(), liqOne, liqOne)
	if !errors.Is(err, market.ErrTooSoon) {
		t.Errorf("got %v, want ErrTooSoon", err)
	}
}

func TestCompleteAfterTakeoverHonorsNewOrigin(t *testing.T) {
	f := insolventFixture(t)
	if _, err := f.market.BeginLiquidate(context.Background(), liqOne, alice, 2000); err != nil {
		t.Fatalf("begin: %v", err)
	}

	f.now += 3601
	if err := f.market.LiquidateSwap(context.Background(), liqOne, liqTwo, &stubSwapper{out: 1100}); err != nil {
		t.Fatalf("takeover swap: %v", err)
	}

	// Halfway into the fresh window only the new origin may complete.
	f.now += 1800
	_, err := f.market.CompleteLiquidate(context.Background(), liqOne, liqOne)
	if !errors.Is(err, market.ErrTooSoon) {
		t.Fatalf("old origin inside extended window: got %v, want ErrTooSoon", err)
	}

	bonus, err := f.market.CompleteLiquidate(context.Background(), liqOne, liqTwo)
	if err != nil {
		t.Fatalf("complete by new origin: %v", err)
	}
	if bonus != 85 {
		t.Errorf("bonus = %d, want 85", bonus)
	}
	if got := f.vault.BalanceOf(liqTwo, f.mim); got != 85 {
		t.Errorf("new origin balance = %d, want 85", got)
	}
}

func TestLiquidateSwapPassesOwedAsMinimum(t *testing.T) {
	f := insolventFixture(t)
	if _, err := f.market.BeginLiquidate(context.Background(), liqOne, alice, 2000); err != nil {
		t.Fatalf("begin: %v", err)
	}

	s := &stubSwapper{out: 1100}
	if err := f.market.LiquidateSwap(context.Background(), liqOne, liqOne, s); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if s.lastIn != 1696 || s.lastMinOut != 1015 {
		t.Errorf("swap called with in=%d min=%d, want 1696/1015", s.lastIn, s.lastMinOut)
	}
}

func TestLiquidateSwapFailureLeavesRecord(t *testing.T) {
	f := insolventFixture(t)
	if _, err := f.market.BeginLiquidate(context.Background(), liqOne, alice, 2000); err != nil {
		t.Fatalf("begin: %v", err)
	}

	s := &stubSwapper{err: swap.ErrSlippageExceeded}
	if err := f.market.LiquidateSwap(context.Background(), liqOne, liqOne, s); err == nil {
		t.Fatal("failed swap reported success")
	}
	rec, _ := f.market.LiquidatorAccountOf(liqOne)
	if rec.Swapped || rec.RealAmount != 0 {
		t.Errorf("record mutated by failed swap: %+v", rec)
	}
}

func TestLiquidateSwapThroughPool(t *testing.T) {
	f := insolventFixture(t)
	if _, err := f.market.BeginLiquidate(context.Background(), liqOne, alice, 2000); err != nil {
		t.Fatalf("begin: %v", err)
	}

	pool := swap.NewPoolExecutor(0, zerolog.Nop())
	pool.AddLiquidity(f.sol, f.mim, 1_000_000, 20_000_000)

	if err := f.market.LiquidateSwap(context.Background(), liqOne, liqOne, pool); err != nil {
		t.Fatalf("swap: %v", err)
	}
	rec, _ := f.market.LiquidatorAccountOf(liqOne)
	// 20_000_000 * 1696 / 1_001_696 floored.
	if rec.RealAmount != 33_862 {
		t.Errorf("proceeds = %d, want 33862", rec.RealAmount)
	}
	if _, err := f.market.CompleteLiquidate(context.Background(), liqOne, liqOne); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

// ============================================================================
// Complete
// ============================================================================

func TestCompleteLiquidateRequiresSwap(t *testing.T) {
	f := insolventFixture(t)
	if _, err := f.market.BeginLiquidate(context.Background(), liqOne, alice, 2000); err != nil {
		t.Fatalf("begin: %v", err)
	}

	_, err := f.market.CompleteLiquidate(context.Background(), liqOne, liqOne)
	if !errors.Is(err, market.ErrLiquidationNotSwapped) {
		t.Errorf("got %v, want ErrLiquidationNotSwapped", err)
	}
}

func TestCompleteLiquidatePaysBonus(t *testing.T) {
	f := insolventFixture(t)
	if _, err := f.market.BeginLiquidate(context.Background(), liqOne, alice, 2000); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := f.market.LiquidateSwap(context.Background(), liqOne, liqOne, &stubSwapper{out: 1100}); err != nil {
		t.Fatalf("swap: %v", err)
	}

	bonus, err := f.market.CompleteLiquidate(context.Background(), liqOne, liqOne)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if bonus != 85 {
		t.Errorf("bonus = %d, want 85", bonus)
	}
	if got := f.vault.BalanceOf(liqOne, f.mim); got != 85 {
		t.Errorf("liquidator balance = %d, want 85", got)
	}
	// 999_000 after the borrow payout, plus the 1015 owed shares.
	if got := f.vault.BalanceOf(f.market.ID(), f.mim); got != 1_000_015 {
		t.Errorf("market liquidity = %d, want 1000015", got)
	}

	if _, ok := f.market.LiquidatorAccountOf(liqOne); ok {
		t.Error("record survived completion")
	}
	_, err = f.market.CompleteLiquidate(context.Background(), liqOne, liqOne)
	if !errors.Is(err, market.ErrEmptyLiquidatorAccount) {
		t.Errorf("got %v, want ErrEmptyLiquidatorAccount", err)
	}
}

func TestCompleteLiquidateExactProceeds(t *testing.T) {
	f := insolventFixture(t)
	if _, err := f.market.BeginLiquidate(context.Background(), liqOne, alice, 2000); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := f.market.LiquidateSwap(context.Background(), liqOne, liqOne, &stubSwapper{out: 1015}); err != nil {
		t.Fatalf("swap: %v", err)
	}

	bonus, err := f.market.CompleteLiquidate(context.Background(), liqOne, liqOne)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if bonus != 0 {
		t.Errorf("bonus = %d, want 0", bonus)
	}
	if got := f.market.AccrueState().FeesEarned; got != 15 {
		t.Errorf("fees = %d, want 15 (untouched)", got)
	}
}

// ============================================================================
// Direct path
// ============================================================================

func TestDirectLiquidate(t *testing.T) {
	f := insolventFixture(t)

	if _, _, err := f.vault.Deposit(treasury, f.mim, treasury, liqOne, 2000, 0, nil); err != nil {
		t.Fatalf("fund liquidator: %v", err)
	}
	f.approve(liqOne)

	seized, err := f.market.Liquidate(context.Background(), liqOne, alice, 2000)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if seized != 1696 {
		t.Errorf("seized = %d, want 1696", seized)
	}
	if got := f.vault.BalanceOf(liqOne, f.sol); got != 1696 {
		t.Errorf("liquidator collateral = %d, want 1696", got)
	}
	if got := f.vault.BalanceOf(liqOne, f.mim); got != 985 {
		t.Errorf("liquidator debt balance = %d, want 985 (paid 1015)", got)
	}
	if got := f.market.UserBalanceOf(alice).BorrowPart; got != 0 {
		t.Errorf("borrower part = %d, want 0", got)
	}
}

func TestDirectLiquidateSolventFails(t *testing.T) {
	f := newFixture(t, 0)
	f.depositCollateral(alice, 100_000)

	_, err := f.market.Liquidate(context.Background(), liqOne, alice, 2000)
	if !errors.Is(err, market.ErrUserIsSolvent) {
		t.Errorf("got %v, want ErrUserIsSolvent", err)
	}
}
