package math_test

import (
	"errors"
	"testing"

	"CauldronLedger/internal/math"
)

// ============================================================================
// Conversion law
// ============================================================================

func TestToBaseEmptyTotalIsOneToOne(t *testing.T) {
	r := math.Rebase{}

	base, err := r.ToBase(1000, false)
	if err != nil {
		t.Fatalf("ToBase: %v", err)
	}
	if base != 1000 {
		t.Errorf("got %d shares, want 1000", base)
	}
}

func TestToElasticEmptyTotalIsOneToOne(t *testing.T) {
	r := math.Rebase{}

	elastic, err := r.ToElastic(500, true)
	if err != nil {
		t.Fatalf("ToElastic: %v", err)
	}
	if elastic != 500 {
		t.Errorf("got %d, want 500", elastic)
	}
}

func TestToBaseRounding(t *testing.T) {
	// 3 shares back 10 tokens: 1 token is worth 0.3 shares.
	r := math.Rebase{Base: 3, Elastic: 10}

	tests := []struct {
		name    string
		elastic uint64
		roundUp bool
		want    uint64
	}{
		{"round down truncates", 7, false, 2},  // 7*3/10 = 2.1
		{"round up bumps", 7, true, 3},         // 2 converts back to 6 < 7
		{"exact needs no bump", 10, true, 3},   // 10*3/10 = 3, back = 10
		{"zero stays zero", 0, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ToBase(tt.elastic, tt.roundUp)
			if err != nil {
				t.Fatalf("ToBase(%d, %v): %v", tt.elastic, tt.roundUp, err)
			}
			if got != tt.want {
				t.Errorf("ToBase(%d, %v) = %d, want %d", tt.elastic, tt.roundUp, got, tt.want)
			}
		})
	}
}

func TestToElasticRounding(t *testing.T) {
	r := math.Rebase{Base: 3, Elastic: 10}

	got, err := r.ToElastic(1, false)
	if err != nil {
		t.Fatalf("ToElastic: %v", err)
	}
	if got != 3 { // 1*10/3 = 3.33
		t.Errorf("round down: got %d, want 3", got)
	}

	got, err = r.ToElastic(1, true)
	if err != nil {
		t.Fatalf("ToElastic: %v", err)
	}
	if got != 4 { // 3 converts back to 0 shares remainder, probe bumps
		t.Errorf("round up: got %d, want 4", got)
	}
}

// Rounding must never create value: converting an amount to shares and back
// (both legs rounded down) can only lose dust, never gain.
func TestRoundTripNeverCreatesValue(t *testing.T) {
	totals := []math.Rebase{
		{Base: 1, Elastic: 1},
		{Base: 3, Elastic: 10},
		{Base: 1000, Elastic: 1007},
		{Base: 999_999_937, Elastic: 1_000_000_000},
		{Base: 1_000_000_000, Elastic: 999_999_937},
	}
	amounts := []uint64{1, 2, 3, 7, 999, 1_000_000, 123_456_789}

	for _, total := range totals {
		for _, amount := range amounts {
			base, err := total.ToBase(amount, false)
			if err != nil {
				t.Fatalf("ToBase(%d): %v", amount, err)
			}
			back, err := total.ToElastic(base, false)
			if err != nil {
				t.Fatalf("ToElastic(%d): %v", base, err)
			}
			if back > amount {
				t.Errorf("total %+v: %d -> %d shares -> %d, round trip created value",
					total, amount, base, back)
			}
		}
	}
}

// ============================================================================
// Mutators
// ============================================================================

func TestAddElasticMintsShares(t *testing.T) {
	r := math.Rebase{Base: 1000, Elastic: 2000}

	base, err := r.AddElastic(100, true)
	if err != nil {
		t.Fatalf("AddElastic: %v", err)
	}
	if base != 50 {
		t.Errorf("minted %d shares, want 50", base)
	}
	if r.Base != 1050 || r.Elastic != 2100 {
		t.Errorf("total after add = %+v, want {1050 2100}", r)
	}
}

func TestSubBaseReleasesElastic(t *testing.T) {
	r := math.Rebase{Base: 1050, Elastic: 2100}

	elastic, err := r.SubBase(50, true)
	if err != nil {
		t.Fatalf("SubBase: %v", err)
	}
	if elastic != 100 {
		t.Errorf("released %d, want 100", elastic)
	}
	if r.Base != 1000 || r.Elastic != 2000 {
		t.Errorf("total after sub = %+v, want {1000 2000}", r)
	}
}

func TestSubBothUnderflowFails(t *testing.T) {
	r := math.Rebase{Base: 10, Elastic: 10}

	if err := r.SubBoth(11, 5); !errors.Is(err, math.ErrOverflow) {
		t.Errorf("got %v, want ErrOverflow", err)
	}
	if r.Base != 10 || r.Elastic != 10 {
		t.Errorf("total mutated on failed sub: %+v", r)
	}
}

func TestElasticOnlyAdjustments(t *testing.T) {
	r := math.Rebase{Base: 1000, Elastic: 1000}

	if err := r.AddElasticOnly(250); err != nil {
		t.Fatalf("AddElasticOnly: %v", err)
	}
	if r.Base != 1000 || r.Elastic != 1250 {
		t.Errorf("after profit: %+v, want {1000 1250}", r)
	}

	if err := r.SubElasticOnly(500); err != nil {
		t.Fatalf("SubElasticOnly: %v", err)
	}
	if r.Base != 1000 || r.Elastic != 750 {
		t.Errorf("after loss: %+v, want {1000 750}", r)
	}
}

// ============================================================================
// Checked helpers
// ============================================================================

func TestMulDivWidens(t *testing.T) {
	// 2^63 * 4 / 8 = 2^61: the product alone overflows u64.
	got, err := math.MulDiv(1<<63, 4, 8)
	if err != nil {
		t.Fatalf("MulDiv: %v", err)
	}
	if got != 1<<61 {
		t.Errorf("got %d, want %d", got, uint64(1)<<61)
	}
}

func TestMulDivOverflowingQuotient(t *testing.T) {
	if _, err := math.MulDiv(1<<63, 4, 1); !errors.Is(err, math.ErrOverflow) {
		t.Errorf("got %v, want ErrOverflow", err)
	}
	if _, err := math.MulDiv(1, 1, 0); !errors.Is(err, math.ErrOverflow) {
		t.Errorf("divide by zero: got %v, want ErrOverflow", err)
	}
}

func TestCheckedAddSub(t *testing.T) {
	if _, err := math.AddU64(^uint64(0), 1); !errors.Is(err, math.ErrOverflow) {
		t.Errorf("AddU64 wrap: got %v, want ErrOverflow", err)
	}
	if _, err := math.SubU64(0, 1); !errors.Is(err, math.ErrOverflow) {
		t.Errorf("SubU64 wrap: got %v, want ErrOverflow", err)
	}
	if got, err := math.AddU64(2, 3); err != nil || got != 5 {
		t.Errorf("AddU64(2,3) = %d, %v", got, err)
	}
}
