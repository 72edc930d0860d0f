package math

import (
	"errors"
	"math/big"
	"sync"
)

// ErrOverflow is returned when a checked u64 operation would wrap around.
var ErrOverflow = errors.New("overflow")

// Rebase is the base/elastic pair backing the proportional share model.
// Elastic is the real token quantity custodied; Base is the sum of all
// shares issued against it. When Base == 0 shares convert 1:1.
type Rebase struct {
	Base    uint64 `json:"base"`
	Elastic uint64 `json:"elastic"`
}

// int128Pool holds big.Int scratch values for intermediate products.
// u64 * u64 does not fit in a machine word, so every conversion goes
// through a widened multiply before the divide.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MulDiv computes a * b / d with a widened intermediate.
// Returns ErrOverflow if d == 0 or the quotient does not fit in u64.
func MulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, ErrOverflow
	}
	num := getInt128()
	den := getInt128()
	defer putInt128(num)
	defer putInt128(den)

	num.SetUint64(a)
	den.SetUint64(b)
	num.Mul(num, den)
	den.SetUint64(d)
	num.Quo(num, den)

	if !num.IsUint64() {
		return 0, ErrOverflow
	}
	return num.Uint64(), nil
}

// AddU64 is a checked u64 addition.
func AddU64(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrOverflow
	}
	return sum, nil
}

// SubU64 is a checked u64 subtraction.
func SubU64(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrOverflow
	}
	return a - b, nil
}

// ToBase converts an elastic amount into shares.
// Round-up is floor-then-probe: take the floor quotient, convert it back,
// and bump by one if the round trip lost value. This matches the reference
// arithmetic exactly and keeps ToElastic(ToBase(x)) <= x for round-down.
func (r Rebase) ToBase(elastic uint64, roundUp bool) (uint64, error) {
	if r.Elastic == 0 {
		return elastic, nil
	}
	base, err := MulDiv(elastic, r.Base, r.Elastic)
	if err != nil {
		return 0, err
	}
	if roundUp && r.Base > 0 {
		back, err := MulDiv(base, r.Elastic, r.Base)
		if err != nil {
			return 0, err
		}
		if back < elastic {
			base, err = AddU64(base, 1)
			if err != nil {
				return 0, err
			}
		}
	}
	return base, nil
}

// ToElastic converts shares into an elastic amount, same rounding law as ToBase.
func (r Rebase) ToElastic(base uint64, roundUp bool) (uint64, error) {
	if r.Base == 0 {
		return base, nil
	}
	elastic, err := MulDiv(base, r.Elastic, r.Base)
	if err != nil {
		return 0, err
	}
	if roundUp && r.Elastic > 0 {
		back, err := MulDiv(elastic, r.Base, r.Elastic)
		if err != nil {
			return 0, err
		}
		if back < base {
			elastic, err = AddU64(elastic, 1)
			if err != nil {
				return 0, err
			}
		}
	}
	return elastic, nil
}

// AddElastic grows the pair by an elastic amount and returns the shares minted.
func (r *Rebase) AddElastic(elastic uint64, roundUp bool) (uint64, error) {
	base, err := r.ToBase(elastic, roundUp)
	if err != nil {
		return 0, err
	}
	newBase, err := AddU64(r.Base, base)
	if err != nil {
		return 0, err
	}
	newElastic, err := AddU64(r.Elastic, elastic)
	if err != nil {
		return 0, err
	}
	r.Base = newBase
	r.Elastic = newElastic
	return base, nil
}

// SubBase burns shares and returns the elastic amount released.
func (r *Rebase) SubBase(base uint64, roundUp bool) (uint64, error) {
	elastic, err := r.ToElastic(base, roundUp)
	if err != nil {
		return 0, err
	}
	newBase, err := SubU64(r.Base, base)
	if err != nil {
		return 0, err
	}
	newElastic, err := SubU64(r.Elastic, elastic)
	if err != nil {
		return 0, err
	}
	r.Base = newBase
	r.Elastic = newElastic
	return elastic, nil
}

// AddBoth grows base and elastic independently (deposit paths where both
// legs were already computed under the conversion law).
func (r *Rebase) AddBoth(base, elastic uint64) error {
	newBase, err := AddU64(r.Base, base)
	if err != nil {
		return err
	}
	newElastic, err := AddU64(r.Elastic, elastic)
	if err != nil {
		return err
	}
	r.Base = newBase
	r.Elastic = newElastic
	return nil
}

// SubBoth shrinks base and elastic independently.
func (r *Rebase) SubBoth(base, elastic uint64) error {
	newBase, err := SubU64(r.Base, base)
	if err != nil {
		return err
	}
	newElastic, err := SubU64(r.Elastic, elastic)
	if err != nil {
		return err
	}
	r.Base = newBase
	r.Elastic = newElastic
	return nil
}

// AddElasticOnly grows the elastic side without minting shares
// (strategy profit reporting).
func (r *Rebase) AddElasticOnly(elastic uint64) error {
	newElastic, err := AddU64(r.Elastic, elastic)
	if err != nil {
		return err
	}
	r.Elastic = newElastic
	return nil
}

// SubElasticOnly shrinks the elastic side without burning shares
// (strategy loss reporting).
func (r *Rebase) SubElasticOnly(elastic uint64) error {
	newElastic, err := SubU64(r.Elastic, elastic)
	if err != nil {
		return err
	}
	r.Elastic = newElastic
	return nil
}

// MulDivBig computes a * b / d where the product of three u64 factors may
// be needed upstream; callers chain with the returned big.Int helpers when
// a single widened step is not enough (solvency checks).
func MulDivBig(a *big.Int, b, d uint64) *big.Int {
	scratch := getInt128()
	scratch.SetUint64(b)
	a.Mul(a, scratch)
	scratch.SetUint64(d)
	a.Quo(a, scratch)
	putInt128(scratch)
	return a
}

// NewBig returns a pooled big.Int initialized to v. Release with ReleaseBig.
func NewBig(v uint64) *big.Int {
	b := getInt128()
	b.SetUint64(v)
	return b
}

// ReleaseBig returns a big.Int obtained from NewBig to the pool.
func ReleaseBig(v *big.Int) {
	putInt128(v)
}
