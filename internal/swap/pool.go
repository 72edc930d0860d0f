package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"CauldronLedger/internal/ledger"
	"CauldronLedger/internal/math"
)

var (
	ErrNoRoute               = errors.New("no pool for asset pair")
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")
	ErrSlippageExceeded      = errors.New("swap output below minimum")
)

// Executor converts seized collateral into the borrowed asset during the
// liquidation swap phase. A failed swap must leave the executor unchanged;
// callers treat any error as a full abort.
type Executor interface {
	Swap(ctx context.Context, src, dst ledger.AssetID, amountIn, minAmountOut uint64) (uint64, error)
}

type pairKey struct {
	src ledger.AssetID
	dst ledger.AssetID
}

type pool struct {
	reserveIn  uint64
	reserveOut uint64
}

// PoolExecutor is a constant-product swap venue with a basis-point fee.
// One directed pool per (src, dst) pair.
type PoolExecutor struct {
	mu     sync.Mutex
	pools  map[pairKey]*pool
	feeBps uint64
	log    zerolog.Logger
}

func NewPoolExecutor(feeBps uint64, log zerolog.Logger) *PoolExecutor {
	return &PoolExecutor{
		pools:  make(map[pairKey]*pool),
		feeBps: feeBps,
		log:    log,
	}
}

// AddLiquidity seeds or tops up the directed pool for a pair.
func (p *PoolExecutor) AddLiquidity(src, dst ledger.AssetID, reserveIn, reserveOut uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := pairKey{src: src, dst: dst}
	pl, ok := p.pools[key]
	if !ok {
		pl = &pool{}
		p.pools[key] = pl
	}
	pl.reserveIn += reserveIn
	pl.reserveOut += reserveOut
}

// Swap executes amountIn against the pool, constant-product pricing with
// the fee taken on the input leg. All checks run before the reserves move,
// so a rejected swap leaves the pool untouched.
func (p *PoolExecutor) Swap(_ context.Context, src, dst ledger.AssetID, amountIn, minAmountOut uint64) (uint64, error) {
	if amountIn == 0 {
		return 0, fmt.Errorf("swap %d->%d: %w", src, dst, ErrInsufficientLiquidity)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pl, ok := p.pools[pairKey{src: src, dst: dst}]
	if !ok {
		return 0, fmt.Errorf("swap %d->%d: %w", src, dst, ErrNoRoute)
	}

	inAfterFee, err := math.MulDiv(amountIn, 10_000-p.feeBps, 10_000)
	if err != nil {
		return 0, fmt.Errorf("swap fee: %w", err)
	}

	newReserveIn, err := math.AddU64(pl.reserveIn, inAfterFee)
	if err != nil {
		return 0, fmt.Errorf("swap: %w", err)
	}
	// out = reserveOut * inAfterFee / (reserveIn + inAfterFee)
	amountOut, err := math.MulDiv(pl.reserveOut, inAfterFee, newReserveIn)
	if err != nil {
		return 0, fmt.Errorf("swap: %w", err)
	}
	if amountOut >= pl.reserveOut {
		return 0, fmt.Errorf("swap %d->%d: %w", src, dst, ErrInsufficientLiquidity)
	}
	if amountOut < minAmountOut {
		return 0, fmt.Errorf("out %d < min %d: %w", amountOut, minAmountOut, ErrSlippageExceeded)
	}

	pl.reserveIn += amountIn
	pl.reserveOut -= amountOut

	p.log.Debug().
		Uint16("src", uint16(src)).
		Uint16("dst", uint16(dst)).
		Uint64("in", amountIn).
		Uint64("out", amountOut).
		Msg("swap executed")
	return amountOut, nil
}
