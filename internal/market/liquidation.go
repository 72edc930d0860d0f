package market

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"CauldronLedger/internal/math"
	"CauldronLedger/internal/oracle"
	"CauldronLedger/internal/swap"
)

// LiquidatorAccount tracks one in-flight three-phase liquidation. The
// seized collateral tokens sit outside vault custody between begin and
// complete; BorrowAmount is what must come back (seized debt plus the
// distribution cut), RealAmount is what the swap actually produced.
type LiquidatorAccount struct {
	Origin           uuid.UUID `json:"origin"`
	Borrower         uuid.UUID `json:"borrower"`
	CollateralShare  uint64    `json:"collateral_share"`
	CollateralAmount uint64    `json:"collateral_amount"`
	BorrowAmount     uint64    `json:"borrow_amount"`
	BorrowShare      uint64    `json:"borrow_share"`
	RealAmount       uint64    `json:"real_amount"`
	Deadline         int64     `json:"deadline"`
	Swapped          bool      `json:"swapped"`
}

// LiquidatorAccountOf returns a copy of the in-flight liquidation record.
func (m *Market) LiquidatorAccountOf(liquidator uuid.UUID) (LiquidatorAccount, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.liquidations[liquidator]
	if !ok {
		return LiquidatorAccount{}, false
	}
	return *rec, true
}

// checkWindow enforces origin priority: before the deadline only the
// origin liquidator may act on the record, afterwards anyone may.
func (m *Market) checkWindow(rec *LiquidatorAccount, caller uuid.UUID, now int64) error {
	if caller != rec.Origin && now <= rec.Deadline {
		return fmt.Errorf("deadline %d: %w", rec.Deadline, ErrTooSoon)
	}
	return nil
}

// seize computes the liquidation amounts for closing `part` debt parts and
// applies them to scratch state. Returned values are committed by the
// caller once the vault moves succeed.
type seizure struct {
	part            uint64
	borrowAmount    uint64
	borrowShare     uint64
	collateralShare uint64
	distribution    uint64
	borrow          math.Rebase
	newUserColl     uint64
	newUserPart     uint64
	newTotalColl    uint64
}

func (m *Market) seizeLocked(borrower uuid.UUID, maxBorrowPart uint64, price oracle.Price) (*seizure, error) {
	ub := m.userLocked(borrower)

	solvent, err := m.isSolventLocked(ub.CollateralShare, ub.BorrowPart, m.total.Borrow, price)
	if err != nil {
		return nil, err
	}
	if solvent {
		return nil, fmt.Errorf("liquidate %s: %w", borrower, ErrUserIsSolvent)
	}

	part := maxBorrowPart
	if ub.BorrowPart < part {
		part = ub.BorrowPart
	}

	borrow := m.total.Borrow
	borrowAmount, err := borrow.ToElastic(part, false)
	if err != nil {
		return nil, err
	}

	// collateralShare = toShare(borrowAmount * multiplier * price / (1e5 * 10^scale))
	b := math.NewBig(borrowAmount)
	defer math.ReleaseBig(b)
	math.MulDivBig(b, m.cfg.LiquidationMultiplier, LiquidationMultiplierPrecision)
	math.MulDivBig(b, price.Mantissa, price.PowerOfTen())
	if !b.IsUint64() {
		return nil, math.ErrOverflow
	}
	vt, err := m.vault.Total(m.cfg.CollateralAsset)
	if err != nil {
		return nil, err
	}
	collateralShare, err := vt.ToBase(b.Uint64(), false)
	if err != nil {
		return nil, err
	}

	newUserColl, err := math.SubU64(ub.CollateralShare, collateralShare)
	if err != nil {
		return nil, fmt.Errorf("seize %d of %d collateral shares: %w",
			collateralShare, ub.CollateralShare, err)
	}
	newUserPart, err := math.SubU64(ub.BorrowPart, part)
	if err != nil {
		return nil, err
	}
	newTotalColl, err := math.SubU64(m.total.CollateralShare, collateralShare)
	if err != nil {
		return nil, err
	}
	if err := borrow.SubBoth(part, borrowAmount); err != nil {
		return nil, err
	}

	// The protocol keeps a cut of the liquidation bonus.
	multiplied, err := math.MulDiv(borrowAmount, m.cfg.LiquidationMultiplier, LiquidationMultiplierPrecision)
	if err != nil {
		return nil, err
	}
	distribution, err := math.MulDiv(multiplied-borrowAmount, m.cfg.DistributionPart, DistributionPartPrecision)
	if err != nil {
		return nil, err
	}
	owed, err := math.AddU64(borrowAmount, distribution)
	if err != nil {
		return nil, err
	}
	borrowShare, err := m.vault.ToShare(m.cfg.DebtAsset, owed, true)
	if err != nil {
		return nil, err
	}

	return &seizure{
		part:            part,
		borrowAmount:    owed,
		borrowShare:     borrowShare,
		collateralShare: collateralShare,
		distribution:    distribution,
		borrow:          borrow,
		newUserColl:     newUserColl,
		newUserPart:     newUserPart,
		newTotalColl:    newTotalColl,
	}, nil
}

func (m *Market) commitSeizureLocked(borrower uuid.UUID, s *seizure) error {
	newFees, err := math.AddU64(m.accrueInfo.FeesEarned, s.distribution)
	if err != nil {
		return err
	}
	ub := m.userLocked(borrower)
	ub.CollateralShare = s.newUserColl
	ub.BorrowPart = s.newUserPart
	m.total.CollateralShare = s.newTotalColl
	m.total.Borrow = s.borrow
	m.accrueInfo.FeesEarned = newFees
	return nil
}

// BeginLiquidate opens a three-phase liquidation against an insolvent
// borrower: the seized collateral leaves vault custody into the
// liquidator's escrow and a LiquidatorAccount records what must come back.
// The origin liquidator holds exclusive rights until the deadline.
func (m *Market) BeginLiquidate(ctx context.Context, liquidator, borrower uuid.UUID, maxBorrowPart uint64) (LiquidatorAccount, error) {
	price, err := m.readPrice(ctx)
	if err != nil {
		return LiquidatorAccount{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if err := m.accrueLocked(now); err != nil {
		return LiquidatorAccount{}, err
	}

	s, err := m.seizeLocked(borrower, maxBorrowPart, price)
	if err != nil {
		return LiquidatorAccount{}, fmt.Errorf("begin liquidate: %w", err)
	}

	collAmount, _, err := m.vault.Withdraw(
		m.cfg.ID, m.cfg.CollateralAsset, m.cfg.ID, liquidator, 0, s.collateralShare, nil)
	if err != nil {
		return LiquidatorAccount{}, fmt.Errorf("begin liquidate: %w", err)
	}

	if err := m.commitSeizureLocked(borrower, s); err != nil {
		return LiquidatorAccount{}, fmt.Errorf("begin liquidate: %w", err)
	}

	rec := &LiquidatorAccount{
		Origin:           liquidator,
		Borrower:         borrower,
		CollateralShare:  s.collateralShare,
		CollateralAmount: collAmount,
		BorrowAmount:     s.borrowAmount,
		BorrowShare:      s.borrowShare,
		Deadline:         now + m.cfg.CompleteLiquidationDuration,
	}
	m.liquidations[liquidator] = rec

	m.log.Info().
		Str("liquidator", liquidator.String()).
		Str("borrower", borrower.String()).
		Uint64("part", s.part).
		Uint64("collateral_share", s.collateralShare).
		Uint64("borrow_amount", s.borrowAmount).
		Int64("deadline", rec.Deadline).
		Msg("liquidation opened")
	return *rec, nil
}

// LiquidateSwap runs the escrowed collateral through the swap executor.
// A successful swap records the proceeds, extends the deadline and hands
// origin rights to the caller. A failed swap changes nothing.
func (m *Market) LiquidateSwap(ctx context.Context, liquidator, caller uuid.UUID, exec swap.Executor) error {
	if exec == nil {
		return fmt.Errorf("liquidate swap: %w", ErrInvalidSwapper)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.liquidations[liquidator]
	if !ok {
		return fmt.Errorf("liquidate swap for %s: %w", liquidator, ErrEmptyLiquidatorAccount)
	}
	now := m.clock()
	if err := m.checkWindow(rec, caller, now); err != nil {
		return err
	}

	out, err := exec.Swap(ctx, m.cfg.CollateralAsset, m.cfg.DebtAsset, rec.CollateralAmount, rec.BorrowAmount)
	if err != nil {
		return fmt.Errorf("liquidate swap: %w", err)
	}
	if out < rec.BorrowAmount {
		return fmt.Errorf("proceeds %d below owed %d: %w", out, rec.BorrowAmount, ErrInvalidSwapper)
	}

	rec.RealAmount = out
	rec.Swapped = true
	rec.Origin = caller
	rec.Deadline = now + m.cfg.CompleteLiquidationDuration

	m.log.Info().
		Str("liquidator", liquidator.String()).
		Uint64("proceeds", out).
		Msg("liquidation swapped")
	return nil
}

// CompleteLiquidate settles a swapped liquidation: the proceeds are
// deposited back into the vault for the market, the owed debt shares are
// retained and any surplus goes to the caller as the liquidation bonus. A
// shortfall is absorbed by the fee accumulator first and socialized onto
// the remaining borrowers beyond that.
func (m *Market) CompleteLiquidate(ctx context.Context, liquidator, caller uuid.UUID) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.liquidations[liquidator]
	if !ok {
		return 0, fmt.Errorf("complete liquidate for %s: %w", liquidator, ErrEmptyLiquidatorAccount)
	}
	now := m.clock()
	if err := m.checkWindow(rec, caller, now); err != nil {
		return 0, err
	}
	if !rec.Swapped {
		return 0, fmt.Errorf("complete liquidate for %s: %w", liquidator, ErrLiquidationNotSwapped)
	}

	_, sharesIn, err := m.vault.Deposit(
		m.cfg.ID, m.cfg.DebtAsset, m.cfg.ID, m.cfg.ID, rec.RealAmount, 0, nil)
	if err != nil {
		return 0, fmt.Errorf("complete liquidate: %w", err)
	}

	owed, err := m.vault.ToShare(m.cfg.DebtAsset, rec.BorrowAmount, true)
	if err != nil {
		return 0, fmt.Errorf("complete liquidate: %w", err)
	}

	var bonus uint64
	switch {
	case sharesIn > owed:
		bonus = sharesIn - owed
		err := m.vault.Transfer(m.cfg.ID, m.cfg.DebtAsset, m.cfg.ID, caller, bonus, nil)
		if err != nil {
			return 0, fmt.Errorf("complete liquidate bonus: %w", err)
		}
	case sharesIn < owed:
		shortAmt, err := m.vault.ToAmount(m.cfg.DebtAsset, owed-sharesIn, true)
		if err != nil {
			return 0, fmt.Errorf("complete liquidate: %w", err)
		}
		if m.accrueInfo.FeesEarned >= shortAmt {
			m.accrueInfo.FeesEarned -= shortAmt
		} else {
			socialized := shortAmt - m.accrueInfo.FeesEarned
			m.accrueInfo.FeesEarned = 0
			if err := m.total.Borrow.AddElasticOnly(socialized); err != nil {
				return 0, fmt.Errorf("complete liquidate: %w", err)
			}
			m.log.Warn().
				Uint64("socialized", socialized).
				Msg("liquidation shortfall socialized onto borrowers")
		}
	}

	delete(m.liquidations, liquidator)

	m.log.Info().
		Str("liquidator", liquidator.String()).
		Str("caller", caller.String()).
		Uint64("deposited", rec.RealAmount).
		Uint64("bonus", bonus).
		Msg("liquidation completed")
	return bonus, nil
}

// Liquidate is the direct single-step path: the caller pays the owed debt
// shares from its own vault balance and receives the seized collateral
// shares immediately. No escrow, no swap, no priority window.
func (m *Market) Liquidate(ctx context.Context, caller, borrower uuid.UUID, maxBorrowPart uint64) (uint64, error) {
	price, err := m.readPrice(ctx)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.accrueLocked(m.clock()); err != nil {
		return 0, err
	}

	s, err := m.seizeLocked(borrower, maxBorrowPart, price)
	if err != nil {
		return 0, fmt.Errorf("liquidate: %w", err)
	}

	err = m.vault.Transfer(m.cfg.ID, m.cfg.DebtAsset, caller, m.cfg.ID, s.borrowShare, m.credsFor(caller))
	if err != nil {
		return 0, fmt.Errorf("liquidate: %w", err)
	}
	err = m.vault.Transfer(m.cfg.ID, m.cfg.CollateralAsset, m.cfg.ID, caller, s.collateralShare, nil)
	if err != nil {
		// Give the debt shares back; the collateral leg failing must not
		// leave the caller short.
		if rbErr := m.vault.Transfer(m.cfg.ID, m.cfg.DebtAsset, m.cfg.ID, caller, s.borrowShare, nil); rbErr != nil {
			m.log.Error().
				Err(rbErr).
				Str("caller", caller.String()).
				Uint64("borrow_share", s.borrowShare).
				Msg("debt share refund failed")
		}
		return 0, fmt.Errorf("liquidate: %w", err)
	}

	if err := m.commitSeizureLocked(borrower, s); err != nil {
		return 0, fmt.Errorf("liquidate: %w", err)
	}

	m.log.Info().
		Str("liquidator", caller.String()).
		Str("borrower", borrower.String()).
		Uint64("part", s.part).
		Uint64("collateral_share", s.collateralShare).
		Msg("direct liquidation")
	return s.collateralShare, nil
}
