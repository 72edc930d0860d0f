package market

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"CauldronLedger/internal/auth"
	"CauldronLedger/internal/math"
)

// credsFor builds the gate credentials the market presents when moving a
// user's vault shares. The market must be whitelisted and approved by the
// owner or the vault rejects the move.
func (m *Market) credsFor(owner uuid.UUID) *auth.Credentials {
	if owner == m.cfg.ID {
		return nil
	}
	return auth.CredentialsFor(owner, m.cfg.ID)
}

// AddCollateral moves `share` collateral shares from the user into the
// market and credits the user's position. With skim the shares are assumed
// to already sit on the market's vault balance (a prior direct transfer)
// and are only claimed, never moved.
func (m *Market) AddCollateral(user, to uuid.UUID, share uint64, skim bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.accrueLocked(m.clock()); err != nil {
		return err
	}

	newTotal, err := math.AddU64(m.total.CollateralShare, share)
	if err != nil {
		return fmt.Errorf("add collateral: %w", err)
	}

	if skim {
		held := m.vault.BalanceOf(m.cfg.ID, m.cfg.CollateralAsset)
		if held < newTotal {
			return fmt.Errorf("held %d, need %d: %w", held, newTotal, ErrSkimTooMuch)
		}
	} else {
		err := m.vault.Transfer(m.cfg.ID, m.cfg.CollateralAsset, user, m.cfg.ID, share, m.credsFor(user))
		if err != nil {
			return fmt.Errorf("add collateral: %w", err)
		}
	}

	ub := m.userLocked(to)
	newUser, err := math.AddU64(ub.CollateralShare, share)
	if err != nil {
		return fmt.Errorf("add collateral: %w", err)
	}
	ub.CollateralShare = newUser
	m.total.CollateralShare = newTotal

	m.log.Debug().
		Str("user", to.String()).
		Uint64("share", share).
		Bool("skim", skim).
		Msg("collateral added")
	return nil
}

// RemoveCollateral releases `share` collateral shares from the user's
// position to `to`. The user must remain solvent at the current oracle
// price after the release. Reference identities are checked before any
// state is touched.
func (m *Market) RemoveCollateral(ctx context.Context, user, to uuid.UUID, share uint64, refs References) error {
	if err := m.validateReferences(refs); err != nil {
		return err
	}

	price, err := m.readPrice(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.accrueLocked(m.clock()); err != nil {
		return err
	}

	ub := m.userLocked(user)
	newUser, err := math.SubU64(ub.CollateralShare, share)
	if err != nil {
		return fmt.Errorf("remove collateral: %w", err)
	}
	newTotal, err := math.SubU64(m.total.CollateralShare, share)
	if err != nil {
		return fmt.Errorf("remove collateral: %w", err)
	}

	solvent, err := m.isSolventLocked(newUser, ub.BorrowPart, m.total.Borrow, price)
	if err != nil {
		return fmt.Errorf("remove collateral: %w", err)
	}
	if !solvent {
		return fmt.Errorf("remove collateral for %s: %w", user, ErrUserInsolvent)
	}

	err = m.vault.Transfer(m.cfg.ID, m.cfg.CollateralAsset, m.cfg.ID, to, share, nil)
	if err != nil {
		return fmt.Errorf("remove collateral: %w", err)
	}

	ub.CollateralShare = newUser
	m.total.CollateralShare = newTotal

	m.log.Debug().
		Str("user", user.String()).
		Uint64("share", share).
		Msg("collateral removed")
	return nil
}

// Borrow mints debt parts for the user and pays out `amount` of the debt
// asset (as vault shares) to `to`. The opening fee is added to the user's
// debt and to the accrued fees. Every check runs against a scratch copy of
// the borrow rebase; nothing commits until the payout transfer succeeds.
func (m *Market) Borrow(ctx context.Context, user, to uuid.UUID, amount uint64) (uint64, uint64, error) {
	price, err := m.readPrice(ctx)
	if err != nil {
		return 0, 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.accrueLocked(m.clock()); err != nil {
		return 0, 0, err
	}

	fee, err := math.MulDiv(amount, m.cfg.BorrowOpeningFee, BorrowOpeningFeePrecision)
	if err != nil {
		return 0, 0, fmt.Errorf("borrow fee: %w", err)
	}
	debt, err := math.AddU64(amount, fee)
	if err != nil {
		return 0, 0, fmt.Errorf("borrow: %w", err)
	}

	borrow := m.total.Borrow
	part, err := borrow.AddElastic(debt, true)
	if err != nil {
		return 0, 0, fmt.Errorf("borrow: %w", err)
	}

	if m.cfg.BorrowCapTotal != 0 && borrow.Elastic > m.cfg.BorrowCapTotal {
		return 0, 0, fmt.Errorf("market debt %d over cap %d: %w",
			borrow.Elastic, m.cfg.BorrowCapTotal, ErrBorrowLimitReached)
	}

	ub := m.userLocked(user)
	newPart, err := math.AddU64(ub.BorrowPart, part)
	if err != nil {
		return 0, 0, fmt.Errorf("borrow: %w", err)
	}

	if m.cfg.BorrowCapPerAddress != 0 {
		owed, err := borrow.ToElastic(newPart, true)
		if err != nil {
			return 0, 0, fmt.Errorf("borrow: %w", err)
		}
		if owed > m.cfg.BorrowCapPerAddress {
			return 0, 0, fmt.Errorf("user debt %d over cap %d: %w",
				owed, m.cfg.BorrowCapPerAddress, ErrBorrowLimitReached)
		}
	}

	solvent, err := m.isSolventLocked(ub.CollateralShare, newPart, borrow, price)
	if err != nil {
		return 0, 0, fmt.Errorf("borrow: %w", err)
	}
	if !solvent {
		return 0, 0, fmt.Errorf("borrow %d for %s: %w", amount, user, ErrInsolventBorrow)
	}

	share, err := m.vault.ToShare(m.cfg.DebtAsset, amount, false)
	if err != nil {
		return 0, 0, fmt.Errorf("borrow: %w", err)
	}
	err = m.vault.Transfer(m.cfg.ID, m.cfg.DebtAsset, m.cfg.ID, to, share, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("borrow payout: %w", err)
	}

	newFees, err := math.AddU64(m.accrueInfo.FeesEarned, fee)
	if err != nil {
		return 0, 0, fmt.Errorf("borrow: %w", err)
	}

	m.total.Borrow = borrow
	ub.BorrowPart = newPart
	m.accrueInfo.FeesEarned = newFees

	m.log.Info().
		Str("user", user.String()).
		Uint64("amount", amount).
		Uint64("fee", fee).
		Uint64("part", part).
		Msg("borrow")
	return part, share, nil
}

// OpeningFee quotes the opening fee charged on a borrow of `amount`.
func (m *Market) OpeningFee(amount uint64) (uint64, error) {
	return math.MulDiv(amount, m.cfg.BorrowOpeningFee, BorrowOpeningFeePrecision)
}

// GetRepayShare quotes the debt-asset vault shares needed to repay `part`
// debt parts at the current state. Both conversions round against the
// repayer.
func (m *Market) GetRepayShare(part uint64) (uint64, error) {
	m.mu.Lock()
	amount, err := m.total.Borrow.ToElastic(part, true)
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return m.vault.ToShare(m.cfg.DebtAsset, amount, true)
}

// GetRepayPart quotes how many debt parts `amount` of the debt asset
// retires, rounded down.
func (m *Market) GetRepayPart(amount uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total.Borrow.ToBase(amount, false)
}

// Repay retires `part` of the user's debt, pulling the corresponding debt
// shares from the payer. With skim the shares are claimed from tokens
// already transferred onto the market's vault balance.
func (m *Market) Repay(payer, user uuid.UUID, part uint64, skim bool) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.accrueLocked(m.clock()); err != nil {
		return 0, err
	}

	ub := m.userLocked(user)
	newPart, err := math.SubU64(ub.BorrowPart, part)
	if err != nil {
		return 0, fmt.Errorf("repay %d parts of %d: %w", part, ub.BorrowPart, err)
	}

	borrow := m.total.Borrow
	amount, err := borrow.SubBase(part, true)
	if err != nil {
		return 0, fmt.Errorf("repay: %w", err)
	}
	share, err := m.vault.ToShare(m.cfg.DebtAsset, amount, true)
	if err != nil {
		return 0, fmt.Errorf("repay: %w", err)
	}

	if skim {
		held := m.vault.BalanceOf(m.cfg.ID, m.cfg.DebtAsset)
		if held < share {
			return 0, fmt.Errorf("held %d, need %d: %w", held, share, ErrSkimTooMuch)
		}
	} else {
		err := m.vault.Transfer(m.cfg.ID, m.cfg.DebtAsset, payer, m.cfg.ID, share, m.credsFor(payer))
		if err != nil {
			return 0, fmt.Errorf("repay: %w", err)
		}
	}

	m.total.Borrow = borrow
	ub.BorrowPart = newPart

	m.log.Info().
		Str("user", user.String()).
		Uint64("part", part).
		Uint64("amount", amount).
		Msg("repay")
	return amount, nil
}

// WithdrawFees moves the accrued protocol fees to the configured fee
// recipient as debt-asset vault shares, then resets the accumulator.
func (m *Market) WithdrawFees(now int64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.accrueLocked(now); err != nil {
		return 0, err
	}
	fees := m.accrueInfo.FeesEarned
	if fees == 0 {
		return 0, nil
	}

	share, err := m.vault.ToShare(m.cfg.DebtAsset, fees, false)
	if err != nil {
		return 0, fmt.Errorf("withdraw fees: %w", err)
	}
	err = m.vault.Transfer(m.cfg.ID, m.cfg.DebtAsset, m.cfg.ID, m.cfg.FeeTo, share, nil)
	if err != nil {
		return 0, fmt.Errorf("withdraw fees: %w", err)
	}
	m.accrueInfo.FeesEarned = 0

	m.log.Info().
		Uint64("amount", fees).
		Str("fee_to", m.cfg.FeeTo.String()).
		Msg("fees withdrawn")
	return fees, nil
}

// ReduceSupply returns unborrowed debt-asset liquidity from the market to
// the authority, capped at what the market actually holds. Governance only.
func (m *Market) ReduceSupply(signer uuid.UUID, amount uint64) (uint64, error) {
	if signer != m.cfg.Authority {
		return 0, fmt.Errorf("reduce supply: %w", auth.ErrConstraintHasOne)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	share, err := m.vault.ToShare(m.cfg.DebtAsset, amount, false)
	if err != nil {
		return 0, fmt.Errorf("reduce supply: %w", err)
	}
	if held := m.vault.BalanceOf(m.cfg.ID, m.cfg.DebtAsset); share > held {
		share = held
	}
	if share == 0 {
		return 0, nil
	}

	removed, _, err := m.vault.Withdraw(m.cfg.ID, m.cfg.DebtAsset, m.cfg.ID, m.cfg.Authority, 0, share, nil)
	if err != nil {
		return 0, fmt.Errorf("reduce supply: %w", err)
	}

	m.log.Info().Uint64("amount", removed).Msg("supply reduced")
	return removed, nil
}
