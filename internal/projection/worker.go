package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"CauldronLedger/internal/event"
)

// Worker maintains the read-model tables from applied events. The
// projection channel is fed non-blocking with drop, so rows can lag;
// Rebuild recovers the exact state from the event log at any time.
type Worker struct {
	db    *sql.DB
	input <-chan *event.Envelope
	log   zerolog.Logger
}

func NewWorker(db *sql.DB, input <-chan *event.Envelope, log zerolog.Logger) *Worker {
	return &Worker{db: db, input: input, log: log}
}

// Run applies envelopes until ctx is cancelled or the input closes.
// A failed apply is logged and skipped: the read model is eventually
// consistent and a rebuild repairs any gap.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-w.input:
			if !ok {
				return nil
			}
			if err := w.applyOne(ctx, env); err != nil {
				w.log.Warn().
					Err(err).
					Int64("sequence", env.Sequence).
					Str("event_type", env.EventType.String()).
					Msg("projection apply failed")
			}
		}
	}
}

func (w *Worker) applyOne(ctx context.Context, env *event.Envelope) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := apply(ctx, tx, env.Sequence, env.EventType.String(), env.Payload, env.Timestamp); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.checkpoints (projector, last_sequence)
		VALUES ('main', $1)
		ON CONFLICT (projector) DO UPDATE SET last_sequence = $1
	`, env.Sequence); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return tx.Commit()
}

// apply routes one event into the read-model tables. Shared between the
// live worker and Rebuild, which replays rows straight from the log.
// Vault balance rows track only vault-level deposits, withdrawals and
// transfers plus explicit collateral moves; exact share balances live
// in the engine and are served from memory.
func apply(ctx context.Context, tx *sql.Tx, seq int64, eventType string, payload []byte, ts time.Time) error {
	switch eventType {
	case "VaultDeposit":
		var e event.VaultDeposit
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		return addShares(ctx, tx, e.To.String(), e.Asset, int64(e.Share), seq)

	case "VaultWithdraw":
		var e event.VaultWithdraw
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		return addShares(ctx, tx, e.From.String(), e.Asset, -int64(e.Share), seq)

	case "VaultTransfer":
		var e event.VaultTransfer
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		if err := addShares(ctx, tx, e.From.String(), e.Asset, -int64(e.Share), seq); err != nil {
			return err
		}
		return addShares(ctx, tx, e.To.String(), e.Asset, int64(e.Share), seq)

	case "CollateralAdded":
		var e event.CollateralAdded
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		return addPosition(ctx, tx, e.Market, e.To.String(), int64(e.Share), 0, seq)

	case "CollateralRemoved":
		var e event.CollateralRemoved
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		return addPosition(ctx, tx, e.Market, e.User.String(), -int64(e.Share), 0, seq)

	case "Borrow":
		var e event.Borrow
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		return addPosition(ctx, tx, e.Market, e.User.String(), 0, int64(e.Part), seq)

	case "Repay":
		var e event.Repay
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		return addPosition(ctx, tx, e.Market, e.User.String(), 0, -int64(e.Part), seq)

	case "Accrue":
		var e event.Accrue
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.markets (market_id, borrow_elastic, fees_earned, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (market_id) DO UPDATE
				SET borrow_elastic = $2, fees_earned = $3, last_sequence = $4
		`, e.Market, e.TotalElastic, e.FeesEarned, seq)
		return err

	case "InterestRateChanged":
		var e event.InterestRateChanged
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.markets (market_id, interest_per_second, last_sequence)
			VALUES ($1, $2, $3)
			ON CONFLICT (market_id) DO UPDATE
				SET interest_per_second = $2, last_sequence = $3
		`, e.Market, e.NewRate, seq)
		return err

	case "FeesWithdrawn":
		var e event.FeesWithdrawn
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.markets SET fees_earned = 0, last_sequence = $2
			WHERE market_id = $1
		`, e.Market, seq)
		return err

	case "LiquidationOpened":
		var e event.LiquidationOpened
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		if err := addPosition(ctx, tx, e.Market, e.Borrower.String(), -int64(e.CollateralShare), -int64(e.Part), seq); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.liquidations
				(market_id, liquidator, borrower, collateral_share, borrow_amount,
				 status, deadline, opened_at, updated_at, last_sequence)
			VALUES ($1, $2, $3, $4, $5, 'open', $6, $7, $7, $8)
			ON CONFLICT (market_id, liquidator) DO UPDATE SET
				borrower = $3, collateral_share = $4, borrow_amount = $5,
				proceeds = 0, bonus = 0, status = 'open', deadline = $6,
				opened_at = $7, updated_at = $7, last_sequence = $8
		`, e.Market, e.Liquidator.String(), e.Borrower.String(),
			e.CollateralShare, e.BorrowAmount, e.Deadline, ts, seq)
		return err

	case "LiquidationSwapped":
		var e event.LiquidationSwapped
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.liquidations
			SET proceeds = $3, status = 'swapped', deadline = $4, updated_at = $5, last_sequence = $6
			WHERE market_id = $1 AND liquidator = $2
		`, e.Market, e.Liquidator.String(), e.Proceeds, e.Deadline, ts, seq)
		return err

	case "LiquidationCompleted":
		var e event.LiquidationCompleted
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.liquidations
			SET bonus = $3, status = 'completed', updated_at = $4, last_sequence = $5
			WHERE market_id = $1 AND liquidator = $2
		`, e.Market, e.Liquidator.String(), e.Bonus, ts, seq)
		return err

	case "DirectLiquidation":
		var e event.DirectLiquidation
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		return addPosition(ctx, tx, e.Market, e.Borrower.String(), -int64(e.CollateralShare), -int64(e.Part), seq)
	}

	// Strategy and swap lifecycle events have no read-model rows.
	return nil
}

func addShares(ctx context.Context, tx *sql.Tx, owner, asset string, delta int64, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.vault_balances (owner, asset, share, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner, asset) DO UPDATE
			SET share = projections.vault_balances.share + $3, last_sequence = $4
	`, owner, asset, delta, seq)
	return err
}

func addPosition(ctx context.Context, tx *sql.Tx, market, user string, collateralDelta, partDelta, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.market_users (market_id, user_id, collateral_share, borrow_part, last_sequence)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (market_id, user_id) DO UPDATE SET
			collateral_share = projections.market_users.collateral_share + $3,
			borrow_part = projections.market_users.borrow_part + $4,
			last_sequence = $5
	`, market, user, collateralDelta, partDelta, seq)
	return err
}
