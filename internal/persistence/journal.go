package persistence

import (
	"encoding/json"
	"fmt"

	"CauldronLedger/internal/event"
)

// JournalRowsFor expands one applied event into double-entry journal
// rows. Journal ids are derived from the sequence so a re-derived batch
// after a crash dedupes against the unique constraint.
//
// Account naming: "external:<owner>" for tokens outside vault custody,
// "shares:<owner>" for vault share balances, "collateral:<market>:<user>"
// and "debt:<market>:<user>" for market positions, "fees:<market>" for
// the protocol accumulator.
func JournalRowsFor(env *event.Envelope) ([]JournalRow, error) {
	row := func(idx int, debit, credit, asset string, amount uint64, entryType string) JournalRow {
		return JournalRow{
			JournalID:     fmt.Sprintf("%d-%d", env.Sequence, idx),
			Sequence:      env.Sequence,
			DebitAccount:  debit,
			CreditAccount: credit,
			Asset:         asset,
			Amount:        amount,
			EntryType:     entryType,
			Timestamp:     env.Timestamp,
		}
	}

	switch env.EventType {
	case event.EventTypeVaultDeposit:
		var e event.VaultDeposit
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		return []JournalRow{
			row(0, "external:"+e.From.String(), "shares:"+e.To.String(), e.Asset, e.Share, "deposit"),
		}, nil

	case event.EventTypeVaultWithdraw:
		var e event.VaultWithdraw
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		return []JournalRow{
			row(0, "shares:"+e.From.String(), "external:"+e.To.String(), e.Asset, e.Share, "withdraw"),
		}, nil

	case event.EventTypeVaultTransfer:
		var e event.VaultTransfer
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		return []JournalRow{
			row(0, "shares:"+e.From.String(), "shares:"+e.To.String(), e.Asset, e.Share, "transfer"),
		}, nil

	case event.EventTypeCollateralAdded:
		var e event.CollateralAdded
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		return []JournalRow{
			row(0, "shares:"+e.User.String(), "collateral:"+e.Market+":"+e.To.String(), "", e.Share, "collateral_add"),
		}, nil

	case event.EventTypeCollateralRemoved:
		var e event.CollateralRemoved
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		return []JournalRow{
			row(0, "collateral:"+e.Market+":"+e.User.String(), "shares:"+e.To.String(), "", e.Share, "collateral_remove"),
		}, nil

	case event.EventTypeBorrow:
		var e event.Borrow
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		rows := []JournalRow{
			row(0, "debt:"+e.Market+":"+e.User.String(), "shares:"+e.To.String(), "", e.Share, "borrow"),
		}
		if e.Fee > 0 {
			rows = append(rows, row(1, "debt:"+e.Market+":"+e.User.String(), "fees:"+e.Market, "", e.Fee, "borrow_fee"))
		}
		return rows, nil

	case event.EventTypeRepay:
		var e event.Repay
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		return []JournalRow{
			row(0, "shares:"+e.Payer.String(), "debt:"+e.Market+":"+e.User.String(), "", e.Amount, "repay"),
		}, nil

	case event.EventTypeAccrue:
		var e event.Accrue
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		if e.Interest == 0 {
			return nil, nil
		}
		return []JournalRow{
			row(0, "debt:"+e.Market, "fees:"+e.Market, "", e.Interest, "interest"),
		}, nil

	case event.EventTypeFeesWithdrawn:
		var e event.FeesWithdrawn
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		return []JournalRow{
			row(0, "fees:"+e.Market, "shares:"+e.To.String(), "", e.Amount, "fees_withdraw"),
		}, nil

	case event.EventTypeLiquidationOpened:
		var e event.LiquidationOpened
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		return []JournalRow{
			row(0, "collateral:"+e.Market+":"+e.Borrower.String(), "escrow:"+e.Market+":"+e.Liquidator.String(), "", e.CollateralShare, "liquidation_open"),
		}, nil

	case event.EventTypeLiquidationCompleted:
		var e event.LiquidationCompleted
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		rows := []JournalRow{
			row(0, "escrow:"+e.Market+":"+e.Liquidator.String(), "debt:"+e.Market, "", e.Deposited, "liquidation_settle"),
		}
		if e.Bonus > 0 {
			rows = append(rows, row(1, "debt:"+e.Market, "shares:"+e.Caller.String(), "", e.Bonus, "liquidation_bonus"))
		}
		return rows, nil

	case event.EventTypeDirectLiquidation:
		var e event.DirectLiquidation
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		return []JournalRow{
			row(0, "collateral:"+e.Market+":"+e.Borrower.String(), "shares:"+e.Liquidator.String(), "", e.CollateralShare, "liquidation_direct"),
		}, nil

	case event.EventTypeStrategyHarvest:
		var e event.StrategyHarvest
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		if e.ProfitLoss == 0 {
			return nil, nil
		}
		if e.ProfitLoss > 0 {
			return []JournalRow{
				row(0, "strategy:"+e.Asset, "vault:"+e.Asset, e.Asset, uint64(e.ProfitLoss), "strategy_profit"),
			}, nil
		}
		return []JournalRow{
			row(0, "vault:"+e.Asset, "strategy:"+e.Asset, e.Asset, uint64(-e.ProfitLoss), "strategy_loss"),
		}, nil
	}

	// Swap, rate changes and strategy lifecycle events move no balances.
	return nil, nil
}
