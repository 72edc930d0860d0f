package query

import (
	"context"
	"database/sql"
	"fmt"
)

// Service serves read-only queries from the projection tables. Every
// response carries as_of_sequence so callers can reason about freshness
// against the engine's live sequence.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// VaultBalances returns all share balances for an owner.
func (s *Service) VaultBalances(ctx context.Context, owner string) ([]BalanceResponse, error) {
	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, share FROM projections.vault_balances
		WHERE owner = $1
		ORDER BY asset
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []BalanceResponse
	for rows.Next() {
		b := BalanceResponse{Owner: owner, AsOfSequence: asOf}
		if err := rows.Scan(&b.Asset, &b.Share); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// Market returns the projected state for one market, or nil when the
// market has produced no events yet.
func (s *Service) Market(ctx context.Context, marketID string) (*MarketResponse, error) {
	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	m := MarketResponse{MarketID: marketID, AsOfSequence: asOf}
	err = s.db.QueryRowContext(ctx, `
		SELECT borrow_elastic, fees_earned, interest_per_second
		FROM projections.markets
		WHERE market_id = $1
	`, marketID).Scan(&m.BorrowElastic, &m.FeesEarned, &m.InterestPerSecond)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MarketUser returns one user's projected position in a market. A user
// with no history gets a zero position, not an error.
func (s *Service) MarketUser(ctx context.Context, marketID, userID string) (*MarketUserResponse, error) {
	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	u := MarketUserResponse{MarketID: marketID, UserID: userID, AsOfSequence: asOf}
	err = s.db.QueryRowContext(ctx, `
		SELECT collateral_share, borrow_part
		FROM projections.market_users
		WHERE market_id = $1 AND user_id = $2
	`, marketID, userID).Scan(&u.CollateralShare, &u.BorrowPart)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	return &u, nil
}

// Liquidations returns liquidation records held by a liquidator, newest
// first.
func (s *Service) Liquidations(ctx context.Context, liquidator string) ([]LiquidationResponse, error) {
	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, borrower, collateral_share, borrow_amount,
		       proceeds, bonus, status, deadline
		FROM projections.liquidations
		WHERE liquidator = $1
		ORDER BY opened_at DESC
	`, liquidator)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LiquidationResponse
	for rows.Next() {
		r := LiquidationResponse{Liquidator: liquidator, AsOfSequence: asOf}
		if err := rows.Scan(
			&r.MarketID, &r.Borrower, &r.CollateralShare, &r.BorrowAmount,
			&r.Proceeds, &r.Bonus, &r.Status, &r.Deadline,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// JournalHistory pages journal entries touching an account, newest
// first. afterSequence enables cursor pagination.
func (s *Service) JournalHistory(ctx context.Context, account string, limit int, afterSequence *int64) ([]JournalEntry, error) {
	query := `
		SELECT journal_id, sequence, debit_account, credit_account,
		       asset, amount, entry_type, EXTRACT(EPOCH FROM timestamp)::BIGINT
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []interface{}{account}
	if afterSequence != nil {
		query += " AND sequence < $2 ORDER BY sequence DESC LIMIT $3"
		args = append(args, *afterSequence, limit)
	} else {
		query += " ORDER BY sequence DESC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(
			&e.JournalID, &e.Sequence, &e.DebitAccount, &e.CreditAccount,
			&e.Asset, &e.Amount, &e.EntryType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyIntegrity checks hash chain continuity in the event log and
// scans for negative share balances in the read model.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	negRows, err := s.db.QueryContext(ctx, `
		SELECT owner || ':' || asset
		FROM projections.vault_balances
		WHERE share < 0
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer negRows.Close()

	for negRows.Next() {
		var key string
		if err := negRows.Scan(&key); err != nil {
			return nil, err
		}
		report.NegativeShares = append(report.NegativeShares, key)
	}
	if err := negRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.NegativeShares) == 0
	return report, nil
}

func (s *Service) watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.checkpoints WHERE projector = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
