package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const rebuildPageSize = 1000

// Rebuild truncates the read model and replays the whole event log
// through the same apply path the live worker uses. Safe to run while
// the service is stopped; not safe concurrently with a live worker.
func Rebuild(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	truncates := []string{
		`TRUNCATE projections.vault_balances`,
		`TRUNCATE projections.market_users`,
		`TRUNCATE projections.liquidations`,
		`TRUNCATE projections.markets`,
		`DELETE FROM projections.checkpoints WHERE projector = 'main'`,
	}
	for _, stmt := range truncates {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rebuild truncate: %w", err)
		}
	}

	var (
		from  int64
		total int
	)
	for {
		rows, err := db.QueryContext(ctx, `
			SELECT sequence, event_type, payload, timestamp
			FROM event_log.events
			WHERE sequence >= $1
			ORDER BY sequence ASC
			LIMIT $2
		`, from, rebuildPageSize)
		if err != nil {
			return fmt.Errorf("rebuild page: %w", err)
		}

		type row struct {
			seq       int64
			eventType string
			payload   []byte
			ts        time.Time
		}
		var page []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.seq, &r.eventType, &r.payload, &r.ts); err != nil {
				rows.Close()
				return err
			}
			page = append(page, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, r := range page {
			if err := apply(ctx, tx, r.seq, r.eventType, r.payload, r.ts); err != nil {
				tx.Rollback()
				return fmt.Errorf("rebuild apply seq %d: %w", r.seq, err)
			}
		}
		last := page[len(page)-1].seq
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.checkpoints (projector, last_sequence)
			VALUES ('main', $1)
			ON CONFLICT (projector) DO UPDATE SET last_sequence = $1
		`, last); err != nil {
			tx.Rollback()
			return fmt.Errorf("rebuild checkpoint: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		total += len(page)
		from = last + 1
	}

	log.Info().Int("events", total).Msg("projection rebuild complete")
	return nil
}
