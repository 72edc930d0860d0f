package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"CauldronLedger/internal/event"
)

// EventLogWriter batch-writes applied events and their derived journal
// entries to Postgres. Multi-row INSERT keeps the writer portable; a
// pgx CopyFrom swap is the known throughput upgrade if the event rate
// ever outgrows it.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is one row in event_log.events.
type EventRow struct {
	Sequence  int64
	EventType string
	MarketID  *string
	Payload   []byte
	StateHash []byte
	PrevHash  []byte
	Timestamp time.Time
}

// JournalRow is one double-entry leg pair in event_log.journal. Amount
// is in vault share units for share legs and token units for debt legs;
// the entry type disambiguates.
type JournalRow struct {
	JournalID     string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        uint64
	EntryType     string
	Timestamp     time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// DB exposes the underlying handle for transaction control.
func (w *EventLogWriter) DB() *sql.DB { return w.db }

// RowFromEnvelope flattens an envelope into its storage row.
func RowFromEnvelope(env *event.Envelope) EventRow {
	return EventRow{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		MarketID:  env.MarketID,
		Payload:   env.Payload,
		StateHash: env.StateHash[:],
		PrevHash:  env.PrevHash[:],
		Timestamp: env.Timestamp,
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// WriteEventBatch inserts a batch of events. ON CONFLICT DO NOTHING
// makes a replayed flush after a crash harmless.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, market_id, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*7)

	for i, e := range events {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			e.Sequence, e.EventType, e.MarketID, e.Payload,
			e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch inserts derived journal entries.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, sequence, debit_account, credit_account, asset, amount, entry_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*8)

	for i, j := range journals {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			j.JournalID, j.Sequence, j.DebitAccount, j.CreditAccount,
			j.Asset, j.Amount, j.EntryType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
