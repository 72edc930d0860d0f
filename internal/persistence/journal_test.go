package persistence_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"CauldronLedger/internal/event"
	"CauldronLedger/internal/persistence"
)

var (
	userA = uuid.MustParse("eeeeeeee-0000-0000-0000-000000000001")
	userB = uuid.MustParse("eeeeeeee-0000-0000-0000-000000000002")
)

const marketID = "eeeeeeee-1111-0000-0000-000000000001"

func envelopeFor(t *testing.T, seq int64, payload interface{ EventType() event.EventType }) *event.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &event.Envelope{
		Sequence:  seq,
		EventType: payload.EventType(),
		Payload:   data,
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
	}
}

// ============================================================
// Vault events
// ============================================================

func TestJournalRowsForDeposit(t *testing.T) {
	env := envelopeFor(t, 7, &event.VaultDeposit{
		Asset: "MIM", Caller: userA, From: userA, To: userB,
		Amount: 1000, Share: 990,
	})

	rows, err := persistence.JournalRowsFor(env)
	if err != nil {
		t.Fatalf("JournalRowsFor: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}

	r := rows[0]
	if r.JournalID != "7-0" {
		t.Errorf("got journal id %q, want 7-0", r.JournalID)
	}
	if r.DebitAccount != "external:"+userA.String() {
		t.Errorf("got debit %q, want external:%s", r.DebitAccount, userA)
	}
	if r.CreditAccount != "shares:"+userB.String() {
		t.Errorf("got credit %q, want shares:%s", r.CreditAccount, userB)
	}
	if r.Amount != 990 {
		t.Errorf("got amount %d, want share amount 990", r.Amount)
	}
	if r.EntryType != "deposit" {
		t.Errorf("got entry type %q, want deposit", r.EntryType)
	}
}

func TestJournalRowsForWithdrawMovesSharesOut(t *testing.T) {
	env := envelopeFor(t, 3, &event.VaultWithdraw{
		Asset: "SOL", Caller: userA, From: userA, To: userB,
		Amount: 500, Share: 510,
	})

	rows, err := persistence.JournalRowsFor(env)
	if err != nil {
		t.Fatalf("JournalRowsFor: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].DebitAccount != "shares:"+userA.String() {
		t.Errorf("got debit %q, want shares:%s", rows[0].DebitAccount, userA)
	}
	if rows[0].CreditAccount != "external:"+userB.String() {
		t.Errorf("got credit %q, want external:%s", rows[0].CreditAccount, userB)
	}
}

// ============================================================
// Lending events
// ============================================================

func TestJournalRowsForBorrowHasFeeLeg(t *testing.T) {
	// 1% opening fee on a 1000 borrow: 1010 debt parts minted, the fee
	// leg must book 10, not the principal.
	env := envelopeFor(t, 42, &event.Borrow{
		Market: marketID, User: userA, To: userA,
		Amount: 1000, Fee: 10, Part: 1010, Share: 1000,
	})

	rows, err := persistence.JournalRowsFor(env)
	if err != nil {
		t.Fatalf("JournalRowsFor: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	if rows[0].JournalID != "42-0" || rows[1].JournalID != "42-1" {
		t.Errorf("got ids %q, %q, want 42-0, 42-1", rows[0].JournalID, rows[1].JournalID)
	}
	if rows[0].EntryType != "borrow" {
		t.Errorf("got entry type %q, want borrow", rows[0].EntryType)
	}
	if rows[0].Amount != 1000 {
		t.Errorf("got payout amount %d, want 1000", rows[0].Amount)
	}
	if rows[1].EntryType != "borrow_fee" {
		t.Errorf("got entry type %q, want borrow_fee", rows[1].EntryType)
	}
	if rows[1].Amount != 10 {
		t.Errorf("got fee amount %d, want 10", rows[1].Amount)
	}
	if rows[1].CreditAccount != "fees:"+marketID {
		t.Errorf("got fee credit %q, want fees:%s", rows[1].CreditAccount, marketID)
	}
}

func TestJournalRowsForFeelessBorrow(t *testing.T) {
	env := envelopeFor(t, 43, &event.Borrow{
		Market: marketID, User: userA, To: userA,
		Amount: 1000, Fee: 0, Part: 1000, Share: 1000,
	})

	rows, err := persistence.JournalRowsFor(env)
	if err != nil {
		t.Fatalf("JournalRowsFor: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("got %d rows for a fee-free borrow, want 1", len(rows))
	}
}

func TestJournalRowsForAccrueSkipsZeroInterest(t *testing.T) {
	env := envelopeFor(t, 9, &event.Accrue{
		Market: marketID, Interest: 0, FeesEarned: 12,
		TotalElastic: 1000, TotalBase: 1000,
	})

	rows, err := persistence.JournalRowsFor(env)
	if err != nil {
		t.Fatalf("JournalRowsFor: %v", err)
	}
	if rows != nil {
		t.Errorf("got %d rows for zero-interest accrual, want none", len(rows))
	}
}

// ============================================================
// Liquidation events
// ============================================================

func TestJournalRowsForCompletedLiquidationBonus(t *testing.T) {
	withBonus := envelopeFor(t, 11, &event.LiquidationCompleted{
		Market: marketID, Liquidator: userA, Caller: userB,
		Deposited: 700, Bonus: 35,
	})

	rows, err := persistence.JournalRowsFor(withBonus)
	if err != nil {
		t.Fatalf("JournalRowsFor: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want settle + bonus", len(rows))
	}
	if rows[1].EntryType != "liquidation_bonus" {
		t.Errorf("got entry type %q, want liquidation_bonus", rows[1].EntryType)
	}
	if rows[1].CreditAccount != "shares:"+userB.String() {
		t.Errorf("bonus goes to caller: got %q, want shares:%s", rows[1].CreditAccount, userB)
	}

	noBonus := envelopeFor(t, 12, &event.LiquidationCompleted{
		Market: marketID, Liquidator: userA, Caller: userB,
		Deposited: 700, Bonus: 0,
	})
	rows, err = persistence.JournalRowsFor(noBonus)
	if err != nil {
		t.Fatalf("JournalRowsFor: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("got %d rows without bonus, want 1", len(rows))
	}
}

// ============================================================
// Strategy and non-balance events
// ============================================================

func TestJournalRowsForHarvestLoss(t *testing.T) {
	env := envelopeFor(t, 20, &event.StrategyHarvest{
		Asset: "MIM", ProfitLoss: -250, Rebalanced: false,
	})

	rows, err := persistence.JournalRowsFor(env)
	if err != nil {
		t.Fatalf("JournalRowsFor: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].EntryType != "strategy_loss" {
		t.Errorf("got entry type %q, want strategy_loss", rows[0].EntryType)
	}
	if rows[0].Amount != 250 {
		t.Errorf("got amount %d, want 250", rows[0].Amount)
	}
	if rows[0].DebitAccount != "vault:MIM" {
		t.Errorf("got debit %q, want vault:MIM", rows[0].DebitAccount)
	}
}

func TestJournalRowsForRateChangeMovesNothing(t *testing.T) {
	env := envelopeFor(t, 30, &event.InterestRateChanged{
		Market: marketID, OldRate: 0, NewRate: 317,
	})

	rows, err := persistence.JournalRowsFor(env)
	if err != nil {
		t.Fatalf("JournalRowsFor: %v", err)
	}
	if rows != nil {
		t.Errorf("got %d rows for rate change, want none", len(rows))
	}
}
