package event

import "github.com/google/uuid"

type VaultDeposit struct {
	Asset  string    `json:"asset"`
	Caller uuid.UUID `json:"caller"`
	From   uuid.UUID `json:"from"`
	To     uuid.UUID `json:"to"`
	Amount uint64    `json:"amount"`
	Share  uint64    `json:"share"`
}

func (e *VaultDeposit) EventType() EventType { return EventTypeVaultDeposit }
func (e *VaultDeposit) MarketID() *string    { return nil }

type VaultWithdraw struct {
	Asset  string    `json:"asset"`
	Caller uuid.UUID `json:"caller"`
	From   uuid.UUID `json:"from"`
	To     uuid.UUID `json:"to"`
	Amount uint64    `json:"amount"`
	Share  uint64    `json:"share"`
}

func (e *VaultWithdraw) EventType() EventType { return EventTypeVaultWithdraw }
func (e *VaultWithdraw) MarketID() *string    { return nil }

type VaultTransfer struct {
	Asset  string    `json:"asset"`
	Caller uuid.UUID `json:"caller"`
	From   uuid.UUID `json:"from"`
	To     uuid.UUID `json:"to"`
	Share  uint64    `json:"share"`
}

func (e *VaultTransfer) EventType() EventType { return EventTypeVaultTransfer }
func (e *VaultTransfer) MarketID() *string    { return nil }

type StrategySet struct {
	Asset      string    `json:"asset"`
	StrategyID uuid.UUID `json:"strategy_id"`
	StartDate  int64     `json:"start_date"`
	Committed  bool      `json:"committed"`
}

func (e *StrategySet) EventType() EventType { return EventTypeStrategySet }
func (e *StrategySet) MarketID() *string    { return nil }

type StrategyHarvest struct {
	Asset      string `json:"asset"`
	ProfitLoss int64  `json:"profit_loss"`
	Rebalanced bool   `json:"rebalanced"`
}

func (e *StrategyHarvest) EventType() EventType { return EventTypeStrategyHarvest }
func (e *StrategyHarvest) MarketID() *string    { return nil }

type StrategyExit struct {
	Asset      string    `json:"asset"`
	StrategyID uuid.UUID `json:"strategy_id"`
	ProfitLoss int64     `json:"profit_loss"`
}

func (e *StrategyExit) EventType() EventType { return EventTypeStrategyExit }
func (e *StrategyExit) MarketID() *string    { return nil }
