package event

import "github.com/google/uuid"

type LiquidationOpened struct {
	Market          string    `json:"market"`
	Liquidator      uuid.UUID `json:"liquidator"`
	Borrower        uuid.UUID `json:"borrower"`
	CollateralShare uint64    `json:"collateral_share"`
	BorrowAmount    uint64    `json:"borrow_amount"`
	Part            uint64    `json:"part"`
	Deadline        int64     `json:"deadline"`
}

func (e *LiquidationOpened) EventType() EventType { return EventTypeLiquidationOpened }
func (e *LiquidationOpened) MarketID() *string    { return &e.Market }

type LiquidationSwapped struct {
	Market     string    `json:"market"`
	Liquidator uuid.UUID `json:"liquidator"`
	Caller     uuid.UUID `json:"caller"`
	Proceeds   uint64    `json:"proceeds"`
	Deadline   int64     `json:"deadline"`
}

func (e *LiquidationSwapped) EventType() EventType { return EventTypeLiquidationSwapped }
func (e *LiquidationSwapped) MarketID() *string    { return &e.Market }

type LiquidationCompleted struct {
	Market     string    `json:"market"`
	Liquidator uuid.UUID `json:"liquidator"`
	Caller     uuid.UUID `json:"caller"`
	Deposited  uint64    `json:"deposited"`
	Bonus      uint64    `json:"bonus"`
}

func (e *LiquidationCompleted) EventType() EventType { return EventTypeLiquidationCompleted }
func (e *LiquidationCompleted) MarketID() *string    { return &e.Market }

type DirectLiquidation struct {
	Market          string    `json:"market"`
	Liquidator      uuid.UUID `json:"liquidator"`
	Borrower        uuid.UUID `json:"borrower"`
	CollateralShare uint64    `json:"collateral_share"`
	Part            uint64    `json:"part"`
}

func (e *DirectLiquidation) EventType() EventType { return EventTypeDirectLiquidation }
func (e *DirectLiquidation) MarketID() *string    { return &e.Market }
