package event

import "github.com/google/uuid"

type CollateralAdded struct {
	Market string    `json:"market"`
	User   uuid.UUID `json:"user"`
	To     uuid.UUID `json:"to"`
	Share  uint64    `json:"share"`
	Skim   bool      `json:"skim"`
}

func (e *CollateralAdded) EventType() EventType { return EventTypeCollateralAdded }
func (e *CollateralAdded) MarketID() *string    { return &e.Market }

type CollateralRemoved struct {
	Market string    `json:"market"`
	User   uuid.UUID `json:"user"`
	To     uuid.UUID `json:"to"`
	Share  uint64    `json:"share"`
}

func (e *CollateralRemoved) EventType() EventType { return EventTypeCollateralRemoved }
func (e *CollateralRemoved) MarketID() *string    { return &e.Market }

type Borrow struct {
	Market string    `json:"market"`
	User   uuid.UUID `json:"user"`
	To     uuid.UUID `json:"to"`
	Amount uint64    `json:"amount"`
	Fee    uint64    `json:"fee"`
	Part   uint64    `json:"part"`
	Share  uint64    `json:"share"`
}

func (e *Borrow) EventType() EventType { return EventTypeBorrow }
func (e *Borrow) MarketID() *string    { return &e.Market }

type Repay struct {
	Market string    `json:"market"`
	Payer  uuid.UUID `json:"payer"`
	User   uuid.UUID `json:"user"`
	Part   uint64    `json:"part"`
	Amount uint64    `json:"amount"`
	Skim   bool      `json:"skim"`
}

func (e *Repay) EventType() EventType { return EventTypeRepay }
func (e *Repay) MarketID() *string    { return &e.Market }

type Accrue struct {
	Market       string `json:"market"`
	Interest     uint64 `json:"interest"`
	FeesEarned   uint64 `json:"fees_earned"`
	TotalElastic uint64 `json:"total_elastic"`
	TotalBase    uint64 `json:"total_base"`
}

func (e *Accrue) EventType() EventType { return EventTypeAccrue }
func (e *Accrue) MarketID() *string    { return &e.Market }

type InterestRateChanged struct {
	Market  string `json:"market"`
	OldRate uint64 `json:"old_rate"`
	NewRate uint64 `json:"new_rate"`
}

func (e *InterestRateChanged) EventType() EventType { return EventTypeInterestRateChanged }
func (e *InterestRateChanged) MarketID() *string    { return &e.Market }

type FeesWithdrawn struct {
	Market string    `json:"market"`
	To     uuid.UUID `json:"to"`
	Amount uint64    `json:"amount"`
}

func (e *FeesWithdrawn) EventType() EventType { return EventTypeFeesWithdrawn }
func (e *FeesWithdrawn) MarketID() *string    { return &e.Market }
