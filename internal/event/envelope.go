package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeVaultDeposit
	EventTypeVaultWithdraw
	EventTypeVaultTransfer
	EventTypeStrategySet
	EventTypeStrategyHarvest
	EventTypeStrategyExit
	EventTypeCollateralAdded
	EventTypeCollateralRemoved
	EventTypeBorrow
	EventTypeRepay
	EventTypeAccrue
	EventTypeInterestRateChanged
	EventTypeFeesWithdrawn
	EventTypeLiquidationOpened
	EventTypeLiquidationSwapped
	EventTypeLiquidationCompleted
	EventTypeDirectLiquidation
)

// Envelope wraps every event in the log.
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Event type discriminator
	EventType EventType

	// Market context (nullable for vault-level events)
	MarketID *string

	// Ledger clock at apply time (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for vault-level events)
	MarketID() *string
}

func (et EventType) String() string {
	switch et {
	case EventTypeVaultDeposit:
		return "VaultDeposit"
	case EventTypeVaultWithdraw:
		return "VaultWithdraw"
	case EventTypeVaultTransfer:
		return "VaultTransfer"
	case EventTypeStrategySet:
		return "StrategySet"
	case EventTypeStrategyHarvest:
		return "StrategyHarvest"
	case EventTypeStrategyExit:
		return "StrategyExit"
	case EventTypeCollateralAdded:
		return "CollateralAdded"
	case EventTypeCollateralRemoved:
		return "CollateralRemoved"
	case EventTypeBorrow:
		return "Borrow"
	case EventTypeRepay:
		return "Repay"
	case EventTypeAccrue:
		return "Accrue"
	case EventTypeInterestRateChanged:
		return "InterestRateChanged"
	case EventTypeFeesWithdrawn:
		return "FeesWithdrawn"
	case EventTypeLiquidationOpened:
		return "LiquidationOpened"
	case EventTypeLiquidationSwapped:
		return "LiquidationSwapped"
	case EventTypeLiquidationCompleted:
		return "LiquidationCompleted"
	case EventTypeDirectLiquidation:
		return "DirectLiquidation"
	default:
		return "Unknown"
	}
}
