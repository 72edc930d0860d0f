package ledger

import (
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeMarket
	AccountScopeVault
	AccountScopeContract
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Vault sub-types
	SubTypeShares AccountSubType = iota
	SubTypeTotal
	SubTypeStrategy

	// Market sub-types
	SubTypeUserBalance
	SubTypeLiquidator
	SubTypeFees

	// Authorization sub-types
	SubTypeWhitelist
	SubTypeApproval
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"MIM":  1,
		"USDC": 2,
		"SOL":  3,
		"BTC":  4,
		"ETH":  5,
	}
	idToAsset = map[AssetID]string{
		1: "MIM",
		2: "USDC",
		3: "SOL",
		4: "BTC",
		5: "ETH",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for share and record tracking
// (21 bytes, cache-friendly). EntityID is the owner UUID for single-entity
// accounts and a derived digest for two-entity accounts.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte
	SubType  AccountSubType
	AssetID  AssetID
}

// DeriveEntityID folds an ordered tuple of identities into a single entity
// id. Derivation is pure: the same tuple always yields the same id, which
// is what lets callers re-derive a supplied record key and reject
// substituted accounts.
func DeriveEntityID(parts ...[]byte) [16]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NewShareKey locates an owner's vault share balance for an asset.
func NewShareKey(owner uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: owner,
		SubType:  SubTypeShares,
		AssetID:  assetID,
	}
}

// NewTotalKey locates the vault-wide base/elastic total for an asset.
func NewTotalKey(assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeVault,
		SubType: SubTypeTotal,
		AssetID: assetID,
	}
}

// NewStrategyKey locates the strategy state for an asset.
func NewStrategyKey(assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeVault,
		SubType: SubTypeStrategy,
		AssetID: assetID,
	}
}

// NewUserBalanceKey locates a user's collateral/borrow record in a market.
func NewUserBalanceKey(marketID, userID uuid.UUID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeMarket,
		EntityID: DeriveEntityID(marketID[:], userID[:]),
		SubType:  SubTypeUserBalance,
	}
}

// NewLiquidatorKey locates the in-flight liquidation record for a
// liquidator in a market.
func NewLiquidatorKey(marketID, liquidatorID uuid.UUID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeMarket,
		EntityID: DeriveEntityID(marketID[:], liquidatorID[:]),
		SubType:  SubTypeLiquidator,
	}
}

// NewWhitelistKey locates the governance whitelist record for a master
// contract.
func NewWhitelistKey(contractID uuid.UUID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeContract,
		EntityID: contractID,
		SubType:  SubTypeWhitelist,
	}
}

// NewApprovalKey locates the per-owner approval record for a master
// contract.
func NewApprovalKey(owner, contractID uuid.UUID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeContract,
		EntityID: DeriveEntityID(owner[:], contractID[:]),
		SubType:  SubTypeApproval,
	}
}

// DeriveAuthority returns the deterministic self-identity of a component
// (vault or market) used when it moves funds it custodies itself.
func DeriveAuthority(componentID uuid.UUID, label string) uuid.UUID {
	return uuid.NewSHA1(componentID, []byte(label))
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeMarket:
		return fmt.Sprintf("market:%x:%s", k.EntityID, k.subTypeName())
	case AccountScopeVault:
		return fmt.Sprintf("vault:%s:%s", k.subTypeName(), assetName)
	case AccountScopeContract:
		return fmt.Sprintf("contract:%x:%s", k.EntityID, k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeShares:
		return "shares"
	case SubTypeTotal:
		return "total"
	case SubTypeStrategy:
		return "strategy"
	case SubTypeUserBalance:
		return "user_balance"
	case SubTypeLiquidator:
		return "liquidator"
	case SubTypeFees:
		return "fees"
	case SubTypeWhitelist:
		return "whitelist"
	case SubTypeApproval:
		return "approval"
	default:
		return "unknown"
	}
}
