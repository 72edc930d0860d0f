package auth

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"CauldronLedger/internal/ledger"
)

// Typed authorization errors. All are fatal to the current operation and
// surfaced verbatim to the caller; none are retried automatically.
var (
	ErrMasterContractNotWhitelisted = errors.New("master contract not whitelisted")
	ErrMasterContractNotApproved    = errors.New("master contract not approved")
	ErrConstraintHasOne             = errors.New("wrong signer for governed record")
	ErrInvalidAccount               = errors.New("supplied account does not match derived account")
)

// Credentials identifies the master contract acting on an owner's behalf
// together with the record keys the caller claims to hold. The gate
// re-derives both keys and rejects any mismatch before consulting the
// records themselves.
type Credentials struct {
	MasterContract uuid.UUID
	WhitelistKey   ledger.AccountKey
	ApprovalKey    ledger.AccountKey
}

type approvalKey struct {
	owner    uuid.UUID
	contract uuid.UUID
}

// Gate is the two-layer capability check in front of every vault mutation
// requested by a foreign contract: a governance whitelist of trusted
// contracts, and per-owner approval records delegating vault rights to a
// whitelisted contract.
type Gate struct {
	mu             sync.RWMutex
	authority      uuid.UUID
	vaultAuthority uuid.UUID
	whitelist      map[uuid.UUID]bool
	approvals      map[approvalKey]bool
	log            zerolog.Logger
}

// NewGate creates a gate governed by authority. vaultAuthority is the
// vault's own derived identity; calls signed by it bypass the gate, the
// same way the vault program's own CPI calls are trusted in the reference
// system.
func NewGate(authority, vaultAuthority uuid.UUID, log zerolog.Logger) *Gate {
	return &Gate{
		authority:      authority,
		vaultAuthority: vaultAuthority,
		whitelist:      make(map[uuid.UUID]bool),
		approvals:      make(map[approvalKey]bool),
		log:            log,
	}
}

// Whitelist creates or flips the governance whitelist record for a master
// contract. Only the gate authority may call it.
func (g *Gate) Whitelist(signer, contract uuid.UUID, whitelisted bool) error {
	if signer != g.authority {
		return fmt.Errorf("whitelist %s: %w", contract, ErrConstraintHasOne)
	}

	g.mu.Lock()
	g.whitelist[contract] = whitelisted
	g.mu.Unlock()

	g.log.Info().
		Str("contract", contract.String()).
		Bool("whitelisted", whitelisted).
		Msg("master contract whitelist updated")
	return nil
}

// SetApproval creates or flips an owner's approval record for a
// whitelisted master contract. The owner must sign; approving a contract
// that is not whitelisted is rejected so a stale approval can never
// outrank governance.
func (g *Gate) SetApproval(signer, owner, contract uuid.UUID, approved bool) error {
	if signer != owner {
		return fmt.Errorf("approve %s for %s: %w", contract, owner, ErrConstraintHasOne)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.whitelist[contract] {
		return fmt.Errorf("approve %s: %w", contract, ErrMasterContractNotWhitelisted)
	}
	g.approvals[approvalKey{owner: owner, contract: contract}] = approved

	g.log.Info().
		Str("owner", owner.String()).
		Str("contract", contract.String()).
		Bool("approved", approved).
		Msg("master contract approval updated")
	return nil
}

// Allowed checks whether caller may mutate owner's vault balances.
// A self-signed call and the vault's own authority bypass the gate; any
// other caller must present credentials whose record keys re-derive
// exactly, be whitelisted, and hold the owner's approval. Both record
// checks run before any mutation.
func (g *Gate) Allowed(owner, caller uuid.UUID, creds *Credentials) error {
	if caller == owner || caller == g.vaultAuthority {
		return nil
	}
	if creds == nil {
		return fmt.Errorf("foreign caller %s without credentials: %w", caller, ErrInvalidAccount)
	}
	if caller != creds.MasterContract {
		return fmt.Errorf("caller %s is not credential contract %s: %w",
			caller, creds.MasterContract, ErrInvalidAccount)
	}
	if creds.WhitelistKey != ledger.NewWhitelistKey(creds.MasterContract) {
		return fmt.Errorf("whitelist record: %w", ErrInvalidAccount)
	}
	if creds.ApprovalKey != ledger.NewApprovalKey(owner, creds.MasterContract) {
		return fmt.Errorf("approval record: %w", ErrInvalidAccount)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.whitelist[creds.MasterContract] {
		return fmt.Errorf("contract %s: %w", creds.MasterContract, ErrMasterContractNotWhitelisted)
	}
	if !g.approvals[approvalKey{owner: owner, contract: creds.MasterContract}] {
		return fmt.Errorf("contract %s for owner %s: %w",
			creds.MasterContract, owner, ErrMasterContractNotApproved)
	}
	return nil
}

// IsWhitelisted reports the current whitelist state of a contract.
func (g *Gate) IsWhitelisted(contract uuid.UUID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.whitelist[contract]
}

// IsApproved reports the current approval state of an (owner, contract) pair.
func (g *Gate) IsApproved(owner, contract uuid.UUID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.approvals[approvalKey{owner: owner, contract: contract}]
}

// CredentialsFor builds the credential set a master contract presents when
// acting on an owner's behalf.
func CredentialsFor(owner, contract uuid.UUID) *Credentials {
	return &Credentials{
		MasterContract: contract,
		WhitelistKey:   ledger.NewWhitelistKey(contract),
		ApprovalKey:    ledger.NewApprovalKey(owner, contract),
	}
}
