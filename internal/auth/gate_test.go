package auth_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"CauldronLedger/internal/auth"
	"CauldronLedger/internal/ledger"
)

var (
	authority = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	vaultAuth = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000002")
	owner     = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000003")
	contract  = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000004")
	stranger  = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000005")
)

func newGate() *auth.Gate {
	return auth.NewGate(authority, vaultAuth, zerolog.Nop())
}

// ============================================================================
// Governance records
// ============================================================================

func TestWhitelistRequiresAuthority(t *testing.T) {
	g := newGate()

	if err := g.Whitelist(stranger, contract, true); !errors.Is(err, auth.ErrConstraintHasOne) {
		t.Errorf("got %v, want ErrConstraintHasOne", err)
	}
	if err := g.Whitelist(authority, contract, true); err != nil {
		t.Fatalf("authority whitelist: %v", err)
	}
	if !g.IsWhitelisted(contract) {
		t.Error("contract not whitelisted after governance call")
	}
}

func TestApprovalRequiresOwnerSignature(t *testing.T) {
	g := newGate()
	g.Whitelist(authority, contract, true)

	if err := g.SetApproval(stranger, owner, contract, true); !errors.Is(err, auth.ErrConstraintHasOne) {
		t.Errorf("got %v, want ErrConstraintHasOne", err)
	}
	if err := g.SetApproval(owner, owner, contract, true); err != nil {
		t.Fatalf("owner approval: %v", err)
	}
	if !g.IsApproved(owner, contract) {
		t.Error("approval record missing after owner call")
	}
}

func TestApprovalOfUnlistedContractFails(t *testing.T) {
	g := newGate()

	err := g.SetApproval(owner, owner, contract, true)
	if !errors.Is(err, auth.ErrMasterContractNotWhitelisted) {
		t.Errorf("got %v, want ErrMasterContractNotWhitelisted", err)
	}
}

// ============================================================================
// Allowed
// ============================================================================

func TestSelfSignedBypassesGate(t *testing.T) {
	g := newGate()

	if err := g.Allowed(owner, owner, nil); err != nil {
		t.Errorf("self-signed call rejected: %v", err)
	}
	if err := g.Allowed(owner, vaultAuth, nil); err != nil {
		t.Errorf("vault authority rejected: %v", err)
	}
}

func TestForeignCallerNeedsBothRecords(t *testing.T) {
	g := newGate()
	creds := auth.CredentialsFor(owner, contract)

	// No whitelist record at all.
	err := g.Allowed(owner, contract, creds)
	if !errors.Is(err, auth.ErrMasterContractNotWhitelisted) {
		t.Errorf("got %v, want ErrMasterContractNotWhitelisted", err)
	}

	// Whitelisted but not approved by the owner.
	g.Whitelist(authority, contract, true)
	err = g.Allowed(owner, contract, creds)
	if !errors.Is(err, auth.ErrMasterContractNotApproved) {
		t.Errorf("got %v, want ErrMasterContractNotApproved", err)
	}

	// Fully delegated.
	g.SetApproval(owner, owner, contract, true)
	if err := g.Allowed(owner, contract, creds); err != nil {
		t.Errorf("delegated call rejected: %v", err)
	}
}

func TestRevokedWhitelistBlocksApprovedContract(t *testing.T) {
	g := newGate()
	g.Whitelist(authority, contract, true)
	g.SetApproval(owner, owner, contract, true)
	g.Whitelist(authority, contract, false)

	err := g.Allowed(owner, contract, auth.CredentialsFor(owner, contract))
	if !errors.Is(err, auth.ErrMasterContractNotWhitelisted) {
		t.Errorf("got %v, want ErrMasterContractNotWhitelisted after revoke", err)
	}
}

func TestSubstitutedRecordsRejected(t *testing.T) {
	g := newGate()
	g.Whitelist(authority, contract, true)
	g.SetApproval(owner, owner, contract, true)

	if err := g.Allowed(owner, contract, nil); !errors.Is(err, auth.ErrInvalidAccount) {
		t.Errorf("missing credentials: got %v, want ErrInvalidAccount", err)
	}

	// Approval record derived for a different owner.
	creds := auth.CredentialsFor(owner, contract)
	creds.ApprovalKey = ledger.NewApprovalKey(stranger, contract)
	if err := g.Allowed(owner, contract, creds); !errors.Is(err, auth.ErrInvalidAccount) {
		t.Errorf("substituted approval: got %v, want ErrInvalidAccount", err)
	}

	// Caller pretending to be a different contract than the credentials name.
	creds = auth.CredentialsFor(owner, contract)
	if err := g.Allowed(owner, stranger, creds); !errors.Is(err, auth.ErrInvalidAccount) {
		t.Errorf("caller/contract mismatch: got %v, want ErrInvalidAccount", err)
	}
}
