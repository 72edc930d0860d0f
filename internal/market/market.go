package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"CauldronLedger/internal/auth"
	"CauldronLedger/internal/ledger"
	"CauldronLedger/internal/math"
	"CauldronLedger/internal/oracle"
	"CauldronLedger/internal/vault"
)

// Fixed-point precisions shared by all markets.
const (
	CollaterizationRatePrecision   = 100_000
	LiquidationMultiplierPrecision = 100_000
	DistributionPartPrecision      = 100_000
	BorrowOpeningFeePrecision      = 100_000
	InterestRatePrecision          = 1_000_000_000_000_000_000

	// InterestUpdateCooldown throttles governance rate changes (three days).
	InterestUpdateCooldown = 259_200
)

// Typed market errors.
var (
	ErrAlreadyInitialized = ledger.ErrAlreadyInitialized

	ErrNotValidInterestRate        = errors.New("interest rate change out of bounds")
	ErrTooSoonToUpdateInterestRate = errors.New("interest rate updated within cooldown")

	ErrOracleStale        = errors.New("oracle price is stale")
	ErrInsolventBorrow    = errors.New("borrow would leave user insolvent")
	ErrUserInsolvent      = errors.New("user insolvent")
	ErrBorrowLimitReached = errors.New("borrow limit reached")

	ErrInvalidCollateral   = errors.New("collateral asset does not match market")
	ErrInvalidVaultAccount = errors.New("vault account does not match market")
	ErrInvalidProgramID    = errors.New("vault program does not match market")
	ErrSkimTooMuch         = errors.New("skim exceeds tokens available to claim")

	ErrUserIsSolvent          = errors.New("user is solvent")
	ErrTooSoon                = errors.New("only the origin liquidator may act before the deadline")
	ErrInvalidSwapper         = errors.New("invalid swapper")
	ErrEmptyLiquidatorAccount = errors.New("no in-flight liquidation for liquidator")
	ErrLiquidationNotSwapped  = errors.New("liquidation collateral not swapped yet")
)

// Config holds the immutable parameters of one lending market.
// All rate-like values use the 1e5 precisions above; InterestPerSecond
// uses 1e18.
type Config struct {
	ID        uuid.UUID
	Authority uuid.UUID

	DebtAsset       ledger.AssetID
	CollateralAsset ledger.AssetID
	OracleFeed      string

	VaultID      uuid.UUID
	VaultProgram uuid.UUID

	CollaterizationRate   uint64
	LiquidationMultiplier uint64
	DistributionPart      uint64
	BorrowOpeningFee      uint64
	InterestPerSecond     uint64
	OnePercentRate        uint64

	StaleAfterSlotsElapsed      uint64
	CompleteLiquidationDuration int64

	BorrowCapTotal      uint64
	BorrowCapPerAddress uint64

	FeeTo uuid.UUID

	Clock func() int64
	Log   zerolog.Logger
}

// Total is the market-level accounting pair: outstanding collateral
// shares and the borrow rebase (base = debt shares, elastic = live debt).
type Total struct {
	CollateralShare uint64      `json:"collateral_share"`
	Borrow          math.Rebase `json:"borrow"`
}

// UserBalance is one user's position in the market.
type UserBalance struct {
	CollateralShare uint64 `json:"collateral_share"`
	BorrowPart      uint64 `json:"borrow_part"`
}

// AccrueInfo carries the lazy interest state.
type AccrueInfo struct {
	LastAccrued       int64  `json:"last_accrued"`
	FeesEarned        uint64 `json:"fees_earned"`
	InterestPerSecond uint64 `json:"interest_per_second"`
}

// References names the collateral asset and vault identities a caller
// believes it is operating against; mismatches are rejected before any
// mutation as defense against account substitution.
type References struct {
	CollateralAsset ledger.AssetID
	VaultID         uuid.UUID
	VaultProgram    uuid.UUID
}

// Market is one lending pair on top of the shared vault. All operations
// are linearized under the market mutex and are all-or-nothing: every
// check runs against scratch copies and state is committed only after the
// last fallible step.
type Market struct {
	mu  sync.Mutex
	cfg Config

	total              Total
	users              map[uuid.UUID]*UserBalance
	accrueInfo         AccrueInfo
	lastInterestUpdate int64

	liquidations map[uuid.UUID]*LiquidatorAccount

	vault *vault.Vault
	feed  oracle.Feed

	clock func() int64
	log   zerolog.Logger
}

// New creates a market. The market moves user funds through the vault as
// a foreign caller, so its ID must be whitelisted on the gate and
// approved by each user.
func New(cfg Config, v *vault.Vault, feed oracle.Feed) (*Market, error) {
	if cfg.InterestPerSecond > cfg.OnePercentRate {
		return nil, fmt.Errorf("initial rate %d above cap %d: %w",
			cfg.InterestPerSecond, cfg.OnePercentRate, ErrNotValidInterestRate)
	}
	if cfg.VaultID != v.ID() {
		return nil, fmt.Errorf("market %s: %w", cfg.ID, ErrInvalidVaultAccount)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().Unix() }
	}
	return &Market{
		cfg:          cfg,
		users:        make(map[uuid.UUID]*UserBalance),
		liquidations: make(map[uuid.UUID]*LiquidatorAccount),
		accrueInfo:   AccrueInfo{InterestPerSecond: cfg.InterestPerSecond},
		vault:        v,
		feed:         feed,
		clock:        clock,
		log:          cfg.Log,
	}, nil
}

// ID returns the market identity.
func (m *Market) ID() uuid.UUID { return m.cfg.ID }

// DebtAsset returns the borrowed asset.
func (m *Market) DebtAsset() ledger.AssetID { return m.cfg.DebtAsset }

// CollateralAsset returns the collateral asset.
func (m *Market) CollateralAsset() ledger.AssetID { return m.cfg.CollateralAsset }

// Totals returns a copy of the market totals.
func (m *Market) Totals() Total {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// AccrueState returns a copy of the accrual state.
func (m *Market) AccrueState() AccrueInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accrueInfo
}

// UserBalanceOf returns a copy of a user's position.
func (m *Market) UserBalanceOf(user uuid.UUID) UserBalance {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ub, ok := m.users[user]; ok {
		return *ub
	}
	return UserBalance{}
}

// Accrue applies lazy interest up to now. Safe to call at any time;
// a zero elapsed interval or an empty borrow total is a no-op.
func (m *Market) Accrue(now int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accrueLocked(now)
}

func (m *Market) accrueLocked(now int64) error {
	elapsed := now - m.accrueInfo.LastAccrued
	if m.accrueInfo.LastAccrued == 0 {
		// First touch only stamps the clock; no interval to charge.
		m.accrueInfo.LastAccrued = now
		return nil
	}
	if elapsed <= 0 {
		return nil
	}
	m.accrueInfo.LastAccrued = now
	if m.total.Borrow.Base == 0 {
		return nil
	}

	// interest = elastic * rate * elapsed / 1e18
	b := math.NewBig(m.total.Borrow.Elastic)
	defer math.ReleaseBig(b)
	math.MulDivBig(b, m.accrueInfo.InterestPerSecond, 1)
	math.MulDivBig(b, uint64(elapsed), InterestRatePrecision)
	if !b.IsUint64() {
		return fmt.Errorf("accrue: %w", math.ErrOverflow)
	}
	interest := b.Uint64()
	if interest == 0 {
		return nil
	}

	if err := m.total.Borrow.AddElasticOnly(interest); err != nil {
		return fmt.Errorf("accrue: %w", err)
	}
	fee, err := math.MulDiv(interest, m.cfg.DistributionPart, DistributionPartPrecision)
	if err != nil {
		return fmt.Errorf("accrue fee: %w", err)
	}
	newFees, err := math.AddU64(m.accrueInfo.FeesEarned, fee)
	if err != nil {
		return fmt.Errorf("accrue fee: %w", err)
	}
	m.accrueInfo.FeesEarned = newFees

	m.log.Debug().
		Int64("elapsed", elapsed).
		Uint64("interest", interest).
		Uint64("fee", fee).
		Msg("interest accrued")
	return nil
}

// readPrice fetches the oracle price and enforces the staleness bound.
func (m *Market) readPrice(ctx context.Context) (oracle.Price, error) {
	price, err := m.feed.Read(ctx, m.cfg.OracleFeed)
	if err != nil {
		return oracle.Price{}, err
	}
	if price.SlotsSinceUpdate > m.cfg.StaleAfterSlotsElapsed {
		return oracle.Price{}, fmt.Errorf("feed %s is %d slots old: %w",
			m.cfg.OracleFeed, price.SlotsSinceUpdate, ErrOracleStale)
	}
	return price, nil
}

// IsSolvent evaluates the collateralization of a user at a price.
func (m *Market) IsSolvent(user uuid.UUID, price oracle.Price) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ub, ok := m.users[user]
	if !ok {
		return true, nil
	}
	return m.isSolventLocked(ub.CollateralShare, ub.BorrowPart, m.total.Borrow, price)
}

// isSolventLocked compares scaled collateral value against scaled debt
// value. Both sides stay in big.Int: three u64 factors do not fit a
// single widened step.
//
//	collateral = toAmount(collateralShare * 10^scale / 1e5 * collaterizationRate)
//	debt       = borrowPart * borrow.elastic * price.mantissa / borrow.base
func (m *Market) isSolventLocked(collateralShare, borrowPart uint64, borrow math.Rebase, price oracle.Price) (bool, error) {
	if borrowPart == 0 {
		return true, nil
	}
	if collateralShare == 0 {
		return false, nil
	}

	vt, err := m.vault.Total(m.cfg.CollateralAsset)
	if err != nil {
		return false, err
	}

	left := math.NewBig(collateralShare)
	defer math.ReleaseBig(left)
	math.MulDivBig(left, price.PowerOfTen(), CollaterizationRatePrecision)
	math.MulDivBig(left, m.cfg.CollaterizationRate, 1)
	if vt.Base != 0 {
		math.MulDivBig(left, vt.Elastic, vt.Base)
	}

	right := math.NewBig(borrowPart)
	defer math.ReleaseBig(right)
	math.MulDivBig(right, borrow.Elastic, 1)
	math.MulDivBig(right, price.Mantissa, borrow.Base)

	return left.Cmp(right) >= 0, nil
}

// ChangeInterestRate is the governance-throttled rate change: at most a
// 75% increase over the current rate, never above the one-percent cap,
// and at most once per cooldown window.
func (m *Market) ChangeInterestRate(signer uuid.UUID, newRate uint64, now int64) error {
	if signer != m.cfg.Authority {
		return fmt.Errorf("change interest rate: %w", auth.ErrConstraintHasOne)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.accrueInfo.InterestPerSecond
	limit, err := math.MulDiv(old, 3, 4)
	if err != nil {
		return fmt.Errorf("change interest rate: %w", err)
	}
	if newRate > old+limit || newRate > m.cfg.OnePercentRate {
		return fmt.Errorf("old %d new %d cap %d: %w",
			old, newRate, m.cfg.OnePercentRate, ErrNotValidInterestRate)
	}
	if m.lastInterestUpdate != 0 && now < m.lastInterestUpdate+InterestUpdateCooldown {
		return fmt.Errorf("last update %d: %w", m.lastInterestUpdate, ErrTooSoonToUpdateInterestRate)
	}

	// Charge the old rate up to now before switching.
	if err := m.accrueLocked(now); err != nil {
		return err
	}
	m.accrueInfo.InterestPerSecond = newRate
	m.lastInterestUpdate = now

	m.log.Info().
		Uint64("old_rate", old).
		Uint64("new_rate", newRate).
		Msg("interest rate changed")
	return nil
}

// SetFeeTo changes the fee recipient; governance only.
func (m *Market) SetFeeTo(signer, newRecipient uuid.UUID) error {
	if signer != m.cfg.Authority {
		return fmt.Errorf("set fee to: %w", auth.ErrConstraintHasOne)
	}
	m.mu.Lock()
	m.cfg.FeeTo = newRecipient
	m.mu.Unlock()
	return nil
}

// UpdateOracleFeed repoints the market at a new oracle feed; governance only.
func (m *Market) UpdateOracleFeed(signer uuid.UUID, feedID string) error {
	if signer != m.cfg.Authority {
		return fmt.Errorf("update oracle feed: %w", auth.ErrConstraintHasOne)
	}
	m.mu.Lock()
	m.cfg.OracleFeed = feedID
	m.mu.Unlock()
	return nil
}

// ChangeBorrowLimit updates the market-wide and per-address borrow caps;
// governance only. Zero means unlimited.
func (m *Market) ChangeBorrowLimit(signer uuid.UUID, total, perAddress uint64) error {
	if signer != m.cfg.Authority {
		return fmt.Errorf("change borrow limit: %w", auth.ErrConstraintHasOne)
	}
	m.mu.Lock()
	m.cfg.BorrowCapTotal = total
	m.cfg.BorrowCapPerAddress = perAddress
	m.mu.Unlock()
	return nil
}

func (m *Market) userLocked(user uuid.UUID) *UserBalance {
	ub, ok := m.users[user]
	if !ok {
		ub = &UserBalance{}
		m.users[user] = ub
	}
	return ub
}

// validateReferences rejects substituted collateral/vault identities.
func (m *Market) validateReferences(refs References) error {
	if refs.CollateralAsset != m.cfg.CollateralAsset {
		return fmt.Errorf("asset %d: %w", refs.CollateralAsset, ErrInvalidCollateral)
	}
	if refs.VaultID != m.cfg.VaultID {
		return fmt.Errorf("vault %s: %w", refs.VaultID, ErrInvalidVaultAccount)
	}
	if refs.VaultProgram != m.cfg.VaultProgram {
		return fmt.Errorf("program %s: %w", refs.VaultProgram, ErrInvalidProgramID)
	}
	return nil
}

// Snapshot returns serializable market state for persistence.
func (m *Market) Snapshot() MarketSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make(map[string]UserBalance, len(m.users))
	for id, ub := range m.users {
		users[id.String()] = *ub
	}
	liqs := make(map[string]LiquidatorAccount, len(m.liquidations))
	for id, rec := range m.liquidations {
		liqs[id.String()] = *rec
	}
	return MarketSnapshot{
		MarketID:           m.cfg.ID.String(),
		Total:              m.total,
		AccrueInfo:         m.accrueInfo,
		LastInterestUpdate: m.lastInterestUpdate,
		Users:              users,
		Liquidations:       liqs,
	}
}

// Restore replaces the market state from a snapshot.
func (m *Market) Restore(snap MarketSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make(map[uuid.UUID]*UserBalance, len(snap.Users))
	for id, ub := range snap.Users {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return fmt.Errorf("restore market %s user %q: %w", m.cfg.ID, id, err)
		}
		copied := ub
		users[parsed] = &copied
	}
	liqs := make(map[uuid.UUID]*LiquidatorAccount, len(snap.Liquidations))
	for id, rec := range snap.Liquidations {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return fmt.Errorf("restore market %s liquidator %q: %w", m.cfg.ID, id, err)
		}
		copied := rec
		liqs[parsed] = &copied
	}

	m.total = snap.Total
	m.accrueInfo = snap.AccrueInfo
	m.lastInterestUpdate = snap.LastInterestUpdate
	m.users = users
	m.liquidations = liqs
	return nil
}

// MarketSnapshot is the serializable state of one market.
type MarketSnapshot struct {
	MarketID           string                       `json:"market_id"`
	Total              Total                        `json:"total"`
	AccrueInfo         AccrueInfo                   `json:"accrue_info"`
	LastInterestUpdate int64                        `json:"last_interest_update"`
	Users              map[string]UserBalance       `json:"users"`
	Liquidations       map[string]LiquidatorAccount `json:"liquidations"`
}
