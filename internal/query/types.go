package query

// BalanceResponse is one owner's share balance in an asset.
type BalanceResponse struct {
	Owner        string `json:"owner"`
	Asset        string `json:"asset"`
	Share        int64  `json:"share"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// MarketResponse is the projected per-market state.
type MarketResponse struct {
	MarketID          string `json:"market_id"`
	BorrowElastic     int64  `json:"borrow_elastic"`
	FeesEarned        int64  `json:"fees_earned"`
	InterestPerSecond int64  `json:"interest_per_second"`
	AsOfSequence      int64  `json:"as_of_sequence"`
}

// MarketUserResponse is one user's position in a market.
type MarketUserResponse struct {
	MarketID        string `json:"market_id"`
	UserID          string `json:"user_id"`
	CollateralShare int64  `json:"collateral_share"`
	BorrowPart      int64  `json:"borrow_part"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// LiquidationResponse is one liquidation record.
type LiquidationResponse struct {
	MarketID        string `json:"market_id"`
	Liquidator      string `json:"liquidator"`
	Borrower        string `json:"borrower"`
	CollateralShare int64  `json:"collateral_share"`
	BorrowAmount    int64  `json:"borrow_amount"`
	Proceeds        int64  `json:"proceeds"`
	Bonus           int64  `json:"bonus"`
	Status          string `json:"status"`
	Deadline        int64  `json:"deadline"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// JournalEntry is one double-entry record for history queries.
type JournalEntry struct {
	JournalID     string `json:"journal_id"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        int64  `json:"amount"`
	EntryType     string `json:"entry_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification pass.
type IntegrityReport struct {
	IsHealthy       bool     `json:"is_healthy"`
	HashChainBreaks []int64  `json:"hash_chain_breaks,omitempty"`
	NegativeShares  []string `json:"negative_shares,omitempty"`
}
