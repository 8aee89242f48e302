package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserAccount represents current per-user balance state (hot data)
type UserAccount struct {
	UserId          string          `db:"user_id"`
	Balance         decimal.Decimal `db:"balance"`
	TotalDeposited  decimal.Decimal `db:"total_deposited"`
	TotalWithdrawn  decimal.Decimal `db:"total_withdrawn"`
	Version         int64           `db:"version"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
	LinkedAddresses []string
}

// LedgerEntry represents immutable transaction history (cold data)
type LedgerEntry struct {
	Id            string          `db:"id"`
	UserId        string          `db:"user_id"`
	EntryType     string          `db:"entry_type"`
	Amount        decimal.Decimal `db:"amount"`
	BalanceBefore decimal.Decimal `db:"balance_before"`
	BalanceAfter  decimal.Decimal `db:"balance_after"`
	Address       string          `db:"address"`
	ExternalTxId  string          `db:"external_txid"`
	Reference     string          `db:"reference"`
	CreatedAt     time.Time       `db:"created_at"`
}

// Ledger entry types.
const (
	EntryDeposit     = "deposit"
	EntryWithdrawal  = "withdrawal"
	EntryTransferIn  = "transfer_in"
	EntryTransferOut = "transfer_out"
	EntryBet         = "bet"
	EntryWin         = "win"
	EntryReversal    = "withdrawal_reversal"
)

// LeaderboardMetric selects the ordering column for GetLeaderboard.
type LeaderboardMetric string

const (
	MetricBalance   LeaderboardMetric = "balance"
	MetricDeposited LeaderboardMetric = "deposited"
	MetricWithdrawn LeaderboardMetric = "withdrawn"
)

// LeaderboardRow is one entry of a leaderboard query.
type LeaderboardRow struct {
	UserId string
	Value  decimal.Decimal
}
