package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TreasuryState is the house bankroll. Invariant:
// Balance = TotalCollected - TotalPaidOut + manual adjustments.
type TreasuryState struct {
	Balance        decimal.Decimal `db:"balance"`
	TotalCollected decimal.Decimal `db:"total_collected"`
	TotalPaidOut   decimal.Decimal `db:"total_paid_out"`
	Version        int64           `db:"version"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// TreasuryEntry is one row of the bankroll transaction log.
type TreasuryEntry struct {
	Id        string          `db:"id"`
	EntryType string          `db:"entry_type"`
	Amount    decimal.Decimal `db:"amount"`
	Reference string          `db:"reference"`
	CreatedAt time.Time       `db:"created_at"`
}

// Treasury entry types.
const (
	TreasuryHouseWin   = "house_win"
	TreasuryPayout     = "payout"
	TreasuryAdjustment = "adjustment"
)
