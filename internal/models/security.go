package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserSecurity holds credential custody and wagering accumulators for one user.
// PasswordHash is salt:hash, never the plaintext. CanCashout is derived from
// the accumulators on every read, never stored.
type UserSecurity struct {
	UserId          string          `db:"user_id"`
	HasPassword     bool            `db:"-"`
	PasswordHash    string          `db:"password_hash"`
	RecoveryKey     string          `db:"recovery_key"`
	WageredAmount   decimal.Decimal `db:"wagered_amount"`
	DepositedAmount decimal.Decimal `db:"deposited_amount"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// CanCashout reports whether cumulative wagers have reached cumulative deposits.
func (u UserSecurity) CanCashout() bool {
	return u.WageredAmount.GreaterThanOrEqual(u.DepositedAmount)
}
