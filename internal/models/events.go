package models

import "time"

// ActiveDepositRequest is one address the deposit monitor is watching.
// The set of active requests is the exact polling universe; the monitor
// never scans the whole address space.
type ActiveDepositRequest struct {
	Address          string    `db:"address"`
	UserId           string    `db:"user_id"`
	LastKnownBalance int64     `db:"last_known_balance"` // satoshis
	Active           bool      `db:"active"`
	CreatedAt        time.Time `db:"created_at"`
}

// DepositEvent is emitted when a watched address's balance increases.
type DepositEvent struct {
	Address    string
	UserId     string
	Amount     int64 // satoshis, delta over last known balance
	NewBalance int64 // satoshis
}
