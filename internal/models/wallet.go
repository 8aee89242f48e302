package models

import "time"

// AddressRecord is a generated hot-wallet address with its cached chain state.
// Private key material never appears on this struct; it stays inside the
// keystore and is only exposed to the transaction builder for signing.
type AddressRecord struct {
	Address        string     `db:"address"`
	CreatedAt      time.Time  `db:"created_at"`
	CachedBalance  int64      `db:"cached_balance"` // satoshis
	LastCheckedAt  *time.Time `db:"last_checked_at"`
	LastWithdrawal *WithdrawalNote
}

// WithdrawalNote records the most recent withdrawal made from an address.
type WithdrawalNote struct {
	Amount      int64     `db:"last_withdrawal_amount"` // satoshis
	Destination string    `db:"last_withdrawal_to"`
	TxId        string    `db:"last_withdrawal_txid"`
	At          time.Time `db:"last_withdrawal_at"`
}

// UTXO is an unspent output fetched fresh for each withdrawal. Never persisted.
type UTXO struct {
	TxId         string
	OutputIndex  uint32
	ScriptPubKey string // hex
	Value        int64  // satoshis
}
