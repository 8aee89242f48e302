package store

import (
	"context"
	"errors"

	"casino-custody-go/internal/models"
)

// Sentinel errors shared across components. Funds-affecting operations abort
// on these without partial mutation.
var (
	ErrAddressNotFound        = errors.New("address not found")
	ErrAccountNotFound        = errors.New("account not found")
	ErrNoFunds                = errors.New("no unspent outputs available")
	ErrInsufficientFunds      = errors.New("insufficient funds for amount plus fee")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrBroadcastFailed        = errors.New("transaction broadcast failed")
	ErrInvalidCredential      = errors.New("invalid credential")
	ErrDuplicateTransaction   = errors.New("duplicate transaction")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrBetLimitExceeded       = errors.New("bet exceeds treasury limit")
	ErrCashoutLocked          = errors.New("wagering requirement not met")
	ErrNoActiveSession        = errors.New("no active gambling session")
)

// BalanceSource distinguishes a confirmed explorer answer from a degraded one.
// The gateway fails open to zero on outage; callers that must not mistake an
// outage for an empty address check the source.
type BalanceSource int

const (
	SourceConfirmed BalanceSource = iota
	SourceUnavailable
)

// BalanceResult is a normalized balance answer from the chain gateway.
type BalanceResult struct {
	Sats   int64
	Source BalanceSource
}

// ChainGateway abstracts the public block-explorer services: balance lookup,
// UTXO listing and raw-transaction broadcast, each backed by a
// primary/fallback endpoint pair.
//
// GetBalance and GetUTXOs fail open: on a double endpoint failure they return
// zero/empty with SourceUnavailable rather than an error, so a transient
// outage does not block monitoring of other addresses. Broadcast never fails
// open and is never retried beyond the single fallback attempt.
type ChainGateway interface {
	GetBalance(ctx context.Context, address string) (BalanceResult, error)
	GetUTXOs(ctx context.Context, address string) ([]models.UTXO, error)
	Broadcast(ctx context.Context, rawTxHex string) (string, error)
}
