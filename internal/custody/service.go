/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package custody is the ledger/wallet API consumed by the presentation layer
// and the game engines. It wires the chain gateway, keystore, transaction
// builder, deposit monitor, user ledger, security manager and treasury into
// the operations the rest of the platform calls.
package custody

import (
	"context"
	"fmt"
	"time"

	"casino-custody-go/internal/builder"
	"casino-custody-go/internal/keystore"
	"casino-custody-go/internal/ledger"
	"casino-custody-go/internal/models"
	"casino-custody-go/internal/monitor"
	"casino-custody-go/internal/security"
	"casino-custody-go/internal/store"
	"casino-custody-go/internal/treasury"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Service struct {
	runCtx   context.Context
	gateway  store.ChainGateway
	keys     *keystore.Service
	builder  *builder.Service
	monitor  *monitor.Service
	ledger   *ledger.Service
	security *security.Service
	treasury *treasury.Service
}

type Config struct {
	// RunCtx bounds the lifetime of the monitor loop restarted on address
	// issuance.
	RunCtx   context.Context
	Gateway  store.ChainGateway
	Keys     *keystore.Service
	Builder  *builder.Service
	Monitor  *monitor.Service
	Ledger   *ledger.Service
	Security *security.Service
	Treasury *treasury.Service
}

func NewService(cfg Config) *Service {
	runCtx := cfg.RunCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	return &Service{
		runCtx:   runCtx,
		gateway:  cfg.Gateway,
		keys:     cfg.Keys,
		builder:  cfg.Builder,
		monitor:  cfg.Monitor,
		ledger:   cfg.Ledger,
		security: cfg.Security,
		treasury: cfg.Treasury,
	}
}

// HandleDeposit is the monitor's event handler: it credits the detected
// deposit to the user's ledger account and wagering accumulator.
func (s *Service) HandleDeposit(ctx context.Context, event models.DepositEvent) error {
	amount := models.SatsToCoins(event.Amount)

	if _, err := s.ledger.AddDeposit(ctx, event.UserId, amount, event.Address, ""); err != nil {
		return fmt.Errorf("failed to credit deposit: %w", err)
	}
	if _, err := s.security.AddDepositedAmount(ctx, event.UserId, amount); err != nil {
		return fmt.Errorf("failed to update deposited accumulator: %w", err)
	}

	zap.L().Info("Deposit credited",
		zap.String("user_id", event.UserId),
		zap.String("address", event.Address),
		zap.String("amount", amount.String()))
	return nil
}

// GenerateDepositAddress creates a fresh hot-wallet address for a user,
// registers it with the deposit monitor and (re)starts the poll loop.
func (s *Service) GenerateDepositAddress(ctx context.Context, userId string) (*models.AddressRecord, error) {
	record, err := s.keys.Generate(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.monitor.Register(ctx, userId, record.Address, 0); err != nil {
		return nil, err
	}
	s.monitor.EnsureRunning(s.runCtx)

	return record, nil
}

// RegisterActiveDeposit re-arms monitoring for an existing address.
func (s *Service) RegisterActiveDeposit(ctx context.Context, userId, address string) error {
	record, err := s.keys.Get(ctx, address)
	if err != nil {
		return err
	}

	if err := s.monitor.Register(ctx, userId, address, record.CachedBalance); err != nil {
		return err
	}
	s.monitor.EnsureRunning(s.runCtx)
	return nil
}

// PollActiveDeposits runs one poll pass immediately, outside the timer.
func (s *Service) PollActiveDeposits(ctx context.Context) ([]models.DepositEvent, error) {
	return s.monitor.Check(ctx)
}

// Withdraw pays out amount (in coin units) from a hot-wallet address to a
// user-supplied destination. The wagering gate runs first; the ledger debit
// happens before the broadcast so a funds-affecting failure can never leave
// the ledger partially updated: a failed broadcast reverses the debit.
func (s *Service) Withdraw(ctx context.Context, userId, fromAddress, toAddress string, amount decimal.Decimal, feeRatePerByte int64) (string, error) {
	eligible, err := s.security.CanCashout(ctx, userId)
	if err != nil {
		return "", err
	}
	if !eligible {
		return "", store.ErrCashoutLocked
	}

	entry, err := s.ledger.AddWithdrawal(ctx, userId, amount, toAddress, "")
	if err != nil {
		return "", err
	}

	txid, err := s.builder.Withdraw(ctx, fromAddress, toAddress, models.CoinsToSats(amount), feeRatePerByte)
	if err != nil {
		if _, revErr := s.ledger.ReverseWithdrawal(ctx, userId, amount, entry.Id); revErr != nil {
			zap.L().Error("Failed to reverse ledger debit after broadcast failure",
				zap.String("user_id", userId),
				zap.String("entry_id", entry.Id),
				zap.Error(revErr))
		}
		return "", err
	}

	return txid, nil
}

// GetUserAccount returns the account with its histories and linked addresses.
func (s *Service) GetUserAccount(ctx context.Context, userId string) (*models.UserAccount, error) {
	account, err := s.ledger.GetAccount(ctx, userId)
	if err != nil {
		return nil, err
	}

	addresses, err := s.monitor.AddressesForUser(ctx, userId)
	if err != nil {
		return nil, err
	}
	account.LinkedAddresses = addresses
	return account, nil
}

// GetHistory returns paginated ledger entries for a user, optionally filtered
// by entry type.
func (s *Service) GetHistory(ctx context.Context, userId, entryType string, limit, offset int) ([]models.LedgerEntry, error) {
	return s.ledger.GetEntries(ctx, userId, entryType, limit, offset)
}

// TransferBalance moves funds between two user accounts.
func (s *Service) TransferBalance(ctx context.Context, fromUserId, toUserId string, amount decimal.Decimal) error {
	return s.ledger.TransferBalance(ctx, fromUserId, toUserId, amount)
}

// GetLeaderboard returns the top accounts by the chosen metric.
func (s *Service) GetLeaderboard(ctx context.Context, metric models.LeaderboardMetric, limit int) ([]models.LeaderboardRow, error) {
	return s.ledger.GetLeaderboard(ctx, metric, limit)
}

// SetPassword stores a user's password and returns the rotated recovery key.
func (s *Service) SetPassword(ctx context.Context, userId, password string) (string, error) {
	return s.security.SetPassword(ctx, userId, password)
}

// VerifyPassword checks a user's password.
func (s *Service) VerifyPassword(ctx context.Context, userId, password string) error {
	return s.security.VerifyPassword(ctx, userId, password)
}

// ResetRecoveryKey rotates the recovery key after the two-factor check.
func (s *Service) ResetRecoveryKey(ctx context.Context, userId, password, currentRecoveryKey string) (string, error) {
	return s.security.ResetRecoveryKey(ctx, userId, password, currentRecoveryKey)
}

// StartGamblingSession opens a time-boxed session for a user.
func (s *Service) StartGamblingSession(userId string, minutes int) time.Time {
	return s.security.StartSession(userId, minutes)
}

// CanCashout reports whether the wagering requirement is met.
func (s *Service) CanCashout(ctx context.Context, userId string) (bool, error) {
	return s.security.CanCashout(ctx, userId)
}

// MaxBetLimit returns the current treasury-derived bet cap.
func (s *Service) MaxBetLimit(ctx context.Context) (decimal.Decimal, error) {
	return s.treasury.MaxBetLimit(ctx)
}

// Treasury returns the bankroll snapshot.
func (s *Service) Treasury(ctx context.Context) (*models.TreasuryState, error) {
	return s.treasury.State(ctx)
}

// PlaceBet debits a wager from the user after the session and bet-limit
// gates, collecting the stake into the treasury and updating the wagering
// accumulator. The limit check runs before any ledger mutation.
func (s *Service) PlaceBet(ctx context.Context, userId string, amount decimal.Decimal, reference string) error {
	if !s.security.HasActiveSession(userId) {
		return store.ErrNoActiveSession
	}
	if err := s.treasury.CheckBet(ctx, amount); err != nil {
		return err
	}

	if _, err := s.ledger.Debit(ctx, userId, amount, reference); err != nil {
		return err
	}
	if _, err := s.security.AddWageredAmount(ctx, userId, amount); err != nil {
		return err
	}
	if _, err := s.treasury.RecordHouseWin(ctx, amount, reference); err != nil {
		return err
	}
	return nil
}

// SettleWin pays a game win from the treasury into the user's account.
func (s *Service) SettleWin(ctx context.Context, userId string, amount decimal.Decimal, reference string) error {
	if _, err := s.treasury.RecordPayout(ctx, amount, reference); err != nil {
		return err
	}
	if _, err := s.ledger.Credit(ctx, userId, amount, reference); err != nil {
		return err
	}
	return nil
}

// RefreshAddressBalance re-derives an address's cached balance from chain
// state, replacing the optimistic post-withdrawal snapshot. Skipped when the
// explorers are unavailable; an outage is not a zero balance.
func (s *Service) RefreshAddressBalance(ctx context.Context, address string) (int64, error) {
	if _, err := s.keys.Get(ctx, address); err != nil {
		return 0, err
	}

	result, err := s.gateway.GetBalance(ctx, address)
	if err != nil {
		return 0, err
	}
	if result.Source == store.SourceUnavailable {
		return 0, fmt.Errorf("explorer unavailable for %s, keeping cached balance", address)
	}

	if err := s.keys.UpdateBalance(ctx, address, result.Sats); err != nil {
		return 0, err
	}
	return result.Sats, nil
}

// ListAddresses returns all hot-wallet addresses without key material.
func (s *Service) ListAddresses(ctx context.Context) ([]models.AddressRecord, error) {
	return s.keys.List(ctx)
}

// Stop shuts down the background loops.
func (s *Service) Stop() {
	s.monitor.Stop()
	s.security.StopJanitor()
}
