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

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"casino-custody-go/internal/models"
	"casino-custody-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service owns per-user account state: spendable balance, cumulative
// deposited/withdrawn totals and transaction histories. Accounts are created
// lazily on first access and every mutation is serialized per user.
type Service struct {
	db    *sql.DB
	locks *userLocks
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, locks: newUserLocks()}
}

func (s *Service) InitSchema() error {
	schema := `
	-- Account Balances Table (Current State - Hot Data)
	CREATE TABLE IF NOT EXISTS user_accounts (
		user_id TEXT PRIMARY KEY,
		balance TEXT NOT NULL DEFAULT '0',
		total_deposited TEXT NOT NULL DEFAULT '0',
		total_withdrawn TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- Ledger Entries Table (Audit Trail - Cold Data)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		address TEXT,
		external_txid TEXT,
		reference TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_id ON ledger_entries(user_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_type ON ledger_entries(user_id, entry_type);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_external_txid ON ledger_entries(external_txid);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_created_at ON ledger_entries(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

type entryParams struct {
	UserId       string
	EntryType    string
	Amount       decimal.Decimal // signed: credits positive, debits negative
	Address      string
	ExternalTxId string
	Reference    string
}

// AddDeposit credits a detected deposit to a user account.
func (s *Service) AddDeposit(ctx context.Context, userId string, amount decimal.Decimal, address, txid string) (*models.LedgerEntry, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("deposit amount must be positive, got %s", amount.String())
	}
	return s.apply(ctx, entryParams{
		UserId:       userId,
		EntryType:    models.EntryDeposit,
		Amount:       amount,
		Address:      address,
		ExternalTxId: txid,
	})
}

// AddWithdrawal debits a broadcast withdrawal from a user account. Fails with
// ErrInsufficientBalance before any mutation when the balance cannot cover it.
func (s *Service) AddWithdrawal(ctx context.Context, userId string, amount decimal.Decimal, toAddress, txid string) (*models.LedgerEntry, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("withdrawal amount must be positive, got %s", amount.String())
	}
	return s.apply(ctx, entryParams{
		UserId:       userId,
		EntryType:    models.EntryWithdrawal,
		Amount:       amount.Neg(),
		Address:      toAddress,
		ExternalTxId: txid,
	})
}

// Debit removes funds from an account for a game wager.
func (s *Service) Debit(ctx context.Context, userId string, amount decimal.Decimal, reference string) (*models.LedgerEntry, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("debit amount must be positive, got %s", amount.String())
	}
	return s.apply(ctx, entryParams{
		UserId:    userId,
		EntryType: models.EntryBet,
		Amount:    amount.Neg(),
		Reference: reference,
	})
}

// Credit adds funds to an account for a game payout.
func (s *Service) Credit(ctx context.Context, userId string, amount decimal.Decimal, reference string) (*models.LedgerEntry, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("credit amount must be positive, got %s", amount.String())
	}
	return s.apply(ctx, entryParams{
		UserId:    userId,
		EntryType: models.EntryWin,
		Amount:    amount,
		Reference: reference,
	})
}

// apply performs one serialized read-modify-write cycle on an account:
// duplicate external txid check, lazy account creation, non-negative balance
// guard, entry insert and versioned balance update, all in one database
// transaction.
func (s *Service) apply(ctx context.Context, params entryParams) (*models.LedgerEntry, error) {
	lock := s.locks.get(params.UserId)
	lock.Lock()
	defer lock.Unlock()

	if params.ExternalTxId != "" {
		var existingId string
		err := s.db.QueryRowContext(ctx, queryCheckDuplicateEntry, params.ExternalTxId).Scan(&existingId)
		if err == nil {
			zap.L().Warn("Duplicate external transaction id detected, skipping",
				zap.String("external_txid", params.ExternalTxId),
				zap.String("existing_entry_id", existingId))
			return nil, fmt.Errorf("%w: external_txid %s already exists", store.ErrDuplicateTransaction, params.ExternalTxId)
		} else if err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to check for duplicate entry: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			zap.L().Warn("Failed to roll back transaction", zap.Error(err))
		}
	}()

	account, err := getOrCreateAccount(ctx, tx, params.UserId)
	if err != nil {
		return nil, err
	}

	newBalance := account.Balance.Add(params.Amount)
	if newBalance.IsNegative() {
		return nil, fmt.Errorf("%w: balance %s, requested %s",
			store.ErrInsufficientBalance, account.Balance.String(), params.Amount.Abs().String())
	}

	deposited, withdrawn := account.TotalDeposited, account.TotalWithdrawn
	switch params.EntryType {
	case models.EntryDeposit:
		deposited = deposited.Add(params.Amount)
	case models.EntryWithdrawal:
		withdrawn = withdrawn.Add(params.Amount.Abs())
	case models.EntryReversal:
		withdrawn = withdrawn.Sub(params.Amount)
	}

	entry, err := insertEntry(ctx, tx, params, account.Balance, newBalance)
	if err != nil {
		return nil, err
	}

	if err := updateAccount(ctx, tx, params.UserId, newBalance, deposited, withdrawn, account.Version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Ledger entry applied",
		zap.String("entry_id", entry.Id),
		zap.String("user_id", params.UserId),
		zap.String("type", params.EntryType),
		zap.String("amount", params.Amount.String()),
		zap.String("old_balance", account.Balance.String()),
		zap.String("new_balance", newBalance.String()))

	return entry, nil
}

// ReverseWithdrawal credits a debited withdrawal back after a failed
// broadcast, undoing its effect on balance and the withdrawn total.
func (s *Service) ReverseWithdrawal(ctx context.Context, userId string, amount decimal.Decimal, originalEntryId string) (*models.LedgerEntry, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("reversal amount must be positive, got %s", amount.String())
	}
	return s.apply(ctx, entryParams{
		UserId:    userId,
		EntryType: models.EntryReversal,
		Amount:    amount,
		Reference: "reversal of " + originalEntryId,
	})
}

// TransferBalance atomically moves funds between two users: both sides are
// updated inside one database transaction or neither is.
func (s *Service) TransferBalance(ctx context.Context, fromUserId, toUserId string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("transfer amount must be positive, got %s", amount.String())
	}
	if fromUserId == toUserId {
		return fmt.Errorf("cannot transfer to the same user")
	}

	unlock := s.locks.lockPair(fromUserId, toUserId)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			zap.L().Warn("Failed to roll back transaction", zap.Error(err))
		}
	}()

	from, err := getOrCreateAccount(ctx, tx, fromUserId)
	if err != nil {
		return err
	}
	to, err := getOrCreateAccount(ctx, tx, toUserId)
	if err != nil {
		return err
	}

	fromBalance := from.Balance.Sub(amount)
	if fromBalance.IsNegative() {
		return fmt.Errorf("%w: balance %s, requested %s",
			store.ErrInsufficientBalance, from.Balance.String(), amount.String())
	}
	toBalance := to.Balance.Add(amount)

	reference := uuid.New().String()

	outParams := entryParams{
		UserId:    fromUserId,
		EntryType: models.EntryTransferOut,
		Amount:    amount.Neg(),
		Reference: reference,
	}
	if _, err := insertEntry(ctx, tx, outParams, from.Balance, fromBalance); err != nil {
		return err
	}

	inParams := entryParams{
		UserId:    toUserId,
		EntryType: models.EntryTransferIn,
		Amount:    amount,
		Reference: reference,
	}
	if _, err := insertEntry(ctx, tx, inParams, to.Balance, toBalance); err != nil {
		return err
	}

	if err := updateAccount(ctx, tx, fromUserId, fromBalance, from.TotalDeposited, from.TotalWithdrawn, from.Version); err != nil {
		return err
	}
	if err := updateAccount(ctx, tx, toUserId, toBalance, to.TotalDeposited, to.TotalWithdrawn, to.Version); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Balance transferred",
		zap.String("from_user_id", fromUserId),
		zap.String("to_user_id", toUserId),
		zap.String("amount", amount.String()),
		zap.String("reference", reference))

	return nil
}

// GetAccount returns the account record, creating it lazily.
func (s *Service) GetAccount(ctx context.Context, userId string) (*models.UserAccount, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, queryGetAccount, userId))
	if err == sql.ErrNoRows {
		lock := s.locks.get(userId)
		lock.Lock()
		defer lock.Unlock()

		if _, err := s.db.ExecContext(ctx, queryInsertAccount, userId); err != nil {
			return nil, fmt.Errorf("failed to create account: %w", err)
		}
		return scanAccount(s.db.QueryRowContext(ctx, queryGetAccount, userId))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// ListAccounts returns every account ordered by user id.
func (s *Service) ListAccounts(ctx context.Context) ([]models.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, queryListAccounts)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var accounts []models.UserAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating account rows: %w", err)
	}
	return accounts, nil
}

// GetEntries returns paginated history for a user, optionally filtered by
// entry type.
func (s *Service) GetEntries(ctx context.Context, userId, entryType string, limit, offset int) ([]models.LedgerEntry, error) {
	var rows *sql.Rows
	var err error
	if entryType == "" {
		rows, err = s.db.QueryContext(ctx, queryGetEntries, userId, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, queryGetEntriesByType, userId, entryType, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entries: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var entries []models.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entry rows: %w", err)
	}
	return entries, nil
}

// GetLeaderboard returns the top accounts by the chosen metric, descending.
func (s *Service) GetLeaderboard(ctx context.Context, metric models.LeaderboardMetric, limit int) ([]models.LeaderboardRow, error) {
	var query string
	switch metric {
	case models.MetricBalance:
		query = queryLeaderboardBalance
	case models.MetricDeposited:
		query = queryLeaderboardDeposited
	case models.MetricWithdrawn:
		query = queryLeaderboardWithdrawn
	default:
		return nil, fmt.Errorf("unknown leaderboard metric %q", metric)
	}

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get leaderboard: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var result []models.LeaderboardRow
	for rows.Next() {
		var row models.LeaderboardRow
		var valueStr string
		if err := rows.Scan(&row.UserId, &valueStr); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard row: %w", err)
		}
		row.Value, err = decimal.NewFromString(valueStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse leaderboard value %q: %w", valueStr, err)
		}
		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating leaderboard rows: %w", err)
	}
	return result, nil
}

// --- row helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getOrCreateAccount(ctx context.Context, tx execer, userId string) (*models.UserAccount, error) {
	account, err := scanAccount(tx.QueryRowContext(ctx, queryGetAccount, userId))
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx, queryInsertAccount, userId); err != nil {
			return nil, fmt.Errorf("failed to create account: %w", err)
		}
		account, err = scanAccount(tx.QueryRowContext(ctx, queryGetAccount, userId))
		if err != nil {
			return nil, fmt.Errorf("failed to read created account: %w", err)
		}
		return account, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

func scanAccount(row rowScanner) (*models.UserAccount, error) {
	var account models.UserAccount
	var balanceStr, depositedStr, withdrawnStr string

	err := row.Scan(&account.UserId, &balanceStr, &depositedStr, &withdrawnStr,
		&account.Version, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if account.Balance, err = decimal.NewFromString(balanceStr); err != nil {
		return nil, fmt.Errorf("failed to parse balance %q: %w", balanceStr, err)
	}
	if account.TotalDeposited, err = decimal.NewFromString(depositedStr); err != nil {
		return nil, fmt.Errorf("failed to parse total_deposited %q: %w", depositedStr, err)
	}
	if account.TotalWithdrawn, err = decimal.NewFromString(withdrawnStr); err != nil {
		return nil, fmt.Errorf("failed to parse total_withdrawn %q: %w", withdrawnStr, err)
	}
	return &account, nil
}

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	var amountStr, beforeStr, afterStr string
	var address, externalTxId, reference sql.NullString

	err := row.Scan(&entry.Id, &entry.UserId, &entry.EntryType,
		&amountStr, &beforeStr, &afterStr,
		&address, &externalTxId, &reference, &entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	if entry.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("failed to parse amount %q: %w", amountStr, err)
	}
	if entry.BalanceBefore, err = decimal.NewFromString(beforeStr); err != nil {
		return nil, fmt.Errorf("failed to parse balance_before %q: %w", beforeStr, err)
	}
	if entry.BalanceAfter, err = decimal.NewFromString(afterStr); err != nil {
		return nil, fmt.Errorf("failed to parse balance_after %q: %w", afterStr, err)
	}
	entry.Address = address.String
	entry.ExternalTxId = externalTxId.String
	entry.Reference = reference.String
	return &entry, nil
}

func insertEntry(ctx context.Context, tx execer, params entryParams, before, after decimal.Decimal) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{
		Id:            uuid.New().String(),
		UserId:        params.UserId,
		EntryType:     params.EntryType,
		Amount:        params.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Address:       params.Address,
		ExternalTxId:  params.ExternalTxId,
		Reference:     params.Reference,
		CreatedAt:     time.Now().UTC(),
	}

	_, err := tx.ExecContext(ctx, queryInsertEntry,
		entry.Id, entry.UserId, entry.EntryType,
		entry.Amount.String(), entry.BalanceBefore.String(), entry.BalanceAfter.String(),
		entry.Address, entry.ExternalTxId, entry.Reference, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return entry, nil
}

func updateAccount(ctx context.Context, tx execer, userId string, balance, deposited, withdrawn decimal.Decimal, version int64) error {
	result, err := tx.ExecContext(ctx, queryUpdateAccount,
		balance.String(), deposited.String(), withdrawn.String(), userId, version)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("account update failed - %w", store.ErrConcurrentModification)
	}
	return nil
}
