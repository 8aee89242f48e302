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

package treasury

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"casino-custody-go/internal/models"
	"casino-custody-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxBetFraction bounds a single bet to a share of the bankroll.
var maxBetFraction = decimal.NewFromFloat(0.30)

const (
	queryGetTreasury = `
		SELECT balance, total_collected, total_paid_out, version, updated_at
		FROM treasury
		WHERE id = 1`

	queryUpdateTreasury = `
		UPDATE treasury
		SET balance = ?, total_collected = ?, total_paid_out = ?,
		    version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = 1 AND version = ?`

	queryInsertTreasuryEntry = `
		INSERT INTO treasury_entries (id, entry_type, amount, reference)
		VALUES (?, ?, ?, ?)`

	queryGetTreasuryEntries = `
		SELECT id, entry_type, amount, reference, created_at
		FROM treasury_entries
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`
)

// Service tracks the house bankroll and derives bet-size risk limits from it.
// The bankroll is a single shared scalar; all mutations are serialized.
type Service struct {
	db *sql.DB
	mu sync.Mutex
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

func (s *Service) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS treasury (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		balance TEXT NOT NULL DEFAULT '0',
		total_collected TEXT NOT NULL DEFAULT '0',
		total_paid_out TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS treasury_entries (
		id TEXT PRIMARY KEY,
		entry_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		reference TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_treasury_entries_created_at ON treasury_entries(created_at);

	INSERT OR IGNORE INTO treasury (id) VALUES (1);
	`

	_, err := s.db.Exec(schema)
	return err
}

// State returns the current bankroll snapshot.
func (s *Service) State(ctx context.Context) (*models.TreasuryState, error) {
	return s.scan(ctx)
}

// RecordHouseWin increases the bankroll by a collected amount.
func (s *Service) RecordHouseWin(ctx context.Context, amount decimal.Decimal, reference string) (*models.TreasuryState, error) {
	return s.mutate(ctx, models.TreasuryHouseWin, amount, reference)
}

// RecordPayout decreases the bankroll by a paid-out amount.
func (s *Service) RecordPayout(ctx context.Context, amount decimal.Decimal, reference string) (*models.TreasuryState, error) {
	return s.mutate(ctx, models.TreasuryPayout, amount, reference)
}

// Adjust applies a signed manual correction to the bankroll.
func (s *Service) Adjust(ctx context.Context, amount decimal.Decimal, reference string) (*models.TreasuryState, error) {
	return s.mutate(ctx, models.TreasuryAdjustment, amount, reference)
}

func (s *Service) mutate(ctx context.Context, entryType string, amount decimal.Decimal, reference string) (*models.TreasuryState, error) {
	if entryType != models.TreasuryAdjustment && amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("treasury amount must be positive, got %s", amount.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	balance := state.Balance
	collected := state.TotalCollected
	paidOut := state.TotalPaidOut

	switch entryType {
	case models.TreasuryHouseWin:
		balance = balance.Add(amount)
		collected = collected.Add(amount)
	case models.TreasuryPayout:
		balance = balance.Sub(amount)
		paidOut = paidOut.Add(amount)
	case models.TreasuryAdjustment:
		balance = balance.Add(amount)
	default:
		return nil, fmt.Errorf("unknown treasury entry type %q", entryType)
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

	result, err := tx.ExecContext(ctx, queryUpdateTreasury,
		balance.String(), collected.String(), paidOut.String(), state.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update treasury: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("treasury update failed - %w", store.ErrConcurrentModification)
	}

	if _, err := tx.ExecContext(ctx, queryInsertTreasuryEntry,
		uuid.New().String(), entryType, amount.String(), reference); err != nil {
		return nil, fmt.Errorf("failed to insert treasury entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Treasury updated",
		zap.String("type", entryType),
		zap.String("amount", amount.String()),
		zap.String("old_balance", state.Balance.String()),
		zap.String("new_balance", balance.String()),
		zap.String("reference", reference))

	return s.scan(ctx)
}

// MaxBetLimit returns the largest allowed single bet, recomputed from the
// current bankroll on every call.
func (s *Service) MaxBetLimit(ctx context.Context) (decimal.Decimal, error) {
	state, err := s.scan(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return state.Balance.Mul(maxBetFraction), nil
}

// CheckBet rejects bets above the current limit before any ledger mutation
// occurs.
func (s *Service) CheckBet(ctx context.Context, amount decimal.Decimal) error {
	limit, err := s.MaxBetLimit(ctx)
	if err != nil {
		return err
	}
	if amount.GreaterThan(limit) {
		return fmt.Errorf("%w: bet %s, limit %s", store.ErrBetLimitExceeded, amount.String(), limit.String())
	}
	return nil
}

// Entries returns the paginated bankroll transaction log.
func (s *Service) Entries(ctx context.Context, limit, offset int) ([]models.TreasuryEntry, error) {
	rows, err := s.db.QueryContext(ctx, queryGetTreasuryEntries, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get treasury entries: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var entries []models.TreasuryEntry
	for rows.Next() {
		var entry models.TreasuryEntry
		var amountStr string
		var reference sql.NullString
		if err := rows.Scan(&entry.Id, &entry.EntryType, &amountStr, &reference, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan treasury entry: %w", err)
		}
		if entry.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("failed to parse treasury amount %q: %w", amountStr, err)
		}
		entry.Reference = reference.String
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating treasury rows: %w", err)
	}
	return entries, nil
}

func (s *Service) scan(ctx context.Context) (*models.TreasuryState, error) {
	var state models.TreasuryState
	var balanceStr, collectedStr, paidOutStr string

	err := s.db.QueryRowContext(ctx, queryGetTreasury).Scan(
		&balanceStr, &collectedStr, &paidOutStr, &state.Version, &state.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get treasury state: %w", err)
	}

	if state.Balance, err = decimal.NewFromString(balanceStr); err != nil {
		return nil, fmt.Errorf("failed to parse treasury balance %q: %w", balanceStr, err)
	}
	if state.TotalCollected, err = decimal.NewFromString(collectedStr); err != nil {
		return nil, fmt.Errorf("failed to parse total_collected %q: %w", collectedStr, err)
	}
	if state.TotalPaidOut, err = decimal.NewFromString(paidOutStr); err != nil {
		return nil, fmt.Errorf("failed to parse total_paid_out %q: %w", paidOutStr, err)
	}
	return &state, nil
}
