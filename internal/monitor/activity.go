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

package monitor

import (
	"context"
	"database/sql"
	"fmt"

	"casino-custody-go/internal/models"

	"go.uber.org/zap"
)

const (
	queryUpsertActiveDeposit = `
		INSERT INTO active_deposits (address, user_id, last_known_balance, active)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(address) DO UPDATE SET
			user_id = excluded.user_id,
			last_known_balance = excluded.last_known_balance,
			active = 1`

	queryActiveDeposits = `
		SELECT address, user_id, last_known_balance, active, created_at
		FROM active_deposits
		WHERE active = 1
		ORDER BY created_at`

	queryDeactivateDeposit = `
		UPDATE active_deposits
		SET active = 0, last_known_balance = ?
		WHERE address = ?`

	queryUpdateLastKnown = `
		UPDATE active_deposits
		SET last_known_balance = ?
		WHERE address = ?`

	queryCountActive = `
		SELECT COUNT(*) FROM active_deposits WHERE active = 1`

	queryAddressesForUser = `
		SELECT address FROM active_deposits WHERE user_id = ? ORDER BY created_at`
)

func (s *Service) InitSchema() error {
	schema := `
	-- Addresses currently watched for incoming deposits. This set is the
	-- exact polling universe; the monitor never scans all addresses.
	CREATE TABLE IF NOT EXISTS active_deposits (
		address TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		last_known_balance INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_active_deposits_active ON active_deposits(active);
	CREATE INDEX IF NOT EXISTS idx_active_deposits_user_id ON active_deposits(user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Register adds an address to the active polling set, reactivating it if a
// previous request for the same address was already drained.
func (s *Service) Register(ctx context.Context, userId, address string, lastKnownBalance int64) error {
	_, err := s.db.ExecContext(ctx, queryUpsertActiveDeposit, address, userId, lastKnownBalance)
	if err != nil {
		return fmt.Errorf("failed to register active deposit: %w", err)
	}

	zap.L().Info("Registered active deposit request",
		zap.String("address", address),
		zap.String("user_id", userId))
	return nil
}

// ActiveRequests returns the current polling universe.
func (s *Service) ActiveRequests(ctx context.Context) ([]models.ActiveDepositRequest, error) {
	rows, err := s.db.QueryContext(ctx, queryActiveDeposits)
	if err != nil {
		return nil, fmt.Errorf("failed to load active deposits: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var requests []models.ActiveDepositRequest
	for rows.Next() {
		var r models.ActiveDepositRequest
		if err := rows.Scan(&r.Address, &r.UserId, &r.LastKnownBalance, &r.Active, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan active deposit: %w", err)
		}
		requests = append(requests, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating active deposit rows: %w", err)
	}
	return requests, nil
}

// ActiveCount reports how many requests remain in the polling set.
func (s *Service) ActiveCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, queryCountActive).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count active deposits: %w", err)
	}
	return count, nil
}

// AddressesForUser lists every address ever issued to a user, for account
// views.
func (s *Service) AddressesForUser(ctx context.Context, userId string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, queryAddressesForUser, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to load user addresses: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var addresses []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		addresses = append(addresses, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating address rows: %w", err)
	}
	return addresses, nil
}

func (s *Service) deactivate(ctx context.Context, address string, newBalance int64) error {
	_, err := s.db.ExecContext(ctx, queryDeactivateDeposit, newBalance, address)
	if err != nil {
		return fmt.Errorf("failed to deactivate deposit request: %w", err)
	}
	return nil
}
