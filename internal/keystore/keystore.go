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

package keystore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"casino-custody-go/internal/models"
	"casino-custody-go/internal/store"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/zap"
)

// Service is the sole owner of hot-wallet private keys. Key material never
// leaves this package except through WithPrivateKey, which scopes access to a
// single signing operation.
type Service struct {
	db     *sql.DB
	params *chaincfg.Params
}

func NewService(db *sql.DB, params *chaincfg.Params) *Service {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	return &Service{db: db, params: params}
}

func (s *Service) InitSchema() error {
	schema := `
	-- Generated hot-wallet addresses. Rows are never deleted: spent
	-- addresses are kept for audit and reuse as withdrawal sources.
	CREATE TABLE IF NOT EXISTS wallet_addresses (
		address TEXT PRIMARY KEY,
		private_key_wif TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		cached_balance INTEGER NOT NULL DEFAULT 0,
		last_checked_at TIMESTAMP,
		last_withdrawal_amount INTEGER,
		last_withdrawal_to TEXT,
		last_withdrawal_txid TEXT,
		last_withdrawal_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_wallet_addresses_created_at ON wallet_addresses(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Generate creates a new keypair, derives its compressed P2PKH address and
// persists both immediately with a zero cached balance.
func (s *Service) Generate(ctx context.Context) (*models.AddressRecord, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	pubKeyHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, s.params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive address: %w", err)
	}

	wif, err := btcutil.NewWIF(priv, s.params, true)
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}

	address := addr.EncodeAddress()
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx, queryInsertAddress, address, wif.String(), now)
	if err != nil {
		return nil, fmt.Errorf("failed to persist address: %w", err)
	}

	zap.L().Info("Generated deposit address", zap.String("address", address))

	return &models.AddressRecord{
		Address:       address,
		CreatedAt:     now,
		CachedBalance: 0,
	}, nil
}

// List returns all address records without key material, oldest first.
func (s *Service) List(ctx context.Context) ([]models.AddressRecord, error) {
	rows, err := s.db.QueryContext(ctx, queryListAddresses)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var records []models.AddressRecord
	for rows.Next() {
		record, err := scanAddressRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating address rows: %w", err)
	}
	return records, nil
}

// Get returns one address record without key material.
func (s *Service) Get(ctx context.Context, address string) (*models.AddressRecord, error) {
	row := s.db.QueryRowContext(ctx, queryGetAddress, address)
	record, err := scanAddressRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", store.ErrAddressNotFound, address)
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// UpdateBalance sets the cached balance snapshot for an address.
func (s *Service) UpdateBalance(ctx context.Context, address string, sats int64) error {
	result, err := s.db.ExecContext(ctx, queryUpdateBalance, sats, time.Now().UTC(), address)
	if err != nil {
		return fmt.Errorf("failed to update cached balance: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", store.ErrAddressNotFound, address)
	}
	return nil
}

// RecordWithdrawal optimistically decrements the cached balance by the
// withdrawn amount and stores the last-withdrawal note. The decrement does not
// wait for confirmation and does not account for the spent outputs precisely;
// RefreshBalance re-derives the snapshot from chain state on demand.
func (s *Service) RecordWithdrawal(ctx context.Context, address string, amount int64, destination, txid string) error {
	result, err := s.db.ExecContext(ctx, queryRecordWithdrawal,
		amount, amount, destination, txid, time.Now().UTC(), address)
	if err != nil {
		return fmt.Errorf("failed to record withdrawal: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", store.ErrAddressNotFound, address)
	}

	zap.L().Info("Recorded address withdrawal",
		zap.String("address", address),
		zap.Int64("amount_sats", amount),
		zap.String("destination", destination),
		zap.String("txid", txid))
	return nil
}

// WithPrivateKey loads the private key for one address and passes it to f.
// This is the only way key material leaves storage; the transaction builder
// uses it for the duration of a single signing operation.
func (s *Service) WithPrivateKey(ctx context.Context, address string, f func(priv *btcec.PrivateKey) error) error {
	var wifStr string
	err := s.db.QueryRowContext(ctx, queryGetPrivateKey, address).Scan(&wifStr)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", store.ErrAddressNotFound, address)
	}
	if err != nil {
		return fmt.Errorf("failed to load key: %w", err)
	}

	wif, err := btcutil.DecodeWIF(wifStr)
	if err != nil {
		return fmt.Errorf("failed to decode stored key: %w", err)
	}

	return f(wif.PrivKey)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAddressRecord(row rowScanner) (*models.AddressRecord, error) {
	var record models.AddressRecord
	var lastChecked sql.NullTime
	var wAmount sql.NullInt64
	var wTo, wTxId sql.NullString
	var wAt sql.NullTime

	err := row.Scan(&record.Address, &record.CreatedAt, &record.CachedBalance,
		&lastChecked, &wAmount, &wTo, &wTxId, &wAt)
	if err != nil {
		return nil, err
	}

	if lastChecked.Valid {
		record.LastCheckedAt = &lastChecked.Time
	}
	if wTxId.Valid && wAt.Valid {
		record.LastWithdrawal = &models.WithdrawalNote{
			Amount:      wAmount.Int64,
			Destination: wTo.String,
			TxId:        wTxId.String,
			At:          wAt.Time,
		}
	}
	return &record, nil
}
