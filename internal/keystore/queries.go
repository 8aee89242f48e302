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

const (
	queryInsertAddress = `
		INSERT INTO wallet_addresses (address, private_key_wif, created_at)
		VALUES (?, ?, ?)`

	queryListAddresses = `
		SELECT address, created_at, cached_balance, last_checked_at,
		       last_withdrawal_amount, last_withdrawal_to, last_withdrawal_txid, last_withdrawal_at
		FROM wallet_addresses
		ORDER BY created_at`

	queryGetAddress = `
		SELECT address, created_at, cached_balance, last_checked_at,
		       last_withdrawal_amount, last_withdrawal_to, last_withdrawal_txid, last_withdrawal_at
		FROM wallet_addresses
		WHERE address = ?`

	queryGetPrivateKey = `
		SELECT private_key_wif
		FROM wallet_addresses
		WHERE address = ?`

	queryUpdateBalance = `
		UPDATE wallet_addresses
		SET cached_balance = ?, last_checked_at = ?
		WHERE address = ?`

	queryRecordWithdrawal = `
		UPDATE wallet_addresses
		SET cached_balance = MAX(cached_balance - ?, 0),
		    last_withdrawal_amount = ?,
		    last_withdrawal_to = ?,
		    last_withdrawal_txid = ?,
		    last_withdrawal_at = ?
		WHERE address = ?`
)
