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

const (
	queryGetAccount = `
		SELECT user_id, balance, total_deposited, total_withdrawn, version, created_at, updated_at
		FROM user_accounts
		WHERE user_id = ?`

	queryInsertAccount = `
		INSERT INTO user_accounts (user_id, balance, total_deposited, total_withdrawn, version)
		VALUES (?, '0', '0', '0', 1)`

	queryUpdateAccount = `
		UPDATE user_accounts
		SET balance = ?, total_deposited = ?, total_withdrawn = ?,
		    version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND version = ?`

	queryListAccounts = `
		SELECT user_id, balance, total_deposited, total_withdrawn, version, created_at, updated_at
		FROM user_accounts
		ORDER BY user_id ASC`

	queryCheckDuplicateEntry = `
		SELECT id FROM ledger_entries WHERE external_txid = ? LIMIT 1`

	queryInsertEntry = `
		INSERT INTO ledger_entries (
			id, user_id, entry_type, amount, balance_before, balance_after,
			address, external_txid, reference, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetEntries = `
		SELECT id, user_id, entry_type, amount, balance_before, balance_after,
		       address, external_txid, reference, created_at
		FROM ledger_entries
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`

	queryGetEntriesByType = `
		SELECT id, user_id, entry_type, amount, balance_before, balance_after,
		       address, external_txid, reference, created_at
		FROM ledger_entries
		WHERE user_id = ? AND entry_type = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`

	// Ties broken by natural record order (rowid).
	queryLeaderboardBalance = `
		SELECT user_id, balance FROM user_accounts
		ORDER BY CAST(balance AS REAL) DESC, rowid ASC
		LIMIT ?`

	queryLeaderboardDeposited = `
		SELECT user_id, total_deposited FROM user_accounts
		ORDER BY CAST(total_deposited AS REAL) DESC, rowid ASC
		LIMIT ?`

	queryLeaderboardWithdrawn = `
		SELECT user_id, total_withdrawn FROM user_accounts
		ORDER BY CAST(total_withdrawn AS REAL) DESC, rowid ASC
		LIMIT ?`
)
