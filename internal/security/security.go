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

package security

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"casino-custody-go/internal/models"
	"casino-custody-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	queryGetSecurity = `
		SELECT user_id, password_hash, recovery_key, wagered_amount, deposited_amount, updated_at
		FROM user_security
		WHERE user_id = ?`

	queryInsertSecurity = `
		INSERT INTO user_security (user_id, password_hash, recovery_key, wagered_amount, deposited_amount)
		VALUES (?, '', ?, '0', '0')`

	queryUpdateCredentials = `
		UPDATE user_security
		SET password_hash = ?, recovery_key = ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?`

	queryUpdateAccumulators = `
		UPDATE user_security
		SET wagered_amount = ?, deposited_amount = ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?`
)

// Service custodies password and recovery-key material, gates gambling
// sessions and tracks the wagered/deposited accumulators that derive cash-out
// eligibility.
type Service struct {
	db *sql.DB

	// Session state is owned exclusively by this service; expiry is lazy so
	// it is deterministic under test, with a cancellable janitor sweeping
	// stale entries.
	sessionMu sync.Mutex
	sessions  map[string]time.Time

	locks *keyedLocks

	janitorOn bool
	stopOnce  sync.Once
	stopChan  chan struct{}
	doneChan  chan struct{}
}

func NewService(db *sql.DB) *Service {
	return &Service{
		db:       db,
		sessions: make(map[string]time.Time),
		locks:    newKeyedLocks(),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

func (s *Service) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS user_security (
		user_id TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL DEFAULT '',
		recovery_key TEXT NOT NULL,
		wagered_amount TEXT NOT NULL DEFAULT '0',
		deposited_amount TEXT NOT NULL DEFAULT '0',
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Get returns the security record for a user, creating it lazily with a fresh
// recovery key and no password.
func (s *Service) Get(ctx context.Context, userId string) (*models.UserSecurity, error) {
	record, err := s.scan(ctx, userId)
	if err == sql.ErrNoRows {
		lock := s.locks.get(userId)
		lock.Lock()
		defer lock.Unlock()

		key, keyErr := newRecoveryKey()
		if keyErr != nil {
			return nil, keyErr
		}
		if _, err := s.db.ExecContext(ctx, queryInsertSecurity, userId, key); err != nil {
			return nil, fmt.Errorf("failed to create security record: %w", err)
		}
		return s.scan(ctx, userId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get security record: %w", err)
	}
	return record, nil
}

// SetPassword stores a fresh salted slow hash of the password and rotates the
// recovery key.
func (s *Service) SetPassword(ctx context.Context, userId, password string) (recoveryKey string, err error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}

	if _, err := s.Get(ctx, userId); err != nil {
		return "", err
	}

	lock := s.locks.get(userId)
	lock.Lock()
	defer lock.Unlock()

	hash, err := hashPassword(password)
	if err != nil {
		return "", err
	}
	key, err := newRecoveryKey()
	if err != nil {
		return "", err
	}

	if _, err := s.db.ExecContext(ctx, queryUpdateCredentials, hash, key, userId); err != nil {
		return "", fmt.Errorf("failed to store password: %w", err)
	}

	zap.L().Info("Password set", zap.String("user_id", userId))
	return key, nil
}

// VerifyPassword recomputes the derivation and compares. Returns
// ErrInvalidCredential on mismatch or when no password is set.
func (s *Service) VerifyPassword(ctx context.Context, userId, password string) error {
	record, err := s.Get(ctx, userId)
	if err != nil {
		return err
	}
	if record.PasswordHash == "" || !verifyPassword(password, record.PasswordHash) {
		return store.ErrInvalidCredential
	}
	return nil
}

// ResetRecoveryKey rotates the recovery key. The two-factor reset requires
// presenting both the current password and the current recovery key.
func (s *Service) ResetRecoveryKey(ctx context.Context, userId, password, currentRecoveryKey string) (string, error) {
	record, err := s.Get(ctx, userId)
	if err != nil {
		return "", err
	}

	if record.PasswordHash == "" || !verifyPassword(password, record.PasswordHash) {
		return "", store.ErrInvalidCredential
	}
	if record.RecoveryKey != currentRecoveryKey {
		return "", store.ErrInvalidCredential
	}

	lock := s.locks.get(userId)
	lock.Lock()
	defer lock.Unlock()

	key, err := newRecoveryKey()
	if err != nil {
		return "", err
	}
	if _, err := s.db.ExecContext(ctx, queryUpdateCredentials, record.PasswordHash, key, userId); err != nil {
		return "", fmt.Errorf("failed to rotate recovery key: %w", err)
	}

	zap.L().Info("Recovery key rotated", zap.String("user_id", userId))
	return key, nil
}

// StartSession opens a time-boxed gambling session for a user.
func (s *Service) StartSession(userId string, minutes int) time.Time {
	expiry := time.Now().Add(time.Duration(minutes) * time.Minute)

	s.sessionMu.Lock()
	s.sessions[userId] = expiry
	s.sessionMu.Unlock()

	zap.L().Info("Gambling session started",
		zap.String("user_id", userId),
		zap.Time("expires_at", expiry))
	return expiry
}

// HasActiveSession lazily deactivates an expired session and reports whether
// one is still open.
func (s *Service) HasActiveSession(userId string) bool {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	expiry, ok := s.sessions[userId]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(s.sessions, userId)
		return false
	}
	return true
}

// EndSession closes a session early.
func (s *Service) EndSession(userId string) {
	s.sessionMu.Lock()
	delete(s.sessions, userId)
	s.sessionMu.Unlock()
}

// StartJanitor begins the cancellable sweep of expired sessions.
func (s *Service) StartJanitor(ctx context.Context, interval time.Duration) {
	s.janitorOn = true
	go func() {
		defer close(s.doneChan)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweepSessions()
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopJanitor cancels the sweep loop. Safe to call when the janitor was
// never started.
func (s *Service) StopJanitor() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.janitorOn {
			<-s.doneChan
		}
	})
}

func (s *Service) sweepSessions() {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	now := time.Now()
	swept := 0
	for userId, expiry := range s.sessions {
		if now.After(expiry) {
			delete(s.sessions, userId)
			swept++
		}
	}
	if swept > 0 {
		zap.L().Debug("Swept expired gambling sessions", zap.Int("count", swept))
	}
}

// AddWageredAmount accumulates a wager. Cash-out eligibility is derived from
// the stored accumulators on every read, never cached.
func (s *Service) AddWageredAmount(ctx context.Context, userId string, amount decimal.Decimal) (*models.UserSecurity, error) {
	return s.addAccumulated(ctx, userId, amount, decimal.Zero)
}

// AddDepositedAmount accumulates a detected deposit.
func (s *Service) AddDepositedAmount(ctx context.Context, userId string, amount decimal.Decimal) (*models.UserSecurity, error) {
	return s.addAccumulated(ctx, userId, decimal.Zero, amount)
}

func (s *Service) addAccumulated(ctx context.Context, userId string, wagered, deposited decimal.Decimal) (*models.UserSecurity, error) {
	if wagered.IsNegative() || deposited.IsNegative() {
		return nil, fmt.Errorf("accumulator amounts cannot be negative")
	}

	if _, err := s.Get(ctx, userId); err != nil {
		return nil, err
	}

	lock := s.locks.get(userId)
	lock.Lock()
	defer lock.Unlock()

	record, err := s.scan(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read security record: %w", err)
	}

	newWagered := record.WageredAmount.Add(wagered)
	newDeposited := record.DepositedAmount.Add(deposited)

	if _, err := s.db.ExecContext(ctx, queryUpdateAccumulators,
		newWagered.String(), newDeposited.String(), userId); err != nil {
		return nil, fmt.Errorf("failed to update accumulators: %w", err)
	}

	record.WageredAmount = newWagered
	record.DepositedAmount = newDeposited
	return record, nil
}

// CanCashout reports whether cumulative wagers have reached cumulative
// deposits, computed from the freshly read record.
func (s *Service) CanCashout(ctx context.Context, userId string) (bool, error) {
	record, err := s.Get(ctx, userId)
	if err != nil {
		return false, err
	}
	return record.CanCashout(), nil
}

func (s *Service) scan(ctx context.Context, userId string) (*models.UserSecurity, error) {
	var record models.UserSecurity
	var wageredStr, depositedStr string

	err := s.db.QueryRowContext(ctx, queryGetSecurity, userId).Scan(
		&record.UserId, &record.PasswordHash, &record.RecoveryKey,
		&wageredStr, &depositedStr, &record.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if record.WageredAmount, err = decimal.NewFromString(wageredStr); err != nil {
		return nil, fmt.Errorf("failed to parse wagered_amount %q: %w", wageredStr, err)
	}
	if record.DepositedAmount, err = decimal.NewFromString(depositedStr); err != nil {
		return nil, fmt.Errorf("failed to parse deposited_amount %q: %w", depositedStr, err)
	}
	record.HasPassword = record.PasswordHash != ""
	return &record, nil
}
