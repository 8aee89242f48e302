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
	"sync"
	"time"

	"casino-custody-go/internal/models"
	"casino-custody-go/internal/store"

	"go.uber.org/zap"
)

// EventHandler receives each detected deposit exactly once per balance
// increase.
type EventHandler func(ctx context.Context, event models.DepositEvent) error

// BalanceStore is the slice of the keystore the monitor updates after a
// detected deposit.
type BalanceStore interface {
	UpdateBalance(ctx context.Context, address string, sats int64) error
}

// Config contains configuration for the deposit monitor.
type Config struct {
	DB              *sql.DB
	Gateway         store.ChainGateway
	Keys            BalanceStore
	Handler         EventHandler
	PollingInterval time.Duration
}

// Service polls the active deposit requests through the chain gateway and
// emits deposit events on balance increases. The poll loop runs only while at
// least one active request exists: it stops itself once the set drains and is
// restarted when a new deposit address is issued.
type Service struct {
	db      *sql.DB
	gateway store.ChainGateway
	keys    BalanceStore
	handler EventHandler

	pollingInterval time.Duration

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

func NewService(cfg Config) *Service {
	return &Service{
		db:              cfg.DB,
		gateway:         cfg.Gateway,
		keys:            cfg.Keys,
		handler:         cfg.Handler,
		pollingInterval: cfg.PollingInterval,
	}
}

// SetHandler wires the deposit event handler. Must be called before the loop
// starts.
func (s *Service) SetHandler(h EventHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// EnsureRunning starts the poll loop if it is not already running.
func (s *Service) EnsureRunning(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})

	zap.L().Info("Starting deposit monitor",
		zap.Duration("polling_interval", s.pollingInterval))
	go s.pollLoop(ctx, s.stopChan, s.doneChan)
}

// Stop gracefully stops the poll loop if it is running.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stop, done := s.stopChan, s.doneChan
	s.mu.Unlock()

	close(stop)
	<-done
	zap.L().Info("Deposit monitor stopped")
}

func (s *Service) markStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Service) pollLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer s.markStopped()

	ticker := time.NewTicker(s.pollingInterval)
	defer ticker.Stop()

	if s.pollOnce(ctx) {
		return
	}

	for {
		select {
		case <-ticker.C:
			if s.pollOnce(ctx) {
				return
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// pollOnce runs one pass and reports whether the loop should stop because the
// active set has drained.
func (s *Service) pollOnce(ctx context.Context) bool {
	if _, err := s.Check(ctx); err != nil {
		zap.L().Error("Deposit poll pass failed", zap.Error(err))
		return false
	}

	remaining, err := s.ActiveCount(ctx)
	if err != nil {
		zap.L().Error("Failed to count active deposits", zap.Error(err))
		return false
	}
	if remaining == 0 {
		zap.L().Info("Active deposit set drained, monitor stopping itself")
		return true
	}
	return false
}

// Check runs a single poll pass over the active set and returns the deposit
// events it emitted. Re-checking an address without a balance change emits
// nothing: detection deactivates the request and records the new balance, so
// the pass is idempotent. Addresses whose balance is unavailable due to an
// explorer outage are skipped entirely; an outage is not a zero balance.
func (s *Service) Check(ctx context.Context) ([]models.DepositEvent, error) {
	requests, err := s.ActiveRequests(ctx)
	if err != nil {
		return nil, err
	}

	var events []models.DepositEvent
	for _, req := range requests {
		result, err := s.gateway.GetBalance(ctx, req.Address)
		if err != nil {
			zap.L().Error("Balance lookup failed",
				zap.String("address", req.Address),
				zap.Error(err))
			continue
		}
		if result.Source == store.SourceUnavailable {
			zap.L().Debug("Explorer unavailable for address, skipping",
				zap.String("address", req.Address))
			continue
		}

		if result.Sats <= req.LastKnownBalance {
			continue
		}

		event := models.DepositEvent{
			Address:    req.Address,
			UserId:     req.UserId,
			Amount:     result.Sats - req.LastKnownBalance,
			NewBalance: result.Sats,
		}

		if err := s.deactivate(ctx, req.Address, result.Sats); err != nil {
			zap.L().Error("Failed to deactivate deposit request",
				zap.String("address", req.Address),
				zap.Error(err))
			continue
		}

		if err := s.keys.UpdateBalance(ctx, req.Address, result.Sats); err != nil {
			zap.L().Warn("Failed to update cached address balance",
				zap.String("address", req.Address),
				zap.Error(err))
		}

		if s.handler != nil {
			if err := s.handler(ctx, event); err != nil {
				zap.L().Error("Deposit event handler failed",
					zap.String("address", event.Address),
					zap.String("user_id", event.UserId),
					zap.Int64("amount_sats", event.Amount),
					zap.Error(err))
			}
		}

		zap.L().Info("Deposit detected",
			zap.String("address", event.Address),
			zap.String("user_id", event.UserId),
			zap.Int64("amount_sats", event.Amount),
			zap.Int64("new_balance_sats", event.NewBalance))

		events = append(events, event)
	}

	return events, nil
}
