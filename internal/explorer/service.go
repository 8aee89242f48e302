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

package explorer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"casino-custody-go/internal/models"
	"casino-custody-go/internal/store"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// Compile-time check: *Service must satisfy store.ChainGateway.
var _ store.ChainGateway = (*Service)(nil)

// Service talks to two public block-explorer services with differently shaped
// response schemas and normalizes both to the same return values. Every call
// tries the primary endpoint first and falls back exactly once.
type Service struct {
	endpoints Endpoints
	client    *http.Client
	timeout   time.Duration

	// Fixed inter-request delay shared across all operations, to respect
	// third-party rate limits.
	minInterval time.Duration
	throttleMu  sync.Mutex
	lastRequest time.Time
}

type Config struct {
	Endpoints          Endpoints
	RequestTimeout     time.Duration
	MinRequestInterval time.Duration
}

func NewService(cfg Config) (*Service, error) {
	if err := cfg.Endpoints.Validate(); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("request timeout must be positive, got %v", cfg.RequestTimeout)
	}

	client, err := createCustomHttpClient(cfg.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("unable to create custom http client: %w", err)
	}

	return &Service{
		endpoints:   cfg.Endpoints,
		client:      client,
		timeout:     cfg.RequestTimeout,
		minInterval: cfg.MinRequestInterval,
	}, nil
}

func createCustomHttpClient(timeout time.Duration) (*http.Client, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: timeout,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   timeout,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, err
	}

	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

// throttle blocks until the configured inter-request delay has elapsed since
// the previous request, across all callers.
func (s *Service) throttle() {
	if s.minInterval <= 0 {
		return
	}
	s.throttleMu.Lock()
	wait := s.minInterval - time.Since(s.lastRequest)
	if wait > 0 {
		time.Sleep(wait)
	}
	s.lastRequest = time.Now()
	s.throttleMu.Unlock()
}

// GetBalance returns the confirmed balance of an address in satoshis. On a
// double endpoint failure it returns zero with SourceUnavailable and no error,
// so one unreachable explorer does not block monitoring of other addresses.
func (s *Service) GetBalance(ctx context.Context, address string) (store.BalanceResult, error) {
	sats, err := s.primaryBalance(ctx, address)
	if err == nil {
		return store.BalanceResult{Sats: sats, Source: store.SourceConfirmed}, nil
	}
	zap.L().Warn("Primary explorer balance lookup failed, trying fallback",
		zap.String("address", address),
		zap.Error(err))

	sats, fbErr := s.fallbackBalance(ctx, address)
	if fbErr == nil {
		return store.BalanceResult{Sats: sats, Source: store.SourceConfirmed}, nil
	}
	zap.L().Warn("Fallback explorer balance lookup failed, degrading to zero",
		zap.String("address", address),
		zap.Error(fbErr))

	return store.BalanceResult{Sats: 0, Source: store.SourceUnavailable}, nil
}

// GetUTXOs returns the unspent outputs of an address. Fails open to an empty
// slice when both endpoints are unreachable.
func (s *Service) GetUTXOs(ctx context.Context, address string) ([]models.UTXO, error) {
	utxos, err := s.primaryUTXOs(ctx, address)
	if err == nil {
		return utxos, nil
	}
	zap.L().Warn("Primary explorer UTXO lookup failed, trying fallback",
		zap.String("address", address),
		zap.Error(err))

	utxos, fbErr := s.fallbackUTXOs(ctx, address)
	if fbErr == nil {
		return utxos, nil
	}
	zap.L().Warn("Fallback explorer UTXO lookup failed, degrading to empty",
		zap.String("address", address),
		zap.Error(fbErr))

	return nil, nil
}

// Broadcast submits a raw transaction and returns its txid. Unlike the read
// paths this does not fail open: retrying a broadcast without idempotency
// tracking is unsafe, so both endpoints failing surfaces ErrBroadcastFailed.
func (s *Service) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	txid, err := s.primaryBroadcast(ctx, rawTxHex)
	if err == nil {
		return txid, nil
	}
	zap.L().Warn("Primary explorer broadcast failed, trying fallback", zap.Error(err))

	txid, fbErr := s.fallbackBroadcast(ctx, rawTxHex)
	if fbErr == nil {
		return txid, nil
	}
	zap.L().Error("Broadcast failed on both explorers",
		zap.NamedError("primary_error", err),
		zap.NamedError("fallback_error", fbErr))

	return "", fmt.Errorf("%w: primary: %v, fallback: %v", store.ErrBroadcastFailed, err, fbErr)
}
