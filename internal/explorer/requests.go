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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"casino-custody-go/internal/models"

	"go.uber.org/zap"
)

// Primary explorer schema (Esplora-style).

type primaryAddressResponse struct {
	Address    string `json:"address"`
	ChainStats struct {
		FundedTxoSum int64 `json:"funded_txo_sum"`
		SpentTxoSum  int64 `json:"spent_txo_sum"`
	} `json:"chain_stats"`
}

type primaryUTXO struct {
	TxId         string `json:"txid"`
	Vout         uint32 `json:"vout"`
	ScriptPubKey string `json:"scriptpubkey"`
	Value        int64  `json:"value"`
}

// Fallback explorer schema (envelope-style, different field names).

type fallbackBalanceResponse struct {
	Data struct {
		ConfirmedBalance int64 `json:"confirmed_balance"`
	} `json:"data"`
}

type fallbackUnspentResponse struct {
	Data struct {
		Outputs []struct {
			TxHash    string `json:"tx_hash"`
			TxOutputN uint32 `json:"tx_output_n"`
			Script    string `json:"script"`
			Value     int64  `json:"value"`
		} `json:"outputs"`
	} `json:"data"`
}

type fallbackPushResponse struct {
	Data struct {
		TxId string `json:"txid"`
	} `json:"data"`
}

func (s *Service) primaryBalance(ctx context.Context, address string) (int64, error) {
	var resp primaryAddressResponse
	url := fmt.Sprintf("%s/address/%s", s.endpoints.Primary, address)
	if err := s.getJSON(ctx, url, &resp); err != nil {
		return 0, err
	}
	return resp.ChainStats.FundedTxoSum - resp.ChainStats.SpentTxoSum, nil
}

func (s *Service) fallbackBalance(ctx context.Context, address string) (int64, error) {
	var resp fallbackBalanceResponse
	url := fmt.Sprintf("%s/v1/address/%s/balance", s.endpoints.Fallback, address)
	if err := s.getJSON(ctx, url, &resp); err != nil {
		return 0, err
	}
	return resp.Data.ConfirmedBalance, nil
}

func (s *Service) primaryUTXOs(ctx context.Context, address string) ([]models.UTXO, error) {
	var resp []primaryUTXO
	url := fmt.Sprintf("%s/address/%s/utxo", s.endpoints.Primary, address)
	if err := s.getJSON(ctx, url, &resp); err != nil {
		return nil, err
	}

	utxos := make([]models.UTXO, len(resp))
	for i, u := range resp {
		utxos[i] = models.UTXO{
			TxId:         u.TxId,
			OutputIndex:  u.Vout,
			ScriptPubKey: u.ScriptPubKey,
			Value:        u.Value,
		}
	}
	return utxos, nil
}

func (s *Service) fallbackUTXOs(ctx context.Context, address string) ([]models.UTXO, error) {
	var resp fallbackUnspentResponse
	url := fmt.Sprintf("%s/v1/address/%s/unspent", s.endpoints.Fallback, address)
	if err := s.getJSON(ctx, url, &resp); err != nil {
		return nil, err
	}

	utxos := make([]models.UTXO, len(resp.Data.Outputs))
	for i, u := range resp.Data.Outputs {
		utxos[i] = models.UTXO{
			TxId:         u.TxHash,
			OutputIndex:  u.TxOutputN,
			ScriptPubKey: u.Script,
			Value:        u.Value,
		}
	}
	return utxos, nil
}

// primaryBroadcast posts the raw hex as the request body and expects the txid
// back as plain text.
func (s *Service) primaryBroadcast(ctx context.Context, rawTxHex string) (string, error) {
	url := fmt.Sprintf("%s/tx", s.endpoints.Primary)
	body, err := s.post(ctx, url, "text/plain", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}

	txid := strings.TrimSpace(string(body))
	if txid == "" {
		return "", fmt.Errorf("primary explorer returned empty txid")
	}
	return txid, nil
}

func (s *Service) fallbackBroadcast(ctx context.Context, rawTxHex string) (string, error) {
	payload, err := json.Marshal(map[string]string{"tx": rawTxHex})
	if err != nil {
		return "", fmt.Errorf("failed to marshal push request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/tx/push", s.endpoints.Fallback)
	body, err := s.post(ctx, url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}

	var resp fallbackPushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("malformed push response: %w", err)
	}
	if resp.Data.TxId == "" {
		return "", fmt.Errorf("fallback explorer returned empty txid")
	}
	return resp.Data.TxId, nil
}

func (s *Service) getJSON(ctx context.Context, url string, out any) error {
	s.throttle()

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("explorer request failed: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			zap.L().Warn("Failed to close response body", zap.Error(err))
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("explorer returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("malformed explorer response: %w", err)
	}
	return nil
}

func (s *Service) post(ctx context.Context, url, contentType string, body io.Reader) ([]byte, error) {
	s.throttle()

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("explorer request failed: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			zap.L().Warn("Failed to close response body", zap.Error(err))
		}
	}(resp.Body)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("explorer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return respBody, nil
}
