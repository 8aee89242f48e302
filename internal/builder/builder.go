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

package builder

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"casino-custody-go/internal/models"
	"casino-custody-go/internal/store"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"
)

const (
	// DustThreshold is the minimum change output value worth creating, in
	// satoshis. Smaller change is absorbed into the fee.
	DustThreshold = 5460

	// Flat per-input size approximation, not a precise byte count.
	baseTxSize   = 180
	perInputSize = 180
)

// AddressStore is the slice of the keystore the builder needs: record lookup,
// scoped key access for signing, and the post-broadcast withdrawal note.
type AddressStore interface {
	Get(ctx context.Context, address string) (*models.AddressRecord, error)
	WithPrivateKey(ctx context.Context, address string, f func(priv *btcec.PrivateKey) error) error
	RecordWithdrawal(ctx context.Context, address string, amount int64, destination, txid string) error
}

// Service constructs, signs and broadcasts withdrawal transactions from the
// hot wallet's unspent outputs.
type Service struct {
	keys    AddressStore
	gateway store.ChainGateway
	params  *chaincfg.Params
}

func NewService(keys AddressStore, gateway store.ChainGateway, params *chaincfg.Params) *Service {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	return &Service{keys: keys, gateway: gateway, params: params}
}

// EstimateFee returns the flat-approximation fee for a transaction spending
// utxoCount inputs at the given rate. Monotonically non-decreasing in
// utxoCount for a fixed rate.
func EstimateFee(utxoCount int, feeRatePerByte int64) int64 {
	estimatedSize := int64(baseTxSize + perInputSize*utxoCount)
	return estimatedSize * feeRatePerByte
}

// Withdraw spends the unspent outputs of fromAddress to pay amountSats to
// toAddress, returning the broadcast txid.
//
// On success the source address's cached balance is optimistically
// decremented without waiting for confirmation; the snapshot drifts until the
// next balance refresh.
func (s *Service) Withdraw(ctx context.Context, fromAddress, toAddress string, amountSats, feeRatePerByte int64) (string, error) {
	if amountSats <= 0 {
		return "", fmt.Errorf("withdrawal amount must be positive, got %d", amountSats)
	}
	if feeRatePerByte <= 0 {
		feeRatePerByte = 1
	}

	if _, err := s.keys.Get(ctx, fromAddress); err != nil {
		return "", err
	}

	utxos, err := s.gateway.GetUTXOs(ctx, fromAddress)
	if err != nil {
		return "", fmt.Errorf("failed to fetch unspent outputs: %w", err)
	}
	if len(utxos) == 0 {
		return "", fmt.Errorf("%w: %s", store.ErrNoFunds, fromAddress)
	}

	var totalInput int64
	for _, u := range utxos {
		totalInput += u.Value
	}

	fee := EstimateFee(len(utxos), feeRatePerByte)
	if totalInput < amountSats+fee {
		return "", fmt.Errorf("%w: have %d, need %d + fee %d",
			store.ErrInsufficientFunds, totalInput, amountSats, fee)
	}

	tx, err := s.buildUnsigned(utxos, fromAddress, toAddress, amountSats, totalInput-amountSats-fee)
	if err != nil {
		return "", err
	}

	if err := s.sign(ctx, tx, utxos, fromAddress); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	rawHex := hex.EncodeToString(buf.Bytes())

	txid, err := s.gateway.Broadcast(ctx, rawHex)
	if err != nil {
		return "", err
	}

	if err := s.keys.RecordWithdrawal(ctx, fromAddress, amountSats, toAddress, txid); err != nil {
		// The transaction is already on the network; the cached snapshot
		// is stale until the next refresh, so log rather than fail.
		zap.L().Error("Broadcast succeeded but cached balance update failed",
			zap.String("address", fromAddress),
			zap.String("txid", txid),
			zap.Error(err))
	}

	zap.L().Info("Withdrawal broadcast",
		zap.String("from", fromAddress),
		zap.String("to", toAddress),
		zap.Int64("amount_sats", amountSats),
		zap.Int64("fee_sats", fee),
		zap.Int("inputs", len(utxos)),
		zap.String("txid", txid))

	return txid, nil
}

// buildUnsigned assembles inputs and outputs. A change output back to the
// source is added only when change exceeds the dust threshold.
func (s *Service) buildUnsigned(utxos []models.UTXO, fromAddress, toAddress string, amountSats, change int64) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)

	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxId)
		if err != nil {
			return nil, fmt.Errorf("invalid utxo txid %q: %w", u.TxId, err)
		}
		outpoint := wire.NewOutPoint(hash, u.OutputIndex)
		tx.AddTxIn(wire.NewTxIn(outpoint, nil, nil))
	}

	destScript, err := s.payToAddressScript(toAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address %q: %w", toAddress, err)
	}
	tx.AddTxOut(wire.NewTxOut(amountSats, destScript))

	if change > DustThreshold {
		changeScript, err := s.payToAddressScript(fromAddress)
		if err != nil {
			return nil, fmt.Errorf("invalid change address %q: %w", fromAddress, err)
		}
		tx.AddTxOut(wire.NewTxOut(change, changeScript))
	}

	return tx, nil
}

// sign signs every input with the source address's private key. Key material
// is only held for the duration of this call.
func (s *Service) sign(ctx context.Context, tx *wire.MsgTx, utxos []models.UTXO, fromAddress string) error {
	return s.keys.WithPrivateKey(ctx, fromAddress, func(priv *btcec.PrivateKey) error {
		for i, u := range utxos {
			prevScript, err := s.prevOutScript(u, fromAddress)
			if err != nil {
				return err
			}

			sigScript, err := txscript.SignatureScript(tx, i, prevScript, txscript.SigHashAll, priv, true)
			if err != nil {
				return fmt.Errorf("failed to sign input %d: %w", i, err)
			}
			tx.TxIn[i].SignatureScript = sigScript
		}
		return nil
	})
}

// prevOutScript prefers the script reported by the explorer and falls back to
// re-deriving the P2PKH script from the source address.
func (s *Service) prevOutScript(u models.UTXO, fromAddress string) ([]byte, error) {
	if u.ScriptPubKey != "" {
		script, err := hex.DecodeString(u.ScriptPubKey)
		if err != nil {
			return nil, fmt.Errorf("invalid utxo script for %s:%d: %w", u.TxId, u.OutputIndex, err)
		}
		return script, nil
	}
	return s.payToAddressScript(fromAddress)
}

func (s *Service) payToAddressScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, s.params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}
