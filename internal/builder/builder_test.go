package builder

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"casino-custody-go/internal/keystore"
	"casino-custody-go/internal/models"
	"casino-custody-go/internal/store"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	_ "github.com/mattn/go-sqlite3"
)

// fakeGateway serves canned UTXO sets and captures the broadcast payload.
type fakeGateway struct {
	utxos        []models.UTXO
	utxoErr      error
	broadcastHex string
	broadcastErr error
	txid         string
}

func (f *fakeGateway) GetBalance(ctx context.Context, address string) (store.BalanceResult, error) {
	return store.BalanceResult{}, nil
}

func (f *fakeGateway) GetUTXOs(ctx context.Context, address string) ([]models.UTXO, error) {
	return f.utxos, f.utxoErr
}

func (f *fakeGateway) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	f.broadcastHex = rawTxHex
	if f.broadcastErr != nil {
		return "", f.broadcastErr
	}
	return f.txid, nil
}

func setupBuilderTest(t *testing.T, gateway *fakeGateway) (*Service, *keystore.Service, string, string, func()) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	keys := keystore.NewService(db, &chaincfg.MainNetParams)
	if err := keys.InitSchema(); err != nil {
		t.Fatalf("Failed to create keystore schema: %v", err)
	}

	ctx := context.Background()
	source, err := keys.Generate(ctx)
	if err != nil {
		t.Fatalf("Failed to generate source address: %v", err)
	}
	dest, err := keys.Generate(ctx)
	if err != nil {
		t.Fatalf("Failed to generate destination address: %v", err)
	}

	service := NewService(keys, gateway, &chaincfg.MainNetParams)

	cleanup := func() {
		db.Close()
	}

	return service, keys, source.Address, dest.Address, cleanup
}

func testUTXO(value int64) models.UTXO {
	return models.UTXO{
		TxId:        strings.Repeat("a", 64),
		OutputIndex: 0,
		Value:       value,
	}
}

func decodeBroadcast(t *testing.T, rawHex string) *wire.MsgTx {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		t.Fatalf("Broadcast payload is not hex: %v", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatalf("Broadcast payload is not a valid transaction: %v", err)
	}
	return tx
}

func TestEstimateFee(t *testing.T) {
	if fee := EstimateFee(1, 1); fee != 360 {
		t.Errorf("Expected fee 360 for 1 input at 1 sat/byte, got %d", fee)
	}
	if fee := EstimateFee(3, 2); fee != 1440 {
		t.Errorf("Expected fee 1440 for 3 inputs at 2 sat/byte, got %d", fee)
	}

	// More inputs never cost less at a fixed rate.
	prev := int64(0)
	for n := 0; n < 10; n++ {
		fee := EstimateFee(n, 3)
		if fee < prev {
			t.Fatalf("Fee decreased from %d to %d at %d inputs", prev, fee, n)
		}
		prev = fee
	}
}

func TestWithdraw(t *testing.T) {
	gateway := &fakeGateway{
		utxos: []models.UTXO{testUTXO(5000000)},
		txid:  "broadcast-txid",
	}
	service, keys, source, dest, cleanup := setupBuilderTest(t, gateway)
	defer cleanup()

	ctx := context.Background()
	if err := keys.UpdateBalance(ctx, source, 5000000); err != nil {
		t.Fatalf("UpdateBalance failed: %v", err)
	}

	txid, err := service.Withdraw(ctx, source, dest, 2000000, 1)
	if err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if txid != "broadcast-txid" {
		t.Errorf("Expected txid from gateway, got %q", txid)
	}

	tx := decodeBroadcast(t, gateway.broadcastHex)
	if len(tx.TxIn) != 1 {
		t.Fatalf("Expected 1 input, got %d", len(tx.TxIn))
	}
	if len(tx.TxOut) != 2 {
		t.Fatalf("Expected payment and change outputs, got %d", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != 2000000 {
		t.Errorf("Expected payment output 2000000, got %d", tx.TxOut[0].Value)
	}
	// change = 5000000 - 2000000 - 360
	if tx.TxOut[1].Value != 2999640 {
		t.Errorf("Expected change output 2999640, got %d", tx.TxOut[1].Value)
	}
	if len(tx.TxIn[0].SignatureScript) == 0 {
		t.Error("Input must be signed")
	}

	// Cached balance is optimistically decremented by the amount.
	record, err := keys.Get(ctx, source)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if record.CachedBalance != 3000000 {
		t.Errorf("Expected cached balance 3000000, got %d", record.CachedBalance)
	}
	if record.LastWithdrawal == nil || record.LastWithdrawal.TxId != "broadcast-txid" {
		t.Error("Expected a withdrawal note with the broadcast txid")
	}
}

func TestWithdraw_DustChangeAbsorbedIntoFee(t *testing.T) {
	gateway := &fakeGateway{
		utxos: []models.UTXO{testUTXO(2005000)},
		txid:  "txid",
	}
	service, _, source, dest, cleanup := setupBuilderTest(t, gateway)
	defer cleanup()

	// change = 2005000 - 2000000 - 360 = 4640, below the dust threshold.
	if _, err := service.Withdraw(context.Background(), source, dest, 2000000, 1); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}

	tx := decodeBroadcast(t, gateway.broadcastHex)
	if len(tx.TxOut) != 1 {
		t.Fatalf("Dust change must be absorbed into the fee, got %d outputs", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != 2000000 {
		t.Errorf("Expected payment output 2000000, got %d", tx.TxOut[0].Value)
	}
}

func TestWithdraw_NoFunds(t *testing.T) {
	gateway := &fakeGateway{utxos: nil}
	service, _, source, dest, cleanup := setupBuilderTest(t, gateway)
	defer cleanup()

	_, err := service.Withdraw(context.Background(), source, dest, 100000, 1)
	if !errors.Is(err, store.ErrNoFunds) {
		t.Fatalf("Expected ErrNoFunds, got %v", err)
	}
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	gateway := &fakeGateway{
		utxos: []models.UTXO{testUTXO(100000)},
	}
	service, _, source, dest, cleanup := setupBuilderTest(t, gateway)
	defer cleanup()

	// 100000 cannot cover 100000 + fee.
	_, err := service.Withdraw(context.Background(), source, dest, 100000, 1)
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	if gateway.broadcastHex != "" {
		t.Error("Nothing may be broadcast when funds are insufficient")
	}
}

func TestWithdraw_UnknownSourceAddress(t *testing.T) {
	gateway := &fakeGateway{
		utxos: []models.UTXO{testUTXO(5000000)},
	}
	service, _, _, dest, cleanup := setupBuilderTest(t, gateway)
	defer cleanup()

	_, err := service.Withdraw(context.Background(), "1NoSuchAddress", dest, 100000, 1)
	if !errors.Is(err, store.ErrAddressNotFound) {
		t.Fatalf("Expected ErrAddressNotFound, got %v", err)
	}
}

func TestWithdraw_BroadcastFailure(t *testing.T) {
	gateway := &fakeGateway{
		utxos:        []models.UTXO{testUTXO(5000000)},
		broadcastErr: store.ErrBroadcastFailed,
	}
	service, keys, source, dest, cleanup := setupBuilderTest(t, gateway)
	defer cleanup()

	ctx := context.Background()
	if err := keys.UpdateBalance(ctx, source, 5000000); err != nil {
		t.Fatalf("UpdateBalance failed: %v", err)
	}

	_, err := service.Withdraw(ctx, source, dest, 2000000, 1)
	if !errors.Is(err, store.ErrBroadcastFailed) {
		t.Fatalf("Expected ErrBroadcastFailed, got %v", err)
	}

	// A failed broadcast must not touch the cached snapshot.
	record, err := keys.Get(ctx, source)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if record.CachedBalance != 5000000 {
		t.Errorf("Expected cached balance untouched at 5000000, got %d", record.CachedBalance)
	}
	if record.LastWithdrawal != nil {
		t.Error("No withdrawal note may be written on broadcast failure")
	}
}

func TestWithdraw_MultipleInputs(t *testing.T) {
	utxo2 := testUTXO(1500000)
	utxo2.TxId = strings.Repeat("b", 64)
	utxo2.OutputIndex = 1

	gateway := &fakeGateway{
		utxos: []models.UTXO{testUTXO(1500000), utxo2},
		txid:  "txid",
	}
	service, _, source, dest, cleanup := setupBuilderTest(t, gateway)
	defer cleanup()

	// fee = (180 + 180*2) * 2 = 1080
	if _, err := service.Withdraw(context.Background(), source, dest, 2000000, 2); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}

	tx := decodeBroadcast(t, gateway.broadcastHex)
	if len(tx.TxIn) != 2 {
		t.Fatalf("Expected 2 inputs, got %d", len(tx.TxIn))
	}
	for i, in := range tx.TxIn {
		if len(in.SignatureScript) == 0 {
			t.Errorf("Input %d must be signed", i)
		}
	}
	if len(tx.TxOut) != 2 {
		t.Fatalf("Expected 2 outputs, got %d", len(tx.TxOut))
	}
	if tx.TxOut[1].Value != 3000000-2000000-1080 {
		t.Errorf("Expected change %d, got %d", 3000000-2000000-1080, tx.TxOut[1].Value)
	}
}
