package keystore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"casino-custody-go/internal/store"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	_ "github.com/mattn/go-sqlite3"
)

func setupKeystoreTestDB(t *testing.T) (*Service, func()) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	service := NewService(db, &chaincfg.MainNetParams)
	if err := service.InitSchema(); err != nil {
		t.Fatalf("Failed to create keystore schema: %v", err)
	}

	cleanup := func() {
		db.Close()
	}

	return service, cleanup
}

func TestGenerate(t *testing.T) {
	service, cleanup := setupKeystoreTestDB(t)
	defer cleanup()

	ctx := context.Background()

	record, err := service.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// Mainnet P2PKH addresses are base58 and start with '1'.
	if !strings.HasPrefix(record.Address, "1") {
		t.Errorf("Expected mainnet P2PKH address, got %q", record.Address)
	}
	if record.CachedBalance != 0 {
		t.Errorf("Expected zero cached balance, got %d", record.CachedBalance)
	}

	// The stored key must re-derive the same address.
	err = service.WithPrivateKey(ctx, record.Address, func(priv *btcec.PrivateKey) error {
		pubKeyHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
		addr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, &chaincfg.MainNetParams)
		if err != nil {
			return err
		}
		if addr.EncodeAddress() != record.Address {
			t.Errorf("Stored key derives %q, expected %q", addr.EncodeAddress(), record.Address)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithPrivateKey failed: %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	service, cleanup := setupKeystoreTestDB(t)
	defer cleanup()

	_, err := service.Get(context.Background(), "1NoSuchAddress")
	if !errors.Is(err, store.ErrAddressNotFound) {
		t.Fatalf("Expected ErrAddressNotFound, got %v", err)
	}
}

func TestUpdateBalance(t *testing.T) {
	service, cleanup := setupKeystoreTestDB(t)
	defer cleanup()

	ctx := context.Background()

	record, err := service.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if err := service.UpdateBalance(ctx, record.Address, 150000); err != nil {
		t.Fatalf("UpdateBalance failed: %v", err)
	}

	got, err := service.Get(ctx, record.Address)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.CachedBalance != 150000 {
		t.Errorf("Expected cached balance 150000, got %d", got.CachedBalance)
	}
	if got.LastCheckedAt == nil {
		t.Error("Expected last checked timestamp to be set")
	}
}

func TestUpdateBalance_UnknownAddress(t *testing.T) {
	service, cleanup := setupKeystoreTestDB(t)
	defer cleanup()

	err := service.UpdateBalance(context.Background(), "1NoSuchAddress", 100)
	if !errors.Is(err, store.ErrAddressNotFound) {
		t.Fatalf("Expected ErrAddressNotFound, got %v", err)
	}
}

func TestRecordWithdrawal(t *testing.T) {
	service, cleanup := setupKeystoreTestDB(t)
	defer cleanup()

	ctx := context.Background()

	record, err := service.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err := service.UpdateBalance(ctx, record.Address, 500000); err != nil {
		t.Fatalf("UpdateBalance failed: %v", err)
	}

	if err := service.RecordWithdrawal(ctx, record.Address, 200000, "1Destination", "txid1"); err != nil {
		t.Fatalf("RecordWithdrawal failed: %v", err)
	}

	got, err := service.Get(ctx, record.Address)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.CachedBalance != 300000 {
		t.Errorf("Expected cached balance 300000 after decrement, got %d", got.CachedBalance)
	}
	if got.LastWithdrawal == nil {
		t.Fatal("Expected a withdrawal note")
	}
	if got.LastWithdrawal.Amount != 200000 || got.LastWithdrawal.TxId != "txid1" {
		t.Errorf("Unexpected withdrawal note: %+v", got.LastWithdrawal)
	}
}

func TestRecordWithdrawal_FloorsAtZero(t *testing.T) {
	service, cleanup := setupKeystoreTestDB(t)
	defer cleanup()

	ctx := context.Background()

	record, err := service.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err := service.UpdateBalance(ctx, record.Address, 1000); err != nil {
		t.Fatalf("UpdateBalance failed: %v", err)
	}

	// Decrementing past zero clamps instead of going negative: the snapshot
	// is approximate, the chain is the source of truth.
	if err := service.RecordWithdrawal(ctx, record.Address, 5000, "1Destination", "txid1"); err != nil {
		t.Fatalf("RecordWithdrawal failed: %v", err)
	}

	got, err := service.Get(ctx, record.Address)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.CachedBalance != 0 {
		t.Errorf("Expected cached balance clamped to 0, got %d", got.CachedBalance)
	}
}

func TestList(t *testing.T) {
	service, cleanup := setupKeystoreTestDB(t)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := service.Generate(ctx); err != nil {
			t.Fatalf("Generate %d failed: %v", i, err)
		}
	}

	records, err := service.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
}

func TestWithPrivateKey_UnknownAddress(t *testing.T) {
	service, cleanup := setupKeystoreTestDB(t)
	defer cleanup()

	err := service.WithPrivateKey(context.Background(), "1NoSuchAddress", func(priv *btcec.PrivateKey) error {
		t.Error("Callback must not run for an unknown address")
		return nil
	})
	if !errors.Is(err, store.ErrAddressNotFound) {
		t.Fatalf("Expected ErrAddressNotFound, got %v", err)
	}
}
