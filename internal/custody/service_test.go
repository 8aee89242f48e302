package custody

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"casino-custody-go/internal/builder"
	"casino-custody-go/internal/keystore"
	"casino-custody-go/internal/ledger"
	"casino-custody-go/internal/models"
	"casino-custody-go/internal/monitor"
	"casino-custody-go/internal/security"
	"casino-custody-go/internal/store"
	"casino-custody-go/internal/treasury"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// fakeGateway is lock-protected because the monitor loop may poll it from a
// background goroutine.
type fakeGateway struct {
	mu           sync.Mutex
	balances     map[string]store.BalanceResult
	utxos        map[string][]models.UTXO
	txid         string
	broadcastErr error
	broadcasts   int
}

func (f *fakeGateway) setBalance(address string, result store.BalanceResult) {
	f.mu.Lock()
	f.balances[address] = result
	f.mu.Unlock()
}

func (f *fakeGateway) GetBalance(ctx context.Context, address string) (store.BalanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if result, ok := f.balances[address]; ok {
		return result, nil
	}
	return store.BalanceResult{Sats: 0, Source: store.SourceConfirmed}, nil
}

func (f *fakeGateway) GetUTXOs(ctx context.Context, address string) ([]models.UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.utxos[address], nil
}

func (f *fakeGateway) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts++
	if f.broadcastErr != nil {
		return "", f.broadcastErr
	}
	return f.txid, nil
}

type testServices struct {
	custody  *Service
	keys     *keystore.Service
	monitor  *monitor.Service
	ledger   *ledger.Service
	security *security.Service
	treasury *treasury.Service
	gateway  *fakeGateway
}

func setupCustodyTest(t *testing.T) (*testServices, func()) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}

	gateway := &fakeGateway{
		balances: make(map[string]store.BalanceResult),
		utxos:    make(map[string][]models.UTXO),
		txid:     strings.Repeat("c", 64),
	}

	keys := keystore.NewService(db, nil)
	ledgerSvc := ledger.NewService(db)
	securitySvc := security.NewService(db)
	treasurySvc := treasury.NewService(db)
	builderSvc := builder.NewService(keys, gateway, nil)
	monitorSvc := monitor.NewService(monitor.Config{
		DB:              db,
		Gateway:         gateway,
		Keys:            keys,
		PollingInterval: 10 * time.Millisecond,
	})

	for _, init := range []func() error{
		keys.InitSchema,
		ledgerSvc.InitSchema,
		securitySvc.InitSchema,
		treasurySvc.InitSchema,
		monitorSvc.InitSchema,
	} {
		if err := init(); err != nil {
			t.Fatalf("Failed to initialize schema: %v", err)
		}
	}

	custodySvc := NewService(Config{
		Gateway:  gateway,
		Keys:     keys,
		Builder:  builderSvc,
		Monitor:  monitorSvc,
		Ledger:   ledgerSvc,
		Security: securitySvc,
		Treasury: treasurySvc,
	})
	monitorSvc.SetHandler(custodySvc.HandleDeposit)

	services := &testServices{
		custody:  custodySvc,
		keys:     keys,
		monitor:  monitorSvc,
		ledger:   ledgerSvc,
		security: securitySvc,
		treasury: treasurySvc,
		gateway:  gateway,
	}

	cleanup := func() {
		custodySvc.Stop()
		if err := db.Close(); err != nil {
			t.Errorf("Failed to close database: %v", err)
		}
	}
	return services, cleanup
}

func TestHandleDeposit(t *testing.T) {
	services, cleanup := setupCustodyTest(t)
	defer cleanup()

	ctx := context.Background()
	event := models.DepositEvent{
		Address:    "addr1",
		UserId:     "user1",
		Amount:     150000000,
		NewBalance: 150000000,
	}
	if err := services.custody.HandleDeposit(ctx, event); err != nil {
		t.Fatalf("HandleDeposit failed: %v", err)
	}

	account, err := services.custody.GetUserAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetUserAccount failed: %v", err)
	}
	if !account.Balance.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("Expected balance 1.5, got %s", account.Balance)
	}

	// The deposit arms the wagering requirement.
	eligible, err := services.custody.CanCashout(ctx, "user1")
	if err != nil {
		t.Fatalf("CanCashout failed: %v", err)
	}
	if eligible {
		t.Error("Expected cashout locked after a fresh deposit")
	}
}

func TestWithdraw(t *testing.T) {
	services, cleanup := setupCustodyTest(t)
	defer cleanup()

	ctx := context.Background()
	record, err := services.keys.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	dest, err := services.keys.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	services.gateway.utxos[record.Address] = []models.UTXO{
		{TxId: strings.Repeat("a", 64), OutputIndex: 0, Value: 5000000},
	}

	// Seed the ledger without touching the deposited accumulator so the
	// wagering gate stays open.
	if _, err := services.ledger.Credit(ctx, "user1", decimal.RequireFromString("0.05"), "seed"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	txid, err := services.custody.Withdraw(ctx, "user1", record.Address, dest.Address, decimal.RequireFromString("0.02"), 1)
	if err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if txid != services.gateway.txid {
		t.Errorf("Expected txid %s, got %s", services.gateway.txid, txid)
	}

	account, err := services.ledger.GetAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if !account.Balance.Equal(decimal.RequireFromString("0.03")) {
		t.Errorf("Expected balance 0.03 after withdrawal, got %s", account.Balance)
	}
}

func TestWithdraw_CashoutLocked(t *testing.T) {
	services, cleanup := setupCustodyTest(t)
	defer cleanup()

	ctx := context.Background()
	event := models.DepositEvent{Address: "addr1", UserId: "user1", Amount: 100000000, NewBalance: 100000000}
	if err := services.custody.HandleDeposit(ctx, event); err != nil {
		t.Fatalf("HandleDeposit failed: %v", err)
	}

	_, err := services.custody.Withdraw(ctx, "user1", "addr1", "dest", decimal.RequireFromString("0.5"), 1)
	if !errors.Is(err, store.ErrCashoutLocked) {
		t.Fatalf("Expected ErrCashoutLocked, got %v", err)
	}
	if services.gateway.broadcasts != 0 {
		t.Error("Nothing may be broadcast while cashout is locked")
	}
}

func TestWithdraw_BroadcastFailureReversesDebit(t *testing.T) {
	services, cleanup := setupCustodyTest(t)
	defer cleanup()

	ctx := context.Background()
	record, err := services.keys.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	dest, err := services.keys.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	services.gateway.utxos[record.Address] = []models.UTXO{
		{TxId: strings.Repeat("a", 64), OutputIndex: 0, Value: 5000000},
	}
	services.gateway.broadcastErr = store.ErrBroadcastFailed

	if _, err := services.ledger.Credit(ctx, "user1", decimal.RequireFromString("0.05"), "seed"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	_, err = services.custody.Withdraw(ctx, "user1", record.Address, dest.Address, decimal.RequireFromString("0.02"), 1)
	if !errors.Is(err, store.ErrBroadcastFailed) {
		t.Fatalf("Expected ErrBroadcastFailed, got %v", err)
	}

	account, err := services.ledger.GetAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if !account.Balance.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("Expected debit reversed back to 0.05, got %s", account.Balance)
	}
}

func TestPlaceBet_RequiresSession(t *testing.T) {
	services, cleanup := setupCustodyTest(t)
	defer cleanup()

	ctx := context.Background()
	err := services.custody.PlaceBet(ctx, "user1", decimal.RequireFromString("0.1"), "round-1")
	if !errors.Is(err, store.ErrNoActiveSession) {
		t.Fatalf("Expected ErrNoActiveSession, got %v", err)
	}
}

func TestPlaceBet_EnforcesTreasuryLimit(t *testing.T) {
	services, cleanup := setupCustodyTest(t)
	defer cleanup()

	ctx := context.Background()
	services.custody.StartGamblingSession("user1", 5)

	if _, err := services.treasury.Adjust(ctx, decimal.RequireFromString("1.0"), "seed"); err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}

	// Cap is 30% of the bankroll.
	err := services.custody.PlaceBet(ctx, "user1", decimal.RequireFromString("0.31"), "round-1")
	if !errors.Is(err, store.ErrBetLimitExceeded) {
		t.Fatalf("Expected ErrBetLimitExceeded, got %v", err)
	}

	account, err := services.ledger.GetAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if !account.Balance.IsZero() {
		t.Errorf("Rejected bet must not touch the ledger, balance %s", account.Balance)
	}
}

func TestPlaceBetAndSettleWin(t *testing.T) {
	services, cleanup := setupCustodyTest(t)
	defer cleanup()

	ctx := context.Background()
	services.custody.StartGamblingSession("user1", 5)

	if _, err := services.treasury.Adjust(ctx, decimal.RequireFromString("10.0"), "seed"); err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}
	if _, err := services.ledger.Credit(ctx, "user1", decimal.RequireFromString("1.0"), "seed"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	if err := services.custody.PlaceBet(ctx, "user1", decimal.RequireFromString("0.4"), "round-1"); err != nil {
		t.Fatalf("PlaceBet failed: %v", err)
	}

	account, err := services.ledger.GetAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if !account.Balance.Equal(decimal.RequireFromString("0.6")) {
		t.Errorf("Expected balance 0.6 after bet, got %s", account.Balance)
	}

	state, err := services.custody.Treasury(ctx)
	if err != nil {
		t.Fatalf("Treasury failed: %v", err)
	}
	if !state.Balance.Equal(decimal.RequireFromString("10.4")) {
		t.Errorf("Expected treasury 10.4 after stake collection, got %s", state.Balance)
	}

	if err := services.custody.SettleWin(ctx, "user1", decimal.RequireFromString("0.8"), "round-1"); err != nil {
		t.Fatalf("SettleWin failed: %v", err)
	}

	account, err = services.ledger.GetAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if !account.Balance.Equal(decimal.RequireFromString("1.4")) {
		t.Errorf("Expected balance 1.4 after win, got %s", account.Balance)
	}

	state, err = services.custody.Treasury(ctx)
	if err != nil {
		t.Fatalf("Treasury failed: %v", err)
	}
	if !state.Balance.Equal(decimal.RequireFromString("9.6")) {
		t.Errorf("Expected treasury 9.6 after payout, got %s", state.Balance)
	}
}

func TestPlaceBet_UnlocksCashout(t *testing.T) {
	services, cleanup := setupCustodyTest(t)
	defer cleanup()

	ctx := context.Background()
	services.custody.StartGamblingSession("user1", 5)

	if _, err := services.treasury.Adjust(ctx, decimal.RequireFromString("10.0"), "seed"); err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}
	event := models.DepositEvent{Address: "addr1", UserId: "user1", Amount: 50000000, NewBalance: 50000000}
	if err := services.custody.HandleDeposit(ctx, event); err != nil {
		t.Fatalf("HandleDeposit failed: %v", err)
	}

	eligible, err := services.custody.CanCashout(ctx, "user1")
	if err != nil {
		t.Fatalf("CanCashout failed: %v", err)
	}
	if eligible {
		t.Fatal("Expected cashout locked before wagering")
	}

	if err := services.custody.PlaceBet(ctx, "user1", decimal.RequireFromString("0.5"), "round-1"); err != nil {
		t.Fatalf("PlaceBet failed: %v", err)
	}

	eligible, err = services.custody.CanCashout(ctx, "user1")
	if err != nil {
		t.Fatalf("CanCashout failed: %v", err)
	}
	if !eligible {
		t.Error("Expected cashout unlocked once wagered matches deposited")
	}
}

func TestGenerateDepositAddress(t *testing.T) {
	services, cleanup := setupCustodyTest(t)
	defer cleanup()

	ctx := context.Background()
	record, err := services.custody.GenerateDepositAddress(ctx, "user1")
	if err != nil {
		t.Fatalf("GenerateDepositAddress failed: %v", err)
	}
	if record.Address == "" {
		t.Fatal("Expected a non-empty address")
	}

	account, err := services.custody.GetUserAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetUserAccount failed: %v", err)
	}
	if len(account.LinkedAddresses) != 1 || account.LinkedAddresses[0] != record.Address {
		t.Errorf("Expected linked address %s, got %v", record.Address, account.LinkedAddresses)
	}
}

func TestDepositFlow_EndToEnd(t *testing.T) {
	services, cleanup := setupCustodyTest(t)
	defer cleanup()

	ctx := context.Background()
	record, err := services.custody.GenerateDepositAddress(ctx, "user1")
	if err != nil {
		t.Fatalf("GenerateDepositAddress failed: %v", err)
	}

	// Take over polling from the background loop so the pass below observes
	// the deposit deterministically.
	services.monitor.Stop()
	services.gateway.setBalance(record.Address, store.BalanceResult{Sats: 30000000, Source: store.SourceConfirmed})

	events, err := services.custody.PollActiveDeposits(ctx)
	if err != nil {
		t.Fatalf("PollActiveDeposits failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 deposit event, got %d", len(events))
	}

	account, err := services.custody.GetUserAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetUserAccount failed: %v", err)
	}
	if !account.Balance.Equal(decimal.RequireFromString("0.3")) {
		t.Errorf("Expected balance 0.3 after detected deposit, got %s", account.Balance)
	}

	cached, err := services.keys.Get(ctx, record.Address)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cached.CachedBalance != 30000000 {
		t.Errorf("Expected cached balance 30000000, got %d", cached.CachedBalance)
	}
}

func TestRefreshAddressBalance(t *testing.T) {
	services, cleanup := setupCustodyTest(t)
	defer cleanup()

	ctx := context.Background()
	record, err := services.keys.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	services.gateway.setBalance(record.Address, store.BalanceResult{Sats: 75000, Source: store.SourceConfirmed})
	sats, err := services.custody.RefreshAddressBalance(ctx, record.Address)
	if err != nil {
		t.Fatalf("RefreshAddressBalance failed: %v", err)
	}
	if sats != 75000 {
		t.Errorf("Expected 75000 sats, got %d", sats)
	}

	// An explorer outage must not clobber the cached balance with zero.
	services.gateway.setBalance(record.Address, store.BalanceResult{Sats: 0, Source: store.SourceUnavailable})
	if _, err := services.custody.RefreshAddressBalance(ctx, record.Address); err == nil {
		t.Fatal("Expected error while explorers are unavailable")
	}

	cached, err := services.keys.Get(ctx, record.Address)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cached.CachedBalance != 75000 {
		t.Errorf("Expected cached balance preserved at 75000, got %d", cached.CachedBalance)
	}
}

func TestRefreshAddressBalance_UnknownAddress(t *testing.T) {
	services, cleanup := setupCustodyTest(t)
	defer cleanup()

	_, err := services.custody.RefreshAddressBalance(context.Background(), "nope")
	if !errors.Is(err, store.ErrAddressNotFound) {
		t.Fatalf("Expected ErrAddressNotFound, got %v", err)
	}
}
