package treasury

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"casino-custody-go/internal/models"
	"casino-custody-go/internal/store"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

func setupTreasuryTestDB(t *testing.T) (*Service, func()) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	service := NewService(db)
	if err := service.InitSchema(); err != nil {
		t.Fatalf("Failed to create treasury schema: %v", err)
	}

	cleanup := func() {
		db.Close()
	}

	return service, cleanup
}

func TestInitialState(t *testing.T) {
	service, cleanup := setupTreasuryTestDB(t)
	defer cleanup()

	state, err := service.State(context.Background())
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if !state.Balance.Equal(decimal.Zero) {
		t.Errorf("Expected zero initial balance, got %s", state.Balance.String())
	}
}

func TestRecordHouseWinAndPayout(t *testing.T) {
	service, cleanup := setupTreasuryTestDB(t)
	defer cleanup()

	ctx := context.Background()

	state, err := service.RecordHouseWin(ctx, decimal.NewFromFloat(2.0), "bet-1")
	if err != nil {
		t.Fatalf("RecordHouseWin failed: %v", err)
	}
	if !state.Balance.Equal(decimal.NewFromFloat(2.0)) {
		t.Errorf("Expected balance 2.0, got %s", state.Balance.String())
	}

	state, err = service.RecordPayout(ctx, decimal.NewFromFloat(0.5), "win-1")
	if err != nil {
		t.Fatalf("RecordPayout failed: %v", err)
	}
	if !state.Balance.Equal(decimal.NewFromFloat(1.5)) {
		t.Errorf("Expected balance 1.5, got %s", state.Balance.String())
	}
	if !state.TotalCollected.Equal(decimal.NewFromFloat(2.0)) {
		t.Errorf("Expected total collected 2.0, got %s", state.TotalCollected.String())
	}
	if !state.TotalPaidOut.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("Expected total paid out 0.5, got %s", state.TotalPaidOut.String())
	}

	// Invariant: balance = collected - paid out (no adjustments applied).
	if !state.Balance.Equal(state.TotalCollected.Sub(state.TotalPaidOut)) {
		t.Error("Balance must equal collected minus paid out")
	}
}

func TestAdjust(t *testing.T) {
	service, cleanup := setupTreasuryTestDB(t)
	defer cleanup()

	ctx := context.Background()

	state, err := service.Adjust(ctx, decimal.NewFromFloat(10.0), "initial bankroll")
	if err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}
	if !state.Balance.Equal(decimal.NewFromFloat(10.0)) {
		t.Errorf("Expected balance 10.0, got %s", state.Balance.String())
	}

	// Signed corrections go both ways.
	state, err = service.Adjust(ctx, decimal.NewFromFloat(-3.0), "correction")
	if err != nil {
		t.Fatalf("Negative adjust failed: %v", err)
	}
	if !state.Balance.Equal(decimal.NewFromFloat(7.0)) {
		t.Errorf("Expected balance 7.0, got %s", state.Balance.String())
	}
}

func TestMaxBetLimit(t *testing.T) {
	service, cleanup := setupTreasuryTestDB(t)
	defer cleanup()

	ctx := context.Background()

	if _, err := service.Adjust(ctx, decimal.NewFromFloat(10.0), "bankroll"); err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}

	limit, err := service.MaxBetLimit(ctx)
	if err != nil {
		t.Fatalf("MaxBetLimit failed: %v", err)
	}
	if !limit.Equal(decimal.NewFromFloat(3.0)) {
		t.Errorf("Expected max bet 3.0 for bankroll 10.0, got %s", limit.String())
	}

	// Limit moves with the bankroll.
	if _, err := service.RecordPayout(ctx, decimal.NewFromFloat(5.0), "payout"); err != nil {
		t.Fatalf("RecordPayout failed: %v", err)
	}
	limit, err = service.MaxBetLimit(ctx)
	if err != nil {
		t.Fatalf("MaxBetLimit failed: %v", err)
	}
	if !limit.Equal(decimal.NewFromFloat(1.5)) {
		t.Errorf("Expected max bet 1.5 for bankroll 5.0, got %s", limit.String())
	}
}

func TestCheckBet(t *testing.T) {
	service, cleanup := setupTreasuryTestDB(t)
	defer cleanup()

	ctx := context.Background()

	if _, err := service.Adjust(ctx, decimal.NewFromFloat(10.0), "bankroll"); err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}

	if err := service.CheckBet(ctx, decimal.NewFromFloat(3.0)); err != nil {
		t.Errorf("Bet at exactly the limit must pass, got %v", err)
	}
	if err := service.CheckBet(ctx, decimal.NewFromFloat(3.01)); !errors.Is(err, store.ErrBetLimitExceeded) {
		t.Errorf("Expected ErrBetLimitExceeded above the limit, got %v", err)
	}
}

func TestCheckBet_EmptyBankroll(t *testing.T) {
	service, cleanup := setupTreasuryTestDB(t)
	defer cleanup()

	err := service.CheckBet(context.Background(), decimal.NewFromFloat(0.01))
	if !errors.Is(err, store.ErrBetLimitExceeded) {
		t.Fatalf("Any bet against an empty bankroll must be rejected, got %v", err)
	}
}

func TestMutate_RejectsNonPositive(t *testing.T) {
	service, cleanup := setupTreasuryTestDB(t)
	defer cleanup()

	ctx := context.Background()

	if _, err := service.RecordHouseWin(ctx, decimal.Zero, "x"); err == nil {
		t.Error("Zero house win must be rejected")
	}
	if _, err := service.RecordPayout(ctx, decimal.NewFromFloat(-1), "x"); err == nil {
		t.Error("Negative payout must be rejected")
	}
}

func TestEntries(t *testing.T) {
	service, cleanup := setupTreasuryTestDB(t)
	defer cleanup()

	ctx := context.Background()

	if _, err := service.RecordHouseWin(ctx, decimal.NewFromFloat(1.0), "bet-1"); err != nil {
		t.Fatalf("RecordHouseWin failed: %v", err)
	}
	if _, err := service.RecordPayout(ctx, decimal.NewFromFloat(0.2), "win-1"); err != nil {
		t.Fatalf("RecordPayout failed: %v", err)
	}

	entries, err := service.Entries(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].EntryType != models.TreasuryPayout {
		t.Errorf("Expected most recent entry first, got %q", entries[0].EntryType)
	}
}
