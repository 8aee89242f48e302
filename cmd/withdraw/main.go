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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"casino-custody-go/internal/common"
	"casino-custody-go/internal/config"
	"casino-custody-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type withdrawalRequest struct {
	userId      string
	fromAddress string
	destination string
	amount      decimal.Decimal
	feeRate     int64
}

func parseAndValidateFlags() (*withdrawalRequest, error) {
	userFlag := flag.String("user", "", "User id (required)")
	fromFlag := flag.String("from", "", "Source hot-wallet address (required)")
	destinationFlag := flag.String("destination", "", "Destination address (required)")
	amountFlag := flag.String("amount", "", "Amount in coins to withdraw (required)")
	feeRateFlag := flag.Int64("feerate", 2, "Fee rate in satoshis per byte")
	flag.Parse()

	if *userFlag == "" || *fromFlag == "" || *destinationFlag == "" || *amountFlag == "" {
		return nil, fmt.Errorf("all flags are required: --user, --from, --destination, --amount")
	}

	amount, err := decimal.NewFromString(*amountFlag)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("amount must be greater than zero")
	}

	if *feeRateFlag <= 0 {
		return nil, fmt.Errorf("fee rate must be greater than zero")
	}

	return &withdrawalRequest{
		userId:      *userFlag,
		fromAddress: *fromFlag,
		destination: *destinationFlag,
		amount:      amount,
		feeRate:     *feeRateFlag,
	}, nil
}

func printWithdrawalSummary(req *withdrawalRequest, currentBalance decimal.Decimal) {
	common.PrintHeader("WITHDRAWAL REQUEST", common.DefaultWidth)
	fmt.Printf("User:              %s\n", req.userId)
	fmt.Printf("Current Balance:   %s coins\n", currentBalance.StringFixed(8))
	fmt.Printf("Withdrawal Amount: %s coins\n", req.amount.StringFixed(8))
	fmt.Printf("Remaining Balance: %s coins\n", currentBalance.Sub(req.amount).StringFixed(8))
	fmt.Printf("Source Address:    %s\n", req.fromAddress)
	fmt.Printf("Destination:       %s\n", req.destination)
	fmt.Printf("Fee Rate:          %d sat/byte\n", req.feeRate)
	common.PrintSeparator("=", common.DefaultWidth)
	fmt.Println()
}

func explainFailure(err error) string {
	switch {
	case errors.Is(err, store.ErrCashoutLocked):
		return "Cash-out locked: the user has not wagered their deposited amount yet"
	case errors.Is(err, store.ErrInsufficientBalance):
		return "Insufficient ledger balance for this withdrawal"
	case errors.Is(err, store.ErrNoFunds):
		return "Source address has no unspent outputs"
	case errors.Is(err, store.ErrInsufficientFunds):
		return "Source address cannot cover amount plus network fee"
	case errors.Is(err, store.ErrBroadcastFailed):
		return "Both explorers rejected the transaction (ledger balance restored)"
	default:
		return "Withdrawal failed"
	}
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	req, err := parseAndValidateFlags()
	if err != nil {
		zap.L().Fatal("Invalid flags", zap.Error(err))
	}

	zap.L().Info("Starting withdrawal process",
		zap.String("user_id", req.userId),
		zap.String("from", req.fromAddress),
		zap.String("amount", req.amount.String()),
		zap.String("destination", req.destination))

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	zap.L().Info("Initializing services")
	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	account, err := services.Ledger.GetAccount(ctx, req.userId)
	if err != nil {
		zap.L().Fatal("Failed to get account", zap.String("user_id", req.userId), zap.Error(err))
	}

	if account.Balance.LessThan(req.amount) {
		common.PrintHeader("WITHDRAWAL FAILED", common.DefaultWidth)
		fmt.Printf("User:             %s\n", req.userId)
		fmt.Printf("Balance:          %s coins\n", account.Balance.StringFixed(8))
		fmt.Printf("Requested Amount: %s coins\n", req.amount.StringFixed(8))
		fmt.Printf("Shortfall:        %s coins\n", req.amount.Sub(account.Balance).StringFixed(8))
		common.PrintSeparator("=", common.DefaultWidth)
		zap.L().Fatal("Insufficient balance",
			zap.String("balance", account.Balance.String()),
			zap.String("requested", req.amount.String()))
	}

	printWithdrawalSummary(req, account.Balance)

	fmt.Println("Building and broadcasting transaction...")
	txId, err := services.Custody.Withdraw(ctx, req.userId, req.fromAddress, req.destination, req.amount, req.feeRate)
	if err != nil {
		common.PrintHeader("WITHDRAWAL FAILED", common.DefaultWidth)
		fmt.Println(explainFailure(err))
		common.PrintSeparator("=", common.DefaultWidth)
		zap.L().Fatal("Withdrawal failed", zap.Error(err))
	}

	fmt.Println("Withdrawal broadcast successfully!")
	fmt.Printf("   Transaction ID: %s\n", txId)
	fmt.Printf("   Amount:         %s coins\n", req.amount.StringFixed(8))
	fmt.Printf("   Destination:    %s\n\n", req.destination)

	zap.L().Info("Withdrawal completed successfully",
		zap.String("user_id", req.userId),
		zap.String("txid", txId),
		zap.String("amount", req.amount.String()))
}
