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
	"flag"
	"fmt"

	"casino-custody-go/internal/common"
	"casino-custody-go/internal/config"
	"casino-custody-go/internal/database"
	"casino-custody-go/internal/ledger"
	"casino-custody-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type balanceStats struct {
	totalUsers   int
	withBalance  int
	totalBalance decimal.Decimal
}

func printAccount(account models.UserAccount, isLast bool) {
	symbol := common.BoxPrefix(isLast)
	fmt.Printf("%s %-24s %18s (deposited: %s, withdrawn: %s, v%d, updated: %s)\n",
		symbol,
		account.UserId,
		account.Balance.StringFixed(8),
		account.TotalDeposited.StringFixed(8),
		account.TotalWithdrawn.StringFixed(8),
		account.Version,
		account.UpdatedAt.Format("2006-01-02 15:04:05"))
}

func printAccounts(accounts []models.UserAccount) balanceStats {
	stats := balanceStats{totalBalance: decimal.Zero}
	for i, account := range accounts {
		stats.totalUsers++
		stats.totalBalance = stats.totalBalance.Add(account.Balance)
		if account.Balance.IsPositive() {
			stats.withBalance++
		}
		printAccount(account, i == len(accounts)-1)
	}
	return stats
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	userFlag := flag.String("user", "", "Show a single user's account (optional)")
	flag.Parse()

	logger.Info("Starting balance query")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Connecting to database", zap.String("path", cfg.Database.Path))
	db, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer database.Close(db)

	ledgerSvc := ledger.NewService(db)
	if err := ledgerSvc.InitSchema(); err != nil {
		logger.Fatal("Failed to initialize ledger schema", zap.Error(err))
	}

	var accounts []models.UserAccount
	if *userFlag != "" {
		account, err := ledgerSvc.GetAccount(ctx, *userFlag)
		if err != nil {
			logger.Fatal("Failed to get account", zap.Error(err))
		}
		accounts = []models.UserAccount{*account}
	} else {
		accounts, err = ledgerSvc.ListAccounts(ctx)
		if err != nil {
			logger.Fatal("Failed to list accounts", zap.Error(err))
		}
	}

	common.PrintHeader("USER BALANCE REPORT", common.DefaultWidth)

	stats := printAccounts(accounts)

	summary := fmt.Sprintf("SUMMARY: %d accounts, %d with funds, %s coins held total",
		stats.totalUsers, stats.withBalance, stats.totalBalance.StringFixed(8))
	common.PrintFooter(summary, common.DefaultWidth)

	logger.Info("Balance query completed",
		zap.Int("accounts", stats.totalUsers),
		zap.Int("with_balance", stats.withBalance),
		zap.String("total", stats.totalBalance.String()))
}
