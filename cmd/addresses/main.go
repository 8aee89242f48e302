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
	"casino-custody-go/internal/keystore"
	"casino-custody-go/internal/models"

	"go.uber.org/zap"
)

type reportStats struct {
	totalAddresses int
	totalSats      int64
	withBalance    int
}

func printAddress(rec models.AddressRecord, isLast bool) {
	symbol := common.BoxPrefix(isLast)
	fmt.Printf("%s %-36s %16s coins\n", symbol, rec.Address, common.FormatSats(rec.CachedBalance))

	detailSymbol := common.BoxDetailPrefix(isLast)
	if rec.LastCheckedAt != nil {
		fmt.Printf("%s   Last checked: %s\n", detailSymbol, rec.LastCheckedAt.Format("2006-01-02 15:04:05"))
	}
	if rec.LastWithdrawal != nil {
		fmt.Printf("%s   Last withdrawal: %s coins → %s (tx: %s)\n",
			detailSymbol,
			common.FormatSats(rec.LastWithdrawal.Amount),
			rec.LastWithdrawal.Destination,
			common.TruncateId(rec.LastWithdrawal.TxId))
	}
}

func printAddresses(records []models.AddressRecord) reportStats {
	stats := reportStats{}
	for i, rec := range records {
		stats.totalAddresses++
		stats.totalSats += rec.CachedBalance
		if rec.CachedBalance > 0 {
			stats.withBalance++
		}
		printAddress(rec, i == len(records)-1)
	}
	return stats
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	generate := flag.Bool("generate", false, "Generate a new hot-wallet address before listing")
	flag.Parse()

	logger.Info("Starting address query")

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

	keys := keystore.NewService(db, nil)
	if err := keys.InitSchema(); err != nil {
		logger.Fatal("Failed to initialize wallet schema", zap.Error(err))
	}

	if *generate {
		rec, err := keys.Generate(ctx)
		if err != nil {
			logger.Fatal("Failed to generate address", zap.Error(err))
		}
		logger.Info("Generated new address", zap.String("address", rec.Address))
	}

	records, err := keys.List(ctx)
	if err != nil {
		logger.Fatal("Failed to list addresses", zap.Error(err))
	}

	common.PrintHeader("HOT WALLET ADDRESSES", common.WideWidth)

	stats := printAddresses(records)

	summary := fmt.Sprintf("SUMMARY: %d addresses, %d with funds, %s coins cached total",
		stats.totalAddresses, stats.withBalance, common.FormatSats(stats.totalSats))
	common.PrintFooter(summary, common.WideWidth)

	logger.Info("Address query completed",
		zap.Int("addresses", stats.totalAddresses),
		zap.Int("with_balance", stats.withBalance),
		zap.Int64("cached_sats", stats.totalSats))
}
