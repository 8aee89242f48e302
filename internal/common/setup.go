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

package common

import (
	"context"
	"database/sql"
	"log"
	"strings"

	"casino-custody-go/internal/builder"
	"casino-custody-go/internal/custody"
	"casino-custody-go/internal/database"
	"casino-custody-go/internal/explorer"
	"casino-custody-go/internal/keystore"
	"casino-custody-go/internal/ledger"
	"casino-custody-go/internal/models"
	"casino-custody-go/internal/monitor"
	"casino-custody-go/internal/security"
	"casino-custody-go/internal/treasury"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
	}
}

// Services aggregates every constructed component for the binaries.
type Services struct {
	DB       *sql.DB
	Gateway  *explorer.Service
	Keys     *keystore.Service
	Builder  *builder.Service
	Monitor  *monitor.Service
	Ledger   *ledger.Service
	Security *security.Service
	Treasury *treasury.Service
	Custody  *custody.Service
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// Syncing stdout/stderr on Linux returns EINVAL; not a real failure.
func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") ||
		strings.Contains(msg, "inappropriate ioctl for device") ||
		strings.Contains(msg, "bad file descriptor")
}

// InitializeDatabaseOnly opens the database for read-only tooling that does
// not need the chain gateway. Callers close it with database.Close.
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*sql.DB, error) {
	return database.Open(ctx, cfg.Database)
}

// InitializeServices opens the database, builds every component and wires the
// deposit event handler. The returned Services must be closed by the caller.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	endpoints, err := explorer.LoadEndpoints(cfg.Explorer.EndpointsFile)
	if err != nil {
		database.Close(db)
		return nil, err
	}

	gateway, err := explorer.NewService(explorer.Config{
		Endpoints:          endpoints,
		RequestTimeout:     cfg.Explorer.RequestTimeout,
		MinRequestInterval: cfg.Explorer.MinRequestInterval,
	})
	if err != nil {
		database.Close(db)
		return nil, err
	}

	params := &chaincfg.MainNetParams

	keys := keystore.NewService(db, params)
	ledgerSvc := ledger.NewService(db)
	securitySvc := security.NewService(db)
	treasurySvc := treasury.NewService(db)
	builderSvc := builder.NewService(keys, gateway, params)

	monitorSvc := monitor.NewService(monitor.Config{
		DB:              db,
		Gateway:         gateway,
		Keys:            keys,
		PollingInterval: cfg.Monitor.PollingInterval,
	})

	for _, initSchema := range []func() error{
		keys.InitSchema,
		ledgerSvc.InitSchema,
		securitySvc.InitSchema,
		treasurySvc.InitSchema,
		monitorSvc.InitSchema,
	} {
		if err := initSchema(); err != nil {
			database.Close(db)
			return nil, err
		}
	}

	custodySvc := custody.NewService(custody.Config{
		RunCtx:   ctx,
		Gateway:  gateway,
		Keys:     keys,
		Builder:  builderSvc,
		Monitor:  monitorSvc,
		Ledger:   ledgerSvc,
		Security: securitySvc,
		Treasury: treasurySvc,
	})
	monitorSvc.SetHandler(custodySvc.HandleDeposit)

	zap.L().Info("Services initialized")

	return &Services{
		DB:       db,
		Gateway:  gateway,
		Keys:     keys,
		Builder:  builderSvc,
		Monitor:  monitorSvc,
		Ledger:   ledgerSvc,
		Security: securitySvc,
		Treasury: treasurySvc,
		Custody:  custodySvc,
	}, nil
}

// Close stops background loops and closes the database.
func (s *Services) Close() {
	s.Custody.Stop()
	database.Close(s.DB)
}
