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
	"os"
	"os/signal"
	"syscall"

	"casino-custody-go/internal/api"
	"casino-custody-go/internal/common"
	"casino-custody-go/internal/config"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	releaseMode := flag.Bool("release", false, "Run the HTTP server in release mode")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting custody daemon")

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	services.Security.StartJanitor(ctx, cfg.Monitor.SweepInterval)

	// Resume polling for deposits that were in flight before a restart.
	services.Monitor.EnsureRunning(ctx)

	if *releaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	server := api.NewServer(services.Custody, cfg.Server.Addr)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		zap.L().Info("Shutdown signal received, stopping...")
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		zap.L().Fatal("HTTP server failed", zap.Error(err))
	}

	zap.L().Info("Custody daemon stopped")
}
