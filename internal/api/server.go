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

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"casino-custody-go/internal/custody"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server exposes the custody facade over HTTP.
type Server struct {
	custody *custody.Service
	addr    string
}

func NewServer(custodySvc *custody.Service, addr string) *Server {
	return &Server{custody: custodySvc, addr: addr}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")
	{
		wallet := v1.Group("/wallet")
		{
			wallet.POST("/deposit-address", s.generateDepositAddress)
			wallet.POST("/deposits/register", s.registerActiveDeposit)
			wallet.POST("/withdrawals", s.withdraw)
			wallet.GET("/addresses", s.listAddresses)
			wallet.POST("/addresses/:address/refresh", s.refreshAddressBalance)
		}

		accounts := v1.Group("/accounts")
		{
			accounts.GET("/:userId", s.getAccount)
			accounts.GET("/:userId/history", s.getHistory)
			accounts.POST("/:userId/transfers", s.transfer)
			accounts.GET("/:userId/cashout-eligibility", s.cashoutEligibility)
		}

		security := v1.Group("/security")
		{
			security.POST("/:userId/password", s.setPassword)
			security.POST("/:userId/password/verify", s.verifyPassword)
			security.POST("/:userId/recovery-key/reset", s.resetRecoveryKey)
			security.POST("/:userId/session", s.startSession)
		}

		gaming := v1.Group("/gaming")
		{
			gaming.POST("/:userId/bets", s.placeBet)
			gaming.POST("/:userId/wins", s.settleWin)
			gaming.GET("/max-bet", s.maxBet)
		}

		v1.GET("/treasury", s.treasury)
		v1.GET("/leaderboard", s.leaderboard)
	}

	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}

	errChan := make(chan error, 1)
	go func() {
		zap.L().Info("HTTP server listening", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
