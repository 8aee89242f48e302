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
	"errors"
	"net/http"
	"strconv"

	"casino-custody-go/internal/models"
	"casino-custody-go/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// writeError maps typed domain errors onto HTTP statuses. Anything unmapped
// is a 500 with the detail kept out of the response body.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrAddressNotFound),
		errors.Is(err, store.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNoFunds),
		errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, store.ErrInsufficientBalance):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrInvalidCredential):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrDuplicateTransaction),
		errors.Is(err, store.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrBetLimitExceeded),
		errors.Is(err, store.ErrCashoutLocked),
		errors.Is(err, store.ErrNoActiveSession):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrBroadcastFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		zap.L().Error("Unhandled API error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseAmount(c *gin.Context, raw string) (decimal.Decimal, bool) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return decimal.Zero, false
	}
	if !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return decimal.Zero, false
	}
	return amount, true
}

func addressResponse(rec models.AddressRecord) gin.H {
	resp := gin.H{
		"address":        rec.Address,
		"cached_balance": rec.CachedBalance,
		"created_at":     rec.CreatedAt,
	}
	if rec.LastCheckedAt != nil {
		resp["last_checked_at"] = rec.LastCheckedAt
	}
	if rec.LastWithdrawal != nil {
		resp["last_withdrawal"] = gin.H{
			"amount": rec.LastWithdrawal.Amount,
			"to":     rec.LastWithdrawal.Destination,
			"txid":   rec.LastWithdrawal.TxId,
			"at":     rec.LastWithdrawal.At,
		}
	}
	return resp
}

type depositAddressRequest struct {
	UserId string `json:"user_id" binding:"required"`
}

func (s *Server) generateDepositAddress(c *gin.Context) {
	var req depositAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := s.custody.GenerateDepositAddress(c.Request.Context(), req.UserId)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, addressResponse(*rec))
}

type registerDepositRequest struct {
	UserId  string `json:"user_id" binding:"required"`
	Address string `json:"address" binding:"required"`
}

func (s *Server) registerActiveDeposit(c *gin.Context) {
	var req registerDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.custody.RegisterActiveDeposit(c.Request.Context(), req.UserId, req.Address); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "watching", "address": req.Address})
}

type withdrawRequest struct {
	UserId         string `json:"user_id" binding:"required"`
	FromAddress    string `json:"from_address" binding:"required"`
	ToAddress      string `json:"to_address" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	FeeRatePerByte int64  `json:"fee_rate_per_byte" binding:"required"`
}

func (s *Server) withdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}

	txId, err := s.custody.Withdraw(c.Request.Context(), req.UserId, req.FromAddress, req.ToAddress, amount, req.FeeRatePerByte)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"txid": txId})
}

func (s *Server) listAddresses(c *gin.Context) {
	records, err := s.custody.ListAddresses(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]gin.H, 0, len(records))
	for _, rec := range records {
		out = append(out, addressResponse(rec))
	}
	c.JSON(http.StatusOK, gin.H{"addresses": out, "count": len(out)})
}

func (s *Server) refreshAddressBalance(c *gin.Context) {
	address := c.Param("address")

	sats, err := s.custody.RefreshAddressBalance(c.Request.Context(), address)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"address": address, "balance": sats})
}

func (s *Server) getAccount(c *gin.Context) {
	account, err := s.custody.GetUserAccount(c.Request.Context(), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":          account.UserId,
		"balance":          account.Balance.String(),
		"total_deposited":  account.TotalDeposited.String(),
		"total_withdrawn":  account.TotalWithdrawn.String(),
		"linked_addresses": account.LinkedAddresses,
		"updated_at":       account.UpdatedAt,
	})
}

func (s *Server) getHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	entries, err := s.custody.GetHistory(c.Request.Context(), c.Param("userId"), c.Query("type"), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"id":             e.Id,
			"entry_type":     e.EntryType,
			"amount":         e.Amount.String(),
			"balance_before": e.BalanceBefore.String(),
			"balance_after":  e.BalanceAfter.String(),
			"address":        e.Address,
			"external_txid":  e.ExternalTxId,
			"reference":      e.Reference,
			"created_at":     e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": out, "count": len(out)})
}

type transferRequest struct {
	ToUserId string `json:"to_user_id" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
}

func (s *Server) transfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}

	if err := s.custody.TransferBalance(c.Request.Context(), c.Param("userId"), req.ToUserId, amount); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "transferred"})
}

func (s *Server) cashoutEligibility(c *gin.Context) {
	eligible, err := s.custody.CanCashout(c.Request.Context(), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"can_cashout": eligible})
}

type passwordRequest struct {
	Password string `json:"password" binding:"required"`
}

func (s *Server) setPassword(c *gin.Context) {
	var req passwordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	recoveryKey, err := s.custody.SetPassword(c.Request.Context(), c.Param("userId"), req.Password)
	if err != nil {
		writeError(c, err)
		return
	}

	// The recovery key is shown exactly once, on rotation.
	c.JSON(http.StatusOK, gin.H{"recovery_key": recoveryKey})
}

func (s *Server) verifyPassword(c *gin.Context) {
	var req passwordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.custody.VerifyPassword(c.Request.Context(), c.Param("userId"), req.Password); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "verified"})
}

type recoveryResetRequest struct {
	Password    string `json:"password" binding:"required"`
	RecoveryKey string `json:"recovery_key" binding:"required"`
}

func (s *Server) resetRecoveryKey(c *gin.Context) {
	var req recoveryResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	newKey, err := s.custody.ResetRecoveryKey(c.Request.Context(), c.Param("userId"), req.Password, req.RecoveryKey)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"recovery_key": newKey})
}

type sessionRequest struct {
	Minutes int `json:"minutes" binding:"required"`
}

func (s *Server) startSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Minutes <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "minutes must be positive"})
		return
	}

	expiresAt := s.custody.StartGamblingSession(c.Param("userId"), req.Minutes)
	c.JSON(http.StatusOK, gin.H{"expires_at": expiresAt})
}

type betRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

func (s *Server) placeBet(c *gin.Context) {
	var req betRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}

	if err := s.custody.PlaceBet(c.Request.Context(), c.Param("userId"), amount, req.Reference); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "placed"})
}

func (s *Server) settleWin(c *gin.Context) {
	var req betRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}

	if err := s.custody.SettleWin(c.Request.Context(), c.Param("userId"), amount, req.Reference); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "settled"})
}

func (s *Server) maxBet(c *gin.Context) {
	limit, err := s.custody.MaxBetLimit(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"max_bet": limit.String()})
}

func (s *Server) treasury(c *gin.Context) {
	state, err := s.custody.Treasury(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":         state.Balance.String(),
		"total_collected": state.TotalCollected.String(),
		"total_paid_out":  state.TotalPaidOut.String(),
		"updated_at":      state.UpdatedAt,
	})
}

func (s *Server) leaderboard(c *gin.Context) {
	metric := models.LeaderboardMetric(c.DefaultQuery("metric", string(models.MetricBalance)))
	switch metric {
	case models.MetricBalance, models.MetricDeposited, models.MetricWithdrawn:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid metric"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	rows, err := s.custody.GetLeaderboard(c.Request.Context(), metric, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]gin.H, 0, len(rows))
	for i, row := range rows {
		out = append(out, gin.H{
			"rank":    i + 1,
			"user_id": row.UserId,
			"value":   row.Value.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"metric": string(metric), "rows": out})
}
