package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hed1ad/txguard/pkg/model"
	"github.com/hed1ad/txguard/pkg/transaction"
)

// amountInput accepts an amount as a JSON number or string.
type amountInput string

func (a *amountInput) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = amountInput(s)
		return nil
	}
	*a = amountInput(raw)
	return nil
}

type createTransactionRequest struct {
	OwnerID       int64       `json:"owner_id" binding:"required,gt=0"`
	Amount        amountInput `json:"amount" binding:"required"`
	PaymentMethod string      `json:"payment_method" binding:"required"`
}

func errorBody(err error) gin.H {
	return gin.H{"error": err.Error()}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) createTransaction(c *gin.Context) {
	var req createTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}

	amount, err := transaction.ParseAmount(string(req.Amount))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	method, err := transaction.ParseMethod(req.PaymentMethod)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "valid_methods": transaction.Methods()})
		return
	}

	tx, decision, err := s.deps.Admitter.Record(c.Request.Context(), transaction.Candidate{
		OwnerID: req.OwnerID,
		Amount:  amount,
		Method:  method,
	}, s.deps.Store)
	switch {
	case errors.Is(err, transaction.ErrInvalidAmount),
		errors.Is(err, transaction.ErrUnknownMethod),
		errors.Is(err, transaction.ErrInvalidOwner):
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	case err != nil:
		s.logger.Error("failed to record transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record transaction"})
		return
	}

	if !decision.Accepted {
		body := gin.H{
			"error":       decision.Reason,
			"age_seconds": decision.Age.Seconds(),
		}
		if decision.Conflict != nil {
			body["conflict_id"] = decision.Conflict.ID
		}
		c.JSON(http.StatusConflict, body)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

func (s *Server) listTransactions(c *gin.Context) {
	owner, err := strconv.ParseInt(c.Query("owner_id"), 10, 64)
	if err != nil || owner <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner_id must be a positive integer"})
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
	}

	txs, err := s.deps.Store.ByOwner(c.Request.Context(), owner, limit)
	if err != nil {
		s.logger.Error("failed to list transactions", zap.Int64("owner_id", owner), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list transactions"})
		return
	}
	if txs == nil {
		txs = []transaction.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (s *Server) startMonitoring(c *gin.Context) {
	st, started := s.deps.Monitor.Start(s.base, s.deps.Feed.Push)
	c.JSON(http.StatusOK, gin.H{"started": started, "status": st})
}

func (s *Server) stopMonitoring(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": s.deps.Monitor.Stop()})
}

func (s *Server) monitoringStatus(c *gin.Context) {
	body := gin.H{"status": s.deps.Monitor.Status()}
	if s.deps.Trainer != nil {
		body["model"] = s.deps.Trainer.Info()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) monitoredTransactions(c *gin.Context) {
	var after int64
	if v := c.Query("after"); v != "" {
		var err error
		if after, err = strconv.ParseInt(v, 10, 64); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be an integer"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"events": s.deps.Feed.Since(after)})
}

func (s *Server) listAlerts(c *gin.Context) {
	if s.deps.Alerts == nil {
		c.JSON(http.StatusOK, gin.H{"alerts": []any{}})
		return
	}
	records, err := s.deps.Alerts.Records(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to read alert journal", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read alerts"})
		return
	}
	if records == nil {
		c.JSON(http.StatusOK, gin.H{"alerts": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": records})
}

func (s *Server) trainModel(c *gin.Context) {
	if s.deps.Trainer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model training unavailable"})
		return
	}
	err := s.deps.Trainer.Retrain(c.Request.Context())
	switch {
	case errors.Is(err, model.ErrInsufficientHistory):
		c.JSON(http.StatusUnprocessableEntity, errorBody(err))
		return
	case err != nil:
		s.logger.Error("model training failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "model training failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": s.deps.Trainer.Info()})
}
