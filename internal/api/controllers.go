package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"gatekeeper/internal/breaker"
	"gatekeeper/internal/engine"
	"gatekeeper/internal/order"
	"gatekeeper/internal/portfolio"
	"gatekeeper/internal/risk"
	"gatekeeper/internal/strategy"
)

type signalRequest struct {
	Symbol     string     `json:"symbol" binding:"required"`
	Direction  string     `json:"direction" binding:"required"`
	Confidence float64    `json:"confidence" binding:"gte=0,lte=1"`
	StopLoss   *float64   `json:"stop_loss"`
	TakeProfit *float64   `json:"take_profit"`
	Timestamp  *time.Time `json:"timestamp"`
	Source     string     `json:"source"`
}

type closeTradeRequest struct {
	Reason string `json:"reason"`
}

type listQuery struct {
	Limit int    `form:"limit"`
	Type  string `form:"type"`
}

func (q *listQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type breakerEventResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason,omitempty"`
	Value     float64   `json:"value,omitempty"`
	Limit     float64   `json:"limit,omitempty"`
	Equity    float64   `json:"equity"`
	Operator  string    `json:"operator,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type riskEventResponse struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": s.Engine.Status(c.Request.Context()),
		"meta":   s.Meta,
	})
}

func (s *Server) getPortfolio(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Status(c.Request.Context()).Portfolio)
}

func (s *Server) getBreaker(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Status(c.Request.Context()).Breaker)
}

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Settings())
}

func (s *Server) getTrades(c *gin.Context) {
	if s.History == nil {
		respondError(c, http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "trade history not available")
		return
	}
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	q.normalize()
	trades, err := s.History.RecentTrades(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if trades == nil {
		trades = []order.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getBreakerEvents(c *gin.Context) {
	if s.History == nil {
		respondError(c, http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "breaker history not available")
		return
	}
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	q.normalize()
	rows, err := s.History.RecentBreakerEvents(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]breakerEventResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, breakerEventResponse{
			ID:        r.ID,
			Kind:      r.Kind,
			Reason:    r.Reason,
			Value:     r.Value,
			Limit:     r.Limit,
			Equity:    r.Equity,
			Operator:  r.Operator,
			CreatedAt: r.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (s *Server) getRiskEvents(c *gin.Context) {
	if s.History == nil {
		respondError(c, http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "event history not available")
		return
	}
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	q.normalize()
	rows, err := s.History.RecentRiskEvents(c.Request.Context(), strings.TrimSpace(q.Type), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]riskEventResponse, 0, len(rows))
	for _, r := range rows {
		payload := json.RawMessage(r.Payload)
		if !json.Valid(payload) {
			payload = json.RawMessage("null")
		}
		out = append(out, riskEventResponse{ID: r.ID, Type: r.Type, Payload: payload, CreatedAt: r.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

// resetBreaker re-arms a tripped breaker. The operator is the token subject.
func (s *Server) resetBreaker(c *gin.Context) {
	operator := CurrentOperator(c)
	st, err := s.Engine.ResetBreaker(c.Request.Context(), operator)
	switch {
	case errors.Is(err, breaker.ErrNotTripped):
		respondError(c, http.StatusConflict, "NOT_TRIPPED", err.Error())
		return
	case errors.Is(err, breaker.ErrOperatorRequired):
		respondError(c, http.StatusUnauthorized, "OPERATOR_REQUIRED", err.Error())
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, "RESET_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"breaker": st, "reset_by": operator})
}

// submitSignal runs a signal through the engine. A gate rejection is a
// normal outcome and answers 200 with accepted=false.
func (s *Server) submitSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	dir, err := order.ParseDirection(req.Direction)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_DIRECTION", err.Error())
		return
	}
	sig := strategy.Signal{
		Symbol:              strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Direction:           dir,
		Confidence:          req.Confidence,
		SuggestedStopLoss:   req.StopLoss,
		SuggestedTakeProfit: req.TakeProfit,
		Timestamp:           time.Now().UTC(),
		Source:              req.Source,
	}
	if req.Timestamp != nil {
		sig.Timestamp = *req.Timestamp
	}
	if sig.Source == "" {
		sig.Source = "api:" + CurrentOperator(c)
	}

	out, err := s.Engine.HandleSignal(c.Request.Context(), sig)
	switch {
	case errors.Is(err, risk.ErrZeroSize), errors.Is(err, portfolio.ErrInsufficientBalance):
		respondError(c, http.StatusUnprocessableEntity, "NOT_EXECUTABLE", err.Error())
		return
	case err != nil:
		respondError(c, http.StatusBadGateway, "EXECUTION_FAILED", err.Error())
		return
	}

	status := http.StatusOK
	if out.Accepted() {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"accepted": out.Accepted(), "outcome": out})
}

func (s *Server) closeTrade(c *gin.Context) {
	var req closeTradeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = engine.CloseManual
	}

	t, err := s.Engine.CloseTrade(c.Request.Context(), c.Param("id"), reason)
	switch {
	case errors.Is(err, portfolio.ErrTradeNotFound):
		respondError(c, http.StatusNotFound, "TRADE_NOT_FOUND", err.Error())
		return
	case errors.Is(err, portfolio.ErrTradeClosed), errors.Is(err, portfolio.ErrTradeClosing):
		respondError(c, http.StatusConflict, "TRADE_NOT_OPEN", err.Error())
		return
	case err != nil:
		respondError(c, http.StatusBadGateway, "CLOSE_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}
