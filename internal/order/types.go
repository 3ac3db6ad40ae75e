package order

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Direction is the position bias of a signal or trade.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// ParseDirection accepts LONG/SHORT and the BUY/SELL aliases.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return Long, nil
	case "SHORT", "SELL":
		return Short, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

func (d Direction) Valid() bool { return d == Long || d == Short }

// EntrySide is the order side that opens a position in this direction.
func (d Direction) EntrySide() Side {
	if d == Short {
		return Sell
	}
	return Buy
}

// ExitSide is the order side that closes a position in this direction.
func (d Direction) ExitSide() Side {
	if d == Short {
		return Buy
	}
	return Sell
}

// Side is an order side.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Adverse returns +1 when a higher price hurts this side and -1 otherwise.
func (s Side) Adverse() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// Status of a trade.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// Trade is a position opened by the engine. Once closed only RealizedPnL may change.
type Trade struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Direction     Direction `json:"direction"`
	EntryPrice    float64   `json:"entry_price"`
	Quantity      float64   `json:"quantity"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	Margin        float64   `json:"margin"`
	EntryFee      float64   `json:"entry_fee"`
	SignalTime    time.Time `json:"signal_timestamp"`
	ExecutionTime time.Time `json:"execution_timestamp"`
	Status        Status    `json:"status"`

	ExitPrice   float64    `json:"exit_price,omitempty"`
	ExitFee     float64    `json:"exit_fee,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
	RealizedPnL float64    `json:"realized_pnl"`
}

// Notional is quantity * entry price.
func (t Trade) Notional() float64 {
	return t.Quantity * t.EntryPrice
}

// StopDistancePct is the distance from entry to stop-loss in percent; 0 when unset.
func (t Trade) StopDistancePct() float64 {
	if t.StopLoss <= 0 || t.EntryPrice <= 0 {
		return 0
	}
	return math.Abs(t.EntryPrice-t.StopLoss) / t.EntryPrice * 100
}

// UnrealizedPnL marks the trade at price, before fees.
func (t Trade) UnrealizedPnL(price float64) float64 {
	return CalculatePnL(t.Direction, t.Quantity, t.EntryPrice, price, 0)
}

// CalculatePnL computes realized PnL for flattening a position, net of fee.
func CalculatePnL(dir Direction, qty, entry, exit, fee float64) float64 {
	q := math.Abs(qty)
	if q == 0 {
		return -fee
	}
	var pnl float64
	if dir == Short {
		pnl = (entry - exit) * q
	} else {
		pnl = (exit - entry) * q
	}
	return pnl - fee
}
