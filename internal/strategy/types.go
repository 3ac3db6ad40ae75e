package strategy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gatekeeper/internal/order"
)

// ErrInvalidSignal is returned by Validate.
var ErrInvalidSignal = errors.New("invalid signal")

// Signal is a directional decision produced by an external strategy.
// Suggested levels are absolute prices; nil means "use the configured default".
type Signal struct {
	Symbol              string          `json:"symbol"`
	Direction           order.Direction `json:"direction"`
	Confidence          float64         `json:"confidence"`
	SuggestedStopLoss   *float64        `json:"suggested_stop_loss,omitempty"`
	SuggestedTakeProfit *float64        `json:"suggested_take_profit,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
	Source              string          `json:"source,omitempty"`
}

// Validate checks the shape of the signal. Staleness is a risk decision and is not checked here.
func (s Signal) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidSignal)
	}
	if !s.Direction.Valid() {
		return fmt.Errorf("%w: direction %q", ErrInvalidSignal, s.Direction)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrInvalidSignal, s.Confidence)
	}
	if s.SuggestedStopLoss != nil && *s.SuggestedStopLoss <= 0 {
		return fmt.Errorf("%w: stop loss must be positive", ErrInvalidSignal)
	}
	if s.SuggestedTakeProfit != nil && *s.SuggestedTakeProfit <= 0 {
		return fmt.Errorf("%w: take profit must be positive", ErrInvalidSignal)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidSignal)
	}
	return nil
}

// Age returns how old the signal is at now.
func (s Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// Feed produces signals; the engine consumes them from the channel.
type Feed interface {
	Signals() <-chan Signal
}
