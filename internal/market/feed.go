// Package market drives the engine with last prices, either from the Binance
// mini-ticker stream or from a local random walk.
package market

import (
	"context"
	"errors"
	"log"
	"time"

	"gatekeeper/pkg/exchanges/common"
	"gatekeeper/pkg/market/binance"
)

const (
	DefaultPollInterval   = time.Minute
	DefaultReconnectDelay = 5 * time.Second
	snapshotInterval      = "1m"
)

// PriceSink receives last prices. *engine.Engine satisfies it.
type PriceSink interface {
	OnPrice(ctx context.Context, symbol string, price float64)
}

// TickerStream is the websocket side of the venue.
type TickerStream interface {
	SubscribeTickers(ctx context.Context, symbols []string) (<-chan binance.Ticker, func(), error)
}

// KlineSource is the REST side used to fill gaps while the stream is down.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error)
}

// Feed streams prices from Binance into a PriceSink. The stream is
// re-dialed when it drops and a kline poll covers the gaps.
type Feed struct {
	Stream         TickerStream
	Klines         KlineSource
	Sink           PriceSink
	Symbols        []string
	PollInterval   time.Duration
	ReconnectDelay time.Duration
	Sleep          common.SleepFunc
}

// Start launches the stream and poll loops and returns immediately.
func (f *Feed) Start(ctx context.Context) error {
	if f.Sink == nil || f.Stream == nil {
		return errors.New("market feed not fully configured")
	}
	if len(f.Symbols) == 0 {
		return errors.New("market feed has no symbols")
	}
	if f.PollInterval <= 0 {
		f.PollInterval = DefaultPollInterval
	}
	if f.ReconnectDelay <= 0 {
		f.ReconnectDelay = DefaultReconnectDelay
	}
	if f.Sleep == nil {
		f.Sleep = common.SleepContext
	}

	go f.stream(ctx)
	if f.Klines != nil {
		go f.pollSnapshots(ctx)
	}
	return nil
}

func (f *Feed) stream(ctx context.Context) {
	for ctx.Err() == nil {
		ch, stop, err := f.Stream.SubscribeTickers(ctx, f.Symbols)
		if err != nil {
			log.Printf("[market] ticker subscribe error: %v", err)
		} else {
			log.Printf("[market] streaming %d symbols", len(f.Symbols))
			for t := range ch {
				if t.Price > 0 {
					f.Sink.OnPrice(ctx, t.Symbol, t.Price)
				}
			}
			stop()
			if ctx.Err() != nil {
				return
			}
			log.Printf("[market] ticker stream closed; reconnecting in %s", f.ReconnectDelay)
		}
		if err := f.Sleep(ctx, f.ReconnectDelay); err != nil {
			return
		}
	}
}

func (f *Feed) pollSnapshots(ctx context.Context) {
	ticker := time.NewTicker(f.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.PollOnce(ctx)
		}
	}
}

// PollOnce pushes the latest closed price of every symbol.
func (f *Feed) PollOnce(ctx context.Context) {
	for _, sym := range f.Symbols {
		klines, err := f.Klines.GetKlines(ctx, sym, snapshotInterval, 2)
		if err != nil {
			log.Printf("[market] snapshot %s error: %v", sym, err)
			continue
		}
		if price, ok := LatestClose(klines); ok {
			f.Sink.OnPrice(ctx, sym, price)
		}
	}
}
