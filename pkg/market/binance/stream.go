package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamClient manages lightweight streaming from Binance public websockets.
type StreamClient struct {
	StreamURL string
	dialer    *websocket.Dialer
}

// NewStreamClient builds a websocket client; testnet toggles the host.
func NewStreamClient(testnet bool) *StreamClient {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	return &StreamClient{
		StreamURL: (&url.URL{Scheme: "wss", Host: host}).String(),
		dialer:    websocket.DefaultDialer,
	}
}

// SubscribeTickers listens to the combined mini-ticker stream of every symbol
// and pushes last prices into a channel. It returns the channel and a stop function.
func (c *StreamClient) SubscribeTickers(ctx context.Context, symbols []string) (<-chan Ticker, func(), error) {
	if len(symbols) == 0 {
		return nil, nil, fmt.Errorf("subscribe tickers: no symbols")
	}
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		// Binance requires lowercase symbols for WebSocket streams
		streams = append(streams, strings.ToLower(s)+"@miniTicker")
	}
	u := fmt.Sprintf("%s/stream?streams=%s", strings.TrimRight(c.StreamURL, "/"), strings.Join(streams, "/"))

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial binance ws ticker: %w", err)
	}

	out := make(chan Ticker, 100)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			// Ignore errors; connection may already be closed.
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}

	go func() {
		<-ctx.Done()
		stop()
	}()

	go func() {
		defer close(out)
		defer stop()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil ||
					websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					return
				}
				log.Printf("[binance-ws] ticker read error: %v", err)
				return
			}

			parsed, err := parseTickerMessage(msg)
			if err != nil {
				log.Printf("[binance-ws] ticker parse error: %v", err)
				continue
			}
			select {
			case out <- parsed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, stop, nil
}

// parseTickerMessage accepts both raw and combined-stream payloads.
func parseTickerMessage(msg []byte) (Ticker, error) {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &envelope); err == nil && len(envelope.Data) > 0 {
		msg = envelope.Data
	}

	var raw struct {
		Symbol    string `json:"s"`
		Last      any    `json:"c"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Ticker{}, err
	}
	price := toFloat(raw.Last)
	if raw.Symbol == "" || price <= 0 {
		return Ticker{}, fmt.Errorf("incomplete ticker payload")
	}
	return Ticker{
		Symbol: raw.Symbol,
		Price:  price,
		Time:   raw.EventTime,
	}, nil
}

// Ping keeps the connection alive; useful if the caller wants manual control.
func (c *StreamClient) Ping(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(time.Second))
}
