package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gatekeeper/pkg/cache"
	"gatekeeper/pkg/exchanges/common"
)

// Request weights from the Binance spot API docs.
const (
	weightTickerPrice = 2
	weightKlines      = 2
	weightServerTime  = 1
)

// ClientConfig selects the endpoint and volume lookback.
type ClientConfig struct {
	BaseURL string
	Testnet bool
	// VolumeLookbackDays is the number of daily klines averaged by TypicalVolume.
	VolumeLookbackDays int
	// VolumeTTL is how long a TypicalVolume result is reused.
	VolumeTTL time.Duration
	// Now is the clock of the volume cache; nil means time.Now.
	Now func() time.Time
}

// Client wraps REST access to Binance. Every request goes through the CallGuard,
// so it is rate limited, retried and bounded by the hard call timeout.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Testnet    bool

	guard    *common.CallGuard
	lookback int
	ttl      time.Duration

	volumes *cache.ShardedCache
}

// NewClient builds a REST client; use Testnet to switch base URLs.
func NewClient(cfg ClientConfig, guard *common.CallGuard) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.binance.com"
		if cfg.Testnet {
			base = "https://testnet.binance.vision"
		}
	}
	lookback := cfg.VolumeLookbackDays
	if lookback <= 0 {
		lookback = 7
	}
	ttl := cfg.VolumeTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	if guard == nil {
		guard = common.NewCallGuard(nil, nil)
	}
	return &Client{
		BaseURL:    strings.TrimRight(base, "/"),
		HTTPClient: &http.Client{},
		Testnet:    cfg.Testnet,
		guard:      guard,
		lookback:   lookback,
		ttl:        ttl,
		volumes:    cache.New(cfg.Now),
	}
}

// GetPrice returns the latest traded price for symbol.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if symbol == "" {
		return 0, fmt.Errorf("get price: %w: empty symbol", common.ErrMalformedRequest)
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))

	body, err := c.get(ctx, "/api/v3/ticker/price", params, weightTickerPrice)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode ticker price: %w", err)
	}
	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("invalid price %q for %s", resp.Price, symbol)
	}
	return price, nil
}

// GetKlines fetches the most recent klines from the public endpoint.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if symbol == "" || interval == "" {
		return nil, fmt.Errorf("get klines: %w: symbol and interval required", common.ErrMalformedRequest)
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	body, err := c.get(ctx, "/api/v3/klines", params, weightKlines)
	if err != nil {
		return nil, err
	}
	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, item := range raw {
		// Binance returns 12 fields per kline
		if len(item) < 11 {
			continue
		}
		klines = append(klines, Kline{
			Symbol:         strings.ToUpper(symbol),
			OpenTime:       toInt64(item[0]),
			Open:           toFloat(item[1]),
			High:           toFloat(item[2]),
			Low:            toFloat(item[3]),
			Close:          toFloat(item[4]),
			Volume:         toFloat(item[5]),
			CloseTime:      toInt64(item[6]),
			QuoteVolume:    toFloat(item[7]),
			NumberOfTrades: toInt(item[8]),
		})
	}
	return klines, nil
}

// GetServerTime fetches Binance server time in milliseconds.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, "/api/v3/time", nil, weightServerTime)
	if err != nil {
		return 0, err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return resp.ServerTime, nil
}

// TypicalVolume is the average daily quote volume over the lookback window.
// Results are cached per symbol for the configured TTL.
func (c *Client) TypicalVolume(ctx context.Context, symbol string) (float64, error) {
	key := strings.ToUpper(symbol)
	if v, ok := c.volumes.GetFresh(key, c.ttl); ok {
		return v, nil
	}
	c.PruneVolumes()

	klines, err := c.GetKlines(ctx, key, "1d", c.lookback)
	if err != nil {
		return 0, err
	}
	if len(klines) == 0 {
		return 0, fmt.Errorf("no daily klines for %s", key)
	}
	var sum float64
	for _, k := range klines {
		sum += k.QuoteVolume
	}
	avg := sum / float64(len(klines))

	c.volumes.Set(key, avg)
	return avg, nil
}

// PruneVolumes drops cached volumes older than the TTL and returns how many went.
func (c *Client) PruneVolumes() int {
	return c.volumes.Cleanup(c.ttl)
}

// RateLimitState exposes the guard's bucket for status endpoints.
func (c *Client) RateLimitState() (common.RateLimiterState, bool) {
	if c.guard.Limiter == nil {
		return common.RateLimiterState{}, false
	}
	return c.guard.Limiter.State(), true
}

func (c *Client) get(ctx context.Context, path string, params url.Values, weight int) ([]byte, error) {
	u := c.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var body []byte
	err := c.guard.Do(ctx, weight, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrMalformedRequest, err)
		}
		res, err := c.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		if c.guard.Limiter != nil {
			c.guard.Limiter.ObserveUsedWeight(res.Header.Get("X-MBX-USED-WEIGHT-1M"))
		}
		data, err := io.ReadAll(res.Body)
		if err != nil {
			return err
		}
		if res.StatusCode >= 300 {
			return &common.HTTPError{StatusCode: res.StatusCode, Endpoint: path, Body: string(data)}
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("binance %s: %w", path, err)
	}
	return body, nil
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		i, _ := t.Int64()
		return i
	default:
		return 0
	}
}

func toInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case json.Number:
		i, _ := t.Int64()
		return int(i)
	default:
		return 0
	}
}
