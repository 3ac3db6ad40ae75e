package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/pkg/exchanges/common"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	limiter := common.NewRateLimiter(common.DefaultRateLimitConfig())
	retry := common.NewRetryPolicy(common.DefaultRetryConfig(), common.WithSleep(noSleep))
	return NewClient(ClientConfig{BaseURL: srv.URL}, common.NewCallGuard(limiter, retry))
}

func TestGetPrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "42")
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","price":"64123.50"}`))
	})

	price, err := c.GetPrice(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.InDelta(t, 64123.5, price, 1e-9)

	st, ok := c.RateLimitState()
	require.True(t, ok)
	assert.Equal(t, 42, st.UsedWeight)
}

func TestGetPriceDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetPrice(context.Background(), "NOPE")
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrPermanentFailure)
	var httpErr *common.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestGetPriceRetriesServiceUnavailable(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"symbol":"ETHUSDT","price":"3000"}`))
	})

	price, err := c.GetPrice(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 3000.0, price)
	assert.EqualValues(t, 3, calls.Load())
}

func TestGetPriceRejectsEmptySymbol(t *testing.T) {
	c := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:0"}, nil)
	_, err := c.GetPrice(context.Background(), "")
	assert.ErrorIs(t, err, common.ErrMalformedRequest)
}

func TestTypicalVolumeAveragesAndCaches(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "1d", r.URL.Query().Get("interval"))
		_, _ = w.Write([]byte(`[
			[1,"1","2","0.5","1.5","10",2,"1000",5,"0","0","0"],
			[3,"1","2","0.5","1.5","10",4,"3000",5,"0","0","0"]
		]`))
	})

	vol, err := c.TypicalVolume(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 2000, vol, 1e-9)

	vol, err = c.TypicalVolume(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.InDelta(t, 2000, vol, 1e-9)
	assert.EqualValues(t, 1, calls.Load())
}

func TestTypicalVolumeExpiresStaleEntries(t *testing.T) {
	var calls atomic.Int32
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`[[1,"1","2","0.5","1.5","10",2,"500",5,"0","0","0"]]`))
	}))
	t.Cleanup(srv.Close)
	c := NewClient(ClientConfig{
		BaseURL:   srv.URL,
		VolumeTTL: time.Hour,
		Now:       func() time.Time { return now },
	}, nil)
	ctx := context.Background()

	_, err := c.TypicalVolume(ctx, "BTCUSDT")
	require.NoError(t, err)
	_, err = c.TypicalVolume(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Zero(t, c.PruneVolumes())

	now = now.Add(90 * time.Minute)
	vol, err := c.TypicalVolume(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 500, vol, 1e-9)
	assert.EqualValues(t, 3, calls.Load(), "stale entry is refetched")
	assert.Equal(t, 1, c.volumes.Len(), "the stale ETHUSDT entry was evicted on the miss")
}

func TestParseTickerMessage(t *testing.T) {
	tk, err := parseTickerMessage([]byte(`{"stream":"btcusdt@miniTicker","data":{"e":"24hrMiniTicker","E":1700000000000,"s":"BTCUSDT","c":"65000.1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", tk.Symbol)
	assert.InDelta(t, 65000.1, tk.Price, 1e-9)

	_, err = parseTickerMessage([]byte(`{"s":"BTCUSDT","c":"0"}`))
	assert.Error(t, err)
}
