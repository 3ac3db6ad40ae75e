package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"gatekeeper/internal/breaker"
	"gatekeeper/internal/engine"
	"gatekeeper/internal/events"
	"gatekeeper/internal/monitor"
	"gatekeeper/internal/order"
	"gatekeeper/internal/persistence"
	"gatekeeper/internal/portfolio"
	"gatekeeper/internal/risk"
	"gatekeeper/internal/strategy"
	"gatekeeper/pkg/db"
)

const testSecret = "test-secret"

type fakeService struct {
	mu         sync.Mutex
	state      breaker.State
	resetBy    string
	lastSignal strategy.Signal
	reject     bool
	closeErr   error
}

func (f *fakeService) HandleSignal(_ context.Context, sig strategy.Signal) (engine.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSignal = sig
	out := engine.Outcome{Signal: sig, Decision: risk.Accept()}
	if f.reject {
		out.Decision = risk.Decision{Reason: risk.ReasonCoolDown, Message: "cooling down"}
		return out, nil
	}
	out.Trade = &order.Trade{ID: "t-1", Symbol: sig.Symbol, Direction: sig.Direction, Status: order.StatusOpen}
	return out, nil
}

func (f *fakeService) CloseTrade(_ context.Context, id, reason string) (order.Trade, error) {
	if f.closeErr != nil {
		return order.Trade{}, f.closeErr
	}
	return order.Trade{ID: id, Status: order.StatusClosed, CloseReason: reason}, nil
}

func (f *fakeService) ResetBreaker(_ context.Context, operator string) (breaker.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.Tripped {
		return f.state, breaker.ErrNotTripped
	}
	f.state.Tripped = false
	f.state.ResetBy = operator
	f.resetBy = operator
	return f.state, nil
}

func (f *fakeService) Status(context.Context) engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.Status{Time: time.Now(), Breaker: f.state}
}

func (f *fakeService) Settings() risk.SettingsBook { return risk.NewSettingsBook(risk.DefaultSettings()) }

type testEnv struct {
	svc    *fakeService
	bus    *events.Bus
	store  *persistence.Store
	server *Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	env := &testEnv{
		svc:   &fakeService{},
		bus:   events.NewBus(),
		store: persistence.NewStore(database),
	}
	env.server = NewServer(env.svc, env.bus, env.store, monitor.NewMetrics(), SystemMeta{
		Venue:       "binance",
		Symbols:     []string{"BTCUSDT"},
		UseMockFeed: true,
		Version:     "test",
	}, testSecret, opts)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, payload any, out any) int {
	t.Helper()

	var body io.Reader
	if payload != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
		body = &buf
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Router.ServeHTTP(rec, req)

	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code
}

func mustToken(t *testing.T, operator string) string {
	t.Helper()
	token, err := GenerateToken(operator, testSecret, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return token
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func TestHealthReportsHalted(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())

	var resp struct {
		Status string `json:"status"`
	}
	if status := env.do(t, http.MethodGet, "/health", "", nil, &resp); status != http.StatusOK || resp.Status != "ok" {
		t.Fatalf("armed: status=%d body=%+v", status, resp)
	}

	env.svc.state.Tripped = true
	if status := env.do(t, http.MethodGet, "/health", "", nil, &resp); status != http.StatusOK || resp.Status != "halted" {
		t.Fatalf("tripped: status=%d body=%+v", status, resp)
	}
}

func TestResetBreakerRequiresToken(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	env.svc.state.Tripped = true

	var e errorBody
	if status := env.do(t, http.MethodPost, "/api/breaker/reset", "", nil, &e); status != http.StatusUnauthorized || e.Code != "MISSING_TOKEN" {
		t.Fatalf("no token: status=%d body=%+v", status, e)
	}

	forged, err := GenerateToken("mallory", "other-secret", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if status := env.do(t, http.MethodPost, "/api/breaker/reset", forged, nil, &e); status != http.StatusUnauthorized || e.Code != "INVALID_TOKEN" {
		t.Fatalf("forged token: status=%d body=%+v", status, e)
	}

	expired, err := GenerateToken("alice", testSecret, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if status := env.do(t, http.MethodPost, "/api/breaker/reset", expired, nil, &e); status != http.StatusUnauthorized {
		t.Fatalf("expired token: status=%d", status)
	}
	if !env.svc.state.Tripped {
		t.Fatal("breaker reset without a valid token")
	}

	var ok struct {
		ResetBy string        `json:"reset_by"`
		Breaker breaker.State `json:"breaker"`
	}
	if status := env.do(t, http.MethodPost, "/api/breaker/reset", mustToken(t, "alice"), nil, &ok); status != http.StatusOK {
		t.Fatalf("valid token: status=%d", status)
	}
	if ok.ResetBy != "alice" || ok.Breaker.Tripped || env.svc.resetBy != "alice" {
		t.Fatalf("unexpected reset result %+v (service saw %q)", ok, env.svc.resetBy)
	}
}

func TestResetBreakerWhenArmed(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())

	var e errorBody
	status := env.do(t, http.MethodPost, "/api/breaker/reset", mustToken(t, "alice"), nil, &e)
	if status != http.StatusConflict || e.Code != "NOT_TRIPPED" {
		t.Fatalf("expected 409 NOT_TRIPPED, got %d %+v", status, e)
	}
}

func TestSubmitSignal(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	token := mustToken(t, "alice")

	var e errorBody
	status := env.do(t, http.MethodPost, "/api/signals", token, map[string]any{
		"symbol": "BTCUSDT", "direction": "sideways", "confidence": 0.9,
	}, &e)
	if status != http.StatusBadRequest || e.Code != "INVALID_DIRECTION" {
		t.Fatalf("expected 400 INVALID_DIRECTION, got %d %+v", status, e)
	}

	status = env.do(t, http.MethodPost, "/api/signals", token, map[string]any{
		"direction": "LONG", "confidence": 0.9,
	}, &e)
	if status != http.StatusBadRequest || e.Code != "INVALID_REQUEST" {
		t.Fatalf("expected 400 INVALID_REQUEST for missing symbol, got %d %+v", status, e)
	}

	var accepted struct {
		Accepted bool           `json:"accepted"`
		Outcome  engine.Outcome `json:"outcome"`
	}
	status = env.do(t, http.MethodPost, "/api/signals", token, map[string]any{
		"symbol": " btcusdt ", "direction": "buy", "confidence": 0.9, "stop_loss": 98.0,
	}, &accepted)
	if status != http.StatusCreated || !accepted.Accepted || accepted.Outcome.Trade == nil {
		t.Fatalf("expected 201 accepted, got %d %+v", status, accepted)
	}
	sig := env.svc.lastSignal
	if sig.Symbol != "BTCUSDT" || sig.Direction != order.Long || sig.Source != "api:alice" {
		t.Fatalf("unexpected signal forwarded: %+v", sig)
	}
	if sig.SuggestedStopLoss == nil || *sig.SuggestedStopLoss != 98 {
		t.Fatalf("stop loss not forwarded: %+v", sig.SuggestedStopLoss)
	}
	if sig.Timestamp.IsZero() {
		t.Fatal("timestamp should default to now")
	}

	env.svc.reject = true
	accepted.Accepted = true
	status = env.do(t, http.MethodPost, "/api/signals", token, map[string]any{
		"symbol": "ETHUSDT", "direction": "SHORT", "confidence": 0.9,
	}, &accepted)
	if status != http.StatusOK || accepted.Accepted || accepted.Outcome.Decision.Reason != risk.ReasonCoolDown {
		t.Fatalf("expected 200 rejection, got %d %+v", status, accepted)
	}
}

func TestCloseTradeErrors(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	token := mustToken(t, "alice")

	var resp struct {
		Trade order.Trade `json:"trade"`
	}
	if status := env.do(t, http.MethodPost, "/api/trades/abc/close", token, nil, &resp); status != http.StatusOK {
		t.Fatalf("close: status=%d", status)
	}
	if resp.Trade.ID != "abc" || resp.Trade.CloseReason != engine.CloseManual {
		t.Fatalf("unexpected closed trade %+v", resp.Trade)
	}

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{portfolio.ErrTradeNotFound, http.StatusNotFound, "TRADE_NOT_FOUND"},
		{portfolio.ErrTradeClosing, http.StatusConflict, "TRADE_NOT_OPEN"},
		{portfolio.ErrTradeClosed, http.StatusConflict, "TRADE_NOT_OPEN"},
		{context.DeadlineExceeded, http.StatusBadGateway, "CLOSE_FAILED"},
	}
	for _, tc := range cases {
		env.svc.closeErr = tc.err
		var e errorBody
		status := env.do(t, http.MethodPost, "/api/trades/abc/close", token, map[string]string{"reason": "ops"}, &e)
		if status != tc.status || e.Code != tc.code {
			t.Fatalf("%v: expected %d %s, got %d %+v", tc.err, tc.status, tc.code, status, e)
		}
	}
}

func TestRateLimitPerIP(t *testing.T) {
	env := newTestEnv(t, Options{RateLimit: 1, Burst: 2})

	for i := 0; i < 2; i++ {
		if status := env.do(t, http.MethodGet, "/api/breaker", "", nil, nil); status != http.StatusOK {
			t.Fatalf("request %d: status=%d", i, status)
		}
	}
	var e errorBody
	if status := env.do(t, http.MethodGet, "/api/breaker", "", nil, &e); status != http.StatusTooManyRequests || e.Code != "RATE_LIMITED" {
		t.Fatalf("expected 429, got %d %+v", status, e)
	}

	// Other clients keep their own budget.
	req := httptest.NewRequest(http.MethodGet, "/api/breaker", nil)
	req.RemoteAddr = "198.51.100.7:4242"
	rec := httptest.NewRecorder()
	env.server.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("second client: status=%d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	env.do(t, http.MethodGet, "/health", "", nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	env.server.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"gatekeeper_breaker_tripped", "gatekeeper_api_requests_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}

func TestListingsReadHistory(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	ctx := context.Background()

	now := time.Now().UTC()
	err := env.store.SaveTrade(ctx, order.Trade{
		ID: "t-1", Symbol: "BTCUSDT", Direction: order.Long, EntryPrice: 100, Quantity: 1,
		StopLoss: 98, TakeProfit: 104, Margin: 10, SignalTime: now, ExecutionTime: now, Status: order.StatusOpen,
	})
	if err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	var trades struct {
		Trades []order.Trade `json:"trades"`
	}
	if status := env.do(t, http.MethodGet, "/api/trades?limit=10", "", nil, &trades); status != http.StatusOK {
		t.Fatalf("trades status=%d", status)
	}
	if len(trades.Trades) != 1 || trades.Trades[0].ID != "t-1" {
		t.Fatalf("unexpected trades %+v", trades.Trades)
	}

	var evs struct {
		Events []riskEventResponse `json:"events"`
	}
	if status := env.do(t, http.MethodGet, "/api/events?type=signal_rejected", "", nil, &evs); status != http.StatusOK {
		t.Fatalf("events status=%d", status)
	}
	if evs.Events == nil || len(evs.Events) != 0 {
		t.Fatalf("expected an empty list, got %+v", evs.Events)
	}
}

func TestWebsocketStreamsFilteredEvents(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	ts := httptest.NewServer(env.server.Router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?types=trade_closed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered asynchronously; keep publishing until
	// the client sees a message.
	done := make(chan struct{})
	defer close(done)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				env.bus.Publish(events.EventPriceTick, events.PriceTick{Symbol: "BTCUSDT", Price: 100})
				env.bus.Publish(events.EventTradeClosed, events.TradeClosed{TradeID: "t-1", Reason: "manual"})
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < 3; i++ {
		var msg struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type != string(events.EventTradeClosed) {
			t.Fatalf("filter leaked %s", msg.Type)
		}
	}
}
