package config

import (
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("BINANCE_SYMBOLS", " btcusdt , solusdt ,")
	t.Setenv("INITIAL_BALANCE", "2500")
	t.Setenv("TELEGRAM_CHAT_ID", "-100123")
	t.Setenv("DB_PATH", "")
	t.Setenv("DATABASE_PATH", "/tmp/legacy.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "9000" || cfg.InitialBalance != 2500 || cfg.TelegramChatID != -100123 {
		t.Errorf("cfg = %+v", cfg)
	}
	if want := []string{"BTCUSDT", "SOLUSDT"}; !reflect.DeepEqual(cfg.BinanceSymbols, want) {
		t.Errorf("symbols = %v, want %v", cfg.BinanceSymbols, want)
	}
	if cfg.DBPath != "/tmp/legacy.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
}

func TestLoadRejectsNonPositiveBalance(t *testing.T) {
	t.Setenv("INITIAL_BALANCE", "-5")
	if _, err := Load(); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("Load() error = %v, want ErrInvalidConfiguration", err)
	}
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	for _, tc := range []struct{ key, val string }{
		{"INITIAL_BALANCE", "10k"},
		{"API_RATE_LIMIT", "fast"},
		{"API_BURST", "2.5"},
		{"WORKERS", "eight"},
		{"TELEGRAM_CHAT_ID", "chat"},
		{"USE_MOCK_FEED", "yes please"},
	} {
		t.Run(tc.key, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			_, err := Load()
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Fatalf("Load() error = %v, want ErrInvalidConfiguration", err)
			}
			if !strings.Contains(err.Error(), tc.key) {
				t.Errorf("Load() error = %q, want it to name %s", err, tc.key)
			}
		})
	}
}

func TestLoadRequiresSecretWithLiveFeed(t *testing.T) {
	t.Setenv("USE_MOCK_FEED", "false")
	for _, secret := range []string{"", DevJWTSecret} {
		t.Setenv("JWT_SECRET", secret)
		if _, err := Load(); !errors.Is(err, ErrInvalidConfiguration) {
			t.Errorf("Load() with JWT_SECRET=%q error = %v, want ErrInvalidConfiguration", secret, err)
		}
	}

	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UseMockFeed || cfg.JWTSecret != "s3cret" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadAllowsDevSecretWithMockFeed(t *testing.T) {
	t.Setenv("USE_MOCK_FEED", "true")
	t.Setenv("JWT_SECRET", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.JWTSecret != DevJWTSecret {
		t.Errorf("JWTSecret = %q, want %q", cfg.JWTSecret, DevJWTSecret)
	}
}

func TestParseSettingsKeepsDefaults(t *testing.T) {
	s, err := ParseSettings([]byte(`
risk:
  default:
    daily_loss_limit_pct: 3
  symbols:
    DOGEUSDT:
      max_risk_per_trade_pct: 0.5
breaker:
  max_drawdown_pct: 10
retry:
  base_delay: 100ms
`))
	if err != nil {
		t.Fatalf("ParseSettings() error = %v", err)
	}
	if s.Risk.Default.DailyLossLimitPct != 3 {
		t.Errorf("daily_loss_limit_pct = %v, want 3", s.Risk.Default.DailyLossLimitPct)
	}
	if s.Risk.Default.MaxConsecutiveLosses != 3 || s.Risk.Default.CorrelationLimit != 0.7 {
		t.Errorf("defaults lost: %+v", s.Risk.Default)
	}
	if got := s.Risk.For("DOGEUSDT").MaxRiskPerTradePct; got != 0.5 {
		t.Errorf("DOGEUSDT risk = %v, want 0.5", got)
	}
	if s.Breaker.MaxDrawdownPct != 10 || s.Breaker.DailyLossPct != 5 {
		t.Errorf("breaker = %+v", s.Breaker)
	}
	if s.Retry.BaseDelay != 100*time.Millisecond || s.Retry.MaxAttempts != 3 {
		t.Errorf("retry = %+v", s.Retry)
	}
}

func TestParseSettingsRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "risk:\n  default:\n    max_leverage: 3\n"},
		{"percentage out of range", "risk:\n  default:\n    daily_loss_limit_pct: 150\n"},
		{"correlation above one", "risk:\n  default:\n    correlation_limit: 1.5\n"},
		{"zero losses", "risk:\n  default:\n    max_consecutive_losses: 0\n"},
		{"zero cool-down", "risk:\n  default:\n    cool_down_minutes: 0\n"},
		{"negative breaker limit", "breaker:\n  daily_loss_pct: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSettings([]byte(tt.yaml)); !errors.Is(err, ErrInvalidConfiguration) {
				t.Fatalf("ParseSettings() error = %v, want ErrInvalidConfiguration", err)
			}
		})
	}
}

func TestParseSettingsEmptyFileIsDefaults(t *testing.T) {
	s, err := ParseSettings(nil)
	if err != nil {
		t.Fatalf("ParseSettings(nil) error = %v", err)
	}
	if !reflect.DeepEqual(s, DefaultSettings()) {
		t.Errorf("settings = %+v, want defaults", s)
	}
}

func TestWriteDefaultSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "settings.yaml")
	if err := WriteDefaultSettings(path, false); err != nil {
		t.Fatalf("WriteDefaultSettings() error = %v", err)
	}
	if err := WriteDefaultSettings(path, false); err == nil {
		t.Fatal("second WriteDefaultSettings() without overwrite should fail")
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if !reflect.DeepEqual(s, DefaultSettings()) {
		t.Errorf("round trip = %+v, want defaults", s)
	}
}
