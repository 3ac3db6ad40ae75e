package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// ErrInvalidConfiguration is returned for any value that fails validation.
// Startup aborts on it.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// DevJWTSecret is the token secret used when JWT_SECRET is unset. It is only
// accepted together with the mock feed.
const DevJWTSecret = "dev-secret"

// Config holds environment-driven settings for the process.
type Config struct {
	Port string

	// Settings file with risk, breaker, execution and client parameters.
	SettingsPath string

	// Binance
	BinanceBaseURL string
	BinanceTestnet bool
	BinanceSymbols []string
	UseMockFeed    bool

	// Portfolio
	InitialBalance float64

	// Database
	DBPath string

	// Auth
	JWTSecret string

	// Operator API rate limit per client IP.
	APIRateLimit float64 // requests per second
	APIBurst     int

	// Notifications
	TelegramToken  string
	TelegramChatID int64

	// gRPC health service; empty disables it.
	HealthAddr string

	// Concurrent signal handlers.
	Workers int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/gatekeeper.db")
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	testnet, err := getEnvBool("BINANCE_TESTNET", false)
	collect(err)
	mockFeed, err := getEnvBool("USE_MOCK_FEED", true)
	collect(err)
	balance, err := getEnvFloat("INITIAL_BALANCE", 10000.0)
	collect(err)
	rateLimit, err := getEnvFloat("API_RATE_LIMIT", 10)
	collect(err)
	burst, err := getEnvInt("API_BURST", 20)
	collect(err)
	chatID, err := getEnvInt64("TELEGRAM_CHAT_ID", 0)
	collect(err)
	workers, err := getEnvInt("WORKERS", 8)
	collect(err)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		SettingsPath:   getEnv("SETTINGS_PATH", "./settings.yaml"),
		BinanceBaseURL: getEnv("BINANCE_BASE_URL", ""),
		BinanceTestnet: testnet,
		BinanceSymbols: splitAndTrim(getEnv("BINANCE_SYMBOLS", "BTCUSDT,ETHUSDT")),
		UseMockFeed:    mockFeed,
		InitialBalance: balance,
		DBPath:         dbPath,
		JWTSecret:      getEnv("JWT_SECRET", DevJWTSecret),
		APIRateLimit:   rateLimit,
		APIBurst:       burst,
		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: chatID,
		HealthAddr:     getEnv("HEALTH_ADDR", ":9090"),
		Workers:        workers,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the environment values that have no safe fallback.
func (c *Config) Validate() error {
	if c.InitialBalance <= 0 {
		return fmt.Errorf("%w: INITIAL_BALANCE must be positive, got %v", ErrInvalidConfiguration, c.InitialBalance)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("%w: WORKERS must be positive, got %d", ErrInvalidConfiguration, c.Workers)
	}
	if c.APIRateLimit <= 0 || c.APIBurst <= 0 {
		return fmt.Errorf("%w: API_RATE_LIMIT and API_BURST must be positive", ErrInvalidConfiguration)
	}
	if len(c.BinanceSymbols) == 0 {
		return fmt.Errorf("%w: BINANCE_SYMBOLS is empty", ErrInvalidConfiguration)
	}
	if !c.UseMockFeed && (c.JWTSecret == "" || c.JWTSecret == DevJWTSecret) {
		return fmt.Errorf("%w: JWT_SECRET must be set when USE_MOCK_FEED is false", ErrInvalidConfiguration)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.ToUpper(strings.TrimSpace(p)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidConfiguration, key, v)
	}
	return b, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfiguration, key, v)
	}
	return f, nil
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfiguration, key, v)
	}
	return i, nil
}

func getEnvInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfiguration, key, v)
	}
	return i, nil
}
