package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"ohlcsync/internal/indicator"
	"ohlcsync/internal/model"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Infrastructure
	SQLitePath    string `validate:"required"`
	RedisAddr     string // empty disables publishing and the distributed lock
	RedisPassword string
	MetricsAddr   string `validate:"required"`
	APIAddr       string `validate:"required"`
	LogLevel      string `validate:"oneof=debug info warn warning error"`

	// What to sync
	Symbols      []string          `validate:"min=1,dive,required,alphanum,uppercase"`
	Timeframes   []model.Timeframe `validate:"min=1"`
	DefaultStart time.Time         `validate:"required"`

	// Source
	BinanceURL       string        `validate:"required,url"`
	SourceRatePerMin int           `validate:"gt=0"`
	SourceTimeout    time.Duration `validate:"gt=0"`
	SourceMaxRetries int           `validate:"gte=0,lte=20"`
	SourceRetryBase  time.Duration `validate:"gt=0"`
	StoreTimeout     time.Duration `validate:"gt=0"`
	SyncWorkers      int           `validate:"gte=1,lte=64"`

	// Indicators
	EMAPeriods      []int             `validate:"dive,gt=0"`
	RSIPeriods      []int             `validate:"dive,gt=1"`
	RSIOverbought   float64           `validate:"gt=0,lte=100,gtfield=RSIOversold"`
	RSIOversold     float64           `validate:"gte=0,lt=100"`
	OBVBase         float64
	OBVMAType       indicator.MAType
	OBVMAPeriod     int     `validate:"gt=0"`
	OBVBBStd        float64 `validate:"gt=0"`
	CEPeriod        int     `validate:"gt=0"`
	CEMultiplier    float64 `validate:"gt=0"`
	CEUseClose      bool
	PivotTimeframes []model.Timeframe

	// Scheduler
	UpdateIntervals map[model.Timeframe]time.Duration `validate:"dive,gt=0"`

	// Alerts on failed runs
	AlertWebhookURL  string `validate:"omitempty,url"`
	TelegramBotToken string
	TelegramChatID   string `validate:"required_with=TelegramBotToken"`
}

// parser collects conversion errors so Load can report all bad keys at once.
type parser struct {
	errs []error
}

func (p *parser) fail(key string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
}

func (p *parser) getInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return n
}

func (p *parser) getFloat(key string, fallback float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return f
}

func (p *parser) getBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return b
}

func (p *parser) ints(key, fallback string) []int {
	var out []int
	for _, part := range splitList(getEnv(key, fallback)) {
		n, err := strconv.Atoi(part)
		if err != nil {
			p.fail(key, err)
			continue
		}
		out = append(out, n)
	}
	return out
}

func (p *parser) timeframes(key, fallback string) []model.Timeframe {
	tfs, err := model.ParseTimeframes(getEnv(key, fallback))
	if err != nil {
		p.fail(key, err)
	}
	return tfs
}

func (p *parser) date(key, fallback string) time.Time {
	t, err := ParseTime(getEnv(key, fallback))
	if err != nil {
		p.fail(key, err)
	}
	return t
}

// intervals parses "1h:5m,4h:15m" into per-timeframe tick intervals.
func (p *parser) intervals(key, fallback string) map[model.Timeframe]time.Duration {
	out := make(map[model.Timeframe]time.Duration)
	for _, part := range splitList(getEnv(key, fallback)) {
		tfs, ds, ok := strings.Cut(part, ":")
		if !ok {
			p.fail(key, fmt.Errorf("entry %q is not timeframe:duration", part))
			continue
		}
		tf, err := model.ParseTimeframe(tfs)
		if err != nil {
			p.fail(key, err)
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(ds))
		if err != nil {
			p.fail(key, err)
			continue
		}
		out[tf] = d
	}
	return out
}

// Load reads configuration from environment variables with sensible defaults.
// Files (default ".env") are loaded first when present; variables already set
// in the environment win.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		log.Println("[config] no .env file found, using environment variables")
	}

	var p parser
	cfg := &Config{
		SQLitePath:    getEnv("SQLITE_PATH", "data/ohlc.db"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", "info")),

		Symbols:      splitList(strings.ToUpper(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT"))),
		Timeframes:   p.timeframes("TIMEFRAMES", "1h,4h,1d,1w,1M"),
		DefaultStart: p.date("DEFAULT_START", "2024-01-01"),

		BinanceURL:       getEnv("BINANCE_API_URL", "https://api.binance.com"),
		SourceRatePerMin: p.getInt("SOURCE_RATE_PER_MIN", 1200),
		SourceTimeout:    time.Duration(p.getInt("SOURCE_TIMEOUT_SEC", 10)) * time.Second,
		SourceMaxRetries: p.getInt("SOURCE_MAX_RETRIES", 3),
		SourceRetryBase:  time.Duration(p.getInt("SOURCE_RETRY_BASE_MS", 1000)) * time.Millisecond,
		StoreTimeout:     time.Duration(p.getInt("STORE_TIMEOUT_SEC", 30)) * time.Second,
		SyncWorkers:      p.getInt("SYNC_WORKERS", 4),

		EMAPeriods:      p.ints("EMA_PERIODS", "9,20,50,100,200"),
		RSIPeriods:      p.ints("RSI_PERIODS", "14"),
		RSIOverbought:   p.getFloat("RSI_OVERBOUGHT", 70),
		RSIOversold:     p.getFloat("RSI_OVERSOLD", 30),
		OBVBase:         p.getFloat("OBV_BASE", 0),
		OBVMAPeriod:     p.getInt("OBV_MA_PERIOD", 20),
		OBVBBStd:        p.getFloat("OBV_BB_STD", 2.0),
		CEPeriod:        p.getInt("CE_PERIOD", 22),
		CEMultiplier:    p.getFloat("CE_MULTIPLIER", 3.0),
		CEUseClose:      p.getBool("CE_USE_CLOSE", false),
		PivotTimeframes: p.timeframes("PIVOT_TIMEFRAMES", "1M"),

		UpdateIntervals: p.intervals("UPDATE_INTERVALS", "1h:5m,4h:15m,1d:60m,1w:6h,1M:24h"),

		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}
	if mt, err := indicator.ParseMAType(getEnv("OBV_MA_TYPE", "ema")); err != nil {
		p.fail("OBV_MA_TYPE", err)
	} else {
		cfg.OBVMAType = mt
	}

	if len(p.errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(p.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports every violation.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
}

// Indicators maps the indicator settings onto the engine configuration.
// Pivot levels are always computed over calendar months.
func (c *Config) Indicators() indicator.Config {
	return indicator.Config{
		EMAPeriods: c.EMAPeriods,
		RSIPeriods: c.RSIPeriods,
		OBV: indicator.OBVConfig{
			Base:     c.OBVBase,
			MAType:   c.OBVMAType,
			MAPeriod: c.OBVMAPeriod,
			BBMult:   c.OBVBBStd,
		},
		CE: indicator.CEConfig{
			Period:     c.CEPeriod,
			Multiplier: c.CEMultiplier,
			UseClose:   c.CEUseClose,
		},
		PivotPeriod:     model.TF1M,
		PivotTimeframes: c.PivotTimeframes,
	}
}

// ParseTime accepts a date (2006-01-02), a minute-precision UTC timestamp
// (2006-01-02T15:04) or RFC 3339.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", "2006-01-02T15:04", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (want YYYY-MM-DD or RFC 3339)", s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
