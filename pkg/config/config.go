package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/betbot/spotcycle/pkg/logger"
)

// VenueConfig 交易所接入配置
type VenueConfig struct {
	RestURL         string
	WSPublicURL     string
	WSPrivateURL    string
	APIKey          string
	APISecret       string
	RestTimeout     time.Duration
	RestRetries     int
	RestRetryWait   time.Duration
	RestRetryMax    time.Duration
	RateLimitPerSec float64
}

// TradingConfig 循环交易参数
type TradingConfig struct {
	Pair             string
	TradeSize        decimal.Decimal
	ProfitMargin     decimal.Decimal // 0.002 = 0.2%
	DCAMargin        decimal.Decimal // 0.003 = 0.3%
	FillWindow       time.Duration   // 激进买单的立即成交窗口
	RetryDelay       time.Duration   // 激进买单下单失败后的固定重试间隔
	RejectRetryDelay time.Duration   // 被交易所拒单后的重试间隔
	CancelOnShutdown bool
}

// HealthConfig 连接健康检查
type HealthConfig struct {
	PollInterval      time.Duration
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
}

// PersistenceConfig 快照存储
type PersistenceConfig struct {
	Backend string // json | badger
	Dir     string
}

// ShutdownConfig 退出时等待撤单的轮询参数
type ShutdownConfig struct {
	PollInterval time.Duration
	MaxPolls     int
}

// SecretsConfig 加密凭据库（可选）
type SecretsConfig struct {
	DB  string
	Key string
}

// Config 应用配置
type Config struct {
	Venue       VenueConfig
	Trading     TradingConfig
	Health      HealthConfig
	Persistence PersistenceConfig
	Shutdown    ShutdownConfig
	Secrets     SecretsConfig
	Log         logger.Config
	JournalPath string
	ControlAddr string
	Pprof       bool
}

// ConfigFile 配置文件结构（YAML）
type ConfigFile struct {
	Venue struct {
		RestURL         string        `yaml:"rest_url"`
		WSPublicURL     string        `yaml:"ws_public_url"`
		WSPrivateURL    string        `yaml:"ws_private_url"`
		APIKey          string        `yaml:"api_key"`
		APISecret       string        `yaml:"api_secret"`
		RestTimeout     time.Duration `yaml:"rest_timeout"`
		RestRetries     int           `yaml:"rest_retries"`
		RestRetryWait   time.Duration `yaml:"rest_retry_wait"`
		RestRetryMax    time.Duration `yaml:"rest_retry_max_wait"`
		RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	} `yaml:"venue"`
	Trading struct {
		Pair             string        `yaml:"pair"`
		TradeSize        string        `yaml:"trade_size"`
		ProfitMargin     string        `yaml:"profit_margin"`
		DCAMargin        string        `yaml:"dca_margin"`
		FillWindow       time.Duration `yaml:"fill_window"`
		RetryDelay       time.Duration `yaml:"retry_delay"`
		RejectRetryDelay time.Duration `yaml:"reject_retry_delay"`
		CancelOnShutdown *bool         `yaml:"cancel_on_shutdown"`
	} `yaml:"trading"`
	Health struct {
		PollInterval      time.Duration `yaml:"poll_interval"`
		ReconnectMinDelay time.Duration `yaml:"reconnect_min_delay"`
		ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
	} `yaml:"health"`
	Persistence struct {
		Backend string `yaml:"backend"`
		Dir     string `yaml:"dir"`
	} `yaml:"persistence"`
	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`
	Control struct {
		Listen string `yaml:"listen"`
		Pprof  bool   `yaml:"pprof"`
	} `yaml:"control"`
	Shutdown struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		MaxPolls     int           `yaml:"max_polls"`
	} `yaml:"shutdown"`
	Secrets struct {
		DB  string `yaml:"db"`
		Key string `yaml:"key"`
	} `yaml:"secrets"`
	Log logger.Config `yaml:"log"`
}

// Load 加载配置：.env（可选）→ YAML 文件（可选）→ 环境变量覆盖 → 默认值。
// 优先级：环境变量 > 配置文件 > 默认值。
func Load(filePath string) (*Config, error) {
	// .env 不存在不是错误
	_ = godotenv.Load()

	var cf ConfigFile
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("解析配置文件失败 %s: %w", filePath, err)
		}
	}
	return build(&cf)
}

func build(cf *ConfigFile) (*Config, error) {
	c := &Config{
		Venue: VenueConfig{
			RestURL:         getEnv("VENUE_REST_URL", cf.Venue.RestURL),
			WSPublicURL:     getEnv("VENUE_WS_PUBLIC_URL", cf.Venue.WSPublicURL),
			WSPrivateURL:    getEnv("VENUE_WS_PRIVATE_URL", cf.Venue.WSPrivateURL),
			APIKey:          getEnv("VENUE_API_KEY", cf.Venue.APIKey),
			APISecret:       getEnv("VENUE_API_SECRET", cf.Venue.APISecret),
			RestTimeout:     durationOr(cf.Venue.RestTimeout, 10*time.Second),
			RestRetries:     parseIntEnv("VENUE_REST_RETRIES", intOr(cf.Venue.RestRetries, 3)),
			RestRetryWait:   durationOr(cf.Venue.RestRetryWait, 200*time.Millisecond),
			RestRetryMax:    durationOr(cf.Venue.RestRetryMax, 2*time.Second),
			RateLimitPerSec: floatOr(cf.Venue.RateLimitPerSec, 10),
		},
		Trading: TradingConfig{
			Pair:             strings.ToUpper(getEnv("PAIR", cf.Trading.Pair)),
			FillWindow:       durationOr(cf.Trading.FillWindow, 3*time.Second),
			RetryDelay:       durationOr(cf.Trading.RetryDelay, time.Second),
			RejectRetryDelay: durationOr(cf.Trading.RejectRetryDelay, 30*time.Second),
			CancelOnShutdown: cf.Trading.CancelOnShutdown == nil || *cf.Trading.CancelOnShutdown,
		},
		Health: HealthConfig{
			PollInterval:      durationOr(cf.Health.PollInterval, 10*time.Second),
			ReconnectMinDelay: durationOr(cf.Health.ReconnectMinDelay, time.Second),
			ReconnectMaxDelay: durationOr(cf.Health.ReconnectMaxDelay, 30*time.Second),
		},
		Persistence: PersistenceConfig{
			Backend: strings.ToLower(stringOr(cf.Persistence.Backend, "json")),
			Dir:     getEnv("STATE_DIR", stringOr(cf.Persistence.Dir, "data/state")),
		},
		Shutdown: ShutdownConfig{
			PollInterval: durationOr(cf.Shutdown.PollInterval, 500*time.Millisecond),
			MaxPolls:     intOr(cf.Shutdown.MaxPolls, 10),
		},
		Secrets: SecretsConfig{
			DB:  getEnv("SECRET_DB", cf.Secrets.DB),
			Key: getEnv("SECRET_KEY", cf.Secrets.Key),
		},
		Log:         cf.Log,
		JournalPath: stringOr(cf.Journal.Path, "data/journal.db"),
		ControlAddr: stringOr(cf.Control.Listen, ":9108"),
		Pprof:       cf.Control.Pprof,
	}
	c.Log.Level = getEnv("LOG_LEVEL", stringOr(c.Log.Level, "info"))
	c.Log.OutputFile = getEnv("LOG_FILE", c.Log.OutputFile)

	var err error
	if c.Trading.TradeSize, err = parseDecimal("TRADE_SIZE", cf.Trading.TradeSize, "0"); err != nil {
		return nil, err
	}
	if c.Trading.ProfitMargin, err = parseDecimal("PROFIT_MARGIN", cf.Trading.ProfitMargin, "0.002"); err != nil {
		return nil, err
	}
	if c.Trading.DCAMargin, err = parseDecimal("DCA_MARGIN", cf.Trading.DCAMargin, "0.003"); err != nil {
		return nil, err
	}
	return c, nil
}

// HasCredentials 是否已经拿到 API 凭据
func (c *Config) HasCredentials() bool {
	return c.Venue.APIKey != "" && c.Venue.APISecret != ""
}

// Validate 验证配置。任何一项失败都属于启动致命错误。
func (c *Config) Validate() error {
	if !c.HasCredentials() {
		return fmt.Errorf("缺少 API 凭据（VENUE_API_KEY / VENUE_API_SECRET 或 secrets.db）")
	}
	if c.Trading.Pair == "" {
		return fmt.Errorf("交易对不能为空（trading.pair / PAIR）")
	}
	if !c.Trading.TradeSize.IsPositive() {
		return fmt.Errorf("trade_size 必须大于 0，当前 %s", c.Trading.TradeSize)
	}
	one := decimal.NewFromInt(1)
	if !c.Trading.ProfitMargin.IsPositive() || c.Trading.ProfitMargin.GreaterThanOrEqual(one) {
		return fmt.Errorf("profit_margin 必须在 (0, 1) 区间，当前 %s", c.Trading.ProfitMargin)
	}
	if !c.Trading.DCAMargin.IsPositive() || c.Trading.DCAMargin.GreaterThanOrEqual(one) {
		return fmt.Errorf("dca_margin 必须在 (0, 1) 区间，当前 %s", c.Trading.DCAMargin)
	}
	if c.Venue.RestURL == "" || c.Venue.WSPublicURL == "" || c.Venue.WSPrivateURL == "" {
		return fmt.Errorf("venue.rest_url / ws_public_url / ws_private_url 必须全部配置")
	}
	if c.Persistence.Backend != "json" && c.Persistence.Backend != "badger" {
		return fmt.Errorf("persistence.backend 只支持 json|badger，当前 %q", c.Persistence.Backend)
	}
	if c.Venue.RestRetries < 0 {
		return fmt.Errorf("rest_retries 不能为负数")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func parseIntEnv(key string, fallback int) int {
	if v := getEnv(key, ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseDecimal(envKey, fileValue, fallback string) (decimal.Decimal, error) {
	raw := getEnv(envKey, stringOr(fileValue, fallback))
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s 不是合法数字 %q: %w", strings.ToLower(envKey), raw, err)
	}
	return d, nil
}

func stringOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func intOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func floatOr(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func durationOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
