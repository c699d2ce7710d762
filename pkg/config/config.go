package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RegistryConfig 所有权登记存储配置
type RegistryConfig struct {
	Backend       string `yaml:"backend" json:"backend"` // file | badger | memory
	Path          string `yaml:"path" json:"path"`
	EncryptionKey string `yaml:"encryption_key" json:"encryption_key"` // badger 专用，32 字节 hex/base64
}

// QuotaConfig 配额与积分配置
type QuotaConfig struct {
	PerTenant      int           `yaml:"per_tenant" json:"per_tenant"`           // 单租户最多登记的 bot 数
	GlobalLive     int           `yaml:"global_live" json:"global_live"`         // 全局同时运行的 bot 上限
	CreditsEnabled bool          `yaml:"credits_enabled" json:"credits_enabled"` // 是否启用积分计费
	StartCost      string        `yaml:"start_cost" json:"start_cost"`           // 启动扣费（十进制字符串）
	TickCost       string        `yaml:"tick_cost" json:"tick_cost"`             // 每个计费周期扣费
	MeterInterval  time.Duration `yaml:"meter_interval" json:"meter_interval"`   // 计费周期，默认 1h
	GrantAmount    string        `yaml:"grant_amount" json:"grant_amount"`       // 每次领取的积分
	GrantWindow    time.Duration `yaml:"grant_window" json:"grant_window"`       // 领取间隔（滚动窗口），默认 24h
	InitialCredits string        `yaml:"initial_credits" json:"initial_credits"` // 新租户初始积分
	LedgerPath     string        `yaml:"ledger_path" json:"ledger_path"`         // sqlite 文件
}

// RecoveryConfig 崩溃恢复配置
type RecoveryConfig struct {
	Interval    time.Duration `yaml:"interval" json:"interval"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	StableAfter time.Duration `yaml:"stable_after" json:"stable_after"`
}

// GovernorConfig 资源治理配置
type GovernorConfig struct {
	Interval        time.Duration `yaml:"interval" json:"interval"`
	HighWater       float64       `yaml:"high_water" json:"high_water"`             // 0~1，默认 0.8
	RecycleFraction float64       `yaml:"recycle_fraction" json:"recycle_fraction"` // 默认 0.2
	SweepInterval   time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	OrphanMaxAge    time.Duration `yaml:"orphan_max_age" json:"orphan_max_age"`
}

// Config 服务配置
type Config struct {
	Listen        string   `yaml:"listen" json:"listen"`
	MetricsListen string   `yaml:"metrics_listen" json:"metrics_listen"`
	DataDir       string   `yaml:"data_dir" json:"data_dir"`
	LogsDir       string   `yaml:"logs_dir" json:"logs_dir"`
	BotBin        string   `yaml:"bot_bin" json:"bot_bin"`
	BotArgs       []string `yaml:"bot_args" json:"bot_args"`
	CanonicalDir  string   `yaml:"canonical_dir" json:"canonical_dir"` // 官方代码单元源目录
	UnitExt       string   `yaml:"unit_ext" json:"unit_ext"`

	AckWindow time.Duration `yaml:"ack_window" json:"ack_window"`
	KillGrace time.Duration `yaml:"kill_grace" json:"kill_grace"`

	APIRateLimit  int           `yaml:"api_rate_limit" json:"api_rate_limit"` // 每个窗口每 IP 请求数
	APIRateWindow time.Duration `yaml:"api_rate_window" json:"api_rate_window"`
	AdminToken    string        `yaml:"admin_token" json:"admin_token"` // 为空时 /api/admin 不校验

	LogLevel string `yaml:"log_level" json:"log_level"`
	LogFile  string `yaml:"log_file" json:"log_file"`
	LogJSON  bool   `yaml:"log_json" json:"log_json"`

	Registry RegistryConfig `yaml:"registry" json:"registry"`
	Quota    QuotaConfig    `yaml:"quota" json:"quota"`
	Recovery RecoveryConfig `yaml:"recovery" json:"recovery"`
	Governor GovernorConfig `yaml:"governor" json:"governor"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Listen:        ":8080",
		MetricsListen: "127.0.0.1:9090",
		DataDir:       "data",
		LogsDir:       "logs",
		BotBin:        "node",
		BotArgs:       []string{"bot_runner.js"},
		CanonicalDir:  "code",
		UnitExt:       ".js",
		AckWindow:     2 * time.Second,
		KillGrace:     time.Second,
		APIRateLimit:  100,
		APIRateWindow: time.Minute,
		LogLevel:      "info",
		Registry: RegistryConfig{
			Backend: "file",
		},
		Quota: QuotaConfig{
			PerTenant:      5,
			GlobalLive:     200,
			CreditsEnabled: true,
			StartCost:      "1",
			TickCost:       "1",
			MeterInterval:  time.Hour,
			GrantAmount:    "1",
			GrantWindow:    24 * time.Hour,
			InitialCredits: "0",
		},
		Recovery: RecoveryConfig{
			Interval:    30 * time.Second,
			BaseDelay:   5 * time.Second,
			MaxDelay:    5 * time.Minute,
			MaxAttempts: 3,
			StableAfter: 10 * time.Minute,
		},
		Governor: GovernorConfig{
			Interval:        30 * time.Second,
			HighWater:       0.8,
			RecycleFraction: 0.2,
			SweepInterval:   5 * time.Minute,
			OrphanMaxAge:    time.Hour,
		},
	}
}

// LoadFromFile 从指定文件加载配置；path 为空时只使用默认值和环境变量
// 优先级: 环境变量 > 配置文件 > 默认值
func LoadFromFile(filePath string) (*Config, error) {
	cfg := Default()
	if filePath != "" {
		if err := loadConfigFile(filePath, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	cfg.fillPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfigFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse json config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format: %s (supported: .yaml, .yml, .json)", ext)
	}
	return nil
}

func applyEnv(c *Config) {
	c.Listen = getEnv("BOTFLEET_LISTEN", c.Listen)
	c.MetricsListen = getEnv("BOTFLEET_METRICS_LISTEN", c.MetricsListen)
	c.DataDir = getEnv("BOTFLEET_DATA_DIR", c.DataDir)
	c.LogsDir = getEnv("BOTFLEET_LOGS_DIR", c.LogsDir)
	c.BotBin = getEnv("BOTFLEET_BOT_BIN", c.BotBin)
	if v := os.Getenv("BOTFLEET_BOT_ARGS"); v != "" {
		c.BotArgs = strings.Fields(v)
	}
	c.CanonicalDir = getEnv("BOTFLEET_CANONICAL_DIR", c.CanonicalDir)
	c.UnitExt = getEnv("BOTFLEET_UNIT_EXT", c.UnitExt)
	c.AckWindow = parseDurationEnv("BOTFLEET_ACK_WINDOW", c.AckWindow)
	c.KillGrace = parseDurationEnv("BOTFLEET_KILL_GRACE", c.KillGrace)
	c.APIRateLimit = parseIntEnv("BOTFLEET_API_RATE_LIMIT", c.APIRateLimit)
	c.AdminToken = getEnv("BOTFLEET_ADMIN_TOKEN", c.AdminToken)
	c.LogLevel = getEnv("BOTFLEET_LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("BOTFLEET_LOG_FILE", c.LogFile)
	c.LogJSON = parseBoolEnv("BOTFLEET_LOG_JSON", c.LogJSON)

	c.Registry.Backend = getEnv("BOTFLEET_REGISTRY_BACKEND", c.Registry.Backend)
	c.Registry.Path = getEnv("BOTFLEET_REGISTRY_PATH", c.Registry.Path)
	c.Registry.EncryptionKey = getEnv("BOTFLEET_REGISTRY_KEY", c.Registry.EncryptionKey)

	c.Quota.PerTenant = parseIntEnv("BOTFLEET_QUOTA_PER_TENANT", c.Quota.PerTenant)
	c.Quota.GlobalLive = parseIntEnv("BOTFLEET_QUOTA_GLOBAL_LIVE", c.Quota.GlobalLive)
	c.Quota.CreditsEnabled = parseBoolEnv("BOTFLEET_CREDITS_ENABLED", c.Quota.CreditsEnabled)
	c.Quota.MeterInterval = parseDurationEnv("BOTFLEET_METER_INTERVAL", c.Quota.MeterInterval)
	c.Quota.GrantWindow = parseDurationEnv("BOTFLEET_GRANT_WINDOW", c.Quota.GrantWindow)
	c.Quota.InitialCredits = getEnv("BOTFLEET_INITIAL_CREDITS", c.Quota.InitialCredits)
	c.Quota.LedgerPath = getEnv("BOTFLEET_LEDGER_PATH", c.Quota.LedgerPath)

	c.Recovery.Interval = parseDurationEnv("BOTFLEET_RECOVERY_INTERVAL", c.Recovery.Interval)
	c.Recovery.BaseDelay = parseDurationEnv("BOTFLEET_RESTART_BASE_DELAY", c.Recovery.BaseDelay)
	c.Recovery.MaxDelay = parseDurationEnv("BOTFLEET_RESTART_MAX_DELAY", c.Recovery.MaxDelay)
	c.Recovery.MaxAttempts = parseIntEnv("BOTFLEET_RESTART_MAX", c.Recovery.MaxAttempts)

	c.Governor.Interval = parseDurationEnv("BOTFLEET_GOVERNOR_INTERVAL", c.Governor.Interval)
	c.Governor.HighWater = parseFloatEnv("BOTFLEET_MEMORY_HIGH_WATER", c.Governor.HighWater)
	c.Governor.SweepInterval = parseDurationEnv("BOTFLEET_SWEEP_INTERVAL", c.Governor.SweepInterval)
}

func (c *Config) fillPaths() {
	if c.Registry.Path == "" {
		switch c.Registry.Backend {
		case "badger":
			c.Registry.Path = filepath.Join(c.DataDir, "registry.badger")
		default:
			c.Registry.Path = filepath.Join(c.DataDir, "registry")
		}
	}
	if c.Quota.LedgerPath == "" {
		c.Quota.LedgerPath = filepath.Join(c.DataDir, "ledger.db")
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BotBin) == "" {
		return fmt.Errorf("bot_bin is required")
	}
	switch c.Registry.Backend {
	case "file", "badger", "memory":
	default:
		return fmt.Errorf("unknown registry backend: %q", c.Registry.Backend)
	}
	if c.Quota.PerTenant <= 0 {
		return fmt.Errorf("quota.per_tenant must be > 0")
	}
	if c.Quota.GlobalLive <= 0 {
		return fmt.Errorf("quota.global_live must be > 0")
	}
	if c.Quota.CreditsEnabled && c.Quota.MeterInterval <= 0 {
		return fmt.Errorf("quota.meter_interval must be > 0 when credits are enabled")
	}
	if c.Recovery.MaxAttempts < 0 {
		return fmt.Errorf("recovery.max_attempts must be >= 0")
	}
	if c.Recovery.BaseDelay < 0 || c.Recovery.MaxDelay < c.Recovery.BaseDelay {
		return fmt.Errorf("recovery delays invalid: base=%s max=%s", c.Recovery.BaseDelay, c.Recovery.MaxDelay)
	}
	if c.Governor.HighWater <= 0 || c.Governor.HighWater > 1 {
		return fmt.Errorf("governor.high_water must be in (0, 1]")
	}
	if c.Governor.RecycleFraction <= 0 || c.Governor.RecycleFraction > 1 {
		return fmt.Errorf("governor.recycle_fraction must be in (0, 1]")
	}
	return nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseFloatEnv 解析浮点数环境变量
func parseFloatEnv(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseDurationEnv 解析时长环境变量，兼容纯数字秒
func parseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		if n, err2 := strconv.Atoi(value); err2 == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
		return defaultValue
	}
	return d
}
