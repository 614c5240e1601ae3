package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构体（完全匹配config.yaml）
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`    // 服务器配置
	Postgres  PostgresConfig  `mapstructure:"postgres"`  // PostgreSQL配置
	Chain     ChainConfig     `mapstructure:"chain"`     // 链上配置
	Oracle    OracleConfig    `mapstructure:"oracle"`    // 价格源配置
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"` // 注单生命周期配置
	Log       LogConfig       `mapstructure:"log"`       // 日志配置
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port int    `mapstructure:"port"` // 服务端口
	Mode string `mapstructure:"mode"` // Gin运行模式：debug/release/test
}

// PostgresConfig PostgreSQL数据库配置
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`               // 连接DSN
	MaxOpenConns    int           `mapstructure:"max_open_conns"`    // 最大打开连接数
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`    // 最大空闲连接数
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"` // 连接最大存活时间
}

// ChainConfig 链上配置：RPC节点、下注合约地址、结算私钥
type ChainConfig struct {
	RPCURL               string `mapstructure:"rpc_url"`                // RPC节点地址（需支持 WebSocket 订阅）
	BetContractAddress   string `mapstructure:"bet_contract_address"`   // 下注合约地址
	SettlementPrivateKey string `mapstructure:"settlement_private_key"` // 结算专用私钥（建议从 .env 注入）
	GasMarginPercent     uint64 `mapstructure:"gas_margin_percent"`     // gas估算上浮百分比
}

// OracleConfig 价格源配置（DexScreener 风格 token 接口）
type OracleConfig struct {
	BaseURL string        `mapstructure:"base_url"` // API基础地址
	Timeout time.Duration `mapstructure:"timeout"`  // 单次请求超时
}

// LifecycleConfig 注单生命周期配置
type LifecycleConfig struct {
	InitialSampleDelay time.Duration `mapstructure:"initial_sample_delay"` // 首次取价相对创建时间的偏移
	FinalSampleDelay   time.Duration `mapstructure:"final_sample_delay"`   // 二次取价相对创建时间的偏移
	NoChangeBand       float64       `mapstructure:"no_change_band"`       // 判定 NoChange 的价差死区（默认 0）
	SampleRetryCount   int           `mapstructure:"sample_retry_count"`   // 取价失败重试次数
	SampleRetryWait    time.Duration `mapstructure:"sample_retry_wait"`    // 取价重试基础等待（指数退避）
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`        // 日志级别：debug/info/warn/error
	OutputFile string `mapstructure:"output_file"`  // 日志文件路径（空则只输出控制台）
	MaxSize    int    `mapstructure:"max_size_mb"`  // 单个日志文件最大大小（MB）
	MaxBackups int    `mapstructure:"max_backups"`  // 保留的旧日志文件数量
	MaxAge     int    `mapstructure:"max_age_days"` // 旧日志保留天数
}

// LoadConfig 加载配置文件（config/config.yaml），敏感项从 .env 覆盖（不提交 git）
func LoadConfig() (*Config, error) {
	// 1. 加载 .env（若存在），env 中的值会覆盖 config.yaml 中同名字段
	_ = godotenv.Load() // 忽略错误（.env 可不存在）

	// 2. 读取 config.yaml
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	setDefaults()
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	viper.SetTypeByDefaultValue(true)
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 3. 敏感字段：用 env 覆盖（优先级 env > yaml）
	overrideFromEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults 设置各字段默认值（config.yaml 未填时生效）
func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("postgres.max_open_conns", 10)
	viper.SetDefault("postgres.max_idle_conns", 5)
	viper.SetDefault("postgres.conn_max_lifetime", time.Hour)
	viper.SetDefault("chain.gas_margin_percent", 10)
	viper.SetDefault("oracle.base_url", "https://api.dexscreener.com")
	viper.SetDefault("oracle.timeout", 10*time.Second)
	viper.SetDefault("lifecycle.initial_sample_delay", 5*time.Minute)
	viper.SetDefault("lifecycle.final_sample_delay", 11*time.Minute)
	viper.SetDefault("lifecycle.no_change_band", 0.0)
	viper.SetDefault("lifecycle.sample_retry_count", 3)
	viper.SetDefault("lifecycle.sample_retry_wait", 2*time.Second)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.max_size_mb", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age_days", 7)
}

// overrideFromEnv 用环境变量覆盖敏感配置
func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("CHAIN_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("SETTLEMENT_PRIVATE_KEY"); v != "" {
		cfg.Chain.SettlementPrivateKey = v
	}
}

// validate 校验取价偏移等关键约束
func (c *Config) validate() error {
	if c.Lifecycle.InitialSampleDelay <= 0 || c.Lifecycle.FinalSampleDelay <= 0 {
		return fmt.Errorf("lifecycle 取价偏移必须大于 0")
	}
	if c.Lifecycle.InitialSampleDelay >= c.Lifecycle.FinalSampleDelay {
		return fmt.Errorf("initial_sample_delay(%s) 必须小于 final_sample_delay(%s)",
			c.Lifecycle.InitialSampleDelay, c.Lifecycle.FinalSampleDelay)
	}
	if c.Lifecycle.NoChangeBand < 0 {
		return fmt.Errorf("no_change_band 不能为负数")
	}
	return nil
}
