package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// 默认配置常量
const (
	// 应用默认配置
	DefaultHTTPAddress     = ":8080"
	DefaultRequestTimeout  = 10 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultLogMaxSizeMB    = 10
	DefaultLogMaxBackups   = 5

	// 存储默认配置
	DefaultRedisNamespace = "smshub"
	DefaultDedupeTTL      = 10 * time.Minute
	DefaultEventHistory   = 1000
	DefaultEventTTL       = 24 * time.Hour
	DefaultMaxOpenConns   = 20
	DefaultMaxIdleConns   = 5
	DefaultConnLifetime   = time.Hour

	// NSQ 默认配置
	DefaultEventsTopic    = "smshub-events"
	DefaultDeliveryTopic  = "smshub-delivery"
	DefaultNSQChannel     = "smshub-agent"
	DefaultNSQMaxInFlight = 32
	DefaultNSQConcurrency = 4
	DefaultNSQMaxAttempts = 5
	DefaultDLQTopicSuffix = ".DLQ"

	// 平台默认配置
	DefaultProviderUserAgent = "smshub-agent/1.0"
	DefaultProviderTimeout   = 30 * time.Second

	// 模块默认配置
	DefaultBaudRate       = 115200
	DefaultReadTimeout    = 200 * time.Millisecond
	DefaultCommandTimeout = 5 * time.Second
	DefaultPollInterval   = time.Second
	DefaultSignalInterval = time.Minute

	// 投递默认配置
	DefaultRetryInterval = 10 * time.Second
)

// App 应用全局配置
type App struct {
	Addr            string        `yaml:"Addr"`            // HTTP 监听地址
	RequestTimeout  time.Duration `yaml:"RequestTimeout"`  // HTTP 请求超时
	ShutdownTimeout time.Duration `yaml:"ShutdownTimeout"` // 优雅退出等待时间
	LogFile         string        `yaml:"LogFile"`         // 日志文件，为空只输出到 stdout
	LogMaxSizeMB    int           `yaml:"LogMaxSizeMB"`    // 单个日志文件大小
	LogMaxBackups   int           `yaml:"LogMaxBackups"`   // 保留的历史日志数
}

// Storage 存储配置
type Storage struct {
	RedisAddr    string        `yaml:"RedisAddr"`    // Redis 地址，为空时去重与事件只在内存中进行
	Namespace    string        `yaml:"Namespace"`    // Redis 键前缀
	DedupeTTL    time.Duration `yaml:"DedupeTTL"`    // 收件去重窗口
	EventHistory int64         `yaml:"EventHistory"` // 事件历史保留条数
	EventTTL     time.Duration `yaml:"EventTTL"`     // 事件历史过期时间
	MySQL        MySQLConfig   `yaml:"MySQL"`        // MySQL 配置，DSN 为空时使用内存存储
}

// MySQLConfig MySQL 数据库连接配置
type MySQLConfig struct {
	DSN             string        `yaml:"DSN"`             // 数据源配置
	MaxOpenConns    int           `yaml:"MaxOpenConns"`    // 最大打开连接数
	MaxIdleConns    int           `yaml:"MaxIdleConns"`    // 最大空闲连接数
	ConnMaxLifetime time.Duration `yaml:"ConnMaxLifetime"` // 连接最大生命周期
}

// NSQ 消息队列配置
type NSQ struct {
	ProducerAddr                string   `yaml:"ProducerAddr"`                // 生产者地址，为空时不发布事件
	EventsTopic                 string   `yaml:"EventsTopic"`                 // 生命周期事件主题
	DeliveryTopic               string   `yaml:"DeliveryTopic"`               // 投递请求主题
	Channel                     string   `yaml:"Channel"`                     // 消费者通道
	NsqdTCPAddrs                []string `yaml:"NsqdTCPAddrs"`                // NSQD TCP 地址列表
	LookupdHTTPAddrs            []string `yaml:"LookupdHTTPAddrs"`            // Lookupd HTTP 地址列表
	MaxInFlight                 int      `yaml:"MaxInFlight"`                 // 最大并发消息数
	Concurrency                 int      `yaml:"Concurrency"`                 // 处理并发数
	ConsumerEnabled             bool     `yaml:"ConsumerEnabled"`             // 是否消费投递请求
	DLQTopic                    string   `yaml:"DLQTopic"`                    // 死信队列主题
	MaxConsumeAttemptsBeforeDLQ int      `yaml:"MaxConsumeAttemptsBeforeDLQ"` // 进入死信队列前最大尝试次数
}

// Provider 激活平台配置
type Provider struct {
	URL       string        `yaml:"URL" validate:"required,url"` // 平台接口地址
	APIKey    string        `yaml:"APIKey" validate:"required"`  // 平台密钥
	UserAgent string        `yaml:"UserAgent"`                   // 请求 User-Agent
	Timeout   time.Duration `yaml:"Timeout"`                     // 请求超时
}

// Modems 模块配置
type Modems struct {
	Ports          []string      `yaml:"Ports" validate:"dive,required"` // 串口列表
	BaudRate       int           `yaml:"BaudRate"`                       // 波特率
	ReadTimeout    time.Duration `yaml:"ReadTimeout"`                    // 串口读取超时
	CommandTimeout time.Duration `yaml:"CommandTimeout"`                 // AT 命令超时
	PollInterval   time.Duration `yaml:"PollInterval"`                   // 收件箱轮询间隔
	SignalInterval time.Duration `yaml:"SignalInterval"`                 // 信号刷新间隔
	Charset        string        `yaml:"Charset" validate:"omitempty,oneof=GSM UCS2"`
	AutoConnect    bool          `yaml:"AutoConnect"` // 启动时自动注册并连接所有串口
}

// Delivery 投递配置
type Delivery struct {
	RetryInterval time.Duration `yaml:"RetryInterval"`                // 重试间隔
	MaxAttempts   int           `yaml:"MaxAttempts" validate:"gte=0"` // 最大尝试次数，0 表示不限
}

// Config 应用完整配置
type Config struct {
	App      App      `yaml:"App"`
	Storage  Storage  `yaml:"Storage"`
	NSQ      NSQ      `yaml:"NSQ"`
	Provider Provider `yaml:"Provider"`
	Modems   Modems   `yaml:"Modems"`
	Delivery Delivery `yaml:"Delivery"`
}

// MustLoad 加载 YAML 配置文件
// 加载失败时直接 panic(用于应用启动阶段)
func MustLoad(configPath string) Config {
	config, err := Load(configPath)
	if err != nil {
		panic(err.Error())
	}
	return config
}

// Load 读取并校验配置文件
func Load(configPath string) (Config, error) {
	fileContent, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(fileContent)
}

// Parse 解析 YAML 内容并填充默认值
func Parse(content []byte) (Config, error) {
	var config Config
	if err := yaml.Unmarshal(content, &config); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// validate 校验配置并设置默认值
func (config *Config) validate() error {
	if err := validator.New().Struct(config); err != nil {
		return err
	}

	config.validateAppConfig()
	config.validateStorageConfig()
	config.validateNSQConfig()
	config.validateProviderConfig()
	config.validateModemsConfig()
	config.validateDeliveryConfig()
	return nil
}

// validateAppConfig 校验应用配置并设置默认值
func (config *Config) validateAppConfig() {
	if config.App.Addr == "" {
		config.App.Addr = DefaultHTTPAddress
	}
	if config.App.RequestTimeout <= 0 {
		config.App.RequestTimeout = DefaultRequestTimeout
	}
	if config.App.ShutdownTimeout <= 0 {
		config.App.ShutdownTimeout = DefaultShutdownTimeout
	}
	if config.App.LogMaxSizeMB <= 0 {
		config.App.LogMaxSizeMB = DefaultLogMaxSizeMB
	}
	if config.App.LogMaxBackups <= 0 {
		config.App.LogMaxBackups = DefaultLogMaxBackups
	}
}

// validateStorageConfig 校验存储配置并设置默认值
func (config *Config) validateStorageConfig() {
	storage := &config.Storage
	if storage.Namespace == "" {
		storage.Namespace = DefaultRedisNamespace
	}
	if storage.DedupeTTL <= 0 {
		storage.DedupeTTL = DefaultDedupeTTL
	}
	if storage.EventHistory <= 0 {
		storage.EventHistory = DefaultEventHistory
	}
	if storage.EventTTL <= 0 {
		storage.EventTTL = DefaultEventTTL
	}
	if storage.MySQL.MaxOpenConns <= 0 {
		storage.MySQL.MaxOpenConns = DefaultMaxOpenConns
	}
	if storage.MySQL.MaxIdleConns <= 0 {
		storage.MySQL.MaxIdleConns = DefaultMaxIdleConns
	}
	if storage.MySQL.ConnMaxLifetime <= 0 {
		storage.MySQL.ConnMaxLifetime = DefaultConnLifetime
	}
}

// validateNSQConfig 校验 NSQ 配置并设置默认值
func (config *Config) validateNSQConfig() {
	nsq := &config.NSQ
	if nsq.EventsTopic == "" {
		nsq.EventsTopic = DefaultEventsTopic
	}
	if nsq.DeliveryTopic == "" {
		nsq.DeliveryTopic = DefaultDeliveryTopic
	}
	if nsq.Channel == "" {
		nsq.Channel = DefaultNSQChannel
	}
	if nsq.MaxInFlight <= 0 {
		nsq.MaxInFlight = DefaultNSQMaxInFlight
	}
	if nsq.Concurrency <= 0 {
		nsq.Concurrency = DefaultNSQConcurrency
	}
	if nsq.MaxConsumeAttemptsBeforeDLQ <= 0 {
		nsq.MaxConsumeAttemptsBeforeDLQ = DefaultNSQMaxAttempts
	}
	if nsq.DLQTopic == "" {
		nsq.DLQTopic = nsq.DeliveryTopic + DefaultDLQTopicSuffix
	}
}

// validateProviderConfig 校验平台配置并设置默认值
func (config *Config) validateProviderConfig() {
	if config.Provider.UserAgent == "" {
		config.Provider.UserAgent = DefaultProviderUserAgent
	}
	if config.Provider.Timeout <= 0 {
		config.Provider.Timeout = DefaultProviderTimeout
	}
}

// validateModemsConfig 校验模块配置并设置默认值
func (config *Config) validateModemsConfig() {
	modems := &config.Modems
	if modems.BaudRate <= 0 {
		modems.BaudRate = DefaultBaudRate
	}
	if modems.ReadTimeout <= 0 {
		modems.ReadTimeout = DefaultReadTimeout
	}
	if modems.CommandTimeout <= 0 {
		modems.CommandTimeout = DefaultCommandTimeout
	}
	if modems.PollInterval <= 0 {
		modems.PollInterval = DefaultPollInterval
	}
	if modems.SignalInterval <= 0 {
		modems.SignalInterval = DefaultSignalInterval
	}
}

// validateDeliveryConfig 校验投递配置并设置默认值
func (config *Config) validateDeliveryConfig() {
	if config.Delivery.RetryInterval <= 0 {
		config.Delivery.RetryInterval = DefaultRetryInterval
	}
}
