package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"subscan/internal/llm"
	"subscan/internal/mailbox"
	"subscan/internal/service"
	"subscan/pkg/circuitbreaker"
	"subscan/pkg/config"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type StoreConfig struct {
	Driver string `yaml:"driver"` // memory, postgres
}

// ServicesConfig points the components at each other. An empty URL wires
// the component in-process. Timeout bounds one trigger call; RunTimeout
// bounds the ingestion, dispatch or classification run it starts.
type ServicesConfig struct {
	ClassifyURL string                `yaml:"classify_url"`
	DispatchURL string                `yaml:"dispatch_url"`
	IngestURL   string                `yaml:"ingest_url"`
	Timeout     time.Duration         `yaml:"timeout"`
	RunTimeout  time.Duration         `yaml:"run_timeout"`
	Breaker     circuitbreaker.Config `yaml:"breaker"`
}

type RateLimitConfig struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

type ClassificationConfig struct {
	service.ClassificationConfig `yaml:",inline"`
	RateLimit                    RateLimitConfig `yaml:"rate_limit"`
	CacheTTL                     time.Duration   `yaml:"cache_ttl"`
}

// ScheduleConfig drives cmd/worker. A zero interval disables that loop.
type ScheduleConfig struct {
	Dispatch time.Duration `yaml:"dispatch"`
	Sweep    time.Duration `yaml:"sweep"`
	Watchdog time.Duration `yaml:"watchdog"`
	Jitter   time.Duration `yaml:"jitter"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

type Config struct {
	Server         config.ServerConfig     `yaml:"server"`
	DB             config.DBConfig         `yaml:"db"`
	Store          StoreConfig             `yaml:"store"`
	Redis          config.RedisConfig      `yaml:"redis"`
	MQ             config.MQConfig         `yaml:"mq"`
	Otel           config.OtelConfig       `yaml:"otel"`
	Auth           config.JWTConfig        `yaml:"auth"`
	Services       ServicesConfig          `yaml:"services"`
	Mailbox        mailbox.Config          `yaml:"mailbox"`
	Ingestion      service.IngestionConfig `yaml:"ingestion"`
	Dispatch       service.DispatchConfig  `yaml:"dispatch"`
	Classification ClassificationConfig    `yaml:"classification"`
	LLM            llm.Config              `yaml:"llm"`
	Watchdog       service.WatchdogConfig  `yaml:"watchdog"`
	Sweeper        service.SweeperConfig   `yaml:"sweeper"`
	Schedule       ScheduleConfig          `yaml:"schedule"`
	Outbox         OutboxConfig            `yaml:"outbox"`
	Log            config.LogConfig        `yaml:"log"`
}

// Load 读取 CONFIG_DIR（默认 config）下 CONFIG_ENV 对应的配置
func Load() (*Config, error) {
	return LoadFrom(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
}

func LoadFrom(env, dir string) (*Config, error) {
	raw, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideOtelFromEnv(&cfg.Otel)
	config.OverrideJWTFromEnv(&cfg.Auth)
	config.OverrideLogFromEnv(&cfg.Log)
	overrideStoreFromEnv(&cfg.Store)
	overrideServicesFromEnv(&cfg.Services)
	overrideLLMFromEnv(&cfg.LLM)

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8080"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreMemory
		if cfg.DB.Host != "" {
			cfg.Store.Driver = StorePostgres
		}
	}
	if cfg.Services.RunTimeout <= 0 {
		cfg.Services.RunTimeout = 10 * time.Minute
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "subscan"
	}
	if cfg.Classification.RateLimit.Window <= 0 {
		cfg.Classification.RateLimit.Window = time.Minute
	}
	if cfg.LLM.Timeout <= 0 {
		cfg.LLM.Timeout = 30 * time.Second
	}
	cfg.Classification.LLMTimeout = cfg.LLM.Timeout
	if cfg.Outbox.Interval <= 0 {
		cfg.Outbox.Interval = time.Second
	}
	if cfg.Outbox.BatchSize <= 0 {
		cfg.Outbox.BatchSize = 100
	}
	if cfg.Outbox.MaxRetries <= 0 {
		cfg.Outbox.MaxRetries = 5
	}
}

// Validate rejects combinations the binaries cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.DB.Host == "" || c.DB.Name == "" {
			return fmt.Errorf("store.driver=postgres needs db.host and db.name")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.LLM.Provider {
	case "", "openai", "gemini", "bedrock":
	default:
		return fmt.Errorf("unsupported llm.provider %q", c.LLM.Provider)
	}
	return nil
}

func overrideStoreFromEnv(cfg *StoreConfig) {
	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		cfg.Driver = driver
	}
}

func overrideServicesFromEnv(cfg *ServicesConfig) {
	if url := os.Getenv("CLASSIFY_URL"); url != "" {
		cfg.ClassifyURL = url
	}
	if url := os.Getenv("DISPATCH_URL"); url != "" {
		cfg.DispatchURL = url
	}
	if url := os.Getenv("INGEST_URL"); url != "" {
		cfg.IngestURL = url
	}
}

func overrideLLMFromEnv(cfg *llm.Config) {
	if provider := os.Getenv("LLM_PROVIDER"); provider != "" {
		cfg.Provider = provider
	}
	if model := os.Getenv("LLM_MODEL"); model != "" {
		cfg.Model = model
	}
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	if url := os.Getenv("LLM_BASE_URL"); url != "" {
		cfg.BaseURL = url
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.Region = region
	}
	if timeout := os.Getenv("LLM_TIMEOUT_SECONDS"); timeout != "" {
		if s, err := strconv.Atoi(timeout); err == nil && s > 0 {
			cfg.Timeout = time.Duration(s) * time.Second
		}
	}
}
