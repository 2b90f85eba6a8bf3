package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// QueueDriver selects the queue backend
type QueueDriver string

const (
	// QueueDriverDurable is the Redis-backed production queue. "bullmq" is
	// accepted as an alias for compatibility with existing deployments.
	QueueDriverDurable  QueueDriver = "durable"
	QueueDriverInMemory QueueDriver = "inmemory"
	// QueueDriverMock answers health checks as durable; smoke tests only.
	QueueDriverMock QueueDriver = "mock"
)

// KMSProvider selects the key-management backend
type KMSProvider string

const (
	KMSProviderAWS   KMSProvider = "aws"
	KMSProviderGCP   KMSProvider = "gcp"
	KMSProviderLocal KMSProvider = "local"
)

// ConfigError marks a configuration problem. CLI commands map it to exit code 2.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// Config is the process configuration, resolved from environment variables
// with an optional YAML overlay.
type Config struct {
	Environment string `yaml:"environment"` // development | production | test

	DatabaseURL string `yaml:"database_url"`

	EncryptionMasterKey string `yaml:"encryption_master_key"`
	JWTSecret           string `yaml:"jwt_secret"`

	KMSProvider KMSProvider `yaml:"kms_provider"`
	KMSKeyARN   string      `yaml:"kms_key_arn"`

	QueueDriver    QueueDriver `yaml:"queue_driver"`
	QueueRedisHost string      `yaml:"queue_redis_host"`
	QueueRedisPort int         `yaml:"queue_redis_port"`
	QueueRedisDB   int         `yaml:"queue_redis_db"`

	ServerAddr      string `yaml:"server_addr"`
	ServerPublicURL string `yaml:"server_public_url"`

	ConnectorGatewayURL string `yaml:"connector_gateway_url"`

	AllowFileConnectionStore bool   `yaml:"allow_file_connection_store"`
	ConnectionStorePath      string `yaml:"connection_store_path"`

	WebhookDedupeTTL time.Duration `yaml:"webhook_dedupe_ttl"`
	TimerTick        time.Duration `yaml:"timer_tick"`
	WorkerCount      int           `yaml:"worker_count"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// AppsScriptEnabled gates individual connectors for Apps Script
	// compilation, from APPS_SCRIPT_ENABLED_<CONNECTOR> vars.
	AppsScriptEnabled map[string]bool `yaml:"-"`
}

// Load resolves config from the environment, applying an optional YAML file
// first so env vars win.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Environment:         "development",
		KMSProvider:         KMSProviderLocal,
		QueueDriver:         QueueDriverDurable,
		QueueRedisHost:      "localhost",
		QueueRedisPort:      6379,
		ServerAddr:          ":8080",
		ServerPublicURL:     "http://localhost:8080",
		ConnectorGatewayURL: "http://localhost:9090",
		WebhookDedupeTTL:    24 * time.Hour,
		TimerTick:           5 * time.Second,
		WorkerCount:         4,
		LogLevel:            "info",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, configErrorf("read config file %s: %v", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, configErrorf("parse config file %s: %v", path, err)
		}
	}

	if v := os.Getenv("CAMBER_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("ENCRYPTION_MASTER_KEY"); v != "" {
		cfg.EncryptionMasterKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("KMS_PROVIDER"); v != "" {
		cfg.KMSProvider = KMSProvider(v)
	}
	if v := os.Getenv("KMS_KEY_ARN"); v != "" {
		cfg.KMSKeyARN = v
	}
	if v := os.Getenv("QUEUE_DRIVER"); v != "" {
		cfg.QueueDriver = normalizeQueueDriver(v)
	}
	if v := os.Getenv("QUEUE_REDIS_HOST"); v != "" {
		cfg.QueueRedisHost = v
	}
	if v := os.Getenv("QUEUE_REDIS_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, configErrorf("invalid QUEUE_REDIS_PORT %q", v)
		}
		cfg.QueueRedisPort = p
	}
	if v := os.Getenv("QUEUE_REDIS_DB"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil {
			return nil, configErrorf("invalid QUEUE_REDIS_DB %q", v)
		}
		cfg.QueueRedisDB = d
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.ServerAddr = v
	}
	if v := os.Getenv("SERVER_PUBLIC_URL"); v != "" {
		cfg.ServerPublicURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("CONNECTOR_GATEWAY_URL"); v != "" {
		cfg.ConnectorGatewayURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("ALLOW_FILE_CONNECTION_STORE"); v != "" {
		cfg.AllowFileConnectionStore = v == "true"
	}
	if v := os.Getenv("CONNECTION_STORE_PATH"); v != "" {
		cfg.ConnectionStorePath = v
	}
	if v := os.Getenv("WEBHOOK_DEDUPE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, configErrorf("invalid WEBHOOK_DEDUPE_TTL %q", v)
		}
		cfg.WebhookDedupeTTL = d
	}
	if v := os.Getenv("TIMER_TICK"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, configErrorf("invalid TIMER_TICK %q", v)
		}
		cfg.TimerTick = d
	}
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, configErrorf("invalid WORKER_COUNT %q", v)
		}
		cfg.WorkerCount = n
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.LogJSON = v == "true"
	}

	cfg.AppsScriptEnabled = appsScriptGates(os.Environ())

	return cfg, nil
}

func normalizeQueueDriver(v string) QueueDriver {
	switch v {
	case "bullmq", "durable":
		return QueueDriverDurable
	case "inmemory":
		return QueueDriverInMemory
	case "mock", "mock-durable":
		return QueueDriverMock
	default:
		return QueueDriver(v)
	}
}

// appsScriptGates extracts APPS_SCRIPT_ENABLED_<CONNECTOR>=true vars
func appsScriptGates(environ []string) map[string]bool {
	const prefix = "APPS_SCRIPT_ENABLED_"
	gates := make(map[string]bool)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		connector := strings.ToLower(strings.TrimPrefix(k, prefix))
		gates[connector] = v == "true"
	}
	return gates
}

// IsProduction reports whether the process runs in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment reports whether the process runs in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Validate enforces the invariants the supervisor refuses to start without
func (c *Config) Validate() error {
	switch c.QueueDriver {
	case QueueDriverDurable, QueueDriverInMemory, QueueDriverMock:
	default:
		return configErrorf("unknown QUEUE_DRIVER %q", c.QueueDriver)
	}

	switch c.KMSProvider {
	case KMSProviderAWS, KMSProviderLocal:
	case KMSProviderGCP:
		return configErrorf("KMS_PROVIDER gcp is reserved and not yet supported")
	default:
		return configErrorf("unknown KMS_PROVIDER %q", c.KMSProvider)
	}

	if c.EncryptionMasterKey != "" && len(c.EncryptionMasterKey) < 32 {
		return configErrorf("ENCRYPTION_MASTER_KEY must be at least 32 characters")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return configErrorf("DATABASE_URL is required in production")
		}
		if c.JWTSecret == "" {
			return configErrorf("JWT_SECRET is required in production")
		}
		if c.QueueDriver == QueueDriverInMemory {
			return configErrorf("inmemory queue driver is not allowed in production")
		}
		if c.AllowFileConnectionStore {
			return configErrorf("file-backed connection store is not allowed in production")
		}
	}

	return nil
}

// RedisAddr returns the queue broker address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.QueueRedisHost, c.QueueRedisPort)
}
