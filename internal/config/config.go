package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config holds all configuration for the application
type Config struct {
	Port        string
	LogLevel    string
	Environment string

	StorageBackend  string
	DataPath        string
	SQLitePath      string
	MongoURI        string
	MongoDatabase   string
	MongoCollection string

	IdempotencyCacheTTL             string
	IdempotencyCacheCleanupInterval string
	LedgerWorkerCount               string
	LedgerQueueBufferSize           string
	MaxWriteRetries                 string
	LockCompactionInterval          string

	MaxEventsInQueue string
	EventsFilePath   string

	RateLimitEnabled                string
	RateLimitType                   string
	RateLimitRequestsPerMinute      string
	RateLimitBurst                  string
	RateLimitAdminRequestsPerMinute string

	APIKeys      string
	AdminAPIKeys string
	JWTSecret    string

	MetricsExporter string
	MetricsAddr     string
	ShutdownTimeout string

	// ConfigFile is the TOML file the defaults were read from, if any.
	ConfigFile string
}

// LoadError reports a configuration file that could not be read.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading config from %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// LoadConfig loads a .env file if present, then builds the configuration
// from the process environment.
func LoadConfig() (*Config, error) {
	// This will not override existing environment variables
	envFileErr := godotenv.Load()

	cfg, err := FromLookup(os.LookupEnv)
	if err != nil {
		return nil, err
	}
	if envFileErr != nil {
		zap.L().Debug("No .env file loaded, using system environment only", zap.Error(envFileErr))
	}
	return cfg, nil
}

// FromLookup builds the configuration. Environment values win over the TOML
// file named by LEDGER_CONFIG_FILE, which wins over built-in defaults.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	fileValues := map[string]string{}
	configFile, _ := lookup("LEDGER_CONFIG_FILE")
	if configFile != "" {
		values, err := loadFile(configFile)
		if err != nil {
			return nil, &LoadError{Path: configFile, Err: err}
		}
		fileValues = values
	}

	get := func(key, defaultValue string) string {
		if value, ok := lookup(key); ok && value != "" {
			return value
		}
		if value, ok := fileValues[key]; ok && value != "" {
			return value
		}
		return defaultValue
	}

	return &Config{
		Port:        get("PORT", "8080"),
		LogLevel:    get("LOG_LEVEL", "info"),
		Environment: get("ENVIRONMENT", "development"),

		StorageBackend:  get("STORAGE_BACKEND", "memory"),
		DataPath:        get("DATA_PATH", "./data/stock_entries.json"),
		SQLitePath:      get("SQLITE_PATH", "./data/ledger.db"),
		MongoURI:        get("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:   get("MONGO_DATABASE", "relief_inventory"),
		MongoCollection: get("MONGO_COLLECTION", "stock_entries"),

		IdempotencyCacheTTL:             get("IDEMPOTENCY_CACHE_TTL", "2m"),
		IdempotencyCacheCleanupInterval: get("IDEMPOTENCY_CACHE_CLEANUP_INTERVAL", "30s"),
		LedgerWorkerCount:               get("LEDGER_WORKER_COUNT", "4"),
		LedgerQueueBufferSize:           get("LEDGER_QUEUE_BUFFER_SIZE", "100"),
		MaxWriteRetries:                 get("MAX_WRITE_RETRIES", "5"),
		LockCompactionInterval:          get("LOCK_COMPACTION_INTERVAL", "5m"),

		MaxEventsInQueue: get("MAX_EVENTS_IN_QUEUE", "10000"),
		EventsFilePath:   get("EVENTS_FILE_PATH", "./data/events.json"),

		RateLimitEnabled:                get("RATE_LIMIT_ENABLED", "true"),
		RateLimitType:                   get("RATE_LIMIT_TYPE", "ip"),
		RateLimitRequestsPerMinute:      get("RATE_LIMIT_REQUESTS_PER_MINUTE", "100"),
		RateLimitBurst:                  get("RATE_LIMIT_BURST", ""),
		RateLimitAdminRequestsPerMinute: get("RATE_LIMIT_ADMIN_REQUESTS_PER_MINUTE", "50"),

		APIKeys:      get("API_KEYS", "demo"),
		AdminAPIKeys: get("ADMIN_API_KEYS", ""),
		JWTSecret:    get("JWT_SECRET", ""),

		MetricsExporter: get("METRICS_EXPORTER", "scraper"),
		MetricsAddr:     get("METRICS_ADDR", ""),
		ShutdownTimeout: get("SHUTDOWN_TIMEOUT", "30s"),

		ConfigFile: configFile,
	}, nil
}

// loadFile reads a flat TOML table whose keys are the environment variable
// names, matched case-insensitively.
func loadFile(path string) (map[string]string, error) {
	var raw map[string]interface{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, err
	}

	values := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case string, int64, float64, bool:
			values[strings.ToUpper(key)] = fmt.Sprint(v)
		case []interface{}:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			values[strings.ToUpper(key)] = strings.Join(parts, ",")
		default:
			return nil, fmt.Errorf("key %q: unsupported value type %T", key, value)
		}
	}
	return values, nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IdempotencyTTL() time.Duration {
	return parseDuration("IDEMPOTENCY_CACHE_TTL", c.IdempotencyCacheTTL, 2*time.Minute)
}

func (c *Config) IdempotencyCleanupInterval() time.Duration {
	return parseDuration("IDEMPOTENCY_CACHE_CLEANUP_INTERVAL", c.IdempotencyCacheCleanupInterval, 30*time.Second)
}

func (c *Config) LockCompactionIntervalDuration() time.Duration {
	return parseDuration("LOCK_COMPACTION_INTERVAL", c.LockCompactionInterval, 5*time.Minute)
}

func (c *Config) ShutdownTimeoutDuration() time.Duration {
	return parseDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout, 30*time.Second)
}

func (c *Config) WorkerCount() int {
	return parsePositiveInt("LEDGER_WORKER_COUNT", c.LedgerWorkerCount, 4)
}

func (c *Config) QueueBufferSize() int {
	return parsePositiveInt("LEDGER_QUEUE_BUFFER_SIZE", c.LedgerQueueBufferSize, 100)
}

func (c *Config) MaxRetries() int {
	return parsePositiveInt("MAX_WRITE_RETRIES", c.MaxWriteRetries, 5)
}

func (c *Config) MaxEvents() int {
	return parsePositiveInt("MAX_EVENTS_IN_QUEUE", c.MaxEventsInQueue, 10000)
}

// APIKeyList splits API_KEYS.
func (c *Config) APIKeyList() []string {
	return splitList(c.APIKeys)
}

// AdminAPIKeyList splits ADMIN_API_KEYS.
func (c *Config) AdminAPIKeyList() []string {
	return splitList(c.AdminAPIKeys)
}

func parseDuration(name, value string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		zap.L().Warn("Invalid duration, using default",
			zap.String("key", name),
			zap.String("provided", value),
			zap.Duration("default", defaultValue))
		return defaultValue
	}
	return d
}

func parsePositiveInt(name, value string, defaultValue int) int {
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		zap.L().Warn("Invalid integer, using default",
			zap.String("key", name),
			zap.String("provided", value),
			zap.Int("default", defaultValue))
		return defaultValue
	}
	return n
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
