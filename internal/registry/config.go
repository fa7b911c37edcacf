package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable read by LoadFromEnv.
const EnvPrefix = "STUDYSYNC_"

// ConfigValidator is the Strategy interface for validating configuration.
// Each local store and remote backend provides its own validator for the
// settings specific to it.
type ConfigValidator interface {
	// Validate validates the part of the internal configuration this type owns.
	Validate(config *InternalConfig) error

	// Type returns the type identifier for this validator (e.g., "bolt", "mysql").
	Type() string
}

// ValidationStrategyRegistry holds the validators for one config section.
type ValidationStrategyRegistry struct {
	section    string
	mu         sync.RWMutex
	validators map[string]ConfigValidator
}

func newValidationStrategyRegistry(section string) *ValidationStrategyRegistry {
	return &ValidationStrategyRegistry{
		section:    section,
		validators: make(map[string]ConfigValidator),
	}
}

// Register registers a config validator.
// Panics if validator is nil, type is empty, or type is already registered.
func (r *ValidationStrategyRegistry) Register(validator ConfigValidator) {
	if validator == nil {
		panic("validator cannot be nil")
	}
	if validator.Type() == "" {
		panic("validator type cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.validators[validator.Type()]; exists {
		panic(fmt.Sprintf("%s validator for type %q is already registered", r.section, validator.Type()))
	}

	r.validators[validator.Type()] = validator
}

// Get retrieves a validator by type.
func (r *ValidationStrategyRegistry) Get(validatorType string) (ConfigValidator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	validator, exists := r.validators[validatorType]
	return validator, exists
}

// validate looks up the validator for typ and runs it.
func (r *ValidationStrategyRegistry) validate(typ string, config *InternalConfig) error {
	if typ == "" {
		return fmt.Errorf("%s.type is required", r.section)
	}
	validator, exists := r.Get(typ)
	if !exists {
		return fmt.Errorf("unsupported %s type: %s", r.section, typ)
	}
	if err := validator.Validate(config); err != nil {
		return fmt.Errorf("%s validation failed: %w", r.section, err)
	}
	return nil
}

var (
	storageValidators = newValidationStrategyRegistry("storage")
	remoteValidators  = newValidationStrategyRegistry("remote")
)

// RegisterStorageValidator registers a validator for a local store type.
// This is called from each store implementation's init() function.
func RegisterStorageValidator(validator ConfigValidator) {
	storageValidators.Register(validator)
}

// RegisterRemoteValidator registers a validator for a remote backend type.
func RegisterRemoteValidator(validator ConfigValidator) {
	remoteValidators.Register(validator)
}

// ConfigManager handles loading and managing configuration from various sources.
type ConfigManager struct {
	config *InternalConfig
}

// NewConfigManager creates a new configuration manager with default configuration.
func NewConfigManager() *ConfigManager {
	return &ConfigManager{
		config: DefaultInternalConfig(),
	}
}

// DefaultInternalConfig returns a configuration with sensible defaults: a bbolt
// file for local state, an in-memory backend and manual connectivity.
func DefaultInternalConfig() *InternalConfig {
	return &InternalConfig{
		Storage: InternalStorageConfig{
			Type:      "bolt",
			KeyPrefix: "studysync",
			Bolt: InternalBoltConfig{
				Path:   "studysync.db",
				Bucket: "studysync",
			},
			SQLite: InternalSQLiteConfig{
				Path: "studysync.sqlite",
			},
			Redis: InternalRedisConfig{
				Endpoints:    []string{"localhost:6379"},
				PoolSize:     10,
				MinIdleConns: 2,
			},
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Remote: InternalRemoteConfig{
			Type: "memory",
			MySQL: InternalMySQLConfig{
				Host:              "localhost",
				Port:              3306,
				MaxOpenConns:      25,
				MaxIdleConns:      5,
				ConnMaxLifetime:   5 * time.Minute,
				ConnMaxIdleTime:   10 * time.Minute,
				ConnectionTimeout: 10 * time.Second,
			},
			Postgres: InternalPostgresConfig{
				MaxConns:        20,
				MinConns:        2,
				MaxConnLifetime: time.Hour,
				MaxConnIdleTime: 30 * time.Minute,
			},
		},
		Sync: InternalSyncConfig{
			BatchSize:        10,
			MaxRetryAttempts: 5,
			RedrainDelay:     1 * time.Second,
			QueueInterval:    60 * time.Second,
			RetryInterval:    30 * time.Second,
			RetryBaseBackoff: 1 * time.Second,
			RetryMaxJitter:   1 * time.Second,
			CommitRate:       5,
			IDMapRetention:   7 * 24 * time.Hour,
		},
		Network: InternalNetworkConfig{
			Mode:          "manual",
			StartOnline:   true,
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  3 * time.Second,
		},
		Events: InternalEventsConfig{
			Enabled: false,
			Kafka: InternalKafkaConfig{
				Brokers:      []string{"localhost:9092"},
				Topic:        "studysync-mutations",
				BatchSize:    100,
				BatchTimeout: 10 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: -1, // All replicas
				MaxAttempts:  3,
			},
		},
		HTTP: InternalHTTPConfig{
			Addr: "127.0.0.1:8787",
		},
		Logging: InternalLoggingConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// LoadFromFile loads configuration from a YAML or JSON file.
// The file format is determined by the file extension (.yaml, .yml, or .json).
func (cm *ConfigManager) LoadFromFile(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".yaml", ".yml":
		return cm.LoadFromYAML(data)
	case ".json":
		return cm.LoadFromJSON(data)
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
}

// LoadFromYAML loads configuration from YAML data on top of the defaults.
func (cm *ConfigManager) LoadFromYAML(data []byte) error {
	config := DefaultInternalConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if err := ValidateConfig(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cm.config = config
	return nil
}

// LoadFromJSON loads configuration from JSON data on top of the defaults.
func (cm *ConfigManager) LoadFromJSON(data []byte) error {
	config := DefaultInternalConfig()
	if len(data) > 0 {
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	if err := ValidateConfig(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cm.config = config
	return nil
}

// LoadFromEnv overlays environment variables on the current configuration.
// Environment variables follow the pattern: STUDYSYNC_<SECTION>_<KEY>
// Examples:
//   - STUDYSYNC_STORAGE_TYPE=sqlite
//   - STUDYSYNC_STORAGE_REDIS_ENDPOINTS=localhost:6379,localhost:6380
//   - STUDYSYNC_REMOTE_TYPE=mysql
//   - STUDYSYNC_SYNC_BATCH_SIZE=10
//   - STUDYSYNC_NETWORK_MODE=probe
func (cm *ConfigManager) LoadFromEnv() error {
	config := *cm.config

	// Local storage
	envString("STORAGE_TYPE", &config.Storage.Type)
	envString("STORAGE_KEY_PREFIX", &config.Storage.KeyPrefix)
	envString("STORAGE_BOLT_PATH", &config.Storage.Bolt.Path)
	envString("STORAGE_BOLT_BUCKET", &config.Storage.Bolt.Bucket)
	envString("STORAGE_SQLITE_PATH", &config.Storage.SQLite.Path)
	envList("STORAGE_REDIS_ENDPOINTS", &config.Storage.Redis.Endpoints)
	envString("STORAGE_REDIS_PASSWORD", &config.Storage.Redis.Password)
	envInt("STORAGE_REDIS_DB", &config.Storage.Redis.DB)
	envInt("STORAGE_REDIS_POOL_SIZE", &config.Storage.Redis.PoolSize)
	envString("STORAGE_DYNAMODB_REGION", &config.Storage.DynamoDB.Region)
	envString("STORAGE_DYNAMODB_TABLE_NAME", &config.Storage.DynamoDB.TableName)
	envString("STORAGE_DYNAMODB_ENDPOINT", &config.Storage.DynamoDB.Endpoint)

	// Remote backend
	envString("REMOTE_TYPE", &config.Remote.Type)
	envString("REMOTE_MYSQL_HOST", &config.Remote.MySQL.Host)
	envInt("REMOTE_MYSQL_PORT", &config.Remote.MySQL.Port)
	envString("REMOTE_MYSQL_DATABASE", &config.Remote.MySQL.Database)
	envString("REMOTE_MYSQL_USERNAME", &config.Remote.MySQL.Username)
	envString("REMOTE_MYSQL_PASSWORD", &config.Remote.MySQL.Password)
	envInt("REMOTE_MYSQL_MAX_OPEN_CONNS", &config.Remote.MySQL.MaxOpenConns)
	envString("REMOTE_POSTGRES_URL", &config.Remote.Postgres.URL)
	envString("REMOTE_DYNAMODB_REGION", &config.Remote.DynamoDB.Region)
	envString("REMOTE_DYNAMODB_TABLE_NAME", &config.Remote.DynamoDB.TableName)
	envString("REMOTE_DYNAMODB_ENDPOINT", &config.Remote.DynamoDB.Endpoint)

	// Sync
	envInt("SYNC_BATCH_SIZE", &config.Sync.BatchSize)
	envInt("SYNC_MAX_RETRY_ATTEMPTS", &config.Sync.MaxRetryAttempts)
	envDuration("SYNC_REDRAIN_DELAY", &config.Sync.RedrainDelay)
	envDuration("SYNC_QUEUE_INTERVAL", &config.Sync.QueueInterval)
	envDuration("SYNC_RETRY_INTERVAL", &config.Sync.RetryInterval)
	envDuration("SYNC_RETRY_BASE_BACKOFF", &config.Sync.RetryBaseBackoff)
	envFloat("SYNC_COMMIT_RATE", &config.Sync.CommitRate)
	envDuration("SYNC_ID_MAP_RETENTION", &config.Sync.IDMapRetention)

	// Network
	envString("NETWORK_MODE", &config.Network.Mode)
	envBool("NETWORK_START_ONLINE", &config.Network.StartOnline)
	envDuration("NETWORK_PROBE_INTERVAL", &config.Network.ProbeInterval)

	// Events
	envBool("EVENTS_ENABLED", &config.Events.Enabled)
	envList("EVENTS_KAFKA_BROKERS", &config.Events.Kafka.Brokers)
	envString("EVENTS_KAFKA_TOPIC", &config.Events.Kafka.Topic)

	// HTTP and logging
	envString("HTTP_ADDR", &config.HTTP.Addr)
	envString("LOGGING_LEVEL", &config.Logging.Level)
	envBool("LOGGING_PRETTY", &config.Logging.Pretty)

	if err := ValidateConfig(&config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cm.config = &config
	return nil
}

func envString(key string, dst *string) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		*dst = val
	}
}

func envList(key string, dst *[]string) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		*dst = strings.Split(val, ",")
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		var n int
		if _, err := fmt.Sscanf(val, "%d", &n); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		var f float64
		if _, err := fmt.Sscanf(val, "%f", &f); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		*dst = val == "true" || val == "1"
	}
}

func envDuration(key string, dst *time.Duration) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

// GetConfig returns the current internal configuration.
func (cm *ConfigManager) GetConfig() *InternalConfig {
	return cm.config
}

// ValidateConfig validates the configuration and returns an error if invalid.
// Store and backend specific checks are delegated to the registered validators.
func ValidateConfig(config *InternalConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := storageValidators.validate(config.Storage.Type, config); err != nil {
		return err
	}
	if err := remoteValidators.validate(config.Remote.Type, config); err != nil {
		return err
	}

	s := config.Sync
	if s.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be greater than 0")
	}
	if s.MaxRetryAttempts <= 0 {
		return fmt.Errorf("sync.max_retry_attempts must be greater than 0")
	}
	if s.RedrainDelay < 0 {
		return fmt.Errorf("sync.redrain_delay must be non-negative")
	}
	if s.QueueInterval <= 0 {
		return fmt.Errorf("sync.queue_interval must be greater than 0")
	}
	if s.RetryInterval <= 0 {
		return fmt.Errorf("sync.retry_interval must be greater than 0")
	}
	if s.RetryBaseBackoff <= 0 {
		return fmt.Errorf("sync.retry_base_backoff must be greater than 0")
	}
	if s.RetryMaxJitter < 0 {
		return fmt.Errorf("sync.retry_max_jitter must be non-negative")
	}
	if s.CommitRate <= 0 {
		return fmt.Errorf("sync.commit_rate must be greater than 0")
	}
	if s.IDMapRetention <= 0 {
		return fmt.Errorf("sync.id_map_retention must be greater than 0")
	}

	switch config.Network.Mode {
	case "manual":
	case "probe":
		if config.Network.ProbeInterval <= 0 {
			return fmt.Errorf("network.probe_interval must be greater than 0")
		}
		if config.Network.ProbeTimeout <= 0 {
			return fmt.Errorf("network.probe_timeout must be greater than 0")
		}
	default:
		return fmt.Errorf("network.mode must be 'manual' or 'probe'")
	}

	if config.Events.Enabled {
		if len(config.Events.Kafka.Brokers) == 0 {
			return fmt.Errorf("events.kafka.brokers is required when events are enabled")
		}
		if config.Events.Kafka.Topic == "" {
			return fmt.Errorf("events.kafka.topic is required when events are enabled")
		}
	}

	switch strings.ToLower(config.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}

	return nil
}
