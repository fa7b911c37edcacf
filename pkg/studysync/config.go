package studysync

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/studyquest/studysync/internal/registry"
)

// Config represents the root configuration for a sync engine.
type Config struct {
	// Storage is the local persistent store holding the queues.
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Remote is the document backend mutations are committed to.
	Remote RemoteConfig `yaml:"remote" json:"remote"`

	// Sync contains batching and retry settings.
	Sync SyncConfig `yaml:"sync" json:"sync"`

	// Network selects how connectivity is detected.
	Network NetworkConfig `yaml:"network" json:"network"`

	// Events configures the committed-mutation feed.
	Events EventsConfig `yaml:"events" json:"events"`

	// HTTP configures the control API served by `studysync serve`.
	HTTP HTTPConfig `yaml:"http" json:"http"`

	// Logging configures the zerolog output.
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// StorageConfig contains configuration for the local store.
type StorageConfig struct {
	// Type specifies the store: "memory", "bolt", "sqlite", "redis" or "dynamodb".
	Type string `yaml:"type" json:"type"`

	// KeyPrefix namespaces the keys the engine writes.
	KeyPrefix string `yaml:"key_prefix,omitempty" json:"key_prefix,omitempty"`

	Bolt     BoltConfig     `yaml:"bolt,omitempty" json:"bolt,omitempty"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" json:"sqlite,omitempty"`
	Redis    RedisConfig    `yaml:"redis,omitempty" json:"redis,omitempty"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb,omitempty" json:"dynamodb,omitempty"`

	// DialTimeout is the timeout for establishing connections.
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty"`

	// ReadTimeout is the timeout for read operations.
	ReadTimeout time.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`

	// WriteTimeout is the timeout for write operations.
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`
}

// BoltConfig configures the bbolt file store.
type BoltConfig struct {
	Path   string `yaml:"path" json:"path"`
	Bucket string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	Path string `yaml:"path" json:"path"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Endpoints    []string `yaml:"endpoints" json:"endpoints"`
	Password     string   `yaml:"password,omitempty" json:"password,omitempty"`
	DB           int      `yaml:"db,omitempty" json:"db,omitempty"`
	PoolSize     int      `yaml:"pool_size,omitempty" json:"pool_size,omitempty"`
	MinIdleConns int      `yaml:"min_idle_conns,omitempty" json:"min_idle_conns,omitempty"`
}

// DynamoDBConfig configures a DynamoDB table used as store or backend.
type DynamoDBConfig struct {
	Region          string `yaml:"region" json:"region"`
	TableName       string `yaml:"table_name" json:"table_name"`
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty"`
}

// RemoteConfig contains configuration for the remote backend.
type RemoteConfig struct {
	// Type specifies the backend: "memory", "mysql", "postgres" or "dynamodb".
	Type     string         `yaml:"type" json:"type"`
	MySQL    MySQLConfig    `yaml:"mysql,omitempty" json:"mysql,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" json:"postgres,omitempty"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb,omitempty" json:"dynamodb,omitempty"`
}

// MySQLConfig configures the MySQL backend.
type MySQLConfig struct {
	Host              string        `yaml:"host" json:"host"`
	Port              int           `yaml:"port" json:"port"`
	Database          string        `yaml:"database" json:"database"`
	Username          string        `yaml:"username" json:"username"`
	Password          string        `yaml:"password,omitempty" json:"password,omitempty"`
	MaxOpenConns      int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns      int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime   time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout"`
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	URL             string        `yaml:"url" json:"url"`
	MaxConns        int32         `yaml:"max_conns" json:"max_conns"`
	MinConns        int32         `yaml:"min_conns" json:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" json:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" json:"max_conn_idle_time"`
}

// SyncConfig contains batching, pacing and retry configuration.
type SyncConfig struct {
	// BatchSize is the maximum number of mutations per atomic commit.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// MaxRetryAttempts is the ceiling on failed attempts per mutation or call.
	MaxRetryAttempts int `yaml:"max_retry_attempts" json:"max_retry_attempts"`

	// RedrainDelay is the pause between passes while items remain.
	RedrainDelay time.Duration `yaml:"redrain_delay" json:"redrain_delay"`

	// QueueInterval is the period of the background queue pass.
	QueueInterval time.Duration `yaml:"queue_interval" json:"queue_interval"`

	// RetryInterval is the period of the background retry pass.
	RetryInterval time.Duration `yaml:"retry_interval" json:"retry_interval"`

	// RetryBaseBackoff is the first retry delay; it doubles per attempt.
	RetryBaseBackoff time.Duration `yaml:"retry_base_backoff" json:"retry_base_backoff"`

	// RetryMaxJitter bounds the random delay added to each backoff.
	RetryMaxJitter time.Duration `yaml:"retry_max_jitter" json:"retry_max_jitter"`

	// CommitRate caps commits per second.
	CommitRate float64 `yaml:"commit_rate" json:"commit_rate"`

	// IDMapRetention is how long committed temporary ids keep resolving to
	// their permanent ids.
	IDMapRetention time.Duration `yaml:"id_map_retention" json:"id_map_retention"`
}

// NetworkConfig selects the connectivity source.
type NetworkConfig struct {
	// Mode is "manual" (set explicitly) or "probe" (ping the backend).
	Mode          string        `yaml:"mode" json:"mode"`
	StartOnline   bool          `yaml:"start_online" json:"start_online"`
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
}

// EventsConfig configures publishing of committed mutations.
type EventsConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Kafka   KafkaConfig `yaml:"kafka" json:"kafka"`
}

// KafkaConfig contains configuration for the Kafka producer.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers" json:"brokers"`
	Topic        string        `yaml:"topic" json:"topic"`
	BatchSize    int           `yaml:"batch_size" json:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// RequiredAcks is the number of acknowledgments required (0, 1, or -1 for all).
	RequiredAcks int `yaml:"required_acks" json:"required_acks"`
	MaxAttempts  int `yaml:"max_attempts" json:"max_attempts"`
}

// HTTPConfig configures the control API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`

	// Pretty enables the human-readable console writer.
	Pretty bool `yaml:"pretty" json:"pretty"`
}

// DefaultConfig returns a configuration with sensible defaults: local state
// in studysync.db, an in-memory backend and manual connectivity.
func DefaultConfig() *Config {
	cfg, err := fromInternal(registry.DefaultInternalConfig())
	if err != nil {
		panic(fmt.Sprintf("default config does not round-trip: %v", err))
	}
	return cfg
}

// LoadConfig reads a YAML or JSON file, applies STUDYSYNC_* environment
// overrides and validates the result. An empty path loads defaults plus
// environment.
func LoadConfig(path string) (*Config, error) {
	mgr := registry.NewConfigManager()
	if path != "" {
		if err := mgr.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := mgr.LoadFromEnv(); err != nil {
		return nil, err
	}
	return fromInternal(mgr.GetConfig())
}

// configProvider hands the public config to internal packages as YAML.
type configProvider struct {
	config *Config
}

func (cp *configProvider) GetYAML() ([]byte, error) {
	return yaml.Marshal(cp.config)
}

func fromInternal(cfg *registry.InternalConfig) (*Config, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	out := &Config{}
	if err := yaml.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return out, nil
}
