package registry

import (
	"time"
)

// InternalConfig represents the internal configuration structure.
// The public studysync.Config is converted into this type via YAML to avoid
// import cycles between the public package and the internal components.
type InternalConfig struct {
	Storage InternalStorageConfig `yaml:"storage" json:"storage"`
	Remote  InternalRemoteConfig  `yaml:"remote" json:"remote"`
	Sync    InternalSyncConfig    `yaml:"sync" json:"sync"`
	Network InternalNetworkConfig `yaml:"network" json:"network"`
	Events  InternalEventsConfig  `yaml:"events" json:"events"`
	HTTP    InternalHTTPConfig    `yaml:"http" json:"http"`
	Logging InternalLoggingConfig `yaml:"logging" json:"logging"`
}

// InternalStorageConfig configures the local persistent key-value store that
// holds the mutation queue, the retry queue and the id map.
type InternalStorageConfig struct {
	Type      string `yaml:"type" json:"type"`
	KeyPrefix string `yaml:"key_prefix,omitempty" json:"key_prefix,omitempty"`

	Bolt     InternalBoltConfig     `yaml:"bolt,omitempty" json:"bolt,omitempty"`
	SQLite   InternalSQLiteConfig   `yaml:"sqlite,omitempty" json:"sqlite,omitempty"`
	Redis    InternalRedisConfig    `yaml:"redis,omitempty" json:"redis,omitempty"`
	DynamoDB InternalDynamoDBConfig `yaml:"dynamodb,omitempty" json:"dynamodb,omitempty"`

	DialTimeout  time.Duration `yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`
}

// InternalBoltConfig contains bbolt-specific configuration.
type InternalBoltConfig struct {
	Path   string `yaml:"path" json:"path"`
	Bucket string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
}

// InternalSQLiteConfig contains SQLite-specific configuration.
type InternalSQLiteConfig struct {
	Path string `yaml:"path" json:"path"`
}

// InternalRedisConfig contains Redis-specific configuration.
type InternalRedisConfig struct {
	Endpoints    []string `yaml:"endpoints" json:"endpoints"`
	Password     string   `yaml:"password,omitempty" json:"password,omitempty"`
	DB           int      `yaml:"db,omitempty" json:"db,omitempty"`
	PoolSize     int      `yaml:"pool_size,omitempty" json:"pool_size,omitempty"`
	MinIdleConns int      `yaml:"min_idle_conns,omitempty" json:"min_idle_conns,omitempty"`
}

// InternalDynamoDBConfig contains DynamoDB-specific configuration.
type InternalDynamoDBConfig struct {
	Region          string `yaml:"region" json:"region"`
	TableName       string `yaml:"table_name" json:"table_name"`
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty"`
}

// InternalRemoteConfig configures the remote document backend.
type InternalRemoteConfig struct {
	Type     string                 `yaml:"type" json:"type"`
	MySQL    InternalMySQLConfig    `yaml:"mysql,omitempty" json:"mysql,omitempty"`
	Postgres InternalPostgresConfig `yaml:"postgres,omitempty" json:"postgres,omitempty"`
	DynamoDB InternalDynamoDBConfig `yaml:"dynamodb,omitempty" json:"dynamodb,omitempty"`
}

// InternalMySQLConfig contains configuration for the MySQL backend.
type InternalMySQLConfig struct {
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

// InternalPostgresConfig contains configuration for the PostgreSQL backend.
type InternalPostgresConfig struct {
	URL             string        `yaml:"url" json:"url"`
	MaxConns        int32         `yaml:"max_conns" json:"max_conns"`
	MinConns        int32         `yaml:"min_conns" json:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" json:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" json:"max_conn_idle_time"`
}

// InternalSyncConfig contains the queue processing and retry parameters.
type InternalSyncConfig struct {
	BatchSize        int           `yaml:"batch_size" json:"batch_size"`
	MaxRetryAttempts int           `yaml:"max_retry_attempts" json:"max_retry_attempts"`
	RedrainDelay     time.Duration `yaml:"redrain_delay" json:"redrain_delay"`
	QueueInterval    time.Duration `yaml:"queue_interval" json:"queue_interval"`
	RetryInterval    time.Duration `yaml:"retry_interval" json:"retry_interval"`
	RetryBaseBackoff time.Duration `yaml:"retry_base_backoff" json:"retry_base_backoff"`
	RetryMaxJitter   time.Duration `yaml:"retry_max_jitter" json:"retry_max_jitter"`
	CommitRate       float64       `yaml:"commit_rate" json:"commit_rate"` // commits per second
	IDMapRetention   time.Duration `yaml:"id_map_retention" json:"id_map_retention"`
}

// InternalNetworkConfig selects how connectivity is detected.
type InternalNetworkConfig struct {
	Mode          string        `yaml:"mode" json:"mode"` // manual | probe
	StartOnline   bool          `yaml:"start_online" json:"start_online"`
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
}

// InternalEventsConfig configures the committed-mutation event feed.
type InternalEventsConfig struct {
	Enabled bool                `yaml:"enabled" json:"enabled"`
	Kafka   InternalKafkaConfig `yaml:"kafka" json:"kafka"`
}

// InternalKafkaConfig contains Kafka-specific configuration.
type InternalKafkaConfig struct {
	Brokers      []string      `yaml:"brokers" json:"brokers"`
	Topic        string        `yaml:"topic" json:"topic"`
	BatchSize    int           `yaml:"batch_size" json:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks" json:"required_acks"`
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
}

// InternalHTTPConfig configures the local control API.
type InternalHTTPConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// InternalLoggingConfig configures the root logger.
type InternalLoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Pretty bool   `yaml:"pretty" json:"pretty"`
}
