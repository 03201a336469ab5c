package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EngineSQLite = "sqlite"
	EngineMemory = "memory"

	TransportSocket   = "socket"
	TransportRabbitMQ = "rabbitmq"
	TransportNone     = "none"
)

type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	Ingestion IngestionConfig         `mapstructure:"ingestion"`
	Storage   StorageConfig           `mapstructure:"storage"`
	Metadata  MetadataConfig          `mapstructure:"metadata"`
	Kafka     KafkaConfig             `mapstructure:"kafka"`
	Report    ReportConfig            `mapstructure:"report"`
	Metrics   MetricsConfig           `mapstructure:"metrics"`
	Log       LogConfig               `mapstructure:"log"`
	Streams   map[string]StreamConfig `mapstructure:"streams"`
}

type ServerConfig struct {
	BindAttempts    int           `mapstructure:"bind_attempts"`
	BindInterval    time.Duration `mapstructure:"bind_interval"`
	ReleaseTimeout  time.Duration `mapstructure:"release_timeout"`
	WorkerPoolSize  int           `mapstructure:"worker_pool_size"`
	WorkerQueueSize int           `mapstructure:"worker_queue_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxInflight     int           `mapstructure:"max_inflight"`
	MaxFrameSize    int           `mapstructure:"max_frame_size"`
}

// StopPolicy bounds how long a partition close waits for consumption to
// confirm it has stopped. Each attempt re-signals the stop.
type StopPolicy struct {
	Attempts int           `mapstructure:"attempts"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Budget is the longest a policy can wait.
func (p StopPolicy) Budget() time.Duration { return time.Duration(p.Attempts) * p.Timeout }

type IngestionConfig struct {
	CompletionStop     StopPolicy    `mapstructure:"completion_stop"`
	ErrorStop          StopPolicy    `mapstructure:"error_stop"`
	CheckpointInterval int           `mapstructure:"checkpoint_interval"`
	ReportTimeout      time.Duration `mapstructure:"report_timeout"`
}

type StorageConfig struct {
	Engine       string `mapstructure:"engine"`
	BaseDir      string `mapstructure:"base_dir"`
	MemtableSize int    `mapstructure:"memtable_size"`
}

type MetadataConfig struct {
	Path string `mapstructure:"path"`
}

type KafkaConfig struct {
	Brokers  []string    `mapstructure:"brokers"`
	ClientID string      `mapstructure:"client_id"`
	SASL     SASLConfig  `mapstructure:"sasl"`
	TLS      TLSConfig   `mapstructure:"tls"`
	Fetch    FetchConfig `mapstructure:"fetch"`
}

type SASLConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Mechanism string `mapstructure:"mechanism"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

type TLSConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

type FetchConfig struct {
	MinBytes int32         `mapstructure:"min_bytes"`
	MaxBytes int32         `mapstructure:"max_bytes"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

type ReportConfig struct {
	Transport string         `mapstructure:"transport"`
	Address   string         `mapstructure:"address"`
	RabbitMQ  RabbitMQConfig `mapstructure:"rabbitmq"`
}

type RabbitMQConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
}

type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Human bool   `mapstructure:"human"`
}

// StreamConfig describes one stream version hosted by the sidecar.
type StreamConfig struct {
	Name                 string `mapstructure:"name"`
	Topic                string `mapstructure:"topic"`
	Partitions           int    `mapstructure:"partitions"`
	VersionStateRequired bool   `mapstructure:"version_state_required"`
	Compression          string `mapstructure:"compression"`
}

// Load reads path (YAML, TOML or JSON) layered under ISOLATOR_* environment
// variables. An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("isolator")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default is the configuration used when no file or environment is given.
func Default() Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.bind_attempts", 100)
	v.SetDefault("server.bind_interval", 100*time.Millisecond)
	v.SetDefault("server.release_timeout", 500*time.Millisecond)
	v.SetDefault("server.worker_pool_size", 10)
	v.SetDefault("server.worker_queue_size", 1024)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.max_inflight", 64)
	v.SetDefault("server.max_frame_size", 8<<20)

	v.SetDefault("ingestion.completion_stop.attempts", 1)
	v.SetDefault("ingestion.completion_stop.timeout", 60*time.Second)
	v.SetDefault("ingestion.error_stop.attempts", 10)
	v.SetDefault("ingestion.error_stop.timeout", time.Second)
	v.SetDefault("ingestion.checkpoint_interval", 1000)
	v.SetDefault("ingestion.report_timeout", 5*time.Second)

	v.SetDefault("storage.engine", EngineSQLite)
	v.SetDefault("storage.base_dir", "data/storage")
	v.SetDefault("storage.memtable_size", 1024)
	v.SetDefault("metadata.path", "data/metadata.db")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "isolator")
	v.SetDefault("kafka.sasl.enabled", false)
	v.SetDefault("kafka.sasl.mechanism", "PLAIN")
	v.SetDefault("kafka.sasl.username", "")
	v.SetDefault("kafka.sasl.password", "")
	v.SetDefault("kafka.tls.enabled", false)
	v.SetDefault("kafka.tls.insecure_skip_verify", false)
	v.SetDefault("kafka.fetch.min_bytes", 1)
	v.SetDefault("kafka.fetch.max_bytes", 50<<20)
	v.SetDefault("kafka.fetch.max_wait", time.Second)

	v.SetDefault("report.transport", TransportNone)
	v.SetDefault("report.address", "")
	v.SetDefault("report.rabbitmq.url", "")
	v.SetDefault("report.rabbitmq.exchange", "isolator.reports")
	v.SetDefault("report.rabbitmq.routing_key", "isolator")
	v.SetDefault("report.rabbitmq.username", "")
	v.SetDefault("report.rabbitmq.password", "")

	v.SetDefault("metrics.address", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.human", false)
}

func (c Config) Validate() error {
	if c.Server.BindAttempts < 1 {
		return fmt.Errorf("server.bind_attempts must be >= 1")
	}
	if c.Server.BindInterval <= 0 {
		return fmt.Errorf("server.bind_interval must be positive")
	}
	if c.Server.WorkerPoolSize < 1 {
		return fmt.Errorf("server.worker_pool_size must be >= 1")
	}
	if c.Server.WorkerQueueSize < 1 {
		return fmt.Errorf("server.worker_queue_size must be >= 1")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	for name, p := range map[string]StopPolicy{"ingestion.completion_stop": c.Ingestion.CompletionStop, "ingestion.error_stop": c.Ingestion.ErrorStop} {
		if p.Attempts < 1 || p.Timeout <= 0 {
			return fmt.Errorf("%s needs attempts >= 1 and a positive timeout", name)
		}
	}
	if c.Ingestion.CheckpointInterval < 1 {
		return fmt.Errorf("ingestion.checkpoint_interval must be >= 1")
	}
	switch c.Storage.Engine {
	case EngineSQLite, EngineMemory:
	default:
		return fmt.Errorf("unsupported storage.engine %q", c.Storage.Engine)
	}
	if c.Kafka.SASL.Enabled {
		switch strings.ToUpper(c.Kafka.SASL.Mechanism) {
		case "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			return fmt.Errorf("unsupported kafka.sasl.mechanism %q", c.Kafka.SASL.Mechanism)
		}
	}
	switch c.Report.Transport {
	case TransportNone:
	case TransportSocket:
		if c.Report.Address == "" {
			return fmt.Errorf("report.address is required for the socket transport")
		}
	case TransportRabbitMQ:
		if c.Report.RabbitMQ.URL == "" || c.Report.RabbitMQ.Exchange == "" {
			return fmt.Errorf("report.rabbitmq.url and report.rabbitmq.exchange are required")
		}
	default:
		return fmt.Errorf("unsupported report.transport %q", c.Report.Transport)
	}
	for name, s := range c.Streams {
		if s.Partitions < 0 {
			return fmt.Errorf("streams.%s.partitions must be >= 0", name)
		}
	}
	return nil
}
