package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config se construye en tres capas: valores por defecto, fichero YAML
// opcional (CONFIG_FILE) y variables de entorno, que siempre ganan.
type Config struct {
	LogLevel string `yaml:"log_level"`
	HTTPPort string `yaml:"http_port"`

	DBDriver    string `yaml:"db_driver"` // sqlite | postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`

	RedisAddr string        `yaml:"redis_addr"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`

	UseKafka          bool     `yaml:"use_kafka"`
	KafkaBrokers      []string `yaml:"kafka_brokers"`
	KafkaTopicMachine string   `yaml:"kafka_topic_machine"`
	KafkaTopicDaemon  string   `yaml:"kafka_topic_daemon"`
	KafkaGroupID      string   `yaml:"kafka_group_id"`

	ClickHouseAddr string `yaml:"clickhouse_addr"`
	ClickHouseDB   string `yaml:"clickhouse_db"`

	Queue   QueueConfig   `yaml:"queue"`
	Machine MachineConfig `yaml:"machine"`
}

type QueueConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	MaxBatches        int           `yaml:"max_batches"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffLimit      time.Duration `yaml:"backoff_limit"`
	WakeupChannel     string        `yaml:"wakeup_channel"`
}

type MachineConfig struct {
	RuntimeURL        string        `yaml:"runtime_url"` // vacío = runtime local en fichero
	RuntimeToken      string        `yaml:"runtime_token"`
	RuntimeTimeout    time.Duration `yaml:"runtime_timeout"`
	LocalRuntimeFile  string        `yaml:"local_runtime_file"`
	ProbeWarmup       time.Duration `yaml:"probe_warmup"`
	ProbePollAttempts int           `yaml:"probe_poll_attempts"`
	ProbePollInterval time.Duration `yaml:"probe_poll_interval"`
	DaemonStatusVT    time.Duration `yaml:"daemon_status_visibility_timeout"`
	ProbeSentVT       time.Duration `yaml:"probe_sent_visibility_timeout"`
	Retention         time.Duration `yaml:"retention"`
}

func Default() *Config {
	return &Config{
		LogLevel:          "info",
		HTTPPort:          "8080",
		DBDriver:          "sqlite",
		SQLitePath:        "./agentbox.db",
		RedisAddr:         "localhost:6379",
		CacheTTL:          5 * time.Minute,
		KafkaBrokers:      []string{"localhost:9092"},
		KafkaTopicMachine: "machine-events",
		KafkaTopicDaemon:  "machine-daemon-status",
		KafkaGroupID:      "agentbox",
		ClickHouseDB:      "default",
		Queue: QueueConfig{
			BatchSize:         10,
			MaxBatches:        10,
			PollInterval:      2 * time.Second,
			VisibilityTimeout: 30 * time.Second,
			MaxAttempts:       5,
			BackoffBase:       2 * time.Second,
			BackoffLimit:      5 * time.Minute,
			WakeupChannel:     "agentbox:queue:wakeup",
		},
		Machine: MachineConfig{
			RuntimeTimeout:    30 * time.Second,
			LocalRuntimeFile:  "./agentbox_runtime.json",
			ProbeWarmup:       10 * time.Second,
			ProbePollAttempts: 60,
			ProbePollInterval: 3 * time.Second,
			DaemonStatusVT:    3 * time.Minute,
			ProbeSentVT:       5 * time.Minute,
			Retention:         48 * time.Hour,
		},
	}
}

// LoadConfig aplica las tres capas. Un CONFIG_FILE ilegible es un error.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	getEnv := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.DBDriver = getEnv("DB_DRIVER", cfg.DBDriver)
	cfg.SQLitePath = getEnv("SQLITE_PATH", cfg.SQLitePath)
	cfg.PostgresDSN = getEnv("DATABASE_URL", cfg.PostgresDSN)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.KafkaTopicMachine = getEnv("KAFKA_TOPIC_MACHINE", cfg.KafkaTopicMachine)
	cfg.KafkaTopicDaemon = getEnv("KAFKA_TOPIC_DAEMON", cfg.KafkaTopicDaemon)
	cfg.KafkaGroupID = getEnv("KAFKA_GROUP_ID", cfg.KafkaGroupID)
	cfg.ClickHouseAddr = getEnv("CLICKHOUSE_ADDR", cfg.ClickHouseAddr)
	cfg.ClickHouseDB = getEnv("CLICKHOUSE_DB", cfg.ClickHouseDB)
	cfg.Queue.WakeupChannel = getEnv("QUEUE_WAKEUP_CHANNEL", cfg.Queue.WakeupChannel)
	cfg.Machine.RuntimeURL = getEnv("RUNTIME_URL", cfg.Machine.RuntimeURL)
	cfg.Machine.RuntimeToken = getEnv("RUNTIME_TOKEN", cfg.Machine.RuntimeToken)
	cfg.Machine.LocalRuntimeFile = getEnv("LOCAL_RUNTIME_FILE", cfg.Machine.LocalRuntimeFile)

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = strings.Split(v, ",")
	}

	var err error
	set := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}
	set(envBool("USE_KAFKA", &cfg.UseKafka))
	set(envDuration("CACHE_TTL", &cfg.CacheTTL))
	set(envInt("QUEUE_BATCH_SIZE", &cfg.Queue.BatchSize))
	set(envInt("QUEUE_MAX_BATCHES", &cfg.Queue.MaxBatches))
	set(envDuration("QUEUE_POLL_INTERVAL", &cfg.Queue.PollInterval))
	set(envDuration("QUEUE_VISIBILITY_TIMEOUT", &cfg.Queue.VisibilityTimeout))
	set(envInt("QUEUE_MAX_ATTEMPTS", &cfg.Queue.MaxAttempts))
	set(envDuration("QUEUE_BACKOFF_BASE", &cfg.Queue.BackoffBase))
	set(envDuration("QUEUE_BACKOFF_LIMIT", &cfg.Queue.BackoffLimit))
	set(envDuration("RUNTIME_TIMEOUT", &cfg.Machine.RuntimeTimeout))
	set(envDuration("PROBE_WARMUP", &cfg.Machine.ProbeWarmup))
	set(envInt("PROBE_POLL_ATTEMPTS", &cfg.Machine.ProbePollAttempts))
	set(envDuration("PROBE_POLL_INTERVAL", &cfg.Machine.ProbePollInterval))
	set(envDuration("DAEMON_STATUS_VISIBILITY_TIMEOUT", &cfg.Machine.DaemonStatusVT))
	set(envDuration("PROBE_SENT_VISIBILITY_TIMEOUT", &cfg.Machine.ProbeSentVT))
	set(envDuration("MACHINE_RETENTION", &cfg.Machine.Retention))
	return err
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

// DSN devuelve la cadena de conexión del driver elegido.
func (c *Config) DSN() string {
	if c.DBDriver == "postgres" {
		return c.PostgresDSN
	}
	return c.SQLitePath
}
