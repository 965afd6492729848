package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/JoeShih716/go-fin-ledger/pkg/database"
	"github.com/JoeShih716/go-fin-ledger/pkg/logger"
)

const (
	StorageMemory = "memory"
	StorageMySQL  = database.DriverMySQL
	StorageSQLite = database.DriverSQLite

	EventsNone  = "none"
	EventsKafka = "kafka"
	EventsAMQP  = "amqp"

	// DefaultPath 未指定 LEDGER_CONFIG 時讀取的設定檔
	DefaultPath = "config/config.yaml"
)

type Config struct {
	GRPC       GRPCConfig       `yaml:"grpc"`
	Log        logger.Config    `yaml:"log"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Storage    StorageConfig    `yaml:"storage"`
	MySQL      MySQLConfig      `yaml:"mysql"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Events     EventsConfig     `yaml:"events"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// LedgerConfig 記帳流程的逾時設定
type LedgerConfig struct {
	LockTimeout     time.Duration `yaml:"lock_timeout"`     // 等待帳戶鎖
	ClassifyTimeout time.Duration `yaml:"classify_timeout"` // 單次分類
}

type StorageConfig struct {
	Driver     string `yaml:"driver"` // memory / mysql / sqlite
	WALPath    string `yaml:"wal_path"`
	SQLitePath string `yaml:"sqlite_path"`
}

type MySQLConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	LogLevel        string        `yaml:"log_level"`
}

// ClassifierConfig Target 為空時使用本地關鍵字分類
type ClassifierConfig struct {
	Target      string        `yaml:"target"`
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

type EventsConfig struct {
	Driver string      `yaml:"driver"` // none / kafka / amqp
	Kafka  KafkaConfig `yaml:"kafka"`
	AMQP   AMQPConfig  `yaml:"amqp"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// Load 依序套用: 預設值 -> YAML 檔 -> .env / 環境變數
//
// 參數:
//
//	path: 設定檔路徑，空字串時使用 LEDGER_CONFIG 或 DefaultPath，檔案不存在時只用預設值
func Load(path string) (*Config, error) {
	// .env 不存在是正常情況
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = getEnv("LEDGER_CONFIG", DefaultPath)
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.GRPC.Addr = getEnv("LEDGER_GRPC_ADDR", c.GRPC.Addr)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Ledger.LockTimeout = getEnvDuration("LEDGER_LOCK_TIMEOUT", c.Ledger.LockTimeout)
	c.Ledger.ClassifyTimeout = getEnvDuration("LEDGER_CLASSIFY_TIMEOUT", c.Ledger.ClassifyTimeout)

	c.Storage.Driver = getEnv("LEDGER_STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.WALPath = getEnv("LEDGER_WAL_PATH", c.Storage.WALPath)
	c.Storage.SQLitePath = getEnv("SQLITE_PATH", c.Storage.SQLitePath)

	c.MySQL.Host = getEnv("MYSQL_HOST", c.MySQL.Host)
	c.MySQL.Port = getEnvInt("MYSQL_PORT", c.MySQL.Port)
	c.MySQL.User = getEnv("MYSQL_USER", c.MySQL.User)
	c.MySQL.Password = getEnv("MYSQL_PASSWORD", c.MySQL.Password)
	c.MySQL.DBName = getEnv("MYSQL_DATABASE", c.MySQL.DBName)

	c.Classifier.Target = getEnv("CLASSIFIER_TARGET", c.Classifier.Target)

	c.Events.Driver = getEnv("EVENTS_DRIVER", c.Events.Driver)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Events.Kafka.Brokers = strings.Split(brokers, ",")
	}
	c.Events.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Events.Kafka.Topic)
	c.Events.AMQP.URL = getEnv("AMQP_URL", c.Events.AMQP.URL)
	c.Events.AMQP.Exchange = getEnv("AMQP_EXCHANGE", c.Events.AMQP.Exchange)
}

// applyDefaults 補全 yaml 與環境變數都沒寫的欄位
func (c *Config) applyDefaults() {
	if c.GRPC.Addr == "" {
		c.GRPC.Addr = ":50051"
	}
	if c.Ledger.LockTimeout == 0 {
		c.Ledger.LockTimeout = 5 * time.Second
	}
	if c.Ledger.ClassifyTimeout == 0 {
		c.Ledger.ClassifyTimeout = 3 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageMemory
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "ledger.db"
	}
	if c.MySQL.Port == 0 {
		c.MySQL.Port = 3306
	}
	if c.MySQL.MaxOpenConns == 0 {
		c.MySQL.MaxOpenConns = 100
	}
	if c.MySQL.MaxIdleConns == 0 {
		c.MySQL.MaxIdleConns = 10
	}
	if c.MySQL.ConnMaxLifetime == 0 {
		c.MySQL.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Events.Driver == "" {
		c.Events.Driver = EventsNone
	}
	if c.Events.Kafka.Topic == "" {
		c.Events.Kafka.Topic = "ledger.entries"
	}
	if c.Events.AMQP.Exchange == "" {
		c.Events.AMQP.Exchange = "ledger.events"
	}
	for i := range c.Events.Kafka.Brokers {
		c.Events.Kafka.Brokers[i] = strings.TrimSpace(c.Events.Kafka.Brokers[i])
	}
}

// Validate 一次列出所有設定問題
func (c *Config) Validate() error {
	var problems []string

	if c.GRPC.Addr == "" {
		problems = append(problems, "grpc addr cannot be empty")
	}
	if c.Ledger.LockTimeout < 0 {
		problems = append(problems, fmt.Sprintf("invalid lock timeout %v: must not be negative", c.Ledger.LockTimeout))
	}
	if c.Ledger.ClassifyTimeout < 0 {
		problems = append(problems, fmt.Sprintf("invalid classify timeout %v: must not be negative", c.Ledger.ClassifyTimeout))
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			problems = append(problems, "sqlite path cannot be empty when using sqlite storage")
		}
	case StorageMySQL:
		if c.MySQL.Host == "" {
			problems = append(problems, "mysql host is required when using mysql storage")
		}
		if c.MySQL.DBName == "" {
			problems = append(problems, "mysql dbname is required when using mysql storage")
		}
		if c.MySQL.Port < 1 || c.MySQL.Port > 65535 {
			problems = append(problems, fmt.Sprintf("invalid mysql port %d: must be between 1 and 65535", c.MySQL.Port))
		}
	default:
		problems = append(problems, fmt.Sprintf("invalid storage driver '%s': must be one of [memory mysql sqlite]", c.Storage.Driver))
	}

	switch c.Events.Driver {
	case EventsNone:
	case EventsKafka:
		if len(c.Events.Kafka.Brokers) == 0 {
			problems = append(problems, "kafka brokers are required when events driver is kafka")
		}
	case EventsAMQP:
		if parsed, err := url.Parse(c.Events.AMQP.URL); err != nil || c.Events.AMQP.URL == "" {
			problems = append(problems, fmt.Sprintf("invalid AMQP URL '%s'", c.Events.AMQP.URL))
		} else if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
			problems = append(problems, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsed.Scheme))
		}
	default:
		problems = append(problems, fmt.Sprintf("invalid events driver '%s': must be one of [none kafka amqp]", c.Events.Driver))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

// Database 轉成 pkg/database 的連線設定 (memory 時不會用到)
func (c *Config) Database() database.Config {
	if c.Storage.Driver == StorageSQLite {
		return database.Config{
			Driver:       database.DriverSQLite,
			Path:         c.Storage.SQLitePath,
			MaxOpenConns: 1,
			LogLevel:     c.MySQL.LogLevel,
		}
	}
	return database.Config{
		Driver:          database.DriverMySQL,
		Host:            c.MySQL.Host,
		Port:            c.MySQL.Port,
		User:            c.MySQL.User,
		Password:        c.MySQL.Password,
		DBName:          c.MySQL.DBName,
		MaxOpenConns:    c.MySQL.MaxOpenConns,
		MaxIdleConns:    c.MySQL.MaxIdleConns,
		ConnMaxLifetime: c.MySQL.ConnMaxLifetime,
		LockWaitTimeout: c.Ledger.LockTimeout,
		LogLevel:        c.MySQL.LogLevel,
		ConnectRetries:  10,
		RetryInterval:   2 * time.Second,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
