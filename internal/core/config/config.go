package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"

	TransportPoll    = "poll"
	TransportWebhook = "webhook"
	TransportKafka   = "kafka"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"SERVER"`
	Database  DatabaseConfig  `mapstructure:"DATABASE"`
	Scheduler SchedulerConfig `mapstructure:"SCHEDULER"`
	Dispatch  DispatchConfig  `mapstructure:"DISPATCH"`
	Kafka     KafkaConfig     `mapstructure:"KAFKA"`
	AWS       AWSConfig       `mapstructure:"AWS"`
}

type ServerConfig struct {
	Host     string `mapstructure:"HOST"`
	Port     string `mapstructure:"PORT"`
	Endpoint string `mapstructure:"ENDPOINT"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"DRIVER"`
	Username     string `mapstructure:"USERNAME"`
	Password     string `mapstructure:"PASSWORD"`
	Host         string `mapstructure:"HOST"`
	Port         string `mapstructure:"PORT"`
	DatabaseName string `mapstructure:"DATABASE_NAME"`
	DSN          string `mapstructure:"DSN"`
}

type SchedulerConfig struct {
	TickInterval        time.Duration `mapstructure:"TICK_INTERVAL"`
	ActiveWindow        time.Duration `mapstructure:"ACTIVE_WINDOW"`
	Timezone            string        `mapstructure:"TIMEZONE"`
	MaxDispatchAttempts int           `mapstructure:"MAX_DISPATCH_ATTEMPTS"`
	DispatchConcurrency int           `mapstructure:"DISPATCH_CONCURRENCY"`
}

type DispatchConfig struct {
	Transport string        `mapstructure:"TRANSPORT"`
	Timeout   time.Duration `mapstructure:"TIMEOUT"`
	PollWait  time.Duration `mapstructure:"POLL_WAIT"`
}

type KafkaConfig struct {
	Brokers       string `mapstructure:"BROKERS"`
	DispatchTopic string `mapstructure:"DISPATCH_TOPIC"`
	ResultTopic   string `mapstructure:"RESULT_TOPIC"`
	ResultGroupID string `mapstructure:"RESULT_GROUP_ID"`
}

type AWSConfig struct {
	Region          string `mapstructure:"REGION"`
	BucketName      string `mapstructure:"BUCKET_NAME"`
	AccessKeyID     string `mapstructure:"ACCESS_KEY_ID"`
	SecretAccessKey string `mapstructure:"SECRET_ACCESS_KEY"`
}

type ConfigManager struct {
	config     *Config
	configPath string
	mutex      sync.RWMutex
}

var (
	instance *ConfigManager
	once     sync.Once
)

// GetConnectionURL builds the dialect specific DSN unless one is configured explicitly.
func (dc *DatabaseConfig) GetConnectionURL() string {
	if dc.DSN != "" {
		return dc.DSN
	}
	switch dc.Driver {
	case DriverMySQL:
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			dc.Username,
			dc.Password,
			dc.Host,
			dc.Port,
			dc.DatabaseName,
		)
	case DriverSQLite:
		return "taskfleet.db"
	default:
		return fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s",
			dc.Username,
			dc.Password,
			dc.Host,
			dc.Port,
			dc.DatabaseName,
		)
	}
}

// Location is the zone that defines "today" for daily tasks.
func (sc *SchedulerConfig) Location() (*time.Location, error) {
	if sc.Timezone == "" || strings.EqualFold(sc.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(sc.Timezone)
}

func (kc *KafkaConfig) BrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(kc.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func (ac *AWSConfig) ArchiveEnabled() bool {
	return ac.BucketName != ""
}

func GetConfigManager() *ConfigManager {
	once.Do(func() {
		instance = &ConfigManager{
			configPath: ".env",
		}
	})
	return instance
}

func (cm *ConfigManager) SetConfigPath(path string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.configPath = path
	cm.config = nil
}

func (cm *ConfigManager) GetConfig() (*Config, error) {
	cm.mutex.RLock()
	if cm.config != nil {
		defer cm.mutex.RUnlock()
		return cm.config, nil
	}
	cm.mutex.RUnlock()

	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if cm.config != nil {
		return cm.config, nil
	}

	var err error
	cm.config, err = loadConfigFile(cm.configPath)
	return cm.config, err
}

func (cm *ConfigManager) ReloadConfig() (*Config, error) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	var err error
	cm.config, err = loadConfigFile(cm.configPath)
	return cm.config, err
}

func (cm *ConfigManager) GetConfigPath() string {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return cm.configPath
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("SERVER_ENDPOINT", "/api")
	v.SetDefault("DATABASE_DRIVER", DriverPostgres)
	v.SetDefault("SCHEDULER_TICK_INTERVAL", "30s")
	v.SetDefault("SCHEDULER_ACTIVE_WINDOW", "300s")
	v.SetDefault("SCHEDULER_TIMEZONE", "Local")
	v.SetDefault("SCHEDULER_MAX_DISPATCH_ATTEMPTS", 0)
	v.SetDefault("SCHEDULER_DISPATCH_CONCURRENCY", 8)
	v.SetDefault("DISPATCH_TRANSPORT", TransportPoll)
	v.SetDefault("DISPATCH_TIMEOUT", "10s")
	v.SetDefault("DISPATCH_POLL_WAIT", "30s")
	v.SetDefault("KAFKA_DISPATCH_TOPIC", "taskfleet.dispatch")
	v.SetDefault("KAFKA_RESULT_TOPIC", "taskfleet.results")
	v.SetDefault("KAFKA_RESULT_GROUP_ID", "taskfleet")
}

// loadConfigFile reads path when it exists; the environment always wins.
func loadConfigFile(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if _, statErr := os.Stat(path); statErr == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading config file: %w", statErr)
	}

	v.SetDefault("SERVER", map[string]interface{}{
		"HOST":     v.GetString("SERVER_HOST"),
		"PORT":     v.GetString("SERVER_PORT"),
		"ENDPOINT": v.GetString("SERVER_ENDPOINT"),
	})

	v.SetDefault("DATABASE", map[string]interface{}{
		"DRIVER":        strings.ToLower(v.GetString("DATABASE_DRIVER")),
		"USERNAME":      v.GetString("DATABASE_USERNAME"),
		"PASSWORD":      v.GetString("DATABASE_PASSWORD"),
		"HOST":          v.GetString("DATABASE_HOST"),
		"PORT":          v.GetString("DATABASE_PORT"),
		"DATABASE_NAME": v.GetString("DATABASE_DATABASE_NAME"),
		"DSN":           v.GetString("DATABASE_DSN"),
	})

	v.SetDefault("SCHEDULER", map[string]interface{}{
		"TICK_INTERVAL":         v.GetDuration("SCHEDULER_TICK_INTERVAL"),
		"ACTIVE_WINDOW":         v.GetDuration("SCHEDULER_ACTIVE_WINDOW"),
		"TIMEZONE":              v.GetString("SCHEDULER_TIMEZONE"),
		"MAX_DISPATCH_ATTEMPTS": v.GetInt("SCHEDULER_MAX_DISPATCH_ATTEMPTS"),
		"DISPATCH_CONCURRENCY":  v.GetInt("SCHEDULER_DISPATCH_CONCURRENCY"),
	})

	v.SetDefault("DISPATCH", map[string]interface{}{
		"TRANSPORT": strings.ToLower(v.GetString("DISPATCH_TRANSPORT")),
		"TIMEOUT":   v.GetDuration("DISPATCH_TIMEOUT"),
		"POLL_WAIT": v.GetDuration("DISPATCH_POLL_WAIT"),
	})

	v.SetDefault("KAFKA", map[string]interface{}{
		"BROKERS":         v.GetString("KAFKA_BROKERS"),
		"DISPATCH_TOPIC":  v.GetString("KAFKA_DISPATCH_TOPIC"),
		"RESULT_TOPIC":    v.GetString("KAFKA_RESULT_TOPIC"),
		"RESULT_GROUP_ID": v.GetString("KAFKA_RESULT_GROUP_ID"),
	})

	v.SetDefault("AWS", map[string]interface{}{
		"REGION":            v.GetString("AWS_REGION"),
		"BUCKET_NAME":       v.GetString("AWS_BUCKET_NAME"),
		"ACCESS_KEY_ID":     v.GetString("AWS_ACCESS_KEY_ID"),
		"SECRET_ACCESS_KEY": v.GetString("AWS_SECRET_ACCESS_KEY"),
	})

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into config struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	db := c.Database
	switch db.Driver {
	case DriverPostgres, DriverMySQL:
		if db.DSN == "" && (db.Username == "" || db.Host == "" || db.Port == "" || db.DatabaseName == "") {
			return fmt.Errorf("missing required database configuration")
		}
	case DriverSQLite:
	default:
		return fmt.Errorf("unsupported database driver %q", db.Driver)
	}

	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler tick interval must be positive")
	}
	if c.Scheduler.ActiveWindow <= 0 {
		return fmt.Errorf("scheduler active window must be positive")
	}
	if c.Scheduler.MaxDispatchAttempts < 0 {
		return fmt.Errorf("scheduler max dispatch attempts must not be negative")
	}
	if _, err := c.Scheduler.Location(); err != nil {
		return fmt.Errorf("invalid scheduler timezone %q: %w", c.Scheduler.Timezone, err)
	}

	switch c.Dispatch.Transport {
	case TransportPoll, TransportWebhook:
	case TransportKafka:
		if len(c.Kafka.BrokerList()) == 0 || c.Kafka.DispatchTopic == "" {
			return fmt.Errorf("kafka transport requires KAFKA_BROKERS and KAFKA_DISPATCH_TOPIC")
		}
	default:
		return fmt.Errorf("unsupported dispatch transport %q", c.Dispatch.Transport)
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("dispatch timeout must be positive")
	}

	return nil
}
