package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MIAOMC-Server/SSaver/pkg/schema"

	"github.com/spf13/viper"
)

// AppConfig holds the complete configuration for the application
type AppConfig struct {
	Environment string         `mapstructure:"environment"`
	LogLevel    string         `mapstructure:"log_level"`
	ServiceName string         `mapstructure:"service_name"`
	Database    DatabaseConfig `mapstructure:"database"`
	Settings    SettingsConfig `mapstructure:"settings"`
	Session     SessionConfig  `mapstructure:"session"`
	Kafka       KafkaConfig    `mapstructure:"kafka"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Server      ServerConfig   `mapstructure:"server"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	TableName       string        `mapstructure:"tableName"`
	MaxConns        int           `mapstructure:"maxConns"`
	MinConns        int           `mapstructure:"minConns"`
	AcquireTimeout  time.Duration `mapstructure:"acquireTimeout"`
	MaxConnLifetime time.Duration `mapstructure:"maxConnLifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"maxConnIdleTime"`
}

type SettingsConfig struct {
	ServerName       string `mapstructure:"serverName"`
	MinSessionTime   int64  `mapstructure:"minSessionTime"` // seconds
	SaveAsync        bool   `mapstructure:"saveAsync"`
	ShowSaveMessages bool   `mapstructure:"showSaveMessages"`
	DebugMode        bool   `mapstructure:"debugMode"`
	WorkerCount      int    `mapstructure:"workerCount"`
	CatalogPath      string `mapstructure:"catalogPath"`
}

type SessionConfig struct {
	// Store is "memory" or "redis"
	Store string `mapstructure:"store"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

const (
	SessionStoreMemory = "memory"
	SessionStoreRedis  = "redis"
)

// Load loads configuration from file and environment variables
func Load(path string) (*AppConfig, error) {
	v := viper.New()

	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("service_name", "statsaver")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "minecraft")
	v.SetDefault("database.username", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.tableName", "playerStatistics")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 3)
	v.SetDefault("database.acquireTimeout", 30*time.Second)
	v.SetDefault("database.maxConnLifetime", 30*time.Minute)
	v.SetDefault("database.maxConnIdleTime", 60*time.Second)
	v.SetDefault("settings.serverName", "root")
	v.SetDefault("settings.minSessionTime", 60)
	v.SetDefault("settings.saveAsync", true)
	v.SetDefault("settings.showSaveMessages", true)
	v.SetDefault("settings.debugMode", false)
	v.SetDefault("settings.workerCount", 4)
	v.SetDefault("settings.catalogPath", "catalog.json")
	v.SetDefault("session.store", SessionStoreMemory)
	v.SetDefault("kafka.group_id", "statsaver")
	v.SetDefault("server.addr", ":8081")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	// Explicit bindings so Unmarshal sees nested keys coming from env only
	v.BindEnv("environment", "ENVIRONMENT")
	v.BindEnv("log_level", "LOG_LEVEL")
	v.BindEnv("service_name", "SERVICE_NAME")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.port", "DATABASE_PORT")
	v.BindEnv("database.name", "DATABASE_NAME")
	v.BindEnv("database.username", "DATABASE_USERNAME")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.tableName", "DATABASE_TABLE_NAME")
	v.BindEnv("settings.serverName", "SETTINGS_SERVER_NAME")
	v.BindEnv("settings.minSessionTime", "SETTINGS_MIN_SESSION_TIME")
	v.BindEnv("settings.saveAsync", "SETTINGS_SAVE_ASYNC")
	v.BindEnv("settings.debugMode", "SETTINGS_DEBUG_MODE")
	v.BindEnv("settings.catalogPath", "SETTINGS_CATALOG_PATH")
	v.BindEnv("session.store", "SESSION_STORE")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.topic", "KAFKA_TOPIC")
	v.BindEnv("kafka.group_id", "KAFKA_GROUP_ID")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("server.addr", "SERVER_ADDR")

	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Brokers from env arrive as one comma separated string
	brokers := v.GetString("kafka.brokers")
	if brokers != "" && len(config.Kafka.Brokers) == 0 {
		config.Kafka.Brokers = strings.Split(brokers, ",")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *AppConfig) Validate() error {
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("database.port %d is out of range", c.Database.Port)
	}
	if c.Database.Name == "" {
		return errors.New("database.name is required")
	}
	if err := schema.ValidateTableName(c.Database.TableName); err != nil {
		return fmt.Errorf("database.tableName: %w", err)
	}
	if c.Database.MaxConns < 1 {
		return errors.New("database.maxConns must be at least 1")
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		return errors.New("database.minConns must be between 0 and database.maxConns")
	}
	if c.Settings.ServerName == "" || len(c.Settings.ServerName) > 50 {
		return errors.New("settings.serverName must be 1-50 characters")
	}
	if c.Settings.MinSessionTime < 0 {
		return errors.New("settings.minSessionTime must not be negative")
	}
	if c.Settings.WorkerCount < 1 {
		return errors.New("settings.workerCount must be at least 1")
	}
	switch c.Session.Store {
	case SessionStoreMemory:
	case SessionStoreRedis:
		if c.Redis.Address == "" {
			return errors.New("redis.address is required when session.store is redis")
		}
	default:
		return fmt.Errorf("session.store %q must be memory or redis", c.Session.Store)
	}
	if len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Kafka.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	return nil
}
