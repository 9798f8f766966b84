package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Host:      "localhost",
			Port:      5432,
			Name:      "minecraft",
			TableName: "playerStatistics",
			MaxConns:  10,
			MinConns:  3,
		},
		Settings: SettingsConfig{
			ServerName:     "survival",
			MinSessionTime: 60,
			WorkerCount:    4,
		},
		Session: SessionConfig{Store: SessionStoreMemory},
		Kafka:   KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "sessions"},
	}
}

func TestConfigValidation(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("valid table and server names pass validation", prop.ForAll(
		func(table, server string) bool {
			if len(table) > 40 || len(server) > 50 {
				return true
			}
			cfg := validConfig()
			cfg.Database.TableName = table
			cfg.Settings.ServerName = server
			return cfg.Validate() == nil
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.Property("table names with punctuation are rejected", prop.ForAll(
		func(table string) bool {
			cfg := validConfig()
			cfg.Database.TableName = table + ";DROP"
			return cfg.Validate() != nil
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *AppConfig)
	}{
		{"empty host", func(c *AppConfig) { c.Database.Host = "" }},
		{"zero port", func(c *AppConfig) { c.Database.Port = 0 }},
		{"min above max", func(c *AppConfig) { c.Database.MinConns = 11 }},
		{"long server name", func(c *AppConfig) { c.Settings.ServerName = string(make([]byte, 51)) }},
		{"negative min session", func(c *AppConfig) { c.Settings.MinSessionTime = -1 }},
		{"no workers", func(c *AppConfig) { c.Settings.WorkerCount = 0 }},
		{"unknown session store", func(c *AppConfig) { c.Session.Store = "disk" }},
		{"redis without address", func(c *AppConfig) { c.Session.Store = SessionStoreRedis }},
		{"no brokers", func(c *AppConfig) { c.Kafka.Brokers = nil }},
		{"no topic", func(c *AppConfig) { c.Kafka.Topic = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadDefaultsFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "localhost:9092,localhost:9093")
	t.Setenv("KAFKA_TOPIC", "sessions")
	t.Setenv("SETTINGS_SERVER_NAME", "lobby")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "playerStatistics", cfg.Database.TableName)
	assert.Equal(t, 10, cfg.Database.MaxConns)
	assert.Equal(t, 3, cfg.Database.MinConns)
	assert.Equal(t, 30*time.Second, cfg.Database.AcquireTimeout)
	assert.Equal(t, "lobby", cfg.Settings.ServerName)
	assert.Equal(t, int64(60), cfg.Settings.MinSessionTime)
	assert.True(t, cfg.Settings.SaveAsync)
	assert.True(t, cfg.Settings.ShowSaveMessages)
	assert.False(t, cfg.Settings.DebugMode)
	assert.Equal(t, SessionStoreMemory, cfg.Session.Store)
	assert.Equal(t, []string{"localhost:9092", "localhost:9093"}, cfg.Kafka.Brokers)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  host: db.internal
  tableName: stats_v2
settings:
  serverName: skyblock
  minSessionTime: 120
  saveAsync: false
kafka:
  brokers: ["kafka:9092"]
  topic: sessions
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "stats_v2", cfg.Database.TableName)
	assert.Equal(t, "skyblock", cfg.Settings.ServerName)
	assert.Equal(t, int64(120), cfg.Settings.MinSessionTime)
	assert.False(t, cfg.Settings.SaveAsync)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
