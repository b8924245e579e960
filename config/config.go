package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// DSN renders the config as a pgx connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Name)
}

// RedisConfig holds the queue broker and pub/sub connection settings.
type RedisConfig struct {
	Host     string
	Port     int
	DB       int
	Password string
	TLS      bool
}

// Addr returns the host:port address for the Redis client.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Config is the process-wide configuration loaded from the environment.
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Listen   string
}

// Load reads configuration from environment variables, applying defaults for
// anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database_host", "localhost")
	v.SetDefault("database_port", 5432)
	v.SetDefault("postgres_db", "netguard")
	v.SetDefault("postgres_user", "postgres")
	v.SetDefault("postgres_password", "")
	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_ssl", false)
	v.SetDefault("listen_addr", ":8000")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     v.GetString("database_host"),
			Port:     v.GetInt("database_port"),
			Name:     v.GetString("postgres_db"),
			User:     v.GetString("postgres_user"),
			Password: v.GetString("postgres_password"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis_host"),
			Port:     v.GetInt("redis_port"),
			DB:       v.GetInt("redis_db"),
			Password: v.GetString("redis_password"),
			TLS:      v.GetBool("redis_ssl"),
		},
		Listen: v.GetString("listen_addr"),
	}
	return cfg, nil
}
