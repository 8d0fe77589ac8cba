package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the runtime.
type Config struct {
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Worker struct {
		Stream            string        `mapstructure:"stream"`
		Group             string        `mapstructure:"group"`
		Consumer          string        `mapstructure:"consumer"`
		Concurrency       int           `mapstructure:"concurrency"`
		VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
		DedupTTL          time.Duration `mapstructure:"dedup_ttl"`
	} `mapstructure:"worker"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	// Tenants the catalog schemas and fixture actions are registered for.
	Tenants []string `mapstructure:"tenants"`
}

// LoadConfig loads the configuration from config.yaml and the environment.
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}
	viper.AutomaticEnv()

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("worker.stream", "flowd:runs")
	viper.SetDefault("worker.group", "runners")
	viper.SetDefault("worker.concurrency", 8)
	viper.SetDefault("worker.visibility_timeout", time.Minute)
	viper.SetDefault("worker.dedup_ttl", 24*time.Hour)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("tenants", []string{"default"})

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; defaults plus env are enough to run.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}
