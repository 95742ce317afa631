package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Pipeline struct {
		// BaseURL is the root of the backend pipeline API.
		BaseURL string `mapstructure:"base_url"`
		APIKey  string `mapstructure:"api_key"`
		// Stages is the ordered list of pipeline stages a request moves
		// through. Progress is derived from the position of the stage the
		// backend reports.
		Stages         []string      `mapstructure:"stages"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"pipeline"`

	Scheduler struct {
		// Concurrency is the initial admission ceiling. It can be changed
		// at runtime through the API or the run command.
		Concurrency  int           `mapstructure:"concurrency"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
		// MaxPollFailures fails an item after this many consecutive status
		// poll transport errors. 0 keeps polling indefinitely.
		MaxPollFailures int `mapstructure:"max_poll_failures"`
	} `mapstructure:"scheduler"`

	Database struct {
		History struct {
			DSN string `mapstructure:"dsn"`
		} `mapstructure:"history"`
	} `mapstructure:"database"`

	Server struct {
		Addr string `mapstructure:"addr"`
		Port string `mapstructure:"port"`
	} `mapstructure:"server"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.SetDefault("pipeline.stages", []string{"intake", "validation", "processing", "delivery"})
	viper.SetDefault("pipeline.request_timeout", 30*time.Second)
	viper.SetDefault("scheduler.concurrency", 2)
	viper.SetDefault("scheduler.poll_interval", 2*time.Second)
	viper.SetDefault("scheduler.max_poll_failures", 0)
	viper.SetDefault("server.addr", "localhost")
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("log.level", "info")

	viper.AutomaticEnv()
	// The API key is commonly supplied via the environment rather than the
	// config file.
	viper.BindEnv("pipeline.api_key", "PIPELINE_API_KEY")
	viper.BindEnv("pipeline.base_url", "PIPELINE_BASE_URL")

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env vars still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
