package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode         string        `mapstructure:"mode"`
	LobbyChannel string        `mapstructure:"lobby_channel"`
	SignalURL    string        `mapstructure:"signal_url"`
	TokenURL     string        `mapstructure:"token_url"`
	TokenAddr    string        `mapstructure:"token_addr"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	AckTimeout   time.Duration `mapstructure:"ack_timeout"`
	Secret       string        `mapstructure:"secret"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("lobby_channel", "lobby")
	v.SetDefault("signal_url", "ws://localhost:8080/ws/rtm")
	v.SetDefault("token_url", "http://localhost:8081")
	v.SetDefault("token_addr", ":8081")
	v.SetDefault("token_ttl", "24h")
	v.SetDefault("ack_timeout", "5s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
