package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	RelayURL  string `mapstructure:"relay_url"`
	SessionID string `mapstructure:"session_id"`
	Token     string `mapstructure:"token"`
	UserID    string `mapstructure:"user_id"`
	Target    string `mapstructure:"target"`

	STUNServers []string `mapstructure:"stun_servers"`

	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	ReconnectMultiplier  float64       `mapstructure:"reconnect_multiplier"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	FailureGrace         time.Duration `mapstructure:"failure_grace"`

	VideoWidth  int     `mapstructure:"video_width"`
	VideoHeight int     `mapstructure:"video_height"`
	FrameRate   float64 `mapstructure:"frame_rate"`

	LogLevel  string `mapstructure:"log_level"`
	DumpVideo bool   `mapstructure:"dump_video"`
}

// Load reads configuration from a .env file (if present), an optional YAML
// file named by CALLCORE_CONFIG, and CALLCORE_* environment variables.
// Environment variables take precedence over .env values and the file.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CALLCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("relay_url", "ws://localhost:8080")
	v.SetDefault("session_id", "")
	v.SetDefault("token", "")
	v.SetDefault("user_id", "")
	v.SetDefault("target", "")
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"})
	v.SetDefault("reconnect_delay", "3s")
	v.SetDefault("reconnect_max_delay", "30s")
	v.SetDefault("reconnect_multiplier", 2.0)
	v.SetDefault("reconnect_max_attempts", 5)
	v.SetDefault("ping_interval", "30s")
	v.SetDefault("failure_grace", "5s")
	v.SetDefault("video_width", 1280)
	v.SetDefault("video_height", 720)
	v.SetDefault("frame_rate", 30.0)
	v.SetDefault("log_level", "info")
	v.SetDefault("dump_video", false)

	if file := os.Getenv("CALLCORE_CONFIG"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.SessionID == "" {
		return nil, fmt.Errorf("CALLCORE_SESSION_ID environment variable is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("CALLCORE_TOKEN environment variable is required")
	}
	if cfg.ReconnectMultiplier < 1 {
		return nil, fmt.Errorf("reconnect_multiplier must be >= 1, got %v", cfg.ReconnectMultiplier)
	}
	if cfg.ReconnectMaxAttempts < 0 {
		return nil, fmt.Errorf("reconnect_max_attempts must be >= 0, got %d", cfg.ReconnectMaxAttempts)
	}

	return &cfg, nil
}

// RelayConfig holds the development relay configuration.
type RelayConfig struct {
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	LogLevel     string        `mapstructure:"log_level"`
	RejoinWindow time.Duration `mapstructure:"rejoin_window"`
}

// LoadRelay reads RELAY_* environment variables, after a .env file if present.
func LoadRelay() (*RelayConfig, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()

	v.SetDefault("port", 8080)
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("rejoin_window", "10s")

	var cfg RelayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse relay config: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.RejoinWindow <= 0 {
		return nil, fmt.Errorf("rejoin_window must be positive, got %v", cfg.RejoinWindow)
	}
	switch cfg.Mode {
	case "debug", "release", "test":
	default:
		return nil, fmt.Errorf("invalid mode %q", cfg.Mode)
	}
	return &cfg, nil
}
