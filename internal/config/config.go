package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	DatabaseURL string
	LogLevel    string

	// InstanceID identifies this running client instance on the shared
	// channel surface. Randomized per process unless pinned via env.
	InstanceID string

	// UserID is the local account this instance syncs for.
	UserID string

	// RelayURL, when set, switches the channel transport from database
	// polling to the websocket relay (ws://host:port/ws).
	RelayURL string

	// RelayAddr is the listen address of the relay binary.
	RelayAddr string

	ChannelPollInterval time.Duration

	// CallRingTimeout bounds Calling/Ringing. Zero disables the timeout.
	CallRingTimeout time.Duration
}

func Load() (Config, error) {
	cfg := Config{
		DatabaseURL: getEnv("DATABASE_URL", "sqlite::memory:"),
		LogLevel:    strings.TrimSpace(getEnv("LOG_LEVEL", "info")),
		InstanceID:  getEnv("INSTANCE_ID", ""),
		UserID:      getEnv("USER_ID", ""),
		RelayURL:    getEnv("RELAY_URL", ""),
		RelayAddr:   getEnv("RELAY_ADDR", ":8787"),
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.RelayAddr) == "" {
		return Config{}, fmt.Errorf("RELAY_ADDR must not be empty")
	}

	var err error
	cfg.ChannelPollInterval, err = getDuration("CHANNEL_POLL_INTERVAL", 250*time.Millisecond)
	if err != nil {
		return Config{}, err
	}
	if cfg.ChannelPollInterval <= 0 {
		return Config{}, fmt.Errorf("CHANNEL_POLL_INTERVAL must be positive")
	}

	cfg.CallRingTimeout, err = getDuration("CALL_RING_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	if cfg.CallRingTimeout < 0 {
		return Config{}, fmt.Errorf("CALL_RING_TIMEOUT must not be negative")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
