package config

import (
	"fmt"
	"os"
	"strings"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	HTTP     HTTPConfig     `json:"http"`
	Storage  StorageConfig  `json:"storage"`
	Channel  ChannelConfig  `json:"channel"`
	Session  SessionConfig  `json:"session"`
	Dispatch DispatchConfig `json:"dispatch"`
	Redis    *RedisConfig   `json:"redis,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type HTTPConfig struct {
	Addr string `json:"addr,omitempty"`
}

type StorageConfig struct {
	Path string `json:"path"`

	// BusyTimeout is a Go duration string (e.g. "5s").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ChannelConfig selects and configures the messaging channel adapter.
type ChannelConfig struct {
	// Kind is "wagate" (HTTP WhatsApp gateway) or "telegram".
	Kind     string          `json:"kind"`
	Wagate   *WagateConfig   `json:"wagate,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type WagateConfig struct {
	BaseURL string `json:"base_url"`

	// Token may be left empty and supplied via WABLAST_WAGATE_TOKEN.
	Token string `json:"token,omitempty"`

	// StatusPollEvery is a Go duration string (e.g. "2s").
	StatusPollEvery string `json:"status_poll_every,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via WABLAST_TELEGRAM_TOKEN.
	Token string `json:"token,omitempty"`
}

type SessionConfig struct {
	// LinkTimeout bounds how long a linking code stays valid ("60s").
	LinkTimeout string `json:"link_timeout,omitempty"`
}

type DispatchConfig struct {
	// MessageDelay is the pacing gap between consecutive sends ("2s").
	MessageDelay string `json:"message_delay,omitempty"`

	// ProgressGrace is how long the final snapshot is held after a dispatch
	// terminates ("5s").
	ProgressGrace string `json:"progress_grace,omitempty"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`

	// TTL is how long a delivery ledger entry lives ("24h").
	TTL string `json:"ttl,omitempty"`
}

// applyEnv fills secrets from the environment so tokens can stay out of the
// config file (godotenv loads .env before this runs).
func (c *Config) applyEnv() {
	if c.Channel.Wagate != nil && c.Channel.Wagate.Token == "" {
		c.Channel.Wagate.Token = os.Getenv("WABLAST_WAGATE_TOKEN")
	}
	if c.Channel.Telegram != nil && c.Channel.Telegram.Token == "" {
		c.Channel.Telegram.Token = os.Getenv("WABLAST_TELEGRAM_TOKEN")
	}
	if c.Redis != nil && c.Redis.Password == "" {
		c.Redis.Password = os.Getenv("WABLAST_REDIS_PASSWORD")
	}
}

// Validate rejects configs the app could not start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	switch c.Channel.Kind {
	case "wagate":
		if c.Channel.Wagate == nil || strings.TrimSpace(c.Channel.Wagate.BaseURL) == "" {
			return fmt.Errorf("channel.wagate.base_url is required for kind=wagate")
		}
	case "telegram":
		if c.Channel.Telegram == nil || strings.TrimSpace(c.Channel.Telegram.Token) == "" {
			return fmt.Errorf("channel.telegram.token is required for kind=telegram")
		}
	case "":
		return fmt.Errorf("channel.kind is required")
	default:
		return fmt.Errorf("channel.kind %q is not supported", c.Channel.Kind)
	}

	durations := map[string]string{
		"storage.busy_timeout":    c.Storage.BusyTimeout,
		"session.link_timeout":    c.Session.LinkTimeout,
		"dispatch.message_delay":  c.Dispatch.MessageDelay,
		"dispatch.progress_grace": c.Dispatch.ProgressGrace,
	}
	if c.Channel.Wagate != nil {
		durations["channel.wagate.status_poll_every"] = c.Channel.Wagate.StatusPollEvery
	}
	if c.Redis != nil {
		durations["redis.ttl"] = c.Redis.TTL
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	return nil
}
