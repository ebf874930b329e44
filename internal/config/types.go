// Package config loads, validates and hot-reloads the bot configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	TTS       TTSConfig       `json:"tts"`
	Voice     VoiceConfig     `json:"voice"`
	Notify    NotifyConfig    `json:"notify"`
}

type TelegramConfig struct {
	Token            string  `json:"token"`
	AdminIDs         []int64 `json:"admin_ids"`
	AnnounceChatID   int64   `json:"announce_chat_id"`
	AnnounceThreadID int     `json:"announce_thread_id"`
	LogChatID        int64   `json:"log_chat_id"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
	Chat    LogChatConfig `json:"chat"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LogChatConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `json:"driver"`
	Path   string `json:"path"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone"`
}

type TTSConfig struct {
	CacheDir string `json:"cache_dir"`
	// Provider picks the first-choice synthesizer; others remain fallbacks.
	Provider           string  `json:"provider"`
	ResponsiveVoiceKey string  `json:"responsivevoice_key"`
	Voice              string  `json:"voice"`
	Lang               string  `json:"lang"`
	Rate               float64 `json:"rate"`
}

type VoiceConfig struct {
	IdleTimeout     Duration `json:"idle_timeout"`
	ReconnectWindow Duration `json:"reconnect_window"`
}

type NotifyConfig struct {
	MessagesPerMinute int `json:"messages_per_minute"`
}

func defaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Chat:    LogChatConfig{MinLevel: "warn", RatePerSec: 1},
		},
		Storage:   StorageConfig{Driver: "sqlite", Path: "data/bossbot.db"},
		Scheduler: SchedulerConfig{Timezone: "Asia/Seoul"},
		TTS: TTSConfig{
			CacheDir: "data/tts-cache",
			Provider: "responsivevoice",
			Lang:     "ko",
		},
		Voice: VoiceConfig{
			IdleTimeout:     Duration(5 * time.Minute),
			ReconnectWindow: Duration(5 * time.Second),
		},
		Notify: NotifyConfig{MessagesPerMinute: 20},
	}
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if c.Telegram.AnnounceChatID == 0 {
		errs = append(errs, errors.New("telegram.announce_chat_id is required"))
	}
	switch c.Storage.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for the sqlite driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of sqlite, memory", c.Storage.Driver))
	}
	if _, err := loadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	switch c.TTS.Provider {
	case "", "responsivevoice", "gtranslate":
	default:
		errs = append(errs, fmt.Errorf("tts.provider %q is not one of responsivevoice, gtranslate", c.TTS.Provider))
	}
	if c.Voice.IdleTimeout < 0 || c.Voice.ReconnectWindow < 0 {
		errs = append(errs, errors.New("voice durations must not be negative"))
	}
	if c.Notify.MessagesPerMinute < 0 {
		errs = append(errs, errors.New("notify.messages_per_minute must not be negative"))
	}
	return errors.Join(errs...)
}

func loadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

// Location resolves the configured timezone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := loadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// IsAdmin reports whether the user may run privileged commands. An empty
// admin list means everyone is an admin (single-guild hobby deployments).
func (c *Config) IsAdmin(userID int64) bool {
	if len(c.Telegram.AdminIDs) == 0 {
		return true
	}
	for _, id := range c.Telegram.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}
