package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	Listen        string `json:"listen"`
	MaxConcurrent int    `json:"max_concurrent"`
	MaxToolRounds int    `json:"max_tool_rounds"`
	LLM           struct {
		Provider         string  `json:"provider"`
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
	} `json:"llm"`
	Projector struct {
		// CleanupSize is the process-wide buffered-bytes cap before the
		// largest buffers are evicted.
		CleanupSize int64 `json:"cleanup_size"`
		// PerUserCleanupSize forces an immediate flush of a user's chat
		// once their buffered bytes exceed it.
		PerUserCleanupSize int64 `json:"per_user_cleanup_size"`
		// DebounceMS is the per-user quiet period before a timer flush.
		DebounceMS int `json:"debounce_ms"`
	} `json:"projector"`
	Telegram struct {
		Token string `json:"token"`
		// Destinations maps user ids to notify destinations, e.g.
		// "telegram:123456".
		Destinations map[string]string `json:"destinations"`
	} `json:"telegram"`
	Retention struct {
		Schedule string `json:"schedule"`
		MaxAge   string `json:"max_age"`
	} `json:"retention"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".chatfold"),
		MaxConcurrent: 2,
	}
	cfg.LogLevel = "info"
	cfg.Listen = "127.0.0.1:8750"
	cfg.MaxToolRounds = 10
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.Projector.CleanupSize = 100 << 20
	cfg.Projector.PerUserCleanupSize = 512 << 10
	cfg.Projector.DebounceMS = 5000
	cfg.Retention.Schedule = "30 3 * * *"
	cfg.Retention.MaxAge = "720h"

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if v := os.Getenv("DATABASE_PROJECTOR_GARBAGE_CLEANUP_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("DATABASE_PROJECTOR_GARBAGE_CLEANUP_SIZE: %w", err)
		}
		cfg.Projector.CleanupSize = n
	}
	if v := os.Getenv("DATABASE_PROJECTOR_PER_USER_GARBAGE_CLEANUP_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("DATABASE_PROJECTOR_PER_USER_GARBAGE_CLEANUP_SIZE: %w", err)
		}
		cfg.Projector.PerUserCleanupSize = n
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
