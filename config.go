package main

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type serverConfig struct {
	Port               string
	ChatRateWindow     time.Duration
	ChatMaxPerWindow   int
	ChatMaxLength      int
	TradeChatMaxLength int
	ChatRetentionDays  int
	TradeIdleTimeout   time.Duration
}

func defaultConfig() serverConfig {
	return serverConfig{
		Port:               "3001",
		ChatRateWindow:     time.Second,
		ChatMaxPerWindow:   5,
		ChatMaxLength:      500,
		TradeChatMaxLength: 100,
		ChatRetentionDays:  30,
		TradeIdleTimeout:   10 * time.Minute,
	}
}

func loadConfig() serverConfig {
	cfg := defaultConfig()

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.Port = port
	}
	if v, ok := envInt("CHAT_RATE_LIMIT_WINDOW_MS"); ok && v > 0 {
		cfg.ChatRateWindow = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("CHAT_MAX_MESSAGES_PER_WINDOW"); ok && v > 0 {
		cfg.ChatMaxPerWindow = v
	}
	if v, ok := envInt("CHAT_MAX_MESSAGE_LENGTH"); ok && v > 0 {
		cfg.ChatMaxLength = v
	}
	if v, ok := envInt("TRADE_CHAT_MAX_MESSAGE_LENGTH"); ok && v > 0 {
		cfg.TradeChatMaxLength = v
	}
	if v, ok := envInt("CHAT_RETENTION_DAYS"); ok && v > 0 {
		cfg.ChatRetentionDays = v
	}
	if raw := strings.TrimSpace(os.Getenv("TRADE_IDLE_TIMEOUT")); raw != "" {
		// Zero disables the idle sweep entirely.
		if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
			cfg.TradeIdleTimeout = d
		}
	}

	return cfg
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
