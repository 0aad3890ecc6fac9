package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr          string
	DataDir       string
	DBPath        string
	TanksFile     string
	RetentionDays int

	Telemetry TelemetryConfig

	TelegramBotToken string
	TelegramChatID   string
}

type TelemetryConfig struct {
	WSURL             string
	PollURL           string
	Token             string
	PollInterval      time.Duration
	Keepalive         time.Duration
	ReconnectInterval time.Duration
}

func Load() Config {
	dataDir := getenv("APP_DATA_DIR", "./data")
	return Config{
		Addr:          getenv("APP_ADDR", ":8080"),
		DataDir:       dataDir,
		DBPath:        getenv("APP_DB_PATH", dataDir+"/tankwatch.db"),
		TanksFile:     getenv("TANKS_FILE", dataDir+"/tanks.yaml"),
		RetentionDays: getenvInt("APP_RETENTION_DAYS", 14),
		Telemetry: TelemetryConfig{
			WSURL:             os.Getenv("TELEMETRY_WS_URL"),
			PollURL:           os.Getenv("TELEMETRY_POLL_URL"),
			Token:             strings.TrimSpace(os.Getenv("TELEMETRY_TOKEN")),
			PollInterval:      getenvDuration("TELEMETRY_POLL_INTERVAL", 3*time.Second),
			Keepalive:         getenvDuration("TELEMETRY_KEEPALIVE", 30*time.Second),
			ReconnectInterval: getenvDuration("TELEMETRY_RECONNECT_INTERVAL", 15*time.Second),
		},
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
	}
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func getenvDuration(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	dur, err := time.ParseDuration(v)
	if err != nil || dur <= 0 {
		return d
	}
	return dur
}
