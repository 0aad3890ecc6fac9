package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"tankwatch/internal/config"
)

func TestRunShutsDownCleanly(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{
		Addr:          "127.0.0.1:0",
		DBPath:        dir + "/tankwatch.db",
		TanksFile:     dir + "/missing.yaml",
		RetentionDays: 3,
		Telemetry:     config.TelemetryConfig{PollInterval: time.Second, Keepalive: time.Second, ReconnectInterval: time.Second},
	}
	a, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}
