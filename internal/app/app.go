package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tankwatch/internal/apperr"
	"tankwatch/internal/config"
	"tankwatch/internal/db"
	"tankwatch/internal/metrics"
	"tankwatch/internal/notifier"
	"tankwatch/internal/pipeline"
	"tankwatch/internal/retention"
	"tankwatch/internal/telemetry"
	"tankwatch/internal/web"
)

type App struct {
	cfg config.Config
	log *slog.Logger

	db        *db.Repository
	telemetry *telemetry.Manager
	pipeline  *pipeline.Pipeline
	retention *retention.Service
	notify    *notifier.Telegram
	web       *web.Server

	httpSrv *http.Server
}

func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	catalogue, err := config.LoadCatalogue(cfg.TanksFile)
	if err != nil {
		return nil, err
	}
	sqldb, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(sqldb); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	repo := db.NewRepository(sqldb)

	token, chatID, _ := repo.LoadTelegramSettings(context.Background())
	if token == "" {
		token = cfg.TelegramBotToken
	}
	if chatID == "" {
		chatID = cfg.TelegramChatID
	}
	n := notifier.NewTelegram(token, chatID)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	pipe := pipeline.New(catalogue, repo, n, m, logger.With("module", "pipeline"), pipeline.WithStaleAfter(cfg.Telemetry.Keepalive))
	if err := pipe.LoadSettings(context.Background()); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("load settings: %w", err)
	}
	w := web.NewServer(pipe, repo, n, reg, logger.With("module", "web"))

	app := &App{
		cfg:       cfg,
		log:       logger,
		db:        repo,
		telemetry: telemetry.NewManager(cfg.Telemetry, logger.With("module", "telemetry"), telemetry.WithObserver(m)),
		pipeline:  pipe,
		retention: retention.NewService(repo, cfg.RetentionDays, logger.With("module", "retention")),
		notify:    n,
		web:       w,
	}
	app.httpSrv = &http.Server{Addr: cfg.Addr, Handler: w.Routes(), ReadHeaderTimeout: 10 * time.Second}
	logger.Info("tank catalogue loaded", "tanks", len(catalogue.Tanks), "path", cfg.TanksFile)
	return app, nil
}

func (a *App) Run(ctx context.Context) error {
	go func() {
		a.log.Info("http server listening", "addr", a.cfg.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("http server failed", "err", err)
		}
	}()

	events, err := a.telemetry.Subscribe(ctx)
	switch {
	case apperr.IsKind(err, apperr.Unauthenticated):
		a.log.Error("telemetry disabled: no bearer token configured", "err", err)
	case err != nil:
		a.log.Error("telemetry disabled", "err", err)
	default:
		a.pipeline.Start(ctx, events)
	}

	retentionTicker := time.NewTicker(retention.Interval)
	defer retentionTicker.Stop()

	// Immediate first run
	a.retention.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = a.httpSrv.Shutdown(shutdownCtx)
			cancel()
			a.pipeline.Wait()
			return a.db.DB().Close()
		case <-retentionTicker.C:
			a.retention.Run(ctx)
		}
	}
}
