package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tankwatch/internal/apperr"
	"tankwatch/internal/config"
	"tankwatch/internal/models"
)

type EventKind int

const (
	EventBatch EventKind = iota + 1
	EventStatus
)

// Source names the producer currently feeding the subscription.
type Source string

const (
	SourceNone Source = "none"
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

type Event struct {
	Kind     EventKind
	Readings []models.TelemetryReading
	Status   models.ConnectionStatus
	Source   Source
}

// Observer receives transport counters. Implementations must be safe for use from
// the manager goroutine.
type Observer interface {
	ObserveBatch(source Source, readings int)
	ObserveParseError(source Source)
	ObserveStatus(status models.ConnectionStatus)
}

type nopObserver struct{}

func (nopObserver) ObserveBatch(Source, int) {}
func (nopObserver) ObserveParseError(Source) {}
func (nopObserver) ObserveStatus(models.ConnectionStatus) {}

// Manager owns the single live telemetry channel for the process.
type Manager struct {
	cfg    config.TelemetryConfig
	log    *slog.Logger
	http   *http.Client
	dialer *websocket.Dialer
	obs    Observer

	started atomic.Bool
	mode    atomic.Value // Source
	status  atomic.Value // models.ConnectionStatus
}

type Option func(*Manager)

func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.obs = o
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.http = c }
}

func NewManager(cfg config.TelemetryConfig, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 30 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 15 * time.Second
	}
	m := &Manager{
		cfg:    cfg,
		log:    logger,
		http:   &http.Client{Timeout: cfg.PollInterval},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		obs:    nopObserver{},
	}
	for _, o := range opts {
		o(m)
	}
	m.mode.Store(SourceNone)
	m.status.Store(models.StatusDisconnected)
	return m
}

func (m *Manager) Mode() Source { return m.mode.Load().(Source) }

func (m *Manager) Status() models.ConnectionStatus {
	return m.status.Load().(models.ConnectionStatus)
}

// Subscribe starts the manager. The returned channel closes when ctx is cancelled or
// the server closes the push channel normally. A manager can be subscribed once.
func (m *Manager) Subscribe(ctx context.Context) (<-chan Event, error) {
	if m.cfg.Token == "" {
		return nil, apperr.New(apperr.Unauthenticated, "telemetry.subscribe", errors.New("no bearer token configured"))
	}
	if m.cfg.WSURL == "" && m.cfg.PollURL == "" {
		return nil, apperr.New(apperr.Transport, "telemetry.subscribe", errors.New("no telemetry endpoint configured"))
	}
	if !m.started.CompareAndSwap(false, true) {
		return nil, errors.New("telemetry: already subscribed")
	}
	out := make(chan Event, 16)
	go m.run(ctx, out)
	return out, nil
}

func (m *Manager) run(ctx context.Context, out chan<- Event) {
	defer close(out)
	defer m.mode.Store(SourceNone)

	var conn *websocket.Conn
	if m.cfg.WSURL != "" {
		var err error
		if conn, err = m.dial(ctx); err != nil {
			m.log.Warn("telemetry dial", "err", err)
			m.emitStatus(ctx, out, models.StatusError)
		}
	}
	for {
		if conn == nil {
			if conn = m.poll(ctx, out); conn == nil {
				return
			}
		}
		m.mode.Store(SourcePush)
		m.emitStatus(ctx, out, models.StatusConnected)
		m.log.Info("telemetry connected", "url", m.cfg.WSURL)

		normal := m.read(ctx, conn, out)
		_ = conn.Close()
		conn = nil
		if ctx.Err() != nil {
			return
		}
		m.emitStatus(ctx, out, models.StatusDisconnected)
		if normal {
			m.log.Info("telemetry closed by server")
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.cfg.Token)
	conn, res, err := m.dialer.DialContext(ctx, m.cfg.WSURL, header)
	if err != nil {
		if res != nil && (res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden) {
			return nil, apperr.New(apperr.Unauthenticated, "telemetry.dial", fmt.Errorf("status %d", res.StatusCode))
		}
		return nil, apperr.New(apperr.Transport, "telemetry.dial", err)
	}
	return conn, nil
}

// read consumes push messages until the channel fails. It reports whether the
// server closed the channel with a normal closure.
func (m *Manager) read(ctx context.Context, conn *websocket.Conn, out chan<- Event) bool {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	keepalive := m.cfg.Keepalive
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(keepalive))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(keepalive))
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(keepalive))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true
			}
			if ctx.Err() == nil {
				m.log.Warn("telemetry read", "err", err)
			}
			return false
		}
		typ, readings, err := decodeEnvelope(raw)
		if err != nil {
			m.obs.ObserveParseError(SourcePush)
			m.log.Warn("drop malformed message", "source", SourcePush, "err", err)
			continue
		}
		switch typ {
		case msgPing:
			_ = conn.SetWriteDeadline(time.Now().Add(keepalive))
			if err := conn.WriteMessage(websocket.TextMessage, pongMessage); err != nil {
				m.log.Warn("telemetry pong", "err", err)
				return false
			}
		case msgTankUpdate:
			if !m.emit(ctx, out, Event{Kind: EventBatch, Readings: readings, Source: SourcePush}) {
				return false
			}
			m.obs.ObserveBatch(SourcePush, len(readings))
		default:
			m.log.Debug("ignore message", "type", typ)
		}
	}
}

// poll fetches snapshots on a fixed interval until a push re-dial succeeds. It
// returns the new connection, or nil once ctx is done.
func (m *Manager) poll(ctx context.Context, out chan<- Event) *websocket.Conn {
	m.mode.Store(SourcePoll)
	m.log.Info("telemetry polling", "url", m.cfg.PollURL, "interval", m.cfg.PollInterval)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	var redial <-chan time.Time
	if m.cfg.WSURL != "" {
		rt := time.NewTicker(m.cfg.ReconnectInterval)
		defer rt.Stop()
		redial = rt.C
	}

	m.pollOnce(ctx, out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.pollOnce(ctx, out)
		case <-redial:
			conn, err := m.dial(ctx)
			if err == nil {
				return conn
			}
			m.log.Debug("telemetry redial", "err", err)
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context, out chan<- Event) {
	if m.cfg.PollURL == "" {
		return
	}
	raw, err := m.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.log.Warn("telemetry poll", "err", err)
		if apperr.IsKind(err, apperr.Unauthenticated) {
			m.emitStatus(ctx, out, models.StatusError)
		}
		return
	}
	readings, err := decodePoll(raw)
	if err != nil {
		m.obs.ObserveParseError(SourcePoll)
		m.log.Warn("drop malformed message", "source", SourcePoll, "err", err)
		return
	}
	if m.emit(ctx, out, Event{Kind: EventBatch, Readings: readings, Source: SourcePoll}) {
		m.obs.ObserveBatch(SourcePoll, len(readings))
	}
}

func (m *Manager) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.PollURL, nil)
	if err != nil {
		return nil, apperr.New(apperr.Transport, "telemetry.poll", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.Token)
	req.Header.Set("Accept", "application/json")
	res, err := m.http.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.Transport, "telemetry.poll", err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 10<<20))
	if err != nil {
		return nil, apperr.New(apperr.Transport, "telemetry.poll", err)
	}
	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, apperr.New(apperr.Unauthenticated, "telemetry.poll", fmt.Errorf("status %d", res.StatusCode))
	case res.StatusCode >= 300:
		msg := strings.TrimSpace(string(b))
		if msg == "" {
			msg = res.Status
		}
		return nil, apperr.New(apperr.Transport, "telemetry.poll", fmt.Errorf("status %d: %s", res.StatusCode, msg))
	}
	return b, nil
}

func (m *Manager) emitStatus(ctx context.Context, out chan<- Event, s models.ConnectionStatus) {
	if m.Status() == s {
		return
	}
	m.status.Store(s)
	m.obs.ObserveStatus(s)
	m.emit(ctx, out, Event{Kind: EventStatus, Status: s, Source: m.Mode()})
}

// emit delivers ev unless ctx is already cancelled.
func (m *Manager) emit(ctx context.Context, out chan<- Event, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
