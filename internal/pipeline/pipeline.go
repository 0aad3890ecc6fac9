// Package pipeline applies telemetry batches and operator commands to the
// monitoring state and publishes a consistent dashboard after each one.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tankwatch/internal/aggregate"
	"tankwatch/internal/alarm"
	"tankwatch/internal/config"
	"tankwatch/internal/db"
	"tankwatch/internal/eta"
	"tankwatch/internal/flow"
	"tankwatch/internal/metrics"
	"tankwatch/internal/models"
	"tankwatch/internal/notifier"
	"tankwatch/internal/tanks"
	"tankwatch/internal/telemetry"
)

// VesselSeries is the flow series id that tracks the grand total volume.
const VesselSeries = "vessel"

const (
	notifyAttempts = 3
	notifyChannel  = "telegram"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Repository interface {
	GetSetting(ctx context.Context, key string, dst any) (bool, error)
	PutSetting(ctx context.Context, key string, v any) error
	InsertReadings(ctx context.Context, records []models.ReadingRecord) error
	InsertOperation(ctx context.Context, op models.OperationRecord) error
	EndOperation(ctx context.Context, ended time.Time) error
	InsertAlarmEvent(ctx context.Context, e models.AlarmEvent) (int64, error)
	InsertNotificationEvent(ctx context.Context, alarmEventID int64, channel, status string, attempts int, lastErr string, sent *time.Time) error
}

type Notifier interface {
	Send(ctx context.Context, msg string) error
}

// TankView is one tank as shown on the dashboard.
type TankView struct {
	models.Tank
	VolumeLiters float64                `json:"volumeLiters"`
	MassTons     float64                `json:"massTons"`
	FillPercent  float64                `json:"fillPercent"`
	Flow         *models.FlowRateData   `json:"flow,omitempty"`
	ETA          *models.ETACalculation `json:"eta,omitempty"`
}

// Dashboard is an immutable view of everything derived from one batch.
type Dashboard struct {
	Tanks        []TankView              `json:"tanks"`
	Totals       aggregate.Totals        `json:"totals"`
	VesselFlow   *models.FlowRateData    `json:"vesselFlow,omitempty"`
	TanksETA     eta.OperationETA        `json:"tanksEta"`
	OperationETA *models.ETACalculation  `json:"operationEta,omitempty"`
	Alarm        models.AlarmStatus      `json:"alarm"`
	Connection   models.ConnectionStatus `json:"connection"`
	Source       telemetry.Source        `json:"source"`
	Stale        bool                    `json:"stale"`
	UpdatedAt    time.Time               `json:"updatedAt"`
}

// Pipeline is the single writer of monitoring state. Events and commands are
// serialized; readers use Snapshot.
type Pipeline struct {
	mu sync.Mutex

	catalogue *config.Catalogue
	store     *tanks.Store
	flow      *flow.Estimator
	agg       *aggregate.Aggregator
	eta       *eta.Predictor
	alarm     *alarm.Machine

	repo    Repository
	notify  Notifier
	metrics *metrics.Collectors
	log     *slog.Logger

	now        func() time.Time
	retryDelay time.Duration
	staleAfter time.Duration
	corrector  aggregate.VolumeCorrector
	idGen      func() string

	conn      models.ConnectionStatus
	source    telemetry.Source
	totals    aggregate.Totals
	opTanks   []string
	lastBatch time.Time
	snap      atomic.Pointer[Dashboard]
	wg        sync.WaitGroup
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithRetryDelay sets the base backoff between notification attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(p *Pipeline) { p.retryDelay = d }
}

// WithStaleAfter sets how long without a batch, while not connected, before
// estimates are withdrawn from the dashboard.
func WithStaleAfter(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.staleAfter = d
		}
	}
}

func WithCorrector(c aggregate.VolumeCorrector) Option {
	return func(p *Pipeline) { p.corrector = c }
}

func WithOperationIDs(f func() string) Option {
	return func(p *Pipeline) { p.idGen = f }
}

func New(catalogue *config.Catalogue, repo Repository, notify Notifier, m *metrics.Collectors, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		catalogue:  catalogue,
		repo:       repo,
		notify:     notify,
		metrics:    m,
		log:        logger,
		now:        time.Now,
		retryDelay: 300 * time.Millisecond,
		staleAfter: 30 * time.Second,
		conn:       models.StatusDisconnected,
		source:     telemetry.SourceNone,
	}
	for _, o := range opts {
		o(p)
	}
	p.store = tanks.NewStore(catalogue)
	p.flow = flow.NewEstimator(flow.DefaultTuning(), flow.WithClock(p.now))
	p.agg = aggregate.New(catalogue, p.corrector, logger)
	p.eta = eta.NewPredictor(eta.WithClock(p.now))
	machineOpts := []alarm.Option{alarm.WithClock(p.now)}
	if p.idGen != nil {
		machineOpts = append(machineOpts, alarm.WithIDGenerator(p.idGen))
	}
	p.alarm = alarm.NewMachine(models.DefaultAlarmConfiguration(), machineOpts...)
	p.snap.Store(&Dashboard{
		Tanks:      []TankView{},
		Totals:     aggregate.Totals{Tanks: []aggregate.TankTotal{}, Groups: map[models.Group]aggregate.GroupTotal{}},
		Alarm:      p.alarm.Status(),
		Connection: p.conn,
		Source:     p.source,
		UpdatedAt:  p.now(),
	})
	return p
}

// LoadSettings applies persisted alarm configuration and flow tuning.
func (p *Pipeline) LoadSettings(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg := models.DefaultAlarmConfiguration()
	found, err := p.repo.GetSetting(ctx, db.SettingAlarmConfiguration, &cfg)
	if err != nil {
		return fmt.Errorf("load alarm configuration: %w", err)
	}
	if found {
		if err := validateAlarmConfig(cfg); err != nil {
			p.log.Warn("stored alarm configuration rejected, using defaults", "err", err)
			cfg = models.DefaultAlarmConfiguration()
		}
		p.alarm.SetConfig(cfg)
	}
	tuning := flow.DefaultTuning()
	found, err = p.repo.GetSetting(ctx, db.SettingFlowTuning, &tuning)
	if err != nil {
		return fmt.Errorf("load flow tuning: %w", err)
	}
	if found {
		p.flow.SetTuning(tuning.Normalized())
	}
	return nil
}

// Snapshot returns the last published dashboard. It is never nil and must not be modified.
func (p *Pipeline) Snapshot() *Dashboard {
	return p.snap.Load()
}

// Start runs the event loop in the background. Wait covers it.
func (p *Pipeline) Start(ctx context.Context, events <-chan telemetry.Event) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Run(ctx, events)
	}()
}

// Run consumes events until the channel closes or ctx is done.
func (p *Pipeline) Run(ctx context.Context, events <-chan telemetry.Event) {
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.Handle(ctx, ev)
		}
	}
}

// Wait blocks until the event loop started by Start and in-flight notifications have finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Handle applies one event. Events arriving after ctx is done are dropped.
func (p *Pipeline) Handle(ctx context.Context, ev telemetry.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	switch ev.Kind {
	case telemetry.EventStatus:
		if ev.Status != p.conn {
			p.log.Info("connection status", "status", ev.Status, "source", ev.Source)
		}
		if ev.Status == models.StatusConnected && (p.conn == models.StatusDisconnected || p.conn == models.StatusError) {
			p.store.Reset()
			p.log.Info("tank baseline reset after reconnect")
		}
		p.conn, p.source = ev.Status, ev.Source
		p.republish()
	case telemetry.EventBatch:
		if ev.Source != "" {
			p.source = ev.Source
		}
		p.processBatch(ctx, ev.Readings)
	}
}

func (p *Pipeline) processBatch(ctx context.Context, readings []models.TelemetryReading) {
	start := time.Now()
	now := p.now()
	p.lastBatch = now
	current := p.store.Merge(readings)
	totals := p.agg.Compute(current)
	p.metrics.AddFallbacks(totals.Fallbacks)

	records := make([]models.ReadingRecord, 0, len(current))
	views := make([]TankView, 0, len(current))
	tankETAs := make([]eta.TankETA, 0, len(current))
	volumes := make(map[string]float64, len(current))
	rates := make(map[string]float64, len(current))
	latest := time.Time{}
	for _, t := range current {
		tt, _ := totals.Tank(t.ID)
		ts := t.LastUpdated
		if ts.IsZero() {
			ts = now
		}
		if ts.After(latest) {
			latest = ts
		}
		mass := tt.MassTons
		p.flow.AddSample(t.ID, models.FlowSample{Timestamp: ts, VolumeLiters: tt.VolumeLiters, MassTons: &mass})
		records = append(records, models.ReadingRecord{
			TS:           ts,
			TankID:       t.ID,
			SourceIndex:  t.SourceIndex,
			LevelMm:      t.CurrentLevelMm,
			TemperatureC: t.TemperatureC,
			VolumeLiters: tt.VolumeLiters,
			MassTons:     tt.MassTons,
		})

		view := TankView{Tank: t, VolumeLiters: tt.VolumeLiters, MassTons: tt.MassTons, FillPercent: tt.FillPercent}
		view.Flow = p.flow.Estimate(t.ID)
		if view.Flow != nil {
			rates[t.ID] = view.Flow.VolumeFlowRate
			calc := p.eta.Compute(p.tankInput(t, tt, view.Flow))
			view.ETA = &calc
			tankETAs = append(tankETAs, eta.TankETA{ID: t.ID, ETA: calc, Active: view.Flow.Trend != models.TrendStable})
		}
		volumes[t.ID] = tt.VolumeLiters
		views = append(views, view)
	}
	covered := p.covers(current)
	if covered {
		vesselMass := totals.MassTons
		p.flow.AddSample(VesselSeries, models.FlowSample{Timestamp: latest, VolumeLiters: totals.VolumeLiters, MassTons: &vesselMass})
	}
	if err := p.repo.InsertReadings(ctx, records); err != nil {
		p.log.Error("persist readings failed", "err", err, "readings", len(records))
		p.metrics.IncStorageError("insert_readings")
	}

	status := p.alarm.Status()
	if covered {
		var tr *alarm.Transition
		status, tr = p.alarm.Evaluate(totals.VolumeLiters)
		if tr != nil {
			p.onTransition(ctx, *tr, status)
		}
	} else if status.OperationID != "" {
		p.log.Warn("alarm evaluation skipped: incomplete tank data", "tanks", len(current), "operation_tanks", len(p.opTanks))
	}

	d := &Dashboard{
		Tanks:      views,
		Totals:     totals,
		VesselFlow: p.flow.Estimate(VesselSeries),
		TanksETA:   p.eta.Aggregate(tankETAs),
		Alarm:      status,
		Connection: p.conn,
		Source:     p.source,
		UpdatedAt:  now,
	}
	if covered {
		d.OperationETA = p.operationETA(status, totals, d.VesselFlow)
	}
	p.totals = totals
	p.snap.Store(d)

	p.metrics.SetTanks(volumes, rates)
	p.metrics.SetTotals(totals.VolumeLiters, totals.MassTons)
	p.metrics.ObserveCycle(time.Since(start))
}

// covers reports whether the batch has data for every tank monitored when the
// operation started. An empty batch never covers.
func (p *Pipeline) covers(current []models.Tank) bool {
	if len(current) == 0 {
		return false
	}
	seen := make(map[string]bool, len(current))
	for _, t := range current {
		seen[t.ID] = true
	}
	for _, id := range p.opTanks {
		if !seen[id] {
			return false
		}
	}
	return true
}

// tankInput targets the catalogue fill level while loading and empty while unloading.
func (p *Pipeline) tankInput(t models.Tank, tt aggregate.TankTotal, rate *models.FlowRateData) eta.Input {
	spec, _ := p.catalogue.Lookup(t.SourceIndex)
	in := eta.Input{CurrentVolume: tt.VolumeLiters, Flow: rate, MaxCapacity: spec.CapacityLiters}
	if rate.Trend == models.TrendLoading {
		in.TargetVolume = spec.CapacityLiters * spec.TargetFillPercent / 100
	}
	if tt.VolumeLiters > 0 {
		mass := tt.MassTons
		targetMass := in.TargetVolume * tt.MassTons / tt.VolumeLiters
		in.CurrentMass, in.TargetMass = &mass, &targetMass
	}
	return in
}

func (p *Pipeline) operationETA(status models.AlarmStatus, totals aggregate.Totals, vessel *models.FlowRateData) *models.ETACalculation {
	if status.OperationID == "" || vessel == nil {
		return nil
	}
	calc := p.eta.Compute(eta.Input{
		CurrentVolume: totals.VolumeLiters,
		TargetVolume:  status.TargetVolume,
		Flow:          vessel,
	})
	return &calc
}

// republish refreshes connection and alarm fields on the current dashboard. While
// the source is down and no batch is recent, estimates are withdrawn.
func (p *Pipeline) republish() {
	now := p.now()
	next := *p.snap.Load()
	next.Alarm = p.alarm.Status()
	next.Connection = p.conn
	next.Source = p.source
	next.UpdatedAt = now
	if next.Alarm.OperationID == "" {
		next.OperationETA = nil
	}
	if p.conn != models.StatusConnected && now.Sub(p.lastBatch) > p.staleAfter {
		next.Stale = true
		next.OperationETA = nil
		next.TanksETA = p.eta.Aggregate(nil)
		views := make([]TankView, len(next.Tanks))
		for i, v := range next.Tanks {
			v.ETA = nil
			views[i] = v
		}
		next.Tanks = views
	}
	p.snap.Store(&next)
}

func (p *Pipeline) onTransition(ctx context.Context, tr alarm.Transition, status models.AlarmStatus) {
	p.log.Info("alarm transition", "operation", tr.OperationID, "from", tr.From, "to", tr.To,
		"reason", tr.Reason, "progress", tr.Progress, "overshoot", tr.Overshoot)
	p.metrics.ObserveTransition(tr.From, tr.To)
	id, err := p.repo.InsertAlarmEvent(ctx, models.AlarmEvent{
		OperationID: tr.OperationID,
		FromState:   tr.From,
		ToState:     tr.To,
		Reason:      tr.Reason,
		Volume:      tr.Volume,
		Progress:    tr.Progress,
		Overshoot:   tr.Overshoot,
		TS:          tr.At,
	})
	if err != nil {
		p.log.Error("journal alarm transition failed", "err", err)
		p.metrics.IncStorageError("insert_alarm_event")
	}
	if p.notify == nil || tr.Reason == alarm.ReasonAutoReset || !alarm.Escalation(tr.From, tr.To) {
		return
	}
	msg := notifier.AlarmMessage(tr.From, tr.To, status)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sendNotification(ctx, id, msg)
	}()
}

func (p *Pipeline) sendNotification(ctx context.Context, alarmEventID int64, msg string) {
	attempts := 0
	var err error
	for attempts < notifyAttempts {
		attempts++
		err = p.notify.Send(ctx, msg)
		if err == nil {
			now := p.now().UTC()
			p.journalNotification(ctx, alarmEventID, "sent", attempts, "", &now)
			p.metrics.ObserveNotification("sent")
			return
		}
		if attempts == notifyAttempts {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			attempts = notifyAttempts
		case <-time.After(time.Duration(attempts) * p.retryDelay):
		}
	}
	p.journalNotification(context.WithoutCancel(ctx), alarmEventID, "failed", attempts, err.Error(), nil)
	p.metrics.ObserveNotification("failed")
	p.log.Warn("notify failed", "err", err, "attempts", attempts)
}

func (p *Pipeline) journalNotification(ctx context.Context, alarmEventID int64, status string, attempts int, lastErr string, sent *time.Time) {
	if alarmEventID == 0 {
		return
	}
	if err := p.repo.InsertNotificationEvent(ctx, alarmEventID, notifyChannel, status, attempts, lastErr, sent); err != nil {
		p.log.Error("journal notification failed", "err", err)
		p.metrics.IncStorageError("insert_notification_event")
	}
}
