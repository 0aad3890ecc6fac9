package alarm

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"tankwatch/internal/apperr"
	"tankwatch/internal/models"
)

const (
	// TargetProgress is the progress at which the target counts as reached.
	TargetProgress = 99.5
	// QuietFraction is the per-evaluation volume change, relative to the operation
	// quantity, that still counts as no movement for auto-reset.
	QuietFraction = 0.001
)

var ErrInvalidOperation = errors.New("operation type must be loading or unloading")

// Transition describes a committed state change.
type Transition struct {
	OperationID string            `json:"operationId"`
	From        models.AlarmState `json:"from"`
	To          models.AlarmState `json:"to"`
	At          time.Time         `json:"at"`
	Reason      string            `json:"reason"`
	Volume      float64           `json:"volume"`
	Progress    float64           `json:"progress"`
	Overshoot   float64           `json:"overshoot"`
}

const (
	ReasonThreshold = "threshold"
	ReasonAutoReset = "auto_reset"
	ReasonManual    = "manual"
)

// Machine tracks one loading or unloading operation against its alarm thresholds.
type Machine struct {
	mu     sync.Mutex
	cfg    models.AlarmConfiguration
	status models.AlarmStatus
	active bool

	pending      models.AlarmState
	pendingSince time.Time
	lastVolume   float64
	quietSince   time.Time
	suppressed   models.AlarmState

	now   func() time.Time
	newID func() string
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithIDGenerator(f func() string) Option {
	return func(m *Machine) { m.newID = f }
}

func NewMachine(cfg models.AlarmConfiguration, opts ...Option) *Machine {
	m := &Machine{cfg: cfg, now: time.Now, newID: uuid.NewString}
	for _, o := range opts {
		o(m)
	}
	m.status = models.AlarmStatus{
		CurrentState:   models.AlarmNormal,
		PreviousState:  models.AlarmNormal,
		StateEnteredAt: m.now(),
	}
	return m
}

func (m *Machine) Config() models.AlarmConfiguration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Machine) SetConfig(cfg models.AlarmConfiguration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.pending = ""
}

// Active reports whether an operation is being tracked.
func (m *Machine) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// StartOperation begins tracking a new operation from initialVolume. Any previous
// operation is discarded and the state returns to NORMAL.
func (m *Machine) StartOperation(op models.OperationType, quantity, initialVolume float64) (models.AlarmStatus, error) {
	if !op.Valid() {
		return models.AlarmStatus{}, ErrInvalidOperation
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.active = true
	m.pending = ""
	m.suppressed = ""
	m.lastVolume = initialVolume
	m.quietSince = now
	m.status = models.AlarmStatus{
		OperationID:       m.newID(),
		CurrentState:      models.AlarmNormal,
		PreviousState:     models.AlarmNormal,
		OperationType:     op,
		OperationQuantity: quantity,
		InitialVolume:     initialVolume,
		CurrentVolume:     initialVolume,
		TargetVolume:      target(op, quantity, initialVolume),
		StateEnteredAt:    now,
	}
	return m.snapshot(now), nil
}

// EndOperation stops tracking and returns to an idle NORMAL state.
func (m *Machine) EndOperation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.active = false
	m.pending = ""
	m.suppressed = ""
	m.status = models.AlarmStatus{
		CurrentState:   models.AlarmNormal,
		PreviousState:  models.AlarmNormal,
		StateEnteredAt: now,
	}
}

func (m *Machine) Status() models.AlarmStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(m.now())
}

// Acknowledge records that an operator has seen the current state. It does not
// change the state.
func (m *Machine) Acknowledge() models.AlarmStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.status.Acknowledged = true
	m.status.AcknowledgedAt = &now
	return m.snapshot(now)
}

// Transition forces a state change. Moves outside the transition table are rejected.
func (m *Machine) Transition(to models.AlarmState) (*Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.status.CurrentState
	if !CanTransition(from, to) {
		return nil, apperr.New(apperr.InvalidTransition, "alarm.transition", fmt.Errorf("%s -> %s", from, to))
	}
	m.pending = ""
	return m.commit(to, ReasonManual, m.now()), nil
}

// Evaluate updates the status for the current aggregated volume. It never fails; at
// most one transition is committed per call.
func (m *Machine) Evaluate(volume float64) (models.AlarmStatus, *Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.status.CurrentVolume = volume
	if !m.active {
		return m.snapshot(now), nil
	}

	qty := m.status.OperationQuantity
	progress, overshoot := 0.0, 0.0
	if qty > 0 {
		progress = math.Abs(volume-m.status.InitialVolume) * 100 / qty
		overshoot = math.Max(0, progress-100)
	}
	m.status.ProgressPercentage = progress
	m.status.OvershootPercentage = overshoot

	if math.Abs(volume-m.lastVolume) > QuietFraction*math.Abs(qty) {
		m.quietSince = now
		m.suppressed = ""
	}
	m.lastVolume = volume

	cur := m.status.CurrentState
	entry, want := models.AlarmNormal, models.AlarmNormal
	if m.cfg.Enabled && qty > 0 {
		entry = m.entry(progress, overshoot)
		want = m.hold(cur, entry, progress, overshoot)
	}

	reset := time.Duration(m.cfg.AutoResetAfterSeconds) * time.Second
	if cur != models.AlarmNormal && reset > 0 && now.Sub(m.quietSince) >= reset {
		m.suppressed = entry
		m.pending = ""
		tr := m.commit(models.AlarmNormal, ReasonAutoReset, now)
		return m.snapshot(now), tr
	}
	if m.suppressed != "" {
		if want == m.suppressed {
			want = models.AlarmNormal
		} else {
			m.suppressed = ""
		}
	}

	next := route(cur, want)
	if next == cur {
		m.pending = ""
		return m.snapshot(now), nil
	}
	if m.pending != next {
		m.pending = next
		m.pendingSince = now
	}
	delay := time.Duration(m.cfg.AlarmDelaySeconds) * time.Second
	if now.Sub(m.pendingSince) < delay {
		return m.snapshot(now), nil
	}
	m.pending = ""
	tr := m.commit(next, ReasonThreshold, now)
	return m.snapshot(now), tr
}

// entry returns the state whose entry threshold the progress currently meets.
func (m *Machine) entry(progress, overshoot float64) models.AlarmState {
	switch {
	case overshoot >= m.cfg.OvershootAlarmPercentage:
		return models.AlarmOvershootAlarm
	case overshoot >= m.cfg.OvershootWarningPercentage:
		return models.AlarmOvershootWarning
	case progress >= TargetProgress:
		return models.AlarmTargetReached
	case progress >= 100-m.cfg.PreAlarmPercentage:
		return models.AlarmPreAlarm
	default:
		return models.AlarmNormal
	}
}

// hold keeps the most advanced state between want and cur whose exit threshold,
// one hysteresis band below its entry threshold, is still met.
func (m *Machine) hold(cur, want models.AlarmState, progress, overshoot float64) models.AlarmState {
	for l := level(cur); l > level(want); l-- {
		if m.held(ladder[l], progress, overshoot) {
			return ladder[l]
		}
	}
	return want
}

func (m *Machine) held(s models.AlarmState, progress, overshoot float64) bool {
	band := m.cfg.HysteresisPercentage
	switch s {
	case models.AlarmOvershootAlarm:
		return overshoot >= m.cfg.OvershootAlarmPercentage-band
	case models.AlarmOvershootWarning:
		return overshoot >= m.cfg.OvershootWarningPercentage-band
	case models.AlarmTargetReached:
		return progress >= TargetProgress-band
	case models.AlarmPreAlarm:
		return progress >= 100-m.cfg.PreAlarmPercentage-band
	default:
		return false
	}
}

func (m *Machine) commit(to models.AlarmState, reason string, now time.Time) *Transition {
	from := m.status.CurrentState
	m.status.PreviousState = from
	m.status.CurrentState = to
	m.status.StateEnteredAt = now
	m.status.Acknowledged = false
	m.status.AcknowledgedAt = nil
	switch {
	case to == models.AlarmNormal:
		m.status.AlarmTriggeredAt = nil
	case from == models.AlarmNormal:
		t := now
		m.status.AlarmTriggeredAt = &t
	}
	return &Transition{
		OperationID: m.status.OperationID,
		From:        from,
		To:          to,
		At:          now,
		Reason:      reason,
		Volume:      m.status.CurrentVolume,
		Progress:    m.status.ProgressPercentage,
		Overshoot:   m.status.OvershootPercentage,
	}
}

func (m *Machine) snapshot(now time.Time) models.AlarmStatus {
	s := m.status
	s.TimeInCurrentState = now.Sub(s.StateEnteredAt)
	if s.AlarmTriggeredAt != nil {
		t := *s.AlarmTriggeredAt
		s.AlarmTriggeredAt = &t
	}
	if s.AcknowledgedAt != nil {
		t := *s.AcknowledgedAt
		s.AcknowledgedAt = &t
	}
	return s
}

func target(op models.OperationType, quantity, initial float64) float64 {
	if op == models.OperationUnloading {
		return initial - quantity
	}
	return initial + quantity
}
