package alarm

import (
	"testing"
	"time"

	"tankwatch/internal/apperr"
	"tankwatch/internal/models"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMachine(cfg models.AlarmConfiguration) (*Machine, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	m := NewMachine(cfg, WithClock(c.now), WithIDGenerator(func() string { return "op-1" }))
	return m, c
}

// settle evaluates twice across the debounce delay so a pending change commits.
func settle(m *Machine, c *clock, volume float64) (models.AlarmStatus, *Transition) {
	m.Evaluate(volume)
	c.advance(3 * time.Second)
	return m.Evaluate(volume)
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to models.AlarmState
		ok       bool
	}{
		{models.AlarmNormal, models.AlarmPreAlarm, true},
		{models.AlarmNormal, models.AlarmTargetReached, true},
		{models.AlarmNormal, models.AlarmOvershootWarning, false},
		{models.AlarmNormal, models.AlarmOvershootAlarm, false},
		{models.AlarmPreAlarm, models.AlarmOvershootWarning, true},
		{models.AlarmPreAlarm, models.AlarmOvershootAlarm, false},
		{models.AlarmTargetReached, models.AlarmPreAlarm, false},
		{models.AlarmTargetReached, models.AlarmOvershootAlarm, true},
		{models.AlarmOvershootWarning, models.AlarmPreAlarm, false},
		{models.AlarmOvershootAlarm, models.AlarmNormal, true},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestPriority(t *testing.T) {
	if got := Highest(models.AlarmPreAlarm, models.AlarmOvershootWarning, models.AlarmTargetReached); got != models.AlarmOvershootWarning {
		t.Fatalf("Highest = %s", got)
	}
	if Highest() != models.AlarmNormal {
		t.Fatalf("empty Highest should be NORMAL")
	}
	if Priority(models.AlarmOvershootAlarm) != 1 || Priority(models.AlarmNormal) != 5 || Priority(models.AlarmTargetReached) != 4 {
		t.Fatalf("priority ordering broken")
	}
}

func TestManualTransitionRejectsIllegalMoves(t *testing.T) {
	m, _ := newTestMachine(models.DefaultAlarmConfiguration())
	_, err := m.Transition(models.AlarmOvershootAlarm)
	if !apperr.IsKind(err, apperr.InvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if m.Status().CurrentState != models.AlarmNormal {
		t.Fatalf("state must be unchanged after rejection")
	}
	tr, err := m.Transition(models.AlarmPreAlarm)
	if err != nil || tr.From != models.AlarmNormal || tr.To != models.AlarmPreAlarm || tr.Reason != ReasonManual {
		t.Fatalf("legal transition failed: %+v %v", tr, err)
	}
}

func TestLoadingReachesTargetThenOvershoot(t *testing.T) {
	m, c := newTestMachine(models.DefaultAlarmConfiguration())
	st, err := m.StartOperation(models.OperationLoading, 500, 1000)
	if err != nil || st.TargetVolume != 1500 || st.OperationID != "op-1" {
		t.Fatalf("start: %+v %v", st, err)
	}

	st, tr := m.Evaluate(1500)
	if st.ProgressPercentage != 100 || tr != nil {
		t.Fatalf("debounce must delay the first transition: %+v %+v", st, tr)
	}
	c.advance(3 * time.Second)
	st, tr = m.Evaluate(1500)
	if tr == nil || tr.To != models.AlarmTargetReached || st.CurrentState != models.AlarmTargetReached {
		t.Fatalf("expected TARGET_REACHED, got %+v", st)
	}
	if st.AlarmTriggeredAt == nil {
		t.Fatalf("leaving NORMAL must stamp the trigger time")
	}

	st, tr = settle(m, c, 1525)
	if st.OvershootPercentage != 5 || tr == nil || tr.To != models.AlarmOvershootAlarm {
		t.Fatalf("expected OVERSHOOT_ALARM at 5%% over, got %+v", st)
	}
	if st.PreviousState != models.AlarmTargetReached {
		t.Fatalf("previous state = %s", st.PreviousState)
	}
}

func TestUnloadingProgress(t *testing.T) {
	m, c := newTestMachine(models.DefaultAlarmConfiguration())
	st, _ := m.StartOperation(models.OperationUnloading, 1000, 5000)
	if st.TargetVolume != 4000 {
		t.Fatalf("target = %v", st.TargetVolume)
	}
	st, tr := settle(m, c, 4080)
	if st.ProgressPercentage != 92 || tr == nil || tr.To != models.AlarmPreAlarm {
		t.Fatalf("expected PRE_ALARM at 92%%, got %+v", st)
	}
}

func TestIllegalJumpStepsThroughIntermediate(t *testing.T) {
	m, c := newTestMachine(models.DefaultAlarmConfiguration())
	m.StartOperation(models.OperationLoading, 100, 0)

	_, tr := settle(m, c, 110)
	if tr == nil || tr.From != models.AlarmNormal || tr.To != models.AlarmTargetReached {
		t.Fatalf("NORMAL must escalate via TARGET_REACHED, got %+v", tr)
	}
	_, tr = settle(m, c, 110)
	if tr == nil || tr.To != models.AlarmOvershootAlarm {
		t.Fatalf("second step should reach OVERSHOOT_ALARM, got %+v", tr)
	}
}

func TestDebounceRequiresPersistence(t *testing.T) {
	m, c := newTestMachine(models.DefaultAlarmConfiguration())
	m.StartOperation(models.OperationLoading, 100, 0)

	m.Evaluate(95)
	c.advance(2 * time.Second)
	m.Evaluate(50) // noise dip clears the pending change
	c.advance(2 * time.Second)
	if st, tr := m.Evaluate(95); tr != nil || st.CurrentState != models.AlarmNormal {
		t.Fatalf("transition committed without persistence: %+v", st)
	}
	c.advance(3 * time.Second)
	if _, tr := m.Evaluate(95); tr == nil || tr.To != models.AlarmPreAlarm {
		t.Fatalf("expected PRE_ALARM after the delay")
	}
}

func TestHysteresisHoldsNearThreshold(t *testing.T) {
	m, c := newTestMachine(models.DefaultAlarmConfiguration())
	m.StartOperation(models.OperationLoading, 100, 0)
	settle(m, c, 90)
	if m.Status().CurrentState != models.AlarmPreAlarm {
		t.Fatalf("expected PRE_ALARM")
	}
	if st, _ := settle(m, c, 89.5); st.CurrentState != models.AlarmPreAlarm {
		t.Fatalf("inside the hysteresis band the state must hold, got %s", st.CurrentState)
	}
	if st, tr := settle(m, c, 88); st.CurrentState != models.AlarmNormal || tr == nil {
		t.Fatalf("below the band the state must clear, got %s", st.CurrentState)
	}
}

func TestOvershootDescendsThroughWarning(t *testing.T) {
	m, c := newTestMachine(models.DefaultAlarmConfiguration())
	m.StartOperation(models.OperationLoading, 100, 0)
	settle(m, c, 100)
	settle(m, c, 106)
	if m.Status().CurrentState != models.AlarmOvershootAlarm {
		t.Fatalf("setup: expected OVERSHOOT_ALARM, got %s", m.Status().CurrentState)
	}
	st, _ := settle(m, c, 101.5)
	if st.CurrentState != models.AlarmOvershootWarning {
		t.Fatalf("1.5%% over is still held as a warning, got %s", st.CurrentState)
	}
}

func TestAutoResetAfterQuiescence(t *testing.T) {
	cfg := models.DefaultAlarmConfiguration()
	cfg.AutoResetAfterSeconds = 60
	m, c := newTestMachine(cfg)
	m.StartOperation(models.OperationLoading, 100, 0)
	settle(m, c, 100)
	if m.Status().CurrentState != models.AlarmTargetReached {
		t.Fatalf("setup: expected TARGET_REACHED")
	}

	c.advance(58 * time.Second)
	if st, tr := m.Evaluate(100); tr == nil || tr.Reason != ReasonAutoReset || st.CurrentState != models.AlarmNormal {
		t.Fatalf("expected auto reset, got %+v", st)
	}
	if st := m.Status(); st.AlarmTriggeredAt != nil {
		t.Fatalf("trigger time must clear on NORMAL")
	}
	if st, _ := settle(m, c, 100); st.CurrentState != models.AlarmNormal {
		t.Fatalf("reset must stay latched without movement, got %s", st.CurrentState)
	}
	if st, _ := settle(m, c, 103); st.CurrentState != models.AlarmOvershootWarning && st.CurrentState != models.AlarmTargetReached {
		t.Fatalf("movement should re-arm the alarm, got %s", st.CurrentState)
	}
}

func TestZeroQuantityStaysNormal(t *testing.T) {
	m, c := newTestMachine(models.DefaultAlarmConfiguration())
	m.StartOperation(models.OperationLoading, 0, 1000)
	st, tr := settle(m, c, 5000)
	if tr != nil || st.CurrentState != models.AlarmNormal || st.ProgressPercentage != 0 {
		t.Fatalf("zero quantity must not alarm: %+v", st)
	}
}

func TestDisabledAlarmsStayNormal(t *testing.T) {
	cfg := models.DefaultAlarmConfiguration()
	cfg.Enabled = false
	m, c := newTestMachine(cfg)
	m.StartOperation(models.OperationLoading, 100, 0)
	if st, _ := settle(m, c, 110); st.CurrentState != models.AlarmNormal || st.OvershootPercentage != 10 {
		t.Fatalf("disabled machine still tracks progress but never alarms: %+v", st)
	}
}

func TestAcknowledgeKeepsState(t *testing.T) {
	m, c := newTestMachine(models.DefaultAlarmConfiguration())
	m.StartOperation(models.OperationLoading, 100, 0)
	settle(m, c, 95)
	st := m.Acknowledge()
	if !st.Acknowledged || st.AcknowledgedAt == nil || st.CurrentState != models.AlarmPreAlarm {
		t.Fatalf("unexpected ack status %+v", st)
	}
	st, _ = settle(m, c, 100)
	if st.Acknowledged {
		t.Fatalf("entering a new state requires a fresh acknowledgment")
	}
}

func TestInvalidOperationType(t *testing.T) {
	m, _ := newTestMachine(models.DefaultAlarmConfiguration())
	if _, err := m.StartOperation("transfer", 10, 0); err != ErrInvalidOperation {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
	if m.Active() {
		t.Fatalf("rejected start must not activate the machine")
	}
}

func TestOvershootStepsDownToTargetReached(t *testing.T) {
	m, c := newTestMachine(models.DefaultAlarmConfiguration())
	m.StartOperation(models.OperationLoading, 100, 0)
	settle(m, c, 100)
	settle(m, c, 106)
	if m.Status().CurrentState != models.AlarmOvershootAlarm {
		t.Fatalf("setup: expected OVERSHOOT_ALARM, got %s", m.Status().CurrentState)
	}
	st, tr := settle(m, c, 95)
	if tr == nil || tr.From != models.AlarmOvershootAlarm || st.CurrentState != models.AlarmTargetReached {
		t.Fatalf("back in the pre-alarm band the overshoot must clear, got %s (%+v)", st.CurrentState, tr)
	}
	if st, tr := settle(m, c, 95); tr != nil || st.CurrentState != models.AlarmTargetReached {
		t.Fatalf("TARGET_REACHED cannot fall to PRE_ALARM, got %s", st.CurrentState)
	}
}

func TestEscalationOnlyUpward(t *testing.T) {
	cases := []struct {
		from, to models.AlarmState
		want     bool
	}{
		{models.AlarmNormal, models.AlarmTargetReached, true},
		{models.AlarmTargetReached, models.AlarmOvershootAlarm, true},
		{models.AlarmNormal, models.AlarmPreAlarm, false},
		{models.AlarmOvershootAlarm, models.AlarmTargetReached, false},
		{models.AlarmOvershootAlarm, models.AlarmOvershootWarning, false},
	}
	for _, tc := range cases {
		if got := Escalation(tc.from, tc.to); got != tc.want {
			t.Fatalf("Escalation(%s, %s) = %v", tc.from, tc.to, got)
		}
	}
}
