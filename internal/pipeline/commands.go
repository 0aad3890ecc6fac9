package pipeline

import (
	"context"
	"fmt"
	"math"

	"tankwatch/internal/db"
	"tankwatch/internal/flow"
	"tankwatch/internal/models"
)

// StartOperation begins an operation measured from the current grand total volume.
func (p *Pipeline) StartOperation(ctx context.Context, typ models.OperationType, quantity float64) (models.AlarmStatus, error) {
	if quantity <= 0 || math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		return models.AlarmStatus{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidConfig)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	status, err := p.alarm.StartOperation(typ, quantity, p.totals.VolumeLiters)
	if err != nil {
		return models.AlarmStatus{}, err
	}
	p.opTanks = p.opTanks[:0]
	for _, t := range p.store.Snapshot() {
		p.opTanks = append(p.opTanks, t.ID)
	}
	if err := p.repo.EndOperation(ctx, p.now()); err != nil {
		p.log.Error("close previous operation failed", "err", err)
	}
	rec := models.OperationRecord{
		ID:            status.OperationID,
		Type:          status.OperationType,
		Quantity:      status.OperationQuantity,
		InitialVolume: status.InitialVolume,
		TargetVolume:  status.TargetVolume,
		StartedAt:     status.StateEnteredAt,
	}
	if err := p.repo.InsertOperation(ctx, rec); err != nil {
		p.log.Error("persist operation failed", "err", err)
		p.metrics.IncStorageError("insert_operation")
	}
	p.log.Info("operation started", "operation", rec.ID, "type", rec.Type, "quantity", rec.Quantity,
		"initial_volume", rec.InitialVolume, "target_volume", rec.TargetVolume)
	p.republish()
	return status, nil
}

func (p *Pipeline) EndOperation(ctx context.Context) models.AlarmStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.alarm.Status()
	p.alarm.EndOperation()
	p.opTanks = nil
	if prev.OperationID != "" {
		if err := p.repo.EndOperation(ctx, p.now()); err != nil {
			p.log.Error("close operation failed", "err", err)
			p.metrics.IncStorageError("end_operation")
		}
		p.log.Info("operation ended", "operation", prev.OperationID, "state", prev.CurrentState)
	}
	p.republish()
	return p.alarm.Status()
}

// Acknowledge marks the current alarm state as seen and journals it.
func (p *Pipeline) Acknowledge(ctx context.Context) models.AlarmStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := p.alarm.Acknowledge()
	if status.OperationID != "" {
		_, err := p.repo.InsertAlarmEvent(ctx, models.AlarmEvent{
			OperationID: status.OperationID,
			FromState:   status.CurrentState,
			ToState:     status.CurrentState,
			Reason:      "acknowledged",
			Volume:      status.CurrentVolume,
			Progress:    status.ProgressPercentage,
			Overshoot:   status.OvershootPercentage,
			TS:          *status.AcknowledgedAt,
		})
		if err != nil {
			p.log.Error("journal acknowledgment failed", "err", err)
			p.metrics.IncStorageError("insert_alarm_event")
		}
	}
	p.republish()
	return status
}

// ForceTransition moves the alarm state manually; moves outside the table fail.
func (p *Pipeline) ForceTransition(ctx context.Context, to models.AlarmState) (models.AlarmStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tr, err := p.alarm.Transition(to)
	if err != nil {
		return p.alarm.Status(), err
	}
	status := p.alarm.Status()
	p.onTransition(ctx, *tr, status)
	p.republish()
	return status, nil
}

func (p *Pipeline) AlarmConfig() models.AlarmConfiguration {
	return p.alarm.Config()
}

func (p *Pipeline) UpdateAlarmConfig(ctx context.Context, cfg models.AlarmConfiguration) error {
	if err := validateAlarmConfig(cfg); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.repo.PutSetting(ctx, db.SettingAlarmConfiguration, cfg); err != nil {
		return fmt.Errorf("save alarm configuration: %w", err)
	}
	p.alarm.SetConfig(cfg)
	p.log.Info("alarm configuration updated", "enabled", cfg.Enabled, "pre_alarm", cfg.PreAlarmPercentage,
		"warning", cfg.OvershootWarningPercentage, "alarm", cfg.OvershootAlarmPercentage)
	p.republish()
	return nil
}

func (p *Pipeline) FlowTuning() flow.Tuning {
	return p.flow.Tuning()
}

// UpdateFlowTuning stores normalized tuning and recomputes every series with it.
func (p *Pipeline) UpdateFlowTuning(ctx context.Context, t flow.Tuning) (flow.Tuning, error) {
	t = t.Normalized()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.repo.PutSetting(ctx, db.SettingFlowTuning, t); err != nil {
		return flow.Tuning{}, fmt.Errorf("save flow tuning: %w", err)
	}
	p.flow.SetTuning(t)
	p.log.Info("flow tuning updated", "history_size", t.HistorySize, "smoothing", t.SmoothingFactor)
	return t, nil
}

// ClearFlowHistory drops the flow series of one tank, or of every tank when id is empty.
func (p *Pipeline) ClearFlowHistory(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == "" {
		p.flow.ClearAll()
		p.log.Info("flow history cleared")
		return
	}
	p.flow.Clear(id)
	p.log.Info("flow history cleared", "tank", id)
}

func (p *Pipeline) FlowAnalysis(id string) *flow.Analysis {
	return p.flow.Analyze(id)
}

func validateAlarmConfig(c models.AlarmConfiguration) error {
	switch {
	case c.PreAlarmPercentage < 0 || c.PreAlarmPercentage >= 100:
		return fmt.Errorf("%w: pre-alarm percentage must be in [0,100)", ErrInvalidConfig)
	case c.OvershootWarningPercentage < 0 || c.OvershootAlarmPercentage < 0:
		return fmt.Errorf("%w: overshoot percentages must not be negative", ErrInvalidConfig)
	case c.OvershootAlarmPercentage < c.OvershootWarningPercentage:
		return fmt.Errorf("%w: overshoot alarm below overshoot warning", ErrInvalidConfig)
	case c.AlarmDelaySeconds < 0 || c.AutoResetAfterSeconds < 0 || c.HysteresisPercentage < 0:
		return fmt.Errorf("%w: delays and hysteresis must not be negative", ErrInvalidConfig)
	}
	return nil
}
