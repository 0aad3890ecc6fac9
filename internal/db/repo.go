package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tankwatch/internal/models"
)

const (
	SettingAlarmConfiguration = "alarm_configuration"
	SettingFlowTuning         = "flow_tuning"
	SettingTelegram           = "telegram"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *sql.DB { return r.db }

// GetSetting decodes the JSON value stored under key into dst. It reports false
// when the key has never been written.
func (r *Repository) GetSetting(ctx context.Context, key string, dst any) (bool, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return true, nil
}

func (r *Repository) PutSetting(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO settings(key,value) VALUES (?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, string(b))
	return err
}

type TelegramSettings struct {
	Token  string `json:"token"`
	ChatID string `json:"chatId"`
}

func (r *Repository) SaveTelegramSettings(ctx context.Context, token, chatID string) error {
	return r.PutSetting(ctx, SettingTelegram, TelegramSettings{Token: token, ChatID: chatID})
}

func (r *Repository) LoadTelegramSettings(ctx context.Context) (token, chatID string, err error) {
	var s TelegramSettings
	if _, err := r.GetSetting(ctx, SettingTelegram, &s); err != nil {
		return "", "", err
	}
	return s.Token, s.ChatID, nil
}

func (r *Repository) InsertReadings(ctx context.Context, records []models.ReadingRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tank_readings (ts,tank_id,source_index,level_mm,temperature_c,volume_liters,mass_tons) VALUES (?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec.TS.UTC(), rec.TankID, rec.SourceIndex, rec.LevelMm, rec.TemperatureC, rec.VolumeLiters, rec.MassTons); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Repository) RecentReadings(ctx context.Context, tankID string, from time.Time, limit int) ([]models.ReadingRecord, error) {
	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `SELECT ts,tank_id,source_index,level_mm,temperature_c,volume_liters,mass_tons
		FROM tank_readings WHERE tank_id=? AND ts >= ? ORDER BY ts ASC LIMIT ?`, tankID, from.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.ReadingRecord, 0, 64)
	for rows.Next() {
		var rec models.ReadingRecord
		var temp sql.NullFloat64
		if err := rows.Scan(&rec.TS, &rec.TankID, &rec.SourceIndex, &rec.LevelMm, &temp, &rec.VolumeLiters, &rec.MassTons); err != nil {
			return nil, err
		}
		if temp.Valid {
			v := temp.Float64
			rec.TemperatureC = &v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) InsertOperation(ctx context.Context, op models.OperationRecord) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO operations (id,type,quantity,initial_volume,target_volume,started_ts) VALUES (?,?,?,?,?,?)`,
		op.ID, string(op.Type), op.Quantity, op.InitialVolume, op.TargetVolume, op.StartedAt.UTC())
	return err
}

// EndOperation closes every operation still open, normally just the latest one.
func (r *Repository) EndOperation(ctx context.Context, ended time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE operations SET ended_ts_nullable=? WHERE ended_ts_nullable IS NULL`, ended.UTC())
	return err
}

func (r *Repository) RecentOperations(ctx context.Context, limit int) ([]models.OperationRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id,type,quantity,initial_volume,target_volume,started_ts,ended_ts_nullable
		FROM operations ORDER BY started_ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.OperationRecord
	for rows.Next() {
		var op models.OperationRecord
		var typ string
		var ended sql.NullTime
		if err := rows.Scan(&op.ID, &typ, &op.Quantity, &op.InitialVolume, &op.TargetVolume, &op.StartedAt, &ended); err != nil {
			return nil, err
		}
		op.Type = models.OperationType(typ)
		if ended.Valid {
			t := ended.Time
			op.EndedAt = &t
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (r *Repository) InsertAlarmEvent(ctx context.Context, e models.AlarmEvent) (int64, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO alarm_events (operation_id,from_state,to_state,reason,volume,progress,overshoot,ts) VALUES (?,?,?,?,?,?,?,?)`,
		e.OperationID, string(e.FromState), string(e.ToState), e.Reason, e.Volume, e.Progress, e.Overshoot, e.TS.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *Repository) RecentAlarmEvents(ctx context.Context, since time.Time, limit int) ([]models.AlarmEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id,operation_id,from_state,to_state,reason,volume,progress,overshoot,ts
		FROM alarm_events WHERE ts >= ? ORDER BY ts DESC, id DESC LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AlarmEvent
	for rows.Next() {
		var e models.AlarmEvent
		var from, to string
		if err := rows.Scan(&e.ID, &e.OperationID, &from, &to, &e.Reason, &e.Volume, &e.Progress, &e.Overshoot, &e.TS); err != nil {
			return nil, err
		}
		e.FromState, e.ToState = models.AlarmState(from), models.AlarmState(to)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) InsertNotificationEvent(ctx context.Context, alarmEventID int64, channel, status string, attempts int, lastErr string, sent *time.Time) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO notification_events (alarm_event_id,channel,status,attempts,last_error,sent_ts_nullable) VALUES (?,?,?,?,?,?)`, alarmEventID, channel, status, attempts, lastErr, sent)
	return err
}

func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) error {
	queries := []string{
		`DELETE FROM tank_readings WHERE ts < ?`,
		`DELETE FROM alarm_events WHERE ts < ?`,
		`DELETE FROM operations WHERE ended_ts_nullable IS NOT NULL AND ended_ts_nullable < ?`,
	}
	for _, q := range queries {
		if _, err := r.db.ExecContext(ctx, q, cutoff.UTC()); err != nil {
			return err
		}
	}
	_, _ = r.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	_, _ = r.db.ExecContext(ctx, `PRAGMA optimize`)
	return nil
}
