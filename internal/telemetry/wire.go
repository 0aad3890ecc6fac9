package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tankwatch/internal/apperr"
	"tankwatch/internal/models"
)

const (
	msgTankUpdate = "tankUpdate"
	msgPing       = "ping"
	msgPong       = "pong"
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wireReading struct {
	Index        *int     `json:"index"`
	CurrentLevel *float64 `json:"currentLevel"`
	Temperature  float64  `json:"temperature"`
	LastUpdated  string   `json:"lastUpdated"`
}

var pongMessage = []byte(`{"type":"pong"}`)

// decodeEnvelope splits a push message into its type and reading payload.
func decodeEnvelope(raw []byte) (string, []models.TelemetryReading, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, apperr.New(apperr.Parse, "telemetry.envelope", err)
	}
	if env.Type != msgTankUpdate {
		return env.Type, nil, nil
	}
	readings, err := decodeReadings(env.Data)
	if err != nil {
		return env.Type, nil, err
	}
	return env.Type, readings, nil
}

// decodePoll accepts either a bare reading array or a tankUpdate envelope.
func decodePoll(raw []byte) ([]models.TelemetryReading, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return decodeReadings(trimmed)
	}
	typ, readings, err := decodeEnvelope(trimmed)
	if err != nil {
		return nil, err
	}
	if typ != msgTankUpdate {
		return nil, apperr.New(apperr.Parse, "telemetry.poll", fmt.Errorf("unexpected message type %q", typ))
	}
	return readings, nil
}

// decodeReadings converts a reading array. One bad reading rejects the whole batch.
func decodeReadings(raw json.RawMessage) ([]models.TelemetryReading, error) {
	if len(raw) == 0 {
		return nil, apperr.New(apperr.Parse, "telemetry.readings", errors.New("missing data"))
	}
	var wire []wireReading
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, apperr.New(apperr.Parse, "telemetry.readings", err)
	}
	out := make([]models.TelemetryReading, 0, len(wire))
	for i, w := range wire {
		if w.Index == nil || w.CurrentLevel == nil {
			return nil, apperr.New(apperr.Parse, "telemetry.readings", fmt.Errorf("reading %d: missing index or level", i))
		}
		ts, err := time.Parse(time.RFC3339Nano, w.LastUpdated)
		if err != nil {
			return nil, apperr.New(apperr.Parse, "telemetry.readings", fmt.Errorf("reading %d: %w", i, err))
		}
		out = append(out, models.TelemetryReading{
			SourceIndex:  *w.Index,
			LevelMm:      *w.CurrentLevel,
			TemperatureC: w.Temperature,
			Timestamp:    ts.UTC(),
		})
	}
	return out, nil
}
