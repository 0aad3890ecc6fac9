package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tankwatch/internal/apperr"
	"tankwatch/internal/models"
)

func TestSendPostsToBotEndpoint(t *testing.T) {
	var gotPath string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegram("123:abc", "-42")
	tg.BaseURL = srv.URL
	if err := tg.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/bot123:abc/sendMessage" {
		t.Fatalf("path = %q", gotPath)
	}
	if body["chat_id"] != "-42" || body["text"] != "hello" {
		t.Fatalf("payload = %v", body)
	}
}

func TestSendErrors(t *testing.T) {
	tg := NewTelegram("", "")
	if tg.Enabled() {
		t.Fatalf("empty credentials should be disabled")
	}
	if err := tg.Send(context.Background(), "x"); !apperr.IsKind(err, apperr.ExternalService) {
		t.Fatalf("unconfigured send: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "chat not found", http.StatusBadRequest)
	}))
	defer srv.Close()
	tg.Update("t", "c")
	tg.BaseURL = srv.URL
	err := tg.Send(context.Background(), "x")
	if !apperr.IsKind(err, apperr.ExternalService) || !strings.Contains(err.Error(), "400") {
		t.Fatalf("bad status: %v", err)
	}
}

func TestAlarmMessage(t *testing.T) {
	msg := AlarmMessage(models.AlarmTargetReached, models.AlarmOvershootAlarm, models.AlarmStatus{
		OperationType:       models.OperationLoading,
		OperationQuantity:   500,
		ProgressPercentage:  105,
		OvershootPercentage: 5,
		CurrentVolume:       1525,
		TargetVolume:        1500,
	})
	for _, want := range []string{"OVERSHOOT ALARM", "TARGET_REACHED -> OVERSHOOT_ALARM", "progress 105.0%", "overshoot 5.0%", "volume 1525 L"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}
