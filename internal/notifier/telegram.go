package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"tankwatch/internal/apperr"
	"tankwatch/internal/models"
)

const defaultAPI = "https://api.telegram.org"

type Telegram struct {
	mu      sync.RWMutex
	token   string
	chatID  string
	BaseURL string
	HTTP    *http.Client
}

func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		token:   token,
		chatID:  chatID,
		BaseURL: defaultAPI,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *Telegram) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token != "" && t.chatID != ""
}

func (t *Telegram) Update(token, chatID string) {
	t.mu.Lock()
	t.token = token
	t.chatID = chatID
	t.mu.Unlock()
}

func (t *Telegram) Send(ctx context.Context, msg string) error {
	t.mu.RLock()
	token, chatID := t.token, t.chatID
	t.mu.RUnlock()
	if token == "" || chatID == "" {
		return apperr.New(apperr.ExternalService, "telegram.send", fmt.Errorf("telegram not configured"))
	}
	payload := map[string]any{"chat_id": chatID, "text": msg, "disable_web_page_preview": true}
	b, _ := json.Marshal(payload)
	u := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.BaseURL, "/"), token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := t.HTTP.Do(req)
	if err != nil {
		return apperr.New(apperr.ExternalService, "telegram.send", err)
	}
	defer res.Body.Close()
	resp, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode >= 300 {
		return apperr.New(apperr.ExternalService, "telegram.send", fmt.Errorf("telegram status %d: %s", res.StatusCode, string(resp)))
	}
	return nil
}

// AlarmMessage renders an alarm state change for operators.
func AlarmMessage(from, to models.AlarmState, st models.AlarmStatus) string {
	var b strings.Builder
	switch to {
	case models.AlarmTargetReached:
		b.WriteString("TARGET REACHED")
	case models.AlarmOvershootWarning:
		b.WriteString("OVERSHOOT WARNING")
	case models.AlarmOvershootAlarm:
		b.WriteString("OVERSHOOT ALARM")
	default:
		b.WriteString(string(to))
	}
	fmt.Fprintf(&b, " (%s -> %s)\n", from, to)
	fmt.Fprintf(&b, "%s of %.0f L: progress %.1f%%", st.OperationType, st.OperationQuantity, st.ProgressPercentage)
	if st.OvershootPercentage > 0 {
		fmt.Fprintf(&b, ", overshoot %.1f%%", st.OvershootPercentage)
	}
	fmt.Fprintf(&b, "\nvolume %.0f L, target %.0f L", st.CurrentVolume, st.TargetVolume)
	return b.String()
}
