package notification

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/domain"
)

func TestNewWebhookDisabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if w := NewWebhook(nil, logger); w != nil {
		t.Fatal("nil config must disable the notifier")
	}
	if w := NewWebhook(&config.NotificationConfig{Enabled: false, WebhookURL: "https://example.com"}, logger); w != nil {
		t.Fatal("disabled config must disable the notifier")
	}
	if w := NewWebhook(&config.NotificationConfig{Enabled: true}, logger); w != nil {
		t.Fatal("missing URL must disable the notifier")
	}
	if w := NewWebhook(&config.NotificationConfig{Enabled: true, WebhookURL: "https://example.com/hook"}, logger); w == nil {
		t.Fatal("valid config must enable the notifier")
	}
}

func TestValidateWebhookURL(t *testing.T) {
	cases := []struct {
		url    string
		wantOK bool
	}{
		{"https://hooks.example.com/notify", true},
		{"ftp://example.com/x", false},
		{"http://localhost/x", false},
		{"http://127.0.0.1:8080/x", false},
		{"http://0.0.0.0/x", false},
		{"not a url://", false},
	}
	for _, tc := range cases {
		err := validateWebhookURL(tc.url)
		// Public hostnames need DNS; only assert the strictly local cases.
		if !tc.wantOK && err == nil {
			t.Errorf("validateWebhookURL(%q): expected rejection", tc.url)
		}
	}
}

func TestMapStatus(t *testing.T) {
	if mapStatus(domain.DelayStatusCompleted) != StatusSuccess {
		t.Fatal("completed must map to success")
	}
	if mapStatus(StatusSuccess) != StatusSuccess {
		t.Fatal("success must stay success")
	}
	if mapStatus(domain.DelayStatusFailed) != StatusFailed {
		t.Fatal("failed must map to failed")
	}
	if mapStatus("anything-else") != StatusFailed {
		t.Fatal("unknown statuses are failures")
	}
}

func TestDelayedTargetDecodedFromPayload(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"notify_chat_id": "chat-9"})
	task := &domain.DelayedTask{ID: domain.NewID(), Payload: raw}

	var target struct {
		NotifyChatID string `json:"notify_chat_id"`
	}
	if err := json.Unmarshal(task.Payload, &target); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if target.NotifyChatID != "chat-9" {
		t.Fatalf("expected chat-9, got %q", target.NotifyChatID)
	}
}
