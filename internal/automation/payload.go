package automation

import (
	"github.com/jkaninda/kazi/internal/rules"
)

// WebhookPayload is one inbound delivery: either a change event or the
// platform's url_verification handshake.
type WebhookPayload struct {
	Type      string       `json:"type,omitempty"`
	Token     string       `json:"token,omitempty"`
	Challenge string       `json:"challenge,omitempty"`
	Header    *EventHeader `json:"header,omitempty"`
	Event     *ChangeEvent `json:"event,omitempty"`
}

// EventHeader carries delivery metadata. EventID is the dedupe key.
type EventHeader struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type,omitempty"`
	Token     string `json:"token,omitempty"`
}

// ChangeEvent locates the changed record. ChangedFields is advisory only;
// current state is always re-fetched from the datastore.
type ChangeEvent struct {
	AppToken      string         `json:"app_token"`
	TableID       string         `json:"table_id"`
	RecordID      string         `json:"record_id"`
	ChangedFields map[string]any `json:"changed_fields,omitempty"`
}

// DelayedPayload is what a delay action defers: the follow-up action plus
// the frozen execution context. Stored as the delayed task's payload.
type DelayedPayload struct {
	Action       rules.ActionSpec `json:"action"`
	AppToken     string           `json:"app_token"`
	TableID      string           `json:"table_id"`
	RecordID     string           `json:"record_id"`
	Fields       map[string]any   `json:"fields,omitempty"`
	NotifyChatID string           `json:"notify_chat_id,omitempty"`
}

// CronPayload is the action list a recurring job runs on each fire.
type CronPayload struct {
	Actions  []rules.ActionSpec `json:"actions"`
	AppToken string             `json:"app_token,omitempty"`
	TableID  string             `json:"table_id,omitempty"`
	RecordID string             `json:"record_id,omitempty"`
	Fields   map[string]any     `json:"fields,omitempty"`
}
