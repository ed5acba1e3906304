package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// EventKind tags an entry of the per-user auth event log.
type EventKind string

const (
	EventSessionActive          EventKind = "SESSION_ACTIVE"
	EventSessionTerminated      EventKind = "SESSION_TERMINATED"
	EventLogout                 EventKind = "LOGOUT"
	EventPasswordChanged        EventKind = "PASSWORD_CHANGED"
	EventPasswordResetRequested EventKind = "PASSWORD_RESET_REQUESTED"
	EventPasswordResetCompleted EventKind = "PASSWORD_RESET_COMPLETED"
)

// Metadata keys used on session events.
const (
	MetaIP           = "ip"
	MetaUserAgent    = "userAgent"
	MetaLastActiveAt = "lastActiveAt"
)

// EventMetadata is the free-form JSON document attached to an event.
type EventMetadata map[string]interface{}

// Value implements driver.Valuer.
func (m EventMetadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *EventMetadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = EventMetadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
	out := EventMetadata{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
	}
	*m = out
	return nil
}

// AuthEvent is an entry of the append-only auth event log. Session records
// are events of kind SESSION_ACTIVE whose kind later flips to
// SESSION_TERMINATED; Kind and Metadata are the only fields written after
// creation.
type AuthEvent struct {
	ID          string        `db:"id" json:"id"`
	UserID      string        `db:"user_id" json:"userId"`
	Kind        EventKind     `db:"kind" json:"kind"`
	Fingerprint string        `db:"fingerprint" json:"fingerprint"`
	Metadata    EventMetadata `db:"metadata" json:"metadata"`
	CreatedAt   time.Time     `db:"created_at" json:"createdAt"`
}

// SessionView is the client-facing projection of an active session.
type SessionView struct {
	ID          string        `json:"id"`
	Fingerprint string        `json:"fingerprint"`
	Metadata    EventMetadata `json:"metadata"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// View projects the event as a session.
func (e AuthEvent) View() SessionView {
	meta := EventMetadata{}
	for k, v := range e.Metadata {
		meta[k] = v
	}
	return SessionView{ID: e.ID, Fingerprint: e.Fingerprint, Metadata: meta, CreatedAt: e.CreatedAt}
}
