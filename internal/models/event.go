package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
	"unicode"
)

// EventName enumerates the conversion actions the pipeline reports.
type EventName string

const (
	EventPageView    EventName = "PageView"
	EventViewContent EventName = "ViewContent"
	EventLead        EventName = "Lead"
	EventContact     EventName = "Contact"
	EventSchedule    EventName = "Schedule"
)

// IsValid reports whether the name is one of the supported actions.
func (n EventName) IsValid() bool {
	switch n {
	case EventPageView, EventViewContent, EventLead, EventContact, EventSchedule:
		return true
	}
	return false
}

// AttributionContext carries click/campaign identifiers and pre-hashed
// contact fields. Raw email and phone never appear here: they are hashed at
// the ingest boundary, before the event is stored, logged, or transmitted.
type AttributionContext struct {
	ClickID   string `json:"click_id,omitempty"`   // fbc cookie value
	BrowserID string `json:"browser_id,omitempty"` // fbp cookie value
	EmailHash string `json:"email_hash,omitempty"`
	PhoneHash string `json:"phone_hash,omitempty"`
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
}

// TrackingEvent represents one real-world action. EventID is generated once
// on the client and reused verbatim by every channel that transmits the same
// action; it is both the upstream dedup key and the local one.
type TrackingEvent struct {
	EventID     string             `json:"event_id"`
	EventName   EventName          `json:"event_name"`
	OccurredAt  time.Time          `json:"occurred_at"`
	SubjectID   string             `json:"subject_id,omitempty"`
	Attribution AttributionContext `json:"attribution"`
	CustomData  map[string]any     `json:"custom_data,omitempty"`
}

// EventIngestRequest is the POST /api/events payload.
// occurred_at is RFC3339 and server-assigned when absent. email and phone
// arrive raw over TLS and are hashed before the request goes any further.
type EventIngestRequest struct {
	EventID    string         `json:"event_id,omitempty"`
	EventName  string         `json:"event_name" binding:"required"`
	OccurredAt string         `json:"occurred_at,omitempty"`
	SubjectID  string         `json:"subject_id,omitempty"`
	Email      string         `json:"email,omitempty"`
	Phone      string         `json:"phone,omitempty"`
	ClickID    string         `json:"click_id,omitempty"`
	BrowserID  string         `json:"browser_id,omitempty"`
	SourceURL  string         `json:"source_url,omitempty"`
	CustomData map[string]any `json:"custom_data,omitempty"`
}

// Ingest statuses returned by POST /api/events. "accepted" means admitted to
// the pipeline, not confirmed delivered upstream.
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
	StatusQueued    = "queued"
)

// EventIngestResponse is returned by POST /api/events.
type EventIngestResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

// RetryItem is one failed dispatch attempt held for the drain worker.
// Payload is the fully-built wire body; retries never rebuild attribution
// context from stale client state.
type RetryItem struct {
	ID            string          `json:"id"`
	EventID       string          `json:"event_id"`
	EventName     string          `json:"event_name"`
	Payload       json.RawMessage `json:"payload"`
	AttemptCount  int             `json:"attempt_count"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
}

// HashEmail normalizes (trim, lowercase) and SHA-256-hashes an email address
// per the Conversions API user_data contract. Empty input yields "".
func HashEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ""
	}
	return hexSHA256(email)
}

// HashPhone normalizes a phone number to digits only and SHA-256-hashes it.
// Empty input yields "".
func HashPhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return hexSHA256(b.String())
}

// HashIdentifier SHA-256-hashes an opaque identifier (e.g. the subject id)
// without case normalization. Empty input yields "".
func HashIdentifier(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return hexSHA256(id)
}

func hexSHA256(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
