package capi

import (
	"encoding/json"

	"github.com/studioglow/conversion-relay/internal/models"
)

// userData is the Conversions API user_data block. Contact fields are
// SHA-256 hashes (hashed before this struct is ever populated); click and
// browser identifiers travel raw per the API contract.
type userData struct {
	Email      []string `json:"em,omitempty"`
	Phone      []string `json:"ph,omitempty"`
	ExternalID []string `json:"external_id,omitempty"`
	ClientIP   string   `json:"client_ip_address,omitempty"`
	UserAgent  string   `json:"client_user_agent,omitempty"`
	ClickID    string   `json:"fbc,omitempty"`
	BrowserID  string   `json:"fbp,omitempty"`
}

// wireEvent is one event in the Conversions API data array.
type wireEvent struct {
	EventName      string         `json:"event_name"`
	EventTime      int64          `json:"event_time"`
	EventID        string         `json:"event_id"`
	ActionSource   string         `json:"action_source"`
	EventSourceURL string         `json:"event_source_url,omitempty"`
	UserData       userData       `json:"user_data"`
	CustomData     map[string]any `json:"custom_data,omitempty"`
}

// wireRequest is the Conversions API request body.
type wireRequest struct {
	Data          []wireEvent `json:"data"`
	TestEventCode string      `json:"test_event_code,omitempty"`
}

// BuildPayload renders a TrackingEvent into the final wire body. The result
// is what the retry queue persists: a retried item is re-sent byte-for-byte,
// never rebuilt from stale client state.
//
// event_id is carried through unchanged; it must match the id the client
// channel used for the same action, which is what lets the upstream platform
// collapse the two reports into one.
func BuildPayload(event models.TrackingEvent, testEventCode string) (json.RawMessage, error) {
	ud := userData{
		ClientIP:  event.Attribution.ClientIP,
		UserAgent: event.Attribution.UserAgent,
		ClickID:   event.Attribution.ClickID,
		BrowserID: event.Attribution.BrowserID,
	}
	if h := event.Attribution.EmailHash; h != "" {
		ud.Email = []string{h}
	}
	if h := event.Attribution.PhoneHash; h != "" {
		ud.Phone = []string{h}
	}
	if event.SubjectID != "" {
		ud.ExternalID = []string{models.HashIdentifier(event.SubjectID)}
	}

	req := wireRequest{
		Data: []wireEvent{{
			EventName:      string(event.EventName),
			EventTime:      event.OccurredAt.Unix(),
			EventID:        event.EventID,
			ActionSource:   "website",
			EventSourceURL: event.Attribution.SourceURL,
			UserData:       ud,
			CustomData:     event.CustomData,
		}},
		TestEventCode: testEventCode,
	}

	return json.Marshal(req)
}
