package plex

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// TypePlaying is the notification type carrying playback state changes.
const TypePlaying = "playing"

// Message is a successfully parsed frame.
type Message struct {
	// Payload is the decoded JSON document.
	Payload any
	Data    []byte
}

type envelope struct {
	NotificationContainer *NotificationContainer `json:"NotificationContainer"`
}

// NotificationContainer is the server-side event wrapper found in frames.
type NotificationContainer struct {
	Type                         string             `json:"type"`
	Size                         int                `json:"size"`
	PlaySessionStateNotification []PlaySessionState `json:"PlaySessionStateNotification"`
	// Raw keeps every field of the container, including variants not decoded above.
	Raw map[string]any `json:"-"`
}

func (c *NotificationContainer) UnmarshalJSON(data []byte) error {
	type plain NotificationContainer
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = NotificationContainer(p)
	c.Raw = raw
	return nil
}

// PlaySessionState is one per-session entry of a playing notification.
type PlaySessionState struct {
	SessionKey       string
	ClientIdentifier string
	GUID             string
	RatingKey        string
	URL              string
	Key              string
	ViewOffset       int64
	PlayQueueItemID  int64
	State            string
	TranscodeSession string
	// Raw is the entry as sent by the server.
	Raw map[string]any
}

func (s *PlaySessionState) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = PlaySessionState{
		SessionKey:       stringField(raw, "sessionKey"),
		ClientIdentifier: stringField(raw, "clientIdentifier"),
		GUID:             stringField(raw, "guid"),
		RatingKey:        stringField(raw, "ratingKey"),
		URL:              stringField(raw, "url"),
		Key:              stringField(raw, "key"),
		ViewOffset:       intField(raw, "viewOffset"),
		PlayQueueItemID:  intField(raw, "playQueueItemID"),
		State:            stringField(raw, "state"),
		TranscodeSession: stringField(raw, "transcodeSession"),
		Raw:              raw,
	}
	return nil
}

func (s PlaySessionState) MarshalJSON() ([]byte, error) {
	if s.Raw != nil {
		return json.Marshal(s.Raw)
	}
	return json.Marshal(map[string]any{
		"sessionKey":       s.SessionKey,
		"clientIdentifier": s.ClientIdentifier,
		"guid":             s.GUID,
		"ratingKey":        s.RatingKey,
		"url":              s.URL,
		"key":              s.Key,
		"viewOffset":       s.ViewOffset,
		"playQueueItemID":  s.PlayQueueItemID,
		"state":            s.State,
		"transcodeSession": s.TranscodeSession,
	})
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func intField(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// ParseFrame decodes a text frame. The container is nil when the payload is
// valid JSON without a NotificationContainer.
func ParseFrame(data []byte) (Message, *NotificationContainer, error) {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return Message{}, nil, fmt.Errorf("decode frame: %w", err)
	}
	msg := Message{Payload: payload, Data: data}

	obj, ok := payload.(map[string]any)
	if !ok {
		return msg, nil, nil
	}
	if _, ok := obj["NotificationContainer"]; !ok {
		return msg, nil, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return msg, nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	return msg, env.NotificationContainer, nil
}

// PlayingEvents extracts the per-session entries of a playing notification.
// It returns nil for other notification types.
func PlayingEvents(c NotificationContainer) ([]PlayingEvent, error) {
	if c.Type != TypePlaying {
		return nil, nil
	}
	if len(c.PlaySessionStateNotification) == 0 {
		return nil, fmt.Errorf("%w: playing notification has no PlaySessionStateNotification", ErrMalformedNotification)
	}
	events := make([]PlayingEvent, 0, len(c.PlaySessionStateNotification))
	for _, s := range c.PlaySessionStateNotification {
		events = append(events, PlayingEvent{State: s.State, Notification: s})
	}
	return events, nil
}
