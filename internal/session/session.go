// Package session resolves playback session keys to session records.
package session

import (
	"context"
	"encoding/json"
	"maps"
	"strconv"
)

// PrevStateField is the record field holding the last processed state.
const PrevStateField = "prevState"

// Session is one playback session as reported by the media server.
type Session struct {
	Key string
	// Fields is the session entry as sent by the server. It is never
	// modified after the session is created.
	Fields map[string]any
	// PrevState is the last playback state the processor acted on. Only the
	// processor writes it.
	PrevState string
}

// New creates a Session from a server entry. The key is taken from the
// entry's sessionKey field.
func New(fields map[string]any) *Session {
	return &Session{Key: KeyOf(fields), Fields: fields}
}

// Record returns the session as a filterable document: the server fields
// plus prevState once one has been recorded.
func (s *Session) Record() map[string]any {
	rec := make(map[string]any, len(s.Fields)+1)
	maps.Copy(rec, s.Fields)
	if s.PrevState != "" {
		rec[PrevStateField] = s.PrevState
	}
	return rec
}

func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Record())
}

// KeyOf returns the sessionKey of a server entry as a string.
func KeyOf(fields map[string]any) string {
	switch v := fields["sessionKey"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return ""
}

// Store fetches sessions by key. Fetch returns nil without an error when the
// server does not know the session.
type Store interface {
	Fetch(ctx context.Context, key string) (*Session, error)
	Delete(key string)
}
