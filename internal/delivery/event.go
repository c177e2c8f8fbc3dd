package delivery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEvent is returned by Validate when a required field is missing
var ErrInvalidEvent = errors.New("invalid event")

// Event is the unit of work relayed to every configured target
type Event struct {
	ID         string         `json:"id"`
	ClientID   string         `json:"client_id"`
	Action     string         `json:"action"`
	User       string         `json:"user,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"` // kept verbatim so large numbers survive
	Timestamp  string          `json:"timestamp,omitempty"` // producer supplied, RFC3339 when stamped
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
}

var jsonNull = []byte("null")

// NormalizeMetadata returns raw without surrounding space, or nil for an absent
// or null value. Anything else must be a JSON object.
func NormalizeMetadata(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return nil, nil
	}
	if raw[0] != '{' || !json.Valid(raw) {
		return nil, fmt.Errorf("%w: metadata must be a JSON object", ErrInvalidEvent)
	}
	return raw, nil
}

// Validate checks the minimal shape an event needs before it may enter the log
func (e Event) Validate() error {
	var missing []string
	if strings.TrimSpace(e.ClientID) == "" {
		missing = append(missing, "client_id")
	}
	if strings.TrimSpace(e.Action) == "" {
		missing = append(missing, "action")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrInvalidEvent, strings.Join(missing, " and "))
	}
	if _, err := NormalizeMetadata(e.Metadata); err != nil {
		return err
	}
	return nil
}

// Stamp fills the fields owned by the relay: id, enqueue time, producer timestamp
// (when absent) and a zero attempt counter.
func (e *Event) Stamp(now time.Time) {
	now = now.UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == "" {
		e.Timestamp = now.Format(time.RFC3339Nano)
	}
	e.EnqueuedAt = now
	e.Attempts = 0
}

// Key is the correlation key used by the durable log. It only uses fields that
// never change across retries.
func (e Event) Key() string {
	return fmt.Sprintf("%s|%s|%d|%s", e.ClientID, e.Action, e.EnqueuedAt.UnixNano(), e.ID)
}

// NextAttempt returns a copy with the attempt counter incremented
func (e Event) NextAttempt() Event {
	next := e
	next.Attempts++
	return next
}
