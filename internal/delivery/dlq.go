package delivery

import "time"

const DLQType = "relay.dead_letter"

type DeadLetter struct {
	Type      string `json:"type"`    // "relay.dead_letter"
	Version   string `json:"version"` // schema version
	At        string `json:"at"`      // RFC3339 time the event was dropped
	Reason    string `json:"reason"`  // human/debug text
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
	Event     Event  `json:"event"` // full event snapshot
}

func NewDeadLetter(ev Event, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempts:  ev.Attempts,
		LastError: lastErr,
		Event:     ev,
	}
}
