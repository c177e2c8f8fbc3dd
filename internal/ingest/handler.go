// Package ingest exposes the HTTP endpoint producers use to hand events to the relay.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/austindbirch/control_core/internal/auth"
	"github.com/austindbirch/control_core/internal/delivery"
	"github.com/austindbirch/control_core/internal/logging"
	"github.com/austindbirch/control_core/internal/tracing"
)

// MaxBodyBytes caps the size of an ingested event
const MaxBodyBytes = 1 << 20

// EventsPath is the ingestion route
const EventsPath = "/api/events"

// ErrValidation marks an event rejected for missing required fields
var ErrValidation = delivery.ErrInvalidEvent

// Submitter durably accepts an event for delivery
type Submitter interface {
	Submit(ctx context.Context, ev delivery.Event) error
}

// EventRequest is the producer-facing event shape. Relay-owned fields are not accepted.
type EventRequest struct {
	ClientID  string         `json:"client_id"`
	Action    string         `json:"action"`
	User      string         `json:"user,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Response is returned with 202 Accepted
type Response struct {
	Status string         `json:"status"`
	Event  delivery.Event `json:"event"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type Handler struct {
	submitter Submitter
	now       func() time.Time
	logger    *logging.Logger
}

func NewHandler(s Submitter) *Handler {
	return &Handler{
		submitter: s,
		now:       time.Now,
		logger:    logging.New("control-core-ingest"),
	}
}

// Register mounts the authenticated ingestion route on mux
func (h *Handler) Register(mux *http.ServeMux, a *auth.Authenticator) {
	mux.Handle("POST "+EventsPath, a.Middleware(h))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := tracing.ExtractHTTPHeaders(r.Context(), r.Header)
	ctx, span := tracing.StartSpan(ctx, "ingest.event")
	defer span.End()

	var req EventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		tracing.SetSpanError(ctx, err)
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	metadata, err := delivery.NormalizeMetadata(req.Metadata)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	ev := delivery.Event{
		ClientID:  req.ClientID,
		Action:    req.Action,
		User:      req.User,
		Metadata:  metadata,
		Timestamp: req.Timestamp,
	}
	if err := ev.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	// a token pinned to one client may only submit for that client
	if p, ok := auth.PrincipalFromContext(ctx); ok && p.ClientID != "" && p.ClientID != ev.ClientID {
		writeError(w, http.StatusForbidden, "token not valid for client_id "+ev.ClientID)
		return
	}

	ev.Stamp(h.now())
	span.SetAttributes(tracing.EventAttributes(ev.ID, ev.ClientID, ev.Action, ev.Attempts)...)

	if err := h.submitter.Submit(ctx, ev); err != nil {
		tracing.SetSpanError(ctx, err)
		h.logger.WithContext(ctx).WithEvent(ev.ID).WithClient(ev.ClientID).WithError(err).Error("failed to accept event")
		writeError(w, http.StatusInternalServerError, "failed to persist event")
		return
	}

	h.logger.WithContext(ctx).WithEvent(ev.ID).WithClient(ev.ClientID).WithField("action", ev.Action).Debug("event queued")
	writeJSON(w, http.StatusAccepted, Response{Status: "queued", Event: ev})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}
