package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

type Status struct {
	OK         bool              `json:"ok"`
	Message    string            `json:"message,omitempty"`
	QueueDepth int               `json:"queue_depth"`
	Checks     map[string]string `json:"checks,omitempty"`
}

// DepthReporter reports the live queue depth
type DepthReporter interface {
	QueueDepth() int
}

// Handler serves the health endpoint. It reports unhealthy once shutdown begins
// or when any registered dependency check fails.
type Handler struct {
	depth    DepthReporter
	stopping atomic.Bool

	mu     sync.RWMutex
	checks map[string]func() error
}

func NewHandler(depth DepthReporter) *Handler {
	return &Handler{depth: depth, checks: make(map[string]func() error)}
}

// AddCheck registers a dependency check, e.g. the dead letter producer's Ping
func (h *Handler) AddCheck(name string, check func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// SetShuttingDown flips the endpoint to 503
func (h *Handler) SetShuttingDown() {
	h.stopping.Store(true)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := h.Check()
	w.Header().Set("Content-Type", "application/json")
	if !st.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(st)
}

// Check evaluates the current status
func (h *Handler) Check() Status {
	st := Status{OK: true, Message: "ok"}
	if h.depth != nil {
		st.QueueDepth = h.depth.QueueDepth()
	}

	// checks may do network I/O, so they run outside the lock
	h.mu.RLock()
	checks := make(map[string]func() error, len(h.checks))
	names := make([]string, 0, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
		names = append(names, name)
	}
	h.mu.RUnlock()

	sort.Strings(names)
	for _, name := range names {
		if st.Checks == nil {
			st.Checks = make(map[string]string, len(names))
		}
		if err := checks[name](); err != nil {
			st.OK = false
			st.Message = name + " check failed"
			st.Checks[name] = err.Error()
			continue
		}
		st.Checks[name] = "ok"
	}

	if h.stopping.Load() {
		st.OK = false
		st.Message = "shutting down"
	}
	return st
}
