package relay

import (
	"encoding/json"
	"net/http"
)

// StatsHandler serves Stats as JSON
func (s *Service) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Stats())
	}
}

// OverviewHandler serves Overview as JSON
func (s *Service) OverviewHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Overview(r.Context()))
	}
}
